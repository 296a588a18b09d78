package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/turtacn/ratelimit-gateway/internal/config"
	"github.com/turtacn/ratelimit-gateway/internal/domain/models"
	"github.com/turtacn/ratelimit-gateway/internal/domain/service"
)

func newKeyCmd() *cobra.Command {
	var (
		policyFile string
		tier       string
		apiKey     string
		ip         string
		method     string
		path       string
	)

	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the bucket key a request is counted against",
		Long: `Print the bucket key for a caller and endpoint. With --policy-file the key
prefix, default tier and API key tiers come from the document; --tier overrides
the resolved tier.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := models.NewDefaultRateLimitConfig()
			if policyFile != "" {
				loaded, err := config.LoadPolicyFile(policyFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if apiKey == "" && ip == "" {
				return fmt.Errorf("one of --api-key or --ip is required")
			}

			req := &models.RequestInfo{Method: method, Path: path, APIKey: apiKey, RemoteAddr: ip}
			subject := service.ResolveSubject(req, false)
			resolved := tier
			if resolved == "" {
				resolved = cfg.TierFor(apiKey)
			}
			fmt.Fprintln(cmd.OutOrStdout(), service.BuildKey(cfg.KeyPrefix, resolved, subject, method, path))
			return nil
		},
	}

	cmd.Flags().StringVar(&policyFile, "policy-file", "", "Rate limit policy document")
	cmd.Flags().StringVar(&tier, "tier", "", "Tier (defaults to the API key's tier)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Caller API key")
	cmd.Flags().StringVar(&ip, "ip", "", "Caller IP address")
	cmd.Flags().StringVar(&method, "method", "GET", "HTTP method")
	cmd.Flags().StringVar(&path, "path", "", "Request path")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}
