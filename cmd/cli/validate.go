package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/turtacn/ratelimit-gateway/internal/config"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <policy.yaml>",
		Short: "Validate a rate limit policy document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPolicyFile(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: OK\n", args[0])
			fmt.Fprintf(out, "  enabled:        %t\n", cfg.Enabled)
			fmt.Fprintf(out, "  default tier:   %s\n", cfg.DefaultTier)
			fmt.Fprintf(out, "  key prefix:     %s\n", cfg.KeyPrefix)
			fmt.Fprintf(out, "  api key tiers:  %d\n", len(cfg.APIKeyTiers))
			for _, p := range cfg.Policies {
				tier := p.Tier
				if tier == "" {
					tier = "*"
				}
				fmt.Fprintf(out, "  policy %-14s tier=%s limit=%s\n", p.ID, tier, p.LimitHeader())
			}
			fmt.Fprintf(out, "  policy %-14s tier=* limit=%s\n", cfg.DefaultPolicy.ID, cfg.DefaultPolicy.LimitHeader())

			tiers := make(map[string]struct{})
			for _, tier := range cfg.APIKeyTiers {
				tiers[tier] = struct{}{}
			}
			names := make([]string, 0, len(tiers))
			for tier := range tiers {
				names = append(names, tier)
			}
			sort.Strings(names)
			if len(names) > 0 {
				fmt.Fprintf(out, "  tiers in use:   %v\n", names)
			}
			return nil
		},
	}
}
