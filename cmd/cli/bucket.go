package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/turtacn/ratelimit-gateway/internal/config"
	redisconn "github.com/turtacn/ratelimit-gateway/internal/infrastructure/persistence/redis"
	"github.com/turtacn/ratelimit-gateway/internal/infrastructure/ratelimit"
)

type redisFlags struct {
	addr     string
	password string
	db       int
	timeout  time.Duration
}

func (f *redisFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.addr, "redis-addr", "localhost:6379", "Redis address (host:port)")
	cmd.PersistentFlags().StringVar(&f.password, "redis-password", "", "Redis password")
	cmd.PersistentFlags().IntVar(&f.db, "redis-db", 0, "Redis database")
	cmd.PersistentFlags().DurationVar(&f.timeout, "timeout", 5*time.Second, "Operation timeout")
}

// open connects to Redis and returns the bucket store with a close function.
func (f *redisFlags) open(ctx context.Context) (*ratelimit.RedisBucketStore, func(), error) {
	host, portStr, err := net.SplitHostPort(f.addr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --redis-addr %q: %w", f.addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid --redis-addr port %q: %w", portStr, err)
	}

	conn := redisconn.NewRedisConnection(&config.RedisConfig{
		Mode:        string(redisconn.ModeStandalone),
		Host:        host,
		Port:        port,
		Password:    f.password,
		DB:          f.db,
		DialTimeout: f.timeout,
	}, nil)
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	store, err := ratelimit.NewRedisBucketStore(conn.GetClient(), time.Hour, nil)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return store, func() { _ = conn.Close() }, nil
}

func newBucketCmd() *cobra.Command {
	var flags redisFlags

	cmd := &cobra.Command{
		Use:   "bucket",
		Short: "Inspect or reset buckets in Redis",
	}
	flags.register(cmd)

	inspectCmd := &cobra.Command{
		Use:   "inspect <key>",
		Short: "Show the stored windows of a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			store, closeFn, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			snap, err := store.Inspect(ctx, args[0])
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("bucket %q not found", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}

	resetCmd := &cobra.Command{
		Use:   "reset <key>",
		Short: "Delete a bucket so the next request starts full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			store, closeFn, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := store.Reset(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bucket %s reset\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(inspectCmd, resetCmd)
	return cmd
}
