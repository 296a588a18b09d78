package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the `ratelimit-admin` command tree.
// NewRootCommand 构建 `ratelimit-admin` 命令树。
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ratelimit-admin",
		Short: "A CLI tool for administering the rate limiting gateway.",
		Long: `ratelimit-admin is a command-line interface for operators of the rate
limiting gateway: validate policy documents, compute bucket keys, and inspect
or reset buckets held in Redis.`,
		SilenceUsage: true,
	}
	root.AddCommand(newValidateCmd(), newKeyCmd(), newBucketCmd())
	return root
}

// Execute is the main entry point for the CLI application.
// It parses the command-line arguments and executes the appropriate command.
// If an error occurs, it prints the error and exits.
// Execute 是 CLI 应用程序的主入口点。
// 它解析命令行参数并执行相应的命令；如果发生错误，它会打印错误并退出。
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
