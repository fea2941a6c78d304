package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/amharness/internal/stub"
)

var flagStubAddr string

func init() {
	stubCmd.Flags().StringVar(&flagStubAddr, "addr", "127.0.0.1:8765", "listen address")

	rootCmd.AddCommand(stubCmd)
}

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Serve a stub MCP JSON-RPC endpoint",
	Long: `Run a standalone stub server with canned tool behavior, useful for
driving the harness against a known-good subject:

  health_check  returns an empty result
  echo          mirrors its arguments
  fail_tool     returns a JSON-RPC error`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return stub.Serve(ctx, flagStubAddr)
	},
}
