package main

import (
	"MarginLedger/internal/observability"
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	logger := observability.NewLogger("main")

	root := &cobra.Command{
		Use:           "marginledger",
		Short:         "Margin account and position risk engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), rebuildCommand(), verifyCommand())

	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.Error().Err(err).Msg("exit")
		os.Exit(1)
	}
}
