// Command gateway serves the fundgate HTTP API and carries the operator
// tooling around it: schema migrations, API key issuance and stale
// transfer cleanup.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "gateway",
		Short:        "Payment gateway for BRI, Bison Bank and Hambit",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML config file (or FUNDGATE_CONFIG)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(issueKeyCmd(&configPath))
	rootCmd.AddCommand(listKeysCmd(&configPath))
	rootCmd.AddCommand(staleTransfersCmd(&configPath))
	return rootCmd
}
