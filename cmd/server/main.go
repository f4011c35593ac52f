// Command walletbridge runs the wallet bridge daemon and manages its vault.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "walletbridge",
	Short: "walletbridge is a local wallet core for browser dapps",
	Long: `walletbridge keeps an encrypted vault, asks the user before anything is
signed, and serves EIP-1193 provider requests from web pages over a websocket.
Configuration comes from the environment or a .env file.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, initCmd, passwdCmd, exportSharesCmd, restoreCmd, resetCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
