// Kestrel — sandboxed action hooks for authentication flows.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Kestrel — sandboxed JavaScript actions for authentication lifecycle triggers.",
	Long: `Kestrel runs per-service JavaScript actions attached to authentication
lifecycle triggers (post-login, pre-user-registration, and others). Every
script executes in a capability-restricted sandbox with an enforced timeout,
a heap limit, and an SSRF-hardened fetch.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
