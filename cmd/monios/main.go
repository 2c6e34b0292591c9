// Monios — per-user cloud sandboxes running a coding agent.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "monios",
	Short: "Monios — one isolated cloud sandbox per user, each running a coding agent.",
	Long: `Monios provisions an isolated cloud sandbox per user, boots a coding agent
inside it, and fronts the agent with an HTTP and WebSocket gateway. Messages
queue per user, conversations survive sandbox restarts through resume tokens,
and concurrent gateway replicas converge on a single sandbox per user.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, toolsCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
