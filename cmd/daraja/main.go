// Daraja — protocol-translating gateway for heterogeneous LLM backends.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "daraja",
	Short: "Daraja — OpenAI-compatible gateway over heterogeneous LLM backends.",
	Long: `Daraja serves OpenAI-compatible chat completion requests over backends that
speak no common protocol: sandboxed CLI tools, vendor HTTP APIs, upstream
gateways, and local model servers. CLI-backed providers run inside hardened
Docker containers or Kubernetes Jobs.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
