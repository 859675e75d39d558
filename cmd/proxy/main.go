package main

import (
	"log"

	"github.com/spf13/cobra"
)

// manageAPIBaseURL is where the management subcommands reach a running server.
var manageAPIBaseURL string

var rootCmd *cobra.Command

func init() {
	rootCmd = &cobra.Command{
		Use:   "flow-proxy",
		Short: "OpenAI-compatible gateway for Flow media generation",
		Long: `flow-proxy exposes chat-completions and image-generation endpoints
backed by a pool of upstream session credentials.`,
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(credentialCmd)
	rootCmd.AddCommand(migrateCmd)

	rootCmd.PersistentFlags().StringVar(&manageAPIBaseURL, "server-url",
		"http://localhost:8080", "Base URL of the running flow-proxy server")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
