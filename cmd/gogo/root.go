package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	httpTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "gogo",
	Short:         "Talk to a gogo orchestrator",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	defaultServer := os.Getenv("GOGO_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "Orchestrator base URL (env GOGO_SERVER)")
	rootCmd.PersistentFlags().DurationVar(&httpTimeout, "http-timeout", 30*time.Second, "Timeout for each API request")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(agentsCmd)
}

func newClient() *apiClient {
	return newAPIClient(serverURL, httpTimeout)
}
