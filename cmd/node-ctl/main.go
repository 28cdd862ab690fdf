package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	authToken string
)

var rootCmd = &cobra.Command{
	Use:   "node-ctl",
	Short: "Control API client for the Class B node",
	Long: `node-ctl talks to the Class B node's control API.

Authenticate once with "node-ctl login", then pass the returned access
token via --token or the NODECTL_TOKEN environment variable.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "Control API base URL")
	rootCmd.PersistentFlags().StringVarP(&authToken, "token", "t", os.Getenv("NODECTL_TOKEN"), "Bearer access token")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(framesCmd)
	rootCmd.AddCommand(uplinkCmd)
	rootCmd.AddCommand(followCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
