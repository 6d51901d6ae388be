package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "interviewd",
	Short: "Mock interview backend: sessions, streaming interviewer replies, evaluations",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the interviewd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the interviewd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "interviewd version %s\n", version)
	},
}

func main() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
