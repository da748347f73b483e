package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string

	// this is set by goreleaser
	version string
)

var rootCmd = &cobra.Command{
	Use:          "filecache",
	Short:        "Caching reverse proxy storing responses on disk",
	SilenceUsage: true,
}

func init() {
	if version == "" {
		version = "DEV"
	}
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (defaults and FILECACHE_* environment only if empty)")
	rootCmd.AddCommand(newServeCmd(), newConfigCmd(), newInspectCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
