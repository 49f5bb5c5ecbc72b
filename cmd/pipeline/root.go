package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/G1D0/http-pipeline/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "HTTP middleware pipeline server",
	Long: `pipeline runs every request through an ordered chain of middleware
before it reaches the terminal handler.

Settings come from a YAML file (--config) and PIPELINE_* environment
variables, which override the file. A .env file in the working directory is
loaded first when present.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults apply when empty)")
}

// loadConfig reads --config, or returns the defaults when it is unset.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.LoadConfig(cfgFile)
}
