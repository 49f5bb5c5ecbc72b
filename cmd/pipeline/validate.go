package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/G1D0/http-pipeline/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a config file",
	Long: `Parse the config file, apply PIPELINE_* overrides and defaults, and
report the first problem found. Exits non-zero when the config is invalid.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	if cfgFile == "" {
		return fmt.Errorf("validate needs --config")
	}
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ok\n", cfgFile)
	fmt.Fprintf(out, "  listen:     %s\n", cfg.Server.Addr)
	fmt.Fprintf(out, "  upstreams:  %d\n", len(cfg.Upstreams))
	fmt.Fprintf(out, "  logger:     %s\n", onOff(cfg.Pipeline.Logger.Enabled))
	fmt.Fprintf(out, "  cors:       %s\n", onOff(cfg.Pipeline.CORS.Enabled))
	if rl := cfg.Pipeline.RateLimit; rl.Enabled {
		fmt.Fprintf(out, "  rate limit: %d per %s by %s\n", rl.MaxRequests, rl.Window, rl.Key)
	} else {
		fmt.Fprintf(out, "  rate limit: off\n")
	}
	if cfg.Pipeline.Timeout > 0 {
		fmt.Fprintf(out, "  timeout:    %s\n", cfg.Pipeline.Timeout)
	} else {
		fmt.Fprintf(out, "  timeout:    off\n")
	}
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
