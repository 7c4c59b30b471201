package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mailrelay/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:   "mailrelay",
	Short: "Relay contact-form submissions to an SMTP inbox",
	Long: `mailrelay accepts contact-form posts from static sites, screens them
with a honeypot field and reCAPTCHA, and forwards them to one inbox
through an authenticated SMTP relay.

Settings come from the environment and an optional env file.

Example:
  mailrelay                         # serve with ./.env
  mailrelay --env-file prod.env     # serve with another env file
  mailrelay check-config            # validate settings and exit`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(envFile)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "configuration OK")
		fmt.Fprintf(out, "  smtp:       %s (tls=%t)\n", cfg.SMTPAddr(), cfg.SMTPTLS)
		fmt.Fprintf(out, "  origins:    %d allowed\n", len(cfg.AllowedOrigins))
		fmt.Fprintf(out, "  rate limit: %d per %s\n", cfg.RateLimitPerWindow, cfg.RateLimitWindow)
		fmt.Fprintf(out, "  redis:      %t\n", cfg.RedisURL != "")
		fmt.Fprintf(out, "  admin:      %t\n", cfg.AdminEnabled())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", config.DefaultEnvFile, "env file layered under the process environment")
	rootCmd.AddCommand(checkConfigCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
