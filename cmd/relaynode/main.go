package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/relaynode/internal/config"
)

var (
	version   = "1.0.0"
	commit    = ""
	buildDate = ""
)

// Create the root command
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relaynode",
		Short: "relaynode: relay-controlled worker agent",
		Long:  "relaynode keeps a workload process running on this machine and executes operator commands pulled from a relay.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "", "Set log level, overriding logging.level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (default $XDG_CONFIG_HOME/relaynode/config.yaml)")
	cmd.PersistentFlags().StringSlice("env-file", nil, "dotenv file(s) seeding the environment; set variables are never overridden")
	cmd.PersistentFlags().StringP("chdir", "C", "", "change to this directory before doing anything else")

	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		if dir, _ := c.Flags().GetString("chdir"); dir != "" {
			if err := os.Chdir(dir); err != nil {
				return fmt.Errorf("change directory: %w", err)
			}
		}
		if levelStr, _ := c.Flags().GetString("log"); levelStr != "" {
			setLogLevel(levelStr)
		}
		envFiles, _ := c.Flags().GetStringSlice("env-file")
		cfgPath, _ := c.Flags().GetString("config")
		if cfgPath != "" {
			envFiles = append(envFiles, filepath.Join(filepath.Dir(cfgPath), "secrets.env"))
		}
		if err := config.LoadEnvFiles(envFiles...); err != nil {
			return fmt.Errorf("load env files: %w", err)
		}
		return nil
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newIdentityCmd())
	cmd.AddCommand(newAutostartCmd())
	cmd.AddCommand(newHistoryCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relaynode %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

func setLogLevel(levelStr string) {
	switch strings.ToLower(levelStr) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Setup the logger
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// applyLogging switches output format and, unless --log was given, the level
// from configuration.
func applyLogging(cmd *cobra.Command, cfg config.LoggingConfig) {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if strings.EqualFold(cfg.Format, "json") {
		out = os.Stderr
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	if flagLevel, _ := cmd.Flags().GetString("log"); flagLevel == "" {
		setLogLevel(cfg.Level)
	}
}

// Main entry point
func main() {
	setupLogger()
	root := newRootCmd()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
