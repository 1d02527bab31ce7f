package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bedag/vault-sync/internal/config"
	"github.com/bedag/vault-sync/internal/supervisor"
	"github.com/bedag/vault-sync/internal/vaultclient"
)

// Exit codes: 0 on clean exit, distinct non-zero codes for
// configuration errors vs. startup auth failures vs. everything else.
const (
	exitConfigError  = 2
	exitAuthError    = 3
	exitUnknownError = 1
)

var rootCmd = &cobra.Command{
	Use:   "vault-sync",
	Short: "Replicate a tree of Vault KV secrets from a source to a destination",
	Long: `vault-sync mirrors a tree of key-value secrets from a source HashiCorp
Vault (or API-compatible server such as OpenBao) to a destination Vault. It
runs continuously, combining a periodic full reconciliation with a
real-time tail of a Vault audit stream.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if jsonLog, _ := cmd.Flags().GetBool("json-log"); jsonLog {
			log.SetFormatter(&log.JSONFormatter{})
		}
		levelStr, _ := cmd.Flags().GetString("log-level")
		level, err := log.ParseLevel(levelStr)
		if err != nil {
			log.Fatal(err.Error())
		}
		log.SetLevel(level)
	},
	RunE: run,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", log.WarnLevel.String(), "log level (trace,debug,info,warn,error,fatal,panic)")
	rootCmd.PersistentFlags().Bool("json-log", false, "log as json")

	rootCmd.Flags().String("config", "", "path to YAML configuration (required)")
	rootCmd.Flags().Bool("dry-run", false, "do not write to the destination, only log intended writes")
	rootCmd.Flags().Bool("once", false, "run a full sync on each pipeline once, then exit")
	_ = rootCmd.MarkFlagRequired("config")
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	once, _ := cmd.Flags().GetBool("once")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return supervisor.Run(ctx, cfg, supervisor.Options{DryRun: dryRun, Once: once})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var configErr *config.ConfigError
	var authErr *vaultclient.AuthError
	switch {
	case errors.As(err, &configErr):
		return exitConfigError
	case errors.As(err, &authErr):
		return exitAuthError
	default:
		return exitUnknownError
	}
}
