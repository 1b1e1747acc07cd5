package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/anm-bot/internal/api"
	"github.com/ashureev/anm-bot/internal/config"
)

const version = "1.0.0"

// envMissing records that no .env file was found.
var envMissing bool

// newRootCmd creates the root anmbot command. Without a subcommand it serves.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "anmbot",
		Short:         "ANM WhatsApp menu assistant",
		Long:          "anmbot pairs one WhatsApp account, answers customers with the service menu\nand lets operators control the session over WebSocket or HTTP.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.AddCommand(
		newServeCmd(),
		newCheckConfigCmd(),
		newProbeCmd(),
	)

	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the environment configuration and the menu catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			catalog, err := loadCatalog(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "port:          %s\n", cfg.Port)
			fmt.Fprintf(out, "database:      %s\n", cfg.DBPath)
			fmt.Fprintf(out, "device store:  %s\n", cfg.StorePath)
			fmt.Fprintf(out, "inactivity:    warn after %s, reset %s later\n", cfg.WarningDelay, cfg.ResetDelay)
			fmt.Fprintf(out, "catalog:       %d services, %d combos\n", len(catalog.Services), len(catalog.Combos))
			fmt.Fprintln(out, "configuration OK")
			return nil
		},
	}
}

func newProbeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Exit non-zero unless a running bot reports its session as connected",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = os.Getenv("GRPC_ADDR")
			}
			if addr == "" {
				return errors.New("no address: pass --addr or set GRPC_ADDR")
			}
			status, err := api.ProbeSession(cmd.Context(), api.DefaultProbeConfig(addr))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.String())
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("session is %s", status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC health address of the bot (default $GRPC_ADDR)")
	return cmd
}

// setupLogger installs the JSON logger at the configured level.
func setupLogger(cfg *config.Config) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}
