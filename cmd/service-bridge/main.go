package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qiuyier/service-bridge/config"
	"github.com/qiuyier/service-bridge/internal/logger"
	"github.com/qiuyier/service-bridge/internal/server"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile  string
		identity string
		port     string
	)

	rootCmd := &cobra.Command{
		Use:   "service-bridge",
		Short: "One node of a two-service RabbitMQ messaging pair",
		Long: `service-bridge runs as service-a or service-b. Each node owns a queue bound to
services.exchange and exposes an HTTP API for sending messages to its peer.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if identity != "" {
				cfg.Service.Identity = identity
			}
			if port != "" {
				cfg.Server.HTTPPort = port
			}
			if err = cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			log, err := logger.New(cfg.Server.Mode, cfg.Server.LogLevel)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync() //nolint:errcheck

			if err = server.New(cfg, log).Run(cmd.Context()); err != nil {
				log.Error("node stopped with error", zap.Error(err))
				return err
			}
			return nil
		},
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "YAML config file (defaults and environment variables apply without it)")
	rootCmd.Flags().StringVar(&identity, "identity", "", "node identity: service-a or service-b")
	rootCmd.Flags().StringVar(&port, "port", "", "HTTP port, overrides server.http_port")

	return rootCmd
}
