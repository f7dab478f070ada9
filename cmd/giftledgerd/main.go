package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/giftledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/giftledger/internal/logging"
	"github.com/MarkoPoloResearchLab/giftledger/internal/maintenance"
	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "giftledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "giftledgerd",
		Short:         "Gift card value ledger and reservation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerStoreFlags(cmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the checkout, admin and payment event HTTP API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfg)
		},
	}
	registerServeFlags(serveCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), *cfg, func(ctx context.Context, opened *openedStore, service *giftcard.Service, log *zap.Logger) error {
				if err := opened.migrate(ctx); err != nil {
					return fmt.Errorf("migrate: %w", err)
				}
				log.Info("schema migrated", zap.String("driver", opened.driver))
				return nil
			})
		},
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire reservations whose time to live has passed",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), *cfg, func(ctx context.Context, opened *openedStore, service *giftcard.Service, log *zap.Logger) error {
				expired, err := service.SweepExpiredReservations(ctx)
				if err != nil {
					return err
				}
				log.Info("sweep finished", zap.Int64("expired", expired))
				return nil
			})
		},
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Rewrite stored card statuses that drifted from their canonical value",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), *cfg, func(ctx context.Context, opened *openedStore, service *giftcard.Service, log *zap.Logger) error {
				corrected, err := service.ReconcileStatuses(ctx)
				if err != nil {
					return err
				}
				log.Info("reconcile finished", zap.Int64("corrected", corrected))
				return nil
			})
		},
	}

	cmd.AddCommand(serveCmd, migrateCmd, sweepCmd, reconcileCmd)
	return cmd
}

type onceFunc func(ctx context.Context, opened *openedStore, service *giftcard.Service, log *zap.Logger) error

func runOnce(ctx context.Context, cfg runtimeConfig, fn onceFunc) error {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = log.Sync() }()

	opened, service, err := openService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer opened.close()
	return fn(ctx, opened, service, log)
}

func runServe(ctx context.Context, cfg runtimeConfig) error {
	if err := cfg.HTTP.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = log.Sync() }()

	opened, service, err := openService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer opened.close()

	if opened.driver == driverSQLite {
		if err := opened.migrate(ctx); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	runnerCtx, stopRunner := context.WithCancel(ctx)
	runner := maintenance.NewRunner(service, cfg.Maintenance, log)
	runner.Start(runnerCtx)
	defer func() {
		stopRunner()
		runner.Wait()
	}()

	return httpapi.Run(ctx, cfg.HTTP, service, log)
}

func openService(ctx context.Context, cfg runtimeConfig, log *zap.Logger) (*openedStore, *giftcard.Service, error) {
	opened, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	clock := func() int64 { return time.Now().UTC().Unix() }
	options := append(cfg.serviceOptions(), giftcard.WithOperationLogger(logging.NewOperationLogger(log)))
	service, err := giftcard.NewService(opened.store, clock, options...)
	if err != nil {
		opened.close()
		return nil, nil, fmt.Errorf("gift card service init: %w", err)
	}
	return opened, service, nil
}
