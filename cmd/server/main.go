package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/atmx/binary-engine/internal/api"
	"github.com/atmx/binary-engine/internal/config"
	"github.com/atmx/binary-engine/internal/metrics"
	"github.com/atmx/binary-engine/internal/model"
	"github.com/atmx/binary-engine/internal/settlement"
	"github.com/atmx/binary-engine/internal/store"
)

var (
	cfgFile    string
	settleDate string
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:          "binary-engine",
		Short:        "Binary-tree placement, volume and matching settlement engine",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the settlement scheduler",
		RunE:  runServe,
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE:  runMigrate,
	}

	settleCmd := &cobra.Command{
		Use:   "settle",
		Short: "Run one settlement batch and exit",
		RunE:  runSettle,
	}
	settleCmd.Flags().StringVar(&settleDate, "date", "", "Settlement date YYYY-MM-DD (default: today in the settlement timezone)")

	rootCmd.AddCommand(serveCmd, migrateCmd, settleCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub(slog.Default())
	go wsHub.Run(ctx)

	eng, err := build(ctx, cfg, wsHub)
	if err != nil {
		return err
	}
	defer eng.close()

	// --- Settlement scheduler ---
	// Always built: the manual trigger goes through it so runs never overlap.
	sched, err := settlement.NewScheduler(eng.settlement, cfg.SettlementCron, cfg.Location(), slog.Default())
	if err != nil {
		return err
	}
	if cfg.SettlementCron != "" {
		sched.Start()
	} else {
		slog.Warn("SETTLEMENT_CRON empty, scheduled settlement disabled")
	}

	svc := api.NewService(api.Deps{
		Store:      eng.store,
		Placement:  eng.placement,
		Volume:     eng.volume,
		Settlement: eng.settlement,
		Scheduler:  sched,
		Wallet:     eng.wallet,
		Genealogy:  eng.genealogy,
		Hub:        wsHub,
		Location:   cfg.Location(),
		Logger:     slog.Default(),
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"binary-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("binary-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down binary-engine...")
	sched.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("binary-engine stopped")
	return nil
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	version, err := store.Migrate(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	slog.Info("migrations applied", "version", version)
	return nil
}

func runSettle(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	today := model.DateOf(time.Now(), cfg.Location())
	if settleDate != "" {
		if today, err = model.ParseDate(settleDate); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	eng, err := build(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer eng.close()

	summary, err := eng.settlement.SettleAll(ctx, today)
	if err != nil {
		return err
	}
	slog.Info("settlement batch finished",
		"date", today.String(),
		"processed", summary.Processed,
		"settled", summary.Settled,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"total_income", summary.TotalIncome.String(),
	)
	if summary.Failed > 0 {
		return fmt.Errorf("%d participants failed to settle", summary.Failed)
	}
	return nil
}
