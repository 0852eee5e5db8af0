package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ST33ZEmachine/printshop/pkg/api"
	"github.com/ST33ZEmachine/printshop/pkg/config"
	"github.com/ST33ZEmachine/printshop/pkg/extract"
	"github.com/ST33ZEmachine/printshop/pkg/queue"
	bqstore "github.com/ST33ZEmachine/printshop/pkg/store/bigquery"
	"github.com/ST33ZEmachine/printshop/pkg/trello"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook callback server and processing pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			slog.Error("Fatal", "error", err)
			os.Exit(1)
		}
	},
}

func runServe() error {
	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("Starting printshop",
		"http_port", cfg.HTTPPort,
		"project", cfg.BigQueryProject,
		"dataset", cfg.BigQueryDataset,
		"workers", cfg.WorkerConcurrency)

	// 2. Connect the analytical store
	st, err := bqstore.NewStore(ctx, bqstore.Config{
		ProjectID: cfg.BigQueryProject,
		Dataset:   cfg.BigQueryDataset,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing BigQuery client", "error", err)
		}
	}()
	slog.Info("Connected to BigQuery")

	// 3. Source platform client and extractor
	cards := trello.NewClient(cfg.TrelloAPIKey, cfg.TrelloAPIToken, cfg.TrelloFetchTimeout)

	llm, err := extract.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.ExtractorModel)
	if err != nil {
		return err
	}
	extractor := extract.NewService(llm, cfg.MaxInputLength)
	slog.Info("Extractor initialized", "model", cfg.ExtractorModel)

	// 4. Processing pipeline: per-card locks shared by the dispatcher pool
	// and the retry worker
	locks := queue.NewKeyedMutex()
	processor := queue.NewProcessor(st, cards, extractor, locks,
		cfg.TrelloFetchTimeout, cfg.ExtractorTimeout, cfg.RetryBase)

	dispatcher := queue.NewDispatcher(processor, cfg.WorkerConcurrency, cfg.IntakeBuffer)
	dispatcher.Start(ctx)

	retryWorker := queue.NewRetryWorker(st, locks, cfg.RetryTick, cfg.RetryBase, cfg.RetryMaxAttempts)
	retryWorker.Start(ctx)

	rescanner := queue.NewRescanner(st, processor, cfg.RescanInterval, cfg.RescanThreshold)
	rescanner.Start(ctx)

	// 5. HTTP callback server (non-blocking)
	server := api.NewServer(dispatcher)
	httpServer := &http.Server{
		Addr:    api.ListenAddr(cfg.HTTPPort),
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("printshop started successfully")

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: stop intake first, then the background loops.
	// Anything abandoned mid-flight is covered by source retries, the
	// pending-updates table, and the rescan loop.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	dispatcher.Stop()
	rescanner.Stop()
	retryWorker.Stop()

	slog.Info("Shutdown complete")
	return nil
}
