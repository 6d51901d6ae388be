package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/avress/interviewd/internal/api"
	"github.com/avress/interviewd/internal/config"
	"github.com/avress/interviewd/internal/dispatch"
	"github.com/avress/interviewd/internal/evaluate"
	"github.com/avress/interviewd/internal/events"
	"github.com/avress/interviewd/internal/limits"
	"github.com/avress/interviewd/internal/message"
	"github.com/avress/interviewd/internal/openrouter"
	"github.com/avress/interviewd/internal/session"
	"github.com/avress/interviewd/internal/storage"
	"github.com/avress/interviewd/internal/worker"
)

func runServer() error {
	fmt.Fprintf(os.Stderr, "interviewd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if os.Getenv("INTERVIEWD_LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	locks := session.NewLockRegistry()
	hub := events.NewHub()
	counters := &worker.Counters{}

	generator := openrouter.New(cfg.OpenRouterAPIKey, cfg.Model)
	processor := worker.NewProcessor(store, generator, hub, cfg.Streaming, cfg.GenerationTimeout, counters)

	var channel dispatch.Channel
	var direct *dispatch.Direct
	if cfg.Dispatch == "direct" {
		direct = dispatch.NewDirect(processor)
		channel = direct
	} else {
		channel = dispatch.NewQueue(store, cfg.MaxJobAttempts)
	}

	sessions := session.NewService(store, locks)
	messages := message.NewService(store, locks, limits.NewStorePolicy(store), channel, hub)
	evaluator := evaluate.NewService(store, generator)

	handler := api.NewAppHandler(api.AppDeps{
		Sessions:  sessions,
		Messages:  messages,
		Evaluator: evaluator,
		Hub:       hub,
		Token:     cfg.APIToken,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("interviewd listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// The queue worker also runs in direct mode: it drains jobs enqueued by
	// the reconciliation sweep.
	runner := worker.NewRunner(store, processor, cfg.PollInterval, cfg.StaleAfter)
	g.Go(func() error {
		runner.Run(gctx)
		return nil
	})

	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store})
	stdioSrv := server.NewStdioServer(mcpSrv)
	g.Go(func() error {
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})
	slog.Info("MCP server started (stdio transport)")

	err = g.Wait()

	if direct != nil {
		direct.Wait()
	}

	slog.Info("generation totals",
		"succeeded", counters.Succeeded.Load(),
		"failed", counters.Failed.Load())
	return err
}
