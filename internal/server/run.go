package server

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/isparth/Distributed-Systems/replog/internal/config"
	"github.com/isparth/Distributed-Systems/replog/internal/types"
)

const shutdownTimeout = 5 * time.Second

// Run wires together the server components and starts listening.
func Run() error {
	configPath := flag.String("config", "replog.yaml", "Path to the YAML config file")
	id := flag.String("id", "", "Participant ID, overrides the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath, types.ParticipantID(*id))
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	role := "follower"
	if cfg.IsLeader() {
		role = "leader"
	}
	logger.Info("starting participant",
		slog.String("id", string(cfg.ID)),
		slog.String("role", role),
		slog.Uint64("term", uint64(cfg.Term)),
		slog.String("listen", cfg.Listen),
		slog.String("transport", cfg.Transport),
		slog.String("storage", cfg.Storage))

	node, err := NewNode(cfg, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: node.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		node.Stop(context.Background())
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.Any("error", err))
		}
		return node.Stop(shutdownCtx)
	}
}
