package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"lsmkv/internal/http"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the store over HTTP until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) (err error) {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()

	jobs := []listener.Job{store.NewFlusher(db), store.NewCompactor(db)}
	for _, job := range jobs {
		job.Start(ctx)
	}
	defer func() {
		for _, job := range jobs {
			job.Stop()
		}
	}()

	server := http.NewServer(db, strconv.Itoa(cfg.Server.Port), cfg.Server.ReadHeaderTimeout)
	if err := server.Start(); err != nil {
		return err
	}

	slog.Info("lsmkv started", "dir", cfg.DB.Path, "addr", server.URL)
	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("Error stopping server", "error", err)
	}
	if err := db.Sync(); err != nil {
		slog.Error("failed to sync WAL", "error", err)
	}

	slog.Info("lsmkv stopped")
	return nil
}
