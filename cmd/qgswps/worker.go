package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/3liz/qgswps/internal/log"
	"github.com/3liz/qgswps/internal/processing"
	"github.com/3liz/qgswps/internal/service"
	"github.com/3liz/qgswps/internal/store"
)

var (
	workerEndpoints service.Endpoints
	flagMaxCycles   int
	flagIdentifier  string
	flagMap         string
)

// doWorker serves tasks of the pool until it is told to stop. The server
// terminates workers with SIGTERM.
func doWorker(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("qgswps",
		slog.String("cmd", "_worker"),
		slog.Int("pid", os.Getpid()),
	))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, config.Store)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	engines, err := newEngines()
	if err != nil {
		return err
	}
	cat := processing.NewCatalogue(engines, processing.Options{})

	w, closeWorker, err := newWorker(ctx, st, cat)
	if err != nil {
		return err
	}
	defer closeWorker()

	return service.RunWorker(ctx, service.WorkerConfig{
		Endpoints: workerEndpoints,
		MaxCycles: flagMaxCycles,
		Chdir:     true,
		Handlers:  w.Handlers(),
		Init:      cat.Load,
	})
}

// doCatalog prints the catalogue, or one contextualized process, as JSON
// for the server.
func doCatalog(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("qgswps",
		slog.String("cmd", "_catalog"),
		slog.Int("pid", os.Getpid()),
	))
	engines, err := newEngines()
	if err != nil {
		return err
	}
	return processing.Dump(ctx, engines, cmd.OutOrStdout(), flagIdentifier, flagMap)
}
