package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3liz/qgswps/internal/archive"
	"github.com/3liz/qgswps/internal/executor"
	"github.com/3liz/qgswps/internal/log"
	"github.com/3liz/qgswps/internal/model"
	"github.com/3liz/qgswps/internal/ogcapi"
	"github.com/3liz/qgswps/internal/policy"
	"github.com/3liz/qgswps/internal/processing"
	"github.com/3liz/qgswps/internal/processing/builtin"
	"github.com/3liz/qgswps/internal/processing/script"
	"github.com/3liz/qgswps/internal/request"
	"github.com/3liz/qgswps/internal/server"
	"github.com/3liz/qgswps/internal/service"
	"github.com/3liz/qgswps/internal/store"
	"github.com/3liz/qgswps/internal/wps"
)

var renderers = request.Renderers{
	request.ServiceWPS: wps.Renderer,
	request.ServiceOGC: ogcapi.Renderer,
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("qgswps",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(config.Server.Workdir, 0o755); err != nil {
		return fmt.Errorf("creating workdir: %w", err)
	}

	st, err := store.New(ctx, config.Store)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	pol, err := policy.Load(config.Processing.AccessPolicy)
	if err != nil {
		return err
	}

	cat, err := catalogue(ctx)
	if err != nil {
		return err
	}

	ep, err := service.NewEndpoints(os.TempDir())
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(filepath.Dir(ep.Router)) }()

	spawner, closeSpawner, err := newSpawner(ctx, st, cat)
	if err != nil {
		return err
	}
	defer closeSpawner()

	svc, err := service.Start(ctx, service.NewPoolConfig(config.Server, ep), service.Options{
		Spawner:  spawner,
		MaxQueue: config.Server.MaxQueueSize,
		Timeout:  config.Server.ResponseTimeout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	exec, err := executor.New(executor.Config{
		Server:    config.Server,
		Store:     st,
		Catalogue: cat,
		Pool:      executor.ServicePool{Service: svc},
		Renderers: renderers,
	})
	if err != nil {
		return err
	}
	if err := exec.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = exec.Close() }()

	srv, err := server.New(ctx, config, exec, st, pol)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error { return reloadOnHangup(ctx, exec) })
	return g.Wait()
}

// reloadOnHangup reloads the catalogue and restarts the workers on SIGHUP.
func reloadOnHangup(ctx context.Context, exec *executor.Executor) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			slog.InfoContext(ctx, "reloading processes")
			if err := exec.Reload(ctx); err != nil {
				slog.ErrorContext(ctx, "reload failed", "error", err)
			}
		}
	}
}

// newSpawner starts the workers as child processes, or as goroutines
// sharing st and cat when server.inprocess is set.
func newSpawner(ctx context.Context, st store.Store, cat *processing.Catalogue) (service.Spawner, func(), error) {
	if !config.Server.InProcess {
		return service.ExecSpawner{Args: childArgs("_worker")}, func() {}, nil
	}
	w, closeWorker, err := newWorker(ctx, st, cat)
	if err != nil {
		return nil, nil, err
	}
	return service.InProcessSpawner{Worker: func(c service.WorkerConfig) service.WorkerConfig {
		c.Handlers = w.Handlers()
		return c
	}}, closeWorker, nil
}

// newWorker assembles the task handlers with the configured archivers.
func newWorker(ctx context.Context, st store.Store, cat *processing.Catalogue) (executor.Worker, func(), error) {
	archivers, err := archive.New(ctx, config.Archive)
	if err != nil {
		return executor.Worker{}, nil, err
	}
	closeAll := func() {
		for _, a := range archivers {
			_ = a.Close()
		}
	}
	return executor.Worker{
		Store:       st,
		Catalogue:   cat,
		Renderers:   renderers,
		Archivers:   archivers,
		HTTPClient:  &http.Client{Timeout: config.Server.ResponseTimeout},
		InlineLimit: config.Server.InlineLimit,
	}, closeAll, nil
}

// catalogue loads the processes of the exposed engines, in a child process
// when processing.isolate_catalog is set.
func catalogue(ctx context.Context) (*processing.Catalogue, error) {
	engines, err := newEngines()
	if err != nil {
		return nil, err
	}
	opts := processing.Options{Isolate: config.Processing.IsolateCatalog && !config.Server.InProcess}
	if opts.Isolate {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		opts.Child = service.Command{Path: exe, Args: childArgs("_catalog")}
	}
	cat := processing.NewCatalogue(engines, opts)
	if err := cat.Load(ctx); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "processes loaded", "count", len(cat.Processes()))
	return cat, nil
}

// newEngines returns the engines named in processing.exposed_providers,
// all of them when the list is empty.
func newEngines() ([]processing.Engine, error) {
	exposed := func(name string) bool {
		return len(config.Processing.ExposedProviders) == 0 || slices.Contains(config.Processing.ExposedProviders, name)
	}
	var engines []processing.Engine
	if exposed(builtin.Name) {
		engines = append(engines, builtin.New())
	}
	if dir := config.Processing.ProvidersModulePath; dir != "" && exposed(script.Name) {
		e, err := script.New(dir)
		if err != nil {
			return nil, err
		}
		engines = append(engines, e)
	}
	if len(engines) == 0 {
		return nil, fmt.Errorf("%w: no provider exposed", model.ErrInvalidConfig)
	}
	return engines, nil
}
