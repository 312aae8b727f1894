package service

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/3liz/qgswps/internal/model"
)

// Endpoints are the bus addresses shared by the pool client, the
// supervisor and the workers.
type Endpoints struct {
	Network    string
	Router     string
	Supervisor string
	Broadcast  string
}

// NewEndpoints places unix sockets in a fresh directory under dir, the
// caller removes it with os.RemoveAll(filepath.Dir(ep.Router)).
func NewEndpoints(dir string) (Endpoints, error) {
	sockdir, err := os.MkdirTemp(dir, "qgswps-")
	if err != nil {
		return Endpoints{}, fmt.Errorf("creating socket directory: %w", err)
	}
	return Endpoints{
		Network:    "unix",
		Router:     filepath.Join(sockdir, "router.sock"),
		Supervisor: filepath.Join(sockdir, "supervisor.sock"),
		Broadcast:  filepath.Join(sockdir, "broadcast.sock"),
	}, nil
}

// Args renders the endpoints as flags of the hidden worker command.
func (e Endpoints) Args() []string {
	return []string{
		"--network", e.Network,
		"--router", e.Router,
		"--supervisor", e.Supervisor,
		"--broadcast", e.Broadcast,
	}
}

// BindFlags registers the flags rendered by Args on fs.
func (e *Endpoints) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&e.Network, "network", "unix", "bus network")
	fs.StringVar(&e.Router, "router", "", "pool router address")
	fs.StringVar(&e.Supervisor, "supervisor", "", "supervisor address")
	fs.StringVar(&e.Broadcast, "broadcast", "", "broadcast address")
}

func (e Endpoints) Validate() error {
	if e.Router == "" || e.Supervisor == "" || e.Broadcast == "" {
		return fmt.Errorf("router, supervisor and broadcast addresses are required")
	}
	return nil
}

type PoolConfig struct {
	Endpoints
	Size              int
	MaxCycles         int
	EarlyFailureDelay time.Duration
	// GraceTimeout is how long Terminate waits before killing workers.
	GraceTimeout time.Duration
}

func NewPoolConfig(cfg model.Server, ep Endpoints) PoolConfig {
	return PoolConfig{
		Endpoints:         ep,
		Size:              max(cfg.ParallelProcesses, 1),
		MaxCycles:         cfg.ProcessLifecycle,
		EarlyFailureDelay: cfg.EarlyFailureDelay,
		GraceTimeout:      cfg.ShutdownTimeout,
	}
}
