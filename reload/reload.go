// Package reload asks a running Mosquitto broker to re-read its password
// file and certificates after they change on disk.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/mqttadmin/mosquitto-auth/config"
)

// ErrReload wraps every failure to signal the broker.
var ErrReload = errors.New("broker reload failed")

// Reloader signals the broker.
type Reloader interface {
	Reload(ctx context.Context) error
	Name() string
}

// New builds the Reloader selected by cfg.ReloadMode.
func New(cfg *config.Config, logger *slog.Logger) (Reloader, error) {
	switch cfg.ReloadMode {
	case config.ReloadNone, "":
		return Noop{}, nil
	case config.ReloadDocker:
		return NewDocker(cfg.ReloadContainer, logger)
	case config.ReloadPID:
		return NewPIDFile(cfg.ReloadPIDFile, logger), nil
	default:
		return nil, fmt.Errorf("unknown reload mode %q", cfg.ReloadMode)
	}
}

// Noop does nothing.
type Noop struct{}

func (Noop) Reload(context.Context) error { return nil }
func (Noop) Name() string                 { return config.ReloadNone }

type containerKiller interface {
	ContainerKill(ctx context.Context, containerID, signal string) error
}

// Docker sends SIGHUP to the broker container through the Docker Engine API.
type Docker struct {
	cli       containerKiller
	container string
	logger    *slog.Logger
}

// NewDocker connects using the standard DOCKER_HOST environment.
func NewDocker(container string, logger *slog.Logger) (*Docker, error) {
	if container == "" {
		return nil, fmt.Errorf("%w: container name is empty", ErrReload)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("%w: docker client: %w", ErrReload, err)
	}
	return newDocker(cli, container, logger), nil
}

func newDocker(cli containerKiller, container string, logger *slog.Logger) *Docker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Docker{cli: cli, container: container, logger: logger.With("component", "reload")}
}

func (d *Docker) Name() string { return config.ReloadDocker }

func (d *Docker) Reload(ctx context.Context) error {
	if err := d.cli.ContainerKill(ctx, d.container, "SIGHUP"); err != nil {
		return fmt.Errorf("%w: signalling container %s: %w", ErrReload, d.container, err)
	}
	d.logger.Info("broker reloaded", "container", d.container)
	return nil
}

// PIDFile sends SIGHUP to the process whose ID is stored in a pid file.
type PIDFile struct {
	path   string
	signal func(pid int, sig os.Signal) error
	logger *slog.Logger
}

// NewPIDFile returns a reloader reading path on every Reload.
func NewPIDFile(path string, logger *slog.Logger) *PIDFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &PIDFile{path: path, signal: signalPID, logger: logger.With("component", "reload")}
}

func signalPID(pid int, sig os.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(sig)
}

func (p *PIDFile) Name() string { return config.ReloadPID }

func (p *PIDFile) Reload(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("%w: reading pid file: %w", ErrReload, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("%w: malformed pid file %s", ErrReload, p.path)
	}
	if err := p.signal(pid, syscall.SIGHUP); err != nil {
		return fmt.Errorf("%w: signalling pid %d: %w", ErrReload, pid, err)
	}
	p.logger.Info("broker reloaded", "pid", pid)
	return nil
}
