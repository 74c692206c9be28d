// Package proxy implements component F: synthesizes an nginx config that
// routes to every Active claire and asks an external daemon to reload it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/g960059/karl/internal/config"
	"github.com/g960059/karl/internal/model"
	"github.com/g960059/karl/internal/store"
)

// Runner abstracts process invocation so tests can substitute a fake
// without touching the filesystem or spawning real processes.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// OSRunner runs commands against the real operating system.
type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// NginxConfig is the YAML shape written to disk before asking the daemon to
// reload (spec.md §4.6). Field names mirror what the external nginx-reload
// daemon expects: a listen port and an ordered list of locations.
type NginxConfig struct {
	Server NginxServer `yaml:"server"`
}

type NginxServer struct {
	Port      int             `yaml:"port"`
	Locations []NginxLocation `yaml:"locations"`
}

type NginxLocation struct {
	Path     string `yaml:"path"`
	Upstream string `yaml:"upstream"`
}

// Materializer is component F. Call Reconcile once per reconciler tick
// (spec.md §4.4 step 4); it is a no-op unless the keyed store's backing log
// has grown since the last call.
type Materializer struct {
	cfg           *config.ProxyParameters
	karlPort      int
	baseURL       string
	store         *store.Store
	runner        Runner
	reloadBin     string
	reloadArgs    []string
	reloadTimeout time.Duration

	lastReflectedStateStreamSize int64
	everRun                      bool
}

// ErrNginxUnavailable is returned by New when the external proxy binary
// cannot be located at construction time (spec.md §4.6 step 1).
var ErrNginxUnavailable = errors.New("proxy: nginx binary not available")

// New constructs a Materializer. karlPort is Karl's own listen port, used
// for the catch-all "/" location (spec.md §4.6 step 2a) when baseURL is
// empty. baseURL, when set, overrides that catch-all upstream with Karl's
// externally reachable address (spec.md §6's BaseURL). reloadBin/reloadArgs
// are the external daemon invocation Karl shells out to after writing the
// config; an empty reloadBin defaults to "nginx" and empty reloadArgs to
// "-s reload".
// reloadTimeout bounds that invocation; zero means no extra bound beyond
// ctx.
func New(cfg *config.ProxyParameters, karlPort int, baseURL string, st *store.Store, runner Runner, reloadBin string, reloadArgs []string, reloadTimeout time.Duration) (*Materializer, error) {
	if runner == nil {
		runner = OSRunner{}
	}
	if reloadBin == "" {
		reloadBin = "nginx"
	}
	if len(reloadArgs) == 0 {
		reloadArgs = []string{"-s", "reload"}
	}
	if _, err := exec.LookPath(reloadBin); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNginxUnavailable, err)
	}
	return &Materializer{
		cfg:           cfg,
		karlPort:      karlPort,
		baseURL:       baseURL,
		store:         st,
		runner:        runner,
		reloadBin:     reloadBin,
		reloadArgs:    reloadArgs,
		reloadTimeout: reloadTimeout,
	}, nil
}

// Reconcile implements reconcile.Materializer. It stands in for the size of
// the keyed store's backing mutation log with the store's commit counter,
// Store.WriteVersion, and re-renders on the first call or whenever that
// counter differs from the value recorded at the last successful render.
func (m *Materializer) Reconcile(ctx context.Context) error {
	size := m.store.WriteVersion()
	if m.everRun && size == m.lastReflectedStateStreamSize {
		return nil
	}

	cfg, err := m.buildConfig(ctx)
	if err != nil {
		return fmt.Errorf("proxy: build config: %w", err)
	}

	if err := m.writeConfigAtomically(cfg); err != nil {
		return fmt.Errorf("proxy: write config: %w", err)
	}

	reloadCtx := ctx
	if m.reloadTimeout > 0 {
		var cancel context.CancelFunc
		reloadCtx, cancel = context.WithTimeout(ctx, m.reloadTimeout)
		defer cancel()
	}
	if _, err := m.runner.Run(reloadCtx, m.reloadBin, m.reloadArgs...); err != nil {
		return fmt.Errorf("proxy: reload: %w", err)
	}

	m.lastReflectedStateStreamSize = size
	m.everRun = true
	return nil
}

func (m *Materializer) buildConfig(ctx context.Context) (NginxConfig, error) {
	routePrefix := m.cfg.RoutePrefixOrDefault()

	catchAll := m.baseURL
	if catchAll == "" {
		catchAll = fmt.Sprintf("http://localhost:%d/", m.karlPort)
	}
	cfg := NginxConfig{
		Server: NginxServer{
			Port: m.cfg.ListenPort,
			Locations: []NginxLocation{
				{Path: "/", Upstream: catchAll},
			},
		},
	}

	err := m.store.ReadOnlyTransaction(ctx, func(tx *store.ReadTx) error {
		claires, err := tx.ListClaires()
		if err != nil {
			return err
		}
		for _, c := range claires {
			if c.RegisteredState != model.Active {
				continue
			}
			cfg.Server.Locations = append(cfg.Server.Locations, NginxLocation{
				Path:     fmt.Sprintf("%s/%s", routePrefix, c.Codename),
				Upstream: c.Location.StatusPageURL(),
			})
		}
		return nil
	})
	return cfg, err
}

func (m *Materializer) writeConfigAtomically(cfg NginxConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.cfg.ConfigFile)
	tmp, err := os.CreateTemp(dir, ".nginx-config-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close() //nolint:errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.cfg.ConfigFile)
}
