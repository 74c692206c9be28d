package proxy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/g960059/karl/internal/config"
	"github.com/g960059/karl/internal/model"
	"github.com/g960059/karl/internal/store"
)

type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	return nil, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "karl.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func newTestMaterializer(t *testing.T, st *store.Store, runner Runner) *Materializer {
	t.Helper()
	cfg := &config.ProxyParameters{
		ListenPort: 8080,
		ConfigFile: filepath.Join(t.TempDir(), "nginx.yaml"),
	}
	m, err := New(cfg, 42000, "", st, runner, "true", []string{}, 0)
	if err != nil {
		t.Fatalf("new materializer: %v", err)
	}
	return m
}

func TestReconcileWritesConfigForActiveClairesOnly(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.ReadWriteTransaction(ctx, func(tx *store.WriteTx) error {
		if err := tx.UpsertClaire(model.ClaireInfo{
			Codename:        "active1",
			Location:        model.ServiceKey{IP: "10.0.0.1", Port: 9000, Prefix: "/"},
			RegisteredState: model.Active,
		}); err != nil {
			return err
		}
		return tx.UpsertClaire(model.ClaireInfo{
			Codename:        "gone",
			Location:        model.ServiceKey{IP: "10.0.0.2", Port: 9000, Prefix: "/"},
			RegisteredState: model.DisconnectedByTimeout,
		})
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	runner := &fakeRunner{}
	m := newTestMaterializer(t, st, runner)

	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected one reload invocation, got %d", len(runner.calls))
	}

	data, err := os.ReadFile(m.cfg.ConfigFile)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var written NginxConfig
	if err := yaml.Unmarshal(data, &written); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	var sawActive, sawGone bool
	for _, loc := range written.Server.Locations {
		if loc.Path == "/live/active1" {
			sawActive = true
		}
		if loc.Path == "/live/gone" {
			sawGone = true
		}
	}
	if !sawActive {
		t.Fatalf("expected a location for active1, got %+v", written.Server.Locations)
	}
	if sawGone {
		t.Fatalf("did not expect a location for the timed-out claire, got %+v", written.Server.Locations)
	}
}

func TestReconcileSkipsWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	runner := &fakeRunner{}
	m := newTestMaterializer(t, st, runner)

	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile 1: %v", err)
	}
	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile 2: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected the second reconcile to be a no-op, got %d calls", len(runner.calls))
	}
}

func TestReconcileRerendersAfterAStoreWrite(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	runner := &fakeRunner{}
	m := newTestMaterializer(t, st, runner)

	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile 1: %v", err)
	}
	if len(runner.calls) != 1 {
		t.Fatalf("expected the first reconcile to render, got %d calls", len(runner.calls))
	}

	if err := st.ReadWriteTransaction(ctx, func(tx *store.WriteTx) error {
		return tx.UpsertClaire(model.ClaireInfo{
			Codename:        "newcomer",
			Location:        model.ServiceKey{IP: "10.0.0.3", Port: 9000, Prefix: "/"},
			RegisteredState: model.Active,
		})
	}); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile 2: %v", err)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("expected a commit on the store to trigger a re-render, got %d calls", len(runner.calls))
	}
}

func TestReconcileUsesBaseURLForCatchAllWhenSet(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	runner := &fakeRunner{}
	cfg := &config.ProxyParameters{
		ListenPort: 8080,
		ConfigFile: filepath.Join(t.TempDir(), "nginx.yaml"),
	}
	m, err := New(cfg, 42000, "http://karl.example.internal/", st, runner, "true", nil, 0)
	if err != nil {
		t.Fatalf("new materializer: %v", err)
	}

	if err := m.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	data, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var written NginxConfig
	if err := yaml.Unmarshal(data, &written); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if written.Server.Locations[0].Upstream != "http://karl.example.internal/" {
		t.Fatalf("expected baseURL to override the catch-all upstream, got %+v", written.Server.Locations[0])
	}
}

func TestNewFailsWhenBinaryMissing(t *testing.T) {
	st := openTestStore(t)
	cfg := &config.ProxyParameters{ListenPort: 8080, ConfigFile: filepath.Join(t.TempDir(), "nginx.yaml")}
	if _, err := New(cfg, 42000, "", st, &fakeRunner{}, "definitely-not-a-real-binary-xyz", nil, 0); err == nil {
		t.Fatalf("expected ErrNginxUnavailable")
	}
}
