package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/karl/internal/clock"
	"github.com/g960059/karl/internal/config"
	"github.com/g960059/karl/internal/ingest"
	"github.com/g960059/karl/internal/model"
	"github.com/g960059/karl/internal/proxy"
	"github.com/g960059/karl/internal/query"
	"github.com/g960059/karl/internal/reconcile"
	"github.com/g960059/karl/internal/store"
	"github.com/g960059/karl/internal/streamlog"
	"github.com/g960059/karl/internal/wake"
)

func main() {
	cfg := config.DefaultConfig()
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	flag.StringVar(&cfg.URL, "url", cfg.URL, "path the keepalive ingestor is bound at")
	flag.StringVar(&cfg.KeepaliveLogPath, "keepalive-log", cfg.KeepaliveLogPath, "path to the keepalive append-only log")
	flag.StringVar(&cfg.StoreLogPath, "store", cfg.StoreLogPath, "path to the keyed store")
	flag.DurationVar(&cfg.ServiceTimeoutInterval, "service-timeout", cfg.ServiceTimeoutInterval, "silence interval before a claire is marked DisconnectedByTimeout")
	flag.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "externally reachable URL for this Karl instance; derived from port when empty")
	flag.DurationVar(&cfg.NginxReloadTimeout, "nginx-reload-timeout", cfg.NginxReloadTimeout, "how long the proxy materializer waits for the external reload daemon")
	proxyConfigFile := flag.String("proxy-config", "", "nginx config file to materialize; empty disables the proxy materializer")
	proxyListenPort := flag.Int("proxy-listen-port", 0, "port nginx should listen on")
	proxyRoutePrefix := flag.String("proxy-route-prefix", "", "route prefix for active-claire locations (default /live)")
	flag.Parse()

	if *proxyConfigFile != "" {
		cfg.Proxy = &config.ProxyParameters{
			ConfigFile:  *proxyConfigFile,
			ListenPort:  *proxyListenPort,
			RoutePrefix: *proxyRoutePrefix,
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("karld: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	c := clock.Real()

	log, err := streamlog.Open(cfg.KeepaliveLogPath, c)
	if err != nil {
		return fmt.Errorf("open keepalive log: %w", err)
	}
	defer log.Close() //nolint:errcheck

	st, err := store.Open(ctx, cfg.StoreLogPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	launchID := uuid.NewString()
	if err := recordLaunch(ctx, st, launchID, true, c, log); err != nil {
		return fmt.Errorf("record launch: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := recordLaunch(shutdownCtx, st, launchID, false, c, log); err != nil {
			logger.Error("karld: best-effort shutdown record failed", "error", err)
		}
	}()

	waker := wake.New()
	registry := model.DefaultRuntimeRegistry()
	engine := ingest.New(log, st, cfg, c, registry, waker, logger)

	if err := replayActiveClaires(ctx, st, engine, c); err != nil {
		return fmt.Errorf("replay active claires: %w", err)
	}

	var materializer reconcile.Materializer
	if cfg.Proxy != nil {
		m, err := proxy.New(cfg.Proxy, cfg.Port, cfg.BaseURL, st, proxy.OSRunner{}, "", nil, cfg.NginxReloadTimeout)
		if err != nil {
			return fmt.Errorf("construct proxy materializer: %w", err)
		}
		materializer = m
	}

	reconciler := reconcile.New(engine, st, materializer, c, waker, cfg.ServiceTimeoutInterval, logger)
	go reconciler.Run(ctx)
	defer reconciler.Stop()

	projector := query.New(log, st, c, cfg, engine)

	mux := http.NewServeMux()
	mux.Handle(cfg.URL, engine.Handler(projector.Handler(nil, nil)))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("karld: listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// recordLaunch appends a KarlInfo row for this process's start or stop
// (spec.md §3: "Written on startup (up=true) and in a best-effort manner on
// shutdown (up=false)").
func recordLaunch(ctx context.Context, st *store.Store, launchID string, up bool, c clock.Clock, log *streamlog.Log) error {
	info := model.KarlInfo{
		LaunchID:     launchID,
		Codename:     model.SelfCodename,
		Up:           up,
		RecordedAtUS: c.Now().UnixMicro(),
	}
	if index, tsUS, ok := log.LastIndexAndTimestamp(); ok {
		info.PersistedKeepaliveIndex = &index
		info.PersistedKeepaliveTSUS = &tsUS
	}
	return st.ReadWriteTransaction(ctx, func(tx *store.WriteTx) error {
		return tx.InsertKarlLaunch(info)
	})
}

// replayActiveClaires implements spec.md §3's restart behavior: every
// codename persisted as Active is seeded into the reconciler's working set
// with "now", so it times out if it doesn't re-keepalive within the window.
func replayActiveClaires(ctx context.Context, st *store.Store, engine *ingest.Engine, c clock.Clock) error {
	var codenames []string
	err := st.ReadOnlyTransaction(ctx, func(tx *store.ReadTx) error {
		claires, err := tx.ListClaires()
		if err != nil {
			return err
		}
		for _, claire := range claires {
			if claire.RegisteredState == model.Active {
				codenames = append(codenames, claire.Codename)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	engine.SeedKeepaliveTimeCache(codenames, c.Now())
	return nil
}
