// Package reconcile implements component D: the single background worker
// that demotes silent codenames to DisconnectedByTimeout and keeps the
// proxy materializer in sync.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/g960059/karl/internal/clock"
	"github.com/g960059/karl/internal/model"
	"github.com/g960059/karl/internal/store"
	"github.com/g960059/karl/internal/wake"
)

// Cache is the subset of the ingestor (C) the reconciler needs: the ability
// to atomically split the working set into timed-out and surviving
// codenames, erasing the timed-out ones so a later re-registration is seen
// as a fresh appearance (spec.md §4.3 step 10). Kept as an interface so
// tests can drive the loop without a full Engine.
type Cache interface {
	PartitionAndPruneTimedOut(now time.Time, timeout time.Duration) (timedOut []string, maxSurvivorLast time.Time, haveSurvivor bool)
}

// Materializer is component F, called after every tick regardless of
// whether anything timed out (spec.md §4.4 step 4).
type Materializer interface {
	Reconcile(ctx context.Context) error
}

// Reconciler runs the timeout loop described in spec.md §4.4.
type Reconciler struct {
	cache   Cache
	store   *store.Store
	proxy   Materializer
	clock   clock.Clock
	waker   *wake.Waker
	timeout time.Duration
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Reconciler. proxy may be nil, in which case step 4 of
// the loop is skipped (an inert proxy materializer, spec.md §4.6).
func New(cache Cache, st *store.Store, proxy Materializer, c clock.Clock, waker *wake.Waker, timeout time.Duration, logger *slog.Logger) *Reconciler {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		cache:   cache,
		store:   st,
		proxy:   proxy,
		clock:   c,
		waker:   waker,
		timeout: timeout,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run executes the loop until Stop is called or ctx is cancelled. It is
// meant to be run in its own goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	defer close(r.doneCh)
	for {
		sleep, stop := r.tick(ctx)
		if stop {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-r.waker.C():
		case <-r.clock.After(sleep):
		}
	}
}

// Stop signals the worker to terminate and blocks until it has joined,
// mirroring the destructor behavior in spec.md §4.4's "Shutdown".
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// tick performs one iteration of the loop (spec.md §4.4 steps 1-4) and
// returns how long to sleep before the next one, plus a stop flag that Run
// honours; tick itself always reports false.
func (r *Reconciler) tick(ctx context.Context) (time.Duration, bool) {
	now := r.clock.Now()
	timedOut, maxSurvivorLast, haveSurvivor := r.cache.PartitionAndPruneTimedOut(now, r.timeout)

	if len(timedOut) > 0 {
		if err := r.markTimedOut(ctx, timedOut); err != nil {
			r.logger.Error("reconciler: mark timed out failed", "error", err)
		}
	}

	if r.proxy != nil {
		if err := r.proxy.Reconcile(ctx); err != nil {
			r.logger.Error("reconciler: proxy materialize failed", "error", err)
		}
	}

	if !haveSurvivor {
		return time.Duration(1<<62 - 1), false // effectively indefinite; waker/ctx still wake it
	}
	sleep := r.timeout - now.Sub(maxSurvivorLast) + time.Microsecond
	if sleep < 0 {
		sleep = 0
	}
	return sleep, false
}

func (r *Reconciler) markTimedOut(ctx context.Context, codenames []string) error {
	return r.store.ReadWriteTransaction(ctx, func(tx *store.WriteTx) error {
		for _, codename := range codenames {
			existing, err := tx.GetClaire(codename)
			info := model.ClaireInfo{Codename: codename, RegisteredState: model.DisconnectedByTimeout}
			if err == nil {
				info.Service = existing.Service
				info.Location = existing.Location
				info.ReportedTimestampUS = existing.ReportedTimestampUS
				info.URLStatusPageDirect = existing.URLStatusPageDirect
			} else if err != store.ErrNotFound {
				return err
			}
			if err := tx.UpsertClaire(info); err != nil {
				return err
			}
		}
		return nil
	})
}
