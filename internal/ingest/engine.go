// Package ingest implements component C of Karl: the keepalive ingestion
// pipeline described by spec.md §4.3, shared between the HTTP POST/DELETE
// handlers and the startup replay that rebuilds the reconciler's working
// set (spec.md §3's "Lifecycle").
package ingest

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/g960059/karl/internal/clock"
	"github.com/g960059/karl/internal/config"
	"github.com/g960059/karl/internal/model"
	"github.com/g960059/karl/internal/store"
	"github.com/g960059/karl/internal/streamlog"
	"github.com/g960059/karl/internal/wake"
)

// Engine owns the two caches described in spec.md §3 and drives the
// publish-then-commit pipeline shared by POST and DELETE.
type Engine struct {
	log      *streamlog.Log
	store    *store.Store
	cfg      config.Config
	clock    clock.Clock
	registry *model.RuntimeRegistry
	waker    *wake.Waker
	logger   *slog.Logger
	client   *http.Client

	cacheMu   sync.Mutex
	keepalive map[string]time.Time // services_keepalive_time_cache

	indexMu sync.Mutex
	latest  map[string]uint64 // latest_keepalive_index_plus_one
}

// New constructs an Engine. waker is signalled whenever a previously-silent
// codename re-registers or a codename is deregistered, so the reconciler
// (component D) can re-evaluate its sleep deadline immediately.
func New(log *streamlog.Log, st *store.Store, cfg config.Config, c clock.Clock, registry *model.RuntimeRegistry, waker *wake.Waker, logger *slog.Logger) *Engine {
	if c == nil {
		c = clock.Real()
	}
	if registry == nil {
		registry = model.DefaultRuntimeRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		log:       log,
		store:     st,
		cfg:       cfg,
		clock:     c,
		registry:  registry,
		waker:     waker,
		logger:    logger,
		client:    &http.Client{Timeout: 10 * time.Second},
		keepalive: map[string]time.Time{},
		latest:    map[string]uint64{},
	}
}

// Keepalive runs the full POST pipeline (spec.md §4.3 steps 2-11) given the
// reporter's observed ip, the request's query parameters, and the raw
// request body. The returned error is one of ErrCallback, ErrMalformed,
// ErrInconsistent, or an opaque error representing an unexpected failure
// during commit (mapped to 500 by the HTTP layer).
func (e *Engine) Keepalive(ctx context.Context, ip string, query queryParams, body []byte) error {
	statusBytes, err := e.resolveStatusBytes(ctx, ip, query, body)
	if err != nil {
		return err
	}

	var shallow model.ClaireStatus
	if err := json.Unmarshal(statusBytes, &shallow); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	full := e.parseFull(statusBytes, shallow)

	if err := checkConsistency(query, shallow); err != nil {
		return err
	}

	location := model.ServiceKey{IP: ip, Port: shallow.LocalPort, Prefix: "/"}

	now := e.clock.Now()
	behindThisBy, haveSkew := behindThisByFromPing(now, shallow)

	index, tsUS, err := e.log.Publish(location, full)
	if err != nil {
		return fmt.Errorf("ingest: publish: %w", err)
	}

	e.indexMu.Lock()
	e.latest[shallow.Codename] = index + 1
	e.indexMu.Unlock()

	if err := e.commit(ctx, ip, shallow, location, tsUS, behindThisBy, haveSkew); err != nil {
		return fmt.Errorf("ingest: commit: %w", err)
	}

	e.noteKeepalive(shallow.Codename, now)
	return nil
}

// queryParams is the subset of the keepalive query string the ingestor
// cares about (spec.md §4.3 step 1).
type queryParams struct {
	Codename string
	Port     string
	Confirm  bool

	HasCodename bool
	HasPort     bool
}

func (e *Engine) resolveStatusBytes(ctx context.Context, ip string, query queryParams, body []byte) ([]byte, error) {
	if !query.Confirm || !query.HasPort {
		return body, nil
	}
	n, err := randomUint32InRange(1_000_000_000, 2_000_000_000)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallback, err)
	}
	url := fmt.Sprintf("http://%s:%s/.current?all&rnd=%d", ip, query.Port, n)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallback, err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallback, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallback, err)
	}
	return data, nil
}

func randomUint32InRange(lo, hi uint32) (uint32, error) {
	span := int64(hi) - int64(lo)
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return 0, err
	}
	return lo + uint32(n.Int64()), nil
}

// parseFull attempts to decode the full keepalive including the polymorphic
// runtime field. A runtime variant Karl does not recognize is not an error
// (spec.md §7): the raw bytes are preserved and the tag is set to
// model.UnparsedRuntimeTag.
func (e *Engine) parseFull(statusBytes []byte, shallow model.ClaireStatus) model.ClaireServiceStatus {
	var raw struct {
		Loc     *model.ServiceKey `json:"loc,omitempty"`
		Runtime json.RawMessage   `json:"runtime,omitempty"`
	}
	if err := json.Unmarshal(statusBytes, &raw); err != nil {
		return model.ClaireServiceStatus{ClaireStatus: shallow, RuntimeTag: model.UnparsedRuntimeTag}
	}
	return model.ClaireServiceStatus{
		ClaireStatus: shallow,
		Loc:          raw.Loc,
		RawRuntime:   raw.Runtime,
		RuntimeTag:   e.registry.Decode(raw.Runtime),
	}
}

func checkConsistency(query queryParams, shallow model.ClaireStatus) error {
	if query.HasCodename && query.Codename != shallow.Codename {
		return ErrInconsistent
	}
	if query.HasPort {
		var port uint16
		if _, err := fmt.Sscanf(query.Port, "%d", &port); err != nil || port != shallow.LocalPort {
			return ErrInconsistent
		}
	}
	return nil
}

// behindThisByFromPing implements spec.md §4.3 step 7: half the round-trip
// ping estimate, Karl's clock as the reference.
func behindThisByFromPing(now time.Time, shallow model.ClaireStatus) (time.Duration, bool) {
	if shallow.LastSuccessfulPingEpochMicros == nil {
		return 0, false
	}
	nowUS := now.UnixMicro()
	behindUS := nowUS - shallow.Now - (*shallow.LastSuccessfulPingEpochMicros)/2
	return time.Duration(behindUS) * time.Microsecond, true
}

func (e *Engine) commit(ctx context.Context, ip string, shallow model.ClaireStatus, location model.ServiceKey, tsUS int64, behindThisBy time.Duration, haveSkew bool) error {
	return e.store.ReadWriteTransaction(ctx, func(tx *store.WriteTx) error {
		if haveSkew {
			existing, err := tx.GetServer(ip)
			shouldWrite := err == store.ErrNotFound
			if err != nil && err != store.ErrNotFound {
				return err
			}
			if err == nil {
				diff := existing.BehindThisBy - behindThisBy
				if diff < 0 {
					diff = -diff
				}
				shouldWrite = diff >= e.cfg.UpdateServerInfoThresholdByTimeSkewDifference
			}
			if shouldWrite {
				if err := tx.UpsertServer(model.ServerInfo{IP: ip, BehindThisBy: behindThisBy}); err != nil {
					return err
				}
			}
		}

		if shallow.Build != nil {
			existing, err := tx.GetClaireBuild(shallow.Codename)
			if err != nil && err != store.ErrNotFound {
				return err
			}
			if err == store.ErrNotFound || !existing.Build.Equal(*shallow.Build) {
				if err := tx.UpsertClaireBuild(model.ClaireBuildInfo{Codename: shallow.Codename, Build: *shallow.Build}); err != nil {
					return err
				}
			}
		}

		existing, err := tx.GetClaire(shallow.Codename)
		needsUpsert := err == store.ErrNotFound
		if err != nil && err != store.ErrNotFound {
			return err
		}
		if err == nil {
			needsUpsert = existing.Location != location || existing.RegisteredState != model.Active
		}
		if needsUpsert {
			if err := tx.UpsertClaire(model.ClaireInfo{
				Codename:            shallow.Codename,
				Service:             shallow.Service,
				Location:            location,
				ReportedTimestampUS: tsUS,
				URLStatusPageDirect: location.StatusPageURL(),
				RegisteredState:     model.Active,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// noteKeepalive updates the reconciler's working set (spec.md §4.3 step 10).
func (e *Engine) noteKeepalive(codename string, now time.Time) {
	e.cacheMu.Lock()
	_, existed := e.keepalive[codename]
	e.keepalive[codename] = now
	e.cacheMu.Unlock()
	if !existed {
		e.waker.Signal()
	}
}

// Deregister implements the DELETE endpoint (spec.md §4.3 "DELETE"). When
// codename is empty it is a no-op, reported back to the caller via nop=true.
func (e *Engine) Deregister(ctx context.Context, codename string) (nop bool, err error) {
	if codename == "" {
		return true, nil
	}

	err = e.store.ReadWriteTransaction(ctx, func(tx *store.WriteTx) error {
		existing, getErr := tx.GetClaire(codename)
		info := model.ClaireInfo{Codename: codename, RegisteredState: model.Deregistered}
		if getErr == nil {
			info.Service = existing.Service
			info.Location = existing.Location
			info.ReportedTimestampUS = existing.ReportedTimestampUS
			info.URLStatusPageDirect = existing.URLStatusPageDirect
		} else if getErr != store.ErrNotFound {
			return getErr
		}
		return tx.UpsertClaire(info)
	})
	if err != nil {
		return false, err
	}

	e.cacheMu.Lock()
	delete(e.keepalive, codename)
	e.cacheMu.Unlock()
	e.waker.Signal()

	return false, nil
}

// KeepaliveTimeCacheSnapshot returns a copy of the current working set,
// mainly useful for tests that want to observe it without mutating it.
func (e *Engine) KeepaliveTimeCacheSnapshot() map[string]time.Time {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	out := make(map[string]time.Time, len(e.keepalive))
	for k, v := range e.keepalive {
		out[k] = v
	}
	return out
}

// PartitionAndPruneTimedOut is the reconciler's (component D) entry point
// into the working set: every codename silent for longer than timeout is
// removed from the cache and returned in timedOut, the same erase-on-timeout
// behavior the original applies to its keepalive cache (karl.h:235). Erasing
// rather than merely reading the entry is what lets noteKeepalive's
// "not already present" check (spec.md §4.3 step 10, karl.h:459) fire again
// the next time the codename re-registers, so the reconciler is woken
// instead of sleeping past a second timeout.
func (e *Engine) PartitionAndPruneTimedOut(now time.Time, timeout time.Duration) (timedOut []string, maxSurvivorLast time.Time, haveSurvivor bool) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for codename, last := range e.keepalive {
		if now.Sub(last) > timeout {
			timedOut = append(timedOut, codename)
			delete(e.keepalive, codename)
			continue
		}
		if !haveSurvivor || last.After(maxSurvivorLast) {
			maxSurvivorLast = last
			haveSurvivor = true
		}
	}
	return timedOut, maxSurvivorLast, haveSurvivor
}

// SeedKeepaliveTimeCache pre-populates the working set with now for every
// given codename, used by the startup replay (spec.md §3 "Lifecycle").
func (e *Engine) SeedKeepaliveTimeCache(codenames []string, now time.Time) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for _, c := range codenames {
		e.keepalive[c] = now
	}
}

// LatestKeepaliveIndexPlusOne returns latest_keepalive_index_plus_one[codename]
// (0 if the codename has never been seen this process lifetime).
func (e *Engine) LatestKeepaliveIndexPlusOne(codename string) uint64 {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	return e.latest[codename]
}

// SetLatestKeepaliveIndexPlusOne is used by the query projector (E) to
// memoize a one-shot full-stream scan (spec.md §4.5, /snapshot/<codename>).
func (e *Engine) SetLatestKeepaliveIndexPlusOne(codename string, v uint64) {
	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	e.latest[codename] = v
}
