package query

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"time"

	"github.com/g960059/karl/internal/clock"
	"github.com/g960059/karl/internal/config"
	"github.com/g960059/karl/internal/model"
	"github.com/g960059/karl/internal/store"
	"github.com/g960059/karl/internal/streamlog"
)

// ErrCodenameNotFound is returned by Build and Snapshot for an unknown
// codename (spec.md §7, mapped to 404 by the HTTP layer).
var ErrCodenameNotFound = errors.New("query: codename not found")

// IndexCache is the ingestor's per-process shortcut (spec.md §3's
// latest_keepalive_index_plus_one), reused here to memoize the one-shot
// full scan /snapshot/<codename> performs when it is otherwise empty.
type IndexCache interface {
	LatestKeepaliveIndexPlusOne(codename string) uint64
	SetLatestKeepaliveIndexPlusOne(codename string, v uint64)
}

// Projector is component E.
type Projector struct {
	log        *streamlog.Log
	store      *store.Store
	clock      clock.Clock
	cfg        config.Config
	indexCache IndexCache
}

// New constructs a Projector.
func New(log *streamlog.Log, st *store.Store, c clock.Clock, cfg config.Config, indexCache IndexCache) *Projector {
	if c == nil {
		c = clock.Real()
	}
	return &Projector{log: log, store: st, clock: c, cfg: cfg, indexCache: indexCache}
}

// Range implements GET / (spec.md §4.5's first bullet). activeOnly filters
// the result to codenames whose persisted registered_state is Active.
func (p *Projector) Range(ctx context.Context, q url.Values, activeOnly bool) ([]Report, error) {
	now := p.clock.Now()
	w := resolveWindow(q, now, p.cfg.DefaultWindow)

	latest := map[string]model.StreamEntry{}
	for _, entry := range p.log.All() {
		if entry.TimestampUS < w.fromUS || entry.TimestampUS > w.toUS {
			continue
		}
		codename := entry.Keepalive.Codename
		if existing, ok := latest[codename]; !ok || entry.TimestampUS > existing.TimestampUS {
			latest[codename] = entry
		}
	}

	codenameByLocation := make(map[model.ServiceKey]string, len(latest))
	for codename, entry := range latest {
		codenameByLocation[entry.Location] = codename
	}

	reports := make([]Report, 0, len(latest))
	err := p.store.ReadOnlyTransaction(ctx, func(tx *store.ReadTx) error {
		for codename, entry := range latest {
			info, err := tx.GetClaire(codename)
			location := entry.Location
			var state model.RegisteredState
			switch {
			case err == nil:
				location = info.Location
				state = info.RegisteredState
			case err == store.ErrNotFound:
				location = model.ServiceKey{IP: "zombie/" + codename, Port: 0}
			default:
				return err
			}

			if activeOnly && state != model.Active {
				continue
			}

			currently := Up
			if now.Sub(time.UnixMicro(entry.TimestampUS)) >= p.cfg.ServiceTimeoutInterval {
				currently = Down
			}

			report := Report{
				Codename:                   codename,
				Service:                    entry.Keepalive.Service,
				Location:                   location,
				Build:                      entry.Keepalive.Build,
				RegisteredState:            state,
				Currently:                  currently,
				StartTimeEpochMicroseconds: entry.Keepalive.StartTimeEpochMicroseconds,
				UptimeEpochMicroseconds:    entry.Keepalive.UptimeEpochMicroseconds,
				LastSeenTimestampUS:        entry.TimestampUS,
				Dependencies:               entry.Keepalive.Dependencies,
			}
			for _, dep := range entry.Keepalive.Dependencies {
				if _, ok := codenameByLocation[dep]; ok {
					continue
				}
				report.UnresolvedDependencies = append(report.UnresolvedDependencies, UnresolvedDependency{
					Location:      dep,
					StatusPageURL: dep.StatusPageURL(),
				})
			}
			reports = append(reports, report)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].Codename < reports[j].Codename })
	return reports, nil
}

// Build implements GET /build/<codename> (spec.md §4.5).
func (p *Projector) Build(ctx context.Context, codename string) (model.BuildInfo, error) {
	var info model.ClaireBuildInfo
	err := p.store.ReadOnlyTransaction(ctx, func(tx *store.ReadTx) error {
		var err error
		info, err = tx.GetClaireBuild(codename)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return model.BuildInfo{}, ErrCodenameNotFound
	}
	if err != nil {
		return model.BuildInfo{}, err
	}
	return info.Build, nil
}

// Snapshot is the rebased latest-keepalive payload GET /snapshot/<codename>
// returns (spec.md §4.5).
type Snapshot struct {
	Codename  string                    `json:"codename"`
	Location  model.ServiceKey          `json:"location"`
	AgeUS     int64                     `json:"age_us"`
	Keepalive model.ClaireServiceStatus `json:"keepalive"`
}

func (p *Projector) Snapshot(ctx context.Context, codename string, noBuild bool) (Snapshot, error) {
	entry, err := p.latestEntryForCodename(codename)
	if err != nil {
		return Snapshot{}, err
	}

	keepalive := entry.Keepalive
	if noBuild {
		keepalive.Build = nil
	}

	return Snapshot{
		Codename:  codename,
		Location:  entry.Location,
		AgeUS:     p.clock.Now().UnixMicro() - entry.TimestampUS,
		Keepalive: keepalive,
	}, nil
}

// latestEntryForCodename uses the shared index cache to avoid a full log
// scan once a codename's latest index has already been resolved once
// (spec.md §4.5: "if the in-memory index cache is empty, do a one-shot
// full scan of (A) and memoize the result").
func (p *Projector) latestEntryForCodename(codename string) (model.StreamEntry, error) {
	if idxPlusOne := p.indexCache.LatestKeepaliveIndexPlusOne(codename); idxPlusOne > 0 {
		entries := p.log.Iterate(idxPlusOne-1, idxPlusOne)
		if len(entries) == 1 {
			return entries[0], nil
		}
	}

	var found model.StreamEntry
	var ok bool
	for _, entry := range p.log.All() {
		if entry.Keepalive.Codename != codename {
			continue
		}
		if !ok || entry.Index > found.Index {
			found = entry
			ok = true
		}
	}
	if !ok {
		return model.StreamEntry{}, ErrCodenameNotFound
	}
	p.indexCache.SetLatestKeepaliveIndexPlusOne(codename, found.Index+1)
	return found, nil
}
