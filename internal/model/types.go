// Package model holds the data types shared across Karl's components: the
// stream envelope persisted by the append-only log, the rows kept by the
// keyed store, and the wire shapes a claire reports over HTTP.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ServiceKey identifies where a claire (or a dependency of one) is reachable.
// Equality is structural, matching spec.md's §3 definition.
type ServiceKey struct {
	IP     string `json:"ip"`
	Port   uint16 `json:"port"`
	Prefix string `json:"prefix"`
}

// StatusPageURL returns the URL at which the claire behind this key serves
// its own current status JSON.
func (k ServiceKey) StatusPageURL() string {
	prefix := k.Prefix
	if prefix == "" {
		prefix = "/"
	}
	return fmt.Sprintf("http://%s:%d%s.current", k.IP, k.Port, prefix)
}

func (k ServiceKey) String() string {
	return fmt.Sprintf("%s:%d%s", k.IP, k.Port, k.Prefix)
}

// BuildInfo mirrors the original implementation's build::Info: a snapshot of
// the binary's provenance at build time.
type BuildInfo struct {
	Time          string `json:"time,omitempty"`
	GitCommitHash string `json:"git_commit_hash,omitempty"`
	GitDirtyFlag  bool   `json:"git_dirty_flag,omitempty"`
	GitBranch     string `json:"git_branch,omitempty"`
}

// Equal reports whether two build infos carry the same provenance.
func (b BuildInfo) Equal(other BuildInfo) bool {
	return b == other
}

// ClaireStatus is the shallow, always-required parse target for a keepalive
// body (spec.md §4.3 step 4, first parse).
type ClaireStatus struct {
	Codename                      string       `json:"codename"`
	Service                       string       `json:"service"`
	LocalPort                     uint16       `json:"local_port"`
	Dependencies                  []ServiceKey `json:"dependencies,omitempty"`
	Build                         *BuildInfo   `json:"build,omitempty"`
	StartTimeEpochMicroseconds    int64        `json:"start_time_epoch_microseconds"`
	UptimeEpochMicroseconds       int64        `json:"uptime_epoch_microseconds"`
	LastSuccessfulPingEpochMicros *int64       `json:"last_successful_ping_epoch_microseconds,omitempty"`
	Now                           int64        `json:"now"`
}

// ClaireServiceStatus is the full parse target (spec.md §4.3 step 4, second
// parse): the shallow status plus the polymorphic runtime payload. RawRuntime
// preserves the original bytes of the "runtime" field so that a keepalive can
// be re-serialized losslessly even when RuntimeTag names a variant Karl does
// not know how to decode (spec.md §9).
type ClaireServiceStatus struct {
	ClaireStatus
	Loc        *ServiceKey     `json:"loc,omitempty"`
	RuntimeTag string          `json:"-"`
	RawRuntime json.RawMessage `json:"runtime,omitempty"`
}

// RegisteredState is one of the three states a codename can be in within the
// keyed store.
type RegisteredState string

const (
	Active                RegisteredState = "Active"
	DisconnectedByTimeout RegisteredState = "DisconnectedByTimeout"
	Deregistered          RegisteredState = "Deregistered"
)

// StreamEntry is the envelope persisted by the append-only log (A). Index and
// Timestamp are assigned by the log itself on Publish, never by the caller.
type StreamEntry struct {
	Index       uint64              `json:"index"`
	TimestampUS int64               `json:"timestamp_us"`
	Location    ServiceKey          `json:"location"`
	Keepalive   ClaireServiceStatus `json:"keepalive"`
}

// ClaireInfo is the keyed store's row for a single codename (B).
type ClaireInfo struct {
	Codename            string
	Service             string
	Location            ServiceKey
	ReportedTimestampUS int64
	URLStatusPageDirect string
	RegisteredState     RegisteredState
}

// ClaireBuildInfo is the keyed store's last-seen build for a codename (B).
type ClaireBuildInfo struct {
	Codename string
	Build    BuildInfo
}

// ServerInfo is the keyed store's time-skew estimate for a reporting IP (B).
type ServerInfo struct {
	IP           string
	BehindThisBy time.Duration
}

// KarlInfo is an append-only per-launch record of Karl itself (B).
type KarlInfo struct {
	LaunchID                string
	Codename                string
	Up                      bool
	PersistedKeepaliveIndex *uint64
	PersistedKeepaliveTSUS  *int64
	RecordedAtUS            int64
}

// SelfCodename is the fixed codename Karl registers itself under.
const SelfCodename = "karl"
