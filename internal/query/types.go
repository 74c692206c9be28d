// Package query implements component E: range, snapshot and build queries
// over the append-only log (A) joined against the keyed store (B). It serves
// no schema query.
package query

import "github.com/g960059/karl/internal/model"

// Liveness is the tagged "currently" state of a codename as of a query.
type Liveness string

const (
	Up   Liveness = "up"
	Down Liveness = "down"
)

// UnresolvedDependency is a ServiceKey reported as a dependency that does
// not resolve to any codename seen in the query window (spec.md §4.5).
type UnresolvedDependency struct {
	Location      model.ServiceKey `json:"location"`
	StatusPageURL string           `json:"status_page_url"`
}

// Report is the per-codename projection a range query builds before it is
// rendered into any particular output format.
type Report struct {
	Codename        string
	Service         string
	Location        model.ServiceKey
	Build           *model.BuildInfo
	RegisteredState model.RegisteredState
	Currently       Liveness

	StartTimeEpochMicroseconds int64
	UptimeEpochMicroseconds    int64
	LastSeenTimestampUS        int64

	Dependencies           []model.ServiceKey
	UnresolvedDependencies []UnresolvedDependency
}

// MinimalReport is the "?json" / default output shape: machines keyed by
// ip, each holding the services reported from that ip.
type MinimalReport struct {
	Machines map[string]MinimalMachine `json:"machines"`
}

type MinimalMachine struct {
	Services map[string]MinimalService `json:"services"`
}

type MinimalService struct {
	Currently MinimalCurrently `json:"currently"`
}

type MinimalCurrently struct {
	Tag                        Liveness `json:"tag"`
	StartTimeEpochMicroseconds int64    `json:"start_time_epoch_microseconds"`
	UptimeEpochMicroseconds    int64    `json:"uptime_epoch_microseconds"`
}

// FullReport is the "?full" output shape: every field Report carries.
type FullReport struct {
	Codename                   string                 `json:"codename"`
	Service                    string                 `json:"service"`
	Location                   model.ServiceKey       `json:"location"`
	Build                      *model.BuildInfo       `json:"build,omitempty"`
	RegisteredState            model.RegisteredState  `json:"registered_state"`
	Currently                  Liveness               `json:"currently"`
	StartTimeEpochMicroseconds int64                  `json:"start_time_epoch_microseconds"`
	UptimeEpochMicroseconds    int64                  `json:"uptime_epoch_microseconds"`
	Dependencies               []model.ServiceKey     `json:"dependencies,omitempty"`
	UnresolvedDependencies     []UnresolvedDependency `json:"unresolved_dependencies,omitempty"`
}

func toMinimal(reports []Report) MinimalReport {
	out := MinimalReport{Machines: map[string]MinimalMachine{}}
	for _, r := range reports {
		machine, ok := out.Machines[r.Location.IP]
		if !ok {
			machine = MinimalMachine{Services: map[string]MinimalService{}}
		}
		machine.Services[r.Codename] = MinimalService{Currently: MinimalCurrently{
			Tag:                        r.Currently,
			StartTimeEpochMicroseconds: r.StartTimeEpochMicroseconds,
			UptimeEpochMicroseconds:    r.UptimeEpochMicroseconds,
		}}
		out.Machines[r.Location.IP] = machine
	}
	return out
}

func toFull(reports []Report) []FullReport {
	out := make([]FullReport, 0, len(reports))
	for _, r := range reports {
		out = append(out, FullReport{
			Codename:                   r.Codename,
			Service:                    r.Service,
			Location:                   r.Location,
			Build:                      r.Build,
			RegisteredState:            r.RegisteredState,
			Currently:                  r.Currently,
			StartTimeEpochMicroseconds: r.StartTimeEpochMicroseconds,
			UptimeEpochMicroseconds:    r.UptimeEpochMicroseconds,
			Dependencies:               r.Dependencies,
			UnresolvedDependencies:     r.UnresolvedDependencies,
		})
	}
	return out
}
