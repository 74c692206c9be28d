// Package config holds Karl's construction parameters.
package config

import "time"

// ProxyParameters configures the optional front-door reverse-proxy
// materializer (component F). A nil *ProxyParameters leaves the materializer
// inert (spec.md §4.6).
type ProxyParameters struct {
	ListenPort int
	ConfigFile string
	// RoutePrefix is prepended to "/<codename>" when routing to an active
	// service. Defaults to "/live".
	RoutePrefix string
}

// RoutePrefixOrDefault returns p.RoutePrefix, or "/live" when unset.
func (p *ProxyParameters) RoutePrefixOrDefault() string {
	if p == nil || p.RoutePrefix == "" {
		return "/live"
	}
	return p.RoutePrefix
}

// Config carries every construction parameter named in spec.md §6.
type Config struct {
	// Port is the TCP port Karl's HTTP server listens on.
	Port int

	// URL is the path the keepalive ingestor is bound at. Defaults to "/".
	URL string

	// KeepaliveLogPath and StoreLogPath are the two persisted-state files
	// (spec.md §6: "Two files: the keepalive log (A) and the store log (B)").
	KeepaliveLogPath string
	StoreLogPath     string

	// BaseURL is used when Karl needs to refer to itself (e.g. the catch-all
	// proxy location). Derived from Port when empty.
	BaseURL string

	// Proxy is nil unless the caller wants component F active.
	Proxy *ProxyParameters

	// ServiceTimeoutInterval is the reconciler's silence threshold. Defaults
	// to 45s.
	ServiceTimeoutInterval time.Duration

	// UpdateServerInfoThresholdByTimeSkewDifference is the hysteresis applied
	// before ServerInfo.BehindThisBy is rewritten (spec.md §3,
	// kUpdateServerInfoThresholdByTimeSkewDifference in the original).
	UpdateServerInfoThresholdByTimeSkewDifference time.Duration

	// NginxReloadTimeout bounds how long the proxy materializer waits for
	// the external reload daemon to respond.
	NginxReloadTimeout time.Duration

	// DefaultWindow is the range-query window used when no window selector
	// is present on GET / (spec.md §4.5).
	DefaultWindow time.Duration
}

// DefaultConfig returns a Config with every optional field at its
// spec.md-mandated default.
func DefaultConfig() Config {
	return Config{
		Port:                   42000,
		URL:                    "/",
		KeepaliveLogPath:       "karl-keepalives.log",
		StoreLogPath:           "karl-storage.log",
		ServiceTimeoutInterval: 45 * time.Second,
		UpdateServerInfoThresholdByTimeSkewDifference: time.Second,
		NginxReloadTimeout:                            5 * time.Second,
		DefaultWindow:                                 5 * time.Minute,
	}
}
