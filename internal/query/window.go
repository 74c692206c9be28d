package query

import (
	"net/url"
	"strconv"
	"time"
)

// window is a closed [fromUS, toUS] range in epoch microseconds.
type window struct {
	fromUS int64
	toUS   int64
}

// resolveWindow implements spec.md §4.5's precedence order: from/to;
// from/interval_us; m; h; d; default.
func resolveWindow(q url.Values, now time.Time, defaultWindow time.Duration) window {
	nowUS := now.UnixMicro()

	if from, ok := parseInt(q, "from"); ok {
		if to, ok := parseInt(q, "to"); ok {
			return window{fromUS: from, toUS: to}
		}
		if interval, ok := parseInt(q, "interval_us"); ok {
			return window{fromUS: from, toUS: from + interval}
		}
		return window{fromUS: from, toUS: nowUS}
	}

	if m, ok := parseFloat(q, "m"); ok {
		return window{fromUS: nowUS - int64(m*60*1_000_000), toUS: nowUS}
	}
	if h, ok := parseFloat(q, "h"); ok {
		return window{fromUS: nowUS - int64(h*3600*1_000_000), toUS: nowUS}
	}
	if d, ok := parseFloat(q, "d"); ok {
		return window{fromUS: nowUS - int64(d*86400*1_000_000), toUS: nowUS}
	}

	return window{fromUS: nowUS - defaultWindow.Microseconds(), toUS: nowUS}
}

func parseInt(q url.Values, key string) (int64, bool) {
	v := q.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseFloat(q url.Values, key string) (float64, bool) {
	v := q.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
