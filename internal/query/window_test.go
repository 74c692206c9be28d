package query

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveWindowFromAloneDefaultsToNow(t *testing.T) {
	now := time.Unix(1700000000, 0)
	q := url.Values{"from": {"1699999000000000"}}

	w := resolveWindow(q, now, 5*time.Minute)

	require.Equal(t, int64(1699999000000000), w.fromUS)
	require.Equal(t, now.UnixMicro(), w.toUS)
}

func TestResolveWindowFromAndToTakesPrecedence(t *testing.T) {
	now := time.Unix(1700000000, 0)
	q := url.Values{"from": {"100"}, "to": {"200"}, "h": {"2"}}

	w := resolveWindow(q, now, 5*time.Minute)

	require.Equal(t, int64(100), w.fromUS)
	require.Equal(t, int64(200), w.toUS)
}

func TestResolveWindowFromAndIntervalUS(t *testing.T) {
	now := time.Unix(1700000000, 0)
	q := url.Values{"from": {"100"}, "interval_us": {"50"}}

	w := resolveWindow(q, now, 5*time.Minute)

	require.Equal(t, int64(100), w.fromUS)
	require.Equal(t, int64(150), w.toUS)
}

func TestResolveWindowAcceptsFractionalHours(t *testing.T) {
	now := time.Unix(1700000000, 0)
	q := url.Values{"h": {"1.5"}}

	w := resolveWindow(q, now, 5*time.Minute)

	require.Equal(t, now.UnixMicro()-int64(1.5*3600*1_000_000), w.fromUS)
	require.Equal(t, now.UnixMicro(), w.toUS)
}

func TestResolveWindowAcceptsFractionalMinutesAndDays(t *testing.T) {
	now := time.Unix(1700000000, 0)

	w := resolveWindow(url.Values{"m": {"2.5"}}, now, 5*time.Minute)
	require.Equal(t, now.UnixMicro()-int64(2.5*60*1_000_000), w.fromUS)

	w = resolveWindow(url.Values{"d": {"0.5"}}, now, 5*time.Minute)
	require.Equal(t, now.UnixMicro()-int64(0.5*86400*1_000_000), w.fromUS)
}

func TestResolveWindowDefaultsWhenNoParams(t *testing.T) {
	now := time.Unix(1700000000, 0)

	w := resolveWindow(url.Values{}, now, 5*time.Minute)

	require.Equal(t, now.UnixMicro()-(5*time.Minute).Microseconds(), w.fromUS)
	require.Equal(t, now.UnixMicro(), w.toUS)
}
