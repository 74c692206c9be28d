package streamlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/karl/internal/clock"
	"github.com/g960059/karl/internal/model"
)

func openTestLog(t *testing.T, c clock.Clock) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "keepalives.log"), c)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { l.Close() }) //nolint:errcheck
	return l
}

func keepalive(codename string) model.ClaireServiceStatus {
	return model.ClaireServiceStatus{ClaireStatus: model.ClaireStatus{Codename: codename}}
}

func TestPublishAssignsIncreasingIndexAndTimestamp(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	l := openTestLog(t, fake)

	idx1, ts1, err := l.Publish(model.ServiceKey{IP: "10.0.0.1"}, keepalive("a"))
	if err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	// Clock does not advance: the log must still strictly increase ts.
	idx2, ts2, err := l.Publish(model.ServiceKey{IP: "10.0.0.1"}, keepalive("b"))
	if err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	if idx1 != 1 || idx2 != 2 {
		t.Fatalf("expected indices 1,2, got %d,%d", idx1, idx2)
	}
	if ts2 <= ts1 {
		t.Fatalf("expected strictly increasing timestamps, got %d then %d", ts1, ts2)
	}
	if l.Size() != 2 {
		t.Fatalf("expected size 2, got %d", l.Size())
	}
}

func TestIterateIsStableSnapshot(t *testing.T) {
	l := openTestLog(t, clock.Real())

	for _, name := range []string{"a", "b", "c"} {
		if _, _, err := l.Publish(model.ServiceKey{}, keepalive(name)); err != nil {
			t.Fatalf("publish %s: %v", name, err)
		}
	}

	snapshot := l.Iterate(1, l.Size()+1)
	if _, _, err := l.Publish(model.ServiceKey{}, keepalive("d")); err != nil {
		t.Fatalf("publish d: %v", err)
	}
	if len(snapshot) != 3 {
		t.Fatalf("expected snapshot of 3 entries, got %d", len(snapshot))
	}
	if l.Size() != 4 {
		t.Fatalf("expected log size 4 after extra publish, got %d", l.Size())
	}
}

func TestReplayRestoresEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keepalives.log")

	l, err := Open(path, clock.Real())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		if _, _, err := l.Publish(model.ServiceKey{}, keepalive(name)); err != nil {
			t.Fatalf("publish %s: %v", name, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(path, clock.Real())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close() //nolint:errcheck

	if reopened.Size() != 2 {
		t.Fatalf("expected replayed size 2, got %d", reopened.Size())
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	l := openTestLog(t, clock.Real())
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := l.Publish(model.ServiceKey{}, keepalive("a")); err != ErrShuttingDown {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestSubscribeDeliversInOrderAndCancelJoins(t *testing.T) {
	l := openTestLog(t, clock.Real())

	received := make(chan string, 8)
	sub := l.Subscribe(func(entry model.StreamEntry) bool {
		received <- entry.Keepalive.Codename
		return true
	})

	for _, name := range []string{"a", "b", "c"} {
		if _, _, err := l.Publish(model.ServiceKey{}, keepalive(name)); err != nil {
			t.Fatalf("publish %s: %v", name, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-received:
			if got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	sub.Cancel()
}

func TestSubscribeIdleWorkerWokenByCancel(t *testing.T) {
	l := openTestLog(t, clock.Real())

	done := make(chan struct{})
	sub := l.Subscribe(func(entry model.StreamEntry) bool { return true })
	go func() {
		sub.Cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel did not join subscriber worker")
	}
}
