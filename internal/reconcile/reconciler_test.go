package reconcile

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/g960059/karl/internal/clock"
	"github.com/g960059/karl/internal/model"
	"github.com/g960059/karl/internal/store"
	"github.com/g960059/karl/internal/wake"
)

type fakeCache struct {
	mu   sync.Mutex
	data map[string]time.Time
}

func (f *fakeCache) PartitionAndPruneTimedOut(now time.Time, timeout time.Duration) (timedOut []string, maxSurvivorLast time.Time, haveSurvivor bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for codename, last := range f.data {
		if now.Sub(last) > timeout {
			timedOut = append(timedOut, codename)
			delete(f.data, codename)
			continue
		}
		if !haveSurvivor || last.After(maxSurvivorLast) {
			maxSurvivorLast = last
			haveSurvivor = true
		}
	}
	return timedOut, maxSurvivorLast, haveSurvivor
}

func (f *fakeCache) set(codename string, t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = map[string]time.Time{}
	}
	f.data[codename] = t
}

type countingMaterializer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingMaterializer) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func (c *countingMaterializer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "karl.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	return s
}

func TestTickMarksTimedOutAndCallsMaterializer(t *testing.T) {
	fake := clock.Fake(time.Unix(1700000000, 0))
	st := openTestStore(t)
	cache := &fakeCache{}
	cache.set("stale", fake.Now().Add(-time.Minute))
	cache.set("fresh", fake.Now())

	mat := &countingMaterializer{}
	r := New(cache, st, mat, fake, wake.New(), 45*time.Second, nil)

	sleep, stop := r.tick(context.Background())
	if stop {
		t.Fatalf("unexpected stop")
	}
	if sleep <= 0 {
		t.Fatalf("expected positive sleep with a surviving codename, got %v", sleep)
	}
	if mat.count() != 1 {
		t.Fatalf("expected materializer called once, got %d", mat.count())
	}

	var info model.ClaireInfo
	if err := st.ReadOnlyTransaction(context.Background(), func(tx *store.ReadTx) error {
		var err error
		info, err = tx.GetClaire("stale")
		return err
	}); err != nil {
		t.Fatalf("get claire: %v", err)
	}
	if info.RegisteredState != model.DisconnectedByTimeout {
		t.Fatalf("expected DisconnectedByTimeout, got %s", info.RegisteredState)
	}

	if err := st.ReadOnlyTransaction(context.Background(), func(tx *store.ReadTx) error {
		_, err := tx.GetClaire("fresh")
		return err
	}); err != store.ErrNotFound {
		t.Fatalf("expected fresh codename to have no row yet, got %v", err)
	}
}

func TestTickPrunesTimedOutCodenamesFromCache(t *testing.T) {
	fake := clock.Fake(time.Unix(1700000000, 0))
	st := openTestStore(t)
	cache := &fakeCache{}
	cache.set("stale", fake.Now().Add(-time.Minute))

	mat := &countingMaterializer{}
	r := New(cache, st, mat, fake, wake.New(), 45*time.Second, nil)

	sleep, stop := r.tick(context.Background())
	if stop {
		t.Fatalf("unexpected stop")
	}
	if sleep < time.Hour {
		t.Fatalf("expected the indefinite no-survivor sleep, got %v", sleep)
	}

	cache.mu.Lock()
	_, stillPresent := cache.data["stale"]
	cache.mu.Unlock()
	if stillPresent {
		t.Fatalf("expected stale codename erased from the working set after timing out")
	}
}

func TestRunStopsCleanly(t *testing.T) {
	fake := clock.Fake(time.Unix(1700000000, 0))
	st := openTestStore(t)
	cache := &fakeCache{}
	r := New(cache, st, nil, fake, wake.New(), 45*time.Second, nil)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	r.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}

func TestRunWakesOnWaker(t *testing.T) {
	fake := clock.Fake(time.Unix(1700000000, 0))
	st := openTestStore(t)
	cache := &fakeCache{}
	mat := &countingMaterializer{}
	w := wake.New()
	r := New(cache, st, mat, fake, w, 45*time.Second, nil)

	go r.Run(context.Background())
	t.Cleanup(r.Stop)

	for i := 0; i < 50 && mat.count() == 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if mat.count() == 0 {
		t.Fatalf("expected at least one tick before waking")
	}
	before := mat.count()

	w.Signal()

	for i := 0; i < 50 && mat.count() <= before; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if mat.count() <= before {
		t.Fatalf("expected waker to trigger another tick, count stayed at %d", before)
	}
}
