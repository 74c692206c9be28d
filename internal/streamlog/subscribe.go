package streamlog

import (
	"sync"

	"github.com/g960059/karl/internal/model"
)

// Handler is invoked once per entry, in publish order, starting from index
// 1. It returns false to request the subscriber worker exit.
type Handler func(entry model.StreamEntry) (continue_ bool)

// Subscription is the handle returned by Subscribe. Its lifetime is owned by
// the caller (for Karl, the HTTP handler serving a streaming response);
// Cancel deterministically signals the worker and joins it, the same
// explicit-handle shape spec.md §9 asks for in place of scope-owned
// ownership.
type Subscription struct {
	log    *Log
	cancel chan struct{}
	done   chan struct{}

	cancelOnce sync.Once
}

// Cancel signals the subscriber worker to stop and blocks until it has
// exited. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancel)
		s.log.cond.Broadcast()
	})
	<-s.done
}

// Subscribe starts a dedicated worker that delivers every entry in order
// starting from index 1. When there are no new entries, the worker waits on
// the log's condition variable, woken by Publish, Close, or Cancel
// (spec.md §4.1).
func (s *Log) Subscribe(handler Handler) *Subscription {
	sub := &Subscription{
		log:    s,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.done)

		var next uint64 = 1
		for {
			s.entriesMu.Lock()
			for uint64(len(s.entries)) < next && !s.shuttingDown {
				select {
				case <-sub.cancel:
					s.entriesMu.Unlock()
					return
				default:
				}
				s.cond.Wait()
			}
			select {
			case <-sub.cancel:
				s.entriesMu.Unlock()
				return
			default:
			}
			if s.shuttingDown && uint64(len(s.entries)) < next {
				s.entriesMu.Unlock()
				return
			}
			entry := s.entries[next-1]
			s.entriesMu.Unlock()

			if !handler(entry) {
				return
			}
			next++
		}
	}()

	return sub
}
