// Package streamlog implements component A of Karl: a persisted,
// index-and-timestamp-addressed sequence of keepalive entries with a single
// writer and many readers. See spec.md §4.1.
package streamlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/g960059/karl/internal/clock"
	"github.com/g960059/karl/internal/model"
)

// ErrShuttingDown is returned by Publish once the log has begun tearing
// down (spec.md §4.1's "PublishWhileShuttingDown").
var ErrShuttingDown = errors.New("streamlog: publish while shutting down")

// Log is the append-only event stream described by spec.md §4.1. It is safe
// for concurrent use: Publish is serialized by publishMu; reads take a
// snapshot under entriesMu and never block on a writer.
type Log struct {
	clock clock.Clock

	file   *os.File
	writer *bufio.Writer

	publishMu sync.Mutex

	entriesMu sync.RWMutex
	entries   []model.StreamEntry
	lastTSUS  int64

	cond         *sync.Cond
	shuttingDown bool
}

// Open opens or creates the log's backing file at path and replays it into
// memory. The replayed entries are available to Iterate/Size immediately;
// Subscribers still observe them in publish order starting from index 1.
func Open(path string, c clock.Clock) (*Log, error) {
	if c == nil {
		c = clock.Real()
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("streamlog: open %s: %w", path, err)
	}

	l := &Log{
		clock:  c,
		file:   file,
		writer: bufio.NewWriter(file),
	}
	l.cond = sync.NewCond(&l.entriesMu)

	if err := l.replay(); err != nil {
		file.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) replay() error {
	decoder := json.NewDecoder(bufio.NewReader(l.file))
	for {
		var entry model.StreamEntry
		if err := decoder.Decode(&entry); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// A partially-flushed final line is tolerated: stop replay at
			// the last fully-decoded entry (spec.md §6: "crash-safe up to
			// the last fully-flushed entry").
			break
		}
		l.entries = append(l.entries, entry)
		l.lastTSUS = entry.TimestampUS
	}
	if _, err := l.file.Seek(0, os.SEEK_END); err != nil {
		return fmt.Errorf("streamlog: seek to end: %w", err)
	}
	return nil
}

// Publish appends keepalive under location, assigning it the next index and
// a microsecond timestamp derived from the clock. If the clock's current
// time would not strictly exceed the previous entry's timestamp, the
// timestamp is clamped forward by one microsecond so the invariant in
// spec.md §3 ("timestamps are strictly increasing, never equal") always
// holds.
func (l *Log) Publish(location model.ServiceKey, keepalive model.ClaireServiceStatus) (index uint64, timestampUS int64, err error) {
	l.publishMu.Lock()
	defer l.publishMu.Unlock()

	l.entriesMu.Lock()
	if l.shuttingDown {
		l.entriesMu.Unlock()
		return 0, 0, ErrShuttingDown
	}
	tsUS := l.clock.Now().UnixMicro()
	if tsUS <= l.lastTSUS {
		tsUS = l.lastTSUS + 1
	}
	entry := model.StreamEntry{
		Index:       uint64(len(l.entries)) + 1,
		TimestampUS: tsUS,
		Location:    location,
		Keepalive:   keepalive,
	}
	l.entriesMu.Unlock()

	if err := l.append(entry); err != nil {
		return 0, 0, err
	}

	l.entriesMu.Lock()
	l.entries = append(l.entries, entry)
	l.lastTSUS = tsUS
	l.entriesMu.Unlock()
	l.cond.Broadcast()

	return entry.Index, entry.TimestampUS, nil
}

func (l *Log) append(entry model.StreamEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("streamlog: encode entry: %w", err)
	}
	if _, err := l.writer.Write(encoded); err != nil {
		return fmt.Errorf("streamlog: write entry: %w", err)
	}
	if err := l.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("streamlog: write newline: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("streamlog: flush: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("streamlog: sync: %w", err)
	}
	return nil
}

// Size returns the number of entries committed so far.
func (l *Log) Size() uint64 {
	l.entriesMu.RLock()
	defer l.entriesMu.RUnlock()
	return uint64(len(l.entries))
}

// LastIndexAndTimestamp returns the most recently published entry's index
// and timestamp, or ok=false if the log is empty.
func (l *Log) LastIndexAndTimestamp() (index uint64, timestampUS int64, ok bool) {
	l.entriesMu.RLock()
	defer l.entriesMu.RUnlock()
	if len(l.entries) == 0 {
		return 0, 0, false
	}
	last := l.entries[len(l.entries)-1]
	return last.Index, last.TimestampUS, true
}

// Iterate returns a snapshot of the entries with 1-based index in [lo, hi).
// The result is stable even if further entries are appended concurrently:
// it reflects exactly the entries committed at the moment Iterate was
// called, clamped to hi-1 (spec.md §4.1).
func (l *Log) Iterate(lo, hi uint64) []model.StreamEntry {
	l.entriesMu.RLock()
	defer l.entriesMu.RUnlock()

	if lo < 1 {
		lo = 1
	}
	if hi > uint64(len(l.entries))+1 {
		hi = uint64(len(l.entries)) + 1
	}
	if lo >= hi {
		return nil
	}
	out := make([]model.StreamEntry, hi-lo)
	copy(out, l.entries[lo-1:hi-1])
	return out
}

// All returns a snapshot of every entry currently committed.
func (l *Log) All() []model.StreamEntry {
	return l.Iterate(1, l.Size()+1)
}

// Close stops accepting new publishes, wakes every subscriber so they can
// observe the shutdown and exit, and closes the backing file. Subsequent
// Publish calls fail with ErrShuttingDown.
func (l *Log) Close() error {
	l.entriesMu.Lock()
	l.shuttingDown = true
	l.entriesMu.Unlock()
	l.cond.Broadcast()

	l.publishMu.Lock()
	defer l.publishMu.Unlock()
	return l.file.Close()
}
