// Package progress implements the Progress Tracker: crash-safe, low-latency
// checkpoints so dumps and restores can resume after an interruption.
package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"

	"github.com/nimbusdb/dbtools/managedio"
)

// schemaVersion tags the on-disk continue.json layout; the tracker rejects
// files carrying an unrecognized version instead of guessing at a
// migration.
const schemaVersion = 1

// continuationFileName is the sidecar the tracker reads on construction and
// writes on every coalesced flush.
const continuationFileName = "continue.json"

// Record is the Dump Engine's collection-level checkpoint shape.
type Record struct {
	LastFile      string `json:"lastFile,omitempty"`
	LastOffset    int64  `json:"lastOffset"`
	Done          bool   `json:"done"`
	DocumentsSeen int64  `json:"documentsSeen"`
}

// onDiskFile is the top-level continue.json shape, generic over the
// collection-level record type T so dump and restore can each persist
// their own checkpoint shape through the same coalesced-flush machinery.
type onDiskFile[T any] struct {
	Version     int          `json:"version"`
	Collections map[string]T `json:"collections"`
}

// Tracker holds one record of type T per collection and coalesces
// concurrent updates into a single pending flush, the way ProgressTracker's
// _writeQueued flag does. T must round-trip through JSON; dump uses Record,
// restore uses its own {state, bytesAcked} shape.
type Tracker[T any] struct {
	directory *managedio.Directory

	statesMu sync.RWMutex
	states   map[string]T

	writeQueued atomic.Bool
	writeMu     sync.Mutex
}

// NewTracker constructs a Tracker over directory. Unless ignoreExisting is
// set, it rehydrates state from directory's continue.json if present.
func NewTracker[T any](directory *managedio.Directory, ignoreExisting bool) (*Tracker[T], error) {
	t := &Tracker[T]{directory: directory, states: make(map[string]T)}
	if ignoreExisting {
		return t, nil
	}

	exists, err := directory.Exists(continuationFileName, false)
	if err != nil {
		return nil, fmt.Errorf("progress: stat %s: %w", continuationFileName, err)
	}
	if !exists {
		return t, nil
	}

	content, err := directory.SlurpFile(continuationFileName, false)
	if err != nil {
		return nil, fmt.Errorf("progress: read %s: %w", continuationFileName, err)
	}
	if content == "" {
		return t, nil
	}

	var decoded onDiskFile[T]
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return nil, fmt.Errorf("progress: parse %s: %w", continuationFileName, err)
	}
	if decoded.Version != schemaVersion {
		return nil, fmt.Errorf("progress: %s has unsupported schema version %d (want %d)", continuationFileName, decoded.Version, schemaVersion)
	}
	if decoded.Collections != nil {
		t.states = decoded.Collections
	}
	return t, nil
}

// GetStatus returns collectionName's current record, or a zero value if
// none has been recorded yet.
func (t *Tracker[T]) GetStatus(collectionName string) T {
	t.statesMu.RLock()
	defer t.statesMu.RUnlock()
	return t.states[collectionName]
}

// UpdateStatus stores record in memory and triggers a coalesced flush to
// continue.json. The flush runs synchronously on the goroutine whose call
// wins the writeQueued flag, and its error is returned to that caller; no
// background goroutine is involved. At most one flush is ever pending: a caller that
// arrives while a flush is already queued returns immediately, trusting
// that flush to pick up its write since the in-memory map is updated before
// the flag is checked.
func (t *Tracker[T]) UpdateStatus(ctx context.Context, collectionName string, record T) error {
	t.statesMu.Lock()
	t.states[collectionName] = record
	t.statesMu.Unlock()

	if !t.writeQueued.CompareAndSwap(false, true) {
		return nil
	}
	return t.flush()
}

// flush serializes the current in-memory state and writes it out. It always
// clears writeQueued before reading the map, so a write that lands after the
// snapshot is taken finds the flag cleared and flushes again itself rather
// than being lost.
func (t *Tracker[T]) flush() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.statesMu.Lock()
	t.writeQueued.Store(false)
	snapshot := make(map[string]T, len(t.states))
	for k, v := range t.states {
		snapshot[k] = v
	}
	t.statesMu.Unlock()

	encoded, err := json.Marshal(onDiskFile[T]{Version: schemaVersion, Collections: snapshot})
	if err != nil {
		return fmt.Errorf("progress: encode %s: %w", continuationFileName, err)
	}
	return t.directory.SpitFile(continuationFileName, string(encoded), true)
}

// Flush forces an immediate synchronous write of the current state,
// regardless of the coalescing flag. Callers use this at shutdown to
// guarantee durability before exiting.
func (t *Tracker[T]) Flush() error {
	t.writeQueued.Store(true)
	return t.flush()
}
