// Package persistence implements the broker state directory: an atomically
// written registry snapshot, an append-only pending-deliveries log with
// periodic compaction, a directory-scoped advisory lock, and per-agent PTY
// capture logs (spec §4.9).
package persistence

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/agentmesh/brokerd/pkg/brokererr"
	"github.com/agentmesh/brokerd/pkg/types"
)

const (
	stateFileName   = "state.json"
	pendingFileName = "pending.jsonl"
	lockFileName    = "broker.lock"

	// SnapshotDebounce is the minimum interval between successive state.json
	// rewrites triggered by registry churn.
	SnapshotDebounce = 50 * time.Millisecond

	// CompactionSizeTrigger and CompactionInterval together govern when
	// pending.jsonl is compacted: whichever comes first.
	CompactionSizeTrigger = 4 * 1024 * 1024
	CompactionInterval    = 5 * time.Minute

	// RetentionWindow is how long a terminal-state delivery is kept in the
	// compacted log before being garbage-collected.
	RetentionWindow = 24 * time.Hour
)

// AgentSnapshot is one row of the registry snapshot (state.json).
type AgentSnapshot struct {
	Name        string          `json:"name"`
	Runtime     string          `json:"runtime"`
	Pid         int             `json:"pid"`
	Pgid        int             `json:"pgid"`
	SpawnArgs   []string        `json:"spawn_args"`
	Cwd         string          `json:"cwd"`
	ConnectedAt time.Time       `json:"connected_at"`
	Channels    map[string]bool `json:"channels,omitempty"`
}

// PendingRecordKind is the tag on each pending.jsonl line.
type PendingRecordKind string

const (
	RecordEnqueue    PendingRecordKind = "enqueue"
	RecordTransition PendingRecordKind = "transition"
	RecordAck        PendingRecordKind = "ack"
	RecordFail       PendingRecordKind = "fail"
)

// PendingRecord is one line of the append-only delivery log.
type PendingRecord struct {
	Kind      PendingRecordKind      `json:"kind"`
	MessageID string                 `json:"message_id"`
	To        string                 `json:"to,omitempty"`
	At        time.Time              `json:"at"`
	Delivery  *types.PendingDelivery `json:"delivery,omitempty"`
}

// Store owns the broker state directory: the registry snapshot, the
// pending-deliveries log, and the directory lock.
type Store struct {
	dir string

	mu           sync.Mutex
	lockFile     *os.File
	pendingFile  *os.File
	pendingBytes int64

	lastSnapshot   time.Time
	pendingSnapDue bool
}

// Open acquires the directory lock and prepares the state directory for
// use, creating it if necessary. Returns brokererr.KindLockHeld if another
// broker already holds the lock.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, brokererr.Wrap(brokererr.KindIOError, "create state dir", err)
	}

	lf, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindIOError, "open lock file", err)
	}
	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lf.Close()
		return nil, brokererr.Wrap(brokererr.KindLockHeld, "state directory already locked", err)
	}

	pf, err := os.OpenFile(filepath.Join(dir, pendingFileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		_ = lf.Close()
		return nil, brokererr.Wrap(brokererr.KindIOError, "open pending log", err)
	}
	info, err := pf.Stat()
	if err != nil {
		_ = pf.Close()
		_ = lf.Close()
		return nil, brokererr.Wrap(brokererr.KindIOError, "stat pending log", err)
	}

	return &Store{
		dir:          dir,
		lockFile:     lf,
		pendingFile:  pf,
		pendingBytes: info.Size(),
	}, nil
}

// Close releases the directory lock and closes open file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.pendingFile != nil {
		if err := s.pendingFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.lockFile != nil {
		_ = syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
		if err := s.lockFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WriteSnapshot atomically replaces state.json with agents. It always
// writes and does not apply the 50ms debounce itself; callers check
// ShouldSnapshot first to skip writes inside the debounce window.
func (s *Store) WriteSnapshot(agents []AgentSnapshot, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(agents, "", "  ")
	if err != nil {
		return brokererr.Wrap(brokererr.KindInternal, "marshal registry snapshot", err)
	}

	target := filepath.Join(s.dir, stateFileName)
	if err := writeFileAtomic(target, data, 0o600); err != nil {
		return err
	}
	s.lastSnapshot = now
	return nil
}

// ShouldSnapshot reports whether at least SnapshotDebounce has elapsed
// since the last successful WriteSnapshot.
func (s *Store) ShouldSnapshot(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSnapshot) >= SnapshotDebounce
}

// LoadSnapshot reads state.json, returning an empty slice if it doesn't
// exist yet (first run).
func LoadSnapshot(dir string) ([]AgentSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindIOError, "read registry snapshot", err)
	}
	var agents []AgentSnapshot
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, brokererr.Wrap(brokererr.KindIOError, "parse registry snapshot", err)
	}
	return agents, nil
}

// AppendPending appends one record to pending.jsonl.
func (s *Store) AppendPending(rec PendingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return brokererr.Wrap(brokererr.KindInternal, "marshal pending record", err)
	}
	line = append(line, '\n')

	n, err := s.pendingFile.Write(line)
	if err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "append pending record", err)
	}
	s.pendingBytes += int64(n)
	return nil
}

// PendingLogSize reports the current size of pending.jsonl in bytes.
func (s *Store) PendingLogSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingBytes
}

// ReplayPending reads every record in pending.jsonl in order, calling fn for
// each. Used at startup to reconstruct in-flight deliveries.
func ReplayPending(dir string, fn func(PendingRecord) error) error {
	f, err := os.Open(filepath.Join(dir, pendingFileName))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "open pending log", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec PendingRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // a torn final line from a crash mid-write; skip it
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "scan pending log", err)
	}
	return nil
}

// Compact rewrites pending.jsonl keeping only non-terminal deliveries and
// terminal deliveries younger than RetentionWindow, dropping everything
// else. live is the caller's current view of delivery records (built from
// replay plus in-memory state), keyed by message id.
func (s *Store) Compact(live map[string]*types.PendingDelivery, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]PendingRecord, 0, len(live))
	for id, d := range live {
		if d.Terminal() && now.Sub(d.EnqueuedAt) > RetentionWindow {
			continue
		}
		kept = append(kept, PendingRecord{
			Kind:      RecordTransition,
			MessageID: id,
			At:        now,
			Delivery:  d,
		})
	}

	data := make([]byte, 0, len(kept)*128)
	for _, rec := range kept {
		line, err := json.Marshal(rec)
		if err != nil {
			return brokererr.Wrap(brokererr.KindInternal, "marshal compacted record", err)
		}
		data = append(data, line...)
		data = append(data, '\n')
	}

	target := filepath.Join(s.dir, pendingFileName)
	if err := writeFileAtomic(target, data, 0o600); err != nil {
		return err
	}

	if err := s.pendingFile.Close(); err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "close pending log before reopen", err)
	}
	pf, err := os.OpenFile(target, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "reopen pending log after compaction", err)
	}
	s.pendingFile = pf
	s.pendingBytes = int64(len(data))
	return nil
}

// NeedsCompaction reports whether the log has grown past the size trigger,
// or the interval trigger has elapsed since last.
func NeedsCompaction(logSize int64, lastCompaction time.Time, now time.Time) bool {
	return logSize >= CompactionSizeTrigger || now.Sub(lastCompaction) >= CompactionInterval
}

// writeFileAtomic writes data to a temp file in target's directory, fsyncs,
// then renames over target.
func writeFileAtomic(target string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return brokererr.Wrap(brokererr.KindIOError, "create temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return brokererr.Wrap(brokererr.KindIOError, "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return brokererr.Wrap(brokererr.KindIOError, "fsync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return brokererr.Wrap(brokererr.KindIOError, "close temp file", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return brokererr.Wrap(brokererr.KindIOError, "chmod temp file", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return brokererr.Wrap(brokererr.KindIOError, "rename temp file", err)
	}
	return nil
}
