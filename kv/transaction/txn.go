package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
)

// IsolationLevel selects how much history a transaction may observe.
type IsolationLevel int

const (
	// ReadCommitted takes a fresh snapshot for every read.
	ReadCommitted IsolationLevel = iota
	// RepeatableRead reads from the snapshot taken at Begin.
	RepeatableRead
	// Serializable is RepeatableRead plus commit-time write-skew validation.
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "read-committed"
	case RepeatableRead:
		return "repeatable-read"
	case Serializable:
		return "serializable"
	}
	return fmt.Sprintf("isolation(%d)", int(l))
}

// Status is a transaction's lifecycle state. Transitions are one-way:
// Active -> Preparing -> Committed, or any pre-commit state -> Aborted.
type Status int

const (
	StatusActive Status = iota
	StatusPreparing
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusPreparing:
		return "preparing"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

type savepoint struct {
	id       uint64
	writeLen int
}

// undoEntry carries what a compensation record needs to cancel one staged
// write: the pre-image and the log position the undo continues from.
type undoEntry struct {
	key             []byte
	before          []byte
	beforeTombstone bool
	undoNextLSN     uint64
}

// Transaction is a handle into the manager. The id doubles as the start
// timestamp; both come from the same allocator, so id order is start order.
type Transaction struct {
	ID        uint64
	StartTS   uint64
	Isolation IsolationLevel
	ReadOnly  bool

	mu     sync.Mutex
	status Status

	// snapshot is fixed for RepeatableRead/Serializable; ReadCommitted
	// replaces it on every read.
	snapshot *mvcc.Snapshot

	// writes are the staged versions in operation order; undoLog grows in
	// lockstep with one entry per write; readSet covers every key read (not
	// recorded under ReadCommitted).
	writes  []mvcc.Ref
	undoLog []undoEntry
	readSet map[string]struct{}

	savepoints  []savepoint
	nextSavepID uint64

	beginLSN uint64
	lastLSN  uint64

	lastActive time.Time
}

func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// transition moves the status from one state to the next, failing when the
// transaction already left the expected state.
func (t *Transaction) transition(from, to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != from {
		return &ErrTxnAborted{TxnID: t.ID, Status: t.status}
	}
	t.status = to
	return nil
}

func (t *Transaction) touch() {
	t.mu.Lock()
	t.lastActive = time.Now()
	t.mu.Unlock()
}

func (t *Transaction) idleSince(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return now.Sub(t.lastActive)
}

// writeKeys returns the distinct keys of the staged write set.
func (t *Transaction) writeKeys() []string {
	seen := make(map[string]struct{}, len(t.writes))
	keys := make([]string, 0, len(t.writes))
	for _, ref := range t.writes {
		if _, ok := seen[ref.Key]; ok {
			continue
		}
		seen[ref.Key] = struct{}{}
		keys = append(keys, ref.Key)
	}
	return keys
}

func (t *Transaction) readKeys() []string {
	keys := make([]string, 0, len(t.readSet))
	for key := range t.readSet {
		keys = append(keys, key)
	}
	return keys
}

// mergeKeys unions two key slices without duplicates.
func mergeKeys(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, keys := range [][]string{a, b} {
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, key)
		}
	}
	return merged
}
