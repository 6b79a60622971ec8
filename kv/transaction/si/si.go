package si

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// ErrWriteConflict means another transaction committed a write to one of this
// transaction's write keys after this transaction's snapshot was taken. The
// first committer wins; this one must abort.
type ErrWriteConflict struct {
	TxnID       uint64
	Key         string
	CommittedBy uint64
	CommitTS    uint64
}

func (e *ErrWriteConflict) Error() string {
	return fmt.Sprintf("write conflict: txn %d writes key %q already committed by txn %d at ts %d",
		e.TxnID, e.Key, e.CommittedBy, e.CommitTS)
}

// ErrWriteSkew means a key this transaction read was overwritten by a commit
// that happened after its snapshot, so the read no longer reflects the state
// the transaction acted on.
type ErrWriteSkew struct {
	TxnID       uint64
	Key         string
	CommittedBy uint64
	CommitTS    uint64
}

func (e *ErrWriteSkew) Error() string {
	return fmt.Sprintf("write skew: txn %d read key %q overwritten by txn %d at ts %d",
		e.TxnID, e.Key, e.CommittedBy, e.CommitTS)
}

// ErrValidationWindowLost means the committed-write log no longer covers the
// transaction's snapshot window, so validation cannot prove absence of
// conflicts. The transaction is aborted rather than risk a silent anomaly.
type ErrValidationWindowLost struct {
	TxnID         uint64
	StartTS       uint64
	PrunedThrough uint64
}

func (e *ErrValidationWindowLost) Error() string {
	return fmt.Sprintf("validation window lost: txn %d started at ts %d but the commit log is pruned through ts %d",
		e.TxnID, e.StartTS, e.PrunedThrough)
}

type commitRecord struct {
	commitTS uint64
	txnID    uint64
	at       time.Time
	keys     map[string]struct{}
}

func (r *commitRecord) Less(than btree.Item) bool {
	o := than.(*commitRecord)
	if r.commitTS != o.commitTS {
		return r.commitTS < o.commitTS
	}
	return r.txnID < o.txnID
}

// Validator is the sole commit-time validation path. It keeps a bounded,
// commit-timestamp-ordered log of recently committed write sets and checks a
// committing transaction's write keys (and, under serializable isolation,
// read keys) against every commit that landed inside its snapshot window.
type Validator struct {
	mu        sync.Mutex
	records   *btree.BTree
	entries   int
	capacity  int
	retention time.Duration
	// prunedThrough is the highest commit timestamp ever evicted; windows
	// reaching below it cannot be validated.
	prunedThrough uint64
}

func NewValidator(capacity int, retention time.Duration) *Validator {
	return &Validator{
		records:   btree.New(16),
		capacity:  capacity,
		retention: retention,
	}
}

// windowLocked collects the records with commitTS > startTS. Returns an error
// when the log no longer reaches back to startTS.
func (v *Validator) windowLocked(txnID, startTS uint64) ([]*commitRecord, error) {
	if startTS < v.prunedThrough {
		return nil, &ErrValidationWindowLost{TxnID: txnID, StartTS: startTS, PrunedThrough: v.prunedThrough}
	}
	var window []*commitRecord
	v.records.AscendGreaterOrEqual(&commitRecord{commitTS: startTS + 1}, func(item btree.Item) bool {
		window = append(window, item.(*commitRecord))
		return true
	})
	return window, nil
}

// CheckWriteConflicts enforces first-committer-wins: any write key of this
// transaction that was committed by someone else after startTS is a conflict.
// A transaction with no write keys trivially passes.
func (v *Validator) CheckWriteConflicts(txnID, startTS uint64, writeKeys []string) error {
	if len(writeKeys) == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	window, err := v.windowLocked(txnID, startTS)
	if err != nil {
		return err
	}
	for _, rec := range window {
		for _, key := range writeKeys {
			if _, ok := rec.keys[key]; ok {
				return &ErrWriteConflict{TxnID: txnID, Key: key, CommittedBy: rec.txnID, CommitTS: rec.commitTS}
			}
		}
	}
	return nil
}

// CheckWriteSkew checks the transaction's read keys against the window. Blind
// writers (empty read set) trivially pass.
func (v *Validator) CheckWriteSkew(txnID, startTS uint64, readKeys []string) error {
	if len(readKeys) == 0 {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	window, err := v.windowLocked(txnID, startTS)
	if err != nil {
		return err
	}
	for _, rec := range window {
		for _, key := range readKeys {
			if _, ok := rec.keys[key]; ok {
				return &ErrWriteSkew{TxnID: txnID, Key: key, CommittedBy: rec.txnID, CommitTS: rec.commitTS}
			}
		}
	}
	return nil
}

// Publish records a committed write set. Must be called after the commit
// timestamp is assigned and before the transaction's locks are released, so
// no later committer can miss it.
func (v *Validator) Publish(txnID, commitTS uint64, writeKeys []string) {
	if len(writeKeys) == 0 {
		return
	}
	rec := &commitRecord{
		commitTS: commitTS,
		txnID:    txnID,
		at:       time.Now(),
		keys:     make(map[string]struct{}, len(writeKeys)),
	}
	for _, key := range writeKeys {
		rec.keys[key] = struct{}{}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.records.ReplaceOrInsert(rec) == nil {
		v.entries++
	}
	v.evictLocked()
}

// Prune drops records no active transaction's window can still reach:
// everything committed at or before the oldest active start timestamp, plus
// anything past the retention limit.
func (v *Validator) Prune(oldestActiveStartTS uint64) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	cutoff := time.Now().Add(-v.retention)
	dropped := 0
	for v.records.Len() > 0 {
		min := v.records.Min().(*commitRecord)
		if min.commitTS > oldestActiveStartTS && !min.at.Before(cutoff) {
			break
		}
		v.dropMinLocked()
		dropped++
	}
	return dropped
}

// evictLocked enforces the entry cap by dropping the oldest commits. Eviction
// advances prunedThrough, which may abort stragglers whose windows reached
// that far back.
func (v *Validator) evictLocked() {
	for v.entries > v.capacity && v.records.Len() > 0 {
		rec := v.dropMinLocked()
		log.Warn("commit log over capacity, evicting",
			zap.Uint64("commitTS", rec.commitTS), zap.Uint64("txn", rec.txnID))
	}
}

func (v *Validator) dropMinLocked() *commitRecord {
	rec := v.records.DeleteMin().(*commitRecord)
	v.entries--
	if rec.commitTS > v.prunedThrough {
		v.prunedThrough = rec.commitTS
	}
	return rec
}

// Len reports the number of retained commit records.
func (v *Validator) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.entries
}
