package mvcc

import "fmt"

// Version is one entry in a key's chain. CommitTS is zero while the creating
// transaction is still in flight and is stamped only after that transaction's
// commit record is durable.
type Version struct {
	Creator   uint64
	CommitTS  uint64
	Value     []byte
	Tombstone bool
	// Prev is the slot of the previous version, -1 for the oldest.
	Prev int
	dead bool
}

// Ref names a version by position instead of pointer, so garbage collection
// is a watermark advance rather than a pointer-graph traversal.
type Ref struct {
	Key  string
	Slot int
}

// Snapshot is a transaction's fixed view: its start timestamp plus the set of
// transactions that were active (uncommitted) when it began. It never changes
// after creation.
type Snapshot struct {
	TxnID      uint64
	StartTS    uint64
	ActiveTxns map[uint64]struct{}
}

// Visible applies the snapshot rule: the version must be committed at or
// before StartTS by a transaction not active at snapshot time. A
// transaction's own writes are always visible to itself.
func (s *Snapshot) Visible(v *Version) bool {
	if v.dead {
		return false
	}
	if v.Creator == s.TxnID {
		return true
	}
	if v.CommitTS == 0 || v.CommitTS > s.StartTS {
		return false
	}
	_, wasActive := s.ActiveTxns[v.Creator]
	return !wasActive
}

// ErrVersionLimit is returned when a key's chain is full.
type ErrVersionLimit struct {
	Key   string
	Limit int
}

func (e *ErrVersionLimit) Error() string {
	return fmt.Sprintf("too many versions for key %q (limit %d)", e.Key, e.Limit)
}
