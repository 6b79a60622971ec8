package transaction

import "fmt"

// ErrTxnAborted is returned for operations on a transaction that is no longer
// active.
type ErrTxnAborted struct {
	TxnID  uint64
	Status Status
}

func (e *ErrTxnAborted) Error() string {
	return fmt.Sprintf("txn %d is %s, not active", e.TxnID, e.Status)
}

// ErrResourceLimit is returned when a configured bound would be exceeded.
type ErrResourceLimit struct {
	Resource string
	Limit    int
}

func (e *ErrResourceLimit) Error() string {
	return fmt.Sprintf("resource limit reached: %s (limit %d)", e.Resource, e.Limit)
}

// ErrReadOnlyTxn is returned when a read-only transaction attempts a write.
type ErrReadOnlyTxn struct {
	TxnID uint64
}

func (e *ErrReadOnlyTxn) Error() string {
	return fmt.Sprintf("txn %d is read-only", e.TxnID)
}

// ErrSavepointNotFound is returned by RollbackTo for an unknown or already
// rolled back savepoint.
type ErrSavepointNotFound struct {
	TxnID uint64
	ID    uint64
}

func (e *ErrSavepointNotFound) Error() string {
	return fmt.Sprintf("txn %d has no savepoint %d", e.TxnID, e.ID)
}

// ErrClosed is returned once the manager has shut down.
type ErrClosed struct{}

func (e *ErrClosed) Error() string { return "transaction manager is closed" }
