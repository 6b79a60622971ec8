package recovery

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
)

func openTestWAL(t *testing.T) (*wal.Manager, string) {
	dir, err := ioutil.TempDir("", "tinytxn-recovery")
	require.Nil(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	w, err := wal.Open(dir, wal.Options{})
	require.Nil(t, err)
	return w, dir
}

func appendUpdate(t *testing.T, w *wal.Manager, txnID, prevLSN uint64, key, before, after string, beforeTombstone bool) uint64 {
	payload := wal.UpdatePayload{
		Key:             []byte(key),
		Before:          []byte(before),
		After:           []byte(after),
		BeforeTombstone: beforeTombstone,
	}
	lsn, err := w.Append(&wal.Record{
		PrevLSN: prevLSN,
		TxnID:   txnID,
		Type:    wal.RecordUpdate,
		Payload: payload.Encode(),
	})
	require.Nil(t, err)
	return lsn
}

func appendBegin(t *testing.T, w *wal.Manager, txnID uint64) uint64 {
	lsn, err := w.Append(&wal.Record{TxnID: txnID, Type: wal.RecordBegin})
	require.Nil(t, err)
	return lsn
}

func appendCommit(t *testing.T, w *wal.Manager, txnID, prevLSN, commitTS uint64) {
	payload := wal.CommitPayload{CommitTS: commitTS}
	_, err := w.Append(&wal.Record{
		PrevLSN: prevLSN,
		TxnID:   txnID,
		Type:    wal.RecordCommit,
		Payload: payload.Encode(),
	})
	require.Nil(t, err)
}

func engineValue(t *testing.T, e storage.Engine, key string) (string, bool) {
	val, found, err := e.Get([]byte(key))
	require.Nil(t, err)
	return string(val), found
}

func TestRedoCommittedTransaction(t *testing.T) {
	w, _ := openTestWAL(t)
	begin := appendBegin(t, w, 1)
	u1 := appendUpdate(t, w, 1, begin, "a", "", "a1", true)
	u2 := appendUpdate(t, w, 1, u1, "b", "", "b1", true)
	appendCommit(t, w, 1, u2, 10)
	require.Nil(t, w.Flush(w.Status().CurrentLSN))

	engine := storage.NewMemEngine()
	res, err := Run(w, engine)
	require.Nil(t, err)
	assert.Equal(t, uint64(10), res.MaxTS)
	assert.Empty(t, res.UndoneTxns)

	val, found := engineValue(t, engine, "a")
	require.True(t, found)
	assert.Equal(t, "a1", val)
	val, found = engineValue(t, engine, "b")
	require.True(t, found)
	assert.Equal(t, "b1", val)
	require.Nil(t, w.Close())
}

func TestUndoLoserRestoresBeforeImages(t *testing.T) {
	w, _ := openTestWAL(t)
	// winner sets a=old and commits
	begin := appendBegin(t, w, 1)
	u := appendUpdate(t, w, 1, begin, "a", "", "old", true)
	appendCommit(t, w, 1, u, 5)
	// loser overwrites a and creates b, never commits
	begin2 := appendBegin(t, w, 2)
	l1 := appendUpdate(t, w, 2, begin2, "a", "old", "dirty", false)
	appendUpdate(t, w, 2, l1, "b", "", "dirty", true)
	require.Nil(t, w.Flush(w.Status().CurrentLSN))

	engine := storage.NewMemEngine()
	res, err := Run(w, engine)
	require.Nil(t, err)
	assert.Equal(t, []uint64{2}, res.UndoneTxns)

	val, found := engineValue(t, engine, "a")
	require.True(t, found)
	assert.Equal(t, "old", val, "the loser's overwrite is rolled back")
	_, found = engineValue(t, engine, "b")
	assert.False(t, found, "the loser's insert is rolled back to absent")

	// the log now carries compensation records and an abort for the loser
	records, truncated, err := w.ReadFrom(0)
	require.Nil(t, err)
	require.False(t, truncated)
	var clrs, aborts int
	for _, rec := range records {
		if rec.TxnID != 2 {
			continue
		}
		switch rec.Type {
		case wal.RecordCLR:
			clrs++
		case wal.RecordAbort:
			aborts++
		}
	}
	assert.Equal(t, 2, clrs)
	assert.Equal(t, 1, aborts)
	require.Nil(t, w.Close())
}

func TestRecoveryIsIdempotent(t *testing.T) {
	w, dir := openTestWAL(t)
	begin := appendBegin(t, w, 1)
	u := appendUpdate(t, w, 1, begin, "a", "", "committed", true)
	appendCommit(t, w, 1, u, 7)
	begin2 := appendBegin(t, w, 2)
	appendUpdate(t, w, 2, begin2, "a", "committed", "dirty", false)
	require.Nil(t, w.Close())

	engine := storage.NewMemEngine()
	w1, err := wal.Open(dir, wal.Options{})
	require.Nil(t, err)
	_, err = Run(w1, engine)
	require.Nil(t, err)
	require.Nil(t, w1.Close())
	val, _ := engineValue(t, engine, "a")
	assert.Equal(t, "committed", val)

	// a second crash-and-recover sees the compensation records and changes nothing
	w2, err := wal.Open(dir, wal.Options{})
	require.Nil(t, err)
	res, err := Run(w2, engine)
	require.Nil(t, err)
	assert.Empty(t, res.UndoneTxns, "the loser was already finished by the first run")
	val, _ = engineValue(t, engine, "a")
	assert.Equal(t, "committed", val)
	require.Nil(t, w2.Close())
}

func TestCompensatedAbortKeepsCommittedState(t *testing.T) {
	w, _ := openTestWAL(t)
	begin := appendBegin(t, w, 1)
	u := appendUpdate(t, w, 1, begin, "k", "", "committed", true)
	appendCommit(t, w, 1, u, 4)
	// txn 2 aborted before the crash: its update is followed by a
	// compensation record and an abort record, the shape a live rollback
	// leaves in the log
	begin2 := appendBegin(t, w, 2)
	u2 := appendUpdate(t, w, 2, begin2, "k", "committed", "dirty", false)
	clr := wal.UpdatePayload{Key: []byte("k"), After: []byte("committed"), UndoNextLSN: begin2}
	clrLSN, err := w.Append(&wal.Record{PrevLSN: u2, TxnID: 2, Type: wal.RecordCLR, Payload: clr.Encode()})
	require.Nil(t, err)
	_, err = w.Append(&wal.Record{PrevLSN: clrLSN, TxnID: 2, Type: wal.RecordAbort})
	require.Nil(t, err)
	require.Nil(t, w.Flush(w.Status().CurrentLSN))

	engine := storage.NewMemEngine()
	res, err := Run(w, engine)
	require.Nil(t, err)
	assert.Empty(t, res.UndoneTxns, "an aborted txn is finished, not a loser")
	val, found := engineValue(t, engine, "k")
	require.True(t, found)
	assert.Equal(t, "committed", val, "redo of the aborted update is cancelled by its compensation record")
	require.Nil(t, w.Close())
}

func TestDurabilityBoundary(t *testing.T) {
	w, _ := openTestWAL(t)
	// txn 1 committed, txn 2 reached the update but its commit record never
	// became durable: exactly the state after a crash between the two
	begin := appendBegin(t, w, 1)
	u := appendUpdate(t, w, 1, begin, "k", "", "v1", true)
	appendCommit(t, w, 1, u, 3)
	begin2 := appendBegin(t, w, 2)
	appendUpdate(t, w, 2, begin2, "k", "v1", "v2", false)
	require.Nil(t, w.Flush(w.Status().CurrentLSN))

	engine := storage.NewMemEngine()
	res, err := Run(w, engine)
	require.Nil(t, err)
	assert.Equal(t, []uint64{2}, res.UndoneTxns)
	val, found := engineValue(t, engine, "k")
	require.True(t, found)
	assert.Equal(t, "v1", val, "only the durable commit survives")
	require.Nil(t, w.Close())
}
