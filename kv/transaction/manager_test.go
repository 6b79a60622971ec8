package transaction

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/locks"
)

type testEnv struct {
	mgr    *Manager
	engine *storage.MemEngine
	cfg    *config.Config
	dir    string
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	dir, err := ioutil.TempDir("", "tinytxn-test")
	require.Nil(t, err)
	cfg := config.NewTestConfig()
	cfg.WALDir = dir
	for _, fn := range mutate {
		fn(cfg)
	}
	engine := storage.NewMemEngine()
	mgr, err := NewManager(cfg, engine)
	require.Nil(t, err)
	t.Cleanup(func() {
		mgr.Close()
		os.RemoveAll(dir)
	})
	return &testEnv{mgr: mgr, engine: engine, cfg: cfg, dir: dir}
}

func commitPut(t *testing.T, m *Manager, key, value string) {
	txn, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	require.Nil(t, m.Put(txn, []byte(key), []byte(value)))
	require.Nil(t, m.Commit(txn))
}

func readKey(t *testing.T, m *Manager, txn *Transaction, key string) (string, bool) {
	val, found, err := m.Get(txn, []byte(key))
	require.Nil(t, err)
	return string(val), found
}

func TestRepeatableReadSnapshotIsStable(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr
	commitPut(t, m, "k", "v1")

	reader, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	val, found := readKey(t, m, reader, "k")
	require.True(t, found)
	assert.Equal(t, "v1", val)

	commitPut(t, m, "k", "v2")

	val, found = readKey(t, m, reader, "k")
	require.True(t, found)
	assert.Equal(t, "v1", val, "a later commit must not move the snapshot")
	require.Nil(t, m.Commit(reader))
}

func TestReadCommittedSeesLatest(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr
	commitPut(t, m, "k", "v1")

	reader, err := m.Begin(ReadCommitted, false)
	require.Nil(t, err)
	val, _ := readKey(t, m, reader, "k")
	assert.Equal(t, "v1", val)

	commitPut(t, m, "k", "v2")
	val, _ = readKey(t, m, reader, "k")
	assert.Equal(t, "v2", val)
	require.Nil(t, m.Commit(reader))
}

func TestReadYourOwnWritesAndDeletes(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr
	commitPut(t, m, "k", "committed")

	txn, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	require.Nil(t, m.Put(txn, []byte("k"), []byte("mine")))
	val, found := readKey(t, m, txn, "k")
	require.True(t, found)
	assert.Equal(t, "mine", val)

	require.Nil(t, m.Delete(txn, []byte("k")))
	_, found = readKey(t, m, txn, "k")
	assert.False(t, found, "own tombstone hides the key")

	// other transactions still see the committed value
	other, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	val, found = readKey(t, m, other, "k")
	require.True(t, found)
	assert.Equal(t, "committed", val)
	require.Nil(t, m.Abort(txn))
	require.Nil(t, m.Commit(other))
}

func TestFirstCommitterWins(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr
	commitPut(t, m, "k", "base")

	t1, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	t2, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)

	require.Nil(t, m.Put(t1, []byte("k"), []byte("t1")))
	putDone := make(chan error, 1)
	go func() {
		// blocks on t1's exclusive lock until t1 commits
		putDone <- m.Put(t2, []byte("k"), []byte("t2"))
	}()
	time.Sleep(30 * time.Millisecond)
	require.Nil(t, m.Commit(t1))
	require.Nil(t, <-putDone)

	err = m.Commit(t2)
	require.NotNil(t, err, "the second committer must lose")
	assert.Contains(t, err.Error(), "write conflict")

	check, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	val, _ := readKey(t, m, check, "k")
	assert.Equal(t, "t1", val)
	require.Nil(t, m.Commit(check))
}

func TestWriteSkewDetectedUnderSerializable(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr
	commitPut(t, m, "x", "1")
	commitPut(t, m, "y", "1")

	t1, err := m.Begin(Serializable, false)
	require.Nil(t, err)
	t2, err := m.Begin(Serializable, false)
	require.Nil(t, err)

	readKey(t, m, t1, "x")
	readKey(t, m, t1, "y")
	readKey(t, m, t2, "x")
	readKey(t, m, t2, "y")

	require.Nil(t, m.Put(t1, []byte("y"), []byte("0")))
	require.Nil(t, m.Put(t2, []byte("x"), []byte("0")))

	require.Nil(t, m.Commit(t1))
	err = m.Commit(t2)
	require.NotNil(t, err, "overlapping read/write sets across the snapshot window")
	assert.Contains(t, err.Error(), "write skew")
}

func TestWriteSkewAdmittedWhenDetectionDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.DetectWriteSkew = false })
	m := env.mgr
	commitPut(t, m, "x", "1")
	commitPut(t, m, "y", "1")

	t1, err := m.Begin(Serializable, false)
	require.Nil(t, err)
	t2, err := m.Begin(Serializable, false)
	require.Nil(t, err)
	readKey(t, m, t1, "x")
	readKey(t, m, t2, "y")
	require.Nil(t, m.Put(t1, []byte("y"), []byte("0")))
	require.Nil(t, m.Put(t2, []byte("x"), []byte("0")))
	require.Nil(t, m.Commit(t1))
	assert.Nil(t, m.Commit(t2), "with detection off the anomaly is allowed")
}

func TestBlindWritesNeverFalsePositive(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr

	t1, err := m.Begin(Serializable, false)
	require.Nil(t, err)
	t2, err := m.Begin(Serializable, false)
	require.Nil(t, err)
	require.Nil(t, m.Put(t1, []byte("a"), []byte("1")))
	require.Nil(t, m.Put(t2, []byte("b"), []byte("2")))
	require.Nil(t, m.Commit(t1))
	assert.Nil(t, m.Commit(t2), "disjoint blind writes must both commit")
}

func TestDeadlockVictimAbortedSurvivorCommits(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr

	t1, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	t2, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	require.Nil(t, m.Put(t1, []byte("a"), []byte("1")))
	require.Nil(t, m.Put(t2, []byte("b"), []byte("2")))

	results := make(chan error, 2)
	go func() { results <- m.Put(t1, []byte("b"), []byte("1")) }()
	go func() { results <- m.Put(t2, []byte("a"), []byte("2")) }()

	var deadlocks, oks int
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err == nil {
				oks++
			} else if _, ok := err.(*locks.ErrDeadlock); ok {
				deadlocks++
			} else {
				t.Fatalf("unexpected error %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("deadlock not resolved")
		}
	}
	assert.Equal(t, 1, deadlocks)
	assert.Equal(t, 1, oks)

	// the victim was rolled back automatically; the survivor commits
	for _, txn := range []*Transaction{t1, t2} {
		if txn.Status() == StatusAborted {
			continue
		}
		require.Nil(t, m.Commit(txn))
	}
}

func TestLockWaitTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.LockWaitTimeout = 50 * time.Millisecond })
	m := env.mgr

	t1, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	t2, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	require.Nil(t, m.Put(t1, []byte("k"), []byte("1")))
	err = m.Put(t2, []byte("k"), []byte("2"))
	_, ok := err.(*locks.ErrLockTimeout)
	require.True(t, ok, "got %v", err)

	// the timed out transaction is still usable
	require.Nil(t, m.Commit(t1))
	require.Nil(t, m.Put(t2, []byte("k"), []byte("2")))
	err = m.Commit(t2)
	assert.NotNil(t, err, "t1 committed the key inside t2's window")
}

func TestSavepointRollback(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr

	txn, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	require.Nil(t, m.Put(txn, []byte("a"), []byte("1")))
	sp, err := m.Savepoint(txn)
	require.Nil(t, err)
	require.Nil(t, m.Put(txn, []byte("a"), []byte("2")))
	require.Nil(t, m.Put(txn, []byte("b"), []byte("1")))

	require.Nil(t, m.RollbackTo(txn, sp))
	val, found := readKey(t, m, txn, "a")
	require.True(t, found)
	assert.Equal(t, "1", val)
	_, found = readKey(t, m, txn, "b")
	assert.False(t, found)

	require.Nil(t, m.Commit(txn))
	check, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	val, found = readKey(t, m, check, "a")
	require.True(t, found)
	assert.Equal(t, "1", val)
	_, found = readKey(t, m, check, "b")
	assert.False(t, found)
	require.Nil(t, m.Commit(check))

	assert.IsType(t, &ErrSavepointNotFound{}, m.RollbackTo(check, 99))
}

func TestMaxActiveTxns(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.MaxActiveTxns = 1 })
	m := env.mgr
	txn, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	_, err = m.Begin(RepeatableRead, false)
	assert.IsType(t, &ErrResourceLimit{}, err)
	require.Nil(t, m.Abort(txn))
	_, err = m.Begin(RepeatableRead, false)
	assert.Nil(t, err)
}

func TestReadOnlyTxnRejectsWrites(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr
	txn, err := m.Begin(RepeatableRead, true)
	require.Nil(t, err)
	assert.IsType(t, &ErrReadOnlyTxn{}, m.Put(txn, []byte("k"), []byte("v")))
	assert.Nil(t, m.Commit(txn))
}

func TestAbortIsIdempotentAndDiscardsWrites(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr
	txn, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	require.Nil(t, m.Put(txn, []byte("k"), []byte("v")))
	require.Nil(t, m.Abort(txn))
	require.Nil(t, m.Abort(txn))
	assert.IsType(t, &ErrTxnAborted{}, m.Commit(txn))

	check, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	_, found := readKey(t, m, check, "k")
	assert.False(t, found)
	require.Nil(t, m.Commit(check))
}

func TestCheckpointFlushesCommittedHeads(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr
	commitPut(t, m, "k", "v1")
	commitPut(t, m, "k", "v2")
	commitPut(t, m, "gone", "x")

	txn, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	require.Nil(t, m.Delete(txn, []byte("gone")))
	require.Nil(t, m.Commit(txn))

	require.Nil(t, m.ForceCheckpoint())
	val, found, err := env.engine.Get([]byte("k"))
	require.Nil(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), val)
	_, found, err = env.engine.Get([]byte("gone"))
	require.Nil(t, err)
	assert.False(t, found)
	assert.NotZero(t, m.WALStatus().CheckpointLSN)
}

func TestRestartRecoversCommittedState(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinytxn-restart")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	cfg := config.NewTestConfig()
	cfg.WALDir = dir
	engine := storage.NewMemEngine()

	m, err := NewManager(cfg, engine)
	require.Nil(t, err)
	commitPut(t, m, "durable", "yes")
	loser, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	require.Nil(t, m.Put(loser, []byte("lost"), []byte("no")))
	// simulate a crash: close flushes the log but the loser never commits
	require.Nil(t, m.Close())

	m2, err := NewManager(cfg, engine)
	require.Nil(t, err)
	defer m2.Close()
	txn, err := m2.Begin(RepeatableRead, false)
	require.Nil(t, err)
	val, found := readKey(t, m2, txn, "durable")
	require.True(t, found)
	assert.Equal(t, "yes", val)
	_, found = readKey(t, m2, txn, "lost")
	assert.False(t, found, "uncommitted writes do not survive a restart")
	require.Nil(t, m2.Commit(txn))
}

func TestIntrospection(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr
	t1, err := m.Begin(Serializable, false)
	require.Nil(t, err)
	require.Nil(t, m.Put(t1, []byte("k"), []byte("v")))

	infos := m.ListActiveTransactions()
	require.Len(t, infos, 1)
	assert.Equal(t, t1.ID, infos[0].ID)
	assert.Equal(t, Serializable, infos[0].Isolation)
	assert.Equal(t, 1, infos[0].Writes)

	waiter := mustBegin(t, m)
	go m.Put(waiter, []byte("k"), []byte("w"))
	time.Sleep(50 * time.Millisecond)
	edges := m.LockWaitGraph()
	require.Len(t, edges, 1)
	assert.Equal(t, t1.ID, edges[0].HolderTxn)

	assert.NotZero(t, m.MVCCStatus().Writes)
	assert.NotZero(t, m.WALStatus().CurrentLSN)
	require.Nil(t, m.Commit(t1))
}

func mustBegin(t *testing.T, m *Manager) *Transaction {
	txn, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	return txn
}

func TestAbortedWritesDoNotResurrectOnRestart(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinytxn-abort-restart")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	cfg := config.NewTestConfig()
	cfg.WALDir = dir
	engine := storage.NewMemEngine()

	m, err := NewManager(cfg, engine)
	require.Nil(t, err)
	commitPut(t, m, "k", "committed")
	loser, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	require.Nil(t, m.Put(loser, []byte("k"), []byte("rolled-back")))
	require.Nil(t, m.Abort(loser))
	require.Nil(t, m.Close())

	// redo repeats the aborted update but its compensation record follows, so
	// the recovered state is the committed value
	m2, err := NewManager(cfg, engine)
	require.Nil(t, err)
	defer m2.Close()
	txn, err := m2.Begin(RepeatableRead, false)
	require.Nil(t, err)
	val, found := readKey(t, m2, txn, "k")
	require.True(t, found)
	assert.Equal(t, "committed", val)
	require.Nil(t, m2.Commit(txn))
}

func TestSavepointRollbackHoldsAcrossRestart(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinytxn-savepoint-restart")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	cfg := config.NewTestConfig()
	cfg.WALDir = dir
	engine := storage.NewMemEngine()

	m, err := NewManager(cfg, engine)
	require.Nil(t, err)
	txn, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	require.Nil(t, m.Put(txn, []byte("a"), []byte("keep")))
	sp, err := m.Savepoint(txn)
	require.Nil(t, err)
	require.Nil(t, m.Put(txn, []byte("a"), []byte("discard")))
	require.Nil(t, m.Put(txn, []byte("b"), []byte("discard")))
	require.Nil(t, m.RollbackTo(txn, sp))
	require.Nil(t, m.Commit(txn))
	require.Nil(t, m.Close())

	m2, err := NewManager(cfg, engine)
	require.Nil(t, err)
	defer m2.Close()
	check, err := m2.Begin(RepeatableRead, false)
	require.Nil(t, err)
	val, found := readKey(t, m2, check, "a")
	require.True(t, found)
	assert.Equal(t, "keep", val, "the rolled back overwrite must not reappear after recovery")
	_, found = readKey(t, m2, check, "b")
	assert.False(t, found)
	require.Nil(t, m2.Commit(check))
}

func TestConcurrentWriteSkewOnlyOneCommits(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr

	for round := 0; round < 10; round++ {
		commitPut(t, m, "x", "1")
		commitPut(t, m, "y", "1")

		t1, err := m.Begin(Serializable, false)
		require.Nil(t, err)
		t2, err := m.Begin(Serializable, false)
		require.Nil(t, err)
		readKey(t, m, t1, "x")
		readKey(t, m, t1, "y")
		readKey(t, m, t2, "x")
		readKey(t, m, t2, "y")
		require.Nil(t, m.Put(t1, []byte("y"), []byte("0")))
		require.Nil(t, m.Put(t2, []byte("x"), []byte("0")))

		// both commit at once; crossed read/write sets share no locks, so
		// only commit-time validation stands between them and the anomaly
		results := make(chan error, 2)
		go func() { results <- m.Commit(t1) }()
		go func() { results <- m.Commit(t2) }()
		var failures int
		for i := 0; i < 2; i++ {
			if err := <-results; err != nil {
				assert.Contains(t, err.Error(), "write skew")
				failures++
			}
		}
		require.Equal(t, 1, failures, "round %d: exactly one of the pair must lose", round)
	}
}

func TestAbortRejectedWhileCommitInFlight(t *testing.T) {
	env := newTestEnv(t)
	m := env.mgr

	txn, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	require.Nil(t, m.Put(txn, []byte("k"), []byte("v")))

	// a commit in flight holds the Preparing state; a racing abort must not
	// discard versions the log may already call committed
	require.Nil(t, txn.transition(StatusActive, StatusPreparing))
	err = m.Abort(txn)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "preparing")
	require.Nil(t, txn.transition(StatusPreparing, StatusActive))
	require.Nil(t, m.Commit(txn))

	check, err := m.Begin(RepeatableRead, false)
	require.Nil(t, err)
	val, found := readKey(t, m, check, "k")
	require.True(t, found)
	assert.Equal(t, "v", val)
	require.Nil(t, m.Commit(check))
}
