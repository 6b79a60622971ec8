package transaction

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinytxn/kv/config"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/deadlock"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/latches"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/locks"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/lockwaiter"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/mvcc"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/recovery"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/si"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
)

// Manager is the transaction core: it owns the timestamp allocator, the
// version store, the lock table, the commit validator, the write-ahead log
// and the durable engine underneath. All transaction operations go through
// it; a Transaction is only a handle.
//
// A single allocator issues both transaction ids and commit timestamps, so
// id order is start order and every commit timestamp exceeds the start
// timestamps issued before it.
type Manager struct {
	cfg     *config.Config
	engine  storage.Engine
	walMgr  *wal.Manager
	store   *mvcc.Store
	valid   *si.Validator
	lockMgr *locks.Manager
	waiters *lockwaiter.Manager
	detect  *deadlock.Detector
	latches *latches.Latches

	tsAlloc *atomic.Uint64

	mu     sync.Mutex
	active map[uint64]*Transaction
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager opens the log, runs crash recovery and starts the background
// detector and vacuum loops. The engine is owned by the manager after this
// call and closed with it.
func NewManager(cfg *config.Config, engine storage.Engine) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	walDir := cfg.WALDir
	if walDir == "" {
		walDir = cfg.DBPath
	}
	walMgr, err := wal.Open(walDir, wal.Options{
		GroupCommitInterval: cfg.GroupCommitInterval,
		BufferSize:          cfg.WALBufferSize,
	})
	if err != nil {
		return nil, err
	}
	recovered, err := recovery.Run(walMgr, engine)
	if err != nil {
		walMgr.Close()
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		engine:  engine,
		walMgr:  walMgr,
		store:   mvcc.NewStore(cfg.MaxVersionsPerKey),
		valid:   si.NewValidator(cfg.CommittedWriteLogCap, cfg.CommittedWriteRetention),
		waiters: lockwaiter.NewManager(),
		latches: latches.NewLatches(),
		tsAlloc: atomic.NewUint64(recovered.MaxTS),
		active:  map[uint64]*Transaction{},
		stopCh:  make(chan struct{}),
	}
	m.lockMgr = locks.NewManager(m.waiters, cfg.LockWaitTimeout)
	m.detect = deadlock.NewDetector(m.lockMgr, m.waiters, cfg.DeadlockDetectInterval, cfg.DeadlockUrgentSize)
	m.lockMgr.OnWait = m.detect.OnWait
	m.detect.Start()

	if cfg.VacuumInterval > 0 {
		m.wg.Add(1)
		go m.vacuumLoop()
	}
	return m, nil
}

// Begin starts a transaction at the given isolation level. The id doubles as
// the start timestamp; the snapshot captures the transactions in flight.
func (m *Manager) Begin(isolation IsolationLevel, readOnly bool) (*Transaction, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, &ErrClosed{}
	}
	if len(m.active) >= m.cfg.MaxActiveTxns {
		m.mu.Unlock()
		return nil, &ErrResourceLimit{Resource: "active transactions", Limit: m.cfg.MaxActiveTxns}
	}
	id := m.tsAlloc.Inc()
	activeSet := make(map[uint64]struct{}, len(m.active))
	for other := range m.active {
		activeSet[other] = struct{}{}
	}
	txn := &Transaction{
		ID:        id,
		StartTS:   id,
		Isolation: isolation,
		ReadOnly:  readOnly,
		status:    StatusActive,
		snapshot: &mvcc.Snapshot{
			TxnID:      id,
			StartTS:    id,
			ActiveTxns: activeSet,
		},
		lastActive: time.Now(),
	}
	if isolation != ReadCommitted && !readOnly {
		txn.readSet = map[string]struct{}{}
	}
	m.active[id] = txn
	m.mu.Unlock()

	lsn, err := m.walMgr.Append(&wal.Record{TxnID: id, Type: wal.RecordBegin})
	if err != nil {
		m.deregister(id)
		return nil, err
	}
	txn.beginLSN = lsn
	txn.lastLSN = lsn
	return txn, nil
}

// currentSnapshot builds a fresh view for a ReadCommitted read.
func (m *Manager) currentSnapshot(selfID uint64) *mvcc.Snapshot {
	m.mu.Lock()
	activeSet := make(map[uint64]struct{}, len(m.active))
	for other := range m.active {
		if other != selfID {
			activeSet[other] = struct{}{}
		}
	}
	m.mu.Unlock()
	return &mvcc.Snapshot{TxnID: selfID, StartTS: m.tsAlloc.Load(), ActiveTxns: activeSet}
}

// Get reads a key under the transaction's isolation level. Keys absent from
// the version store fall through to the checkpointed engine state.
func (m *Manager) Get(txn *Transaction, key []byte) ([]byte, bool, error) {
	if st := txn.Status(); st != StatusActive {
		return nil, false, &ErrTxnAborted{TxnID: txn.ID, Status: st}
	}
	txn.touch()
	snap := txn.snapshot
	if txn.Isolation == ReadCommitted {
		snap = m.currentSnapshot(txn.ID)
	}
	if txn.readSet != nil {
		txn.readSet[string(key)] = struct{}{}
	}
	val, found, hasChain := m.store.Get(string(key), snap)
	if hasChain || found {
		return val, found, nil
	}
	return m.engine.Get(key)
}

// Put writes a key. The exclusive lock is taken before the version is staged
// and held until commit or abort.
func (m *Manager) Put(txn *Transaction, key, value []byte) error {
	return m.write(txn, key, value, false)
}

// Delete stages a tombstone for the key.
func (m *Manager) Delete(txn *Transaction, key []byte) error {
	return m.write(txn, key, nil, true)
}

func (m *Manager) write(txn *Transaction, key, value []byte, tombstone bool) error {
	if st := txn.Status(); st != StatusActive {
		return &ErrTxnAborted{TxnID: txn.ID, Status: st}
	}
	if txn.ReadOnly {
		return &ErrReadOnlyTxn{TxnID: txn.ID}
	}
	txn.touch()

	if err := m.lockMgr.Acquire(txn.ID, key, locks.Exclusive); err != nil {
		if _, ok := err.(*locks.ErrDeadlock); ok {
			// the victim cannot make progress; roll it back so the cycle
			// partners can
			m.Abort(txn)
		}
		return err
	}

	before, beforeTombstone := m.latestImage(txn, key)
	slot, err := m.store.StageWrite(txn.ID, string(key), value, tombstone)
	if err != nil {
		if limitErr, ok := err.(*mvcc.ErrVersionLimit); ok {
			return &ErrResourceLimit{Resource: "versions of key " + limitErr.Key, Limit: limitErr.Limit}
		}
		return err
	}
	payload := wal.UpdatePayload{
		Key:             key,
		Before:          before,
		After:           value,
		BeforeTombstone: beforeTombstone,
		Tombstone:       tombstone,
	}
	prev := txn.lastLSN
	lsn, err := m.walMgr.Append(&wal.Record{
		PrevLSN: prev,
		TxnID:   txn.ID,
		Type:    wal.RecordUpdate,
		Payload: payload.Encode(),
	})
	if err != nil {
		m.store.DiscardPending(txn.ID, []mvcc.Ref{{Key: string(key), Slot: slot}})
		return err
	}
	txn.lastLSN = lsn
	txn.writes = append(txn.writes, mvcc.Ref{Key: string(key), Slot: slot})
	txn.undoLog = append(txn.undoLog, undoEntry{
		key:             key,
		before:          before,
		beforeTombstone: beforeTombstone,
		undoNextLSN:     prev,
	})
	return nil
}

// appendCLRs compensates the staged writes at and after the given undo log
// position, newest first. Redo replays a compensation record after the update
// it cancels, so the cancelled range leaves no trace in the recovered engine
// even when the transaction later commits or its abort record is already
// durable.
func (m *Manager) appendCLRs(txn *Transaction, from int) error {
	for i := len(txn.undoLog) - 1; i >= from; i-- {
		entry := txn.undoLog[i]
		payload := wal.UpdatePayload{
			Key:         entry.key,
			After:       entry.before,
			Tombstone:   entry.beforeTombstone,
			UndoNextLSN: entry.undoNextLSN,
		}
		lsn, err := m.walMgr.Append(&wal.Record{
			PrevLSN: txn.lastLSN,
			TxnID:   txn.ID,
			Type:    wal.RecordCLR,
			Payload: payload.Encode(),
		})
		if err != nil {
			return err
		}
		txn.lastLSN = lsn
	}
	return nil
}

// latestImage reads the newest committed (or own pending) state of a key for
// the undo image. The caller holds the exclusive lock, so no other pending
// version can exist.
func (m *Manager) latestImage(txn *Transaction, key []byte) ([]byte, bool) {
	snap := &mvcc.Snapshot{TxnID: txn.ID, StartTS: math.MaxUint64}
	val, found, hasChain := m.store.Get(string(key), snap)
	if hasChain || found {
		return val, !found
	}
	val, found, err := m.engine.Get(key)
	if err != nil || !found {
		return nil, true
	}
	return val, false
}

// Savepoint marks the current write position. Returns the savepoint id.
func (m *Manager) Savepoint(txn *Transaction) (uint64, error) {
	if st := txn.Status(); st != StatusActive {
		return 0, &ErrTxnAborted{TxnID: txn.ID, Status: st}
	}
	txn.touch()
	txn.nextSavepID++
	id := txn.nextSavepID
	txn.savepoints = append(txn.savepoints, savepoint{id: id, writeLen: len(txn.writes)})
	payload := wal.SavepointPayload{ID: id}
	lsn, err := m.walMgr.Append(&wal.Record{
		PrevLSN: txn.lastLSN,
		TxnID:   txn.ID,
		Type:    wal.RecordSavepoint,
		Payload: payload.Encode(),
	})
	if err != nil {
		return 0, err
	}
	txn.lastLSN = lsn
	return id, nil
}

// RollbackTo discards the writes staged after the savepoint. Locks acquired
// since the savepoint stay held; only the staged data is dropped.
func (m *Manager) RollbackTo(txn *Transaction, id uint64) error {
	if st := txn.Status(); st != StatusActive {
		return &ErrTxnAborted{TxnID: txn.ID, Status: st}
	}
	txn.touch()
	idx := -1
	for i, sp := range txn.savepoints {
		if sp.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return &ErrSavepointNotFound{TxnID: txn.ID, ID: id}
	}
	sp := txn.savepoints[idx]
	m.store.DiscardPending(txn.ID, txn.writes[sp.writeLen:])
	// the discarded updates must be compensated in the log too, or redo would
	// replay them when this transaction commits
	if err := m.appendCLRs(txn, sp.writeLen); err != nil {
		return err
	}
	txn.writes = txn.writes[:sp.writeLen]
	txn.undoLog = txn.undoLog[:sp.writeLen]
	txn.savepoints = txn.savepoints[:idx+1]
	payload := wal.SavepointPayload{ID: id}
	lsn, err := m.walMgr.Append(&wal.Record{
		PrevLSN: txn.lastLSN,
		TxnID:   txn.ID,
		Type:    wal.RecordRollbackToSavepoint,
		Payload: payload.Encode(),
	})
	if err != nil {
		return err
	}
	txn.lastLSN = lsn
	return nil
}

// Commit drives the transaction through validation, the durable commit
// record and version publication. The durable commit record is the point of
// no return; everything after it is redo-able from the log.
func (m *Manager) Commit(txn *Transaction) error {
	if err := txn.transition(StatusActive, StatusPreparing); err != nil {
		return err
	}
	txn.touch()
	writeKeys := txn.writeKeys()
	if len(writeKeys) == 0 {
		// read-only commit: nothing to validate or log
		if err := txn.transition(StatusPreparing, StatusCommitted); err != nil {
			return err
		}
		m.lockMgr.ReleaseAll(txn.ID)
		m.deregister(txn.ID)
		return nil
	}

	// Validation and publication form one critical section over the keys the
	// outcome depends on. Two committers whose read and write sets cross hold
	// no common transaction locks, so the latches must cover the read keys
	// too: the later one then validates against the earlier one's published
	// writes instead of racing past the check.
	footprint := writeKeys
	checkSkew := txn.Isolation == Serializable && m.cfg.DetectWriteSkew
	if checkSkew {
		footprint = mergeKeys(writeKeys, txn.readKeys())
	}
	m.latches.WaitForLatches(footprint)

	if err := m.valid.CheckWriteConflicts(txn.ID, txn.StartTS, writeKeys); err != nil {
		m.latches.ReleaseLatches(footprint)
		m.rollback(txn, StatusPreparing)
		return err
	}
	if checkSkew {
		if err := m.valid.CheckWriteSkew(txn.ID, txn.StartTS, txn.readKeys()); err != nil {
			m.latches.ReleaseLatches(footprint)
			m.rollback(txn, StatusPreparing)
			return err
		}
	}

	commitTS := m.tsAlloc.Inc()
	payload := wal.CommitPayload{CommitTS: commitTS}
	lsn, err := m.walMgr.Append(&wal.Record{
		PrevLSN: txn.lastLSN,
		TxnID:   txn.ID,
		Type:    wal.RecordCommit,
		Payload: payload.Encode(),
	})
	if err != nil {
		m.latches.ReleaseLatches(footprint)
		m.rollback(txn, StatusPreparing)
		return err
	}
	txn.lastLSN = lsn
	if m.cfg.SyncOnCommit {
		if err := m.walMgr.Flush(lsn); err != nil {
			m.latches.ReleaseLatches(footprint)
			m.rollback(txn, StatusPreparing)
			return err
		}
	}

	// point of no return: the durable commit record decides the outcome
	m.store.CommitPending(txn.ID, txn.writes, commitTS)
	m.valid.Publish(txn.ID, commitTS, writeKeys)
	m.latches.ReleaseLatches(footprint)

	if err := txn.transition(StatusPreparing, StatusCommitted); err != nil {
		log.Error("commit transition failed after durable commit record",
			zap.Uint64("txn", txn.ID), zap.Error(err))
	}
	m.lockMgr.ReleaseAll(txn.ID)
	m.deregister(txn.ID)
	log.Debug("txn committed", zap.Uint64("txn", txn.ID), zap.Uint64("commitTS", commitTS),
		zap.Int("keys", len(writeKeys)))
	return nil
}

// Abort rolls the transaction back. Idempotent: aborting an already aborted
// transaction is a no-op. Aborting a committed one is an error, and so is
// aborting one that is mid-commit: once Commit took the transaction to
// Preparing, the durable commit record may already exist and only the
// committer decides the outcome.
func (m *Manager) Abort(txn *Transaction) error {
	txn.mu.Lock()
	switch txn.status {
	case StatusAborted:
		txn.mu.Unlock()
		return nil
	case StatusCommitted, StatusPreparing:
		st := txn.status
		txn.mu.Unlock()
		return &ErrTxnAborted{TxnID: txn.ID, Status: st}
	}
	txn.status = StatusAborted
	txn.mu.Unlock()
	m.finishRollback(txn)
	return nil
}

// rollback aborts a transaction known to be in the given state.
func (m *Manager) rollback(txn *Transaction, from Status) {
	if err := txn.transition(from, StatusAborted); err != nil {
		return
	}
	m.finishRollback(txn)
}

func (m *Manager) finishRollback(txn *Transaction) {
	m.lockMgr.CancelWaits(txn.ID)
	m.store.DiscardPending(txn.ID, txn.writes)
	// without the compensation records, redo would replay the aborted updates
	// and undo would skip them (the abort record marks the txn finished); if
	// they cannot be appended the abort record is withheld so recovery still
	// treats the transaction as a loser and undoes it
	if err := m.appendCLRs(txn, 0); err != nil {
		log.Warn("compensation append failed, leaving txn unfinished in the log",
			zap.Uint64("txn", txn.ID), zap.Error(err))
	} else if _, err := m.walMgr.Append(&wal.Record{
		PrevLSN: txn.lastLSN,
		TxnID:   txn.ID,
		Type:    wal.RecordAbort,
	}); err != nil {
		log.Warn("abort record append failed", zap.Uint64("txn", txn.ID), zap.Error(err))
	}
	m.lockMgr.ReleaseAll(txn.ID)
	m.deregister(txn.ID)
}

func (m *Manager) deregister(id uint64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Manager) vacuumLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.VacuumInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.TriggerVacuum()
		}
	}
}

// TriggerVacuum runs one housekeeping pass: abort idle transactions, collect
// unreachable versions, prune the committed-write log.
func (m *Manager) TriggerVacuum() {
	if m.cfg.TxnIdleTimeout > 0 {
		now := time.Now()
		m.mu.Lock()
		var idle []*Transaction
		for _, txn := range m.active {
			if txn.Status() == StatusActive && txn.idleSince(now) > m.cfg.TxnIdleTimeout {
				idle = append(idle, txn)
			}
		}
		m.mu.Unlock()
		for _, txn := range idle {
			log.Warn("aborting idle txn", zap.Uint64("txn", txn.ID),
				zap.Duration("idle", txn.idleSince(now)))
			m.Abort(txn)
		}
	}
	oldest := m.oldestActiveStartTS()
	m.store.GC(oldest)
	m.valid.Prune(oldest)
}

// oldestActiveStartTS is the garbage collection watermark. A snapshot can
// reach below its own start timestamp when a creator in its active set
// committed with a small timestamp, so the watermark also stays below the
// smallest id in any active snapshot's active set.
func (m *Manager) oldestActiveStartTS() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldest := m.tsAlloc.Load()
	for _, txn := range m.active {
		horizon := txn.StartTS
		for id := range txn.snapshot.ActiveTxns {
			if id < horizon {
				horizon = id
			}
		}
		if horizon-1 < oldest {
			oldest = horizon - 1
		}
	}
	return oldest
}

// ForceCheckpoint flushes every committed head into the engine, then writes
// a checkpoint record and reclaims the log prefix no longer needed.
func (m *Manager) ForceCheckpoint() error {
	m.mu.Lock()
	activeIDs := make([]uint64, 0, len(m.active))
	minLSN := m.walMgr.Status().CurrentLSN + 1
	for id, txn := range m.active {
		activeIDs = append(activeIDs, id)
		if txn.beginLSN != 0 && txn.beginLSN < minLSN {
			minLSN = txn.beginLSN
		}
	}
	m.mu.Unlock()

	var entries []storage.Entry
	err := m.store.ForEachCommittedHead(m.tsAlloc.Load(), func(key string, value []byte, tombstone bool, commitTS uint64) error {
		entries = append(entries, storage.Entry{Key: []byte(key), Value: value, Tombstone: tombstone})
		return nil
	})
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		if err := m.engine.WriteBatch(entries); err != nil {
			return errors.Trace(err)
		}
	}
	_, err = m.walMgr.Checkpoint(activeIDs, minLSN)
	return err
}

// TxnInfo describes one active transaction for introspection.
type TxnInfo struct {
	ID        uint64
	StartTS   uint64
	Isolation IsolationLevel
	Status    Status
	Writes    int
	IdleFor   time.Duration
}

// ListActiveTransactions returns the in-flight transactions ordered by id.
func (m *Manager) ListActiveTransactions() []TxnInfo {
	now := time.Now()
	m.mu.Lock()
	infos := make([]TxnInfo, 0, len(m.active))
	for _, txn := range m.active {
		infos = append(infos, TxnInfo{
			ID:        txn.ID,
			StartTS:   txn.StartTS,
			Isolation: txn.Isolation,
			Status:    txn.Status(),
			Writes:    len(txn.writes),
			IdleFor:   txn.idleSince(now),
		})
	}
	m.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// LockWaitGraph exports the current wait-for edges.
func (m *Manager) LockWaitGraph() []locks.Edge {
	return m.lockMgr.WaitForEdges()
}

// MVCCStatus reports version store counters.
func (m *Manager) MVCCStatus() mvcc.Stats {
	return m.store.Stats()
}

// WALStatus reports log positions and sync counters.
func (m *Manager) WALStatus() wal.Status {
	return m.walMgr.Status()
}

// Close aborts nothing: active transactions simply do not survive the
// process. Background loops stop, the log and engine close.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stopCh)
	m.wg.Wait()
	m.detect.Stop()
	err := m.walMgr.Close()
	if cerr := m.engine.Close(); err == nil {
		err = cerr
	}
	return err
}
