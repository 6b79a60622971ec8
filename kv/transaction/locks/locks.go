package locks

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinytxn/kv/transaction/lockwaiter"
)

// Mode is a multigranularity lock mode.
type Mode int

const (
	Shared Mode = iota
	Exclusive
	IntentionShared
	IntentionExclusive
	SharedIntentionExclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "S"
	case Exclusive:
		return "X"
	case IntentionShared:
		return "IS"
	case IntentionExclusive:
		return "IX"
	case SharedIntentionExclusive:
		return "SIX"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Compatible implements the standard multigranularity matrix.
func (m Mode) Compatible(other Mode) bool {
	switch m {
	case Shared:
		return other == Shared || other == IntentionShared
	case Exclusive:
		return false
	case IntentionShared:
		return other != Exclusive
	case IntentionExclusive:
		return other == IntentionShared || other == IntentionExclusive
	case SharedIntentionExclusive:
		return other == IntentionShared
	}
	return false
}

// covers reports whether holding m already satisfies a request for want.
func (m Mode) covers(want Mode) bool {
	if m == want || m == Exclusive {
		return true
	}
	if m == SharedIntentionExclusive && want != Exclusive {
		return true
	}
	if m == Shared && want == IntentionShared {
		return true
	}
	if m == IntentionExclusive && want == IntentionShared {
		return true
	}
	return false
}

// merge is the weakest mode covering both held and want, for upgrades.
func merge(held, want Mode) Mode {
	if held.covers(want) {
		return held
	}
	if want.covers(held) {
		return want
	}
	// S+IX in either order is precisely SIX; anything else escalates to X.
	if (held == Shared && want == IntentionExclusive) ||
		(held == IntentionExclusive && want == Shared) {
		return SharedIntentionExclusive
	}
	return Exclusive
}

// ErrLockTimeout is returned when the wait bound elapses before a grant.
type ErrLockTimeout struct {
	Resource []byte
	TxnID    uint64
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("lock wait timeout, txn %d on key %q", e.TxnID, e.Resource)
}

// ErrDeadlock is returned when the detector picks the caller as victim.
type ErrDeadlock struct {
	Resource   []byte
	TxnID      uint64
	WaitForTxn uint64
	KeyHash    uint64
}

func (e *ErrDeadlock) Error() string {
	return fmt.Sprintf("deadlock, txn %d waiting for txn %d on key %q", e.TxnID, e.WaitForTxn, e.Resource)
}

// ErrAbortedWhileWaiting is returned when the waiting transaction was aborted.
type ErrAbortedWhileWaiting struct {
	TxnID uint64
}

func (e *ErrAbortedWhileWaiting) Error() string {
	return fmt.Sprintf("txn %d aborted while waiting for a lock", e.TxnID)
}

type request struct {
	txnID   uint64
	mode    Mode
	upgrade bool
	waiter  *lockwaiter.Waiter
	granted bool
}

type lockState struct {
	holders map[uint64]Mode
	queue   []*request
}

func (ls *lockState) compatibleWithHolders(txnID uint64, mode Mode) bool {
	for holder, held := range ls.holders {
		if holder == txnID {
			continue
		}
		if !mode.Compatible(held) {
			return false
		}
	}
	return true
}

func (ls *lockState) removeRequest(r *request) {
	for i, cur := range ls.queue {
		if cur == r {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			return
		}
	}
}

const shardCount = 64

type shard struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

// Edge is one wait-for relation derived from a wait queue. Never persisted;
// the deadlock detector recomputes these on demand.
type Edge struct {
	WaiterTxn uint64
	HolderTxn uint64
	KeyHash   uint64
	Resource  string
}

// Manager is the resource-keyed lock table. Independent keys proceed through
// independent shards; a single key's grant order is FIFO, except that a holder
// upgrading jumps ahead of new waiters to avoid starvation.
type Manager struct {
	shards  [shardCount]shard
	waiters *lockwaiter.Manager

	heldMu sync.Mutex
	held   map[uint64]map[string]struct{}

	timeout time.Duration

	// OnWait runs after a request suspends, with the total suspended count;
	// wired to the deadlock detector's opportunistic trigger.
	OnWait func(waiting int)

	waitingMu sync.Mutex
	waiting   int
}

func NewManager(waiters *lockwaiter.Manager, timeout time.Duration) *Manager {
	m := &Manager{
		waiters: waiters,
		held:    map[uint64]map[string]struct{}{},
		timeout: timeout,
	}
	for i := range m.shards {
		m.shards[i].locks = map[string]*lockState{}
	}
	return m
}

func (m *Manager) shard(resource string) *shard {
	return &m.shards[farm.Fingerprint64([]byte(resource))%shardCount]
}

func (m *Manager) recordHeld(txnID uint64, resource string) {
	m.heldMu.Lock()
	set := m.held[txnID]
	if set == nil {
		set = map[string]struct{}{}
		m.held[txnID] = set
	}
	set[resource] = struct{}{}
	m.heldMu.Unlock()
}

func (m *Manager) dropHeld(txnID uint64, resource string) {
	m.heldMu.Lock()
	if set := m.held[txnID]; set != nil {
		delete(set, resource)
		if len(set) == 0 {
			delete(m.held, txnID)
		}
	}
	m.heldMu.Unlock()
}

// Acquire grants immediately when compatible, otherwise suspends the caller
// until granted, timed out, aborted, or selected as a deadlock victim. A
// request by a transaction already holding the resource is an upgrade and is
// queued ahead of new waiters.
func (m *Manager) Acquire(txnID uint64, resource []byte, mode Mode) error {
	res := string(resource)
	keyHash := farm.Fingerprint64(resource)
	s := m.shard(res)

	s.mu.Lock()
	ls := s.locks[res]
	if ls == nil {
		ls = &lockState{holders: map[uint64]Mode{}}
		s.locks[res] = ls
	}
	req := &request{txnID: txnID, mode: mode}
	if held, ok := ls.holders[txnID]; ok {
		if held.covers(mode) {
			s.mu.Unlock()
			return nil
		}
		target := merge(held, mode)
		if ls.compatibleWithHolders(txnID, target) {
			ls.holders[txnID] = target
			s.mu.Unlock()
			return nil
		}
		req.mode = target
		req.upgrade = true
		// upgrades go ahead of plain waiters, behind earlier upgrades
		pos := 0
		for pos < len(ls.queue) && ls.queue[pos].upgrade {
			pos++
		}
		ls.queue = append(ls.queue, nil)
		copy(ls.queue[pos+1:], ls.queue[pos:])
		ls.queue[pos] = req
	} else {
		if len(ls.queue) == 0 && ls.compatibleWithHolders(txnID, mode) {
			ls.holders[txnID] = mode
			s.mu.Unlock()
			m.recordHeld(txnID, res)
			return nil
		}
		ls.queue = append(ls.queue, req)
	}
	waiter := m.waiters.NewWaiter(txnID, keyHash, m.timeout)
	req.waiter = waiter
	s.mu.Unlock()

	m.waitingMu.Lock()
	m.waiting++
	waiting := m.waiting
	m.waitingMu.Unlock()
	if m.OnWait != nil {
		m.OnWait(waiting)
	}

	result := waiter.Wait()
	m.waiters.CleanUp(waiter)
	m.waitingMu.Lock()
	m.waiting--
	m.waitingMu.Unlock()

	switch result.Result {
	case lockwaiter.Granted:
		return nil
	case lockwaiter.WaitTimeout:
		s.mu.Lock()
		if req.granted {
			s.mu.Unlock()
			return nil
		}
		ls.removeRequest(req)
		s.mu.Unlock()
		log.Warn("lock wait timed out", zap.Uint64("txn", txnID), zap.Binary("key", resource))
		return &ErrLockTimeout{Resource: resource, TxnID: txnID}
	case lockwaiter.Deadlock:
		m.cancelRequest(s, ls, res, req)
		return &ErrDeadlock{
			Resource:   resource,
			TxnID:      txnID,
			WaitForTxn: result.WaitForTxn,
			KeyHash:    result.KeyHash,
		}
	default: // lockwaiter.Aborted
		m.cancelRequest(s, ls, res, req)
		return &ErrAbortedWhileWaiting{TxnID: txnID}
	}
}

// cancelRequest drops a failed request; if a racing grant already succeeded,
// the grant is rolled back and the next waiter woken.
func (m *Manager) cancelRequest(s *shard, ls *lockState, res string, req *request) {
	s.mu.Lock()
	if req.granted {
		if !req.upgrade {
			delete(ls.holders, req.txnID)
			m.dropHeld(req.txnID, res)
		}
		m.wakeNextLocked(ls, res)
	} else {
		ls.removeRequest(req)
	}
	s.mu.Unlock()
}

// Release drops txnID's lock on resource and wakes the next compatible
// waiters in FIFO order.
func (m *Manager) Release(txnID uint64, resource []byte) {
	res := string(resource)
	s := m.shard(res)
	s.mu.Lock()
	if ls := s.locks[res]; ls != nil {
		if _, ok := ls.holders[txnID]; ok {
			delete(ls.holders, txnID)
			m.wakeNextLocked(ls, res)
		}
		if len(ls.holders) == 0 && len(ls.queue) == 0 {
			delete(s.locks, res)
		}
	}
	s.mu.Unlock()
	m.dropHeld(txnID, res)
}

// ReleaseAll releases every lock held by the transaction.
func (m *Manager) ReleaseAll(txnID uint64) {
	m.heldMu.Lock()
	resources := make([]string, 0, len(m.held[txnID]))
	for res := range m.held[txnID] {
		resources = append(resources, res)
	}
	m.heldMu.Unlock()
	for _, res := range resources {
		m.Release(txnID, []byte(res))
	}
}

// wakeNextLocked grants queued requests that are now compatible: upgrades
// first, then strict FIFO until the first incompatible request.
func (m *Manager) wakeNextLocked(ls *lockState, res string) {
	// upgrades by current holders jump the queue
	for i := 0; i < len(ls.queue); {
		req := ls.queue[i]
		if !req.upgrade {
			i++
			continue
		}
		if !ls.compatibleWithHolders(req.txnID, req.mode) {
			i++
			continue
		}
		ls.holders[req.txnID] = req.mode
		req.granted = true
		ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
		req.waiter.Wake(lockwaiter.WaitResult{Result: lockwaiter.Granted})
	}
	for len(ls.queue) > 0 {
		req := ls.queue[0]
		if req.upgrade || !ls.compatibleWithHolders(req.txnID, req.mode) {
			break
		}
		ls.holders[req.txnID] = req.mode
		req.granted = true
		ls.queue = ls.queue[1:]
		m.recordHeld(req.txnID, res)
		req.waiter.Wake(lockwaiter.WaitResult{Result: lockwaiter.Granted})
	}
}

// CancelWaits fails every outstanding wait of an aborting transaction. The
// suspended Acquire calls return ErrAbortedWhileWaiting and clean up their
// queue entries themselves.
func (m *Manager) CancelWaits(txnID uint64) {
	m.waiters.WakeUpForAbort(txnID)
}

// WaitForEdges derives the current wait-for graph from the wait queues.
func (m *Manager) WaitForEdges() []Edge {
	var edges []Edge
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for res, ls := range s.locks {
			if len(ls.queue) == 0 {
				continue
			}
			keyHash := farm.Fingerprint64([]byte(res))
			for _, req := range ls.queue {
				for holder := range ls.holders {
					if holder == req.txnID {
						continue
					}
					edges = append(edges, Edge{
						WaiterTxn: req.txnID,
						HolderTxn: holder,
						KeyHash:   keyHash,
						Resource:  res,
					})
				}
			}
		}
		s.mu.Unlock()
	}
	return edges
}

// HeldLockCounts reports how many resources each transaction holds, for
// deadlock victim selection.
func (m *Manager) HeldLockCounts() map[uint64]int {
	m.heldMu.Lock()
	defer m.heldMu.Unlock()
	counts := make(map[uint64]int, len(m.held))
	for txn, set := range m.held {
		counts[txn] = len(set)
	}
	return counts
}
