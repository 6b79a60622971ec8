package lockwaiter

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Result says why a suspended lock request resumed.
type Result int

const (
	// WaitTimeout means the configured wait bound elapsed first.
	WaitTimeout Result = iota
	// Granted means the lock manager handed the requester the lock.
	Granted
	// Deadlock means the deadlock detector chose this transaction as victim.
	Deadlock
	// Aborted means the waiting transaction was aborted while suspended.
	Aborted
)

type WaitResult struct {
	Result Result
	// WaitForTxn is the holder the waiter was blocked on when woken for a
	// deadlock, for error context.
	WaitForTxn uint64
	KeyHash    uint64
}

// Waiter is one suspended lock request. The channel is buffered so a wake
// never blocks the waker; Wake wins at most once per waiter.
type Waiter struct {
	timeout time.Duration
	ch      chan WaitResult

	TxnID   uint64
	KeyHash uint64

	once sync.Once
}

// Wait suspends until woken or until the wait bound elapses.
func (w *Waiter) Wait() WaitResult {
	if w.timeout <= 0 {
		return <-w.ch
	}
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return WaitResult{Result: WaitTimeout}
	case result := <-w.ch:
		return result
	}
}

// Wake resumes the waiter. Only the first wake is delivered; later wakes (a
// grant racing an abort, say) are dropped.
func (w *Waiter) Wake(res WaitResult) {
	w.once.Do(func() {
		w.ch <- res
	})
}

// Manager indexes the suspended waiters by their transaction so an abort or a
// deadlock verdict can find them without touching the lock table.
type Manager struct {
	mu      sync.Mutex
	waiters map[uint64][]*Waiter
}

func NewManager() *Manager {
	return &Manager{
		waiters: map[uint64][]*Waiter{},
	}
}

// NewWaiter registers a suspended request for txnID blocked on keyHash.
func (m *Manager) NewWaiter(txnID, keyHash uint64, timeout time.Duration) *Waiter {
	w := &Waiter{
		timeout: timeout,
		ch:      make(chan WaitResult, 1),
		TxnID:   txnID,
		KeyHash: keyHash,
	}
	m.mu.Lock()
	m.waiters[txnID] = append(m.waiters[txnID], w)
	m.mu.Unlock()
	return w
}

// CleanUp removes a waiter once its request resolved, however it resolved.
func (m *Manager) CleanUp(w *Waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.waiters[w.TxnID]
	for i, cur := range ws {
		if cur == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(m.waiters, w.TxnID)
	} else {
		m.waiters[w.TxnID] = ws
	}
}

// WakeUpForDeadlock fails the victim's suspended request.
func (m *Manager) WakeUpForDeadlock(victim, waitForTxn, keyHash uint64) {
	m.mu.Lock()
	ws := append([]*Waiter(nil), m.waiters[victim]...)
	m.mu.Unlock()
	for _, w := range ws {
		w.Wake(WaitResult{Result: Deadlock, WaitForTxn: waitForTxn, KeyHash: keyHash})
	}
	if len(ws) > 0 {
		log.Info("woke deadlock victim", zap.Uint64("txn", victim),
			zap.Uint64("waitFor", waitForTxn), zap.Uint64("keyHash", keyHash))
	}
}

// WakeUpForAbort cancels every outstanding wait of an aborting transaction.
func (m *Manager) WakeUpForAbort(txnID uint64) {
	m.mu.Lock()
	ws := append([]*Waiter(nil), m.waiters[txnID]...)
	m.mu.Unlock()
	for _, w := range ws {
		w.Wake(WaitResult{Result: Aborted})
	}
}
