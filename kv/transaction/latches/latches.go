package latches

import (
	"sync"
)

// Latching serializes the short critical sections that publish a commit: the
// version stamps, the validator entry and the lock release for a write set
// must land as one unit, and two committers touching the same keys must not
// interleave inside it. Latches are held for the duration of that section
// only; long waits (transaction locks) belong to the lock manager.
//
// A latch is per user key. All keys a committer touches are latched at once,
// which rules out latch deadlocks between committers.

type Latches struct {
	// latchMap maps each latched key to a WaitGroup. Threads who find a key
	// latched wait on that WaitGroup and retry.
	latchMap   map[string]*sync.WaitGroup
	latchGuard sync.Mutex
}

func NewLatches() *Latches {
	return &Latches{latchMap: make(map[string]*sync.WaitGroup)}
}

// AcquireLatches latches all keys, or returns a WaitGroup to wait on when any
// of them is already latched.
func (l *Latches) AcquireLatches(keysToLatch []string) *sync.WaitGroup {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	for _, key := range keysToLatch {
		if latchWg, ok := l.latchMap[key]; ok {
			return latchWg
		}
	}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	for _, key := range keysToLatch {
		l.latchMap[key] = wg
	}
	return nil
}

// ReleaseLatches unlatches the keys and wakes every thread blocked on them.
// The keys must come from a single successful AcquireLatches call.
func (l *Latches) ReleaseLatches(keysToUnlatch []string) {
	l.latchGuard.Lock()
	defer l.latchGuard.Unlock()

	first := true
	for _, key := range keysToUnlatch {
		if first {
			l.latchMap[key].Done()
			first = false
		}
		delete(l.latchMap, key)
	}
}

// WaitForLatches blocks until all keys are latched. May wait through several
// rounds when committers contend.
func (l *Latches) WaitForLatches(keysToLatch []string) {
	for {
		wg := l.AcquireLatches(keysToLatch)
		if wg == nil {
			return
		}
		wg.Wait()
	}
}
