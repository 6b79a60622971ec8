package mvcc

import (
	"sync"

	"github.com/dgryski/go-farm"
	"go.uber.org/atomic"
)

// chain is a per-key append vector. Slot ids are stable across garbage
// collection: slot = base + index into versions.
type chain struct {
	base     int
	versions []Version
}

func (c *chain) at(slot int) *Version {
	idx := slot - c.base
	if idx < 0 || idx >= len(c.versions) {
		return nil
	}
	return &c.versions[idx]
}

func (c *chain) newestSlot() int {
	return c.base + len(c.versions) - 1
}

const shardCount = 64

type shard struct {
	mu     sync.RWMutex
	chains map[string]*chain
}

// Stats are cumulative counters for monitoring.
type Stats struct {
	Reads             uint64
	Writes            uint64
	Keys              int
	Versions          int
	GCRuns            uint64
	VersionsCollected uint64
}

// Store holds the version chains. Chains for independent keys live in
// independent shards so they proceed concurrently; a single chain is guarded
// by its shard lock.
//
// Writers on one key are serialized by the lock manager's exclusive lock, so
// at any moment a chain has at most one transaction's pending versions at its
// tail, and committed timestamps increase along the vector.
type Store struct {
	shards      [shardCount]shard
	maxVersions int

	reads     *atomic.Uint64
	writes    *atomic.Uint64
	gcRuns    *atomic.Uint64
	collected *atomic.Uint64
}

func NewStore(maxVersionsPerKey int) *Store {
	s := &Store{
		maxVersions: maxVersionsPerKey,
		reads:       atomic.NewUint64(0),
		writes:      atomic.NewUint64(0),
		gcRuns:      atomic.NewUint64(0),
		collected:   atomic.NewUint64(0),
	}
	for i := range s.shards {
		s.shards[i].chains = map[string]*chain{}
	}
	return s
}

func (s *Store) shard(key string) *shard {
	return &s.shards[farm.Fingerprint64([]byte(key))%shardCount]
}

// StageWrite appends a pending (uncommitted) version and returns its slot.
func (s *Store) StageWrite(txnID uint64, key string, value []byte, tombstone bool) (int, error) {
	s.writes.Add(1)
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	c := sh.chains[key]
	if c == nil {
		c = &chain{}
		sh.chains[key] = c
	}
	if len(c.versions) >= s.maxVersions {
		return 0, &ErrVersionLimit{Key: key, Limit: s.maxVersions}
	}
	prev := -1
	if len(c.versions) > 0 {
		prev = c.newestSlot()
	}
	c.versions = append(c.versions, Version{
		Creator:   txnID,
		Value:     value,
		Tombstone: tombstone,
		Prev:      prev,
	})
	return c.newestSlot(), nil
}

// Get returns the newest version visible to the snapshot, walking the chain
// newest-first. found=false with hasChain=false means the store never saw the
// key (or already collected everything below the caller's horizon) and an
// older durable value may exist in the storage engine.
func (s *Store) Get(key string, snap *Snapshot) (value []byte, found bool, hasChain bool) {
	s.reads.Add(1)
	sh := s.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	c := sh.chains[key]
	if c == nil || len(c.versions) == 0 {
		return nil, false, false
	}
	for i := len(c.versions) - 1; i >= 0; i-- {
		v := &c.versions[i]
		if !snap.Visible(v) {
			continue
		}
		if v.Tombstone {
			return nil, false, true
		}
		return v.Value, true, true
	}
	return nil, false, false
}

// CommitPending stamps the transaction's staged versions with its commit
// timestamp, making them visible to new snapshots. The caller must already
// have made the commit record durable.
func (s *Store) CommitPending(txnID uint64, refs []Ref, commitTS uint64) {
	for _, ref := range refs {
		sh := s.shard(ref.Key)
		sh.mu.Lock()
		if c := sh.chains[ref.Key]; c != nil {
			if v := c.at(ref.Slot); v != nil && v.Creator == txnID && v.CommitTS == 0 && !v.dead {
				v.CommitTS = commitTS
			}
		}
		sh.mu.Unlock()
	}
}

// DiscardPending drops staged versions on abort or savepoint rollback. Slots
// are marked dead in place (so later slots stay valid) and reclaimed by GC.
func (s *Store) DiscardPending(txnID uint64, refs []Ref) {
	for _, ref := range refs {
		sh := s.shard(ref.Key)
		sh.mu.Lock()
		if c := sh.chains[ref.Key]; c != nil {
			if v := c.at(ref.Slot); v != nil && v.Creator == txnID && v.CommitTS == 0 {
				v.dead = true
				v.Value = nil
			}
		}
		sh.mu.Unlock()
	}
}

// GC drops versions no live or future snapshot can observe: everything below
// the newest committed version at or before oldestActiveTS. The drop is a
// base advance, so surviving slot ids are unchanged.
func (s *Store) GC(oldestActiveTS uint64) int {
	collected := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, c := range sh.chains {
			keep := 0
			for idx := len(c.versions) - 1; idx >= 0; idx-- {
				v := &c.versions[idx]
				if v.CommitTS != 0 && v.CommitTS <= oldestActiveTS {
					keep = idx
					break
				}
			}
			// leading dead slots below the watermark go too
			for keep < len(c.versions) && c.versions[keep].dead {
				keep++
			}
			if keep > 0 {
				collected += keep
				c.versions = append([]Version(nil), c.versions[keep:]...)
				c.base += keep
			}
			if len(c.versions) == 0 {
				delete(sh.chains, key)
			}
		}
		sh.mu.Unlock()
	}
	s.gcRuns.Add(1)
	s.collected.Add(uint64(collected))
	return collected
}

// ForEachCommittedHead calls fn with the newest committed version at or
// before maxTS for every key that has one. Used by checkpointing to flush a
// consistent cut into the storage engine.
func (s *Store) ForEachCommittedHead(maxTS uint64, fn func(key string, value []byte, tombstone bool, commitTS uint64) error) error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key, c := range sh.chains {
			for idx := len(c.versions) - 1; idx >= 0; idx-- {
				v := &c.versions[idx]
				if v.dead || v.CommitTS == 0 || v.CommitTS > maxTS {
					continue
				}
				if err := fn(key, v.Value, v.Tombstone, v.CommitTS); err != nil {
					sh.mu.RUnlock()
					return err
				}
				break
			}
		}
		sh.mu.RUnlock()
	}
	return nil
}

func (s *Store) Stats() Stats {
	st := Stats{
		Reads:             s.reads.Load(),
		Writes:            s.writes.Load(),
		GCRuns:            s.gcRuns.Load(),
		VersionsCollected: s.collected.Load(),
	}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		st.Keys += len(sh.chains)
		for _, c := range sh.chains {
			st.Versions += len(c.versions)
		}
		sh.mu.RUnlock()
	}
	return st
}
