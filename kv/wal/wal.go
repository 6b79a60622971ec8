package wal

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const walFileName = "tinytxn.wal"

// Options control buffering and group commit.
type Options struct {
	// GroupCommitInterval is the window in which concurrent committers share
	// one fsync. Zero syncs immediately.
	GroupCommitInterval time.Duration
	// BufferSize is the in-memory buffer bound; the buffer is drained to the
	// file (without fsync) when it grows past this.
	BufferSize int
}

// Status is a point-in-time view for monitoring.
type Status struct {
	CurrentLSN    uint64
	DurableLSN    uint64
	CheckpointLSN uint64
	Appends       uint64
	Syncs         uint64
}

// Manager is the append-only durable log. Appends return immediately with an
// LSN; Flush forces durability up to a given LSN. Log order is total, so the
// buffer sits behind a single mutex/condvar pair.
type Manager struct {
	mu        sync.Mutex
	flushCond *sync.Cond

	f    *os.File
	path string

	buf         []byte
	nextLSN     uint64
	bufferedLSN uint64 // last LSN encoded into buf or written to file
	writtenLSN  uint64 // last LSN written to the file (possibly not synced)
	durableLSN  *atomic.Uint64
	checkpoint  uint64

	syncing bool
	closed  bool
	failed  error

	opts    Options
	appends *atomic.Uint64
	syncs   *atomic.Uint64
}

// Open creates or reopens the log in dir. A corrupt tail left by a crash is
// truncated; records before it stay valid.
func Open(dir string, opts Options) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	path := filepath.Join(dir, walFileName)
	m := &Manager{
		path:       path,
		nextLSN:    1,
		durableLSN: atomic.NewUint64(0),
		opts:       opts,
		appends:    atomic.NewUint64(0),
		syncs:      atomic.NewUint64(0),
	}
	m.flushCond = sync.NewCond(&m.mu)
	if err := m.reopen(); err != nil {
		return nil, err
	}
	return m, nil
}

// reopen scans the file, truncates any corrupt tail and positions nextLSN
// after the last valid record.
func (m *Manager) reopen() error {
	data, err := ioutil.ReadFile(m.path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Trace(err)
	}
	validLen := int64(0)
	var offset int64
	for int(offset) < len(data) {
		rec, n, decErr := decodeRecord(data[offset:], offset)
		if decErr != nil {
			log.Warn("wal tail does not validate, truncating",
				zap.Int64("offset", offset), zap.Error(decErr))
			break
		}
		if rec.Type == RecordCheckpoint {
			m.checkpoint = rec.LSN
		}
		m.nextLSN = rec.LSN + 1
		offset += int64(n)
		validLen = offset
	}
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errors.Trace(err)
	}
	if err := f.Truncate(validLen); err != nil {
		f.Close()
		return errors.Trace(err)
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return errors.Trace(err)
	}
	m.f = f
	last := m.nextLSN - 1
	m.bufferedLSN = last
	m.writtenLSN = last
	m.durableLSN.Store(last)
	return nil
}

// Append buffers the record and returns its LSN. LSNs are assigned under the
// buffer lock so they are strictly monotonic and gap-free.
func (m *Manager) Append(rec *Record) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed != nil {
		return 0, errors.Trace(m.failed)
	}
	if m.closed {
		return 0, errors.New("wal: closed")
	}
	rec.LSN = m.nextLSN
	m.nextLSN++
	m.buf = rec.encode(m.buf)
	m.bufferedLSN = rec.LSN
	m.appends.Add(1)
	if m.opts.BufferSize > 0 && len(m.buf) >= m.opts.BufferSize {
		if err := m.drainLocked(); err != nil {
			return 0, err
		}
	}
	return rec.LSN, nil
}

// drainLocked writes the buffer to the file without forcing it to disk.
func (m *Manager) drainLocked() error {
	if len(m.buf) == 0 {
		return nil
	}
	if _, err := m.f.Write(m.buf); err != nil {
		m.failed = errors.Trace(err)
		return m.failed
	}
	m.buf = m.buf[:0]
	m.writtenLSN = m.bufferedLSN
	return nil
}

// Flush blocks until every record up to and including upTo is durable.
// Concurrent callers inside one group-commit window share a single fsync:
// the first caller becomes the sync leader, the rest wait on the condvar.
func (m *Manager) Flush(upTo uint64) error {
	if m.durableLSN.Load() >= upTo {
		return nil
	}
	if m.opts.GroupCommitInterval > 0 {
		time.Sleep(m.opts.GroupCommitInterval)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.durableLSN.Load() < upTo {
		if m.failed != nil {
			return errors.Trace(m.failed)
		}
		if m.closed {
			return errors.New("wal: closed")
		}
		if m.syncing {
			m.flushCond.Wait()
			continue
		}
		if err := m.syncLocked(); err != nil {
			return err
		}
	}
	return nil
}

// syncLocked drains the buffer and fsyncs, releasing the lock around the disk
// wait so appends keep flowing.
func (m *Manager) syncLocked() error {
	if err := m.drainLocked(); err != nil {
		m.flushCond.Broadcast()
		return err
	}
	target := m.writtenLSN
	m.syncing = true
	m.mu.Unlock()
	err := m.f.Sync()
	m.mu.Lock()
	m.syncing = false
	if err != nil {
		m.failed = errors.Trace(err)
		m.flushCond.Broadcast()
		return m.failed
	}
	if target > m.durableLSN.Load() {
		m.durableLSN.Store(target)
	}
	m.syncs.Add(1)
	m.flushCond.Broadcast()
	return nil
}

// Checkpoint appends a checkpoint record holding the in-flight transactions
// and the minimum LSN recovery still needs, makes it durable, then reclaims
// the log prefix below minLSN.
func (m *Manager) Checkpoint(activeTxns []uint64, minLSN uint64) (uint64, error) {
	payload := CheckpointPayload{MinLSN: minLSN, ActiveTxns: activeTxns}
	lsn, err := m.Append(&Record{Type: RecordCheckpoint, Payload: payload.Encode()})
	if err != nil {
		return 0, err
	}
	if err := m.Flush(lsn); err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.checkpoint = lsn
	m.mu.Unlock()
	if err := m.truncate(minLSN); err != nil {
		return 0, err
	}
	log.Info("wal checkpoint", zap.Uint64("lsn", lsn), zap.Uint64("minLSN", minLSN),
		zap.Int("activeTxns", len(activeTxns)))
	return lsn, nil
}

// truncate rewrites the log keeping only records at or above minLSN.
func (m *Manager) truncate(minLSN uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed != nil {
		return errors.Trace(m.failed)
	}
	if err := m.drainLocked(); err != nil {
		return err
	}
	if err := m.f.Sync(); err != nil {
		m.failed = errors.Trace(err)
		return m.failed
	}
	data, err := ioutil.ReadFile(m.path)
	if err != nil {
		return errors.Trace(err)
	}
	kept := make([]byte, 0, len(data))
	var offset int64
	for int(offset) < len(data) {
		rec, n, decErr := decodeRecord(data[offset:], offset)
		if decErr != nil {
			break
		}
		if rec.LSN >= minLSN {
			kept = append(kept, data[offset:offset+int64(n)]...)
		}
		offset += int64(n)
	}
	tmp := m.path + ".tmp"
	if err := ioutil.WriteFile(tmp, kept, 0644); err != nil {
		return errors.Trace(err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return errors.Trace(err)
	}
	old := m.f
	f, err := os.OpenFile(m.path, os.O_RDWR, 0644)
	if err != nil {
		m.failed = errors.Trace(err)
		return m.failed
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		m.failed = errors.Trace(err)
		return m.failed
	}
	m.f = f
	old.Close()
	return nil
}

// ReadFrom returns every valid record with LSN >= from, in log order. The
// truncated result reports whether a corrupt tail stopped the scan early.
func (m *Manager) ReadFrom(from uint64) (records []*Record, truncated bool, err error) {
	m.mu.Lock()
	if drainErr := m.drainLocked(); drainErr != nil {
		m.mu.Unlock()
		return nil, false, drainErr
	}
	m.mu.Unlock()
	data, err := ioutil.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Trace(err)
	}
	var offset int64
	for int(offset) < len(data) {
		rec, n, decErr := decodeRecord(data[offset:], offset)
		if decErr != nil {
			return records, true, nil
		}
		if rec.LSN >= from {
			records = append(records, rec)
		}
		offset += int64(n)
	}
	return records, false, nil
}

// DurableLSN is the newest LSN known to have reached disk.
func (m *Manager) DurableLSN() uint64 {
	return m.durableLSN.Load()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	cur := m.nextLSN - 1
	ckpt := m.checkpoint
	m.mu.Unlock()
	return Status{
		CurrentLSN:    cur,
		DurableLSN:    m.durableLSN.Load(),
		CheckpointLSN: ckpt,
		Appends:       m.appends.Load(),
		Syncs:         m.syncs.Load(),
	}
}

// Close makes the remaining buffer durable and closes the file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	if m.failed == nil {
		if err := m.drainLocked(); err == nil {
			if err := m.f.Sync(); err != nil {
				m.failed = errors.Trace(err)
			} else {
				m.durableLSN.Store(m.writtenLSN)
			}
		}
	}
	m.closed = true
	m.flushCond.Broadcast()
	return m.f.Close()
}
