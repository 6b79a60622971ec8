package wal

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, string) {
	dir, err := ioutil.TempDir("", "tinytxn-wal")
	require.Nil(t, err)
	m, err := Open(dir, Options{})
	require.Nil(t, err)
	return m, dir
}

func TestAppendAssignsMonotonicLSNs(t *testing.T) {
	m, dir := newTestManager(t)
	defer os.RemoveAll(dir)
	defer m.Close()

	for i := 1; i <= 5; i++ {
		lsn, err := m.Append(&Record{TxnID: 7, Type: RecordBegin})
		require.Nil(t, err)
		assert.Equal(t, uint64(i), lsn)
	}
	assert.Equal(t, uint64(5), m.Status().CurrentLSN)
}

func TestFlushMakesRecordsDurableAcrossReopen(t *testing.T) {
	m, dir := newTestManager(t)
	defer os.RemoveAll(dir)

	up := UpdatePayload{Key: []byte("a"), After: []byte("1")}
	_, err := m.Append(&Record{TxnID: 3, Type: RecordBegin})
	require.Nil(t, err)
	lsn, err := m.Append(&Record{TxnID: 3, PrevLSN: 1, Type: RecordUpdate, Payload: up.Encode()})
	require.Nil(t, err)
	require.Nil(t, m.Flush(lsn))
	assert.Equal(t, lsn, m.DurableLSN())
	require.Nil(t, m.Close())

	m2, err := Open(dir, Options{})
	require.Nil(t, err)
	defer m2.Close()
	recs, truncated, err := m2.ReadFrom(1)
	require.Nil(t, err)
	assert.False(t, truncated)
	require.Len(t, recs, 2)
	assert.Equal(t, RecordUpdate, recs[1].Type)
	assert.Equal(t, uint64(1), recs[1].PrevLSN)
	decoded, err := DecodeUpdatePayload(recs[1].Payload)
	require.Nil(t, err)
	assert.Equal(t, []byte("a"), decoded.Key)
	assert.Equal(t, []byte("1"), decoded.After)

	// new appends continue the sequence with no gap
	lsn3, err := m2.Append(&Record{TxnID: 4, Type: RecordBegin})
	require.Nil(t, err)
	assert.Equal(t, uint64(3), lsn3)
}

func TestCorruptTailIsTruncationPoint(t *testing.T) {
	m, dir := newTestManager(t)
	defer os.RemoveAll(dir)

	lsn, err := m.Append(&Record{TxnID: 1, Type: RecordBegin})
	require.Nil(t, err)
	require.Nil(t, m.Flush(lsn))
	require.Nil(t, m.Close())

	// simulate a torn write at the tail
	path := filepath.Join(dir, walFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.Nil(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef})
	require.Nil(t, err)
	require.Nil(t, f.Close())

	m2, err := Open(dir, Options{})
	require.Nil(t, err)
	defer m2.Close()
	recs, truncated, err := m2.ReadFrom(1)
	require.Nil(t, err)
	assert.False(t, truncated) // reopen already cut the tail
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].LSN)

	// the torn bytes are gone and the next LSN continues the sequence
	lsn2, err := m2.Append(&Record{TxnID: 2, Type: RecordBegin})
	require.Nil(t, err)
	assert.Equal(t, uint64(2), lsn2)
}

func TestCorruptMiddleStopsScan(t *testing.T) {
	m, dir := newTestManager(t)
	defer os.RemoveAll(dir)
	defer m.Close()

	var last uint64
	for i := 0; i < 3; i++ {
		lsn, err := m.Append(&Record{TxnID: uint64(i + 1), Type: RecordBegin})
		require.Nil(t, err)
		last = lsn
	}
	require.Nil(t, m.Flush(last))

	// flip a byte inside the second record
	path := filepath.Join(dir, walFileName)
	data, err := ioutil.ReadFile(path)
	require.Nil(t, err)
	data[recordHeaderSize+4+10] ^= 0xff
	require.Nil(t, ioutil.WriteFile(path, data, 0644))

	recs, truncated, err := m.ReadFrom(1)
	require.Nil(t, err)
	assert.True(t, truncated)
	require.Len(t, recs, 1)
}

func TestCheckpointTruncatesPrefix(t *testing.T) {
	m, dir := newTestManager(t)
	defer os.RemoveAll(dir)
	defer m.Close()

	for i := 0; i < 4; i++ {
		_, err := m.Append(&Record{TxnID: uint64(i + 1), Type: RecordBegin})
		require.Nil(t, err)
	}
	ckptLSN, err := m.Checkpoint([]uint64{4}, 4)
	require.Nil(t, err)
	assert.Equal(t, uint64(5), ckptLSN)

	recs, truncated, err := m.ReadFrom(1)
	require.Nil(t, err)
	assert.False(t, truncated)
	require.Len(t, recs, 2) // begin(4) + checkpoint
	assert.Equal(t, uint64(4), recs[0].LSN)
	assert.Equal(t, RecordCheckpoint, recs[1].Type)
	ckpt, err := DecodeCheckpointPayload(recs[1].Payload)
	require.Nil(t, err)
	assert.Equal(t, []uint64{4}, ckpt.ActiveTxns)
	assert.Equal(t, uint64(4), ckpt.MinLSN)
	assert.Equal(t, ckptLSN, m.Status().CheckpointLSN)
}

func TestConcurrentFlushersShareSyncs(t *testing.T) {
	m, dir := newTestManager(t)
	defer os.RemoveAll(dir)
	defer m.Close()

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(id uint64) {
			defer wg.Done()
			lsn, err := m.Append(&Record{TxnID: id, Type: RecordCommit, Payload: (&CommitPayload{CommitTS: id}).Encode()})
			assert.Nil(t, err)
			assert.Nil(t, m.Flush(lsn))
			assert.True(t, m.DurableLSN() >= lsn)
		}(uint64(i + 1))
	}
	wg.Wait()
	assert.Equal(t, uint64(n), m.Status().CurrentLSN)
}
