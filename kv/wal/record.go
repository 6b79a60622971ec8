package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// RecordType tags the payload of a log record.
type RecordType byte

const (
	RecordBegin RecordType = iota + 1
	RecordUpdate
	RecordCommit
	RecordAbort
	RecordCheckpoint
	RecordSavepoint
	RecordRollbackToSavepoint
	// RecordCLR is a compensation record written while undoing a loser
	// transaction, so a crash during undo never undoes the same update twice.
	RecordCLR
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "begin"
	case RecordUpdate:
		return "update"
	case RecordCommit:
		return "commit"
	case RecordAbort:
		return "abort"
	case RecordCheckpoint:
		return "checkpoint"
	case RecordSavepoint:
		return "savepoint"
	case RecordRollbackToSavepoint:
		return "rollback-to-savepoint"
	case RecordCLR:
		return "clr"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Record is a single WAL entry. LSNs are strictly monotonic and gap-free;
// PrevLSN links to the previous record of the same transaction (0 for the first).
type Record struct {
	LSN     uint64
	PrevLSN uint64
	TxnID   uint64
	Type    RecordType
	Payload []byte
}

const recordHeaderSize = 8 + 8 + 8 + 1 + 4

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptRecord marks the point where the log stops validating. During
// recovery it is a truncation point, not a fatal error for earlier records.
type ErrCorruptRecord struct {
	Offset int64
	LSN    uint64
}

func (e *ErrCorruptRecord) Error() string {
	return fmt.Sprintf("corrupt wal record at offset %d (lsn %d)", e.Offset, e.LSN)
}

// encode appends the serialized record, checksum last, to buf.
func (r *Record) encode(buf []byte) []byte {
	start := len(buf)
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], r.LSN)
	binary.LittleEndian.PutUint64(hdr[8:], r.PrevLSN)
	binary.LittleEndian.PutUint64(hdr[16:], r.TxnID)
	hdr[24] = byte(r.Type)
	binary.LittleEndian.PutUint32(hdr[25:], uint32(len(r.Payload)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, r.Payload...)
	sum := crc32.Checksum(buf[start:], castagnoli)
	var sumBytes [4]byte
	binary.LittleEndian.PutUint32(sumBytes[:], sum)
	return append(buf, sumBytes[:]...)
}

// decodeRecord parses one record from data. It returns the record and the
// number of bytes consumed, or an ErrCorruptRecord when the bytes at offset
// do not validate.
func decodeRecord(data []byte, offset int64) (*Record, int, error) {
	if len(data) < recordHeaderSize+4 {
		return nil, 0, &ErrCorruptRecord{Offset: offset}
	}
	payloadLen := int(binary.LittleEndian.Uint32(data[25:29]))
	total := recordHeaderSize + payloadLen + 4
	if payloadLen < 0 || len(data) < total {
		return nil, 0, &ErrCorruptRecord{Offset: offset, LSN: binary.LittleEndian.Uint64(data)}
	}
	body := data[:recordHeaderSize+payloadLen]
	want := binary.LittleEndian.Uint32(data[recordHeaderSize+payloadLen:])
	if crc32.Checksum(body, castagnoli) != want {
		return nil, 0, &ErrCorruptRecord{Offset: offset, LSN: binary.LittleEndian.Uint64(data)}
	}
	r := &Record{
		LSN:     binary.LittleEndian.Uint64(data[0:]),
		PrevLSN: binary.LittleEndian.Uint64(data[8:]),
		TxnID:   binary.LittleEndian.Uint64(data[16:]),
		Type:    RecordType(data[24]),
	}
	if payloadLen > 0 {
		r.Payload = append([]byte(nil), body[recordHeaderSize:]...)
	}
	return r, total, nil
}

// UpdatePayload carries one key change with before/after images. The before
// image drives undo, the after image drives redo.
type UpdatePayload struct {
	Key             []byte
	Before          []byte
	After           []byte
	BeforeTombstone bool
	Tombstone       bool
	// UndoNextLSN is set on CLR records only: the next record of the same
	// transaction still to be undone.
	UndoNextLSN uint64
}

func appendSlice(buf, s []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func takeSlice(data []byte) ([]byte, []byte, bool) {
	if len(data) < 4 {
		return nil, nil, false
	}
	l := int(binary.LittleEndian.Uint32(data))
	if len(data) < 4+l {
		return nil, nil, false
	}
	return data[4 : 4+l], data[4+l:], true
}

func (p *UpdatePayload) Encode() []byte {
	buf := make([]byte, 0, 8+2+12+len(p.Key)+len(p.Before)+len(p.After))
	var u [8]byte
	binary.LittleEndian.PutUint64(u[:], p.UndoNextLSN)
	buf = append(buf, u[:]...)
	var flags byte
	if p.Tombstone {
		flags |= 1
	}
	if p.BeforeTombstone {
		flags |= 2
	}
	buf = append(buf, flags)
	buf = appendSlice(buf, p.Key)
	buf = appendSlice(buf, p.Before)
	buf = appendSlice(buf, p.After)
	return buf
}

func DecodeUpdatePayload(data []byte) (*UpdatePayload, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("short update payload: %d bytes", len(data))
	}
	p := &UpdatePayload{UndoNextLSN: binary.LittleEndian.Uint64(data)}
	flags := data[8]
	p.Tombstone = flags&1 != 0
	p.BeforeTombstone = flags&2 != 0
	rest := data[9:]
	var ok bool
	if p.Key, rest, ok = takeSlice(rest); !ok {
		return nil, fmt.Errorf("truncated update payload key")
	}
	if p.Before, rest, ok = takeSlice(rest); !ok {
		return nil, fmt.Errorf("truncated update payload before image")
	}
	if p.After, _, ok = takeSlice(rest); !ok {
		return nil, fmt.Errorf("truncated update payload after image")
	}
	return p, nil
}

// CommitPayload carries the commit timestamp assigned to the transaction.
type CommitPayload struct {
	CommitTS uint64
}

func (p *CommitPayload) Encode() []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], p.CommitTS)
	return buf[:]
}

func DecodeCommitPayload(data []byte) (*CommitPayload, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("short commit payload: %d bytes", len(data))
	}
	return &CommitPayload{CommitTS: binary.LittleEndian.Uint64(data)}, nil
}

// CheckpointPayload records a consistent cut: the transactions in flight and
// the minimum LSN recovery still needs.
type CheckpointPayload struct {
	MinLSN     uint64
	ActiveTxns []uint64
}

func (p *CheckpointPayload) Encode() []byte {
	buf := make([]byte, 0, 12+8*len(p.ActiveTxns))
	var u [8]byte
	binary.LittleEndian.PutUint64(u[:], p.MinLSN)
	buf = append(buf, u[:]...)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(p.ActiveTxns)))
	buf = append(buf, n[:]...)
	for _, id := range p.ActiveTxns {
		binary.LittleEndian.PutUint64(u[:], id)
		buf = append(buf, u[:]...)
	}
	return buf
}

func DecodeCheckpointPayload(data []byte) (*CheckpointPayload, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("short checkpoint payload: %d bytes", len(data))
	}
	p := &CheckpointPayload{MinLSN: binary.LittleEndian.Uint64(data)}
	n := int(binary.LittleEndian.Uint32(data[8:]))
	if len(data) < 12+8*n {
		return nil, fmt.Errorf("truncated checkpoint payload")
	}
	for i := 0; i < n; i++ {
		p.ActiveTxns = append(p.ActiveTxns, binary.LittleEndian.Uint64(data[12+8*i:]))
	}
	return p, nil
}

// SavepointPayload names a savepoint inside a transaction.
type SavepointPayload struct {
	ID uint64
}

func (p *SavepointPayload) Encode() []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], p.ID)
	return buf[:]
}

func DecodeSavepointPayload(data []byte) (*SavepointPayload, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("short savepoint payload: %d bytes", len(data))
	}
	return &SavepointPayload{ID: binary.LittleEndian.Uint64(data)}, nil
}
