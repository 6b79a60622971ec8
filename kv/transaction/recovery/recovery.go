package recovery

import (
	"fmt"
	"sort"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/wal"
)

// ErrRecovery wraps a failure that leaves the store in an unknown state.
type ErrRecovery struct {
	Phase string
	Cause error
}

func (e *ErrRecovery) Error() string {
	return fmt.Sprintf("recovery failed during %s: %v", e.Phase, e.Cause)
}

// Result summarizes one recovery run.
type Result struct {
	// MaxTS is the highest transaction id or commit timestamp seen in the
	// log; the allocator must resume above it.
	MaxTS       uint64
	RedoRecords int
	UndoneTxns  []uint64
	Truncated   bool
}

type txnState struct {
	lastLSN  uint64
	begun    bool
	finished bool
}

// Run replays the log against the storage engine: analysis finds winners and
// losers, redo repeats history (committed and uncommitted updates alike),
// undo rolls losers back with compensation records so a crash mid-undo never
// undoes an update twice. Idempotent: running it again after a crash at any
// point reproduces the same engine state.
func Run(w *wal.Manager, engine storage.Engine) (*Result, error) {
	records, truncated, err := w.ReadFrom(0)
	if err != nil {
		return nil, &ErrRecovery{Phase: "scan", Cause: err}
	}
	if truncated {
		log.Warn("wal scan stopped at a corrupt record, tail discarded")
	}
	res := &Result{Truncated: truncated}

	// analysis
	byLSN := make(map[uint64]*wal.Record, len(records))
	txns := map[uint64]*txnState{}
	state := func(id uint64) *txnState {
		st := txns[id]
		if st == nil {
			st = &txnState{}
			txns[id] = st
		}
		return st
	}
	for _, rec := range records {
		byLSN[rec.LSN] = rec
		if rec.TxnID > res.MaxTS {
			res.MaxTS = rec.TxnID
		}
		switch rec.Type {
		case wal.RecordCheckpoint:
			// the checkpoint's active list is re-discovered from the Begin
			// records the truncation kept; nothing extra to seed
		case wal.RecordBegin:
			st := state(rec.TxnID)
			st.begun = true
			st.lastLSN = rec.LSN
		case wal.RecordCommit:
			payload, decErr := wal.DecodeCommitPayload(rec.Payload)
			if decErr != nil {
				return nil, &ErrRecovery{Phase: "analysis", Cause: decErr}
			}
			if payload.CommitTS > res.MaxTS {
				res.MaxTS = payload.CommitTS
			}
			state(rec.TxnID).finished = true
		case wal.RecordAbort:
			state(rec.TxnID).finished = true
		default:
			state(rec.TxnID).lastLSN = rec.LSN
		}
	}

	// redo: repeat history in log order
	var redo []storage.Entry
	for _, rec := range records {
		if rec.Type != wal.RecordUpdate && rec.Type != wal.RecordCLR {
			continue
		}
		payload, decErr := wal.DecodeUpdatePayload(rec.Payload)
		if decErr != nil {
			return nil, &ErrRecovery{Phase: "redo", Cause: decErr}
		}
		redo = append(redo, storage.Entry{
			Key:       payload.Key,
			Value:     payload.After,
			Tombstone: payload.Tombstone,
		})
	}
	if len(redo) > 0 {
		if err := engine.WriteBatch(redo); err != nil {
			return nil, &ErrRecovery{Phase: "redo", Cause: errors.Trace(err)}
		}
	}
	res.RedoRecords = len(redo)

	// undo losers in reverse order of their last log record
	var losers []uint64
	for id, st := range txns {
		if st.begun && !st.finished {
			losers = append(losers, id)
		}
	}
	sort.Slice(losers, func(i, j int) bool {
		return txns[losers[i]].lastLSN > txns[losers[j]].lastLSN
	})
	for _, id := range losers {
		if err := undoTxn(w, engine, byLSN, id, txns[id].lastLSN); err != nil {
			return nil, err
		}
		res.UndoneTxns = append(res.UndoneTxns, id)
	}
	if len(losers) > 0 {
		if err := w.Flush(w.Status().CurrentLSN); err != nil {
			return nil, &ErrRecovery{Phase: "undo", Cause: err}
		}
	}

	log.Info("recovery complete", zap.Int("records", len(records)),
		zap.Int("redo", res.RedoRecords), zap.Uint64s("undone", res.UndoneTxns),
		zap.Uint64("maxTS", res.MaxTS))
	return res, nil
}

// undoTxn walks one loser's record chain backwards. Compensation records from
// an earlier interrupted undo are followed, not re-undone.
func undoTxn(w *wal.Manager, engine storage.Engine, byLSN map[uint64]*wal.Record, txnID, lastLSN uint64) error {
	var batch []storage.Entry
	lastCLR := uint64(0)
	undoNext := lastLSN
	for undoNext != 0 {
		rec := byLSN[undoNext]
		if rec == nil {
			break
		}
		switch rec.Type {
		case wal.RecordUpdate:
			payload, err := wal.DecodeUpdatePayload(rec.Payload)
			if err != nil {
				return &ErrRecovery{Phase: "undo", Cause: err}
			}
			batch = append(batch, storage.Entry{
				Key:       payload.Key,
				Value:     payload.Before,
				Tombstone: payload.BeforeTombstone,
			})
			clr := wal.UpdatePayload{
				Key:         payload.Key,
				After:       payload.Before,
				Tombstone:   payload.BeforeTombstone,
				UndoNextLSN: rec.PrevLSN,
			}
			lsn, err := w.Append(&wal.Record{
				PrevLSN: lastCLR,
				TxnID:   txnID,
				Type:    wal.RecordCLR,
				Payload: clr.Encode(),
			})
			if err != nil {
				return &ErrRecovery{Phase: "undo", Cause: err}
			}
			lastCLR = lsn
			undoNext = rec.PrevLSN
		case wal.RecordCLR:
			payload, err := wal.DecodeUpdatePayload(rec.Payload)
			if err != nil {
				return &ErrRecovery{Phase: "undo", Cause: err}
			}
			undoNext = payload.UndoNextLSN
		default:
			undoNext = rec.PrevLSN
		}
	}
	if len(batch) > 0 {
		if err := engine.WriteBatch(batch); err != nil {
			return &ErrRecovery{Phase: "undo", Cause: errors.Trace(err)}
		}
	}
	if _, err := w.Append(&wal.Record{PrevLSN: lastCLR, TxnID: txnID, Type: wal.RecordAbort}); err != nil {
		return &ErrRecovery{Phase: "undo", Cause: err}
	}
	return nil
}
