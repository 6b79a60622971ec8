package transaction

// The transaction package is the concurrency-control core: it turns Begin /
// Get / Put / Delete / Commit calls into operations against the version store,
// the lock table and the write-ahead log, and decides which transactions may
// commit.
//
// Reads never block. Every transaction reads through a snapshot: a start
// timestamp plus the set of transactions in flight when the snapshot was
// taken. A version is visible when it committed at or before the snapshot's
// start timestamp by a transaction outside that set; a transaction always
// sees its own staged writes. RepeatableRead and Serializable fix the
// snapshot at Begin, ReadCommitted takes a fresh one per read.
//
// Writes lock. A Put or Delete takes the key's exclusive lock before staging
// a version, and the lock is held to the end of the transaction, so at most
// one transaction has pending versions on a key. Waiting on a lock is an
// explicit suspension point (see lockwaiter): the blocked request resumes
// with a grant, a timeout, an abort, or a deadlock verdict from the detector.
//
// Commit validates before it publishes. First-committer-wins is checked
// against the committed-write log (si package) for every committer; under
// Serializable the read set is checked too, which catches write skew. Only
// after validation is the commit record appended and made durable; the
// version stamps and the committed-write log entry are then published under
// per-key latches, and the locks released last.
//
// The write-ahead log records every state change with before and after
// images. Recovery (recovery package) replays it with the usual
// analysis/redo/undo phases, so a crash at any point leaves exactly the
// durably committed transactions applied.
