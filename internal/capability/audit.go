package capability

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/splax-s/splax/internal/constants"
	"github.com/splax-s/splax/internal/memory"
)

// Op identifies the capability operation an audit record describes.
type Op uint8

const (
	OpMint Op = iota
	OpGrant
	OpRevoke
	OpCheck
	OpDelegate
)

// Outcome records whether the operation succeeded.
type Outcome uint8

const (
	OutcomeAllowed Outcome = iota
	OutcomeDenied
)

// Record is one audit log entry.
type Record struct {
	Timestamp time.Time
	Op        Op
	Actor     ProcessID
	TokenID   uuid.UUID
	Resource  ResourceRef
	Outcome   Outcome
}

// marshal encodes a Record as the little-endian fixed-width frame described
// in the wire format: timestamp (unix nanos, int64), op, actor pid, token
// ID (16 bytes), resource kind length + bytes, resource id, outcome.
func (r Record) marshal() []byte {
	kind := []byte(r.Resource.Kind)
	buf := make([]byte, 8+1+8+16+2+len(kind)+8+1)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.Timestamp.UnixNano()))
	off += 8
	buf[off] = byte(r.Op)
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(r.Actor))
	off += 8
	copy(buf[off:], r.TokenID[:])
	off += 16
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(kind)))
	off += 2
	copy(buf[off:], kind)
	off += len(kind)
	binary.LittleEndian.PutUint64(buf[off:], r.Resource.ID)
	off += 8
	buf[off] = byte(r.Outcome)
	return buf
}

// AuditLog is a bounded ring of audit records. When full, the oldest record
// is overwritten and Dropped is incremented; Dropped is the only signal a
// consumer polling Snapshot gets that history was lost.
type AuditLog struct {
	mu      sync.Mutex
	records []Record
	head    int // next write position
	count   int
	dropped atomic.Uint64
}

// NewAuditLog creates a ring with capacity constants.AuditLogCapacity.
func NewAuditLog() *AuditLog {
	return &AuditLog{
		records: make([]Record, constants.AuditLogCapacity),
	}
}

// Append adds a record, dropping the oldest if the ring is full.
func (a *AuditLog) Append(r Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == len(a.records) {
		a.dropped.Add(1)
	} else {
		a.count++
	}
	a.records[a.head] = r
	a.head = (a.head + 1) % len(a.records)
}

// Dropped returns the number of records lost to ring overflow.
func (a *AuditLog) Dropped() uint64 {
	return a.dropped.Load()
}

// Snapshot returns the records currently held, oldest first.
func (a *AuditLog) Snapshot() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, 0, a.count)
	start := (a.head - a.count + len(a.records)) % len(a.records)
	for i := 0; i < a.count; i++ {
		out = append(out, a.records[(start+i)%len(a.records)])
	}
	return out
}

// flushStageSize is the scratch buffer records are batched into before each
// compressed write, so a flush does not issue one Write per record.
const flushStageSize = 4 * 1024

// Flush writes the current snapshot to w, zstd-compressed, and clears the
// in-memory ring. The kernel's Shutdown calls it when an audit sink is
// configured; a full ring is never flushed on its own, it overwrites its
// oldest record.
func (a *AuditLog) Flush(w io.Writer) error {
	records := a.Snapshot()

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	stage := memory.GetScratch(flushStageSize)[:0]
	defer memory.PutScratch(stage)
	for _, r := range records {
		rec := r.marshal()
		if len(stage)+len(rec) > cap(stage) {
			if _, err := zw.Write(stage); err != nil {
				zw.Close()
				return err
			}
			stage = stage[:0]
		}
		stage = append(stage, rec...)
	}
	if len(stage) > 0 {
		if _, err := zw.Write(stage); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}

	a.mu.Lock()
	a.head = 0
	a.count = 0
	a.mu.Unlock()
	return nil
}
