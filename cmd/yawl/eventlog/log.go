package eventlog

import (
	"context"
	"errors"
)

// ErrSequenceConflict reports that another writer appended to the log.
// The engine's single-writer contract is broken and it must stop.
var ErrSequenceConflict = errors.New("event log sequence conflict")

// Log is the append-only store behind the engine.
//
// Append assigns and returns the next sequence number; sequences are
// globally monotonic with no gaps. Replay streams events with sequence
// >= fromSeq in order; the callback returning an error stops the replay.
type Log interface {
	Append(ctx context.Context, e Event) (int64, error)
	Replay(ctx context.Context, fromSeq int64, fn func(Event) error) error
	LatestSequence(ctx context.Context) (int64, error)
}
