package eventlog

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps the event stream in process memory. It backs tests and
// single-node development runs; restarts lose the log.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemory creates an empty in-memory log.
func NewMemory() *MemoryLog {
	return &MemoryLog{}
}

// Append assigns the next sequence and stores the event.
func (l *MemoryLog) Append(ctx context.Context, e Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Sequence = int64(len(l.events)) + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Payload = clonePayload(e.Payload)
	l.events = append(l.events, e)
	return e.Sequence, nil
}

// Replay streams stored events with sequence >= fromSeq.
func (l *MemoryLog) Replay(ctx context.Context, fromSeq int64, fn func(Event) error) error {
	l.mu.RLock()
	snapshot := l.events[:len(l.events)]
	l.mu.RUnlock()

	for _, e := range snapshot {
		if e.Sequence < fromSeq {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// LatestSequence returns the last assigned sequence, zero when empty.
func (l *MemoryLog) LatestSequence(ctx context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.events)), nil
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	copied := make(map[string]any, len(payload))
	for k, v := range payload {
		copied[k] = v
	}
	return copied
}
