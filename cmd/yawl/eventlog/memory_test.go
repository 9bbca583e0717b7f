package eventlog

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMemoryAppendAssignsContiguousSequences(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seq, err := log.Append(ctx, New(TypeCaseStarted, fmt.Sprintf("%d", i), "", nil))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seq != int64(i) {
			t.Fatalf("append %d assigned seq %d", i, seq)
		}
	}

	latest, err := log.LatestSequence(ctx)
	if err != nil || latest != 5 {
		t.Fatalf("LatestSequence = %d, %v; want 5", latest, err)
	}
}

func TestMemoryReplayFromSequence(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := log.Append(ctx, New(TypeItemEnabled, "1", "", nil)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	var got []int64
	err := log.Replay(ctx, 3, func(e Event) error {
		got = append(got, e.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("replay from 3 returned %v; want [3 4]", got)
	}
}

func TestMemoryReplayStopsOnCallbackError(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := log.Append(ctx, New(TypeItemEnabled, "1", "", nil)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	stop := errors.New("stop")
	seen := 0
	err := log.Replay(ctx, 0, func(Event) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Replay error = %v; want stop", err)
	}
	if seen != 2 {
		t.Fatalf("callback ran %d times; want 2", seen)
	}
}

func TestMemoryAppendIsolatesPayload(t *testing.T) {
	log := NewMemory()
	ctx := context.Background()

	payload := map[string]any{"task_id": "T1"}
	if _, err := log.Append(ctx, New(TypeItemEnabled, "1", "", payload)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	payload["task_id"] = "mutated"

	err := log.Replay(ctx, 0, func(e Event) error {
		if e.Payload["task_id"] != "T1" {
			return fmt.Errorf("stored payload changed: %v", e.Payload)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
}

func TestMemoryAppendHonoursContext(t *testing.T) {
	log := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := log.Append(ctx, New(TypeCaseStarted, "1", "", nil)); err == nil {
		t.Fatal("append with cancelled context succeeded")
	}
}
