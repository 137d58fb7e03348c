/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/verdantlabs/stagehand/internal/events"
)

type collector struct {
	mu   sync.Mutex
	seen []events.EventType
}

func (c *collector) add(eventType events.EventType, _ events.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, eventType)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func waitForCount(t *testing.T, c *collector, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("forwarded %d events, want %d", c.count(), want)
}

func TestTapForwardsEveryType(t *testing.T) {
	local := events.NewBus()
	col := &collector{}
	tp := newTap(local, col.add)
	defer tp.close()

	for _, eventType := range events.AllTypes() {
		local.Publish(eventType, events.Payload{"run_id": "r1"})
	}
	waitForCount(t, col, len(events.AllTypes()))
}

func TestTapSkipsForeignPayloads(t *testing.T) {
	local := events.NewBus()
	col := &collector{}
	tp := newTap(local, col.add)
	defer tp.close()

	local.Publish(events.EventRunStarted, events.Payload{"run_id": "r1"})
	waitForCount(t, col, 1)

	// A payload reinjected from another node must not bounce back out.
	local.Publish(events.EventRunStarted, events.Payload{"run_id": "r2", originKey: "bench-2"})
	time.Sleep(20 * time.Millisecond)
	if col.count() != 1 {
		t.Fatalf("forwarded %d events, want the foreign one skipped", col.count())
	}
}

func TestTapCloseStopsForwarding(t *testing.T) {
	local := events.NewBus()
	col := &collector{}
	tp := newTap(local, col.add)
	tp.close()

	local.Publish(events.EventTickRecorded, events.Payload{"run_id": "r1"})
	time.Sleep(20 * time.Millisecond)
	if col.count() != 0 {
		t.Fatalf("forwarded %d events after close, want 0", col.count())
	}
}

func TestReinjectMarksOriginAndPreservesSource(t *testing.T) {
	local := events.NewBus()
	sub := local.Subscribe(events.EventTickRecorded)
	src := events.Payload{"run_id": "r1", "tick_index": 3}

	reinject(local, &envelope{
		EventType: events.EventTickRecorded,
		Payload:   src,
		NodeID:    "bench-2-ab12cd34",
	})

	select {
	case got := <-sub:
		if got[originKey] != "bench-2-ab12cd34" {
			t.Errorf("origin = %v, want the source node recorded", got[originKey])
		}
		if got["run_id"] != "r1" || got["tick_index"] != 3 {
			t.Errorf("payload = %v, want the original fields kept", got)
		}
	case <-time.After(time.Second):
		t.Fatal("reinjected event never delivered")
	}

	if _, leaked := src[originKey]; leaked {
		t.Error("reinject must not mutate the source payload")
	}
}
