/*
Copyright (C) 2026 Verdant Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/verdantlabs/stagehand/internal/events"
	"github.com/verdantlabs/stagehand/internal/models"
	"github.com/verdantlabs/stagehand/internal/plan"
	"github.com/verdantlabs/stagehand/internal/rig"
	"github.com/verdantlabs/stagehand/internal/runlog"
)

type scriptedActuator struct {
	mu      sync.Mutex
	homes   int
	calls   int
	moves   []float64
	homeErr func(call int) error
	moveErr func(call int) error
	onMove  func()
}

func (a *scriptedActuator) Home(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.homes++
	if a.homeErr != nil {
		return a.homeErr(a.homes)
	}
	return nil
}

func (a *scriptedActuator) MoveTo(ctx context.Context, position float64) (float64, error) {
	a.mu.Lock()
	a.calls++
	call := a.calls
	a.mu.Unlock()
	if a.moveErr != nil {
		if err := a.moveErr(call); err != nil {
			return 0, err
		}
	}
	a.mu.Lock()
	a.moves = append(a.moves, position)
	a.mu.Unlock()
	if a.onMove != nil {
		a.onMove()
	}
	return position, nil
}

func (a *scriptedActuator) Close() error { return nil }

type scriptedCamera struct {
	id      string
	mu      sync.Mutex
	calls   int
	failErr func(call int) error
}

func (c *scriptedCamera) ID() string { return c.id }

func (c *scriptedCamera) Capture(ctx context.Context) (rig.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failErr != nil {
		if err := c.failErr(c.calls); err != nil {
			return rig.Frame{}, err
		}
	}
	return rig.Frame{
		Data:       []byte(fmt.Sprintf("%s-%d", c.id, c.calls)),
		CapturedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}, nil
}

func (c *scriptedCamera) Close() error { return nil }

type scriptedStore struct {
	mu      sync.Mutex
	calls   int
	keys    []string
	blobs   map[string][]byte
	failErr func(call int) error
}

func (s *scriptedStore) Name() string { return "scripted" }

func (s *scriptedStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failErr != nil {
		if err := s.failErr(s.calls); err != nil {
			return "", err
		}
	}
	s.keys = append(s.keys, key)
	s.blobs[key] = append([]byte(nil), data...)
	return "scripted://" + key, nil
}

func (s *scriptedStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *scriptedStore) CheckAccess(ctx context.Context) error { return nil }

// fakeClock makes schedule waits instant: sleeping advances the clock
// instead of blocking.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var harnessStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

type harness struct {
	plan     *plan.Plan
	actuator *scriptedActuator
	camera   *scriptedCamera
	cameras  []rig.Camera
	store    *scriptedStore
	clock    *fakeClock
	bus      *events.Bus
	writer   *runlog.Writer
	logDir   string

	scratchDir string
	startTick  int
	runStart   time.Time
}

func newHarness(t *testing.T, p *plan.Plan) *harness {
	t.Helper()
	return &harness{
		plan:     p,
		actuator: &scriptedActuator{},
		camera:   &scriptedCamera{id: "cam-a"},
		store:    &scriptedStore{blobs: make(map[string][]byte)},
		clock:    &fakeClock{t: harnessStart},
		bus:      events.NewBus(),
		logDir:   t.TempDir(),
	}
}

func (h *harness) build(t *testing.T) *Runner {
	t.Helper()
	w, err := runlog.Open(h.logDir, "run-1")
	if err != nil {
		t.Fatalf("open run log: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	h.writer = w

	cams := h.cameras
	if cams == nil {
		cams = []rig.Camera{h.camera}
	}
	r := NewRunner(RunnerConfig{
		RunID:       "run-1",
		Plan:        h.plan,
		Rig:         &rig.Rig{Name: "bench-1", Actuator: h.actuator, Cameras: cams},
		Store:       h.store,
		Log:         w,
		Bus:         h.bus,
		Logger:      zerolog.Nop(),
		ScratchDir:  h.scratchDir,
		StepTimeout: time.Second,
		StartTick:   h.startTick,
		RunStart:    h.runStart,
	})
	r.now = h.clock.now
	r.sleep = h.clock.sleep
	return r
}

func (h *harness) records(t *testing.T) []runlog.TickRecord {
	t.Helper()
	recs, err := runlog.ReadRun(h.logDir, "run-1")
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	return recs
}

func drain(ch events.Subscriber) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		default:
			return n
		}
	}
}

func runnerPlan(ticks int) *plan.Plan {
	return &plan.Plan{
		Name:        "diurnal-a",
		Positions:   []float64{10, 20},
		Interval:    plan.Duration(15 * time.Minute),
		TotalTicks:  ticks,
		Destination: "runs/{run}/t{tick}-{camera}.jpg",
		Retry: plan.RetrySpec{
			MaxAttempts: 3,
			Backoff:     "fixed",
			BaseDelay:   plan.Duration(time.Millisecond),
		},
	}
}

func TestRunnerAllTicksSucceed(t *testing.T) {
	h := newHarness(t, runnerPlan(4))
	recorded := h.bus.Subscribe(events.EventTickRecorded)
	completed := h.bus.Subscribe(events.EventRunCompleted)
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", summary.Status)
	}
	if summary.TicksExecuted != 4 || summary.TicksSucceeded != 4 || summary.TicksFailed() != 0 {
		t.Fatalf("counts = %d executed / %d succeeded", summary.TicksExecuted, summary.TicksSucceeded)
	}

	wantMoves := []float64{10, 20, 10, 20}
	if len(h.actuator.moves) != len(wantMoves) {
		t.Fatalf("moves = %v, want %v", h.actuator.moves, wantMoves)
	}
	for i, pos := range wantMoves {
		if h.actuator.moves[i] != pos {
			t.Errorf("move %d = %v, want %v (positions cycle)", i, h.actuator.moves[i], pos)
		}
	}
	if h.actuator.homes != 2 {
		t.Errorf("homes = %d, want home at start and park at end", h.actuator.homes)
	}

	recs := h.records(t)
	if len(recs) != 4 {
		t.Fatalf("log has %d records, want 4", len(recs))
	}
	for i, rec := range recs {
		if rec.TickIndex != i {
			t.Errorf("record %d has tick_index %d, want contiguous from 0", i, rec.TickIndex)
		}
		want := harnessStart.Add(time.Duration(i) * 15 * time.Minute)
		if !rec.ScheduledTime.Equal(want) {
			t.Errorf("record %d scheduled at %v, want %v", i, rec.ScheduledTime, want)
		}
		if !rec.Succeeded() || len(rec.Artifacts) != 1 {
			t.Errorf("record %d = %+v, want recorded with one artifact", i, rec)
		}
	}

	if seen := make(map[string]bool); true {
		for _, key := range h.store.keys {
			if seen[key] {
				t.Errorf("destination %q stored twice", key)
			}
			seen[key] = true
		}
	}
	if got := drain(recorded); got != 4 {
		t.Errorf("tick.recorded events = %d, want 4", got)
	}
	if got := drain(completed); got != 1 {
		t.Errorf("run.completed events = %d, want 1", got)
	}
}

func TestRunnerRetriesThenRecords(t *testing.T) {
	h := newHarness(t, runnerPlan(1))
	h.camera.failErr = func(call int) error {
		if call == 1 {
			return errors.New("sensor not ready")
		}
		return nil
	}
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.TicksSucceeded != 1 {
		t.Fatalf("summary = %+v, want the retried tick to succeed", summary)
	}

	rec := h.records(t)[0]
	if rec.Capture == nil || !rec.Capture.OK || rec.Capture.Attempts != 2 {
		t.Fatalf("capture outcome = %+v, want OK after 2 attempts", rec.Capture)
	}
}

func TestRunnerExhaustedCaptureSkipsTick(t *testing.T) {
	h := newHarness(t, runnerPlan(4))
	// Tick 2 is the camera's calls 3 through 5: one per earlier tick, then
	// three exhausted attempts.
	h.camera.failErr = func(call int) error {
		if call >= 3 && call <= 5 {
			return errors.New("sensor timeout")
		}
		return nil
	}
	failed := h.bus.Subscribe(events.EventTickFailed)
	loss := h.bus.Subscribe(events.EventDataLoss)
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() should absorb a transient step failure, got %v", err)
	}
	if summary.Status != models.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", summary.Status)
	}
	if summary.TicksExecuted != 4 || summary.TicksSucceeded != 3 {
		t.Fatalf("counts = %d/%d, want 4 executed 3 succeeded", summary.TicksExecuted, summary.TicksSucceeded)
	}
	if summary.FailedByStage[runlog.StageCapture] != 1 {
		t.Fatalf("failed by stage = %v, want one capture failure", summary.FailedByStage)
	}
	if len(h.actuator.moves) != 4 {
		t.Errorf("moves = %d, want the actuator still positioned on the failed tick", len(h.actuator.moves))
	}

	recs := h.records(t)
	bad := recs[2]
	if bad.FinalStatus != runlog.TickFailed || bad.FailedStage != runlog.StageCapture {
		t.Fatalf("record 2 = %+v, want failed at capture", bad)
	}
	if bad.Capture == nil || bad.Capture.Attempts != 3 {
		t.Fatalf("capture attempts = %+v, want exactly 3", bad.Capture)
	}
	if bad.Actuator == nil || !bad.Actuator.OK {
		t.Errorf("record 2 actuator = %+v, want the completed move kept", bad.Actuator)
	}
	if bad.DataLoss {
		t.Error("no frame existed, record must not claim data loss")
	}
	if !recs[3].Succeeded() {
		t.Errorf("record 3 = %+v, want the run to continue after a skipped tick", recs[3])
	}
	if got := drain(failed); got != 1 {
		t.Errorf("tick.failed events = %d, want 1", got)
	}
	if got := drain(loss); got != 0 {
		t.Errorf("tick.data_loss events = %d, want 0", got)
	}
}

func TestRunnerAbortsAfterConsecutiveStoreFaults(t *testing.T) {
	h := newHarness(t, runnerPlan(10))
	h.store.failErr = func(call int) error {
		if call >= 2 {
			return errors.New("archive unreachable")
		}
		return nil
	}
	aborted := h.bus.Subscribe(events.EventRunAborted)
	loss := h.bus.Subscribe(events.EventDataLoss)
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("Run() returned nil error for a systemic fault")
	}
	var fault *SystemicFaultError
	if !errors.As(err, &fault) {
		t.Fatalf("error = %v, want SystemicFaultError", err)
	}
	if fault.Stage != runlog.StageStore || fault.Consecutive != 3 {
		t.Fatalf("fault = %+v, want 3 consecutive store failures", fault)
	}

	if summary.Status != models.RunStatusAborted {
		t.Fatalf("status = %s, want aborted", summary.Status)
	}
	if summary.TicksExecuted != 4 || summary.TicksSucceeded != 1 {
		t.Fatalf("counts = %d/%d, want abort right after the third consecutive failure", summary.TicksExecuted, summary.TicksSucceeded)
	}
	if summary.AbortStage != runlog.StageStore {
		t.Errorf("abort stage = %s, want store", summary.AbortStage)
	}
	if summary.DataLossTicks != 3 {
		t.Errorf("data loss ticks = %d, want 3", summary.DataLossTicks)
	}

	if h.actuator.calls != 4 {
		t.Errorf("actuator calls = %d, want no hardware calls after the abort", h.actuator.calls)
	}
	if h.actuator.homes != 1 {
		t.Errorf("homes = %d, want no parking move after an abort", h.actuator.homes)
	}

	recs := h.records(t)
	if len(recs) != 4 {
		t.Fatalf("log has %d records, want 4", len(recs))
	}
	for _, rec := range recs[1:] {
		if rec.FailedStage != runlog.StageStore || !rec.DataLoss {
			t.Errorf("record %d = %+v, want store failure with data loss", rec.TickIndex, rec)
		}
		if rec.Store == nil || rec.Store.Attempts != 3 {
			t.Errorf("record %d store attempts = %+v, want 3", rec.TickIndex, rec.Store)
		}
	}
	if got := drain(aborted); got != 1 {
		t.Errorf("run.aborted events = %d, want 1", got)
	}
	if got := drain(loss); got != 3 {
		t.Errorf("tick.data_loss events = %d, want 3", got)
	}
}

func TestRunnerConsecutiveCounterResetsAcrossStages(t *testing.T) {
	h := newHarness(t, runnerPlan(6))
	// Capture dies on even ticks (three attempts each), store dies on odd
	// ticks. The same stage never fails twice in a row.
	h.camera.failErr = func(call int) error {
		if call%4 != 0 {
			return errors.New("sensor timeout")
		}
		return nil
	}
	h.store.failErr = func(call int) error {
		return errors.New("archive unreachable")
	}
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("alternating stage failures must not abort, got %v", err)
	}
	if summary.Status != models.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", summary.Status)
	}
	if summary.TicksExecuted != 6 || summary.TicksSucceeded != 0 {
		t.Fatalf("counts = %d/%d, want 6 executed 0 succeeded", summary.TicksExecuted, summary.TicksSucceeded)
	}
	if summary.FailedByStage[runlog.StageCapture] != 3 || summary.FailedByStage[runlog.StageStore] != 3 {
		t.Fatalf("failed by stage = %v, want 3 capture and 3 store", summary.FailedByStage)
	}
	if summary.DataLossTicks != 3 {
		t.Errorf("data loss ticks = %d, want loss only where a frame existed", summary.DataLossTicks)
	}
}

func TestRunnerCancelBetweenTicks(t *testing.T) {
	h := newHarness(t, runnerPlan(10))
	cancelled := h.bus.Subscribe(events.EventRunCancelled)
	r := h.build(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	baseSleep := h.clock.sleep
	r.sleep = func(c context.Context, d time.Duration) error {
		h.clock.mu.Lock()
		n := len(h.clock.sleeps)
		h.clock.mu.Unlock()
		if n == 1 {
			// Second wait: the cancel arrives while idle before tick 2.
			cancel()
		}
		return baseSleep(c, d)
	}

	summary, err := r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary.Status != models.RunStatusCancelled {
		t.Fatalf("status = %s, want cancelled", summary.Status)
	}
	if summary.TicksExecuted != 2 {
		t.Fatalf("executed = %d, want the two ticks before the cancel", summary.TicksExecuted)
	}
	if h.actuator.calls != 2 {
		t.Errorf("actuator calls = %d, want no hardware calls after the cancel", h.actuator.calls)
	}
	if h.actuator.homes != 1 {
		t.Errorf("homes = %d, want no parking move after a cancel", h.actuator.homes)
	}
	if got := len(h.records(t)); got != 2 {
		t.Errorf("log has %d records, want all completed ticks and nothing else", got)
	}
	if got := drain(cancelled); got != 1 {
		t.Errorf("run.cancelled events = %d, want 1", got)
	}
}

func TestRunnerCancelDuringRetryBackoff(t *testing.T) {
	p := runnerPlan(1)
	p.Retry.BaseDelay = plan.Duration(100 * time.Millisecond)
	h := newHarness(t, p)
	h.camera.failErr = func(call int) error {
		return errors.New("sensor timeout")
	}
	r := h.build(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	timer := time.AfterFunc(20*time.Millisecond, cancel)
	defer timer.Stop()

	summary, err := r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if summary.Status != models.RunStatusCancelled {
		t.Fatalf("status = %s, want cancelled", summary.Status)
	}
	if h.camera.calls != 1 {
		t.Fatalf("camera calls = %d, want the backoff wait to absorb the cancel before attempt 2", h.camera.calls)
	}

	recs := h.records(t)
	if len(recs) != 1 {
		t.Fatalf("log has %d records, want the interrupted tick recorded", len(recs))
	}
	if recs[0].FailedStage != runlog.StageCapture || recs[0].Capture.Attempts != 1 {
		t.Fatalf("record = %+v, want capture failure after 1 attempt", recs[0])
	}
}

func TestRunnerCatchesUpAfterSlowTick(t *testing.T) {
	h := newHarness(t, runnerPlan(4))
	stalled := false
	h.actuator.onMove = func() {
		if !stalled {
			stalled = true
			h.clock.advance(40 * time.Minute)
		}
	}
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.TicksSucceeded != 4 {
		t.Fatalf("summary = %+v, want all ticks to run despite the stall", summary)
	}

	// Ticks 1 and 2 were already due, so the only wait is the 5 minutes
	// left before tick 3.
	if len(h.clock.sleeps) != 1 || h.clock.sleeps[0] != 5*time.Minute {
		t.Fatalf("sleeps = %v, want a single 5m wait", h.clock.sleeps)
	}

	for i, rec := range h.records(t) {
		want := harnessStart.Add(time.Duration(i) * 15 * time.Minute)
		if !rec.ScheduledTime.Equal(want) {
			t.Errorf("record %d scheduled at %v, want the anchor preserved (%v)", i, rec.ScheduledTime, want)
		}
	}
}

func TestRunnerInvalidPlanNeverTouchesHardware(t *testing.T) {
	p := runnerPlan(4)
	p.Grid = &plan.Grid{Stages: []plan.GridStage{{StageDistance: 10, Rows: 1}}}
	h := newHarness(t, p)
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if !errors.Is(err, plan.ErrInvalidPlan) {
		t.Fatalf("Run() error = %v, want ErrInvalidPlan", err)
	}
	if summary != nil {
		t.Fatalf("summary = %+v, want none for a refused plan", summary)
	}
	if h.actuator.homes != 0 || h.actuator.calls != 0 {
		t.Error("a refused plan must not touch hardware")
	}
}

func TestRunnerUnknownPlanCameraRefused(t *testing.T) {
	p := runnerPlan(2)
	p.Cameras = []string{"ghost"}
	h := newHarness(t, p)
	r := h.build(t)

	_, err := r.Run(context.Background())
	if !errors.Is(err, plan.ErrInvalidPlan) {
		t.Fatalf("Run() error = %v, want ErrInvalidPlan", err)
	}
	if h.actuator.homes != 0 {
		t.Error("an unresolvable camera selection must not touch hardware")
	}
}

func TestRunnerResumeContinuesSchedule(t *testing.T) {
	h := newHarness(t, runnerPlan(4))
	h.startTick = 2
	h.runStart = harnessStart
	// The process came back three minutes after tick 2 was due.
	h.clock.t = harnessStart.Add(33 * time.Minute)
	resumed := h.bus.Subscribe(events.EventRunResumed)
	started := h.bus.Subscribe(events.EventRunStarted)
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.ResumedFrom != 2 || summary.TicksExecuted != 2 {
		t.Fatalf("summary = %+v, want ticks 2 and 3 replayed", summary)
	}

	recs := h.records(t)
	if len(recs) != 2 || recs[0].TickIndex != 2 || recs[1].TickIndex != 3 {
		t.Fatalf("records = %+v, want ticks 2 and 3", recs)
	}
	for _, rec := range recs {
		want := harnessStart.Add(time.Duration(rec.TickIndex) * 15 * time.Minute)
		if !rec.ScheduledTime.Equal(want) {
			t.Errorf("tick %d scheduled at %v, want the original anchor kept", rec.TickIndex, rec.ScheduledTime)
		}
	}
	wantMoves := []float64{10, 20}
	for i, pos := range wantMoves {
		if h.actuator.moves[i] != pos {
			t.Errorf("move %d = %v, want position cycle to continue at tick index", i, h.actuator.moves[i])
		}
	}
	if got := drain(resumed); got != 1 {
		t.Errorf("run.resumed events = %d, want 1", got)
	}
	if got := drain(started); got != 0 {
		t.Errorf("run.started events = %d, want 0 on resume", got)
	}
}

func TestRunnerMultiCameraMultiFrame(t *testing.T) {
	p := runnerPlan(1)
	p.Cameras = []string{"cam-a", "cam-b"}
	p.FramesPerTick = 2
	p.Destination = "t{tick}-{camera}-f{frame}.jpg"
	h := newHarness(t, p)
	camA := &scriptedCamera{id: "cam-a"}
	camB := &scriptedCamera{id: "cam-b"}
	h.cameras = []rig.Camera{camA, camB}
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.TicksSucceeded != 1 {
		t.Fatalf("summary = %+v, want one recorded tick", summary)
	}

	wantKeys := []string{
		"t000000-cam-a-f00.jpg",
		"t000000-cam-a-f01.jpg",
		"t000000-cam-b-f00.jpg",
		"t000000-cam-b-f01.jpg",
	}
	if len(h.store.keys) != len(wantKeys) {
		t.Fatalf("stored keys = %v, want %v", h.store.keys, wantKeys)
	}
	for i, key := range wantKeys {
		if h.store.keys[i] != key {
			t.Errorf("key %d = %q, want %q", i, h.store.keys[i], key)
		}
	}
	if got := string(h.store.blobs["t000000-cam-a-f01.jpg"]); got != "cam-a-2" {
		t.Errorf("second cam-a frame = %q, want cam-a-2", got)
	}

	rec := h.records(t)[0]
	if len(rec.Artifacts) != 4 {
		t.Fatalf("artifacts = %+v, want 4", rec.Artifacts)
	}
	if rec.Capture.Attempts != 4 || rec.Store.Attempts != 4 {
		t.Errorf("attempts capture=%d store=%d, want 4 each", rec.Capture.Attempts, rec.Store.Attempts)
	}
}

func TestRunnerEndTimeTermination(t *testing.T) {
	p := runnerPlan(0)
	p.TotalTicks = 0
	p.EndTime = harnessStart.Add(35 * time.Minute)
	h := newHarness(t, p)
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Status != models.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", summary.Status)
	}
	// Ticks at +0m, +15m, +30m run; the +45m tick falls past the end time.
	if summary.TicksExecuted != 3 {
		t.Fatalf("executed = %d, want 3", summary.TicksExecuted)
	}
}

func TestRunnerPartialStoreFailureKeepsStoredArtifacts(t *testing.T) {
	p := runnerPlan(1)
	p.Cameras = []string{"cam-a", "cam-b"}
	p.Destination = "t{tick}-{camera}.jpg"
	h := newHarness(t, p)
	camA := &scriptedCamera{id: "cam-a"}
	camB := &scriptedCamera{id: "cam-b"}
	h.cameras = []rig.Camera{camA, camB}
	h.store.failErr = func(call int) error {
		if call >= 2 {
			return errors.New("archive unreachable")
		}
		return nil
	}
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("a single failed tick must not abort the run, got %v", err)
	}
	if summary.TicksSucceeded != 0 || summary.DataLossTicks != 1 {
		t.Fatalf("summary = %+v, want a failed tick with data loss", summary)
	}

	rec := h.records(t)[0]
	if rec.FailedStage != runlog.StageStore || !rec.DataLoss {
		t.Fatalf("record = %+v, want store failure with data loss", rec)
	}
	if len(rec.Artifacts) != 1 || rec.Artifacts[0].Camera != "cam-a" {
		t.Fatalf("artifacts = %+v, want the frame stored before the fault kept", rec.Artifacts)
	}
	if rec.Store.Attempts != 4 {
		t.Errorf("store attempts = %d, want 1 success + 3 exhausted", rec.Store.Attempts)
	}
}

func TestRunnerScratchStagingRetainsLostFrames(t *testing.T) {
	h := newHarness(t, runnerPlan(3))
	h.scratchDir = t.TempDir()
	// Tick 1's put is calls 2 through 4, all exhausted; ticks 0 and 2 store
	// cleanly and must leave no staged files behind.
	h.store.failErr = func(call int) error {
		if call >= 2 && call <= 4 {
			return errors.New("archive unreachable")
		}
		return nil
	}
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.TicksSucceeded != 2 || summary.DataLossTicks != 1 {
		t.Fatalf("summary = %+v, want one lost tick", summary)
	}

	dir := filepath.Join(h.scratchDir, "run-1")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "t000001-cam-a-f00" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("scratch holds %v, want only the lost tick-1 frame", names)
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read retained frame: %v", err)
	}
	if string(data) != "cam-a-2" {
		t.Errorf("retained bytes = %q, want the tick-1 capture payload", data)
	}
}

func TestRunnerLogAppendFailureAborts(t *testing.T) {
	h := newHarness(t, runnerPlan(3))
	r := h.build(t)
	h.writer.Close()

	summary, err := r.Run(context.Background())
	var loss *DataLossError
	if !errors.As(err, &loss) {
		t.Fatalf("Run() error = %v, want DataLossError", err)
	}
	if loss.TickIndex != 0 {
		t.Errorf("lost tick = %d, want 0", loss.TickIndex)
	}
	if summary.Status != models.RunStatusAborted {
		t.Fatalf("status = %s, want aborted", summary.Status)
	}
	if summary.TicksExecuted != 1 || summary.DataLossTicks != 1 {
		t.Fatalf("summary = %+v, want the lost tick counted", summary)
	}
	if h.actuator.calls != 1 {
		t.Errorf("actuator calls = %d, want the run to stop after the first tick", h.actuator.calls)
	}
}

func TestRunnerHomeFailureAborts(t *testing.T) {
	h := newHarness(t, runnerPlan(3))
	h.actuator.homeErr = func(call int) error {
		return errors.New("limit switch stuck")
	}
	r := h.build(t)

	summary, err := r.Run(context.Background())
	if err == nil {
		t.Fatal("Run() succeeded with a dead actuator")
	}
	if summary.Status != models.RunStatusAborted || summary.AbortStage != runlog.StageActuator {
		t.Fatalf("summary = %+v, want actuator abort", summary)
	}
	if summary.TicksExecuted != 0 {
		t.Errorf("executed = %d, want no ticks", summary.TicksExecuted)
	}
	if h.actuator.homes != 3 {
		t.Errorf("home attempts = %d, want the retry policy applied", h.actuator.homes)
	}
	if len(h.records(t)) != 0 {
		t.Error("log must stay empty when no tick ran")
	}
}
