package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	ws "nhooyr.io/websocket"

	"github.com/verdantlabs/stagehand/internal/auth"
	"github.com/verdantlabs/stagehand/internal/config"
	"github.com/verdantlabs/stagehand/internal/events"
	"github.com/verdantlabs/stagehand/internal/logbuffer"
	"github.com/verdantlabs/stagehand/internal/models"
	"github.com/verdantlabs/stagehand/internal/rig"
	"github.com/verdantlabs/stagehand/internal/runlog"
	"github.com/verdantlabs/stagehand/internal/scheduler"
	"github.com/verdantlabs/stagehand/internal/store"
)

const testPlanJSON = `{
	"name": "api-sweep",
	"positions": [5, 10],
	"interval": "1ms",
	"total_ticks": 2,
	"destination": "runs/{run}/t{tick}.jpg",
	"retry": {"max_attempts": 2, "backoff": "fixed", "base_delay": "1ms"}
}`

type testEnv struct {
	api    *API
	router chi.Router
	db     *gorm.DB
	bus    *events.Bus
	sched  *scheduler.Service
	logBuf *logbuffer.Buffer
}

func newTestEnv(t *testing.T, jwtSecret []byte) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Run{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	archive, err := store.NewFilesystemStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("filesystem store: %v", err)
	}
	rg := &rig.Rig{
		Name:     "bench-1",
		Actuator: rig.NewSimActuator(0),
		Cameras:  []rig.Camera{rig.NewSimCamera("cam-a")},
	}
	cfg := &config.Config{DataDir: t.TempDir(), StepTimeout: time.Second}
	bus := events.NewBus()
	sched := scheduler.New(cfg, db, rg, archive, bus, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Shutdown(ctx)
	})

	logBuf := logbuffer.New(100)
	a := New(db, jwtSecret, sched, rg, archive, bus, logBuf, nil, zerolog.Nop())
	router := chi.NewRouter()
	a.Routes(router)

	return &testEnv{api: a, router: router, db: db, bus: bus, sched: sched, logBuf: logBuf}
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) waitTerminal(t *testing.T, runID string) *models.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.sched.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun(%s): %v", runID, err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", runID)
	return nil
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return body["error"]
}

func TestStartRunAccepted(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/runs", testPlanJSON)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var run models.Run
	if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.ID == "" {
		t.Fatal("expected a run ID")
	}
	if run.Name != "api-sweep" {
		t.Fatalf("expected plan name in run row, got %q", run.Name)
	}

	final := env.waitTerminal(t, run.ID)
	if final.Status != models.RunStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.AbortReason)
	}
	if final.TicksExecuted != 2 || final.TicksSucceeded != 2 {
		t.Fatalf("expected 2/2 ticks, got %d/%d", final.TicksExecuted, final.TicksSucceeded)
	}
}

func TestStartRunRejectsInvalidPlan(t *testing.T) {
	env := newTestEnv(t, nil)

	// Both termination conditions missing.
	rr := env.do(t, http.MethodPost, "/api/v1/runs",
		`{"name":"broken","positions":[1],"interval":"1ms","destination":"runs/{run}/t{tick}.jpg"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	if code := decodeError(t, rr); code != "invalid_plan" {
		t.Fatalf("expected invalid_plan, got %q", code)
	}

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["detail"] == "" {
		t.Fatal("expected a validation detail")
	}
}

func TestStartRunRejectsUnparseableBody(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/runs", "{not yaml: [")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	if code := decodeError(t, rr); code != "invalid_plan" {
		t.Fatalf("expected invalid_plan, got %q", code)
	}
}

func TestStartRunConflictsWhenRigBusy(t *testing.T) {
	env := newTestEnv(t, nil)

	// Long interval keeps the first run holding the rig.
	slow := `{"name":"holder","positions":[1],"interval":"1h","total_ticks":5,"destination":"runs/{run}/t{tick}.jpg"}`
	rr := env.do(t, http.MethodPost, "/api/v1/runs", slow)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var holder models.Run
	if err := json.Unmarshal(rr.Body.Bytes(), &holder); err != nil {
		t.Fatalf("decode run: %v", err)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/runs", testPlanJSON)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	if code := decodeError(t, rr); code != "rig_busy" {
		t.Fatalf("expected rig_busy, got %q", code)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/runs/"+holder.ID+"/cancel", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 cancel, got %d: %s", rr.Code, rr.Body.String())
	}
	env.waitTerminal(t, holder.ID)
}

func TestGetRunNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/api/v1/runs/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := decodeError(t, rr); code != "run_not_found" {
		t.Fatalf("expected run_not_found, got %q", code)
	}
}

func TestListRunsFiltersByStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	done := models.NewRun("done", "bench-1", "{}")
	done.Status = models.RunStatusCompleted
	aborted := models.NewRun("bad", "bench-1", "{}")
	aborted.Status = models.RunStatusAborted
	for _, run := range []*models.Run{done, aborted} {
		if err := env.db.Create(run).Error; err != nil {
			t.Fatalf("seed run: %v", err)
		}
	}

	rr := env.do(t, http.MethodGet, "/api/v1/runs?status=completed", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var runs []models.Run
	if err := json.Unmarshal(rr.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != done.ID {
		t.Fatalf("expected only the completed run, got %+v", runs)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/runs", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs unfiltered, got %d", len(runs))
	}
}

func TestRunRecordsServedFromLog(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodPost, "/api/v1/runs", testPlanJSON)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var run models.Run
	if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	env.waitTerminal(t, run.ID)

	rr = env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/records", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var records []runlog.TickRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.TickIndex != i {
			t.Fatalf("expected contiguous indices, record %d has index %d", i, rec.TickIndex)
		}
		if rec.FinalStatus != runlog.TickRecorded {
			t.Fatalf("tick %d: expected recorded, got %s", i, rec.FinalStatus)
		}
	}
}

func TestRecordsEmptyForUnstartedRun(t *testing.T) {
	env := newTestEnv(t, nil)

	run := models.NewRun("never-ran", "bench-1", "{}")
	if err := env.db.Create(run).Error; err != nil {
		t.Fatalf("seed run: %v", err)
	}

	rr := env.do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/records", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Fatalf("expected empty array, got %q", body)
	}
}

func TestCancelConflictsWhenNotActive(t *testing.T) {
	env := newTestEnv(t, nil)

	run := models.NewRun("finished", "bench-1", "{}")
	run.Status = models.RunStatusCompleted
	if err := env.db.Create(run).Error; err != nil {
		t.Fatalf("seed run: %v", err)
	}

	rr := env.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	if code := decodeError(t, rr); code != "run_not_active" {
		t.Fatalf("expected run_not_active, got %q", code)
	}
}

func TestCancelStopsRunningRun(t *testing.T) {
	env := newTestEnv(t, nil)

	slow := `{"name":"holder","positions":[1],"interval":"1h","total_ticks":5,"destination":"runs/{run}/t{tick}.jpg"}`
	rr := env.do(t, http.MethodPost, "/api/v1/runs", slow)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var run models.Run
	if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}

	rr = env.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	final := env.waitTerminal(t, run.ID)
	if final.Status != models.RunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
}

func TestAuthGateProtectsRunsButNotHealth(t *testing.T) {
	secret := []byte("api-test-secret")
	env := newTestEnv(t, secret)

	rr := env.do(t, http.MethodGet, "/api/v1/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("health should stay open, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/api/v1/runs", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	token, err := auth.Issue(secret, auth.Claims{Operator: "kim"}, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSystemStatusReportsComponents(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/api/v1/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var status SystemStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Database.Status != "ok" {
		t.Fatalf("expected database ok, got %+v", status.Database)
	}
	if status.Store.Status != "ok" || status.Store.Name != "fs" {
		t.Fatalf("expected fs store ok, got %+v", status.Store)
	}
	if status.Rig.Name != "bench-1" {
		t.Fatalf("expected rig name, got %+v", status.Rig)
	}
	if len(status.Rig.Cameras) != 1 || status.Rig.Cameras[0] != "cam-a" {
		t.Fatalf("expected camera listing, got %v", status.Rig.Cameras)
	}
	if len(status.ActiveRuns) != 0 {
		t.Fatalf("expected no active runs, got %v", status.ActiveRuns)
	}
}

func TestLogsEndpointFiltersAndClears(t *testing.T) {
	env := newTestEnv(t, nil)

	now := time.Now()
	env.logBuf.Add(logbuffer.Entry{Timestamp: now, Level: "info", Component: "scheduler", Message: "tick recorded"})
	env.logBuf.Add(logbuffer.Entry{Timestamp: now, Level: "error", Component: "store", Message: "upload failed"})

	rr := env.do(t, http.MethodGet, "/api/v1/logs?component=store", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Entries []logbuffer.Entry `json:"entries"`
		Count   int               `json:"count"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if body.Count != 1 || len(body.Entries) != 1 {
		t.Fatalf("expected one store entry, got %+v", body)
	}
	if body.Entries[0].Message != "upload failed" {
		t.Fatalf("unexpected entry: %+v", body.Entries[0])
	}

	rr = env.do(t, http.MethodDelete, "/api/v1/logs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if stats := env.logBuf.Stats(); stats.Count != 0 {
		t.Fatalf("expected cleared buffer, got %d entries", stats.Count)
	}
}

// readEvent reads one frame from the watch socket and returns its type with
// the raw payload.
func readEvent(t *testing.T, ctx context.Context, conn *ws.Conn) (string, map[string]any) {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return frame.Type, frame.Payload
}

func TestWatchStreamsFilteredEventsUntilTerminal(t *testing.T) {
	env := newTestEnv(t, nil)

	run := models.NewRun("watched", "bench-1", "{}")
	run.Status = models.RunStatusRunning
	if err := env.db.Create(run).Error; err != nil {
		t.Fatalf("seed run: %v", err)
	}

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/" + run.ID + "/watch"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial watch socket: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "test done")

	typ, payload := readEvent(t, ctx, conn)
	if typ != "run.snapshot" {
		t.Fatalf("expected snapshot first, got %q", typ)
	}
	snap, ok := payload["run"].(map[string]any)
	if !ok || snap["id"] != run.ID {
		t.Fatalf("snapshot should carry the run row, got %v", payload)
	}

	// The subscription exists once the snapshot has been written, so these
	// publishes cannot be missed.
	env.bus.Publish(events.EventTickRecorded, events.Payload{
		"run_id": run.ID, "tick_index": 0, "position": 5.0, "status": "recorded",
	})
	typ, payload = readEvent(t, ctx, conn)
	if typ != string(events.EventTickRecorded) {
		t.Fatalf("expected tick.recorded, got %q", typ)
	}
	if payload["run_id"] != run.ID {
		t.Fatalf("expected matching run_id, got %v", payload["run_id"])
	}

	// Another run's event must not leak onto this socket; the terminal event
	// that follows it must.
	env.bus.Publish(events.EventTickRecorded, events.Payload{
		"run_id": "other-run", "tick_index": 9, "status": "recorded",
	})
	env.bus.Publish(events.EventRunCompleted, events.Payload{
		"run_id": run.ID, "status": "completed", "ticks_executed": 1,
	})

	typ, _ = readEvent(t, ctx, conn)
	if typ != string(events.EventRunCompleted) {
		t.Fatalf("expected run.completed, got %q", typ)
	}

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected the socket to close after the terminal event")
	}
	if status := ws.CloseStatus(err); status != ws.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v (%v)", status, err)
	}
}

func TestWatchFinishedRunSendsSnapshotAndCloses(t *testing.T) {
	env := newTestEnv(t, nil)

	run := models.NewRun("already-done", "bench-1", "{}")
	run.Status = models.RunStatusCompleted
	run.TicksExecuted = 4
	run.TicksSucceeded = 4
	if err := env.db.Create(run).Error; err != nil {
		t.Fatalf("seed run: %v", err)
	}

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/runs/" + run.ID + "/watch"
	conn, _, err := ws.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial watch socket: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "test done")

	typ, payload := readEvent(t, ctx, conn)
	if typ != "run.snapshot" {
		t.Fatalf("expected snapshot, got %q", typ)
	}
	snap, ok := payload["run"].(map[string]any)
	if !ok || snap["status"] != string(models.RunStatusCompleted) {
		t.Fatalf("snapshot should carry the terminal row, got %v", payload)
	}

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatal("expected immediate close for a finished run")
	}
	if status := ws.CloseStatus(err); status != ws.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v (%v)", status, err)
	}
}

func TestWatchUnknownRun(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, http.MethodGet, "/api/v1/runs/nope/watch", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
