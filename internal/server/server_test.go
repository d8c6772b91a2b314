package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwbudde/projmethods/internal/store"
)

const altpJSON = `{"problem": {"name": "two-circles"}, "algorithm": {"name": "altp", "max_iters": 20}}`

// waitForJob polls until the job reaches a terminal state.
func waitForJob(t *testing.T, jm *JobManager, id string) *Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := jm.GetJob(id)
		if !ok {
			t.Fatalf("Job %s disappeared", id)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish", id)
	return nil
}

func TestServer_CreateJob(t *testing.T) {
	runStore, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	s := NewServer(":0", runStore)
	defer s.Shutdown(context.Background())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(altpJSON))
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	var job Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.Algorithm != "altp" {
		t.Errorf("Expected algorithm altp, got %s", job.Algorithm)
	}

	final := waitForJob(t, s.jobManager, job.ID)
	if final.State != StateCompleted {
		t.Errorf("Expected completed, got %s (%s)", final.State, final.Error)
	}
	if final.RunID == "" {
		t.Error("Finished job should be stored")
	}
}

func TestServer_CreateJob_YAML(t *testing.T) {
	s := NewServer(":0", nil)
	defer s.Shutdown(context.Background())

	body := "problem:\n  name: two-lines\nalgorithm:\n  name: dykstra\n  max_iters: 5\n"
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var job Job
	json.NewDecoder(w.Body).Decode(&job)
	waitForJob(t, s.jobManager, job.ID)
}

func TestServer_CreateJob_Invalid(t *testing.T) {
	s := NewServer(":0", nil)

	for _, body := range []string{
		`{"algorithm": {"name": "newton"}}`,
		`{"problem": {"name": "two-circles"}, "extra": 1}`,
		`not: [valid`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Body %q: expected status 400, got %d", body, w.Code)
		}
	}

	if len(s.jobManager.ListJobs()) != 0 {
		t.Error("Invalid requests should not create jobs")
	}
}

func TestServer_ListJobs(t *testing.T) {
	s := NewServer(":0", nil)

	s.jobManager.CreateJob(testExperiment("altp", 10))
	s.jobManager.CreateJob(testExperiment("avgp", 10))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var jobs []*Job
	if err := json.NewDecoder(w.Body).Decode(&jobs); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if len(jobs) != 2 {
		t.Errorf("Expected 2 jobs, got %d", len(jobs))
	}
}

func TestServer_GetJobStatus(t *testing.T) {
	s := NewServer(":0", nil)

	job, _ := s.jobManager.CreateJob(testExperiment("altp", 10))

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/status", job.ID), nil)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["id"] != job.ID {
		t.Error("Response should contain job ID")
	}
	if response["state"] != string(StatePending) {
		t.Errorf("Expected pending state, got %v", response["state"])
	}
	if _, ok := response["elapsed"]; !ok {
		t.Error("Response should contain elapsed time")
	}
}

func TestServer_GetJobStatus_NotFound(t *testing.T) {
	s := NewServer(":0", nil)

	for _, path := range []string{"/api/v1/jobs/nonexistent", "/api/v1/jobs/nonexistent/residuals.png"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", path, w.Code)
		}
	}
}

func TestServer_CancelJob(t *testing.T) {
	s := NewServer(":0", nil)
	job, _ := s.jobManager.CreateJob(testExperiment("altp", 10))
	path := fmt.Sprintf("/api/v1/jobs/%s/cancel", job.ID)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}
	updated, _ := s.jobManager.GetJob(job.ID)
	if updated.State != StateCancelled {
		t.Errorf("Expected cancelled, got %s", updated.State)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
}

func TestServer_JobPlot(t *testing.T) {
	s := NewServer(":0", nil)
	job, _ := s.jobManager.CreateJob(testExperiment("altp", 10))
	path := fmt.Sprintf("/api/v1/jobs/%s/residuals.png", job.ID)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 before the job ran, got %d", w.Code)
	}

	if err := runJob(context.Background(), s.jobManager, nil, job.ID); err != nil {
		t.Fatalf("runJob failed: %v", err)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "image/png" {
		t.Error("Expected image/png content type")
	}
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("Expected PNG data")
	}
}

func TestServer_Runs(t *testing.T) {
	runStore, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	s := NewServer(":0", runStore)
	job, _ := s.jobManager.CreateJob(testExperiment("avgp", 10))
	if err := runJob(context.Background(), s.jobManager, runStore, job.ID); err != nil {
		t.Fatalf("runJob failed: %v", err)
	}
	finished, _ := s.jobManager.GetJob(job.ID)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	var infos []store.RunInfo
	if err := json.NewDecoder(w.Body).Decode(&infos); err != nil {
		t.Fatalf("Failed to decode runs: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != finished.RunID {
		t.Fatalf("Expected the finished run, got %+v", infos)
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+finished.RunID+"/trace", nil))
	var entries []store.TraceEntry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatalf("Failed to decode trace: %v", err)
	}
	if len(entries) != finished.Iterations+1 {
		t.Errorf("Expected %d trace entries, got %d", finished.Iterations+1, len(entries))
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+finished.RunID+"/residuals.png", nil))
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Errorf("Expected PNG plot, got %d %s", w.Code, w.Header().Get("Content-Type"))
	}

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestServer_RunsWithoutStore(t *testing.T) {
	s := NewServer(":0", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestServer_Catalog(t *testing.T) {
	s := NewServer(":0", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/catalog", nil))

	var catalog map[string][]string
	if err := json.NewDecoder(w.Body).Decode(&catalog); err != nil {
		t.Fatalf("Failed to decode catalog: %v", err)
	}
	if len(catalog["problems"]) == 0 || len(catalog["algorithms"]) == 0 {
		t.Errorf("Catalog should list problems and algorithms: %v", catalog)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s := NewServer(":0", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil))

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestServer_JobStream_Finished(t *testing.T) {
	s := NewServer(":0", nil)
	job, _ := s.jobManager.CreateJob(testExperiment("altp", 10))
	if err := runJob(context.Background(), s.jobManager, nil, job.ID); err != nil {
		t.Fatalf("runJob failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/stream", job.ID), nil)
	w := httptest.NewRecorder()

	// A finished job yields a single event and closes the stream.
	s.handleJobStream(w, req, job.ID)

	if w.Header().Get("Content-Type") != "text/event-stream" {
		t.Error("Expected text/event-stream content type")
	}

	body := w.Body.String()
	if strings.Count(body, "data: ") != 1 {
		t.Fatalf("Expected exactly one event, got %q", body)
	}
	if !strings.Contains(body, "event: completed\n") {
		t.Errorf("Expected a completed event type, got %q", body)
	}
	var data string
	for _, line := range strings.Split(body, "\n") {
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			data = rest
		}
	}
	var event ProgressEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		t.Fatalf("Failed to decode event: %v", err)
	}
	if event.State != StateCompleted {
		t.Errorf("Expected completed event, got %s", event.State)
	}
}

func TestServer_JobStream_Live(t *testing.T) {
	s := NewServer(":0", nil)
	job, _ := s.jobManager.CreateJob(testExperiment("apop", 30))

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/stream", job.ID), nil)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.handleJobStream(w, req, job.ID)
		close(done)
	}()

	// Give the handler time to subscribe before the job starts.
	time.Sleep(50 * time.Millisecond)
	if err := runJob(context.Background(), s.jobManager, nil, job.ID); err != nil {
		t.Fatalf("runJob failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not end after the job finished")
	}

	body := w.Body.String()
	if !strings.Contains(body, `"state":"completed"`) {
		t.Errorf("Expected a completed event, got %q", body)
	}
}

func TestServer_JobStream_NotFound(t *testing.T) {
	s := NewServer(":0", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/nonexistent/stream", nil)
	w := httptest.NewRecorder()

	s.handleJobStream(w, req, "nonexistent")

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestEventBroadcaster(t *testing.T) {
	eb := NewEventBroadcaster()

	ch := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", ch)

	event := ProgressEvent{
		JobID:      "job1",
		State:      StateRunning,
		Iterations: 10,
		Residual:   [2]float64{0.1, 0.2},
		Timestamp:  time.Now(),
	}
	eb.Broadcast(event)

	select {
	case received := <-ch:
		if received.JobID != "job1" {
			t.Errorf("Expected jobID job1, got %s", received.JobID)
		}
		if received.Iterations != 10 {
			t.Errorf("Expected 10 iterations, got %d", received.Iterations)
		}
	case <-time.After(1 * time.Second):
		t.Error("Timeout waiting for event")
	}

	// Late subscribers get the last event replayed.
	late := eb.Subscribe("job1")
	select {
	case received := <-late:
		if received.Iterations != 10 {
			t.Errorf("Expected replayed event, got %+v", received)
		}
	default:
		t.Error("Expected replayed event")
	}
	eb.Unsubscribe("job1", late)
}

func TestEventBroadcaster_TerminalEventNotDropped(t *testing.T) {
	eb := NewEventBroadcaster()
	ch := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", ch)

	for i := 0; i < 20; i++ {
		eb.Broadcast(ProgressEvent{JobID: "job1", State: StateRunning, Iterations: i})
	}
	eb.Broadcast(ProgressEvent{JobID: "job1", State: StateCompleted, Iterations: 20})

	var last ProgressEvent
	for len(ch) > 0 {
		last = <-ch
	}
	if last.State != StateCompleted {
		t.Errorf("Expected the final event last, got %+v", last)
	}
}

func TestEventBroadcaster_SequenceAndCleanup(t *testing.T) {
	eb := NewEventBroadcaster()
	ch := eb.Subscribe("job1")

	for i := 0; i < 3; i++ {
		eb.Broadcast(ProgressEvent{JobID: "job1", State: StateRunning, Iterations: i})
	}
	eb.Broadcast(ProgressEvent{JobID: "job1", State: StateFailed})

	var seqs []uint64
	for len(ch) > 0 {
		seqs = append(seqs, (<-ch).Seq)
	}
	if len(seqs) != 4 {
		t.Fatalf("Expected 4 events, got %d", len(seqs))
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Errorf("Event %d: expected seq %d, got %d", i, i+1, seq)
		}
	}

	eb.Unsubscribe("job1", ch)
	if _, ok := eb.topics["job1"]; ok {
		t.Error("Expected the topic of a finished job to be dropped")
	}

	// Nothing is replayed once the job has finished.
	late := eb.Subscribe("job1")
	defer eb.Unsubscribe("job1", late)
	if len(late) != 0 {
		t.Errorf("Expected no replay after a terminal event, got %d", len(late))
	}
}
