package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProgressEvent is one residual update of a job. Seq increases per job.
type ProgressEvent struct {
	JobID      string     `json:"jobId"`
	Seq        uint64     `json:"seq"`
	State      JobState   `json:"state"`
	Iterations int        `json:"iterations"`
	Residual   [2]float64 `json:"residual"`
	Status     string     `json:"status,omitempty"`
	RunID      string     `json:"runId,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

func eventFor(job *Job) ProgressEvent {
	return ProgressEvent{
		JobID:      job.ID,
		State:      job.State,
		Iterations: job.Iterations,
		Residual:   job.Residual,
		Status:     job.Status,
		RunID:      job.RunID,
		Timestamp:  time.Now(),
	}
}

// name is the SSE event type: "progress" while the job runs, else its
// terminal state.
func (e ProgressEvent) name() string {
	if e.State.Terminal() {
		return string(e.State)
	}
	return "progress"
}

// topic is the subscriber set of one job.
type topic struct {
	clients map[chan ProgressEvent]struct{}
	seq     uint64
	last    *ProgressEvent
}

// EventBroadcaster fans job progress out to stream subscribers.
type EventBroadcaster struct {
	mu     sync.Mutex
	topics map[string]*topic
}

func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{topics: make(map[string]*topic)}
}

func (eb *EventBroadcaster) topicFor(jobID string) *topic {
	t, ok := eb.topics[jobID]
	if !ok {
		t = &topic{clients: make(map[chan ProgressEvent]struct{})}
		eb.topics[jobID] = t
	}
	return t
}

// Subscribe returns a channel of the job's events. The latest progress
// event, if any, is delivered first.
func (eb *EventBroadcaster) Subscribe(jobID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	t := eb.topicFor(jobID)
	ch := make(chan ProgressEvent, 10)
	t.clients[ch] = struct{}{}
	if t.last != nil {
		ch <- *t.last
	}
	slog.Debug("Stream subscribed", "jobID", jobID, "subscribers", len(t.clients))
	return ch
}

// Unsubscribe closes ch. The topic is dropped with its last subscriber
// once nothing is left to replay.
func (eb *EventBroadcaster) Unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	t, ok := eb.topics[jobID]
	if !ok {
		return
	}
	if _, ok := t.clients[ch]; ok {
		delete(t.clients, ch)
		close(ch)
	}
	if len(t.clients) == 0 && t.last == nil {
		delete(eb.topics, jobID)
	}
	slog.Debug("Stream unsubscribed", "jobID", jobID)
}

// Broadcast stamps event with the next sequence number and offers it to
// every subscriber. A full subscriber misses progress events; for a
// terminal event its oldest queued event is discarded instead.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	t := eb.topicFor(event.JobID)
	t.seq++
	event.Seq = t.seq

	terminal := event.State.Terminal()
	if terminal {
		// Streams of finished jobs are answered from the job itself.
		t.last = nil
	} else {
		t.last = &event
	}

	for ch := range t.clients {
		select {
		case ch <- event:
			continue
		default:
		}
		if !terminal {
			slog.Warn("Stream subscriber is behind; dropping event", "jobID", event.JobID, "seq", event.Seq)
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
		default:
		}
	}

	if terminal && len(t.clients) == 0 {
		delete(eb.topics, event.JobID)
	}
}

// handleJobStream serves a job's events as server-sent events until the job
// reaches a terminal state or the client goes away.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, exists := s.jobManager.GetJob(jobID); !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(jobID, events)

	// Read the job after subscribing so a job finishing in between is seen.
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		return
	}
	if job.State.Terminal() {
		if err := writeSSEEvent(w, eventFor(job)); err != nil {
			slog.Error("Failed to write stream event", "jobID", jobID, "error", err)
		}
		flusher.Flush()
		return
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("Stream client disconnected", "jobID", jobID)
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write stream event", "jobID", jobID, "error", err)
				return
			}
			flusher.Flush()
			if event.State.Terminal() {
				return
			}

		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one event with its id and type.
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.name(), data)
	return err
}
