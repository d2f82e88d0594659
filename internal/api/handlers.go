package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"transit-poll-store/internal/replay"
	"transit-poll-store/internal/sink"

	"github.com/google/uuid"
)

// maxBodyBytes caps a submitted session document.
const maxBodyBytes = 64 << 20

// handleSessions acts as a multiplexer: POST submits a session, other verbs not allowed.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createJob(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionByID routes GET and DELETE for specific job IDs.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	// Expected path: /sessions/{id}
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		http.Error(w, "job id missing", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getJob(w, id)
	case http.MethodDelete:
		s.cancelJob(w, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// createJob handles POST /sessions. The body is a JSON array of polls in the
// object-store layout. An optional ?timestamp= (RFC 3339) pins the commit
// timestamp.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	polls, err := replay.Decode(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts := append([]sink.CommitOption(nil), s.commitOpts...)
	if v := r.URL.Query().Get("timestamp"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid timestamp: %v", err), http.StatusBadRequest)
			return
		}
		opts = append(opts, sink.WithTimestamp(ts))
	}

	jobID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.jobs[jobID] = &jobEntry{
		status: &JobStatus{JobID: jobID, Status: "queued", StartedAt: time.Now()},
		cancel: cancel,
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(ctx, cancel, jobID, polls, opts)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(JobResponse{JobID: jobID})
}

// runJob opens a session and replays the submitted polls into it.
func (s *Server) runJob(ctx context.Context, cancel context.CancelFunc, jobID string, polls []sink.PollDocument, opts []sink.CommitOption) {
	defer s.wg.Done()
	defer cancel()
	log := s.log.WithField("job", jobID)

	if !s.setStatus(jobID, "running") {
		return
	}

	b, err := s.newBackend(ctx)
	if err != nil {
		s.markJobError(jobID, err)
		return
	}

	stats, err := replay.Run(ctx, b, polls, log, opts...)
	if err != nil {
		s.markJobError(jobID, err)
		return
	}

	// Success
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.jobs[jobID]
	if entry.status.Status == "cancelled" {
		return
	}
	entry.status.Status = "finished"
	entry.status.Stats = &stats
	finished := time.Now()
	entry.status.FinishedAt = &finished
}

// setStatus moves a live job to status. It reports false once the job has
// been cancelled.
func (s *Server) setStatus(jobID, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.jobs[jobID]
	if entry.status.Status == "cancelled" {
		return false
	}
	entry.status.Status = status
	return true
}

// getJob handles GET /sessions/{id}
func (s *Server) getJob(w http.ResponseWriter, id string) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	var status JobStatus
	if ok {
		status = *entry.status
	}
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// cancelJob handles DELETE /sessions/{id}. Cancelling a running job rolls
// its session back; a finished job is left alone.
func (s *Server) cancelJob(w http.ResponseWriter, id string) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	switch entry.status.Status {
	case "finished", "error":
		s.mu.Unlock()
		http.Error(w, "job already done", http.StatusConflict)
		return
	}
	entry.status.Status = "cancelled"
	finished := time.Now()
	entry.status.FinishedAt = &finished
	s.mu.Unlock()

	entry.cancel()
	w.WriteHeader(http.StatusNoContent)
}

// markJobError sets the status of the job to error with the provided err.
func (s *Server) markJobError(jobID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[jobID]
	if !ok || entry.status.Status == "cancelled" {
		return
	}
	s.log.Errorf("job %s failed: %v", jobID, err)
	entry.status.Status = "error"
	entry.status.Error = err.Error()
	finished := time.Now()
	entry.status.FinishedAt = &finished
}
