// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package catalog

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/Pioreactor/pioreactor-sub001/internal/dispatch"
	"github.com/Pioreactor/pioreactor-sub001/internal/store"
	"github.com/Pioreactor/pioreactor-sub001/pkg/streaming"
)

// LeaderServer answers the `/api/...` surface: it mirrors each worker
// endpoint by dispatching over HTTP rather than touching a local store,
// plus the cluster-wide capabilities and dashboard-stream endpoints.
type LeaderServer struct {
	Cluster *store.ClusterJobManager
	Roster  *WorkerRoster
	Stream  *streaming.WebSocketServer // nil disables GET /api/stream
	SSE     *streaming.SSEServer       // optional one-way transport for the same feed
}

// Router builds the gorilla/mux router for the /api surface.
func (s *LeaderServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/workers/{unit}/jobs/running", s.handleRunning).Methods(http.MethodGet)
	r.HandleFunc("/api/workers/{unit}/jobs/run/job_name/{job}/experiments/{experiment}", s.handleRun).Methods(http.MethodPost)
	r.HandleFunc("/api/workers/{unit}/jobs/update/job_name/{job}/experiments/{experiment}", s.handleUpdate).Methods(http.MethodPatch)
	r.HandleFunc("/api/workers/{unit}/jobs/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/api/workers/{unit}/jobs/stop/experiments/{experiment}", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/api/workers/{unit}/jobs/stop/job_name/{job}/experiments/{experiment}", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/api/units/{unit}/capabilities", s.handleCapabilities).Methods(http.MethodGet)
	r.HandleFunc("/api/workers", s.handleWorkers).Methods(http.MethodGet)
	if s.Stream != nil {
		r.HandleFunc("/api/stream", s.handleStream)
	}
	return r
}

// handleStream serves the dashboard feed over the transport the client
// asked for: an EventSource client (Accept: text/event-stream) gets
// Server-Sent Events, anything else gets the websocket upgrade.
func (s *LeaderServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.SSE != nil && strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		s.SSE.HandleSSE(w, r)
		return
	}
	s.Stream.HandleWebSocket(w, r)
}

func (s *LeaderServer) handleRunning(w http.ResponseWriter, r *http.Request) {
	unit := mux.Vars(r)["unit"]
	records, err := s.Cluster.ListRunningJobs(r.Context(), []string{unit}, r.URL.Query().Get("experiment"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records[unit])
}

func (s *LeaderServer) handleRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	unit, job, experiment := vars["unit"], vars["job"], vars["experiment"]

	var req dispatch.RunRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	results, err := s.Cluster.RunJob(r.Context(), []string{unit}, experiment, job, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, results[unit])
}

func (s *LeaderServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	unit, job, experiment := vars["unit"], vars["job"], vars["experiment"]

	var req dispatch.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	results, err := s.Cluster.UpdateSettings(r.Context(), []string{unit}, experiment, job, req.Settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, results[unit])
}

func (s *LeaderServer) handleStop(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	unit, job, experiment := vars["unit"], vars["job"], vars["experiment"]

	results, err := s.Cluster.StopJobs(r.Context(), []string{unit}, experiment, job)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, results[unit])
}

func (s *LeaderServer) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, KnownCapabilities())
}

func (s *LeaderServer) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Roster.List())
}
