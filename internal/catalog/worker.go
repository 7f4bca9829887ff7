// SPDX-FileCopyrightText: 2025 Pioreactor contributors
// SPDX-License-Identifier: MIT

package catalog

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Pioreactor/pioreactor-sub001/internal/dispatch"
	"github.com/Pioreactor/pioreactor-sub001/internal/pubsub"
	"github.com/Pioreactor/pioreactor-sub001/internal/store"
	pioerrors "github.com/Pioreactor/pioreactor-sub001/pkg/errors"
	"github.com/Pioreactor/pioreactor-sub001/pkg/logging"
)

// Publisher is the narrow slice of *pubsub.Client the worker HTTP surface
// needs: enough to publish a settings-mutation message, nothing more.
type Publisher interface {
	Publish(topic string, payload []byte, qos pubsub.QoS, retain bool) error
}

// WorkerServer answers the `/unit_api/...` surface a worker (or a leader
// acting on itself) exposes. Run requests go through
// Spawner; stop/query requests go through Manager; update requests publish
// MQTT `.../set` messages through Broker rather than writing the store
// directly: settings flow through the broker, never direct store writes
// from outside the job.
type WorkerServer struct {
	Manager     *store.JobManager
	Tasks       *TaskResultStore
	Spawner     Spawner
	Broker      Publisher
	Unit        string // this node's name, used to address its own MQTT settings topics
	Logger      logging.Logger
	GraceWindow time.Duration // default 500ms
}

// Router builds the gorilla/mux router for the /unit_api surface.
func (s *WorkerServer) Router() *mux.Router {
	if s.GraceWindow == 0 {
		s.GraceWindow = 500 * time.Millisecond
	}
	r := mux.NewRouter()
	r.HandleFunc("/unit_api/jobs/run/job_name/{job}", s.handleRun).Methods(http.MethodPost)
	r.HandleFunc("/unit_api/jobs/stop", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/unit_api/jobs/stop/job_name/{job}", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/unit_api/jobs/stop/job_name/{job}/experiments/{experiment}", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/unit_api/jobs/stop/experiments/{experiment}", s.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/unit_api/jobs/update/job_name/{job}/experiments/{experiment}", s.handleUpdate).Methods(http.MethodPatch)
	r.HandleFunc("/unit_api/jobs/running", s.handleListRunning).Methods(http.MethodGet)
	r.HandleFunc("/unit_api/jobs", s.handleListHistory).Methods(http.MethodGet)
	r.HandleFunc("/unit_api/jobs/settings/job_name/{job}/experiments/{experiment}", s.handleSettings).Methods(http.MethodGet)
	r.HandleFunc("/unit_api/task_results/{task_id}", s.handleTaskResult).Methods(http.MethodGet)
	return r
}

func (s *WorkerServer) handleRun(w http.ResponseWriter, r *http.Request) {
	jobName := mux.Vars(r)["job"]

	// A duplicate instance would contend for retained topics and hardware;
	// refuse before spawning anything.
	if running, err := s.Manager.IsJobRunning(jobName); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	} else if running {
		writeError(w, http.StatusConflict, pioerrors.NewJobAlreadyRunningError(s.Unit, jobName))
		return
	}

	var req dispatch.RunRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	// SpawnWithGrace itself blocks for the full grace window on success, so
	// the synchronous-response deadline must be longer or the 200 path
	// would race the 202 path.
	taskID, result, err, done := s.Tasks.StartWithGrace(func() (any, error) {
		pid, err := SpawnWithGrace(r.Context(), s.Spawner, jobName, req, s.GraceWindow)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pid": pid}, nil
	}, 2*s.GraceWindow)

	if !done {
		writeAccepted(w, taskID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *WorkerServer) handleStop(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	filter := store.KillFilter{
		JobName:    vars["job"],
		Experiment: vars["experiment"],
	}
	if filter.JobName == "" && filter.Experiment == "" {
		filter.AllJobs = true
	}

	count, err := s.Manager.KillJobs(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"killed": count})
}

func (s *WorkerServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobName, experiment := vars["job"], vars["experiment"]

	var req dispatch.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	for setting, value := range req.Settings {
		topic := pubsub.SettingSetTopic(s.Unit, experiment, jobName, setting)
		if err := s.Broker.Publish(topic, []byte(value), pubsub.ExactlyOnce, false); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(req.Settings)})
}

func (s *WorkerServer) handleListRunning(w http.ResponseWriter, r *http.Request) {
	records, err := s.Manager.ListJobs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *WorkerServer) handleListHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.Manager.ListJobHistory()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *WorkerServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	jobName := mux.Vars(r)["job"]

	jobID, ok, err := s.Manager.GetRunningJobID(jobName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("catalog: %s is not running", jobName))
		return
	}

	settings, err := s.Manager.ListJobSettings(jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *WorkerServer) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]

	status, result, err, ok := s.Tasks.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("catalog: unknown task %s", taskID))
		return
	}
	if status == TaskPending {
		writeAccepted(w, taskID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeAccepted(w http.ResponseWriter, taskID string) {
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":         taskID,
		"result_url_path": ResultURLPath(taskID),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
