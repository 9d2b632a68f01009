package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kilnworks/kiln/build"
	"github.com/kilnworks/kiln/bus"
	"github.com/kilnworks/kiln/errors"
	"github.com/kilnworks/kiln/joblog"
	"github.com/kilnworks/kiln/logger"
	"github.com/kilnworks/kiln/queue"
	"github.com/kilnworks/kiln/quota"
	"github.com/kilnworks/kiln/store"
	"github.com/kilnworks/kiln/version"
	"github.com/kilnworks/kiln/worker"
)

// authenticate resolves the caller from the Authorization header, falling
// back to the api_key query parameter because browsers cannot set headers
// on WebSocket dials.
func (s *Server) authenticate(r *http.Request) (*store.User, error) {
	token := ""
	if h := r.Header.Get("Authorization"); h != "" {
		token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if token == "" {
		token = r.URL.Query().Get("api_key")
	}
	if token == "" {
		return nil, errors.Mark(errors.New("missing API key"), errors.ErrUnauthorized)
	}
	return s.store.GetUserByAPIKey(token)
}

// authorizeProject loads the project and verifies the caller owns it.
func (s *Server) authorizeProject(user *store.User, projectID string) (*store.Project, error) {
	project, err := s.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != user.ID {
		return nil, errors.Mark(errors.Newf("project %s is not owned by caller", projectID), errors.ErrForbidden)
	}
	return project, nil
}

type compileRequest struct {
	ProjectID string       `json:"project_id"`
	Files     []build.File `json:"files,omitempty"`
	SourceURL string       `json:"source_url,omitempty"`
}

type submitResponse struct {
	Success bool            `json:"success"`
	JobID   string          `json:"job_id"`
	Status  string          `json:"status"`
	Logs    []joblog.Record `json:"logs"`
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !s.limits.allow(user.ID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req compileRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if len(req.Files) == 0 && req.SourceURL == "" {
		writeError(w, http.StatusBadRequest, "files or source_url is required")
		return
	}

	if _, err := s.authorizeProject(user, req.ProjectID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.gate.Admit(user, quota.ActionCompile); err != nil {
		s.writeDomainError(w, err)
		return
	}

	job := store.NewJob(store.JobTypeCompile, user.ID, req.ProjectID)
	payload, err := json.Marshal(worker.CompilePayload{
		ProjectID: req.ProjectID,
		Files:     req.Files,
		SourceURL: req.SourceURL,
		JobID:     job.ID,
		UserID:    user.ID,
	})
	if err != nil {
		s.writeDomainError(w, errors.Wrap(err, "encode compile payload"))
		return
	}

	s.submit(w, r, job, queue.QueueCompile, payload)
}

type deployRequest struct {
	ProjectID  string          `json:"project_id"`
	WasmBase64 string          `json:"wasm_base64"`
	Network    string          `json:"network"`
	WalletInfo json.RawMessage `json:"wallet_info,omitempty"`
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !s.limits.allow(user.ID) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req deployRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if req.WasmBase64 == "" {
		writeError(w, http.StatusBadRequest, "wasm_base64 is required")
		return
	}
	// Byte-level WASM checks happen in the deploy runner; ingress only
	// proves the payload is transportable.
	if _, err := base64.StdEncoding.DecodeString(req.WasmBase64); err != nil {
		writeError(w, http.StatusBadRequest, "wasm_base64 is not valid base64")
		return
	}
	if !s.validNetwork(req.Network) {
		writeError(w, http.StatusBadRequest, "unknown network: "+req.Network)
		return
	}

	if _, err := s.authorizeProject(user, req.ProjectID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.gate.Admit(user, quota.ActionDeploy); err != nil {
		s.writeDomainError(w, err)
		return
	}

	job := store.NewJob(store.JobTypeDeploy, user.ID, req.ProjectID)
	payload, err := json.Marshal(worker.DeployPayload{
		ProjectID:  req.ProjectID,
		WasmBase64: req.WasmBase64,
		Network:    req.Network,
		JobID:      job.ID,
		UserID:     user.ID,
		WalletInfo: req.WalletInfo,
	})
	if err != nil {
		s.writeDomainError(w, errors.Wrap(err, "encode deploy payload"))
		return
	}

	s.submit(w, r, job, queue.QueueDeploy, payload)
}

// submit persists the job then enqueues it. An enqueue failure after the
// row exists marks the job failed best-effort and answers 503; the client
// may simply resubmit.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, job *store.Job, queueName string, payload []byte) {
	if err := s.store.CreateJob(job); err != nil {
		s.writeDomainError(w, err)
		return
	}

	if _, err := s.queues[queueName].Enqueue(r.Context(), job.BrokerHandle, job.ID, payload, nil); err != nil {
		s.log.Errorw("Enqueue failed after job create",
			logger.FieldJobID, job.ID,
			logger.FieldQueue, queueName,
			logger.FieldError, err,
		)
		if _, _, failErr := s.store.FailJob(job.ID, "job queue unavailable", job.Logs, job.LogCount); failErr != nil {
			s.log.Errorw("Failed to mark unqueued job failed",
				logger.FieldJobID, job.ID,
				logger.FieldError, failErr,
			)
		}
		writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
		return
	}

	s.log.Infow("Job submitted",
		logger.FieldJobID, job.ID,
		logger.FieldJobType, string(job.Type),
		logger.FieldUserID, job.OwnerID,
		logger.FieldProjectID, job.ProjectID,
	)

	// Bridge the seed record to live subscribers on this and other replicas.
	if len(job.Logs) > 0 {
		rec := job.Logs[0]
		if s.bus != nil {
			if err := s.bus.PublishLog(r.Context(), job.ID, rec); err != nil {
				s.log.Debugw("Seed log publish failed", logger.FieldJobID, job.ID, logger.FieldError, err)
			}
		}
		s.hub.emitLocal(bus.Event{Kind: bus.EventLog, JobID: job.ID, Log: &rec})
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		Success: true,
		JobID:   job.ID,
		Status:  string(job.Status),
		Logs:    job.Logs,
	})
}

// validNetwork accepts any loaded network profile name. Without profiles
// only the two public networks are deployable.
func (s *Server) validNetwork(name string) bool {
	if name == "" {
		return false
	}
	if s.networks != nil {
		_, ok := s.networks.Get(name)
		return ok
	}
	return name == "testnet" || name == "mainnet"
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	job, err := s.store.GetJob(r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	// Foreign jobs look absent rather than forbidden.
	if job.OwnerID != user.ID {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"job":     job,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	q := r.URL.Query()
	filter := store.JobFilter{
		OwnerID:   user.ID,
		ProjectID: q.Get("project_id"),
	}

	if status := q.Get("status"); status != "" {
		if !store.IsValidStatus(status) {
			writeError(w, http.StatusBadRequest, "unknown status: "+status)
			return
		}
		filter.Status = store.JobStatus(status)
	}
	if jobType := q.Get("type"); jobType != "" {
		if jobType != string(store.JobTypeCompile) && jobType != string(store.JobTypeDeploy) {
			writeError(w, http.StatusBadRequest, "unknown type: "+jobType)
			return
		}
		filter.Type = store.JobType(jobType)
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	jobs, err := s.store.ListJobs(filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"jobs":    jobs,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := map[string]string{"status": "ok", "store": "ok", "broker": "ok"}
	status := http.StatusOK

	if err := s.store.DB().PingContext(ctx); err != nil {
		body["status"] = "degraded"
		body["store"] = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if s.rdb == nil || s.rdb.Ping(ctx).Err() != nil {
		body["status"] = "degraded"
		body["broker"] = "unreachable"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	queueStats := make(map[string]*queue.Stats, len(s.queues))
	for name, q := range s.queues {
		stats, err := q.Stats(ctx)
		if err != nil {
			s.writeDomainError(w, errors.Mark(errors.Wrap(err, "broker unavailable"), errors.ErrServiceUnavailable))
			return
		}
		queueStats[name] = stats
	}

	jobCounts, err := s.store.CountJobsByStatus()
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	workers, err := worker.ListWorkers(ctx, s.rdb)
	if err != nil {
		s.log.Warnw("Worker presence read failed", logger.FieldError, err)
		workers = nil
	}
	if workers == nil {
		workers = []worker.Presence{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"version":        version.Get(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"queues":         queueStats,
		"jobs":           jobCounts,
		"workers":        workers,
	})
}
