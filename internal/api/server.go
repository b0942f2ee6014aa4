// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/atlas-desktop/paramsearch/internal/config"
	"github.com/atlas-desktop/paramsearch/internal/optimization"
	"github.com/atlas-desktop/paramsearch/internal/orchestrator"
	"github.com/atlas-desktop/paramsearch/internal/store"
	"github.com/atlas-desktop/paramsearch/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Job kinds.
const (
	JobSearch      = "search"
	JobWalkForward = "walkforward"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// progressInterval throttles job_progress events per job.
const progressInterval = 250 * time.Millisecond

// Job tracks an asynchronous search or walk-forward run.
type Job struct {
	ID         string                `json:"id"`
	Kind       string                `json:"kind"`
	Status     JobStatus             `json:"status"`
	Symbol     string                `json:"symbol"`
	Strategy   string                `json:"strategy"`
	CreatedAt  time.Time             `json:"createdAt"`
	FinishedAt *time.Time            `json:"finishedAt,omitempty"`
	Progress   optimization.Progress `json:"progress"`
	Error      string                `json:"error,omitempty"`
	Result     interface{}           `json:"result,omitempty"`

	cancel   context.CancelFunc
	lastSent time.Time
}

// runRequest is the body of the run endpoints. Space is either a JSON object
// or a string holding a YAML space declaration.
type runRequest struct {
	orchestrator.Request
	Space json.RawMessage `json:"space"`
}

// Server is the HTTP/WebSocket API server
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	orch       *orchestrator.Orchestrator
	results    *store.SQLiteStore
	gatherer   prometheus.Gatherer
	jobs       map[string]*Job

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a new API server. results and gatherer may be nil; a nil
// gatherer serves the default Prometheus registry.
func NewServer(logger *zap.Logger, config *types.ServerConfig, orch *orchestrator.Orchestrator, results *store.SQLiteStore, gatherer prometheus.Gatherer) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	server := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		orch:     orch,
		results:  results,
		gatherer: gatherer,
		jobs:     make(map[string]*Job),
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	server.hub = NewHub(logger.Named("hub"), server.handleCommand)
	go server.hub.Run(ctx)

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/search", s.handleRun(JobSearch)).Methods("POST")
	s.router.HandleFunc("/api/v1/walkforward", s.handleRun(JobWalkForward)).Methods("POST")

	s.router.HandleFunc("/api/v1/jobs", s.handleListJobs).Methods("GET")
	s.router.HandleFunc("/api/v1/jobs/{id}", s.handleGetJob).Methods("GET")
	s.router.HandleFunc("/api/v1/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")

	s.router.HandleFunc("/api/v1/runs", s.handleListRuns).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}", s.handleGetRun).Methods("GET")

	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Handler returns the router wrapped with CORS handling.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("Starting API server", zap.String("addr", addr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop cancels running jobs, closes WebSocket clients and shuts the HTTP
// server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"stats":   s.orch.Stats(),
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleRun(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body runRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		sf, err := decodeSpace(body.Space)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req := body.Request
		req.Space = sf

		job := s.submit(kind, &req)
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"id":     job.ID,
			"status": JobRunning,
		})
	}
}

func decodeSpace(raw json.RawMessage) (*config.SpaceFile, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("space is required")
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, fmt.Errorf("invalid space: %w", err)
		}
		return config.ParseSpace([]byte(text))
	}
	return config.ParseSpace(raw)
}

// submit registers a job and runs it in the background.
func (s *Server) submit(kind string, req *orchestrator.Request) *Job {
	ctx, cancel := context.WithCancel(s.ctx)
	job := &Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    JobRunning,
		Symbol:    req.Space.Symbol,
		Strategy:  string(req.Space.Strategy),
		CreatedAt: time.Now(),
		cancel:    cancel,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.logger.Info("Job submitted",
		zap.String("id", job.ID),
		zap.String("kind", kind),
		zap.String("symbol", job.Symbol),
		zap.String("strategy", job.Strategy),
	)
	s.hub.PublishJob(MsgTypeJobStarted, job.ID, s.snapshot(job))

	go s.run(ctx, job, req)
	return job
}

func (s *Server) run(ctx context.Context, job *Job, req *orchestrator.Request) {
	defer job.cancel()

	progress := func(p optimization.Progress) {
		s.mu.Lock()
		job.Progress = p
		now := time.Now()
		publish := p.Evaluated >= p.Planned || now.Sub(job.lastSent) >= progressInterval
		if publish {
			job.lastSent = now
		}
		s.mu.Unlock()
		if publish {
			s.hub.PublishJob(MsgTypeJobProgress, job.ID, map[string]interface{}{
				"id":       job.ID,
				"progress": p,
			})
		}
	}

	var (
		result interface{}
		err    error
	)
	switch job.Kind {
	case JobWalkForward:
		result, err = s.orch.WalkForward(ctx, req, progress)
	default:
		result, err = s.orch.Search(ctx, req, progress)
	}

	s.mu.Lock()
	finished := time.Now()
	job.FinishedAt = &finished
	switch {
	case err == nil:
		job.Status = JobCompleted
		job.Result = result
	case ctx.Err() != nil:
		job.Status = JobCancelled
		job.Error = err.Error()
	default:
		job.Status = JobFailed
		job.Error = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Job ended without result", zap.String("id", job.ID), zap.Error(err))
	} else {
		s.logger.Info("Job completed", zap.String("id", job.ID), zap.Duration("elapsed", finished.Sub(job.CreatedAt)))
	}
	s.hub.PublishJob(MsgTypeJobComplete, job.ID, s.snapshot(job))
}

// snapshot copies a job under the lock for encoding.
func (s *Server) snapshot(job *Job) Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *job
}

func (s *Server) lookup(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok
}

// cancelJob cancels a running job. It reports false when the job is unknown
// and an error when it is no longer running.
func (s *Server) cancelJob(id string) (bool, error) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	var status JobStatus
	if ok {
		status = job.Status
	}
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if status != JobRunning {
		return true, fmt.Errorf("job %s is %s", id, status)
	}
	job.cancel()
	s.logger.Info("Job cancel requested", zap.String("id", id))
	return true, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		j := *job
		j.Result = nil
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	found, err := s.cancelJob(id)
	if !found {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": "cancelling",
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		writeError(w, http.StatusServiceUnavailable, "result store disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := s.results.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		writeError(w, http.StatusServiceUnavailable, "result store disabled")
		return
	}
	id := mux.Vars(r)["id"]
	run, err := s.results.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]interface{}{"run": run}
	switch run.Kind {
	case store.KindWalkForward:
		windows, err := s.results.ListWindows(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["windows"] = windows
	default:
		candidates, err := s.results.ListCandidates(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["candidates"] = candidates
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// handleCommand serves WebSocket commands: "status" and "cancel" with
// data {"id": "..."}, and "stats".
func (s *Server) handleCommand(command string, data json.RawMessage) (interface{}, error) {
	if command == "stats" {
		return s.orch.Stats(), nil
	}

	var args struct {
		ID string `json:"id"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &args); err != nil {
			return nil, fmt.Errorf("invalid command data: %w", err)
		}
	}

	switch command {
	case "status":
		job, ok := s.lookup(args.ID)
		if !ok {
			return nil, fmt.Errorf("job %q not found", args.ID)
		}
		j := s.snapshot(job)
		j.Result = nil
		return j, nil
	case "cancel":
		found, err := s.cancelJob(args.ID)
		if !found {
			return nil, fmt.Errorf("job %q not found", args.ID)
		}
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": args.ID, "status": "cancelling"}, nil
	}
	return nil, fmt.Errorf("unknown command %q", command)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
