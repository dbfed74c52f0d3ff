package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"PluginShell/internal/daemon"
	xerrors "PluginShell/internal/errors"
	"PluginShell/internal/job"
	"PluginShell/internal/registry"
	"PluginShell/pkg/plugin"
)

// Server 暴露巡检 REST 接口，供运维与外部系统查看外壳的运行状态、
// 提交作业与取消作业。
type Server struct {
	addr       string
	jobs       *job.Service
	plugins    *plugin.Manager
	supervisor *daemon.Supervisor
	registry   *registry.Registry
	metrics    http.Handler
}

// Option 定义可选配置。
type Option func(*Server)

// WithMetricsHandler 挂载 /metrics 端点。
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewServer 构造巡检 API 服务实例。
func NewServer(addr string, jobs *job.Service, plugins *plugin.Manager, supervisor *daemon.Supervisor, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		addr:       addr,
		jobs:       jobs,
		plugins:    plugins,
		supervisor: supervisor,
		registry:   reg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，便于测试直接挂在 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/v1/batches", s.handleBatches)
	mux.HandleFunc("/api/v1/batches/", s.handleBatchByID)
	mux.HandleFunc("/api/v1/plugins", s.handlePlugins)
	mux.HandleFunc("/api/v1/daemons", s.handleDaemons)
	mux.HandleFunc("/api/v1/tools", s.handleTools)
	mux.HandleFunc("/api/v1/resources", s.handleResources)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleEnqueueJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type enqueueJobRequest struct {
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Owner       string         `json:"owner,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

func (s *Server) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "作业服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req enqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	j, err := s.jobs.Enqueue(r.Context(), job.EnqueueRequest{
		Type:        req.Type,
		Payload:     req.Payload,
		Owner:       req.Owner,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "作业服务未初始化", http.StatusServiceUnavailable)
		return
	}
	opts := listOptionsFromQuery(r)
	if r.URL.Query().Get("stats") == "true" {
		stats, err := s.jobs.Stats(r.Context(), opts...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "作业服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "非法的作业 ID", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
		j, err := s.jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	case http.MethodDelete:
		j, err := s.jobs.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	default:
		http.Error(w, "仅支持 GET/DELETE", http.StatusMethodNotAllowed)
	}
}

type enqueueBatchRequest struct {
	Jobs []enqueueJobRequest `json:"jobs"`
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.jobs == nil {
		http.Error(w, "作业服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req enqueueBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	reqs := make([]job.EnqueueRequest, 0, len(req.Jobs))
	for _, item := range req.Jobs {
		reqs = append(reqs, job.EnqueueRequest{
			Type:        item.Type,
			Payload:     item.Payload,
			Owner:       item.Owner,
			MaxAttempts: item.MaxAttempts,
		})
	}
	batch, err := s.jobs.EnqueueBatch(r.Context(), reqs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batch)
}

func (s *Server) handleBatchByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.jobs == nil {
		http.Error(w, "作业服务未初始化", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/batches/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "非法的批次 ID", http.StatusBadRequest)
		return
	}
	status, err := s.jobs.GetBatchStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.plugins == nil {
		http.Error(w, "插件管理器未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.plugins.List())
}

func (s *Server) handleDaemons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.supervisor == nil {
		http.Error(w, "守护进程监督者未初始化", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Query().Get("health") == "true" {
		writeJSON(w, http.StatusOK, s.supervisor.HealthCheckAll(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, s.supervisor.List())
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.registry == nil {
		http.Error(w, "注册表未初始化", http.StatusServiceUnavailable)
		return
	}
	level := visibilityFromQuery(r)
	writeJSON(w, http.StatusOK, s.registry.ListTools(level))
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.registry == nil {
		http.Error(w, "注册表未初始化", http.StatusServiceUnavailable)
		return
	}
	level := visibilityFromQuery(r)
	writeJSON(w, http.StatusOK, s.registry.ListResources(level))
}

func visibilityFromQuery(r *http.Request) registry.Visibility {
	raw := r.URL.Query().Get("visibility")
	if raw == "" {
		return 0
	}
	level, err := registry.ParseVisibility(raw)
	if err != nil {
		return 0
	}
	return level
}

func listOptionsFromQuery(r *http.Request) []job.ListOption {
	query := r.URL.Query()
	opts := make([]job.ListOption, 0, 6)
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, job.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, job.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]job.Status, 0, 4)
		for _, item := range strings.Split(raw, ",") {
			statuses = append(statuses, job.Status(strings.TrimSpace(item)))
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if raw := query.Get("type"); raw != "" {
		opts = append(opts, job.WithType(raw))
	}
	if raw := query.Get("owner"); raw != "" {
		opts = append(opts, job.WithOwner(raw))
	}
	if raw := query.Get("batch"); raw != "" {
		opts = append(opts, job.WithBatch(raw))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, job.WithSortOrder(job.SortByCreatedAsc))
	}
	return opts
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 根据错误码映射 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case job.CodeJobNotFound, job.CodeBatchNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case job.CodeUnknownType, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case job.CodeJobCompleted, job.CodeJobConflict, xerrors.CodeConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(xerrors.CodeOf(err)),
	})
}
