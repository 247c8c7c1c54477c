package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/backend"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/config"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/draft"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/metrics"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/query"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/recording"
)

const (
	serviceName    = "sonic-brief-capture"
	serviceVersion = "1.0.0"

	maxBodyBytes = 1 << 20
)

// DraftStore is the read side of the draft store used by the API
type DraftStore interface {
	Get(ctx context.Context, categoryID, subcategoryID string) (*draft.Draft, error)
	List(ctx context.Context) ([]draft.Draft, error)
	CheckQuota(ctx context.Context) (draft.QuotaStatus, error)
}

// Services are the components the API exposes. UDP may be nil.
type Services struct {
	Sessions *recording.Manager
	Drafts   DraftStore
	Queries  *query.Service
	UDP      *UDPServer
	Gatherer prometheus.Gatherer // nil serves the default registry
}

// HTTPServer is the local control API used by the UI
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	listener net.Listener
	logger   *slog.Logger
	config   *config.Config
	services Services
	metrics  *metrics.Metrics
	validate *validator.Validate

	startTime time.Time
}

// NewHTTPServer creates the control API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config, services Services, m *metrics.Metrics) *HTTPServer {
	h := &HTTPServer{
		logger:    logger.With(slog.String("component", "http_api")),
		config:    appConfig,
		services:  services,
		metrics:   m,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: uploads and transcription waits outlast any fixed bound
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	h.handle(mux, "GET", "/{$}", h.handleRoot)
	h.handle(mux, "GET", "/health", h.handleHealth)
	h.handle(mux, "GET", "/config", h.handleConfig)
	h.handle(mux, "GET", "/stats", h.handleStats)

	gatherer := h.services.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Recording sessions
	const session = "/sessions/{category}/{subcategory}"
	h.handle(mux, "GET", "/sessions", h.handleSessions)
	h.handle(mux, "GET", session, h.withSession(h.handleSessionInfo))
	h.handle(mux, "DELETE", session, h.handleSessionRemove)
	h.handle(mux, "PUT", session+"/metadata", h.withSession(h.handleMetadata))
	h.handle(mux, "POST", session+"/start", h.withSession(h.handleStart))
	h.handle(mux, "POST", session+"/pause", h.withSession(h.handlePause))
	h.handle(mux, "POST", session+"/resume", h.withSession(h.handleResume))
	h.handle(mux, "POST", session+"/stop", h.withSession(h.handleStop))
	h.handle(mux, "POST", session+"/upload", h.withSession(h.handleUpload))
	h.handle(mux, "POST", session+"/reset", h.withSession(h.handleReset))
	h.handle(mux, "POST", session+"/hide", h.withSession(h.handleHide))
	h.handle(mux, "GET", session+"/draft", h.withSession(h.handleDraft))
	h.handle(mux, "POST", session+"/draft/restore", h.withSession(h.handleRestore))
	h.handle(mux, "DELETE", session+"/draft", h.withSession(h.handleDiscardDraft))
	h.handle(mux, "GET", session+"/draft/audio", h.handleDraftAudio)
	h.handle(mux, "DELETE", session+"/notices/{id}", h.withSession(h.handleDismissNotice))

	// Draft storage
	h.handle(mux, "GET", "/drafts", h.handleDrafts)
	h.handle(mux, "GET", "/drafts/quota", h.handleQuota)

	// Backend queries and mutations
	h.handle(mux, "GET", "/categories", h.handleCategories)
	h.handle(mux, "GET", "/categories/{id}/subcategories", h.handleSubcategories)
	h.handle(mux, "GET", "/jobs", h.handleJobs)
	h.handle(mux, "GET", "/jobs/{id}", h.handleJob)
	h.handle(mux, "DELETE", "/jobs/{id}", h.handleDeleteJob)
	h.handle(mux, "GET", "/jobs/{id}/transcription", h.handleTranscription)
	h.handle(mux, "GET", "/jobs/{id}/sharing", h.handleSharing)
	h.handle(mux, "POST", "/jobs/{id}/share", h.handleShare)
	h.handle(mux, "POST", "/jobs/{id}/unshare", h.handleUnshare)
	h.handle(mux, "PUT", "/jobs/{id}/analysis", h.handleAnalysis)
}

// handle registers a method-scoped route labelled by its pattern
func (h *HTTPServer) handle(mux *http.ServeMux, method, pattern string, handler http.HandlerFunc) {
	mux.HandleFunc(method+" "+pattern, h.withMetrics(pattern, handler))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

// decodeBody reads a JSON body into v and validates it
func (h *HTTPServer) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
		return false
	}
	return true
}

// --- Service endpoints ---

func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": serviceName,
		"version": serviceVersion,
		"endpoints": map[string]string{
			"GET /":                           "API documentation",
			"GET /health":                     "Service health check",
			"GET /config":                     "Service configuration",
			"GET /stats":                      "Service statistics",
			"GET /metrics":                    "Prometheus metrics",
			"GET /sessions":                   "List recording sessions",
			"GET /sessions/{cat}/{sub}":       "Recording session state",
			"POST /sessions/{cat}/{sub}/*":    "start, pause, resume, stop, upload, reset, hide",
			"GET /sessions/{cat}/{sub}/draft": "Restorable draft",
			"GET /drafts":                     "List stored drafts",
			"GET /drafts/quota":               "Draft storage usage",
			"GET /categories":                 "Backend categories",
			"GET /jobs":                       "Backend jobs",
			"GET /jobs/{id}/transcription":    "Transcription, ?wait=true polls until ready",
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"recording": map[string]any{
			"status":   "running",
			"sessions": h.services.Sessions.Count(),
		},
		"query_cache": map[string]any{
			"status":  "running",
			"entries": h.services.Queries.Cache().Len(),
		},
	}

	status := "healthy"
	quota, err := h.services.Drafts.CheckQuota(r.Context())
	if err != nil {
		status = "degraded"
		components["drafts"] = map[string]any{"status": "error", "error": err.Error()}
	} else {
		draftStatus := "running"
		if quota.Warning {
			draftStatus = "storage_low"
		}
		components["drafts"] = map[string]any{
			"status":     draftStatus,
			"drafts":     quota.Drafts,
			"used_bytes": quota.UsedBytes,
		}
	}

	if h.services.UDP != nil {
		stats := h.services.UDP.GetStatistics()
		components["udp_ingest"] = map[string]any{
			"status":         "running",
			"active_streams": stats.ActiveStreams,
			"queue_size":     stats.QueueSize,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config
	// API key is intentionally omitted
	writeJSON(w, http.StatusOK, map[string]any{
		"capture": map[string]any{
			"local_device": len(c.Capture.Command) > 0,
			"sample_rate":  c.Capture.SampleRate,
			"channels":     c.Capture.Channels,
			"bit_depth":    c.Capture.BitDepth,
			"timeslice_ms": c.Capture.TimesliceMS,
			"udp_enabled":  c.Capture.UDPEnabled,
			"udp_port":     c.Capture.UDPPort,
		},
		"drafts": map[string]any{
			"max_draft_bytes":  c.Drafts.MaxDraftBytes,
			"quota_bytes":      c.Drafts.QuotaBytes,
			"quota_warn_ratio": c.Drafts.QuotaWarnRatio,
			"max_age_hours":    c.Drafts.MaxAgeHours,
		},
		"recording": map[string]any{
			"snapshot_interval":    c.Recording.SnapshotInterval,
			"hidden_debounce":      c.Recording.HiddenDebounce,
			"session_idle_timeout": c.Recording.SessionIdleTimeout,
		},
		"transcode": map[string]any{
			"enabled":     c.Transcode.Enabled,
			"format":      c.Transcode.Format,
			"bitrate":     c.Transcode.Bitrate,
			"sample_rate": c.Transcode.SampleRate,
			"channels":    c.Transcode.Channels,
		},
		"backend": map[string]any{
			"base_url":       c.Backend.BaseURL,
			"timeout":        c.Backend.Timeout,
			"max_retries":    c.Backend.MaxRetries,
			"max_concurrent": c.Backend.MaxConcurrent,
		},
		"query": c.Query,
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]any{
			"count": h.services.Sessions.Count(),
		},
		"query_cache": map[string]any{
			"entries": h.services.Queries.Cache().Len(),
		},
	}
	if quota, err := h.services.Drafts.CheckQuota(r.Context()); err == nil {
		stats["drafts"] = quota
	}
	if h.services.UDP != nil {
		stats["udp"] = h.services.UDP.GetStatistics()
		stats["streams"] = h.services.UDP.Streams()
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- Recording sessions ---

type sessionHandler func(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller)

func sessionKey(r *http.Request) recording.Key {
	return recording.Key{
		CategoryID:    r.PathValue("category"),
		SubcategoryID: r.PathValue("subcategory"),
	}
}

// withSession resolves the controller named by the path
func (h *HTTPServer) withSession(handler sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := sessionKey(r)
		if err := key.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, CodeValidationError, err.Error())
			return
		}
		ctrl, err := h.services.Sessions.GetOrCreate(key)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		handler(w, r, ctrl)
	}
}

// respond writes the controller state, or err
func respond(w http.ResponseWriter, ctrl *recording.Controller, err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Info())
}

func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.services.Sessions.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

func (h *HTTPServer) handleSessionInfo(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	writeJSON(w, http.StatusOK, ctrl.Info())
}

func (h *HTTPServer) handleSessionRemove(w http.ResponseWriter, r *http.Request) {
	if !h.services.Sessions.Remove(sessionKey(r)) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// metadataRequest carries what the UI collected before recording
type metadataRequest struct {
	CategoryName    string         `json:"category_name" validate:"max=200"`
	SubcategoryName string         `json:"subcategory_name" validate:"max=200"`
	PreSessionData  map[string]any `json:"pre_session_data" validate:"max=100"`
}

func (h *HTTPServer) handleMetadata(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	var req metadataRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	ctrl.SetLabels(req.CategoryName, req.SubcategoryName)
	ctrl.SetPreSessionData(req.PreSessionData)
	writeJSON(w, http.StatusOK, ctrl.Info())
}

func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	respond(w, ctrl, ctrl.Start(r.Context()))
}

func (h *HTTPServer) handlePause(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	respond(w, ctrl, ctrl.Pause())
}

func (h *HTTPServer) handleResume(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	respond(w, ctrl, ctrl.Resume())
}

func (h *HTTPServer) handleStop(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	respond(w, ctrl, ctrl.Stop(r.Context()))
}

func (h *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	jobID, err := ctrl.Upload(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  jobID,
		"session": ctrl.Info(),
	})
}

func (h *HTTPServer) handleReset(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	respond(w, ctrl, ctrl.Reset())
}

func (h *HTTPServer) handleHide(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	saved, err := ctrl.Hide(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": saved})
}

func (h *HTTPServer) handleDraft(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	d, err := ctrl.Mount(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "no draft for this recording")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *HTTPServer) handleRestore(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	if _, err := ctrl.Restore(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Info())
}

func (h *HTTPServer) handleDiscardDraft(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	if err := ctrl.DiscardDraft(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPServer) handleDraftAudio(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	d, err := h.services.Drafts.Get(r.Context(), key.CategoryID, key.SubcategoryID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if d == nil || d.Uploaded {
		writeError(w, http.StatusNotFound, CodeNotFound, "no draft for this recording")
		return
	}

	w.Header().Set("Content-Type", d.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(d.Audio)))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="draft-%s"`, d.ID))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(d.Audio); err != nil {
		h.logger.Debug("Draft download interrupted", slog.String("error", err.Error()))
	}
}

func (h *HTTPServer) handleDismissNotice(w http.ResponseWriter, r *http.Request, ctrl *recording.Controller) {
	if !ctrl.DismissNotice(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such notice")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Drafts ---

func (h *HTTPServer) handleDrafts(w http.ResponseWriter, r *http.Request) {
	drafts, err := h.services.Drafts.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_drafts": len(drafts),
		"drafts":       drafts,
	})
}

func (h *HTTPServer) handleQuota(w http.ResponseWriter, r *http.Request) {
	status, err := h.services.Drafts.CheckQuota(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Backend ---

func (h *HTTPServer) handleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.services.Queries.Categories(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, categories)
}

func (h *HTTPServer) handleSubcategories(w http.ResponseWriter, r *http.Request) {
	subcategories, err := h.services.Queries.Subcategories(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subcategories)
}

func (h *HTTPServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobs, err := h.services.Queries.Jobs(r.Context(), backend.JobFilter{
		CategoryID:    q.Get("category_id"),
		SubcategoryID: q.Get("subcategory_id"),
		Status:        q.Get("status"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *HTTPServer) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.services.Queries.Job(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *HTTPServer) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.services.Queries.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTranscription answers 202 while the backend is still processing,
// or with ?wait=true blocks until the transcription is ready
func (h *HTTPServer) handleTranscription(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	var (
		t   *backend.Transcription
		err error
	)
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		t, err = h.services.Queries.WaitForTranscription(r.Context(), jobID)
	} else {
		t, err = h.services.Queries.Transcription(r.Context(), jobID)
	}

	if errors.Is(err, backend.ErrNotReady) {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id": jobID,
			"status": backend.StatusProcessing,
		})
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *HTTPServer) handleSharing(w http.ResponseWriter, r *http.Request) {
	info, err := h.services.Queries.Sharing(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *HTTPServer) handleShare(w http.ResponseWriter, r *http.Request) {
	var req backend.ShareRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := h.services.Queries.Share(r.Context(), r.PathValue("id"), req); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPServer) handleUnshare(w http.ResponseWriter, r *http.Request) {
	var req backend.ShareRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := h.services.Queries.Unshare(r.Context(), r.PathValue("id"), req); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPServer) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	var req backend.AnalysisUpdate
	if !h.decodeBody(w, r, &req) {
		return
	}
	if err := h.services.Queries.SaveAnalysis(r.Context(), r.PathValue("id"), req); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
