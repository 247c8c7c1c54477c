// Command mockbackend serves a development stand-in for the remote REST
// backend: uploads become jobs whose transcription 404s until a fixed
// processing delay has passed.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/backend"
)

type job struct {
	backend.Job
	owner   string
	size    int
	readyAt time.Time
}

type mockBackend struct {
	logger  *slog.Logger
	apiKey  string
	delay   time.Duration
	mu      sync.Mutex
	jobs    map[string]*job
	catalog []backend.Category
	subs    map[string][]backend.Subcategory
}

func newMockBackend(logger *slog.Logger, apiKey string, delay time.Duration) *mockBackend {
	return &mockBackend{
		logger: logger,
		apiKey: apiKey,
		delay:  delay,
		jobs:   make(map[string]*job),
		catalog: []backend.Category{
			{ID: "medical", Name: "Medical", Description: "Clinical conversations"},
			{ID: "legal", Name: "Legal", Description: "Client meetings"},
		},
		subs: map[string][]backend.Subcategory{
			"medical": {
				{ID: "consultation", CategoryID: "medical", Name: "Consultation", PreSessionFields: []backend.PreSessionField{
					{Name: "patient_id", Label: "Patient ID", Type: "text", Required: true},
					{Name: "visit_type", Label: "Visit type", Type: "select", Options: []string{"new", "follow-up"}},
				}},
				{ID: "handover", CategoryID: "medical", Name: "Shift handover"},
			},
			"legal": {
				{ID: "intake", CategoryID: "legal", Name: "Client intake"},
			},
		},
	}
}

func (m *mockBackend) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", m.handleUpload)
	mux.HandleFunc("GET /categories", m.handleCategories)
	mux.HandleFunc("GET /categories/{id}/subcategories", m.handleSubcategories)
	mux.HandleFunc("GET /jobs", m.handleJobs)
	mux.HandleFunc("GET /jobs/{id}", m.handleJob)
	mux.HandleFunc("DELETE /jobs/{id}", m.handleDelete)
	mux.HandleFunc("GET /jobs/{id}/transcription", m.handleTranscription)
	mux.HandleFunc("GET /jobs/{id}/sharing", m.handleSharing)
	mux.HandleFunc("POST /jobs/{id}/share", m.handleShare)
	mux.HandleFunc("POST /jobs/{id}/unshare", m.handleUnshare)
	mux.HandleFunc("PUT /jobs/{id}/analysis", m.handleAnalysis)
	return m.withAuth(mux)
}

func (m *mockBackend) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+m.apiKey {
			writeError(w, http.StatusUnauthorized, "Invalid or missing API key")
			return
		}
		m.logger.Info("Request", slog.String("method", r.Method), slog.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

func (m *mockBackend) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing audio file")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Error reading audio file")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "Audio file is empty")
		return
	}

	categoryID := r.FormValue("category_id")
	subcategoryID := r.FormValue("subcategory_id")
	if categoryID == "" || subcategoryID == "" {
		writeError(w, http.StatusBadRequest, "category_id and subcategory_id are required")
		return
	}

	if raw := r.FormValue("pre_session_data"); raw != "" {
		var preSession map[string]any
		if err := json.Unmarshal([]byte(raw), &preSession); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "pre_session_data must be a JSON object")
			return
		}
	}

	now := time.Now().UTC()
	j := &job{
		Job: backend.Job{
			ID:            uuid.NewString(),
			Filename:      header.Filename,
			Status:        backend.StatusProcessing,
			CategoryID:    categoryID,
			SubcategoryID: subcategoryID,
			CreatedAt:     now,
		},
		owner:   "owner@example.com",
		size:    len(data),
		readyAt: now.Add(m.delay),
	}

	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()

	m.logger.Info("Upload received",
		slog.String("job_id", j.ID),
		slog.String("filename", header.Filename),
		slog.String("content_type", header.Header.Get("Content-Type")),
		slog.Int("size", len(data)),
		slog.String("category_id", categoryID),
		slog.String("subcategory_id", subcategoryID),
	)

	writeJSON(w, http.StatusOK, backend.UploadResponse{JobID: j.ID, Status: backend.StatusUploaded})
}

func (m *mockBackend) handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.catalog)
}

func (m *mockBackend) handleSubcategories(w http.ResponseWriter, r *http.Request) {
	subs, ok := m.subs[r.PathValue("id")]
	if !ok {
		writeError(w, http.StatusNotFound, "Category not found")
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// lookup returns a live job, advancing it to completed once ready
func (m *mockBackend) lookup(id string) (*job, bool) {
	j, ok := m.jobs[id]
	if !ok || j.Deleted {
		return nil, false
	}
	if j.Status == backend.StatusProcessing && !time.Now().Before(j.readyAt) {
		j.Status = backend.StatusCompleted
		j.TranscriptionText = fmt.Sprintf("Mock transcription of %s (%d bytes).", j.Filename, j.size)
	}
	return j, true
}

func (m *mockBackend) handleJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]backend.Job, 0, len(m.jobs))
	for id := range m.jobs {
		j, ok := m.lookup(id)
		if !ok {
			continue
		}
		if c := q.Get("category_id"); c != "" && j.CategoryID != c {
			continue
		}
		if s := q.Get("subcategory_id"); s != "" && j.SubcategoryID != s {
			continue
		}
		if st := q.Get("status"); st != "" && j.Status != st {
			continue
		}
		jobs = append(jobs, j.Job)
	}
	slices.SortFunc(jobs, func(a, b backend.Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
	writeJSON(w, http.StatusOK, jobs)
}

func (m *mockBackend) handleJob(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, j.Job)
}

func (m *mockBackend) handleDelete(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	j.Deleted = true
	w.WriteHeader(http.StatusNoContent)
}

func (m *mockBackend) handleTranscription(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.lookup(r.PathValue("id"))
	if !ok || j.Status == backend.StatusProcessing {
		// Not found doubles as still processing
		writeError(w, http.StatusNotFound, "Transcription not available")
		return
	}
	writeJSON(w, http.StatusOK, backend.Transcription{JobID: j.ID, Text: j.TranscriptionText, Language: "en"})
}

func (m *mockBackend) handleSharing(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	writeJSON(w, http.StatusOK, backend.SharingInfo{JobID: j.ID, Owner: j.owner, Shares: j.Shares})
}

func decodeShare(w http.ResponseWriter, r *http.Request) (backend.ShareRequest, bool) {
	var req backend.ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !strings.Contains(req.UserEmail, "@") {
		writeError(w, http.StatusUnprocessableEntity, "A valid user_email is required")
		return req, false
	}
	if req.Permission == "" {
		req.Permission = "view"
	}
	return req, true
}

func (m *mockBackend) handleShare(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeShare(w, r)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	j.Shares = slices.DeleteFunc(j.Shares, func(s backend.Share) bool { return s.UserEmail == req.UserEmail })
	j.Shares = append(j.Shares, backend.Share{UserEmail: req.UserEmail, Permission: req.Permission, SharedAt: time.Now().UTC()})
	w.WriteHeader(http.StatusNoContent)
}

func (m *mockBackend) handleUnshare(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeShare(w, r)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	j.Shares = slices.DeleteFunc(j.Shares, func(s backend.Share) bool { return s.UserEmail == req.UserEmail })
	w.WriteHeader(http.StatusNoContent)
}

func (m *mockBackend) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	var req backend.AnalysisUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusUnprocessableEntity, "text is required")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	j.AnalysisText = req.Text
	writeJSON(w, http.StatusOK, j.Job)
}

func main() {
	addr := flag.String("addr", ":9000", "Listen address")
	apiKey := flag.String("api-key", "", "Required bearer token (empty disables auth)")
	delay := flag.Duration("delay", 15*time.Second, "Time until an uploaded job is transcribed")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	mock := newMockBackend(logger, *apiKey, *delay)

	logger.Info("Mock backend starting",
		slog.String("address", *addr),
		slog.Duration("processing_delay", *delay),
	)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mock.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
