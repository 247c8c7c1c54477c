package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptrace"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Client talks to the transcription backend's REST API
type Client struct {
	config     Config
	baseURL    *url.URL
	httpClient *http.Client
	semaphore  chan struct{} // Bounds concurrent requests
	recorder   Recorder

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains backend client configuration
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxConcurrent int
	UserAgent     string
}

// Recorder receives per-request observations, normally Prometheus metrics
type Recorder interface {
	RecordBackendRequest(operation, outcome string, duration time.Duration)
	RecordBackendRetry(operation string)
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRecorder attaches a metrics recorder
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// NewClient creates a new backend client
func NewClient(config Config, opts ...Option) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}

	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", config.BaseURL)
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 2
	}

	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}

	if config.UserAgent == "" {
		config.UserAgent = "sonic-brief-capture/1.0"
	}

	c := &Client{
		config:  config,
		baseURL: base,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		semaphore: make(chan struct{}, config.MaxConcurrent),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// request describes one logical API call. body is rebuilt for every attempt.
type request struct {
	operation string
	method    string
	path      string
	query     url.Values
	body      func() (io.Reader, string, error)
	out       any

	// A repeated nonIdempotent request may act twice on the server, so it
	// is only retried when the previous attempt never went out or was
	// turned away with 429.
	nonIdempotent bool
}

// do runs a request through the semaphore and the retry policy
func (c *Client) do(ctx context.Context, req request) error {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	var lastErr error

	// Fixed delay between attempts
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			if c.recorder != nil {
				c.recorder.RecordBackendRetry(req.operation)
			}

			timer := time.NewTimer(c.config.RetryDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				c.finish(req.operation, "canceled", startTime, false)
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, req)
		if err == nil {
			c.finish(req.operation, "success", startTime, true)
			return nil
		}

		lastErr = err

		if !isRetryableError(ctx, err) {
			break
		}
		if req.nonIdempotent && !errors.Is(err, errNotSent) && !IsStatus(err, http.StatusTooManyRequests) {
			break
		}
	}

	c.finish(req.operation, outcome(lastErr), startTime, false)
	return lastErr
}

func (c *Client) finish(operation, result string, startTime time.Time, ok bool) {
	elapsed := time.Since(startTime)
	if ok {
		c.incrementSuccessRequests()
		c.updateAvgResponseTime(elapsed)
	} else {
		c.incrementFailedRequests()
	}
	if c.recorder != nil {
		c.recorder.RecordBackendRequest(operation, result, elapsed)
	}
}

// doRequest performs a single HTTP round trip
func (c *Client) doRequest(ctx context.Context, req request) error {
	var (
		body        io.Reader
		contentType string
	)
	if req.body != nil {
		var err error
		body, contentType, err = req.body()
		if err != nil {
			return fmt.Errorf("failed to build request body: %w", err)
		}
	}

	target := c.baseURL.JoinPath(req.path)
	if len(req.query) > 0 {
		target.RawQuery = req.query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, target.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.UserAgent)

	var wrote atomic.Bool
	httpReq = httpReq.WithContext(httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) { wrote.Store(true) },
	}))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !wrote.Load() {
			return fmt.Errorf("%w: %w: %v", ErrNetwork, errNotSent, err)
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %v", ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(resp.StatusCode, respBody),
		}
	}

	if req.out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, req.out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return nil
}

// isRetryableError reports whether another attempt may succeed
func isRetryableError(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	if errors.Is(err, ErrNetwork) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}

	return false
}

func outcome(err error) string {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return fmt.Sprintf("http_%d", apiErr.StatusCode)
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func jsonBody(v any) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// createMultipartRequest builds the upload form: file, category_id,
// subcategory_id and, when present, pre_session_data as JSON.
func createMultipartRequest(upload UploadRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	mimeType := upload.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename=%q`, upload.FileName))
	header.Set("Content-Type", mimeType)

	fileWriter, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(upload.Data); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"category_id", upload.CategoryID},
		{"subcategory_id", upload.SubcategoryID},
	}

	if len(upload.PreSessionData) > 0 {
		encoded, err := json.Marshal(upload.PreSessionData)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode pre-session data: %w", err)
		}
		fields = append(fields, [2]string{"pre_session_data", string(encoded)})
	}

	for _, field := range fields {
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", field[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// Upload submits a recording and returns the created job
func (c *Client) Upload(ctx context.Context, upload UploadRequest) (*UploadResponse, error) {
	if len(upload.Data) == 0 {
		return nil, fmt.Errorf("upload has no audio data")
	}
	if upload.FileName == "" {
		return nil, fmt.Errorf("upload has no file name")
	}
	if upload.CategoryID == "" || upload.SubcategoryID == "" {
		return nil, fmt.Errorf("upload requires category and subcategory")
	}

	var resp UploadResponse
	err := c.do(ctx, request{
		operation: "upload",
		method:    http.MethodPost,
		path:      "/upload",
		body: func() (io.Reader, string, error) {
			return createMultipartRequest(upload)
		},
		out:           &resp,
		nonIdempotent: true,
	})
	if err != nil {
		return nil, err
	}

	if resp.JobID == "" {
		return nil, fmt.Errorf("upload response has no job id")
	}

	return &resp, nil
}

// ListCategories returns all categories
func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	var categories []Category
	err := c.do(ctx, request{
		operation: "list_categories",
		method:    http.MethodGet,
		path:      "/categories",
		out:       &categories,
	})
	return categories, err
}

// ListSubcategories returns the subcategories of a category
func (c *Client) ListSubcategories(ctx context.Context, categoryID string) ([]Subcategory, error) {
	var subcategories []Subcategory
	err := c.do(ctx, request{
		operation: "list_subcategories",
		method:    http.MethodGet,
		path:      "/categories/" + url.PathEscape(categoryID) + "/subcategories",
		out:       &subcategories,
	})
	return subcategories, err
}

// ListJobs returns the caller's jobs
func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := url.Values{}
	if filter.CategoryID != "" {
		query.Set("category_id", filter.CategoryID)
	}
	if filter.SubcategoryID != "" {
		query.Set("subcategory_id", filter.SubcategoryID)
	}
	if filter.Status != "" {
		query.Set("status", filter.Status)
	}

	var jobs []Job
	err := c.do(ctx, request{
		operation: "list_jobs",
		method:    http.MethodGet,
		path:      "/jobs",
		query:     query,
		out:       &jobs,
	})
	return jobs, err
}

// GetJob returns a single job
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	if err := c.do(ctx, request{
		operation: "get_job",
		method:    http.MethodGet,
		path:      jobPath(jobID),
		out:       &job,
	}); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetTranscription returns the transcription of a job. A 404 means the job
// is still processing and is reported as ErrNotReady.
func (c *Client) GetTranscription(ctx context.Context, jobID string) (*Transcription, error) {
	var transcription Transcription
	err := c.do(ctx, request{
		operation: "get_transcription",
		method:    http.MethodGet,
		path:      jobPath(jobID) + "/transcription",
		out:       &transcription,
	})
	if IsStatus(err, http.StatusNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	if err != nil {
		return nil, err
	}

	if transcription.JobID == "" {
		transcription.JobID = jobID
	}
	return &transcription, nil
}

// GetSharing returns who can access a job
func (c *Client) GetSharing(ctx context.Context, jobID string) (*SharingInfo, error) {
	var info SharingInfo
	if err := c.do(ctx, request{
		operation: "get_sharing",
		method:    http.MethodGet,
		path:      jobPath(jobID) + "/sharing",
		out:       &info,
	}); err != nil {
		return nil, err
	}
	if info.JobID == "" {
		info.JobID = jobID
	}
	return &info, nil
}

// Share grants a user access to a job
func (c *Client) Share(ctx context.Context, jobID string, share ShareRequest) error {
	return c.do(ctx, request{
		operation: "share",
		method:    http.MethodPost,
		path:      jobPath(jobID) + "/share",
		body:      jsonBody(share),
	})
}

// Unshare revokes a user's access to a job
func (c *Client) Unshare(ctx context.Context, jobID string, share ShareRequest) error {
	return c.do(ctx, request{
		operation: "unshare",
		method:    http.MethodPost,
		path:      jobPath(jobID) + "/unshare",
		body:      jsonBody(share),
	})
}

// DeleteJob soft-deletes a job
func (c *Client) DeleteJob(ctx context.Context, jobID string) error {
	return c.do(ctx, request{
		operation: "delete_job",
		method:    http.MethodDelete,
		path:      jobPath(jobID),
	})
}

// SaveAnalysis replaces the analysis text of a job
func (c *Client) SaveAnalysis(ctx context.Context, jobID string, update AnalysisUpdate) error {
	return c.do(ctx, request{
		operation: "save_analysis",
		method:    http.MethodPut,
		path:      jobPath(jobID) + "/analysis",
		body:      jsonBody(update),
	})
}

func jobPath(jobID string) string {
	return "/jobs/" + url.PathEscape(jobID)
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = duration
	} else {
		c.avgResponseTime = (c.avgResponseTime + duration) / 2
	}
}

// GetStats returns client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close waits for in-flight requests and releases idle connections
func (c *Client) Close() error {
	for i := 0; i < cap(c.semaphore); i++ {
		c.semaphore <- struct{}{}
	}
	c.httpClient.CloseIdleConnections()
	return nil
}
