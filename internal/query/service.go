package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/backend"
)

// ErrPollTimeout is returned when a transcription never becomes ready
var ErrPollTimeout = errors.New("gave up waiting for transcription")

// Resource names, also the first segment of cache keys
const (
	ResourceCategories    = "categories"
	ResourceSubcategories = "subcategories"
	ResourceJobs          = "jobs"
	ResourceJob           = "job"
	ResourceTranscription = "transcription"
	ResourceSharing       = "sharing"
)

// Backend is the subset of the REST client the query layer needs
type Backend interface {
	Upload(ctx context.Context, upload backend.UploadRequest) (*backend.UploadResponse, error)
	ListCategories(ctx context.Context) ([]backend.Category, error)
	ListSubcategories(ctx context.Context, categoryID string) ([]backend.Subcategory, error)
	ListJobs(ctx context.Context, filter backend.JobFilter) ([]backend.Job, error)
	GetJob(ctx context.Context, jobID string) (*backend.Job, error)
	GetTranscription(ctx context.Context, jobID string) (*backend.Transcription, error)
	GetSharing(ctx context.Context, jobID string) (*backend.SharingInfo, error)
	Share(ctx context.Context, jobID string, share backend.ShareRequest) error
	Unshare(ctx context.Context, jobID string, share backend.ShareRequest) error
	DeleteJob(ctx context.Context, jobID string) error
	SaveAnalysis(ctx context.Context, jobID string, update backend.AnalysisUpdate) error
}

// Config holds staleness windows and transcription polling. A zero window
// disables caching for that resource.
type Config struct {
	CategoriesStale    time.Duration
	JobsStale          time.Duration
	JobStale           time.Duration
	TranscriptionStale time.Duration
	SharingStale       time.Duration
	PollInterval       time.Duration
	PollTimeout        time.Duration
}

// DefaultConfig returns the standard staleness windows
func DefaultConfig() Config {
	return Config{
		CategoriesStale:    5 * time.Minute,
		JobsStale:          30 * time.Second,
		JobStale:           30 * time.Second,
		TranscriptionStale: 10 * time.Second,
		SharingStale:       time.Minute,
		PollInterval:       5 * time.Second,
		PollTimeout:        10 * time.Minute,
	}
}

// Service serves backend resources through the cache
type Service struct {
	backend Backend
	cache   *Cache
	config  Config
	logger  *slog.Logger
}

// NewService creates a query service
func NewService(b Backend, config Config, observer Observer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	return &Service{
		backend: b,
		cache:   NewCache(time.Minute, observer),
		config:  config,
		logger:  logger.With(slog.String("component", "query")),
	}
}

// Cache exposes the underlying cache
func (s *Service) Cache() *Cache {
	return s.cache
}

// Categories returns all categories
func (s *Service) Categories(ctx context.Context) ([]backend.Category, error) {
	return Fetch(ctx, s.cache, ResourceCategories, s.config.CategoriesStale, s.backend.ListCategories)
}

// Subcategories returns the subcategories of a category
func (s *Service) Subcategories(ctx context.Context, categoryID string) ([]backend.Subcategory, error) {
	return Fetch(ctx, s.cache, key(ResourceSubcategories, categoryID), s.config.CategoriesStale,
		func(ctx context.Context) ([]backend.Subcategory, error) {
			return s.backend.ListSubcategories(ctx, categoryID)
		})
}

// Jobs returns the job list for a filter
func (s *Service) Jobs(ctx context.Context, filter backend.JobFilter) ([]backend.Job, error) {
	params := url.Values{}
	params.Set("c", filter.CategoryID)
	params.Set("s", filter.SubcategoryID)
	params.Set("st", filter.Status)

	return Fetch(ctx, s.cache, key(ResourceJobs, params.Encode()), s.config.JobsStale,
		func(ctx context.Context) ([]backend.Job, error) {
			return s.backend.ListJobs(ctx, filter)
		})
}

// Job returns a single job
func (s *Service) Job(ctx context.Context, jobID string) (*backend.Job, error) {
	return Fetch(ctx, s.cache, key(ResourceJob, jobID), s.config.JobStale,
		func(ctx context.Context) (*backend.Job, error) {
			return s.backend.GetJob(ctx, jobID)
		})
}

// Transcription returns a job's transcription. While the job is processing
// the error wraps backend.ErrNotReady and nothing is cached.
func (s *Service) Transcription(ctx context.Context, jobID string) (*backend.Transcription, error) {
	return Fetch(ctx, s.cache, key(ResourceTranscription, jobID), s.config.TranscriptionStale,
		func(ctx context.Context) (*backend.Transcription, error) {
			return s.backend.GetTranscription(ctx, jobID)
		})
}

// Sharing returns who can access a job
func (s *Service) Sharing(ctx context.Context, jobID string) (*backend.SharingInfo, error) {
	return Fetch(ctx, s.cache, key(ResourceSharing, jobID), s.config.SharingStale,
		func(ctx context.Context) (*backend.SharingInfo, error) {
			return s.backend.GetSharing(ctx, jobID)
		})
}

// WaitForTranscription polls until the transcription exists. Not-ready
// responses mean the job is still processing; any other error ends the wait.
func (s *Service) WaitForTranscription(ctx context.Context, jobID string) (*backend.Transcription, error) {
	if s.config.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.PollTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		transcription, err := s.Transcription(ctx, jobID)
		if err == nil {
			return transcription, nil
		}
		if !errors.Is(err, backend.ErrNotReady) {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
				return nil, fmt.Errorf("%w after %d attempts", ErrPollTimeout, attempts)
			}
			return nil, err
		}

		s.logger.Debug("Transcription still processing",
			slog.String("job_id", jobID),
			slog.Int("attempt", attempts))

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %d attempts", ErrPollTimeout, attempts)
			}
			return nil, ctx.Err()
		}
	}
}

// Upload submits a recording and invalidates the job lists
func (s *Service) Upload(ctx context.Context, upload backend.UploadRequest) (*backend.UploadResponse, error) {
	resp, err := s.backend.Upload(ctx, upload)
	if err != nil {
		return nil, err
	}
	s.invalidate("upload", ResourceJobs)
	return resp, nil
}

// Share grants access and invalidates the job's sharing state
func (s *Service) Share(ctx context.Context, jobID string, share backend.ShareRequest) error {
	if err := s.backend.Share(ctx, jobID, share); err != nil {
		return err
	}
	s.invalidate("share", key(ResourceSharing, jobID), key(ResourceJob, jobID), ResourceJobs)
	return nil
}

// Unshare revokes access and invalidates the job's sharing state
func (s *Service) Unshare(ctx context.Context, jobID string, share backend.ShareRequest) error {
	if err := s.backend.Unshare(ctx, jobID, share); err != nil {
		return err
	}
	s.invalidate("unshare", key(ResourceSharing, jobID), key(ResourceJob, jobID), ResourceJobs)
	return nil
}

// DeleteJob soft-deletes a job and forgets everything cached about it
func (s *Service) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.backend.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	s.invalidate("delete", ResourceJobs,
		key(ResourceJob, jobID),
		key(ResourceTranscription, jobID),
		key(ResourceSharing, jobID))
	return nil
}

// SaveAnalysis stores analysis text and invalidates the job
func (s *Service) SaveAnalysis(ctx context.Context, jobID string, update backend.AnalysisUpdate) error {
	if err := s.backend.SaveAnalysis(ctx, jobID, update); err != nil {
		return err
	}
	s.invalidate("save_analysis", key(ResourceJob, jobID), ResourceJobs)
	return nil
}

func (s *Service) invalidate(mutation string, prefixes ...string) {
	removed := s.cache.Invalidate(prefixes...)
	s.logger.Debug("Invalidated cached queries",
		slog.String("mutation", mutation),
		slog.Int("removed", removed))
}

func key(resource, id string) string {
	return resource + "/" + id
}
