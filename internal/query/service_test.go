package query

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/backend"
)

// fakeBackend counts calls per operation
type fakeBackend struct {
	mu    sync.Mutex
	calls map[string]int

	release       chan struct{} // when set, ListCategories blocks on it
	readyAfter    int           // transcription 404s this many times
	transcription atomic.Int32
	failUpload    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: map[string]int{}}
}

func (f *fakeBackend) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeBackend) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) Upload(ctx context.Context, upload backend.UploadRequest) (*backend.UploadResponse, error) {
	f.count("upload")
	if f.failUpload != nil {
		return nil, f.failUpload
	}
	return &backend.UploadResponse{JobID: "job-new", Status: backend.StatusUploaded}, nil
}

func (f *fakeBackend) ListCategories(ctx context.Context) ([]backend.Category, error) {
	f.count("categories")
	if f.release != nil {
		<-f.release
	}
	return []backend.Category{{ID: "c1", Name: "Meetings"}}, nil
}

func (f *fakeBackend) ListSubcategories(ctx context.Context, categoryID string) ([]backend.Subcategory, error) {
	f.count("subcategories")
	return []backend.Subcategory{{ID: "s1", CategoryID: categoryID}}, nil
}

func (f *fakeBackend) ListJobs(ctx context.Context, filter backend.JobFilter) ([]backend.Job, error) {
	f.count("jobs")
	return []backend.Job{{ID: "j1", CategoryID: filter.CategoryID}}, nil
}

func (f *fakeBackend) GetJob(ctx context.Context, jobID string) (*backend.Job, error) {
	f.count("job")
	return &backend.Job{ID: jobID}, nil
}

func (f *fakeBackend) GetTranscription(ctx context.Context, jobID string) (*backend.Transcription, error) {
	f.count("transcription")
	if int(f.transcription.Add(1)) <= f.readyAfter {
		return nil, fmt.Errorf("%w: %w", backend.ErrNotReady, &backend.APIError{StatusCode: http.StatusNotFound, Message: "not found"})
	}
	return &backend.Transcription{JobID: jobID, Text: "hello"}, nil
}

func (f *fakeBackend) GetSharing(ctx context.Context, jobID string) (*backend.SharingInfo, error) {
	f.count("sharing")
	return &backend.SharingInfo{JobID: jobID}, nil
}

func (f *fakeBackend) Share(ctx context.Context, jobID string, share backend.ShareRequest) error {
	f.count("share")
	return nil
}

func (f *fakeBackend) Unshare(ctx context.Context, jobID string, share backend.ShareRequest) error {
	f.count("unshare")
	return nil
}

func (f *fakeBackend) DeleteJob(ctx context.Context, jobID string) error {
	f.count("delete")
	return nil
}

func (f *fakeBackend) SaveAnalysis(ctx context.Context, jobID string, update backend.AnalysisUpdate) error {
	f.count("analysis")
	return nil
}

type countingObserver struct {
	hits, misses atomic.Int32
}

func (o *countingObserver) RecordCacheHit(string)  { o.hits.Add(1) }
func (o *countingObserver) RecordCacheMiss(string) { o.misses.Add(1) }

func newTestService(b Backend) (*Service, *countingObserver) {
	obs := &countingObserver{}
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.PollTimeout = time.Second
	return NewService(b, cfg, obs, nil), obs
}

func TestQueriesAreCachedWithinStaleness(t *testing.T) {
	fb := newFakeBackend()
	svc, obs := newTestService(fb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cats, err := svc.Categories(ctx)
		require.NoError(t, err)
		assert.Len(t, cats, 1)
	}

	assert.Equal(t, 1, fb.Calls("categories"))
	assert.Equal(t, int32(2), obs.hits.Load())
	assert.Equal(t, int32(1), obs.misses.Load())
}

func TestStaleEntriesAreRefetched(t *testing.T) {
	fb := newFakeBackend()
	svc, _ := newTestService(fb)
	svc.config.JobStale = 10 * time.Millisecond
	ctx := context.Background()

	_, err := svc.Job(ctx, "j1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = svc.Job(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 2, fb.Calls("job"))
}

func TestConcurrentFetchesShareOneCall(t *testing.T) {
	fb := newFakeBackend()
	fb.release = make(chan struct{})
	svc, _ := newTestService(fb)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Categories(context.Background())
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return fb.Calls("categories") == 1 },
		time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(fb.release)
	wg.Wait()

	assert.Equal(t, 1, fb.Calls("categories"))
}

func TestCanceledCallerStopsWaiting(t *testing.T) {
	fb := newFakeBackend()
	fb.release = make(chan struct{})
	defer close(fb.release)
	svc, _ := newTestService(fb)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := svc.Categories(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForTranscriptionTreatsNotReadyAsProcessing(t *testing.T) {
	fb := newFakeBackend()
	fb.readyAfter = 3
	svc, _ := newTestService(fb)

	tr, err := svc.WaitForTranscription(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "hello", tr.Text)
	assert.Equal(t, 4, fb.Calls("transcription"))

	// Ready transcriptions are cached
	_, err = svc.Transcription(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, 4, fb.Calls("transcription"))
}

func TestWaitForTranscriptionTimesOut(t *testing.T) {
	fb := newFakeBackend()
	fb.readyAfter = 1 << 30
	svc, _ := newTestService(fb)
	svc.config.PollTimeout = 30 * time.Millisecond

	_, err := svc.WaitForTranscription(context.Background(), "j1")
	assert.ErrorIs(t, err, ErrPollTimeout)
}

type failingTranscription struct {
	*fakeBackend
}

func (f failingTranscription) GetTranscription(ctx context.Context, jobID string) (*backend.Transcription, error) {
	return nil, &backend.APIError{StatusCode: http.StatusForbidden, Message: "forbidden"}
}

func TestWaitForTranscriptionStopsOnRealErrors(t *testing.T) {
	svc, _ := newTestService(failingTranscription{newFakeBackend()})

	_, err := svc.WaitForTranscription(context.Background(), "j1")
	assert.True(t, backend.IsStatus(err, http.StatusForbidden))
}

func TestMutationsInvalidateDependentQueries(t *testing.T) {
	fb := newFakeBackend()
	svc, _ := newTestService(fb)
	ctx := context.Background()

	warm := func() {
		_, err := svc.Jobs(ctx, backend.JobFilter{})
		require.NoError(t, err)
		_, err = svc.Jobs(ctx, backend.JobFilter{CategoryID: "c1"})
		require.NoError(t, err)
		_, err = svc.Job(ctx, "j1")
		require.NoError(t, err)
		_, err = svc.Sharing(ctx, "j1")
		require.NoError(t, err)
		_, err = svc.Categories(ctx)
		require.NoError(t, err)
	}

	warm()
	assert.Equal(t, 2, fb.Calls("jobs"))

	_, err := svc.Upload(ctx, backend.UploadRequest{})
	require.NoError(t, err)
	warm()
	assert.Equal(t, 4, fb.Calls("jobs"), "upload invalidates every job list")
	assert.Equal(t, 1, fb.Calls("job"))
	assert.Equal(t, 1, fb.Calls("categories"))

	require.NoError(t, svc.Share(ctx, "j1", backend.ShareRequest{UserEmail: "a@b.c"}))
	warm()
	assert.Equal(t, 2, fb.Calls("sharing"))
	assert.Equal(t, 2, fb.Calls("job"))

	require.NoError(t, svc.Unshare(ctx, "j1", backend.ShareRequest{UserEmail: "a@b.c"}))
	warm()
	assert.Equal(t, 3, fb.Calls("sharing"))

	require.NoError(t, svc.SaveAnalysis(ctx, "j1", backend.AnalysisUpdate{Text: "x"}))
	warm()
	assert.Equal(t, 4, fb.Calls("job"))
	assert.Equal(t, 3, fb.Calls("sharing"))

	require.NoError(t, svc.DeleteJob(ctx, "j1"))
	warm()
	assert.Equal(t, 5, fb.Calls("job"))
	assert.Equal(t, 4, fb.Calls("sharing"))
	assert.Equal(t, 1, fb.Calls("categories"))
}

func TestFailedMutationKeepsCache(t *testing.T) {
	fb := newFakeBackend()
	fb.failUpload = errors.New("boom")
	svc, _ := newTestService(fb)
	ctx := context.Background()

	_, err := svc.Jobs(ctx, backend.JobFilter{})
	require.NoError(t, err)

	_, err = svc.Upload(ctx, backend.UploadRequest{})
	require.Error(t, err)

	_, err = svc.Jobs(ctx, backend.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, fb.Calls("jobs"))
}

func TestInvalidatePrefixMatching(t *testing.T) {
	c := NewCache(time.Minute, nil)
	c.items.Set("job/1", 1, time.Minute)
	c.items.Set("jobs/a", 2, time.Minute)
	c.items.Set("jobs/b", 3, time.Minute)
	c.items.Set("categories", 4, time.Minute)

	assert.Equal(t, 2, c.Invalidate("jobs"))
	assert.Equal(t, 2, c.Len())

	assert.Equal(t, 1, c.Invalidate("categories"))
	assert.Equal(t, 1, c.Len())
}

func TestInvalidateDropsResultOfRunningFetch(t *testing.T) {
	c := NewCache(time.Minute, nil)
	ctx := context.Background()

	var version atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan int32)
	go func() {
		v, err := Fetch(ctx, c, "jobs/all", time.Minute, func(context.Context) (int32, error) {
			v := version.Load()
			close(started)
			<-release
			return v, nil
		})
		assert.NoError(t, err)
		done <- v
	}()

	<-started
	version.Store(1)
	c.Invalidate("jobs")

	// A caller arriving after the invalidation does not join the old fetch
	v, err := Fetch(ctx, c, "jobs/all", time.Minute, func(context.Context) (int32, error) {
		return version.Load(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	close(release)
	assert.Equal(t, int32(0), <-done, "the early caller still gets its own answer")

	v, err = Fetch(ctx, c, "jobs/all", time.Minute, func(context.Context) (int32, error) {
		t.Error("value should come from the cache")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)
}

func TestZeroStalenessIsNeverCached(t *testing.T) {
	c := NewCache(time.Minute, nil)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		_, err := Fetch(ctx, c, "transcription/j1", 0, func(context.Context) (int, error) {
			calls++
			return calls, nil
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, c.Len())
}

func TestZeroStalenessRefetchesThroughService(t *testing.T) {
	fb := newFakeBackend()
	svc, _ := newTestService(fb)
	svc.config.CategoriesStale = 0
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Categories(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, fb.Calls("categories"))
}
