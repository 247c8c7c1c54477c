package recording

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/audio"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/backend"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/capture"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/clock"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/draft"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/transcode"
)

var (
	testKey    = Key{CategoryID: "medical", SubcategoryID: "consultation"}
	mono16k    = audio.PCMFormat{SampleRate: 16000, Channels: 1, BitDepth: 16}
	oneSecond  = mono16k.BytesPerSecond()
	testEpoch  = time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	testLimits = draft.Limits{MaxDraftBytes: 64 << 20, QuotaBytes: 256 << 20, QuotaWarnRatio: 0.9}
)

// fakeStream delivers chunks only when the test calls emit
type fakeStream struct {
	mu       sync.Mutex
	format   capture.Format
	sink     capture.Sink
	started  bool
	paused   bool
	stopped  bool
	seq      uint64
	tail     []byte
	releases int
}

func (s *fakeStream) Format() capture.Format { return s.format }

func (s *fakeStream) Start(timeslice time.Duration, sink capture.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return capture.ErrAlreadyStarted
	}
	s.started = true
	s.sink = sink
	return nil
}

// emit delivers data unless the stream is paused or finished
func (s *fakeStream) emit(data []byte) {
	s.mu.Lock()
	if !s.started || s.paused || s.stopped {
		s.mu.Unlock()
		return
	}
	s.seq++
	chunk := capture.Chunk{Seq: s.seq, Data: data}
	sink := s.sink
	s.mu.Unlock()

	sink.OnChunk(chunk)
}

func (s *fakeStream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
	return nil
}

func (s *fakeStream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
	return nil
}

func (s *fakeStream) Stop(ctx context.Context) error {
	s.mu.Lock()
	tail := s.tail
	s.mu.Unlock()

	// The final chunk arrives before Stop returns
	if len(tail) > 0 {
		s.mu.Lock()
		s.paused = false
		s.mu.Unlock()
		s.emit(tail)
	}

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	return nil
}

func (s *fakeStream) Releases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releases
}

// fakeDevice hands out a fresh fakeStream per Open
type fakeDevice struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (d *fakeDevice) Open(ctx context.Context) (capture.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	format := mono16k
	s := &fakeStream{format: capture.Format{MimeType: capture.PCMMimeType, PCM: &format}}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevice) current() *fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

type fakeUploader struct {
	mu       sync.Mutex
	requests []backend.UploadRequest
	err      error
}

func (u *fakeUploader) Upload(ctx context.Context, req backend.UploadRequest) (*backend.UploadResponse, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, req)
	if u.err != nil {
		return nil, u.err
	}
	return &backend.UploadResponse{JobID: "job-1", Status: backend.StatusUploaded}, nil
}

func (u *fakeUploader) Calls() []backend.UploadRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]backend.UploadRequest(nil), u.requests...)
}

type fakeTranscoder struct {
	err      error
	progress []transcode.Step
}

func (f *fakeTranscoder) Convert(ctx context.Context, in transcode.File, onProgress transcode.ProgressFunc) (transcode.File, error) {
	for i, step := range []transcode.Step{transcode.StepLoad, transcode.StepPrepare, transcode.StepConvert, transcode.StepFinalize} {
		f.progress = append(f.progress, step)
		onProgress(transcode.Progress{Step: step, Index: i + 1, Total: 4})
		if f.err != nil && step == transcode.StepConvert {
			return transcode.File{}, f.err
		}
	}
	return transcode.File{Name: "recording.mp3", MimeType: "audio/mpeg", Data: []byte("mp3-data")}, nil
}

var errConvert = errors.New("codec missing")

// harness wires a controller to fakes and a real draft store
type harness struct {
	t          *testing.T
	clock      *clock.Fake
	device     *fakeDevice
	store      *draft.Store
	uploader   *fakeUploader
	transcoder *fakeTranscoder
	ctrl       *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(testEpoch)
	store, err := draft.Open(filepath.Join(t.TempDir(), "drafts.sqlite"), testLimits,
		draft.WithClock(clk),
		draft.WithDiskFree(func(string) (int64, error) { return 1 << 40, nil }))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		t:          t,
		clock:      clk,
		device:     &fakeDevice{},
		store:      store,
		uploader:   &fakeUploader{},
		transcoder: &fakeTranscoder{},
	}
	h.ctrl = h.newController()
	return h
}

func (h *harness) deps() Dependencies {
	return Dependencies{
		Drafts:     h.store,
		Transcoder: h.transcoder,
		Uploader:   h.uploader,
		Clock:      h.clock,
	}
}

func (h *harness) newController() *Controller {
	h.t.Helper()
	ctrl, err := NewController(testKey, h.device, h.deps(), DefaultConfig())
	require.NoError(h.t, err)
	h.t.Cleanup(func() { ctrl.Close() })
	return ctrl
}

// record emits one second of audio and advances the clock, n times
func (h *harness) record(n int) {
	for i := 0; i < n; i++ {
		h.device.current().emit(bytes.Repeat([]byte{0x10, 0x00}, oneSecond/2))
		h.clock.Advance(time.Second)
	}
}
