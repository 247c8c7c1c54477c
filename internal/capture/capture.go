package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/audio"
)

var (
	// ErrPermissionDenied means the input device refused access. It is not retried.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrDeviceBusy means the device already has an open stream
	ErrDeviceBusy = errors.New("capture device busy")

	// ErrNotStarted is returned by stream controls used before Start
	ErrNotStarted = errors.New("capture stream not started")

	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("capture stream already started")

	// ErrReleased is returned by any operation on a released stream
	ErrReleased = errors.New("capture stream released")
)

// Chunk is one timeslice of captured audio
type Chunk struct {
	Seq  uint64
	Data []byte
	At   time.Time
}

// Sink receives chunks in capture order. OnChunk is called from the
// stream's delivery goroutine and must not call back into the stream.
type Sink interface {
	OnChunk(Chunk)
}

// Format describes the chunk payload. PCM is set when chunks carry raw
// little-endian PCM that the consumer has to wrap before storage.
type Format struct {
	MimeType string           `json:"mime_type"`
	PCM      *audio.PCMFormat `json:"pcm,omitempty"`
}

// PCMMimeType is the mime type reported for raw PCM chunks
const PCMMimeType = "audio/L16"

// Device acquires the input
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is an open input
type Stream interface {
	Format() Format
	Start(timeslice time.Duration, sink Sink) error
	Pause() error
	Resume() error
	// Stop finalizes capture; the last chunk has been delivered when it returns
	Stop(ctx context.Context) error
	Release() error
}

// Handle guards a Stream so Release reaches it exactly once
type Handle struct {
	Stream

	once     sync.Once
	released atomic.Bool
	err      error
}

// NewHandle wraps an open stream
func NewHandle(s Stream) *Handle {
	return &Handle{Stream: s}
}

// Release frees the underlying device; later calls return the first result
func (h *Handle) Release() error {
	h.once.Do(func() {
		h.released.Store(true)
		h.err = h.Stream.Release()
	})
	return h.err
}

// Released reports whether Release has run
func (h *Handle) Released() bool {
	return h.released.Load()
}
