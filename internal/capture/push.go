package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/audio"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/clock"
)

// PushDevice is fed sequenced PCM frames by a network ingest. Frames are
// reordered through an audio.Buffer and emitted once per timeslice.
type PushDevice struct {
	streamID uint32
	format   audio.PCMFormat
	maxGap   int
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	stream *pushStream
}

// NewPushDevice creates a device for one remote stream
func NewPushDevice(streamID uint32, format audio.PCMFormat, maxGap int, clk clock.Clock, logger *slog.Logger) (*PushDevice, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture format: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PushDevice{
		streamID: streamID,
		format:   format,
		maxGap:   maxGap,
		clock:    clk,
		logger:   logger,
	}, nil
}

// Open returns the device's single stream; a second open before Release fails
func (d *PushDevice) Open(ctx context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stream != nil {
		return nil, ErrDeviceBusy
	}

	d.stream = &pushStream{
		device: d,
		buffer: audio.NewBuffer(d.streamID, d.maxGap),
		done:   make(chan struct{}),
	}
	return d.stream, nil
}

// Push hands a received frame to the open stream
func (d *PushDevice) Push(sequence uint32, pcm []byte) error {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()

	if s == nil {
		return ErrNotStarted
	}
	return s.push(sequence, pcm)
}

// Stats returns the reorder buffer statistics of the open stream
func (d *PushDevice) Stats() (audio.BufferStats, bool) {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()

	if s == nil {
		return audio.BufferStats{}, false
	}
	return s.buffer.GetStats(), true
}

func (d *PushDevice) release(s *pushStream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stream == s {
		d.stream = nil
	}
}

type pushStream struct {
	device *PushDevice
	buffer *audio.Buffer

	mu       sync.Mutex
	started  bool
	stopped  bool
	released bool
	paused   bool
	sink     Sink
	seq      uint64
	ticker   clock.Ticker

	// Serializes deliveries from the ticker loop and Stop
	deliverMu sync.Mutex

	quit chan struct{}
	done chan struct{}
}

func (s *pushStream) Format() Format {
	format := s.device.format
	return Format{MimeType: PCMMimeType, PCM: &format}
}

func (s *pushStream) Start(timeslice time.Duration, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.released:
		return ErrReleased
	case s.started:
		return ErrAlreadyStarted
	case timeslice <= 0:
		return fmt.Errorf("timeslice must be positive, got %v", timeslice)
	}

	s.started = true
	s.sink = sink
	s.ticker = s.device.clock.NewTicker(timeslice)
	s.quit = make(chan struct{})

	go s.tickLoop(s.ticker, s.quit)
	return nil
}

func (s *pushStream) tickLoop(ticker clock.Ticker, quit <-chan struct{}) {
	defer close(s.done)
	for {
		select {
		case <-quit:
			return
		case <-ticker.C():
			s.emit(s.buffer.Drain())
		}
	}
}

func (s *pushStream) push(sequence uint32, pcm []byte) error {
	s.mu.Lock()
	running := s.started && !s.stopped && !s.released
	paused := s.paused
	s.mu.Unlock()

	if !running {
		return ErrNotStarted
	}

	// Frames keep flowing through the buffer while paused so sequence
	// tracking survives; their audio is discarded.
	if err := s.buffer.Add(sequence, pcm); err != nil {
		return err
	}
	if paused {
		s.buffer.Drain()
	}
	return nil
}

func (s *pushStream) emit(data []byte) {
	if len(data) == 0 {
		return
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	s.seq++
	chunk := Chunk{Seq: s.seq, Data: data, At: s.device.clock.Now()}
	sink := s.sink
	s.mu.Unlock()

	sink.OnChunk(chunk)
}

func (s *pushStream) Pause() error {
	s.mu.Lock()
	if !s.started || s.stopped || s.released {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.mu.Unlock()

	// Audio received before the pause belongs to the recording
	s.emit(s.buffer.Drain())

	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	return nil
}

func (s *pushStream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped || s.released {
		return ErrNotStarted
	}
	s.paused = false
	return nil
}

func (s *pushStream) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped || s.released {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.stopped = true
	paused := s.paused
	s.ticker.Stop()
	close(s.quit)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("capture stop interrupted: %w", ctx.Err())
	}

	tail := s.buffer.Flush()
	if !paused {
		s.emit(tail)
	}

	stats := s.buffer.GetStats()
	if stats.LostPackets > 0 {
		s.device.logger.Warn("Remote capture lost frames",
			slog.Uint64("stream_id", uint64(stats.StreamID)),
			slog.Uint64("lost_packets", uint64(stats.LostPackets)),
			slog.Float64("loss_rate", stats.LossRate),
		)
	}
	return nil
}

func (s *pushStream) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	if s.started && !s.stopped {
		s.stopped = true
		s.ticker.Stop()
		close(s.quit)
	}
	s.mu.Unlock()

	s.device.release(s)
	return nil
}
