package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/audio"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/clock"
)

// waitDelay bounds how long Wait waits for output pipes held open by
// processes the capture program left behind
const waitDelay = time.Second

// defaultStopGrace is how long Stop lets an interrupted program flush
// before killing it
const defaultStopGrace = 2 * time.Second

// Opener produces a raw PCM byte stream
type Opener interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Interrupter is implemented by sources that can be asked to finish. The
// source keeps delivering buffered data and then reports io.EOF.
type Interrupter interface {
	Interrupt() error
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context) (io.ReadCloser, error)

// Open calls f
func (f OpenerFunc) Open(ctx context.Context) (io.ReadCloser, error) { return f(ctx) }

// CommandOpener runs a capture program (arecord, parec, ffmpeg -f alsa ...)
// and reads PCM from its standard output.
type CommandOpener struct {
	Path string
	Args []string
}

// NewCommandOpener builds an opener from an argv slice
func NewCommandOpener(argv []string) (*CommandOpener, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("capture command cannot be empty")
	}
	return &CommandOpener{Path: argv[0], Args: argv[1:]}, nil
}

// Open starts the program
func (o *CommandOpener) Open(ctx context.Context) (io.ReadCloser, error) {
	// Not bound to ctx: the process must outlive the request that opened it
	cmd := exec.Command(o.Path, o.Args...)
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open capture pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("failed to start capture command %s: %w", o.Path, err)
	}

	return &commandReader{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type commandReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *lockedBuffer
	once   sync.Once
}

func (r *commandReader) Read(p []byte) (int, error) {
	n, err := r.stdout.Read(p)
	if err == io.EOF && n == 0 {
		// Surface permission failures reported by the program itself
		msg := r.stderr.String()
		if strings.Contains(strings.ToLower(msg), "permission denied") {
			return 0, fmt.Errorf("%w: %s", ErrPermissionDenied, strings.TrimSpace(msg))
		}
	}
	return n, err
}

// Interrupt sends SIGINT; arecord and parec flush and exit on it
func (r *commandReader) Interrupt() error {
	if r.cmd.Process == nil {
		return nil
	}
	return r.cmd.Process.Signal(os.Interrupt)
}

func (r *commandReader) Close() error {
	r.once.Do(func() {
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		_ = r.cmd.Wait()
	})
	return nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ReaderDevice captures raw PCM from an Opener and slices it into chunks
type ReaderDevice struct {
	opener    Opener
	format    audio.PCMFormat
	clock     clock.Clock
	logger    *slog.Logger
	stopGrace time.Duration
}

// NewReaderDevice creates a device reading PCM in the given format
func NewReaderDevice(opener Opener, format audio.PCMFormat, clk clock.Clock, logger *slog.Logger) (*ReaderDevice, error) {
	if opener == nil {
		return nil, fmt.Errorf("opener cannot be nil")
	}
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture format: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReaderDevice{opener: opener, format: format, clock: clk, logger: logger, stopGrace: defaultStopGrace}, nil
}

// Open acquires the input. A permission failure from the opener is reported
// as ErrPermissionDenied.
func (d *ReaderDevice) Open(ctx context.Context) (Stream, error) {
	rc, err := d.opener.Open(ctx)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) && !errors.Is(err, ErrPermissionDenied) {
			return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return nil, err
	}

	return &readerStream{
		rc:        rc,
		format:    d.format,
		clock:     d.clock,
		logger:    d.logger,
		stopGrace: d.stopGrace,
		done:      make(chan struct{}),
	}, nil
}

type readerStream struct {
	rc        io.ReadCloser
	format    audio.PCMFormat
	clock     clock.Clock
	logger    *slog.Logger
	stopGrace time.Duration

	mu       sync.Mutex
	started  bool
	stopped  bool
	released bool
	sink     Sink
	slicer   *audio.Slicer
	seq      uint64

	paused  atomic.Bool
	dropped atomic.Uint64 // bytes read while paused
	done    chan struct{}
	readErr error
	closeRC sync.Once
}

func (s *readerStream) Format() Format {
	format := s.format
	return Format{MimeType: PCMMimeType, PCM: &format}
}

func (s *readerStream) Start(timeslice time.Duration, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrReleased
	}
	if s.started {
		return ErrAlreadyStarted
	}

	blockAlign := s.format.Channels * s.format.BitDepth / 8
	slicer, err := audio.NewSlicer(audio.SliceBytesFor(s.format, int(timeslice.Milliseconds())), blockAlign)
	if err != nil {
		return fmt.Errorf("invalid timeslice %v: %w", timeslice, err)
	}

	s.started = true
	s.sink = sink
	s.slicer = slicer

	go s.readLoop()
	return nil
}

func (s *readerStream) readLoop() {
	defer close(s.done)

	buf := make([]byte, 4096)
	for {
		n, err := s.rc.Read(buf)
		if n > 0 {
			if s.paused.Load() {
				s.dropped.Add(uint64(n))
			} else {
				for _, slice := range s.slicer.Write(buf[:n]) {
					s.deliver(slice)
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, fs.ErrClosed) {
				s.mu.Lock()
				s.readErr = err
				stopped := s.stopped
				s.mu.Unlock()
				if !stopped {
					s.logger.Warn("Capture read failed", slog.String("error", err.Error()))
				}
			}
			return
		}
	}
}

func (s *readerStream) deliver(data []byte) {
	s.mu.Lock()
	s.seq++
	chunk := Chunk{Seq: s.seq, Data: data, At: s.clock.Now()}
	sink := s.sink
	s.mu.Unlock()

	sink.OnChunk(chunk)
}

func (s *readerStream) Pause() error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	s.paused.Store(true)
	return nil
}

func (s *readerStream) Resume() error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	s.paused.Store(false)
	return nil
}

func (s *readerStream) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.released:
		return ErrReleased
	case !s.started || s.stopped:
		return ErrNotStarted
	}
	return nil
}

func (s *readerStream) Stop(ctx context.Context) error {
	if err := s.checkRunning(); err != nil {
		return err
	}

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if err := s.drain(ctx); err != nil {
		return err
	}

	if tail := s.slicer.Flush(); len(tail) > 0 {
		s.deliver(tail)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.readErr, ErrPermissionDenied) {
		return s.readErr
	}
	return nil
}

// drain ends the source and waits for the read loop to deliver everything
// it had already produced. Sources that cannot be interrupted are closed.
func (s *readerStream) drain(ctx context.Context) error {
	intr, ok := s.rc.(Interrupter)
	if !ok {
		s.closeReader()
	} else if err := intr.Interrupt(); err != nil {
		s.logger.Debug("Capture interrupt failed, closing source", slog.String("error", err.Error()))
		s.closeReader()
	}

	grace := time.NewTimer(s.stopGrace)
	defer grace.Stop()

	select {
	case <-s.done:
		return nil
	case <-grace.C:
		s.logger.Warn("Capture program did not exit after interrupt, killing it",
			slog.Duration("grace", s.stopGrace))
		s.closeReader()
	case <-ctx.Done():
		s.closeReader()
		return fmt.Errorf("capture stop interrupted: %w", ctx.Err())
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("capture stop interrupted: %w", ctx.Err())
	}
}

func (s *readerStream) Release() error {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()

	s.closeReader()
	return nil
}

func (s *readerStream) closeReader() {
	s.closeRC.Do(func() {
		if err := s.rc.Close(); err != nil {
			s.logger.Debug("Capture reader close failed", slog.String("error", err.Error()))
		}
	})
}
