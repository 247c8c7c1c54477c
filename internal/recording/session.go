package recording

import (
	"fmt"
	"sync"
	"time"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/audio"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/capture"
)

// Recording is an assembled capture, ready to be saved or uploaded
type Recording struct {
	Data     []byte        `json:"-"`
	MimeType string        `json:"mime_type"`
	Duration time.Duration `json:"duration"`
	Size     int           `json:"size"`
}

// session holds the mutable state of one capture run. It is handed
// explicitly to the chunk callback and the snapshot loop so neither
// captures controller fields.
type session struct {
	format capture.Format
	level  *audio.LevelMeter

	mu          sync.Mutex
	chunks      [][]byte
	bytes       int
	lastSeq     uint64
	accumulated time.Duration
	activeSince time.Time
	active      bool
}

func newSession(format capture.Format, start time.Time) *session {
	return &session{
		format:      format,
		level:       audio.NewLevelMeter(0.3),
		activeSince: start,
		active:      true,
	}
}

// OnChunk appends a delivered chunk
func (s *session) OnChunk(chunk capture.Chunk) {
	if len(chunk.Data) == 0 {
		return
	}

	s.mu.Lock()
	s.chunks = append(s.chunks, chunk.Data)
	s.bytes += len(chunk.Data)
	s.lastSeq = chunk.Seq
	s.mu.Unlock()

	if s.format.PCM != nil {
		s.level.Process(chunk.Data)
	}
}

func (s *session) pause(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.accumulated += activeSpan(s.activeSince, now)
		s.active = false
	}
}

func (s *session) resume(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		s.activeSince = now
		s.active = true
	}
}

// elapsed is the time spent recording up to at, pauses excluded
func (s *session) elapsed(at time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return s.accumulated + activeSpan(s.activeSince, at)
	}
	return s.accumulated
}

func activeSpan(since, until time.Time) time.Duration {
	if until.Before(since) {
		return 0
	}
	return until.Sub(since)
}

// stats returns the chunk count and captured bytes
func (s *session) stats() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks), s.bytes
}

// assemble joins the chunks received so far into one blob. Raw PCM is
// wrapped as WAV; encoded formats are concatenated as delivered.
func (s *session) assemble(at time.Time) (*Recording, error) {
	s.mu.Lock()
	data := make([]byte, 0, s.bytes)
	for _, chunk := range s.chunks {
		data = append(data, chunk...)
	}
	s.mu.Unlock()

	duration := s.elapsed(at)

	if len(data) == 0 {
		return &Recording{MimeType: s.format.MimeType, Duration: duration}, nil
	}

	if s.format.PCM == nil {
		return &Recording{Data: data, MimeType: s.format.MimeType, Duration: duration, Size: len(data)}, nil
	}

	// Drop a trailing partial frame rather than fail the whole recording
	blockAlign := s.format.PCM.Channels * s.format.PCM.BitDepth / 8
	if blockAlign > 0 {
		data = data[:len(data)-len(data)%blockAlign]
		if len(data) == 0 {
			return &Recording{MimeType: audio.WAVMimeType, Duration: duration}, nil
		}
	}

	wav, err := audio.EncodeWAV(data, *s.format.PCM)
	if err != nil {
		return nil, fmt.Errorf("assemble recording: %w", err)
	}

	return &Recording{Data: wav, MimeType: audio.WAVMimeType, Duration: duration, Size: len(wav)}, nil
}
