package audio

import (
	"fmt"
	"sync"
)

// Slicer cuts a continuous PCM byte stream into fixed-size slices, one per
// capture timeslice. Partial data is held until the slice fills or Flush.
type Slicer struct {
	sliceBytes int
	pending    []byte

	slicesCreated uint64
	bytesIn       uint64

	mu sync.Mutex
}

// SlicerStats represents slicer statistics
type SlicerStats struct {
	SliceBytes    int    `json:"slice_bytes"`
	SlicesCreated uint64 `json:"slices_created"`
	BytesIn       uint64 `json:"bytes_in"`
	PendingBytes  int    `json:"pending_bytes"`
}

// NewSlicer creates a slicer emitting sliceBytes-sized slices. The size is
// rounded down to a whole number of frames of blockAlign bytes.
func NewSlicer(sliceBytes, blockAlign int) (*Slicer, error) {
	if blockAlign <= 0 {
		return nil, fmt.Errorf("block align must be positive, got %d", blockAlign)
	}
	sliceBytes -= sliceBytes % blockAlign
	if sliceBytes <= 0 {
		return nil, fmt.Errorf("slice size must hold at least one frame of %d bytes", blockAlign)
	}
	return &Slicer{sliceBytes: sliceBytes}, nil
}

// SliceBytesFor returns the byte size of one timeslice of PCM in the format
func SliceBytesFor(format PCMFormat, timesliceMS int) int {
	return format.BytesPerSecond() * timesliceMS / 1000
}

// Write appends data and returns every slice that became complete
func (s *Slicer) Write(data []byte) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bytesIn += uint64(len(data))
	s.pending = append(s.pending, data...)

	var slices [][]byte
	for len(s.pending) >= s.sliceBytes {
		slice := make([]byte, s.sliceBytes)
		copy(slice, s.pending[:s.sliceBytes])
		s.pending = s.pending[s.sliceBytes:]
		slices = append(slices, slice)
		s.slicesCreated++
	}

	// Compact so the backing array does not grow without bound
	if len(s.pending) == 0 {
		s.pending = nil
	} else if cap(s.pending) > 4*s.sliceBytes {
		s.pending = append([]byte(nil), s.pending...)
	}

	return slices
}

// Flush returns whatever partial slice is held, or nil
func (s *Slicer) Flush() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	out := s.pending
	s.pending = nil
	s.slicesCreated++
	return out
}

// GetStats returns current slicer statistics
func (s *Slicer) GetStats() SlicerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SlicerStats{
		SliceBytes:    s.sliceBytes,
		SlicesCreated: s.slicesCreated,
		BytesIn:       s.bytesIn,
		PendingBytes:  len(s.pending),
	}
}
