package audio

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Buffer accumulates sequenced PCM frames for a single capture stream,
// reordering late frames and counting frames that never arrive.
type Buffer struct {
	streamID uint32

	// In-order audio not yet drained
	pending []byte

	// Sequence tracking
	started      bool
	lastSeq      uint32            // Last sequence appended to pending
	expectedSeq  uint32            // Next expected sequence number
	rawSeqBuffer map[uint32][]byte // Out-of-order frames waiting for their turn

	maxGap uint32 // Frames to wait for before declaring a gap lost

	lastUpdate   time.Time
	totalPackets uint32
	lostCount    uint32
	totalBytes   uint64

	mu sync.RWMutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	StreamID     uint32    `json:"stream_id"`
	TotalPackets uint32    `json:"total_packets"`
	LostPackets  uint32    `json:"lost_packets"`
	LossRate     float64   `json:"loss_rate"`
	PendingBytes int       `json:"pending_bytes"`
	PendingSeqs  int       `json:"pending_sequences"`
	TotalBytes   uint64    `json:"total_bytes"`
	LastSequence uint32    `json:"last_sequence"`
	LastUpdate   time.Time `json:"last_update"`
}

// NewBuffer creates a sequence buffer. maxGap bounds how many missing frames
// are waited for before they are counted as lost.
func NewBuffer(streamID uint32, maxGap int) *Buffer {
	if maxGap < 1 {
		maxGap = 20
	}
	return &Buffer{
		streamID:     streamID,
		rawSeqBuffer: make(map[uint32][]byte),
		maxGap:       uint32(maxGap),
		lastUpdate:   time.Now(),
	}
}

// Add adds a PCM frame to the buffer with sequence handling
func (b *Buffer) Add(sequence uint32, rawData []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(rawData)%2 != 0 {
		return fmt.Errorf("audio data length must be even (got %d bytes)", len(rawData))
	}

	b.lastUpdate = time.Now()
	b.totalPackets++

	if !b.started {
		b.started = true
		b.expectedSeq = sequence
		b.lastSeq = sequence - 1
	}

	switch {
	case sequence == b.expectedSeq:
		b.appendFrame(sequence, rawData)
		b.processBufferedFrames()

	case sequence > b.expectedSeq:
		b.rawSeqBuffer[sequence] = append([]byte(nil), rawData...)

		if sequence-b.expectedSeq > b.maxGap {
			b.markMissingAsLost(b.expectedSeq, sequence-1)
			b.expectedSeq = sequence
			b.processBufferedFrames()
		}

	default:
		return fmt.Errorf("ignoring old/duplicate packet: seq=%d, lastSeq=%d", sequence, b.lastSeq)
	}

	return nil
}

func (b *Buffer) appendFrame(sequence uint32, data []byte) {
	b.pending = append(b.pending, data...)
	b.totalBytes += uint64(len(data))
	b.lastSeq = sequence
	b.expectedSeq = sequence + 1
}

// markMissingAsLost counts the frames in [start, end] that are not buffered
func (b *Buffer) markMissingAsLost(start, end uint32) {
	for seq := start; seq <= end; seq++ {
		if _, buffered := b.rawSeqBuffer[seq]; !buffered {
			b.lostCount++
		}
	}
}

// processBufferedFrames appends any consecutive buffered frames
func (b *Buffer) processBufferedFrames() {
	for {
		data, exists := b.rawSeqBuffer[b.expectedSeq]
		if !exists {
			return
		}
		delete(b.rawSeqBuffer, b.expectedSeq)
		b.appendFrame(b.expectedSeq, data)
	}
}

// Drain returns the in-order audio accumulated since the previous drain
func (b *Buffer) Drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.pending
	b.pending = nil
	return out
}

// Flush gives up on outstanding gaps: every buffered frame is appended in
// sequence order, missing ones are counted as lost, and the result drained.
func (b *Buffer) Flush() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.rawSeqBuffer) > 0 {
		seqs := make([]uint32, 0, len(b.rawSeqBuffer))
		for seq := range b.rawSeqBuffer {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

		for _, seq := range seqs {
			if seq > b.expectedSeq {
				b.markMissingAsLost(b.expectedSeq, seq-1)
			}
			data := b.rawSeqBuffer[seq]
			delete(b.rawSeqBuffer, seq)
			b.appendFrame(seq, data)
		}
	}

	out := b.pending
	b.pending = nil
	return out
}

// GetStats returns current buffer statistics
func (b *Buffer) GetStats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lossRate := float64(0)
	if b.totalPackets > 0 {
		lossRate = float64(b.lostCount) / float64(b.totalPackets) * 100
	}

	return BufferStats{
		StreamID:     b.streamID,
		TotalPackets: b.totalPackets,
		LostPackets:  b.lostCount,
		LossRate:     lossRate,
		PendingBytes: len(b.pending),
		PendingSeqs:  len(b.rawSeqBuffer),
		TotalBytes:   b.totalBytes,
		LastSequence: b.lastSeq,
		LastUpdate:   b.lastUpdate,
	}
}
