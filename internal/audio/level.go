package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

// LevelMeter tracks a smoothed RMS input level for 16-bit PCM, in the range 0..1
type LevelMeter struct {
	smoothing float64
	level     float64
	peak      float64
	windows   uint64

	mu sync.RWMutex
}

// NewLevelMeter creates a level meter. smoothing is the weight given to each
// new measurement; values outside (0, 1] fall back to 0.3.
func NewLevelMeter(smoothing float64) *LevelMeter {
	if smoothing <= 0 || smoothing > 1 {
		smoothing = 0.3
	}
	return &LevelMeter{smoothing: smoothing}
}

// Process measures a block of little-endian 16-bit PCM and returns the smoothed level
func (m *LevelMeter) Process(pcm []byte) float64 {
	rms := RMS(pcm)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.windows == 0 {
		m.level = rms
	} else {
		m.level = m.smoothing*rms + (1-m.smoothing)*m.level
	}
	if rms > m.peak {
		m.peak = rms
	}
	m.windows++

	return m.level
}

// Level returns the current smoothed level
func (m *LevelMeter) Level() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// Peak returns the highest unsmoothed level seen
func (m *LevelMeter) Peak() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peak
}

// Reset clears the meter
func (m *LevelMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level, m.peak, m.windows = 0, 0, 0
}

// RMS returns the root-mean-square amplitude of 16-bit PCM normalised to 0..1
func RMS(pcm []byte) float64 {
	samples := PCMToSamples(pcm)
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}

	rms := math.Sqrt(energy/float64(len(samples))) / 32768.0
	if rms > 1 {
		rms = 1
	}
	return rms
}

// PCMToSamples unpacks little-endian 16-bit PCM; a trailing odd byte is ignored
func PCMToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}
