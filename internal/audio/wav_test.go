package audio

import (
	"bytes"
	"math"
	"testing"
	"time"
)

var mono16k = PCMFormat{SampleRate: 16000, Channels: 1, BitDepth: 16}

// sine generates a 440Hz tone
func sine(sampleRate int, duration time.Duration) []int16 {
	numSamples := int(float64(sampleRate) * duration.Seconds())
	samples := make([]int16, numSamples)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(16383.0 * math.Sin(2*math.Pi*440*t))
	}
	return samples
}

func TestEncodeWAV(t *testing.T) {
	pcm := samplesToPCM(sine(16000, 100*time.Millisecond))

	wavData, err := EncodeWAV(pcm, mono16k)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	expectedSize := 44 + len(pcm)
	if len(wavData) != expectedSize {
		t.Errorf("Expected WAV size %d, got %d", expectedSize, len(wavData))
	}

	if err := ValidateWAV(wavData); err != nil {
		t.Errorf("Generated WAV is invalid: %v", err)
	}

	info, err := GetWAVInfo(wavData)
	if err != nil {
		t.Fatalf("Failed to get WAV info: %v", err)
	}

	if info.SampleRate != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("Expected 1 channel, got %d", info.Channels)
	}
	if info.BitsPerSample != 16 {
		t.Errorf("Expected 16 bits per sample, got %d", info.BitsPerSample)
	}
	if info.Duration != 100*time.Millisecond {
		t.Errorf("Expected duration 100ms, got %v", info.Duration)
	}
}

func TestEncodeWAVStereo(t *testing.T) {
	stereo := PCMFormat{SampleRate: 44100, Channels: 2, BitDepth: 16}
	pcm := make([]byte, stereo.BytesPerSecond()/2)

	wavData, err := EncodeWAV(pcm, stereo)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	duration, err := WAVDuration(wavData)
	if err != nil {
		t.Fatalf("WAVDuration failed: %v", err)
	}
	if duration != 500*time.Millisecond {
		t.Errorf("Expected duration 500ms, got %v", duration)
	}

	if _, err := EncodeWAV(pcm[:3], stereo); err == nil {
		t.Error("Expected error for partial stereo frame")
	}
}

func TestDecodeWAV(t *testing.T) {
	original := samplesToPCM([]int16{100, -200, 300, -400, 500})

	wavData, err := EncodeWAV(original, mono16k)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	pcm, format, err := DecodeWAV(wavData)
	if err != nil {
		t.Fatalf("DecodeWAV failed: %v", err)
	}

	if format != mono16k {
		t.Errorf("Expected format %+v, got %+v", mono16k, format)
	}

	if !bytes.Equal(pcm, original) {
		t.Errorf("Decoded PCM does not match original")
	}

	samples := PCMToSamples(pcm)
	if samples[1] != -200 || samples[4] != 500 {
		t.Errorf("Unexpected samples after round trip: %v", samples)
	}
}

func TestDecodeWAVTruncated(t *testing.T) {
	wavData, err := EncodeWAV(make([]byte, 100), mono16k)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}

	if _, _, err := DecodeWAV(wavData[:80]); err == nil {
		t.Error("Expected error for truncated data chunk")
	}
}

func TestEncodeWAVEmpty(t *testing.T) {
	if _, err := EncodeWAV(nil, mono16k); err == nil {
		t.Error("Expected error for empty audio")
	}
}

func TestEncodeWAVInvalidFormat(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}

	tests := []PCMFormat{
		{SampleRate: 0, Channels: 1, BitDepth: 16},
		{SampleRate: -1000, Channels: 1, BitDepth: 16},
		{SampleRate: 16000, Channels: 3, BitDepth: 16},
		{SampleRate: 16000, Channels: 1, BitDepth: 24},
	}

	for _, format := range tests {
		if _, err := EncodeWAV(pcm, format); err == nil {
			t.Errorf("Expected error for format %+v", format)
		}
	}
}

func TestValidateWAV(t *testing.T) {
	if err := ValidateWAV([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for too short WAV data")
	}

	invalidWAV := make([]byte, 50)
	copy(invalidWAV[0:4], []byte("FAKE"))
	if err := ValidateWAV(invalidWAV); err == nil {
		t.Error("Expected error for invalid RIFF header")
	}
}

func TestPCMFormatDuration(t *testing.T) {
	if got := mono16k.Duration(32000); got != time.Second {
		t.Errorf("Expected 1s for 32000 bytes of mono 16k, got %v", got)
	}

	if got := (PCMFormat{}).Duration(1000); got != 0 {
		t.Errorf("Expected 0 for zero format, got %v", got)
	}
}
