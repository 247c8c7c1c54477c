package audio

import (
	"bytes"
	"testing"
)

func TestNewSlicer(t *testing.T) {
	tests := []struct {
		name       string
		sliceBytes int
		blockAlign int
		wantSize   int
		expectErr  bool
	}{
		{name: "exact frames", sliceBytes: 3200, blockAlign: 2, wantSize: 3200},
		{name: "rounded down to frame", sliceBytes: 3201, blockAlign: 4, wantSize: 3200},
		{name: "smaller than one frame", sliceBytes: 1, blockAlign: 2, expectErr: true},
		{name: "invalid block align", sliceBytes: 100, blockAlign: 0, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSlicer(tt.sliceBytes, tt.blockAlign)
			if tt.expectErr {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if s.GetStats().SliceBytes != tt.wantSize {
				t.Errorf("Expected slice size %d, got %d", tt.wantSize, s.GetStats().SliceBytes)
			}
		})
	}
}

func TestSlicerWrite(t *testing.T) {
	s, err := NewSlicer(100, 2)
	if err != nil {
		t.Fatalf("NewSlicer failed: %v", err)
	}

	if slices := s.Write(make([]byte, 60)); len(slices) != 0 {
		t.Errorf("Expected no slice for partial data, got %d", len(slices))
	}

	input := bytes.Repeat([]byte{7}, 250)
	slices := s.Write(input)
	if len(slices) != 3 {
		t.Fatalf("Expected 3 slices from 310 bytes, got %d", len(slices))
	}
	for i, slice := range slices {
		if len(slice) != 100 {
			t.Errorf("Slice %d: expected 100 bytes, got %d", i, len(slice))
		}
	}

	rest := s.Flush()
	if len(rest) != 10 {
		t.Errorf("Expected 10 remaining bytes, got %d", len(rest))
	}
	if s.Flush() != nil {
		t.Error("Expected second flush to return nil")
	}

	stats := s.GetStats()
	if stats.SlicesCreated != 4 {
		t.Errorf("Expected 4 slices including the flushed one, got %d", stats.SlicesCreated)
	}
	if stats.BytesIn != 310 {
		t.Errorf("Expected 310 bytes in, got %d", stats.BytesIn)
	}
}

func TestSlicerPreservesOrder(t *testing.T) {
	s, _ := NewSlicer(4, 2)

	var out []byte
	for i := 0; i < 10; i++ {
		for _, slice := range s.Write([]byte{byte(i), byte(i)}) {
			out = append(out, slice...)
		}
	}
	out = append(out, s.Flush()...)

	for i := 0; i < 10; i++ {
		if out[i*2] != byte(i) {
			t.Fatalf("Byte order broken at %d: got %d", i, out[i*2])
		}
	}
}

func TestSliceBytesFor(t *testing.T) {
	if got := SliceBytesFor(mono16k, 1000); got != 32000 {
		t.Errorf("Expected 32000 bytes per second, got %d", got)
	}
	if got := SliceBytesFor(mono16k, 250); got != 8000 {
		t.Errorf("Expected 8000 bytes per 250ms, got %d", got)
	}
}
