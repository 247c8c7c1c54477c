package transcode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memEngine struct {
	mu      sync.Mutex
	files   map[string][]byte
	loads   int
	lastArg []string

	loadErr  error
	execErr  error
	emptyOut bool
}

func newMemEngine() *memEngine {
	return &memEngine{files: make(map[string][]byte)}
}

func (m *memEngine) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return m.loadErr
}

func (m *memEngine) WriteFile(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), data...)
	return nil
}

func (m *memEngine) Exec(ctx context.Context, args []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastArg = args
	if m.execErr != nil {
		return m.execErr
	}
	in := args[2]
	out := args[len(args)-1]
	if m.emptyOut {
		m.files[out] = nil
		return nil
	}
	m.files[out] = append([]byte("MP3:"), m.files[in]...)
	return nil
}

func (m *memEngine) ReadFile(name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return data, nil
}

func (m *memEngine) DeleteFile(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBridgeConvertReportsSteps(t *testing.T) {
	engine := newMemEngine()
	b, err := NewBridge(engine, DefaultOptions(), quietLogger())
	require.NoError(t, err)

	var seen []Progress
	out, err := b.Convert(context.Background(), File{
		Name:     "recording.wav",
		MimeType: "audio/wav",
		Data:     []byte("RIFF...."),
	}, func(p Progress) { seen = append(seen, p) })
	require.NoError(t, err)

	assert.Equal(t, "recording.mp3", out.Name)
	assert.Equal(t, "audio/mpeg", out.MimeType)
	assert.Equal(t, []byte("MP3:RIFF...."), out.Data)

	require.Len(t, seen, 4)
	for i, step := range []Step{StepLoad, StepPrepare, StepConvert, StepFinalize} {
		assert.Equal(t, step, seen[i].Step)
		assert.Equal(t, i+1, seen[i].Index)
		assert.Equal(t, 4, seen[i].Total)
	}

	assert.Empty(t, engine.files, "scratch files are removed")
}

func TestBridgeCanonicalArgs(t *testing.T) {
	engine := newMemEngine()
	b, err := NewBridge(engine, DefaultOptions(), quietLogger())
	require.NoError(t, err)

	_, err = b.Convert(context.Background(), File{Name: "a.webm", Data: []byte{1}}, nil)
	require.NoError(t, err)

	args := engine.lastArg
	assert.Equal(t, "-y", args[0])
	assert.Equal(t, "-i", args[1])
	assert.Equal(t, ".webm", filepath.Ext(args[2]))
	assert.Subset(t, args, []string{"-ac", "1", "-ar", "16000", "-b:a", "64k", "-f", "mp3"})
}

func TestBridgeWavOmitsBitrate(t *testing.T) {
	opts := DefaultOptions()
	opts.Format = "wav"
	b, err := NewBridge(newMemEngine(), opts, quietLogger())
	require.NoError(t, err)

	assert.NotContains(t, b.Args("in.webm", "out.wav"), "-b:a")
}

func TestBridgeFailuresWrapErrTranscodeFailed(t *testing.T) {
	tests := []struct {
		name   string
		engine *memEngine
		input  File
	}{
		{
			name:   "load failure",
			engine: &memEngine{files: map[string][]byte{}, loadErr: errors.New("wasm blocked")},
			input:  File{Name: "a.wav", Data: []byte{1}},
		},
		{
			name:   "exec failure",
			engine: &memEngine{files: map[string][]byte{}, execErr: errors.New("invalid data found")},
			input:  File{Name: "a.wav", Data: []byte{1}},
		},
		{
			name:   "empty output",
			engine: &memEngine{files: map[string][]byte{}, emptyOut: true},
			input:  File{Name: "a.wav", Data: []byte{1}},
		},
		{
			name:   "empty input",
			engine: newMemEngine(),
			input:  File{Name: "a.wav"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBridge(tt.engine, DefaultOptions(), quietLogger())
			require.NoError(t, err)

			_, err = b.Convert(context.Background(), tt.input, nil)
			assert.ErrorIs(t, err, ErrTranscodeFailed)
		})
	}
}

func TestNewBridgeValidation(t *testing.T) {
	_, err := NewBridge(nil, DefaultOptions(), nil)
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.Format = "flac"
	_, err = NewBridge(newMemEngine(), opts, nil)
	assert.Error(t, err)
}

func TestInputExtension(t *testing.T) {
	assert.Equal(t, ".wav", inputExtension(File{Name: "x.wav"}))
	assert.Equal(t, ".webm", inputExtension(File{MimeType: "audio/webm;codecs=opus"}))
	assert.Equal(t, ".bin", inputExtension(File{MimeType: "application/octet-stream"}))
}

// fakeFFmpeg writes a shell script that answers -version and copies the -i
// input to the last argument.
func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine requires a unix shell")
	}

	script := `#!/bin/sh
if [ "$1" = "-version" ]; then
  echo "ffmpeg version test-build"
  echo "configuration: none"
  exit 0
fi
prev=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  prev="$a"
  out="$a"
done
cp "$in" "$out"
`
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestFFmpegEngineRoundTrip(t *testing.T) {
	engine := NewFFmpegEngine(fakeFFmpeg(t))
	defer engine.Close()

	b, err := NewBridge(engine, DefaultOptions(), quietLogger())
	require.NoError(t, err)

	out, err := b.Convert(context.Background(), File{Name: "take.wav", Data: []byte("pcm-bytes")}, nil)
	require.NoError(t, err)

	assert.Equal(t, []byte("pcm-bytes"), out.Data)
	assert.Equal(t, "ffmpeg version test-build", engine.Version())

	entries, err := os.ReadDir(engine.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory is cleaned after conversion")
}

func TestFFmpegEngineRejectsPathNames(t *testing.T) {
	engine := NewFFmpegEngine(fakeFFmpeg(t))
	defer engine.Close()
	require.NoError(t, engine.Load(context.Background()))

	assert.Error(t, engine.WriteFile("../escape", []byte{1}))
	assert.Error(t, engine.WriteFile("", []byte{1}))
}

func TestFFmpegEngineMissingBinary(t *testing.T) {
	engine := NewFFmpegEngine(filepath.Join(t.TempDir(), "no-such-ffmpeg"))

	err := engine.Load(context.Background())
	assert.Error(t, err)

	assert.Error(t, engine.WriteFile("a.wav", []byte{1}), "unloaded engine refuses work")
}
