package transcode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Engine is a transcoder working on a private virtual filesystem. Load is
// called before first use; later calls are cheap.
type Engine interface {
	Load(ctx context.Context) error
	WriteFile(name string, data []byte) error
	Exec(ctx context.Context, args []string) error
	ReadFile(name string) ([]byte, error)
	DeleteFile(name string) error
}

// FFmpegEngine runs the ffmpeg binary inside a scratch directory that plays
// the role of the virtual filesystem. File names must be plain base names.
type FFmpegEngine struct {
	path string

	mu      sync.Mutex
	loaded  bool
	dir     string
	version string
}

// NewFFmpegEngine creates an engine for the ffmpeg binary at path (looked up
// on PATH when not absolute)
func NewFFmpegEngine(path string) *FFmpegEngine {
	return &FFmpegEngine{path: path}
}

// Load resolves the binary, checks it runs and creates the scratch directory.
// A failed load is retried on the next call.
func (e *FFmpegEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.loaded {
		return nil
	}

	bin, err := exec.LookPath(e.path)
	if err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}

	out, err := exec.CommandContext(ctx, bin, "-version").Output()
	if err != nil {
		return fmt.Errorf("ffmpeg not runnable: %w", err)
	}

	dir, err := os.MkdirTemp("", "transcode-*")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}

	e.path = bin
	e.dir = dir
	e.version = firstLine(string(out))
	e.loaded = true
	return nil
}

// Version returns the first line of `ffmpeg -version` once loaded
func (e *FFmpegEngine) Version() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

func (e *FFmpegEngine) resolve(name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return "", fmt.Errorf("engine not loaded")
	}
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid virtual file name %q", name)
	}
	return filepath.Join(e.dir, name), nil
}

// WriteFile stores data under name
func (e *FFmpegEngine) WriteFile(name string, data []byte) error {
	p, err := e.resolve(name)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o600)
}

// ReadFile returns the contents of name
func (e *FFmpegEngine) ReadFile(name string) ([]byte, error) {
	p, err := e.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// DeleteFile removes name; a missing file is not an error
func (e *FFmpegEngine) DeleteFile(name string) error {
	p, err := e.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exec runs ffmpeg with args, relative names resolving inside the scratch directory
func (e *FFmpegEngine) Exec(ctx context.Context, args []string) error {
	e.mu.Lock()
	loaded, bin, dir := e.loaded, e.path, e.dir
	e.mu.Unlock()

	if !loaded {
		return fmt.Errorf("engine not loaded")
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

// Close removes the scratch directory
func (e *FFmpegEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		return nil
	}
	e.loaded = false
	return os.RemoveAll(e.dir)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
