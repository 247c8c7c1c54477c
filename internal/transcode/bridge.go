package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrTranscodeFailed wraps every conversion failure. Callers are expected to
// fall back to the original file.
var ErrTranscodeFailed = errors.New("transcode failed")

// Step is one stage of a conversion
type Step string

const (
	StepLoad     Step = "load"
	StepPrepare  Step = "prepare"
	StepConvert  Step = "convert"
	StepFinalize Step = "finalize"
)

var steps = []Step{StepLoad, StepPrepare, StepConvert, StepFinalize}

// Progress reports entry into a step
type Progress struct {
	Step  Step `json:"step"`
	Index int  `json:"index"` // 1-based
	Total int  `json:"total"`
}

// ProgressFunc receives progress updates; it may be nil
type ProgressFunc func(Progress)

// File is an in-memory audio file
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Options selects the output encoding
type Options struct {
	Format     string // mp3, ogg or wav
	Bitrate    string // e.g. 64k, ignored for wav
	SampleRate int
	Channels   int
	Timeout    time.Duration
}

// DefaultOptions is mono 16 kHz MP3 at 64 kbit/s, sized for speech recognition
func DefaultOptions() Options {
	return Options{Format: "mp3", Bitrate: "64k", SampleRate: 16000, Channels: 1, Timeout: 2 * time.Minute}
}

var formatMimeTypes = map[string]string{
	"mp3": "audio/mpeg",
	"ogg": "audio/ogg",
	"wav": "audio/wav",
}

var mimeExtensions = map[string]string{
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/webm":  ".webm",
	"audio/ogg":   ".ogg",
	"audio/mpeg":  ".mp3",
	"audio/mp4":   ".m4a",
}

// Bridge drives an Engine through one conversion at a time per call
type Bridge struct {
	engine Engine
	opts   Options
	logger *slog.Logger
}

// NewBridge creates a bridge over engine
func NewBridge(engine Engine, opts Options, logger *slog.Logger) (*Bridge, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if _, ok := formatMimeTypes[opts.Format]; !ok {
		return nil, fmt.Errorf("unsupported output format %q", opts.Format)
	}
	if opts.SampleRate <= 0 || opts.Channels <= 0 {
		return nil, fmt.Errorf("sample rate and channels must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{engine: engine, opts: opts, logger: logger}, nil
}

// Args returns the engine arguments converting in to out
func (b *Bridge) Args(in, out string) []string {
	args := []string{"-y", "-i", in, "-vn",
		"-ac", fmt.Sprint(b.opts.Channels),
		"-ar", fmt.Sprint(b.opts.SampleRate),
	}
	if b.opts.Format != "wav" && b.opts.Bitrate != "" {
		args = append(args, "-b:a", b.opts.Bitrate)
	}
	return append(args, "-f", b.opts.Format, out)
}

// Convert transcodes in to the configured format
func (b *Bridge) Convert(ctx context.Context, in File, onProgress ProgressFunc) (File, error) {
	if len(in.Data) == 0 {
		return File{}, fmt.Errorf("%w: empty input", ErrTranscodeFailed)
	}

	report := func(i int) {
		if onProgress != nil {
			onProgress(Progress{Step: steps[i], Index: i + 1, Total: len(steps)})
		}
	}

	started := time.Now()
	id := uuid.NewString()
	inputName := "in-" + id + inputExtension(in)
	outputName := "out-" + id + "." + b.opts.Format

	report(0)
	if err := b.engine.Load(ctx); err != nil {
		return File{}, fmt.Errorf("%w: load engine: %v", ErrTranscodeFailed, err)
	}

	report(1)
	if err := b.engine.WriteFile(inputName, in.Data); err != nil {
		return File{}, fmt.Errorf("%w: write input: %v", ErrTranscodeFailed, err)
	}
	defer b.cleanup(inputName, outputName)

	report(2)
	execCtx := ctx
	if b.opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, b.opts.Timeout)
		defer cancel()
	}
	if err := b.engine.Exec(execCtx, b.Args(inputName, outputName)); err != nil {
		return File{}, fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	}

	report(3)
	data, err := b.engine.ReadFile(outputName)
	if err != nil {
		return File{}, fmt.Errorf("%w: read output: %v", ErrTranscodeFailed, err)
	}
	if len(data) == 0 {
		return File{}, fmt.Errorf("%w: empty output", ErrTranscodeFailed)
	}

	out := File{
		Name:     outputFileName(in.Name, b.opts.Format),
		MimeType: formatMimeTypes[b.opts.Format],
		Data:     data,
	}

	b.logger.Info("Audio transcoded",
		slog.String("input", in.Name),
		slog.String("output", out.Name),
		slog.Int("input_size", len(in.Data)),
		slog.Int("output_size", len(out.Data)),
		slog.Duration("duration", time.Since(started)),
	)

	return out, nil
}

func (b *Bridge) cleanup(names ...string) {
	for _, name := range names {
		if err := b.engine.DeleteFile(name); err != nil {
			b.logger.Debug("Transcode scratch cleanup failed",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func inputExtension(f File) string {
	if ext := filepath.Ext(f.Name); ext != "" {
		return ext
	}
	base := strings.TrimSpace(strings.SplitN(f.MimeType, ";", 2)[0])
	if ext, ok := mimeExtensions[base]; ok {
		return ext
	}
	return ".bin"
}

func outputFileName(name, format string) string {
	if name == "" {
		name = "recording"
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + "." + format
}
