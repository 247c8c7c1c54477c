package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/audio"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/backend"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/capture"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/clock"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/draft"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/transcode"
)

// DraftStore persists drafts
type DraftStore interface {
	Save(ctx context.Context, d *draft.Draft) (string, error)
	Get(ctx context.Context, categoryID, subcategoryID string) (*draft.Draft, error)
	Delete(ctx context.Context, id string) error
	DeleteKey(ctx context.Context, categoryID, subcategoryID string) error
	MarkUploaded(ctx context.Context, id, jobID string) error
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
	CheckQuota(ctx context.Context) (draft.QuotaStatus, error)
}

// Transcoder converts a recording to the upload format
type Transcoder interface {
	Convert(ctx context.Context, in transcode.File, onProgress transcode.ProgressFunc) (transcode.File, error)
}

// Uploader submits a recording to the backend
type Uploader interface {
	Upload(ctx context.Context, upload backend.UploadRequest) (*backend.UploadResponse, error)
}

// Config tunes controller timing
type Config struct {
	Timeslice        time.Duration
	SnapshotInterval time.Duration
	HiddenDebounce   time.Duration
}

// DefaultConfig returns 1s chunks, 30s snapshots and a 5s hide debounce
func DefaultConfig() Config {
	return Config{
		Timeslice:        time.Second,
		SnapshotInterval: 30 * time.Second,
		HiddenDebounce:   5 * time.Second,
	}
}

// Dependencies are the collaborators shared by every controller
type Dependencies struct {
	Drafts     DraftStore
	Transcoder Transcoder // nil uploads the original recording
	Uploader   Uploader
	Clock      clock.Clock
	Observer   Observer
	Logger     *slog.Logger
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// Controller runs the recording lifecycle for one key
type Controller struct {
	key    Key
	device capture.Device
	deps   Dependencies
	config Config
	logger *slog.Logger

	// Serializes lifecycle operations
	opMu sync.Mutex
	// Serializes draft writes for this key
	saveMu sync.Mutex

	mu              sync.RWMutex
	state           State
	sess            *session
	handle          *capture.Handle
	stopLoop        context.CancelFunc
	loopDone        chan struct{}
	recording       *Recording
	draftID         string
	restored        bool
	lastSave        time.Time
	jobID           string
	progress        *transcode.Progress
	preSession      map[string]any
	categoryName    string
	subcategoryName string
	notices         notices
	lastActivity    time.Time
	closed          bool
}

// NewController creates a controller in the idle state. device may be nil
// when every recording is started with StartWith.
func NewController(key Key, device capture.Device, deps Dependencies, config Config) (*Controller, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if deps.Drafts == nil {
		return nil, fmt.Errorf("draft store is required")
	}
	if deps.Uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}

	defaults := DefaultConfig()
	if config.Timeslice <= 0 {
		config.Timeslice = defaults.Timeslice
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = defaults.SnapshotInterval
	}
	if config.HiddenDebounce < 0 {
		config.HiddenDebounce = defaults.HiddenDebounce
	}

	deps = deps.withDefaults()

	return &Controller{
		key:    key,
		device: device,
		deps:   deps,
		config: config,
		logger: deps.Logger.With(
			slog.String("component", "recording"),
			slog.String("category_id", key.CategoryID),
			slog.String("subcategory_id", key.SubcategoryID),
		),
		state:        StateIdle,
		lastActivity: deps.Clock.Now(),
	}, nil
}

// Key returns the controller's key
func (c *Controller) Key() Key {
	return c.key
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// transition moves to a new state; c.mu must be held
func (c *Controller) transition(to State) {
	from := c.state
	if !CanTransition(from, to) {
		// Callers check before acting; reaching here is a bug
		panic(fmt.Sprintf("recording: illegal transition %s -> %s", from, to))
	}
	c.state = to
	c.lastActivity = c.deps.Clock.Now()
	c.deps.Observer.RecordTransition(string(from), string(to))
	c.logger.Debug("State changed", slog.String("from", string(from)), slog.String("to", string(to)))
}

// begin takes the operation lock and rejects calls after Close
func (c *Controller) begin() error {
	c.opMu.Lock()
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		c.opMu.Unlock()
		return ErrClosed
	}
	return nil
}

// Start opens the configured device and begins recording
func (c *Controller) Start(ctx context.Context) error {
	if c.device == nil {
		return ErrNoDevice
	}
	return c.StartWith(ctx, c.device)
}

// StartWith begins recording from device. Starting from stopped discards
// the previous local recording; its draft stays in the store until the new
// recording replaces it.
func (c *Controller) StartWith(ctx context.Context, device capture.Device) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	state := c.State()
	if state != StateIdle && state != StateStopped {
		return invalidTransition("start", state)
	}

	stream, err := device.Open(ctx)
	if err != nil {
		if errors.Is(err, capture.ErrPermissionDenied) {
			c.deps.Observer.RecordPermissionFailure()
			c.notify(NoticeError, CodePermissionDenied, "Microphone access was denied")
		} else {
			c.notify(NoticeError, CodeDeviceError, fmt.Sprintf("Could not open microphone: %v", err))
		}
		c.logger.Warn("Failed to open capture device", slog.String("error", err.Error()))
		return fmt.Errorf("open capture device: %w", err)
	}

	handle := capture.NewHandle(stream)
	sess := newSession(stream.Format(), c.deps.Clock.Now())

	if err := handle.Start(c.config.Timeslice, sess); err != nil {
		if rerr := handle.Release(); rerr != nil {
			c.logger.Warn("Failed to release capture device", slog.String("error", rerr.Error()))
		}
		c.notify(NoticeError, CodeDeviceError, fmt.Sprintf("Could not start recording: %v", err))
		return fmt.Errorf("start capture: %w", err)
	}

	c.mu.Lock()
	c.sess = sess
	c.handle = handle
	c.recording = nil
	c.restored = false
	c.jobID = ""
	c.progress = nil
	c.transition(StateRecording)
	c.mu.Unlock()

	c.startSnapshotLoop(sess)

	c.logger.Info("Recording started",
		slog.String("mime_type", stream.Format().MimeType),
		slog.Duration("timeslice", c.config.Timeslice),
	)

	return nil
}

// Pause suspends capture; paused time does not count toward the duration
func (c *Controller) Pause() error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	c.mu.RLock()
	state, handle, sess := c.state, c.handle, c.sess
	c.mu.RUnlock()

	if state != StateRecording {
		return invalidTransition("pause", state)
	}

	if err := handle.Pause(); err != nil {
		return fmt.Errorf("pause capture: %w", err)
	}
	sess.pause(c.deps.Clock.Now())

	c.mu.Lock()
	c.transition(StatePaused)
	c.mu.Unlock()
	return nil
}

// Resume continues a paused recording
func (c *Controller) Resume() error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	c.mu.RLock()
	state, handle, sess := c.state, c.handle, c.sess
	c.mu.RUnlock()

	if state != StatePaused {
		return invalidTransition("resume", state)
	}

	if err := handle.Resume(); err != nil {
		return fmt.Errorf("resume capture: %w", err)
	}
	sess.resume(c.deps.Clock.Now())

	c.mu.Lock()
	c.transition(StateRecording)
	c.mu.Unlock()
	return nil
}

// Stop finalizes capture, assembles the recording and saves it as a draft.
// The device is released only after the last chunk has been delivered. A
// recording without audio returns ErrEmptyRecording and goes back to idle.
func (c *Controller) Stop(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	c.mu.RLock()
	state, handle, sess := c.state, c.handle, c.sess
	c.mu.RUnlock()

	if !state.Active() {
		return invalidTransition("stop", state)
	}

	c.stopSnapshotLoop()

	if err := handle.Stop(ctx); err != nil {
		c.logger.Warn("Capture did not finalize cleanly", slog.String("error", err.Error()))
	}

	now := c.deps.Clock.Now()
	sess.pause(now)
	rec, asmErr := sess.assemble(now)

	if err := handle.Release(); err != nil {
		c.logger.Warn("Failed to release capture device", slog.String("error", err.Error()))
	}

	if asmErr != nil || len(rec.Data) == 0 {
		c.mu.Lock()
		c.sess = nil
		c.handle = nil
		c.transition(StateIdle)
		c.mu.Unlock()

		if asmErr != nil {
			c.notify(NoticeError, CodeDeviceError, asmErr.Error())
			return asmErr
		}

		c.deps.Observer.RecordEmptyRecording()
		c.notify(NoticeError, CodeEmptyRecording, "Nothing was recorded")
		c.logger.Warn("Recording stopped with no audio")
		return ErrEmptyRecording
	}

	c.mu.Lock()
	c.recording = rec
	c.sess = nil
	c.handle = nil
	c.transition(StateStopped)
	c.mu.Unlock()

	c.deps.Observer.RecordStopped(rec.Duration, rec.Size)
	c.logger.Info("Recording stopped",
		slog.Duration("duration", rec.Duration),
		slog.Int("size", rec.Size),
		slog.String("mime_type", rec.MimeType),
	)

	// Draft failures are reported as notices and never block the recording
	_ = c.saveDraft(ctx, "stop", rec)

	return nil
}

// Upload transcodes the stopped recording and submits it. A failed
// transcode falls back to the original file. On success the draft is
// marked uploaded and then cleared. Once started the upload is not
// cancelled by ctx.
func (c *Controller) Upload(ctx context.Context) (string, error) {
	if err := c.begin(); err != nil {
		return "", err
	}
	defer c.opMu.Unlock()

	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	if c.state != StateStopped || c.recording == nil {
		state := c.state
		c.mu.Unlock()
		return "", invalidTransition("upload", state)
	}
	rec := c.recording
	preSession := maps.Clone(c.preSession)
	c.progress = nil
	c.transition(StateUploading)
	c.mu.Unlock()

	file := transcode.File{
		Name:     fileName(c.deps.Clock.Now(), rec.MimeType),
		MimeType: rec.MimeType,
		Data:     rec.Data,
	}

	if c.deps.Transcoder != nil {
		started := c.deps.Clock.Now()
		converted, err := c.deps.Transcoder.Convert(ctx, file, c.setProgress)
		elapsed := c.deps.Clock.Now().Sub(started)
		if err != nil {
			c.deps.Observer.RecordTranscode("fallback", elapsed)
			c.notify(NoticeWarning, CodeTranscodeFailed,
				"Audio conversion failed, uploading the original recording")
			c.logger.Warn("Transcode failed, uploading original", slog.String("error", err.Error()))
		} else {
			c.deps.Observer.RecordTranscode("success", elapsed)
			file = converted
		}
	}

	resp, err := c.deps.Uploader.Upload(ctx, backend.UploadRequest{
		FileName:       file.Name,
		MimeType:       file.MimeType,
		Data:           file.Data,
		CategoryID:     c.key.CategoryID,
		SubcategoryID:  c.key.SubcategoryID,
		PreSessionData: preSession,
	})
	if err != nil {
		c.mu.Lock()
		c.progress = nil
		c.transition(StateStopped)
		c.mu.Unlock()

		c.notify(NoticeError, CodeUploadFailed, uploadErrorMessage(err))
		c.logger.Error("Upload failed", slog.String("error", err.Error()))
		return "", fmt.Errorf("upload recording: %w", err)
	}

	c.mu.Lock()
	c.jobID = resp.JobID
	c.progress = nil
	draftID := c.draftID
	c.draftID = ""
	c.transition(StateSuccess)
	c.mu.Unlock()

	c.logger.Info("Recording uploaded",
		slog.String("job_id", resp.JobID),
		slog.String("file", file.Name),
		slog.Int("size", len(file.Data)),
	)

	if draftID != "" {
		if err := c.deps.Drafts.MarkUploaded(ctx, draftID, resp.JobID); err != nil && !errors.Is(err, draft.ErrNotFound) {
			c.logger.Warn("Failed to mark draft uploaded", slog.String("error", err.Error()))
		}
	}
	if err := c.deps.Drafts.DeleteKey(ctx, c.key.CategoryID, c.key.SubcategoryID); err != nil {
		// An uploaded draft left behind is removed by Mount or cleanup
		c.logger.Warn("Failed to clear uploaded draft", slog.String("error", err.Error()))
	}

	return resp.JobID, nil
}

func uploadErrorMessage(err error) string {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	if errors.Is(err, backend.ErrNetwork) {
		return "The server could not be reached, the recording is kept as a draft"
	}
	return err.Error()
}

// Reset discards the local recording and returns to idle. Stored drafts
// are kept.
func (c *Controller) Reset() error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateIdle:
		return nil
	case StateStopped, StateSuccess:
	default:
		return invalidTransition("reset", c.state)
	}

	c.recording = nil
	c.restored = false
	c.jobID = ""
	c.progress = nil
	c.draftID = ""
	c.transition(StateIdle)
	return nil
}

// Elapsed returns the time spent recording, pauses excluded
func (c *Controller) Elapsed() time.Duration {
	c.mu.RLock()
	sess, rec := c.sess, c.recording
	c.mu.RUnlock()

	if sess != nil {
		return sess.elapsed(c.deps.Clock.Now())
	}
	if rec != nil {
		return rec.Duration
	}
	return 0
}

// Recording returns the assembled recording while stopped, uploading or
// after success
func (c *Controller) Recording() (*Recording, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.recording == nil {
		return nil, false
	}
	rec := *c.recording
	return &rec, true
}

// Hide snapshots an active recording when the client loses visibility.
// Calls within the debounce window of the previous save are skipped.
func (c *Controller) Hide(ctx context.Context) (bool, error) {
	if err := c.begin(); err != nil {
		return false, err
	}
	defer c.opMu.Unlock()

	c.mu.RLock()
	state, sess, lastSave := c.state, c.sess, c.lastSave
	c.mu.RUnlock()

	if !state.Active() {
		return false, nil
	}

	now := c.deps.Clock.Now()
	if !lastSave.IsZero() && now.Sub(lastSave) < c.config.HiddenDebounce {
		c.logger.Debug("Skipping hidden snapshot inside debounce window",
			slog.Duration("since_last_save", now.Sub(lastSave)))
		return false, nil
	}

	rec, err := sess.assemble(now)
	if err != nil {
		return false, err
	}
	if len(rec.Data) == 0 {
		return false, nil
	}
	if err := c.saveDraft(ctx, "hidden", rec); err != nil {
		return false, err
	}
	return true, nil
}

// Unload makes a best-effort save before the process goes away
func (c *Controller) Unload(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.opMu.Unlock()

	c.mu.RLock()
	state, sess, rec, draftID := c.state, c.sess, c.recording, c.draftID
	c.mu.RUnlock()

	switch {
	case state.Active():
		snap, err := sess.assemble(c.deps.Clock.Now())
		if err != nil {
			return err
		}
		if len(snap.Data) == 0 {
			return nil
		}
		return c.saveDraft(ctx, "unload", snap)
	case state == StateStopped && draftID == "" && rec != nil:
		return c.saveDraft(ctx, "unload", rec)
	default:
		return nil
	}
}

// Close stops the snapshot loop and releases the device without saving.
// The controller cannot be used afterwards.
func (c *Controller) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handle := c.handle
	c.mu.Unlock()

	c.stopSnapshotLoop()

	if handle != nil {
		if err := handle.Release(); err != nil {
			return fmt.Errorf("release capture device: %w", err)
		}
	}
	return nil
}

// Mount returns the restorable draft for the key, or nil. A leftover draft
// that was already uploaded is removed.
func (c *Controller) Mount(ctx context.Context) (*draft.Draft, error) {
	d, err := c.deps.Drafts.Get(ctx, c.key.CategoryID, c.key.SubcategoryID)
	if err != nil {
		return nil, fmt.Errorf("look up draft: %w", err)
	}

	c.mu.Lock()
	c.lastActivity = c.deps.Clock.Now()
	c.mu.Unlock()

	if d == nil {
		return nil, nil
	}

	if d.Uploaded {
		if err := c.deps.Drafts.Delete(ctx, d.ID); err != nil && !errors.Is(err, draft.ErrNotFound) {
			c.logger.Warn("Failed to remove uploaded draft", slog.String("error", err.Error()))
		}
		return nil, nil
	}

	d.Audio = nil
	return d, nil
}

// Restore loads the stored draft into the stopped state
func (c *Controller) Restore(ctx context.Context) (*draft.Draft, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.opMu.Unlock()

	if state := c.State(); state != StateIdle {
		return nil, invalidTransition("restore", state)
	}

	d, err := c.deps.Drafts.Get(ctx, c.key.CategoryID, c.key.SubcategoryID)
	if err != nil {
		return nil, fmt.Errorf("look up draft: %w", err)
	}
	if d == nil || d.Uploaded || len(d.Audio) == 0 {
		return nil, ErrNoDraft
	}
	if d.MimeType == audio.WAVMimeType {
		duration, err := audio.WAVDuration(d.Audio)
		if err != nil {
			c.logger.Warn("Stored draft is unreadable", slog.String("draft_id", d.ID), slog.String("error", err.Error()))
			return nil, fmt.Errorf("%w: %v", ErrNoDraft, err)
		}
		if d.Duration == 0 {
			d.Duration = duration
		}
	}

	c.mu.Lock()
	c.recording = &Recording{
		Data:     d.Audio,
		MimeType: d.MimeType,
		Duration: d.Duration,
		Size:     len(d.Audio),
	}
	c.draftID = d.ID
	c.restored = true
	c.lastSave = c.deps.Clock.Now()
	if len(d.PreSessionData) > 0 {
		c.preSession = maps.Clone(d.PreSessionData)
	}
	if d.CategoryName != "" {
		c.categoryName = d.CategoryName
	}
	if d.SubcategoryName != "" {
		c.subcategoryName = d.SubcategoryName
	}
	c.transition(StateStopped)
	c.mu.Unlock()

	c.logger.Info("Draft restored",
		slog.String("draft_id", d.ID),
		slog.Duration("duration", d.Duration),
		slog.Int64("size", d.Size),
	)

	meta := *d
	meta.Audio = nil
	return &meta, nil
}

// DiscardDraft deletes the stored draft for the key
func (c *Controller) DiscardDraft(ctx context.Context) error {
	if err := c.deps.Drafts.DeleteKey(ctx, c.key.CategoryID, c.key.SubcategoryID); err != nil {
		return fmt.Errorf("discard draft: %w", err)
	}

	c.mu.Lock()
	c.draftID = ""
	c.lastActivity = c.deps.Clock.Now()
	c.mu.Unlock()
	return nil
}

// SetPreSessionData replaces the pre-session form answers
func (c *Controller) SetPreSessionData(data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preSession = maps.Clone(data)
	c.lastActivity = c.deps.Clock.Now()
}

// SetLabels sets the display names stored with drafts
func (c *Controller) SetLabels(categoryName, subcategoryName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.categoryName = categoryName
	c.subcategoryName = subcategoryName
}

// Notices returns the pending notices, oldest first
func (c *Controller) Notices() []Notice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Notice, len(c.notices))
	copy(out, c.notices)
	return out
}

// DismissNotice removes a notice by id
func (c *Controller) DismissNotice(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed bool
	c.notices, removed = c.notices.remove(id)
	return removed
}

func (c *Controller) notify(level NoticeLevel, code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices, _ = c.notices.add(level, code, message, c.deps.Clock.Now())
}

func (c *Controller) setProgress(p transcode.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = &p
}

// saveDraft writes rec as the key's draft. Failures become notices.
func (c *Controller) saveDraft(ctx context.Context, trigger string, rec *Recording) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.RLock()
	d := &draft.Draft{
		CategoryID:      c.key.CategoryID,
		SubcategoryID:   c.key.SubcategoryID,
		CategoryName:    c.categoryName,
		SubcategoryName: c.subcategoryName,
		Audio:           rec.Data,
		Duration:        rec.Duration,
		PreSessionData:  maps.Clone(c.preSession),
		MimeType:        rec.MimeType,
	}
	c.mu.RUnlock()

	id, err := c.deps.Drafts.Save(ctx, d)
	if err != nil {
		reason, code := "error", CodeDraftFailed
		switch {
		case errors.Is(err, draft.ErrQuotaExceeded):
			reason, code = "quota", CodeDraftQuota
		case errors.Is(err, draft.ErrSizeExceeded):
			reason, code = "size", CodeDraftSize
		}
		c.deps.Observer.RecordDraftFailure(reason)
		c.notify(NoticeWarning, code, fmt.Sprintf("Draft could not be saved: %v", err))
		c.logger.Warn("Draft save failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()))
		return err
	}

	c.mu.Lock()
	c.draftID = id
	c.lastSave = c.deps.Clock.Now()
	c.mu.Unlock()

	c.deps.Observer.RecordDraftSave(trigger)
	c.logger.Debug("Draft saved",
		slog.String("trigger", trigger),
		slog.String("draft_id", id),
		slog.Duration("duration", rec.Duration),
		slog.Int("size", len(rec.Data)),
	)

	if status, err := c.deps.Drafts.CheckQuota(ctx); err == nil && status.Warning {
		c.notify(NoticeWarning, CodeStorageLow, "Draft storage is almost full")
	}

	return nil
}

// startSnapshotLoop begins periodic draft snapshots of sess
func (c *Controller) startSnapshotLoop(sess *session) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ticker := c.deps.Clock.NewTicker(c.config.SnapshotInterval)

	c.mu.Lock()
	c.stopLoop = cancel
	c.loopDone = done
	c.mu.Unlock()

	go c.snapshotLoop(ctx, sess, ticker, done)
}

// stopSnapshotLoop cancels the loop and waits for an in-progress snapshot
func (c *Controller) stopSnapshotLoop() {
	c.mu.Lock()
	cancel, done := c.stopLoop, c.loopDone
	c.stopLoop, c.loopDone = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) snapshotLoop(ctx context.Context, sess *session, ticker clock.Ticker, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case at := <-ticker.C():
			c.snapshot(ctx, sess, at)
		}
	}
}

// snapshot saves the chunks buffered so far; paused recordings are skipped
func (c *Controller) snapshot(ctx context.Context, sess *session, at time.Time) {
	c.mu.RLock()
	current := c.sess == sess && c.state == StateRecording
	c.mu.RUnlock()
	if !current {
		return
	}

	rec, err := sess.assemble(at)
	if err != nil {
		c.logger.Warn("Snapshot assembly failed", slog.String("error", err.Error()))
		return
	}
	if len(rec.Data) == 0 {
		return
	}

	// A stop arriving mid-save waits for it instead of cancelling it
	_ = c.saveDraft(context.WithoutCancel(ctx), "snapshot", rec)
}

// Info is a point-in-time view of a controller
type Info struct {
	Key             Key                 `json:"key"`
	State           State               `json:"state"`
	Elapsed         time.Duration       `json:"elapsed"`
	Level           float64             `json:"level"`
	Peak            float64             `json:"peak"`
	Chunks          int                 `json:"chunks"`
	CapturedBytes   int                 `json:"captured_bytes"`
	Recording       *Recording          `json:"recording,omitempty"`
	DraftID         string              `json:"draft_id,omitempty"`
	Restored        bool                `json:"restored"`
	LastSave        time.Time           `json:"last_save,omitempty"`
	JobID           string              `json:"job_id,omitempty"`
	Progress        *transcode.Progress `json:"progress,omitempty"`
	PreSessionData  map[string]any      `json:"pre_session_data,omitempty"`
	CategoryName    string              `json:"category_name,omitempty"`
	SubcategoryName string              `json:"subcategory_name,omitempty"`
	Notices         []Notice            `json:"notices"`
	LastActivity    time.Time           `json:"last_activity"`
}

// Info returns the controller's current view
func (c *Controller) Info() Info {
	elapsed := c.Elapsed()

	c.mu.RLock()
	defer c.mu.RUnlock()

	info := Info{
		Key:             c.key,
		State:           c.state,
		Elapsed:         elapsed,
		DraftID:         c.draftID,
		Restored:        c.restored,
		LastSave:        c.lastSave,
		JobID:           c.jobID,
		PreSessionData:  maps.Clone(c.preSession),
		CategoryName:    c.categoryName,
		SubcategoryName: c.subcategoryName,
		Notices:         append([]Notice{}, c.notices...),
		LastActivity:    c.lastActivity,
	}

	if c.sess != nil {
		info.Chunks, info.CapturedBytes = c.sess.stats()
		info.Level = c.sess.level.Level()
		info.Peak = c.sess.level.Peak()
	}
	if c.recording != nil {
		rec := *c.recording
		info.Recording = &rec
	}
	if c.progress != nil {
		p := *c.progress
		info.Progress = &p
	}

	return info
}

// closeIfIdle closes the controller if it has sat idle or finished for
// longer than timeout. The check and the close happen under the operation
// lock, so a concurrent Start either wins and keeps the controller alive or
// loses and gets ErrClosed. A controller busy with an operation is not idle.
func (c *Controller) closeIfIdle(now time.Time, timeout time.Duration) bool {
	if !c.opMu.TryLock() {
		return false
	}
	defer c.opMu.Unlock()

	c.mu.Lock()
	evictable := c.state == StateIdle || c.state == StateSuccess
	if c.closed || !evictable || now.Sub(c.lastActivity) <= timeout {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	handle := c.handle
	c.mu.Unlock()

	c.stopSnapshotLoop()

	if handle != nil {
		if err := handle.Release(); err != nil {
			c.logger.Warn("Failed to release capture device", slog.String("error", err.Error()))
		}
	}
	return true
}

var mimeExtensions = map[string]string{
	audio.WAVMimeType:   "wav",
	"audio/x-wav":       "wav",
	"audio/webm":        "webm",
	"audio/ogg":         "ogg",
	"audio/mpeg":        "mp3",
	"audio/mp4":         "m4a",
	capture.PCMMimeType: "pcm",
}

func fileName(at time.Time, mimeType string) string {
	ext, ok := mimeExtensions[mimeType]
	if !ok {
		ext = "bin"
	}
	return fmt.Sprintf("recording-%s.%s", at.UTC().Format("20060102-150405"), ext)
}
