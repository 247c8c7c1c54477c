package recording

import "time"

// Observer receives lifecycle events, normally Prometheus metrics
type Observer interface {
	RecordTransition(from, to string)
	RecordStopped(duration time.Duration, sizeBytes int)
	RecordEmptyRecording()
	RecordPermissionFailure()
	RecordDraftSave(trigger string)
	RecordDraftFailure(reason string)
	RecordDraftsCollected(n int)
	SetDraftBytes(n int64)
	RecordTranscode(result string, duration time.Duration)
	SetActiveSessions(count int)
}

type nopObserver struct{}

func (nopObserver) RecordTransition(string, string)       {}
func (nopObserver) RecordStopped(time.Duration, int)      {}
func (nopObserver) RecordEmptyRecording()                 {}
func (nopObserver) RecordPermissionFailure()              {}
func (nopObserver) RecordDraftSave(string)                {}
func (nopObserver) RecordDraftFailure(string)             {}
func (nopObserver) RecordDraftsCollected(int)             {}
func (nopObserver) SetDraftBytes(int64)                   {}
func (nopObserver) RecordTranscode(string, time.Duration) {}
func (nopObserver) SetActiveSessions(int)                 {}
