package recording

import (
	"time"

	"github.com/google/uuid"
)

// NoticeLevel grades a notice
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice codes
const (
	CodePermissionDenied = "permission_denied"
	CodeDeviceError      = "device_error"
	CodeEmptyRecording   = "empty_recording"
	CodeDraftQuota       = "draft_quota_exceeded"
	CodeDraftSize        = "draft_size_exceeded"
	CodeDraftFailed      = "draft_save_failed"
	CodeStorageLow       = "storage_low"
	CodeTranscodeFailed  = "transcode_failed"
	CodeUploadFailed     = "upload_failed"
)

const maxNotices = 20

// Notice is a transient, dismissable message for the user
type Notice struct {
	ID      string      `json:"id"`
	Level   NoticeLevel `json:"level"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

// notices is an ordered list where a new notice replaces an older one
// with the same code
type notices []Notice

func (n notices) add(level NoticeLevel, code, message string, at time.Time) (notices, Notice) {
	notice := Notice{ID: uuid.NewString(), Level: level, Code: code, Message: message, At: at}

	kept := n[:0]
	for _, existing := range n {
		if existing.Code != code {
			kept = append(kept, existing)
		}
	}
	kept = append(kept, notice)

	if len(kept) > maxNotices {
		kept = kept[len(kept)-maxNotices:]
	}
	return kept, notice
}

func (n notices) remove(id string) (notices, bool) {
	for i, existing := range n {
		if existing.ID == id {
			return append(n[:i], n[i+1:]...), true
		}
	}
	return n, false
}
