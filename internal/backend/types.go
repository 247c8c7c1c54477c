package backend

import "time"

// Job statuses reported by the backend
const (
	StatusUploaded    = "uploaded"
	StatusProcessing  = "processing"
	StatusTranscribed = "transcribed"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// Category is a top-level recording category
type Category struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Subcategory belongs to a category and may define pre-session questions
type Subcategory struct {
	ID               string            `json:"id"`
	CategoryID       string            `json:"category_id"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	PreSessionFields []PreSessionField `json:"pre_session_fields,omitempty"`
}

// PreSessionField describes one form question asked before recording
type PreSessionField struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

// Share grants another user access to a job
type Share struct {
	UserEmail  string    `json:"user_email"`
	Permission string    `json:"permission"`
	SharedAt   time.Time `json:"shared_at"`
}

// Job is the backend's record of an uploaded recording
type Job struct {
	ID                string    `json:"id"`
	Filename          string    `json:"filename"`
	Status            string    `json:"status"`
	CategoryID        string    `json:"category_id"`
	SubcategoryID     string    `json:"subcategory_id"`
	TranscriptionText string    `json:"transcription_text,omitempty"`
	AnalysisText      string    `json:"analysis_text,omitempty"`
	AnalysisFileURL   string    `json:"analysis_file_url,omitempty"`
	Shares            []Share   `json:"shares,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	Deleted           bool      `json:"deleted"`
}

// JobFilter narrows ListJobs; zero values are ignored
type JobFilter struct {
	CategoryID    string
	SubcategoryID string
	Status        string
}

// Transcription is the text produced for a job
type Transcription struct {
	JobID    string `json:"job_id"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// SharingInfo lists who can see a job
type SharingInfo struct {
	JobID  string  `json:"job_id"`
	Owner  string  `json:"owner,omitempty"`
	Shares []Share `json:"shares"`
}

// ShareRequest grants or revokes access
type ShareRequest struct {
	UserEmail  string `json:"user_email" validate:"required,email"`
	Permission string `json:"permission,omitempty" validate:"omitempty,oneof=view edit"`
}

// AnalysisUpdate replaces the analysis text of a job
type AnalysisUpdate struct {
	Text string `json:"text" validate:"required"`
}

// UploadRequest is a recording submission
type UploadRequest struct {
	FileName       string
	MimeType       string
	Data           []byte
	CategoryID     string
	SubcategoryID  string
	PreSessionData map[string]any
}

// UploadResponse is returned by a successful upload
type UploadResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}
