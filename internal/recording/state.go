package recording

import (
	"errors"
	"fmt"
)

// State is a recording lifecycle state
type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateUploading State = "uploading"
	StateSuccess   State = "success"
)

var (
	// ErrInvalidTransition is returned when an operation is not allowed in the current state
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrEmptyRecording means stop produced no audio; nothing will be uploaded
	ErrEmptyRecording = errors.New("recording is empty")

	// ErrNoDraft means there is no stored draft for the key
	ErrNoDraft = errors.New("no draft for this recording")

	// ErrNoDevice means the controller has no capture device to open
	ErrNoDevice = errors.New("no capture device configured")

	// ErrClosed is returned by a controller after Close
	ErrClosed = errors.New("recording controller closed")
)

// validTransitions lists the states reachable from each state
var validTransitions = map[State][]State{
	StateIdle:      {StateRecording, StateStopped},
	StateRecording: {StatePaused, StateStopped, StateIdle},
	StatePaused:    {StateRecording, StateStopped, StateIdle},
	StateStopped:   {StateUploading, StateIdle, StateRecording},
	StateUploading: {StateSuccess, StateStopped},
	StateSuccess:   {StateIdle},
}

// CanTransition reports whether from may move to to
func CanTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a known state
func (s State) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Active reports whether the capture device is held
func (s State) Active() bool {
	return s == StateRecording || s == StatePaused
}

func (s State) String() string {
	return string(s)
}

func invalidTransition(op string, from State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, op, from)
}

// Key identifies a recording
type Key struct {
	CategoryID    string `json:"category_id"`
	SubcategoryID string `json:"subcategory_id"`
}

// Validate checks that both parts are set
func (k Key) Validate() error {
	if k.CategoryID == "" || k.SubcategoryID == "" {
		return fmt.Errorf("recording key requires category and subcategory")
	}
	return nil
}

func (k Key) String() string {
	return k.CategoryID + "/" + k.SubcategoryID
}
