// Package server implements the local HTTP control API for recording
// sessions, drafts and backend jobs, and the UDP ingest that feeds remote
// microphone streams into recording controllers.
package server
