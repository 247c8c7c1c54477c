// Package backend is the REST client for the remote transcription backend.
// It uploads recordings, reads categories, jobs, transcriptions and sharing
// state, and applies the bounded fixed-delay retry policy to transient failures.
package backend
