// Package audio handles PCM accumulation and format helpers for recorded sessions.
// It implements sequence-ordered chunk buffering, timeslice slicing of raw PCM,
// input level metering and WAV encoding of finished recordings.
package audio
