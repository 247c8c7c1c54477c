// Package recording drives the capture lifecycle of one recording per
// (category, subcategory) key.
//
// A Controller owns the capture device handle and moves through
// idle, recording, paused, stopped, uploading and success. Side effects are
// attached to the transitions: periodic and on-demand draft snapshots,
// assembly of the captured chunks into one blob, transcoding with fallback to
// the original file, and upload. The Manager keeps one Controller per key,
// evicts idle ones and garbage-collects old drafts.
package recording
