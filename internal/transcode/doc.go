// Package transcode converts finished recordings to the canonical upload
// format through an FFmpeg-style engine. Conversion runs in discrete steps
// (load, prepare, convert, finalize) reported to the caller as progress.
package transcode
