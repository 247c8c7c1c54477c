// Package capture acquires audio input and delivers it as time-sliced chunks.
// Devices produce Streams; a Stream pushes chunks to a Sink in order and only
// returns from Stop once the final chunk has been handed over.
package capture
