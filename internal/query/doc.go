// Package query layers keyed caching over the backend client.
//
// Every backend resource is a cached query with its own staleness window.
// Concurrent fetches of the same key share one backend call, transcription
// lookups can be polled until the backend stops answering 404, and mutations
// invalidate the queries that depend on them once they succeed.
package query
