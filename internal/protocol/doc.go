// Package protocol implements the datagram framing used by remote microphones.
// Every packet carries an 8-byte header; control packets open, pause, resume and
// stop a capture stream, and audio packets carry sequenced PCM frames.
package protocol
