package server

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/config"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/protocol"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/recording"
)

func newTestUDP(t *testing.T, env *testEnv) (*UDPServer, *net.UDPConn) {
	t.Helper()
	cfg := config.Default().Capture
	cfg.BindAddress = "127.0.0.1"
	cfg.UDPPort = 0

	srv := NewUDPServer(&cfg, discardLogger(), env.sessions, env.metrics, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	conn, err := net.DialUDP("udp", nil, srv.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return srv, conn
}

func send(t *testing.T, conn *net.UDPConn, packet []byte, err error) {
	t.Helper()
	require.NoError(t, err)
	_, err = conn.Write(packet)
	require.NoError(t, err)
}

func TestUDPIngestRecordsStream(t *testing.T) {
	env := newTestEnv(t)
	srv, conn := newTestUDP(t, env)
	key := recording.Key{CategoryID: "legal", SubcategoryID: "intake"}

	open, err := protocol.EncodeOpen(42, key.CategoryID, key.SubcategoryID, "audio/L16", time.Now())
	send(t, conn, open, err)

	require.Eventually(t, func() bool {
		ctrl, ok := env.sessions.Get(key)
		return ok && ctrl.State() == recording.StateRecording
	}, 2*time.Second, 10*time.Millisecond)

	// Frame 2 arrives before frame 1
	pcm := bytes.Repeat([]byte{0x30, 0x00}, 800)
	for _, seq := range []uint32{2, 1, 3} {
		packet, err := protocol.EncodeAudio(42, seq, pcm)
		send(t, conn, packet, err)
	}

	require.Eventually(t, func() bool {
		return srv.GetStatistics().PacketsProcessed == 4
	}, 2*time.Second, 10*time.Millisecond)

	stop, err := protocol.EncodeControl(42, protocol.OpStop)
	send(t, conn, stop, err)

	require.Eventually(t, func() bool {
		ctrl, _ := env.sessions.Get(key)
		return ctrl.State() == recording.StateStopped
	}, 2*time.Second, 10*time.Millisecond)

	ctrl, _ := env.sessions.Get(key)
	rec, ok := ctrl.Recording()
	require.True(t, ok)
	assert.Equal(t, 44+3*len(pcm), rec.Size)
	assert.Equal(t, uint64(0), srv.GetStatistics().ActiveStreams)
}

func TestUDPIngestCountsMalformedPackets(t *testing.T) {
	env := newTestEnv(t)
	srv, conn := newTestUDP(t, env)

	send(t, conn, []byte{0x09, 0x00, 0x08, 0, 0, 0, 1, 0}, nil)
	send(t, conn, []byte{0x01, 0x02}, nil)

	require.Eventually(t, func() bool {
		return srv.GetStatistics().ParseErrors == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Audio for a stream that was never opened is dropped
	packet, err := protocol.EncodeAudio(7, 1, []byte{1, 0})
	send(t, conn, packet, err)
	require.Eventually(t, func() bool {
		return srv.GetStatistics().PacketsProcessed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.sessions.Count())
}

func TestUDPStopLeavesRecordingForUpload(t *testing.T) {
	env := newTestEnv(t)
	srv, conn := newTestUDP(t, env)
	key := recording.Key{CategoryID: "legal", SubcategoryID: "followup"}

	open, err := protocol.EncodeOpen(9, key.CategoryID, key.SubcategoryID, "", time.Now())
	send(t, conn, open, err)
	require.Eventually(t, func() bool {
		return srv.GetStatistics().ActiveStreams == 1
	}, 2*time.Second, 10*time.Millisecond)

	packet, err := protocol.EncodeAudio(9, 1, bytes.Repeat([]byte{0x10, 0x00}, 400))
	send(t, conn, packet, err)
	require.Eventually(t, func() bool {
		return srv.GetStatistics().PacketsProcessed == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Stop())

	ctrl, ok := env.sessions.Get(key)
	require.True(t, ok)
	assert.Equal(t, recording.StateStopped, ctrl.State())

	jobID, err := ctrl.Upload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
}
