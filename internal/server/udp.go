package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mitchellrevill/sonic-brief-sub000/internal/audio"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/capture"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/clock"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/config"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/metrics"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/protocol"
	"github.com/mitchellrevill/sonic-brief-sub000/internal/recording"
)

const numWorkers = 4

// UDPServer receives framed PCM from remote microphones and drives one
// recording controller per stream
type UDPServer struct {
	conn     *net.UDPConn
	config   *config.CaptureConfig
	format   audio.PCMFormat
	logger   *slog.Logger
	sessions *recording.Manager
	metrics  *metrics.Metrics
	clock    clock.Clock

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// One queue per worker; a stream always lands on the same worker so its
	// packets are handled in arrival order
	queues []chan *incomingPacket

	streamsMu sync.Mutex
	streams   map[uint32]*ingestStream

	packetsReceived  uint64
	packetsProcessed uint64
	parseErrors      uint64
	dropped          uint64
	mu               sync.RWMutex
}

// ingestStream binds a remote stream to the controller it feeds
type ingestStream struct {
	key    recording.Key
	device *capture.PushDevice
	remote string
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	timestamp  time.Time
}

// NewUDPServer creates a new UDP ingest
func NewUDPServer(cfg *config.CaptureConfig, logger *slog.Logger, sessions *recording.Manager, m *metrics.Metrics, clk clock.Clock) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())
	if clk == nil {
		clk = clock.Real{}
	}

	queues := make([]chan *incomingPacket, numWorkers)
	for i := range queues {
		queues[i] = make(chan *incomingPacket, 250)
	}

	return &UDPServer{
		config: cfg,
		format: audio.PCMFormat{
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			BitDepth:   cfg.BitDepth,
		},
		logger:   logger.With(slog.String("component", "udp_ingest")),
		sessions: sessions,
		metrics:  m,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
		queues:   queues,
		streams:  make(map[uint32]*ingestStream),
	}
}

// Start begins listening for UDP packets
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.UDPPort))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP ingest started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
	)

	for i, queue := range s.queues {
		s.wg.Add(1)
		go s.packetProcessor(i, queue)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop stops receiving and stops every stream still recording. Stopped
// recordings stay with their controllers for upload.
func (s *UDPServer) Stop() error {
	s.logger.Info("Stopping UDP ingest...")

	s.cancel()

	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
		}
	}

	// Wait for the receive loop before closing the queues it writes to
	s.wg.Wait()

	s.streamsMu.Lock()
	streams := s.streams
	s.streams = make(map[uint32]*ingestStream)
	s.streamsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for streamID, st := range streams {
		s.stopStream(ctx, streamID, st)
	}

	stats := s.GetStatistics()
	s.logger.Info("UDP ingest stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
		slog.Uint64("dropped", stats.Dropped),
	)

	return nil
}

// receiveLoop is the main packet receiving loop
func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	defer func() {
		for _, queue := range s.queues {
			close(queue)
		}
	}()

	buffer := make([]byte, max(s.config.BufferSize, protocol.MaxPacketSize))

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Set read deadline to check for context cancellation periodically
		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
				continue
			}
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.metrics.RecordPacketReceived()

		// Copy out of the reused buffer
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			timestamp:  time.Now(),
		}

		queue := s.queues[s.shard(packetData)]
		select {
		case queue <- packet:
			s.metrics.SetQueueSize(s.queueSize())
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// shard picks the worker for a packet by its stream id
func (s *UDPServer) shard(data []byte) int {
	header, err := protocol.ParseHeader(data)
	if err != nil {
		return 0
	}
	return int(header.StreamID % uint32(len(s.queues)))
}

func (s *UDPServer) queueSize() int {
	n := 0
	for _, queue := range s.queues {
		n += len(queue)
	}
	return n
}

// packetProcessor processes packets from one queue
func (s *UDPServer) packetProcessor(workerID int, queue <-chan *incomingPacket) {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range queue {
		s.handlePacket(packet, workerID)
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// handlePacket processes a single incoming packet
func (s *UDPServer) handlePacket(packet *incomingPacket, workerID int) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		s.metrics.RecordParseError()

		s.logger.Warn("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
			slog.Int("worker_id", workerID),
		)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	s.metrics.RecordPacketProcessed()

	header := parsed.Header
	switch header.PacketType {
	case protocol.PacketTypeControl:
		s.processControlPacket(header, parsed.Open, packet.remoteAddr)
	case protocol.PacketTypeAudio:
		s.processAudioPacket(header, parsed.Audio)
	}
}

// processControlPacket opens, pauses, resumes or stops a stream
func (s *UDPServer) processControlPacket(header *protocol.Header, open *protocol.OpenPayload, remote *net.UDPAddr) {
	logger := s.logger.With(
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.String("op", protocol.OpName(header.Op)),
	)

	if header.Op == protocol.OpOpen {
		if err := s.openStream(header.StreamID, open, remote); err != nil {
			logger.Warn("Failed to open stream", slog.String("error", err.Error()))
		}
		return
	}

	s.streamsMu.Lock()
	st, exists := s.streams[header.StreamID]
	if exists && header.Op == protocol.OpStop {
		delete(s.streams, header.StreamID)
	}
	s.streamsMu.Unlock()

	if !exists {
		logger.Warn("Control packet for unknown stream")
		return
	}

	ctrl, ok := s.sessions.Get(st.key)
	if !ok {
		logger.Warn("Recording controller no longer exists", slog.String("key", st.key.String()))
		s.forget(header.StreamID, st)
		return
	}

	var err error
	switch header.Op {
	case protocol.OpPause:
		err = ctrl.Pause()
	case protocol.OpResume:
		err = ctrl.Resume()
	case protocol.OpStop:
		s.stopStream(s.ctx, header.StreamID, st)
		return
	}
	if err != nil {
		logger.Warn("Control operation failed",
			slog.String("key", st.key.String()),
			slog.String("error", err.Error()),
		)
	}
}

// openStream starts recording for the key named in the open payload
func (s *UDPServer) openStream(streamID uint32, open *protocol.OpenPayload, remote *net.UDPAddr) error {
	if mime := open.GetMimeType(); mime != "" && mime != capture.PCMMimeType {
		return fmt.Errorf("unsupported mime type %q (only %s is accepted)", mime, capture.PCMMimeType)
	}

	key := recording.Key{
		CategoryID:    open.GetCategoryID(),
		SubcategoryID: open.GetSubcategoryID(),
	}

	s.streamsMu.Lock()
	if _, exists := s.streams[streamID]; exists {
		s.streamsMu.Unlock()
		return fmt.Errorf("stream %d already open", streamID)
	}
	s.streamsMu.Unlock()

	ctrl, err := s.sessions.GetOrCreate(key)
	if err != nil {
		return err
	}

	device, err := capture.NewPushDevice(streamID, s.format, s.config.MaxGap, s.clock, s.logger)
	if err != nil {
		return err
	}

	if err := ctrl.StartWith(s.ctx, device); err != nil {
		return fmt.Errorf("start recording %s: %w", key, err)
	}

	s.streamsMu.Lock()
	s.streams[streamID] = &ingestStream{key: key, device: device, remote: remote.String()}
	s.streamsMu.Unlock()

	s.logger.Info("Remote stream opened",
		slog.Uint64("stream_id", uint64(streamID)),
		slog.String("key", key.String()),
		slog.String("remote_addr", remote.String()),
	)
	return nil
}

// stopStream stops the controller fed by st
func (s *UDPServer) stopStream(ctx context.Context, streamID uint32, st *ingestStream) {
	ctrl, ok := s.sessions.Get(st.key)
	if !ok {
		return
	}

	stats, _ := st.device.Stats()

	err := ctrl.Stop(ctx)
	switch {
	case err == nil, errors.Is(err, recording.ErrEmptyRecording):
	case errors.Is(err, recording.ErrInvalidTransition):
		// Already stopped through the control API
	default:
		s.logger.Warn("Failed to stop remote stream",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.String("key", st.key.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("Remote stream stopped",
		slog.Uint64("stream_id", uint64(streamID)),
		slog.String("key", st.key.String()),
		slog.Uint64("total_packets", uint64(stats.TotalPackets)),
		slog.Uint64("lost_packets", uint64(stats.LostPackets)),
	)
}

func (s *UDPServer) forget(streamID uint32, st *ingestStream) {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()
	if s.streams[streamID] == st {
		delete(s.streams, streamID)
	}
}

// processAudioPacket routes a frame to its stream's device
func (s *UDPServer) processAudioPacket(header *protocol.Header, payload *protocol.AudioPayload) {
	s.streamsMu.Lock()
	st, exists := s.streams[header.StreamID]
	s.streamsMu.Unlock()

	if !exists {
		s.logger.Debug("Received audio packet for unknown stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
		)
		return
	}

	if err := st.device.Push(payload.Sequence, payload.AudioData); err != nil {
		s.logger.Debug("Audio frame rejected",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
			slog.String("error", err.Error()),
		)
	}
}

// StreamInfo describes an open remote stream
type StreamInfo struct {
	StreamID uint32            `json:"stream_id"`
	Key      recording.Key     `json:"key"`
	Remote   string            `json:"remote_addr"`
	Buffer   audio.BufferStats `json:"buffer"`
}

// Streams lists the open remote streams
func (s *UDPServer) Streams() []StreamInfo {
	s.streamsMu.Lock()
	defer s.streamsMu.Unlock()

	infos := make([]StreamInfo, 0, len(s.streams))
	for id, st := range s.streams {
		info := StreamInfo{StreamID: id, Key: st.key, Remote: st.remote}
		info.Buffer, _ = st.device.Stats()
		infos = append(infos, info)
	}
	return infos
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() ServerStatistics {
	s.streamsMu.Lock()
	active := len(s.streams)
	s.streamsMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return ServerStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		ParseErrors:      s.parseErrors,
		Dropped:          s.dropped,
		ActiveStreams:    uint64(active),
		QueueSize:        uint64(s.queueSize()),
		QueueCapacity:    uint64(len(s.queues) * cap(s.queues[0])),
	}
}

// ServerStatistics represents ingest counters
type ServerStatistics struct {
	PacketsReceived  uint64 `json:"packets_received"`
	PacketsProcessed uint64 `json:"packets_processed"`
	ParseErrors      uint64 `json:"parse_errors"`
	Dropped          uint64 `json:"dropped"`
	ActiveStreams    uint64 `json:"active_streams"`
	QueueSize        uint64 `json:"queue_size"`
	QueueCapacity    uint64 `json:"queue_capacity"`
}
