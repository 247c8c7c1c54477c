package protocol

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Wire constants
const (
	// Packet types
	PacketTypeControl = 0x01
	PacketTypeAudio   = 0x02

	// Control operations
	OpAudio  = 0x00 // Only valid on audio packets
	OpOpen   = 0x01
	OpPause  = 0x02
	OpResume = 0x03
	OpStop   = 0x04

	// Packet structure sizes
	HeaderSize             = 8   // 1 + 2 + 4 + 1 bytes
	OpenPayloadSize        = 164 // 64 + 64 + 32 + 4 bytes
	AudioPayloadHeaderSize = 4   // Sequence number (4 bytes)
	MaxPacketSize          = 65535

	// String field sizes in the open payload
	CategoryIDSize    = 64
	SubcategoryIDSize = 64
	MimeTypeSize      = 32
	TimestampSize     = 4
)

// Header represents the 8-byte packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Op:1]
type Header struct {
	PacketType uint8  // 0x01=Control, 0x02=Audio
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Sender-chosen stream identifier
	Op         uint8  // Control operation, OpAudio for audio
}

// OpenPayload represents the 164-byte payload of an Open control packet
// Layout: [CategoryID:64][SubcategoryID:64][MimeType:32][Timestamp:4]
type OpenPayload struct {
	CategoryID    [CategoryIDSize]byte    // Null-terminated string
	SubcategoryID [SubcategoryIDSize]byte // Null-terminated string
	MimeType      [MimeTypeSize]byte      // Null-terminated string
	Timestamp     uint32                  // Unix timestamp
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32 // Frame sequence number
	AudioData []byte // PCM audio data (variable length)
}

// ParsedPacket represents a fully parsed packet
type ParsedPacket struct {
	Header *Header
	Open   *OpenPayload  // Only set for Open control packets
	Audio  *AudioPayload // Only set for audio packets
}

// ParseHeader parses the 8-byte packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Op:         data[7],
	}, nil
}

// ParseOpenPayload parses the 164-byte open payload
func ParseOpenPayload(data []byte) (*OpenPayload, error) {
	if len(data) < OpenPayloadSize {
		return nil, fmt.Errorf("open payload too short: expected %d bytes, got %d",
			OpenPayloadSize, len(data))
	}

	payload := &OpenPayload{}
	off := 0
	copy(payload.CategoryID[:], data[off:off+CategoryIDSize])
	off += CategoryIDSize
	copy(payload.SubcategoryID[:], data[off:off+SubcategoryIDSize])
	off += SubcategoryIDSize
	copy(payload.MimeType[:], data[off:off+MimeTypeSize])
	off += MimeTypeSize
	payload.Timestamp = binary.BigEndian.Uint32(data[off : off+TimestampSize])

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeControl:
		if header.Op == OpOpen {
			payload, err := ParseOpenPayload(payloadData)
			if err != nil {
				return nil, fmt.Errorf("failed to parse open payload: %w", err)
			}
			packet.Open = payload
		}

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeControl:
		if !IsValidControlOp(header.Op) {
			return fmt.Errorf("invalid control op: 0x%02x", header.Op)
		}
		want := 0
		if header.Op == OpOpen {
			want = OpenPayloadSize
		}
		if payloadSize != want {
			return fmt.Errorf("control packet payload size mismatch: expected %d, got %d",
				want, payloadSize)
		}
	case PacketTypeAudio:
		if header.Op != OpAudio {
			return fmt.Errorf("invalid audio op: 0x%02x", header.Op)
		}
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeControl || ptype == PacketTypeAudio
}

// IsValidControlOp checks if the control operation is valid
func IsValidControlOp(op uint8) bool {
	return op >= OpOpen && op <= OpStop
}

// EncodeOpen builds an Open control packet
func EncodeOpen(streamID uint32, categoryID, subcategoryID, mimeType string, at time.Time) ([]byte, error) {
	if len(categoryID) > CategoryIDSize || len(subcategoryID) > SubcategoryIDSize {
		return nil, fmt.Errorf("category ids must be at most %d bytes", CategoryIDSize)
	}
	if len(mimeType) > MimeTypeSize {
		return nil, fmt.Errorf("mime type must be at most %d bytes", MimeTypeSize)
	}

	buf := make([]byte, HeaderSize+OpenPayloadSize)
	putHeader(buf, PacketTypeControl, streamID, OpOpen)

	off := HeaderSize
	copy(buf[off:off+CategoryIDSize], categoryID)
	off += CategoryIDSize
	copy(buf[off:off+SubcategoryIDSize], subcategoryID)
	off += SubcategoryIDSize
	copy(buf[off:off+MimeTypeSize], mimeType)
	off += MimeTypeSize
	binary.BigEndian.PutUint32(buf[off:off+TimestampSize], uint32(at.Unix()))

	return buf, nil
}

// EncodeControl builds a Pause, Resume or Stop control packet
func EncodeControl(streamID uint32, op uint8) ([]byte, error) {
	if !IsValidControlOp(op) || op == OpOpen {
		return nil, fmt.Errorf("invalid payload-less control op: 0x%02x", op)
	}

	buf := make([]byte, HeaderSize)
	putHeader(buf, PacketTypeControl, streamID, op)
	return buf, nil
}

// EncodeAudio builds an audio packet
func EncodeAudio(streamID, sequence uint32, pcm []byte) ([]byte, error) {
	size := HeaderSize + AudioPayloadHeaderSize + len(pcm)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("audio packet too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}

	buf := make([]byte, size)
	putHeader(buf, PacketTypeAudio, streamID, OpAudio)
	binary.BigEndian.PutUint32(buf[HeaderSize:], sequence)
	copy(buf[HeaderSize+AudioPayloadHeaderSize:], pcm)
	return buf, nil
}

func putHeader(buf []byte, ptype uint8, streamID uint32, op uint8) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = op
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}

// GetCategoryID extracts the category ID as a string
func (o *OpenPayload) GetCategoryID() string {
	return ExtractString(o.CategoryID[:])
}

// GetSubcategoryID extracts the subcategory ID as a string
func (o *OpenPayload) GetSubcategoryID() string {
	return ExtractString(o.SubcategoryID[:])
}

// GetMimeType extracts the mime type as a string
func (o *OpenPayload) GetMimeType() string {
	return ExtractString(o.MimeType[:])
}

// OpName returns a readable name for a control operation
func OpName(op uint8) string {
	switch op {
	case OpAudio:
		return "audio"
	case OpOpen:
		return "open"
	case OpPause:
		return "pause"
	case OpResume:
		return "resume"
	case OpStop:
		return "stop"
	default:
		return fmt.Sprintf("unknown(0x%02x)", op)
	}
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeControl:
		packetType = "Control"
	case PacketTypeAudio:
		packetType = "Audio"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Op:%s}",
		packetType, h.PacketLen, h.StreamID, OpName(h.Op))
}

// String returns a human-readable representation of the open payload
func (o *OpenPayload) String() string {
	return fmt.Sprintf("OpenPayload{CategoryID:%q, SubcategoryID:%q, MimeType:%q, Timestamp:%d}",
		o.GetCategoryID(), o.GetSubcategoryID(), o.GetMimeType(), o.Timestamp)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}
