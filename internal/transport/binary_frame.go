/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Binary frame protocol carried over the WebSocket stream endpoint. One
// frame per WebSocket message; the same header works on any byte stream
// through ReadFrame.

// FrameType represents the type of frame being transmitted
type FrameType uint8

const (
	// Audio frame types
	FrameTypeAudioData FrameType = 0x01 // PCM bytes, either direction
	FrameTypeAudioEnd  FrameType = 0x02 // uint32 end-of-stream byte position
	FrameTypeExtract   FrameType = 0x03 // uint32 max bytes to extract

	// Control frame types
	FrameTypeHeartbeat FrameType = 0x10
	FrameTypeHandshake FrameType = 0x11
	FrameTypeError     FrameType = 0x12 // uint16 code + message

	// Response frame types
	FrameTypeStatus FrameType = 0x21 // JSON PositionsResponse
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeAudioData:
		return "audio"
	case FrameTypeAudioEnd:
		return "audio-end"
	case FrameTypeExtract:
		return "extract"
	case FrameTypeHeartbeat:
		return "heartbeat"
	case FrameTypeHandshake:
		return "handshake"
	case FrameTypeError:
		return "error"
	case FrameTypeStatus:
		return "status"
	default:
		return fmt.Sprintf("frame(0x%02x)", uint8(t))
	}
}

// Frame represents a binary frame in the protocol
type Frame struct {
	Type      FrameType
	SessionID uint32 // SessionHash of the session id
	Sequence  uint32
	Timestamp uint64 // microseconds
	Data      []byte
}

// FrameHeader is the fixed-size big-endian frame header.
type FrameHeader struct {
	Magic     uint32
	Type      FrameType
	Reserved  uint8
	Length    uint16
	SessionID uint32
	Sequence  uint32
	Timestamp uint64
}

const (
	FrameMagic = 0x56415544 // "VAUD"

	MaxFrameSize = 1536
	HeaderSize   = 24
	MaxDataSize  = MaxFrameSize - HeaderSize
)

var (
	ErrFrameMagic    = errors.New("transport: invalid frame magic")
	ErrFrameTooLarge = errors.New("transport: frame data too large")
	ErrFrameSize     = errors.New("transport: frame size mismatch")
)

// Serialize converts a frame to binary format
func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Data) > MaxDataSize {
		return nil, fmt.Errorf("%d bytes (max %d): %w", len(f.Data), MaxDataSize, ErrFrameTooLarge)
	}

	buf := make([]byte, HeaderSize+len(f.Data))
	putHeader(buf, FrameHeader{
		Magic:     FrameMagic,
		Type:      f.Type,
		Length:    uint16(len(f.Data)), //nolint:gosec // bounded by MaxDataSize above
		SessionID: f.SessionID,
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
	})
	copy(buf[HeaderSize:], f.Data)
	return buf, nil
}

// DeserializeFrame converts one complete binary frame to a Frame.
func DeserializeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too small: %d bytes (min %d): %w", len(data), HeaderSize, ErrFrameSize)
	}

	header, err := parseFrameHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	expectedSize := HeaderSize + int(header.Length)
	if len(data) != expectedSize {
		return nil, fmt.Errorf("got %d bytes, expected %d: %w", len(data), expectedSize, ErrFrameSize)
	}

	frame := header.frame()
	if header.Length > 0 {
		frame.Data = make([]byte, header.Length)
		copy(frame.Data, data[HeaderSize:])
	}
	return frame, nil
}

// ReadFrame reads one frame from a byte stream, header first.
func ReadFrame(r io.Reader) (*Frame, error) {
	headerData := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerData); err != nil {
		return nil, err
	}

	header, err := parseFrameHeader(headerData)
	if err != nil {
		return nil, err
	}

	frame := header.frame()
	if header.Length > 0 {
		frame.Data = make([]byte, header.Length)
		if _, err := io.ReadFull(r, frame.Data); err != nil {
			return nil, fmt.Errorf("failed to read frame data: %w", err)
		}
	}
	return frame, nil
}

// parseFrameHeader parses just the header portion of frame data
func parseFrameHeader(headerData []byte) (*FrameHeader, error) {
	if len(headerData) != HeaderSize {
		return nil, fmt.Errorf("invalid header size: %d bytes (expected %d): %w", len(headerData), HeaderSize, ErrFrameSize)
	}

	header := &FrameHeader{
		Magic:     binary.BigEndian.Uint32(headerData[0:4]),
		Type:      FrameType(headerData[4]),
		Reserved:  headerData[5],
		Length:    binary.BigEndian.Uint16(headerData[6:8]),
		SessionID: binary.BigEndian.Uint32(headerData[8:12]),
		Sequence:  binary.BigEndian.Uint32(headerData[12:16]),
		Timestamp: binary.BigEndian.Uint64(headerData[16:24]),
	}

	if header.Magic != FrameMagic {
		return nil, fmt.Errorf("0x%08X (expected 0x%08X): %w", header.Magic, FrameMagic, ErrFrameMagic)
	}
	if header.Length > MaxDataSize {
		return nil, fmt.Errorf("%d bytes (max %d): %w", header.Length, MaxDataSize, ErrFrameTooLarge)
	}
	return header, nil
}

func putHeader(buf []byte, h FrameHeader) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = byte(h.Type)
	buf[5] = h.Reserved
	binary.BigEndian.PutUint16(buf[6:8], h.Length)
	binary.BigEndian.PutUint32(buf[8:12], h.SessionID)
	binary.BigEndian.PutUint32(buf[12:16], h.Sequence)
	binary.BigEndian.PutUint64(buf[16:24], h.Timestamp)
}

func (h *FrameHeader) frame() *Frame {
	return &Frame{
		Type:      h.Type,
		SessionID: h.SessionID,
		Sequence:  h.Sequence,
		Timestamp: h.Timestamp,
	}
}

// NewFrame creates a new frame with the specified parameters
func NewFrame(frameType FrameType, sessionID, sequence uint32, timestamp uint64, data []byte) *Frame {
	return &Frame{
		Type:      frameType,
		SessionID: sessionID,
		Sequence:  sequence,
		Timestamp: timestamp,
		Data:      data,
	}
}

// IsValid checks if the frame is structurally valid
func (f *Frame) IsValid() bool {
	return len(f.Data) <= MaxDataSize
}

// Size returns the total serialized size of the frame
func (f *Frame) Size() int {
	return HeaderSize + len(f.Data)
}

// SessionHash folds a session id into the 32-bit header field.
func SessionHash(id string) uint32 {
	hash := uint32(0)
	for _, b := range []byte(id) {
		hash = hash*31 + uint32(b)
	}
	return hash
}

// Uint32Payload encodes the payload of AudioEnd and Extract frames.
func Uint32Payload(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// ParseUint32Payload decodes an AudioEnd or Extract payload.
func ParseUint32Payload(data []byte) (uint32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("expected 4 byte payload, got %d: %w", len(data), ErrFrameSize)
	}
	return binary.BigEndian.Uint32(data), nil
}

// ErrorPayload encodes an error frame payload: wire code then message.
func ErrorPayload(err error) []byte {
	msg := err.Error()
	if len(msg) > MaxDataSize-2 {
		msg = msg[:MaxDataSize-2]
	}
	buf := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(msg)), ErrorCode(err))
	return append(buf, msg...)
}

// ParseErrorPayload turns an error frame payload back into an error that
// matches the original sentinel with errors.Is.
func ParseErrorPayload(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("short error payload: %w", ErrFrameSize)
	}
	return remoteError(binary.BigEndian.Uint16(data), string(data[2:]))
}

// StatusPayload encodes a status frame.
func StatusPayload(p *PositionsResponse) ([]byte, error) {
	return json.Marshal(p)
}
