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
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-vaudio/internal/stream"
)

func TestFrameSerialization(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{
			name:  "Heartbeat without payload",
			frame: NewFrame(FrameTypeHeartbeat, 12345, 1, 1640995200000000, nil),
		},
		{
			name:  "Audio with maximum payload",
			frame: NewFrame(FrameTypeAudioData, 99999, 999, 1640995299999999, bytes.Repeat([]byte{0xAB}, MaxDataSize)),
		},
		{
			name:  "End of stream position",
			frame: NewFrame(FrameTypeAudioEnd, SessionHash("speaker"), 7, 1, Uint32Payload(1000)),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serialized, err := tt.frame.Serialize()
			if err != nil {
				t.Fatalf("Serialize() error = %v", err)
			}
			if len(serialized) != tt.frame.Size() {
				t.Errorf("Serialized frame size = %d, want %d", len(serialized), tt.frame.Size())
			}
			if got := binary.BigEndian.Uint32(serialized); got != FrameMagic {
				t.Errorf("magic = 0x%08X, want 0x%08X", got, FrameMagic)
			}

			deserialized, err := DeserializeFrame(serialized)
			if err != nil {
				t.Fatalf("DeserializeFrame() error = %v", err)
			}
			if deserialized.Type != tt.frame.Type ||
				deserialized.SessionID != tt.frame.SessionID ||
				deserialized.Sequence != tt.frame.Sequence ||
				deserialized.Timestamp != tt.frame.Timestamp {
				t.Errorf("header mismatch: got %+v, want %+v", deserialized, tt.frame)
			}
			if !bytes.Equal(deserialized.Data, tt.frame.Data) {
				t.Errorf("Data mismatch")
			}
		})
	}
}

func TestFrameSerialization_TooLarge(t *testing.T) {
	frame := NewFrame(FrameTypeAudioData, 1, 1, 1, make([]byte, MaxDataSize+1))
	if frame.IsValid() {
		t.Error("IsValid() = true for oversized frame")
	}
	if _, err := frame.Serialize(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Serialize() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestFrameDeserialization_ErrorCases(t *testing.T) {
	valid, _ := NewFrame(FrameTypeHeartbeat, 1, 1, 1, []byte("test")).Serialize()

	oversized := make([]byte, HeaderSize)
	copy(oversized, valid[:HeaderSize])
	binary.BigEndian.PutUint16(oversized[6:8], MaxDataSize+1)

	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "Too small data", data: make([]byte, HeaderSize-1), wantErr: ErrFrameSize},
		{name: "Invalid magic number", data: make([]byte, HeaderSize), wantErr: ErrFrameMagic},
		{name: "Size mismatch", data: valid[:len(valid)-1], wantErr: ErrFrameSize},
		{name: "Declared length over max", data: oversized, wantErr: ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DeserializeFrame(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DeserializeFrame() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadFrame_Stream(t *testing.T) {
	var buf bytes.Buffer
	for i, payload := range [][]byte{[]byte("one"), nil, []byte("three")} {
		data, err := NewFrame(FrameTypeAudioData, 5, uint32(i+1), 0, payload).Serialize()
		if err != nil {
			t.Fatalf("Serialize() error = %v", err)
		}
		buf.Write(data)
	}

	for want := uint32(1); want <= 3; want++ {
		frame, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame() error = %v", err)
		}
		if frame.Sequence != want {
			t.Errorf("Sequence = %d, want %d", frame.Sequence, want)
		}
	}

	if _, err := ReadFrame(&buf); !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame() at end = %v, want io.EOF", err)
	}
}

func TestReadFrame_TruncatedPayload(t *testing.T) {
	data, _ := NewFrame(FrameTypeAudioData, 5, 1, 0, []byte("payload")).Serialize()
	_, err := ReadFrame(bytes.NewReader(data[:len(data)-2]))
	if err == nil || !strings.Contains(err.Error(), "failed to read frame data") {
		t.Errorf("ReadFrame() error = %v, want truncated payload error", err)
	}
}

func TestUint32Payload(t *testing.T) {
	v, err := ParseUint32Payload(Uint32Payload(0xDEADBEEF))
	if err != nil || v != 0xDEADBEEF {
		t.Errorf("ParseUint32Payload() = %x, %v", v, err)
	}
	if _, err := ParseUint32Payload([]byte{1, 2}); !errors.Is(err, ErrFrameSize) {
		t.Errorf("short payload error = %v, want ErrFrameSize", err)
	}
}

func TestErrorPayload_PreservesSentinel(t *testing.T) {
	sentinels := []error{
		stream.ErrInvalidParameter,
		stream.ErrBufferOverflow,
		stream.ErrInvalidState,
		stream.ErrDataLate,
		stream.ErrDataOverrun,
		stream.ErrNotSupported,
		stream.ErrNotReady,
	}

	for _, sentinel := range sentinels {
		t.Run(sentinel.Error(), func(t *testing.T) {
			err := ParseErrorPayload(ErrorPayload(sentinel))
			if !errors.Is(err, sentinel) {
				t.Errorf("ParseErrorPayload() = %v, want wrapping %v", err, sentinel)
			}
		})
	}

	err := ParseErrorPayload(ErrorPayload(errors.New("boom")))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("unknown error lost its message: %v", err)
	}
	if err := ParseErrorPayload([]byte{1}); !errors.Is(err, ErrFrameSize) {
		t.Errorf("short error payload = %v, want ErrFrameSize", err)
	}
}

func TestSessionHash(t *testing.T) {
	if SessionHash("mic") == SessionHash("speaker") {
		t.Error("distinct ids should hash differently")
	}
	if SessionHash("") != 0 {
		t.Error("empty id should hash to 0")
	}
}

func TestFrameTypeString(t *testing.T) {
	if FrameTypeExtract.String() != "extract" {
		t.Errorf("String() = %q", FrameTypeExtract.String())
	}
	if FrameType(0x7F).String() != "frame(0x7f)" {
		t.Errorf("String() = %q", FrameType(0x7F).String())
	}
}

func BenchmarkFrameRoundTrip(b *testing.B) {
	for _, size := range []int{64, 512, MaxDataSize} {
		b.Run(strconv.Itoa(size), func(b *testing.B) {
			data := make([]byte, size)
			for i := range data {
				data[i] = byte(i % 256)
			}
			frame := NewFrame(FrameTypeAudioData, SessionHash("mic"), 1, 0, data)

			b.ReportAllocs()
			b.SetBytes(int64(size + HeaderSize))
			for i := 0; i < b.N; i++ {
				raw, err := frame.Serialize()
				if err != nil {
					b.Fatal(err)
				}
				if _, err := DeserializeFrame(raw); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
