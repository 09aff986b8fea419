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

// Package pcm converts between interleaved little-endian integer PCM and
// float32 samples in [-1, 1].
package pcm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// WAVHeaderSize is the size of a canonical RIFF/WAVE header.
const WAVHeaderSize = 44

// StripWAVHeader returns the PCM payload of a canonical WAV file, or data
// unchanged when it does not start with a RIFF/WAVE header.
func StripWAVHeader(data []byte) []byte {
	if len(data) >= WAVHeaderSize &&
		bytes.Equal(data[0:4], []byte("RIFF")) &&
		bytes.Equal(data[8:12], []byte("WAVE")) {
		return data[WAVHeaderSize:]
	}
	return data
}

// BytesToFloat32 decodes 16-bit PCM, skipping a WAV header if present.
// A trailing odd byte is dropped.
func BytesToFloat32(data []byte) []float32 {
	data = StripWAVHeader(data)
	out := make([]float32, len(data)/2)
	_, _ = Decode(out, data, 16)
	return out
}

// SampleSize returns the byte width of one sample, or an error for
// unsupported depths.
func SampleSize(bits int) (int, error) {
	switch bits {
	case 8, 16, 24, 32:
		return bits / 8, nil
	}
	return 0, fmt.Errorf("unsupported bits per sample %d", bits)
}

// Decode converts src into dst and returns how many samples were written.
// 8-bit PCM is unsigned; wider depths are signed. Full scale maps to 1.0.
func Decode(dst []float32, src []byte, bits int) (int, error) {
	size, err := SampleSize(bits)
	if err != nil {
		return 0, err
	}

	n := min(len(dst), len(src)/size)
	for i := 0; i < n; i++ {
		p := src[i*size:]
		switch bits {
		case 8:
			dst[i] = (float32(p[0]) - 128) / 127
		case 16:
			dst[i] = float32(int16(binary.LittleEndian.Uint16(p))) / math.MaxInt16
		case 24:
			v := int32(uint32(p[0])<<8|uint32(p[1])<<16|uint32(p[2])<<24) >> 8
			dst[i] = float32(v) / (1<<23 - 1)
		case 32:
			dst[i] = float32(float64(int32(binary.LittleEndian.Uint32(p))) / math.MaxInt32)
		}
	}
	return n, nil
}

// Encode converts src into dst, clipping to [-1, 1], and returns how many
// bytes were written.
func Encode(dst []byte, src []float32, bits int) (int, error) {
	size, err := SampleSize(bits)
	if err != nil {
		return 0, err
	}

	n := min(len(src), len(dst)/size)
	for i := 0; i < n; i++ {
		s := float64(max(-1, min(1, src[i])))
		p := dst[i*size:]
		switch bits {
		case 8:
			p[0] = uint8(math.Round(s*127) + 128)
		case 16:
			binary.LittleEndian.PutUint16(p, uint16(int16(math.Round(s*math.MaxInt16))))
		case 24:
			v := uint32(int32(math.Round(s * (1<<23 - 1))))
			p[0], p[1], p[2] = byte(v), byte(v>>8), byte(v>>16)
		case 32:
			binary.LittleEndian.PutUint32(p, uint32(int32(math.Round(s*math.MaxInt32))))
		}
	}
	return n * size, nil
}
