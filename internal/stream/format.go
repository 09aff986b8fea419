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

package stream

import (
	"fmt"
	"strings"
)

// Direction is the way audio moves through a session.
type Direction uint8

const (
	// Capture sessions pull injected bytes from the transport into the
	// virtual buffer (a virtual microphone).
	Capture Direction = iota
	// Render sessions push virtual buffer bytes into the transport for a
	// consumer to drain (a virtual speaker).
	Render
)

func (d Direction) String() string {
	switch d {
	case Capture:
		return "capture"
	case Render:
		return "render"
	default:
		return fmt.Sprintf("direction(%d)", d)
	}
}

// ParseDirection accepts "capture" or "render" in any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "capture", "mic", "input":
		return Capture, nil
	case "render", "speaker", "output":
		return Render, nil
	}
	return 0, fmt.Errorf("unknown direction %q: %w", s, ErrInvalidParameter)
}

// Format describes the PCM layout of a session.
type Format struct {
	Channels       uint16 `json:"channels"`
	SampleRate     uint32 `json:"sample_rate"`
	BitsPerSample  uint16 `json:"bits_per_sample"`
	BlockAlign     uint16 `json:"block_align"`
	AvgBytesPerSec uint32 `json:"avg_bytes_per_sec"`
}

// PCMFormat builds an interleaved integer PCM format.
func PCMFormat(channels uint16, sampleRate uint32, bitsPerSample uint16) Format {
	blockAlign := channels * (bitsPerSample / 8)
	return Format{
		Channels:       channels,
		SampleRate:     sampleRate,
		BitsPerSample:  bitsPerSample,
		BlockAlign:     blockAlign,
		AvgBytesPerSec: sampleRate * uint32(blockAlign),
	}
}

// Validate checks the fields the position engine depends on.
func (f Format) Validate() error {
	if f.Channels == 0 {
		return fmt.Errorf("format has no channels: %w", ErrInvalidParameter)
	}
	if f.BlockAlign == 0 {
		return fmt.Errorf("format has zero block alignment: %w", ErrInvalidParameter)
	}
	if f.AvgBytesPerSec == 0 {
		return fmt.Errorf("format has zero byte rate: %w", ErrInvalidParameter)
	}
	return nil
}

func (f Format) String() string {
	return fmt.Sprintf("%dch %dHz %dbit align=%d rate=%dB/s",
		f.Channels, f.SampleRate, f.BitsPerSample, f.BlockAlign, f.AvgBytesPerSec)
}
