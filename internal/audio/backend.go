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

package audio

import "errors"

// ErrStreamStopped is returned by Read and Write on a stream that has been
// stopped or closed.
var ErrStreamStopped = errors.New("audio: stream stopped")

// AudioBackend abstracts the host audio system so the loopback can run
// against real hardware or a mock.
type AudioBackend interface {
	Initialize() error
	Terminate() error

	// CreateInputStream opens a blocking microphone stream delivering
	// framesPerBuffer interleaved frames per Read.
	CreateInputStream(sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error)

	// CreateOutputStream opens a blocking speaker stream accepting
	// framesPerBuffer interleaved frames per Write.
	CreateOutputStream(sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error)
}

// StreamInterface is a blocking host stream. Read and Write move exactly
// one buffer of channels*framesPerBuffer samples.
type StreamInterface interface {
	Start() error
	Stop() error
	Close() error

	Write(data []float32) error
	Read(data []float32) error

	IsActive() bool
}
