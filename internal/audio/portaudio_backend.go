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

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend implements AudioBackend on the default PortAudio host
// devices.
type PortAudioBackend struct {
	mu          sync.Mutex
	initialized bool
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

// Initialize initializes the PortAudio subsystem
func (p *PortAudioBackend) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	p.initialized = true
	return nil
}

// Terminate terminates the PortAudio subsystem
func (p *PortAudioBackend) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}
	p.initialized = false
	return portaudio.Terminate()
}

// CreateInputStream opens the default input device.
func (p *PortAudioBackend) CreateInputStream(sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error) {
	return p.open(true, sampleRate, channels, framesPerBuffer)
}

// CreateOutputStream opens the default output device.
func (p *PortAudioBackend) CreateOutputStream(sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error) {
	return p.open(false, sampleRate, channels, framesPerBuffer)
}

func (p *PortAudioBackend) open(input bool, sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, fmt.Errorf("PortAudio not initialized")
	}
	if channels <= 0 || framesPerBuffer <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("invalid stream parameters: %d channels, %d frames, %.0f Hz", channels, framesPerBuffer, sampleRate)
	}

	buffer := make([]float32, framesPerBuffer*channels)
	inChannels, outChannels := 0, channels
	if input {
		inChannels, outChannels = channels, 0
	}

	stream, err := portaudio.OpenDefaultStream(inChannels, outChannels, sampleRate, framesPerBuffer, buffer)
	if err != nil {
		if input {
			return nil, fmt.Errorf("failed to open input stream: %w", err)
		}
		return nil, fmt.Errorf("failed to open output stream: %w", err)
	}

	return &PortAudioStream{stream: stream, buffer: buffer, isInput: input}, nil
}

// PortAudioStream implements StreamInterface on a blocking PortAudio stream.
type PortAudioStream struct {
	stream  *portaudio.Stream
	buffer  []float32
	isInput bool

	mu     sync.Mutex
	active bool
	closed bool
}

// Start starts the audio stream
func (p *PortAudioStream) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStreamStopped
	}
	if err := p.stream.Start(); err != nil {
		return err
	}
	p.active = true
	return nil
}

// Stop stops the audio stream. A blocked Read or Write returns.
func (p *PortAudioStream) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return nil
	}
	p.active = false
	return p.stream.Stop()
}

// Close stops the stream if needed and releases it.
func (p *PortAudioStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	var stopErr error
	if p.active {
		p.active = false
		stopErr = p.stream.Stop()
	}
	return errors.Join(stopErr, p.stream.Close())
}

// Write plays one buffer. Short input is padded with silence.
func (p *PortAudioStream) Write(data []float32) error {
	if p.isInput {
		return fmt.Errorf("cannot write to input stream")
	}
	if !p.IsActive() {
		return ErrStreamStopped
	}

	n := copy(p.buffer, data)
	clear(p.buffer[n:])
	if err := p.stream.Write(); err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
		return err
	}
	return nil
}

// Read records one buffer.
func (p *PortAudioStream) Read(data []float32) error {
	if !p.isInput {
		return fmt.Errorf("cannot read from output stream")
	}
	if !p.IsActive() {
		return ErrStreamStopped
	}

	if err := p.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return err
	}
	copy(data, p.buffer)
	return nil
}

// IsActive reports whether the stream has been started and not stopped.
func (p *PortAudioStream) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
