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
	"fmt"
	"math"
	"sync"
	"time"
)

// MockAudioBackend implements AudioBackend without hardware. Input streams
// generate audio, output streams record what they are given.
type MockAudioBackend struct {
	mu                 sync.Mutex
	initialized        bool
	streams            map[string]*MockStream
	streamCounter      int
	initError          error
	createStreamError  error
	simulateRealTiming bool
	generator          func([]float32)
	recordedAudioData  [][]float32
	playbackAudioData  [][]float32
}

// NewMockAudioBackend creates a new mock audio backend
func NewMockAudioBackend() *MockAudioBackend {
	return &MockAudioBackend{
		streams:            make(map[string]*MockStream),
		simulateRealTiming: true,
	}
}

// SetInitError configures the backend to return an error on Initialize()
func (m *MockAudioBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetCreateStreamError configures the backend to return an error on stream creation
func (m *MockAudioBackend) SetCreateStreamError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createStreamError = err
}

// SetSimulateRealTiming makes Read and Write take as long as the audio they
// move would last.
func (m *MockAudioBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// SetAudioDataGenerator replaces the default 440 Hz tone for input streams
// created afterwards.
func (m *MockAudioBackend) SetAudioDataGenerator(generator func([]float32)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generator = generator
}

// GetRecordedAudioData returns every buffer handed out by input streams.
func (m *MockAudioBackend) GetRecordedAudioData() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]float32(nil), m.recordedAudioData...)
}

// GetPlaybackAudioData returns every buffer written to output streams.
func (m *MockAudioBackend) GetPlaybackAudioData() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]float32(nil), m.playbackAudioData...)
}

// StreamCount returns how many streams are open.
func (m *MockAudioBackend) StreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Initialize initializes the mock audio subsystem
func (m *MockAudioBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}
	m.initialized = true
	return nil
}

// Terminate closes every open stream.
func (m *MockAudioBackend) Terminate() error {
	m.mu.Lock()
	streams := make([]*MockStream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.Unlock()

	for _, s := range streams {
		_ = s.Close()
	}

	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

// CreateInputStream creates a mock input stream
func (m *MockAudioBackend) CreateInputStream(sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error) {
	return m.create(true, sampleRate, channels, framesPerBuffer)
}

// CreateOutputStream creates a mock output stream
func (m *MockAudioBackend) CreateOutputStream(sampleRate float64, channels, framesPerBuffer int) (StreamInterface, error) {
	return m.create(false, sampleRate, channels, framesPerBuffer)
}

func (m *MockAudioBackend) create(input bool, sampleRate float64, channels, framesPerBuffer int) (*MockStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("mock audio backend not initialized")
	}
	if m.createStreamError != nil {
		return nil, m.createStreamError
	}

	kind := "output"
	if input {
		kind = "input"
	}
	id := fmt.Sprintf("%s_%d", kind, m.streamCounter)
	m.streamCounter++

	s := &MockStream{
		id:                 id,
		backend:            m,
		sampleRate:         sampleRate,
		channels:           channels,
		framesPerBuffer:    framesPerBuffer,
		isInput:            input,
		isOpen:             true,
		simulateRealTiming: m.simulateRealTiming,
		generator:          m.generator,
		stopped:            make(chan struct{}),
	}
	m.streams[id] = s
	return s, nil
}

// MockStream implements StreamInterface for testing
type MockStream struct {
	id                 string
	backend            *MockAudioBackend
	sampleRate         float64
	channels           int
	framesPerBuffer    int
	isInput            bool
	simulateRealTiming bool

	mu         sync.Mutex
	isOpen     bool
	isActive   bool
	stopped    chan struct{}
	phase      float64
	generator  func([]float32)
	startError error
	writeError error
	readError  error
}

// SetStartError configures the stream to return an error on Start()
func (m *MockStream) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetWriteError configures the stream to return an error on Write()
func (m *MockStream) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

// SetReadError configures the stream to return an error on Read()
func (m *MockStream) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readError = err
}

// Start starts the mock stream
func (m *MockStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startError != nil {
		return m.startError
	}
	if !m.isOpen {
		return ErrStreamStopped
	}
	if m.isActive {
		return fmt.Errorf("stream already active")
	}
	m.isActive = true
	m.stopped = make(chan struct{})
	return nil
}

// Stop stops the mock stream and wakes a blocked Read or Write.
func (m *MockStream) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
	return nil
}

func (m *MockStream) stopLocked() {
	if m.isActive {
		m.isActive = false
		close(m.stopped)
	}
}

// Close closes the mock stream
func (m *MockStream) Close() error {
	m.mu.Lock()
	if !m.isOpen {
		m.mu.Unlock()
		return nil
	}
	m.isOpen = false
	m.stopLocked()
	m.mu.Unlock()

	m.backend.mu.Lock()
	delete(m.backend.streams, m.id)
	m.backend.mu.Unlock()
	return nil
}

// Write records one output buffer.
func (m *MockStream) Write(data []float32) error {
	m.mu.Lock()
	if m.writeError != nil {
		m.mu.Unlock()
		return m.writeError
	}
	if m.isInput {
		m.mu.Unlock()
		return fmt.Errorf("cannot write to input stream")
	}
	if !m.isActive {
		m.mu.Unlock()
		return ErrStreamStopped
	}
	stopped := m.stopped
	m.mu.Unlock()

	m.backend.mu.Lock()
	m.backend.playbackAudioData = append(m.backend.playbackAudioData, append([]float32(nil), data...))
	m.backend.mu.Unlock()

	return m.pace(len(data), stopped)
}

// Read fills one input buffer from the generator.
func (m *MockStream) Read(data []float32) error {
	m.mu.Lock()
	if m.readError != nil {
		m.mu.Unlock()
		return m.readError
	}
	if !m.isInput {
		m.mu.Unlock()
		return fmt.Errorf("cannot read from output stream")
	}
	if !m.isActive {
		m.mu.Unlock()
		return ErrStreamStopped
	}
	stopped := m.stopped

	if m.generator != nil {
		m.generator(data)
	} else {
		// 440 Hz tone, continuous across reads.
		step := 2 * math.Pi * 440 / m.sampleRate
		for i := 0; i+m.channels <= len(data); i += m.channels {
			v := float32(0.1 * math.Sin(m.phase))
			for c := 0; c < m.channels; c++ {
				data[i+c] = v
			}
			m.phase += step
		}
	}
	m.mu.Unlock()

	m.backend.mu.Lock()
	m.backend.recordedAudioData = append(m.backend.recordedAudioData, append([]float32(nil), data...))
	m.backend.mu.Unlock()

	return m.pace(len(data), stopped)
}

// pace sleeps for the duration of samples when real timing is simulated.
func (m *MockStream) pace(samples int, stopped <-chan struct{}) error {
	if !m.simulateRealTiming || m.sampleRate <= 0 || m.channels <= 0 {
		return nil
	}
	frames := samples / m.channels
	timer := time.NewTimer(time.Duration(float64(frames) / m.sampleRate * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-stopped:
		return ErrStreamStopped
	}
}

// IsActive returns true if the mock stream is active
func (m *MockStream) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActive
}
