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

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-vaudio/internal/registry"
	"github.com/loqalabs/loqa-vaudio/internal/stream"
)

// MockNATSConnection delivers published messages to local subscribers
// synchronously and records everything published.
type MockNATSConnection struct {
	mu          sync.RWMutex
	subscribers map[string][]nats.MsgHandler
	published   map[string][][]byte
	connected   bool
	errors      map[string]error
}

func NewMockNATSConnection() *MockNATSConnection {
	return &MockNATSConnection{
		subscribers: make(map[string][]nats.MsgHandler),
		published:   make(map[string][][]byte),
		connected:   true,
		errors:      make(map[string]error),
	}
}

func (m *MockNATSConnection) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, nats.ErrConnectionClosed
	}
	if err, exists := m.errors[subject]; exists {
		return nil, err
	}
	m.subscribers[subject] = append(m.subscribers[subject], handler)
	return &nats.Subscription{}, nil
}

func (m *MockNATSConnection) Publish(subject string, data []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nats.ErrConnectionClosed
	}
	m.published[subject] = append(m.published[subject], data)
	m.mu.Unlock()
	return nil
}

// Deliver hands a message to the subscribers of subject.
func (m *MockNATSConnection) Deliver(subject, reply string, data []byte) int {
	m.mu.RLock()
	handlers := m.subscribers[subject]
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(&nats.Msg{Subject: subject, Reply: reply, Data: data})
	}
	return len(handlers)
}

func (m *MockNATSConnection) Published(subject string) [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([][]byte(nil), m.published[subject]...)
}

func (m *MockNATSConnection) SetError(subject string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[subject] = err
}

func (m *MockNATSConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(nil)
	t.Cleanup(func() { _ = reg.Shutdown() })

	format := stream.PCMFormat(1, 1000, 8)
	_, err := reg.Open(stream.Config{ID: "mic", Direction: stream.Capture, Format: format, BufferSize: 1000, TransportCapacity: 64})
	require.NoError(t, err)
	_, err = reg.Open(stream.Config{ID: "speaker", Direction: stream.Render, Format: format, BufferSize: 1000})
	require.NoError(t, err)
	return reg
}

func injectMessage(t *testing.T, audio []byte, seq uint64) []byte {
	t.Helper()
	data, err := json.Marshal(AudioInjectMessage{AudioData: audio, Sequence: seq})
	require.NoError(t, err)
	return data
}

func TestBridge_Subject(t *testing.T) {
	b := NewBridge(NewMockNATSConnection(), "loqa.audio.", nil)
	assert.Equal(t, "loqa.audio.mic.inject", b.Subject("mic", "inject"))

	b = NewBridge(NewMockNATSConnection(), "", nil)
	assert.Equal(t, "vaudio.speaker.render", b.Subject("speaker", "render"))
}

func TestBridge_StartSubscribesCaptureSessions(t *testing.T) {
	conn := NewMockNATSConnection()
	reg := newRegistry(t)
	b := NewBridge(conn, "vaudio", reg)

	require.NoError(t, b.Start())

	conn.mu.RLock()
	defer conn.mu.RUnlock()
	assert.Len(t, conn.subscribers["vaudio.mic.inject"], 1)
	assert.Empty(t, conn.subscribers["vaudio.speaker.inject"])
}

func TestBridge_StartSubscribeError(t *testing.T) {
	conn := NewMockNATSConnection()
	conn.SetError("vaudio.mic.inject", errors.New("permission denied"))

	err := NewBridge(conn, "vaudio", newRegistry(t)).Start()
	assert.ErrorContains(t, err, "vaudio.mic.inject")
}

func TestBridge_Inject(t *testing.T) {
	conn := NewMockNATSConnection()
	reg := newRegistry(t)
	require.NoError(t, NewBridge(conn, "vaudio", reg).Start())

	require.Equal(t, 1, conn.Deliver("vaudio.mic.inject", "", injectMessage(t, []byte("abcdef"), 1)))
	require.Equal(t, 1, conn.Deliver("vaudio.mic.inject", "_INBOX.1", injectMessage(t, []byte("gh"), 2)))

	mic, err := reg.Get("mic")
	require.NoError(t, err)
	assert.Equal(t, 8, mic.Transport().UsedSpace())

	replies := conn.Published("_INBOX.1")
	require.Len(t, replies, 1)
	var reply InjectReply
	require.NoError(t, json.Unmarshal(replies[0], &reply))
	assert.Equal(t, 2, reply.Written)
	assert.Empty(t, reply.Error)
}

func TestBridge_InjectWAV(t *testing.T) {
	conn := NewMockNATSConnection()
	reg := newRegistry(t)
	require.NoError(t, NewBridge(conn, "vaudio", reg).Start())

	wav := append([]byte("RIFF____WAVE"), make([]byte, 32)...)
	wav = append(wav, 0x00, 0x10, 0x00, 0x20)
	data, err := json.Marshal(AudioInjectMessage{AudioData: wav, AudioFormat: "wav"})
	require.NoError(t, err)

	conn.Deliver("vaudio.mic.inject", "", data)

	mic, err := reg.Get("mic")
	require.NoError(t, err)
	assert.Equal(t, 4, mic.Transport().UsedSpace())
}

func TestBridge_InjectErrorsReply(t *testing.T) {
	conn := NewMockNATSConnection()
	reg := newRegistry(t)
	require.NoError(t, NewBridge(conn, "vaudio", reg).Start())

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{"invalid json", []byte("invalid-json-data"), "decode"},
		{"overflow", injectMessage(t, make([]byte, 100), 0), stream.ErrBufferOverflow.Error()},
		{"empty audio", injectMessage(t, nil, 0), stream.ErrInvalidParameter.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inbox := "_INBOX." + tt.name
			conn.Deliver("vaudio.mic.inject", inbox, tt.data)

			replies := conn.Published(inbox)
			require.Len(t, replies, 1)
			var reply InjectReply
			require.NoError(t, json.Unmarshal(replies[0], &reply))
			assert.Zero(t, reply.Written)
			assert.Contains(t, reply.Error, tt.wantErr)
		})
	}

	mic, err := reg.Get("mic")
	require.NoError(t, err)
	assert.Zero(t, mic.Transport().UsedSpace())
}

func TestBridge_InjectAfterClose(t *testing.T) {
	conn := NewMockNATSConnection()
	reg := newRegistry(t)
	require.NoError(t, NewBridge(conn, "vaudio", reg).Start())
	require.NoError(t, reg.Close("mic"))

	conn.Deliver("vaudio.mic.inject", "_INBOX.gone", injectMessage(t, []byte{1}, 0))

	replies := conn.Published("_INBOX.gone")
	require.Len(t, replies, 1)
	assert.Contains(t, string(replies[0]), stream.ErrNotReady.Error())
}

func TestBridge_DiagnosticSink(t *testing.T) {
	conn := NewMockNATSConnection()
	sink := NewBridge(conn, "vaudio", nil).DiagnosticSink()

	sink.Report(stream.Diagnostic{
		Session:        "speaker",
		Kind:           stream.DiagBackpressure,
		LinearPosition: 4800,
		WritePosition:  960,
		Value:          37,
		At:             1500 * time.Microsecond,
	})

	msgs := conn.Published("vaudio.speaker.diagnostics")
	require.Len(t, msgs, 1)

	var got DiagnosticMessage
	require.NoError(t, json.Unmarshal(msgs[0], &got))
	assert.Equal(t, DiagnosticMessage{
		Session:        "speaker",
		Kind:           "backpressure",
		Glitch:         true,
		LinearPosition: 4800,
		WritePosition:  960,
		Value:          37,
		AtUs:           1500,
	}, got)
}

func TestBridge_DiagnosticsFromSession(t *testing.T) {
	conn := NewMockNATSConnection()
	b := NewBridge(conn, "vaudio", nil)
	dispatcher := stream.NewDispatcher(16, b.DiagnosticSink())

	reg := registry.New(nil, stream.WithDiagnostics(dispatcher))
	_, err := reg.Open(stream.Config{ID: "mic", Direction: stream.Capture, Format: stream.PCMFormat(1, 1000, 8), BufferSize: 1000})
	require.NoError(t, err)
	require.NoError(t, reg.SetState("mic", stream.StateAcquire))
	require.NoError(t, reg.Shutdown())
	dispatcher.Close()

	msgs := conn.Published("vaudio.mic.diagnostics")
	require.NotEmpty(t, msgs)
	var first DiagnosticMessage
	require.NoError(t, json.Unmarshal(msgs[0], &first))
	assert.Equal(t, "state_change", first.Kind)
	assert.False(t, first.Glitch)
}

func TestBridge_RenderTap(t *testing.T) {
	conn := NewMockNATSConnection()
	reg := newRegistry(t)
	b := NewBridge(conn, "vaudio", reg)

	speaker, err := reg.Get("speaker")
	require.NoError(t, err)
	require.NoError(t, speaker.CopyToBuffer(0, []byte("rendered audio")))
	for _, st := range []stream.State{stream.StateAcquire, stream.StatePause, stream.StateRun} {
		require.NoError(t, speaker.SetState(st))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.RunRenderTap(ctx, "speaker", 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		_, _ = speaker.GetPositions()
		return len(conn.Published("vaudio.speaker.render")) > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	first := conn.Published("vaudio.speaker.render")[0]
	want := []byte("rendered audio")
	k := min(len(first), len(want))
	assert.Equal(t, want[:k], first[:k])
}

func TestBridge_RenderTapRejectsCapture(t *testing.T) {
	b := NewBridge(NewMockNATSConnection(), "vaudio", newRegistry(t))

	err := b.RunRenderTap(context.Background(), "mic", time.Millisecond)
	assert.ErrorIs(t, err, stream.ErrNotSupported)

	err = b.RunRenderTap(context.Background(), "nobody", time.Millisecond)
	assert.ErrorIs(t, err, stream.ErrNotReady)
}

func TestBridge_Close(t *testing.T) {
	conn := NewMockNATSConnection()
	b := NewBridge(conn, "vaudio", nil)
	b.Close()

	_, err := conn.Subscribe("vaudio.mic.inject", func(*nats.Msg) {})
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
}
