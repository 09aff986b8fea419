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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-vaudio/internal/audio"
	"github.com/loqalabs/loqa-vaudio/internal/config"
	"github.com/loqalabs/loqa-vaudio/internal/logging"
	natsbridge "github.com/loqalabs/loqa-vaudio/internal/nats"
	"github.com/loqalabs/loqa-vaudio/internal/stream"
	"github.com/loqalabs/loqa-vaudio/internal/transport"
)

func init() {
	logging.SetOutput(io.Discard)
}

type fakeNATS struct {
	mu        sync.Mutex
	handlers  map[string]nats.MsgHandler
	published map[string]int
	closed    bool
}

func newFakeNATS() *fakeNATS {
	return &fakeNATS{handlers: map[string]nats.MsgHandler{}, published: map[string]int{}}
}

func (f *fakeNATS) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subject] = cb
	return &nats.Subscription{}, nil
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[subject]++
	return nil
}

func (f *fakeNATS) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeNATS) handler(subject string) nats.MsgHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[subject]
}

func (f *fakeNATS) count(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[subject]
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Listen.Port = 0
	return cfg
}

func TestParseFlags(t *testing.T) {
	opts, err := parseFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, options{}, opts)

	opts, err = parseFlags([]string{"-config", "vaudio.yaml", "-nats", "nats://localhost:4222", "-listen", ":9000", "-loopback"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "vaudio.yaml", opts.configPath)
	assert.Equal(t, "nats://localhost:4222", opts.natsURL)
	assert.Equal(t, ":9000", opts.listen)
	assert.True(t, opts.loopback)

	var help bytes.Buffer
	_, err = parseFlags([]string{"-h"}, &help)
	assert.ErrorIs(t, err, flag.ErrHelp)
	for _, name := range []string{"-config", "-nats", "-listen", "-loopback", "-log-level"} {
		assert.Contains(t, help.String(), name)
	}
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig(options{})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8780", cfg.Listen.Addr())
	assert.Empty(t, cfg.NATS.URL)

	path := filepath.Join(t.TempDir(), "vaudio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sessions: [{id: tts, direction: render}]\n"), 0644))

	cfg, err = loadConfig(options{
		configPath: path,
		natsURL:    "nats://hub:4222",
		listen:     "0.0.0.0:9100",
		logLevel:   "debug",
	})
	require.NoError(t, err)
	assert.Equal(t, "nats://hub:4222", cfg.NATS.URL)
	assert.Equal(t, "0.0.0.0:9100", cfg.Listen.Addr())
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Sessions, 1)
	assert.Equal(t, "tts", cfg.Sessions[0].ID)

	cfg, err = loadConfig(options{loopback: true})
	require.NoError(t, err)
	assert.True(t, cfg.Loopback.Enabled)

	// The default loopback points at "mic", which this file does not define.
	_, err = loadConfig(options{configPath: path, loopback: true})
	assert.ErrorContains(t, err, "loopback.capture_session")
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfig(options{configPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.ErrorContains(t, err, "read config")

	_, err = loadConfig(options{listen: "nohost"})
	assert.ErrorContains(t, err, "invalid -listen")

	_, err = loadConfig(options{listen: "localhost:http"})
	assert.ErrorContains(t, err, "invalid -listen port")

	_, err = loadConfig(options{listen: "localhost:70000"})
	assert.ErrorContains(t, err, "listen.port")
}

func TestDaemon_ServesSessions(t *testing.T) {
	conn := newFakeNATS()
	backend := audio.NewMockAudioBackend()
	cfg := testConfig()
	cfg.Loopback.Enabled = true

	d, err := newDaemon(cfg, conn, backend)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx) }()
	defer cancel()

	client := transport.NewBridgeClient("http://" + d.Addr())
	infos, err := client.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "mic", infos[0].ID)
	assert.Equal(t, "speaker", infos[1].ID)

	// Diagnostics reach NATS through the dispatcher.
	require.NoError(t, client.SetState(context.Background(), "speaker", stream.StateAcquire))
	require.Eventually(t, func() bool {
		return conn.count("vaudio.speaker.diagnostics") > 0
	}, 2*time.Second, 10*time.Millisecond)

	// The loopback feeds the microphone session from the mock device.
	mic, err := d.reg.Get("mic")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return mic.Transport().UsedSpace() > 0
	}, 2*time.Second, 10*time.Millisecond)

	// NATS inject lands in the same session.
	handler := conn.handler("vaudio.mic.inject")
	require.NotNil(t, handler)
	data, err := json.Marshal(natsbridge.AudioInjectMessage{AudioData: make([]byte, 8)})
	require.NoError(t, err)
	handler(&nats.Msg{Subject: "vaudio.mic.inject", Data: data})

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.Empty(t, d.reg.List(), "sessions closed on shutdown")
	assert.Zero(t, backend.StreamCount(), "host streams closed on shutdown")
	conn.mu.Lock()
	assert.True(t, conn.closed)
	conn.mu.Unlock()

	_, err = client.Sessions(context.Background())
	assert.Error(t, err)
}

func TestDaemon_RenderTap(t *testing.T) {
	conn := newFakeNATS()
	cfg := testConfig()
	cfg.NATS.RenderTap = true
	cfg.NATS.RenderTapMs = 5

	d, err := newDaemon(cfg, conn, nil)
	require.NoError(t, err)

	speaker, err := d.reg.Get("speaker")
	require.NoError(t, err)
	require.NoError(t, speaker.CopyToBuffer(0, bytes.Repeat([]byte{1}, 3840)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.serve(ctx) }()

	for _, st := range []stream.State{stream.StateAcquire, stream.StatePause, stream.StateRun} {
		require.NoError(t, speaker.SetState(st))
	}
	require.Eventually(t, func() bool {
		return conn.count("vaudio.speaker.render") > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestNewDaemon_Failures(t *testing.T) {
	t.Run("session cannot open", func(t *testing.T) {
		cfg := testConfig()
		cfg.Sessions[0].TransportBytes = 128 << 20

		_, err := newDaemon(cfg, nil, nil)
		assert.ErrorIs(t, err, stream.ErrInsufficientResources)
	})

	t.Run("address in use", func(t *testing.T) {
		busy, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer busy.Close()

		cfg := testConfig()
		cfg.Listen.Port = busy.Addr().(*net.TCPAddr).Port

		_, err = newDaemon(cfg, nil, nil)
		assert.ErrorContains(t, err, "failed to listen on 127.0.0.1:"+strconv.Itoa(cfg.Listen.Port))
	})

	t.Run("nats subscribe failure closes the connection", func(t *testing.T) {
		conn := &failingNATS{fakeNATS: newFakeNATS()}
		_, err := newDaemon(testConfig(), conn, nil)
		assert.ErrorContains(t, err, "vaudio.mic.inject")
		assert.True(t, conn.closed)
	})
}

type failingNATS struct {
	*fakeNATS
}

func (f *failingNATS) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return nil, errors.New("authorization violation")
}

func TestDaemon_LoopbackSessionMissing(t *testing.T) {
	cfg := testConfig()
	cfg.Loopback.Enabled = true
	cfg.Loopback.CaptureSession = "nobody"

	d, err := newDaemon(cfg, nil, audio.NewMockAudioBackend())
	require.NoError(t, err)

	err = d.serve(context.Background())
	assert.ErrorIs(t, err, stream.ErrNotReady)
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"-h"}, &out)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, out.String(), "-config")
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sessions: [{id: a, direction: sideways}]"), 0644))

	err := run(context.Background(), []string{"-config", path}, io.Discard)
	assert.ErrorContains(t, err, "unknown direction")
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := run(ctx, []string{"-listen", "127.0.0.1:0"}, io.Discard)
	assert.NoError(t, err)
}
