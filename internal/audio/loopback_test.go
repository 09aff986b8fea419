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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-vaudio/internal/pcm"
	"github.com/loqalabs/loqa-vaudio/internal/stream"
)

// 8 kHz mono 16-bit: 80 frames per host buffer is 10ms.
var phoneFormat = stream.PCMFormat(1, 8000, 16)

func openSession(t *testing.T, dir stream.Direction, transport int) *stream.Session {
	t.Helper()
	s, err := stream.Open(stream.Config{
		ID:                dir.String(),
		Direction:         dir,
		Format:            phoneFormat,
		BufferSize:        1600,
		TransportCapacity: transport,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func runLoopback(t *testing.T, l *Loopback, capture, render *stream.Session) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, capture, render) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("loopback did not stop")
		return nil
	}
}

func TestLoopback_MicrophoneFeedsCapture(t *testing.T) {
	backend := NewMockAudioBackend()
	backend.SetAudioDataGenerator(func(data []float32) {
		for i := range data {
			data[i] = 0.5
		}
	})
	mic := openSession(t, stream.Capture, 0)
	l := NewLoopback(backend, nil, 80)

	cancel, done := runLoopback(t, l, mic, nil)
	require.Eventually(t, func() bool {
		return mic.Transport().UsedSpace() >= 320
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Zero(t, backend.StreamCount(), "streams closed on shutdown")

	buf := make([]byte, 160)
	n, err := mic.Transport().Read(buf, false)
	require.NoError(t, err)
	require.Equal(t, 160, n)

	samples := make([]float32, 80)
	_, err = pcm.Decode(samples, buf, 16)
	require.NoError(t, err)
	for _, s := range samples {
		assert.InDelta(t, 0.5, s, 0.001)
	}

	stats := l.Stats()
	assert.GreaterOrEqual(t, stats.CapturedBytes, uint64(320))
	assert.Zero(t, stats.DroppedBytes)
}

func TestLoopback_CaptureOverflowIsCounted(t *testing.T) {
	backend := NewMockAudioBackend()
	mic := openSession(t, stream.Capture, 64)
	l := NewLoopback(backend, nil, 80)

	cancel, done := runLoopback(t, l, mic, nil)
	require.Eventually(t, func() bool {
		return l.Stats().DroppedBytes >= 320
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Zero(t, l.Stats().CapturedBytes)
	assert.Zero(t, mic.Transport().UsedSpace())
}

func TestLoopback_RenderPlaysOnSpeaker(t *testing.T) {
	backend := NewMockAudioBackend()
	speaker := openSession(t, stream.Render, 0)

	tone := make([]float32, 800)
	for i := range tone {
		tone[i] = 0.25
	}
	pattern := make([]byte, 1600)
	_, err := pcm.Encode(pattern, tone, 16)
	require.NoError(t, err)
	require.NoError(t, speaker.CopyToBuffer(0, pattern))

	for _, st := range []stream.State{stream.StateAcquire, stream.StatePause, stream.StateRun} {
		require.NoError(t, speaker.SetState(st))
	}

	l := NewLoopback(backend, nil, 80)
	cancel, done := runLoopback(t, l, nil, speaker)

	heard := func() bool {
		for _, buf := range backend.GetPlaybackAudioData() {
			for _, s := range buf {
				if s > 0.24 && s < 0.26 {
					return true
				}
			}
		}
		return false
	}
	require.Eventually(t, func() bool {
		_, _ = speaker.GetPositions()
		return heard()
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, waitDone(t, done))
	assert.Positive(t, l.Stats().RenderedBytes)
}

func TestLoopback_StoppedRenderPlaysSilence(t *testing.T) {
	backend := NewMockAudioBackend()
	speaker := openSession(t, stream.Render, 0)
	l := NewLoopback(backend, nil, 80)

	cancel, done := runLoopback(t, l, nil, speaker)
	require.Eventually(t, func() bool {
		return len(backend.GetPlaybackAudioData()) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	for _, buf := range backend.GetPlaybackAudioData() {
		require.Len(t, buf, 80)
		for _, s := range buf {
			assert.Zero(t, s)
		}
	}
	assert.Zero(t, l.Stats().RenderedBytes)
}

func TestLoopback_Errors(t *testing.T) {
	mic := openSession(t, stream.Capture, 0)
	speaker := openSession(t, stream.Render, 0)

	t.Run("wrong direction", func(t *testing.T) {
		l := NewLoopback(NewMockAudioBackend(), nil, 80)
		err := l.Run(context.Background(), speaker, nil)
		assert.ErrorIs(t, err, stream.ErrInvalidParameter)
		err = l.Run(context.Background(), nil, mic)
		assert.ErrorIs(t, err, stream.ErrInvalidParameter)
	})

	t.Run("backend init failure", func(t *testing.T) {
		backend := NewMockAudioBackend()
		backend.SetInitError(errors.New("no audio device"))
		err := NewLoopback(backend, nil, 80).Run(context.Background(), mic, nil)
		assert.ErrorContains(t, err, "no audio device")
	})

	t.Run("stream creation failure", func(t *testing.T) {
		backend := NewMockAudioBackend()
		backend.SetCreateStreamError(errors.New("device busy"))
		err := NewLoopback(backend, nil, 80).Run(context.Background(), nil, speaker)
		assert.ErrorContains(t, err, "device busy")
	})

	t.Run("closed session ends the pump", func(t *testing.T) {
		closed := openSession(t, stream.Render, 0)
		require.NoError(t, closed.Close())
		err := NewLoopback(NewMockAudioBackend(), nil, 80).Run(context.Background(), nil, closed)
		assert.ErrorIs(t, err, stream.ErrNotReady)
	})
}

func TestNewLoopback_Defaults(t *testing.T) {
	l := NewLoopback(NewMockAudioBackend(), nil, 0)
	assert.Equal(t, DefaultFramesPerBuffer, l.framesPerBuffer)
	assert.NotNil(t, l.log)
}
