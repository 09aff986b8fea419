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
	"fmt"
	"sync/atomic"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-vaudio/internal/pcm"
	"github.com/loqalabs/loqa-vaudio/internal/stream"
)

// DefaultFramesPerBuffer is 10ms at 48 kHz.
const DefaultFramesPerBuffer = 480

// LoopbackStats counts bytes moved by a loopback.
type LoopbackStats struct {
	CapturedBytes uint64 // microphone bytes accepted by the capture session
	DroppedBytes  uint64 // microphone bytes refused by a full transport
	RenderedBytes uint64 // render bytes played, silence excluded
}

// Loopback connects host devices to sessions: the default microphone feeds
// a capture session and a render session plays on the default speakers.
type Loopback struct {
	backend         AudioBackend
	log             slog.Logger
	framesPerBuffer int

	captured atomic.Uint64
	dropped  atomic.Uint64
	rendered atomic.Uint64
}

// NewLoopback creates a loopback over backend.
func NewLoopback(backend AudioBackend, log slog.Logger, framesPerBuffer int) *Loopback {
	if log == nil {
		log = slog.Disabled
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	return &Loopback{backend: backend, log: log, framesPerBuffer: framesPerBuffer}
}

// Stats returns the byte counters.
func (l *Loopback) Stats() LoopbackStats {
	return LoopbackStats{
		CapturedBytes: l.captured.Load(),
		DroppedBytes:  l.dropped.Load(),
		RenderedBytes: l.rendered.Load(),
	}
}

// Run pumps audio until ctx is done or a pump fails. Either session may be
// nil to run one direction only.
func (l *Loopback) Run(ctx context.Context, capture, render *stream.Session) error {
	if capture != nil && capture.Direction() != stream.Capture {
		return fmt.Errorf("loopback microphone target %s: %w", capture.ID(), stream.ErrInvalidParameter)
	}
	if render != nil && render.Direction() != stream.Render {
		return fmt.Errorf("loopback speaker source %s: %w", render.ID(), stream.ErrInvalidParameter)
	}

	if err := l.backend.Initialize(); err != nil {
		return fmt.Errorf("initialize audio backend: %w", err)
	}
	defer func() {
		if err := l.backend.Terminate(); err != nil {
			l.log.Warnf("Failed to terminate audio backend: %v", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if capture != nil {
		g.Go(func() error { return l.pumpCapture(ctx, capture) })
	}
	if render != nil {
		g.Go(func() error { return l.pumpRender(ctx, render) })
	}
	return g.Wait()
}

// open creates and starts a host stream matching the session format. The
// stream is stopped when ctx is done so a blocked Read or Write returns.
func (l *Loopback) open(ctx context.Context, sess *stream.Session) (StreamInterface, func(), error) {
	f := sess.Format()

	create := l.backend.CreateOutputStream
	if sess.Direction() == stream.Capture {
		create = l.backend.CreateInputStream
	}
	st, err := create(float64(f.SampleRate), int(f.Channels), l.framesPerBuffer)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("start %s stream: %w", sess.Direction(), err)
	}

	stop := context.AfterFunc(ctx, func() { _ = st.Stop() })
	cleanup := func() {
		stop()
		if err := st.Close(); err != nil {
			l.log.Warnf("[%s] failed to close host stream: %v", sess.ID(), err)
		}
	}
	return st, cleanup, nil
}

func (l *Loopback) pumpCapture(ctx context.Context, sess *stream.Session) error {
	bits := int(sess.Format().BitsPerSample)
	size, err := pcm.SampleSize(bits)
	if err != nil {
		return fmt.Errorf("capture %s: %w", sess.ID(), err)
	}

	st, cleanup, err := l.open(ctx, sess)
	if err != nil {
		return fmt.Errorf("capture %s: %w", sess.ID(), err)
	}
	defer cleanup()

	samples := make([]float32, l.framesPerBuffer*int(sess.Format().Channels))
	buf := make([]byte, len(samples)*size)
	dropping := false

	l.log.Infof("[%s] microphone loopback started", sess.ID())
	for {
		if err := st.Read(samples); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read microphone: %w", err)
		}

		n, _ := pcm.Encode(buf, samples, bits)
		_, err := sess.InjectAudio(buf[:n])
		switch {
		case errors.Is(err, stream.ErrBufferOverflow):
			l.dropped.Add(uint64(n))
			if !dropping {
				l.log.Warnf("[%s] transport full, dropping microphone audio", sess.ID())
				dropping = true
			}
		case err != nil:
			return fmt.Errorf("inject into %s: %w", sess.ID(), err)
		default:
			l.captured.Add(uint64(n))
			if dropping {
				l.log.Infof("[%s] transport drained, microphone audio resumed", sess.ID())
				dropping = false
			}
		}
	}
}

func (l *Loopback) pumpRender(ctx context.Context, sess *stream.Session) error {
	bits := int(sess.Format().BitsPerSample)
	size, err := pcm.SampleSize(bits)
	if err != nil {
		return fmt.Errorf("render %s: %w", sess.ID(), err)
	}

	st, cleanup, err := l.open(ctx, sess)
	if err != nil {
		return fmt.Errorf("render %s: %w", sess.ID(), err)
	}
	defer cleanup()

	samples := make([]float32, l.framesPerBuffer*int(sess.Format().Channels))
	buf := make([]byte, len(samples)*size)

	l.log.Infof("[%s] speaker loopback started", sess.ID())
	for {
		// Short or empty extracts come back zero padded: the speaker plays
		// silence while the session is stopped or starved.
		n, err := sess.ExtractAudio(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("extract from %s: %w", sess.ID(), err)
		}
		l.rendered.Add(uint64(n))

		if _, err := pcm.Decode(samples, buf, bits); err != nil {
			return err
		}
		if err := st.Write(samples); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("write speaker: %w", err)
		}
	}
}
