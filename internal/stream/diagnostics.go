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
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
)

// DiagnosticKind classifies an event reported by a session.
type DiagnosticKind uint8

const (
	// DiagUnderrun: a notification interval passed without the producer or
	// consumer moving its position.
	DiagUnderrun DiagnosticKind = iota + 1
	// DiagDroppedPackets: the consumer skipped completed packets.
	DiagDroppedPackets
	// DiagDuplicateCommit: the same write position was committed twice in a
	// row in event-driven mode.
	DiagDuplicateCommit
	// DiagBackpressure: render bytes were dropped because the transport
	// was full.
	DiagBackpressure
	// DiagCaptureSilence: the capture transport ran dry and silence was
	// inserted.
	DiagCaptureSilence
	// DiagEndOfStreamRendered: the render position reached the EOS boundary.
	DiagEndOfStreamRendered
	// DiagWritePosition: the producer committed a new write position.
	DiagWritePosition
	// DiagStateChange: the session changed state.
	DiagStateChange
)

func (k DiagnosticKind) String() string {
	switch k {
	case DiagUnderrun:
		return "underrun"
	case DiagDroppedPackets:
		return "dropped_packets"
	case DiagDuplicateCommit:
		return "duplicate_commit"
	case DiagBackpressure:
		return "backpressure"
	case DiagCaptureSilence:
		return "capture_silence"
	case DiagEndOfStreamRendered:
		return "eos_rendered"
	case DiagWritePosition:
		return "write_position"
	case DiagStateChange:
		return "state_change"
	default:
		return "unknown"
	}
}

// IsGlitch reports whether the kind describes an audible problem.
func (k DiagnosticKind) IsGlitch() bool {
	switch k {
	case DiagUnderrun, DiagDroppedPackets, DiagDuplicateCommit, DiagBackpressure, DiagCaptureSilence:
		return true
	}
	return false
}

// Diagnostic is a value type so it can be queued from the tick without a
// heap allocation.
type Diagnostic struct {
	Session        string
	Kind           DiagnosticKind
	LinearPosition uint64
	WritePosition  uint32
	Value          uint64 // kind specific: bytes, packet count, new position, state
	At             time.Duration
}

// Sink receives diagnostics on the dispatcher goroutine. Sinks may block or
// allocate; sessions never call them directly.
type Sink interface {
	Report(Diagnostic)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Diagnostic)

func (f SinkFunc) Report(d Diagnostic) { f(d) }

// Dispatcher decouples sessions from sinks with a bounded queue. Enqueueing
// never blocks: when the queue is full the event is counted and dropped.
type Dispatcher struct {
	queue   chan Diagnostic
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64

	mu    sync.RWMutex
	sinks []Sink
}

// NewDispatcher starts a dispatcher goroutine delivering to sinks.
func NewDispatcher(capacity int, sinks ...Sink) *Dispatcher {
	if capacity < 1 {
		capacity = 1
	}
	d := &Dispatcher{
		queue: make(chan Diagnostic, capacity),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		sinks: sinks,
	}
	go d.run()
	return d
}

// AddSink attaches another sink.
func (d *Dispatcher) AddSink(s Sink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Dropped returns how many diagnostics were lost to a full queue.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close delivers what is already queued and stops the goroutine.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.quit)
	})
	<-d.done
}

func (d *Dispatcher) enqueue(ev Diagnostic) {
	if d == nil {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.quit:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev Diagnostic) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.sinks {
		s.Report(ev)
	}
}

// LogSink writes diagnostics to a leveled logger. Glitches are warnings,
// everything else is debug output.
type LogSink struct {
	Log slog.Logger
}

func (s LogSink) Report(d Diagnostic) {
	switch {
	case d.Kind == DiagStateChange:
		s.Log.Infof("[%s] state -> %s", d.Session, State(d.Value))
	case d.Kind.IsGlitch():
		s.Log.Warnf("[%s] glitch %s: linear=%d write=%d value=%d",
			d.Session, d.Kind, d.LinearPosition, d.WritePosition, d.Value)
	default:
		s.Log.Debugf("[%s] %s: linear=%d write=%d value=%d",
			d.Session, d.Kind, d.LinearPosition, d.WritePosition, d.Value)
	}
}
