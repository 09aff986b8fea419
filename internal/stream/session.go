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
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/slog"

	"github.com/loqalabs/loqa-vaudio/internal/ring"
)

// DefaultTransportCapacity matches the 256 KiB transports of the virtual
// audio device.
const DefaultTransportCapacity = 256 * 1024

// PausePolicy decides which packet a producer is expected to commit while the
// stream is paused.
type PausePolicy uint8

const (
	// PauseExpectStopped treats Pause like Stop: the current packet has not
	// started moving, so it is the one to write.
	PauseExpectStopped PausePolicy = iota
	// PauseExpectRunning treats Pause like Run: the current packet is considered
	// in flight and the producer writes the one after it.
	PauseExpectRunning
)

// Config describes a session to open.
type Config struct {
	ID                     string
	Direction              Direction
	Format                 Format
	BufferSize             uint32 // virtual buffer size in bytes
	NotificationsPerBuffer uint32 // 0 = polled mode
	TransportCapacity      int
	TickPeriod             time.Duration
	PausePolicy            PausePolicy
}

// Option customizes a session.
type Option func(*Session)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the session logger.
func WithLogger(l slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithDiagnostics routes glitch and lifecycle events to a dispatcher.
func WithDiagnostics(d *Dispatcher) Option {
	return func(s *Session) { s.diag = d }
}

// Stats are running totals of diagnostic conditions.
type Stats struct {
	Underruns         uint64 `json:"underruns"`
	DroppedPackets    uint64 `json:"dropped_packets"`
	DuplicateCommits  uint64 `json:"duplicate_commits"`
	BackpressureBytes uint64 `json:"backpressure_bytes"`
	SilenceBytes      uint64 `json:"silence_bytes"`
	Notifications     uint64 `json:"notifications"`
}

type counters struct {
	underruns         atomic.Uint64
	droppedPackets    atomic.Uint64
	duplicateCommits  atomic.Uint64
	backpressureBytes atomic.Uint64
	silenceBytes      atomic.Uint64
	notifications     atomic.Uint64
}

// Info describes a session for listings.
type Info struct {
	ID                     string `json:"id"`
	Direction              string `json:"direction"`
	Format                 Format `json:"format"`
	State                  string `json:"state"`
	BufferSize             uint32 `json:"buffer_size"`
	NotificationsPerBuffer uint32 `json:"notifications_per_buffer"`
	PacketSize             uint32 `json:"packet_size"`
	TransportCapacity      int    `json:"transport_capacity"`
	TransportUsed          int    `json:"transport_used"`
}

// Session is one open virtual audio stream: a transport, a virtual buffer
// whose position is driven by a clock, and the packet handshake on top.
//
// Locking: mu guards the position snapshot, packet cursor, state and virtual
// buffer; the transport has its own lock and the two are never nested.
// xferMu serializes an advance with the transport I/O it planned and owns
// scratch. ctlMu serializes lifecycle calls.
type Session struct {
	id          string
	direction   Direction
	format      Format
	tickPeriod  time.Duration
	pausePolicy PausePolicy

	clock Clock
	log   slog.Logger
	diag  *Dispatcher

	transport *ring.Buffer
	sched     *scheduler
	waiters   *waiterSet
	stats     counters

	ctlMu  sync.Mutex
	closed atomic.Bool

	xferMu  sync.Mutex
	scratch []byte
	starved bool // capture ran dry in the previous transfer
	blocked bool // render transport was full in the previous transfer

	// positionTouched is set when the producer or consumer moves its
	// position and cleared by the underrun check.
	positionTouched atomic.Bool

	mu                     sync.Mutex
	state                  State
	dma                    []byte
	notificationsPerBuffer uint32
	notificationInterval   time.Duration
	lastNotified           time.Duration
	notifyCarry            time.Duration
	engine                 positionEngine
	cursor                 PacketCursor
}

// Open creates a session in the Stop state with its transport and virtual
// buffer allocated.
func Open(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}
	if cfg.Direction != Capture && cfg.Direction != Render {
		return nil, fmt.Errorf("open %s: %w", cfg.Direction, ErrInvalidParameter)
	}

	capacity := cfg.TransportCapacity
	if capacity == 0 {
		capacity = DefaultTransportCapacity
	}
	transport, err := ring.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("allocate transport: %w", err)
	}

	id := cfg.ID
	if id == "" {
		id = cfg.Direction.String()
	}

	s := &Session{
		id:          id,
		direction:   cfg.Direction,
		format:      cfg.Format,
		tickPeriod:  cfg.TickPeriod,
		pausePolicy: cfg.PausePolicy,
		clock:       SystemClock(),
		log:         slog.Disabled,
		transport:   transport,
		waiters:     newWaiterSet(),
		cursor:      newPacketCursor(),
	}
	if s.tickPeriod <= 0 {
		s.tickPeriod = DefaultTickPeriod
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sched = newScheduler(s.tickPeriod, s.tick)

	if _, err := s.AllocateBuffer(cfg.BufferSize, cfg.NotificationsPerBuffer); err != nil {
		return nil, err
	}

	s.log.Infof("[%s] opened %s session: %s, buffer=%d bytes, notifications=%d",
		s.id, s.direction, s.format, len(s.dma), s.notificationsPerBuffer)
	return s, nil
}

// AllocateBuffer (re)creates the virtual buffer. It is only valid in Stop.
// The size is rounded down to whole blocks; the rounded size is returned.
func (s *Session) AllocateBuffer(requested, notifications uint32) (uint32, error) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	if s.closed.Load() {
		return 0, ErrNotReady
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateStop {
		return 0, fmt.Errorf("allocate buffer in %s: %w", state, ErrInvalidState)
	}

	align := uint32(s.format.BlockAlign)
	if requested == 0 || requested < align {
		return 0, fmt.Errorf("buffer size %d below block alignment %d: %w", requested, align, ErrInvalidParameter)
	}
	if notifications > 0 && requested%notifications != 0 {
		return 0, fmt.Errorf("buffer size %d not divisible into %d packets: %w", requested, notifications, ErrInvalidParameter)
	}
	size := requested - requested%align

	var interval time.Duration
	if notifications > 0 {
		bufferMs := uint64(size) * 1000 / uint64(s.format.AvgBytesPerSec)
		interval = time.Duration(bufferMs/uint64(notifications)) * time.Millisecond
		if interval == 0 {
			return 0, fmt.Errorf("notification interval rounds to zero: %w", ErrInvalidParameter)
		}
		if s.tickPeriod >= interval {
			return 0, fmt.Errorf("tick period %s not finer than notification interval %s: %w",
				s.tickPeriod, interval, ErrInvalidParameter)
		}
	}

	s.xferMu.Lock()
	s.mu.Lock()
	s.dma = make([]byte, size)
	s.scratch = make([]byte, size)
	s.notificationsPerBuffer = notifications
	s.notificationInterval = interval
	s.engine = newPositionEngine(uint64(s.format.AvgBytesPerSec), uint64(size), s.direction == Render)
	s.mu.Unlock()
	s.xferMu.Unlock()

	return size, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Direction returns the direction the session moves audio.
func (s *Session) Direction() Direction { return s.direction }

// Format returns the session format.
func (s *Session) Format() Format { return s.format }

// Transport returns the ring the session exchanges audio through.
func (s *Session) Transport() *ring.Buffer { return s.transport }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BufferSize returns the virtual buffer size in bytes.
func (s *Session) BufferSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(len(s.dma))
}

// NotificationInterval returns the time between buffer-completion
// notifications, or 0 in polled mode.
func (s *Session) NotificationInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notificationInterval
}

// PacketSize returns the size of one packet, or 0 in polled mode.
func (s *Session) PacketSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetSizeLocked()
}

func (s *Session) packetSizeLocked() uint32 {
	if s.notificationsPerBuffer == 0 {
		return 0
	}
	return uint32(len(s.dma)) / s.notificationsPerBuffer
}

// Stats returns the running glitch totals.
func (s *Session) Stats() Stats {
	return Stats{
		Underruns:         s.stats.underruns.Load(),
		DroppedPackets:    s.stats.droppedPackets.Load(),
		DuplicateCommits:  s.stats.duplicateCommits.Load(),
		BackpressureBytes: s.stats.backpressureBytes.Load(),
		SilenceBytes:      s.stats.silenceBytes.Load(),
		Notifications:     s.stats.notifications.Load(),
	}
}

// Describe returns a listing entry for the session.
func (s *Session) Describe() Info {
	s.mu.Lock()
	info := Info{
		ID:                     s.id,
		Direction:              s.direction.String(),
		Format:                 s.format,
		State:                  s.state.String(),
		BufferSize:             uint32(len(s.dma)),
		NotificationsPerBuffer: s.notificationsPerBuffer,
		PacketSize:             s.packetSizeLocked(),
	}
	s.mu.Unlock()

	info.TransportCapacity = s.transport.Capacity()
	info.TransportUsed = s.transport.UsedSpace()
	return info
}

// InjectAudio writes capture bytes into the transport. The write is all or
// nothing.
func (s *Session) InjectAudio(p []byte) (int, error) {
	if s.closed.Load() || s.direction != Capture {
		return 0, ErrNotReady
	}
	return s.transport.Write(p)
}

// ExtractAudio drains render bytes from the transport into dest and returns
// how many were real audio. The rest of dest is silence. Zero bytes with a
// nil error means nothing was available yet.
func (s *Session) ExtractAudio(dest []byte) (int, error) {
	if s.closed.Load() || s.direction != Render {
		return 0, ErrNotReady
	}
	if len(dest) == 0 {
		return 0, ErrInvalidParameter
	}

	n, err := s.transport.Read(dest, true)
	if errors.Is(err, ErrNoMoreEntries) {
		clear(dest)
		return 0, nil
	}
	return n, err
}

// CopyToBuffer writes producer audio into the virtual buffer at offset.
func (s *Session) CopyToBuffer(offset uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(offset)+uint64(len(p)) > uint64(len(s.dma)) {
		return fmt.Errorf("copy %d bytes at %d into %d byte buffer: %w", len(p), offset, len(s.dma), ErrInvalidParameter)
	}
	copy(s.dma[offset:], p)
	return nil
}

// CopyFromBuffer reads captured audio out of the virtual buffer at offset.
func (s *Session) CopyFromBuffer(offset uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(offset)+uint64(len(p)) > uint64(len(s.dma)) {
		return fmt.Errorf("copy %d bytes at %d from %d byte buffer: %w", len(p), offset, len(s.dma), ErrInvalidParameter)
	}
	copy(p, s.dma[offset:])
	return nil
}

// RegisterWaiter adds a buffer-completion waiter. A nil or non-comparable
// handle fails with ErrInvalidParameter, a second registration of the same
// handle with ErrExists.
func (s *Session) RegisterWaiter(w Waiter) error {
	if err := s.requireEventDriven(); err != nil {
		return err
	}
	return s.waiters.add(w)
}

// UnregisterWaiter removes a waiter added with RegisterWaiter.
func (s *Session) UnregisterWaiter(w Waiter) error {
	if err := s.requireEventDriven(); err != nil {
		return err
	}
	return s.waiters.remove(w)
}

func (s *Session) requireEventDriven() error {
	if s.closed.Load() {
		return ErrNotReady
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notificationsPerBuffer == 0 {
		return ErrNotSupported
	}
	return nil
}

// GetPositions advances the virtual hardware when running and returns the
// resulting snapshot.
func (s *Session) GetPositions() (Positions, error) {
	if s.closed.Load() {
		return Positions{}, ErrNotReady
	}
	pos, _ := s.refresh()
	return pos, nil
}

// GetPosition returns the wrapped play and write offsets into the virtual
// buffer.
func (s *Session) GetPosition() (play, write uint64, err error) {
	pos, err := s.GetPositions()
	if err != nil {
		return 0, 0, err
	}
	return pos.Play, pos.Write, nil
}

// PresentationPosition is the presentation position in audio blocks
// (frames) with the time it was sampled.
type PresentationPosition struct {
	Blocks    uint64
	QueryTime time.Duration
}

// GetPresentationPosition reports how many frames have logically played.
// Event-driven mode only.
func (s *Session) GetPresentationPosition() (PresentationPosition, error) {
	if err := s.requireEventDriven(); err != nil {
		return PresentationPosition{}, err
	}
	pos, _ := s.refresh()
	return PresentationPosition{
		Blocks:    pos.Presentation / uint64(s.format.BlockAlign),
		QueryTime: pos.QueryTime,
	}, nil
}

// refresh advances the position if the session is running and returns the
// snapshot and cursor taken right after.
func (s *Session) refresh() (Positions, PacketCursor) {
	s.xferMu.Lock()
	defer s.xferMu.Unlock()

	s.mu.Lock()
	now := s.clock.Now()
	var plan transferPlan
	if s.state == StateRun {
		plan = s.engine.advance(now, &s.cursor)
	}
	pos := s.engine.snapshot(now)
	cur := s.cursor
	s.mu.Unlock()

	s.transfer(plan, now)
	return pos, cur
}

// tick is the notification scheduler callback. It returns false to end the
// schedule once the last buffer before EOS has been rendered.
func (s *Session) tick() bool {
	s.xferMu.Lock()
	defer s.xferMu.Unlock()

	s.mu.Lock()
	now := s.clock.Now()

	completed := false
	elapsed := now - s.lastNotified + s.notifyCarry
	if elapsed >= s.notificationInterval {
		s.notifyCarry = elapsed - s.notificationInterval
		s.lastNotified = now
		completed = true
	}

	if !completed && !s.cursor.EndOfStream {
		s.mu.Unlock()
		return true
	}

	plan := s.engine.advance(now, &s.cursor)
	if !s.cursor.EndOfStream {
		s.cursor.Counter++
	}

	running := s.state == StateRun
	underrun := false
	signal := false
	if running {
		underrun = !s.positionTouched.Swap(false) && !s.cursor.EndOfStream
		signal = completed || s.cursor.LastBufferRendered
	}
	finished := running && s.cursor.LastBufferRendered
	s.mu.Unlock()

	s.transfer(plan, now)

	if underrun {
		s.stats.underruns.Add(1)
		s.report(DiagUnderrun, plan.linear, plan.write, 1, now)
	}
	if signal && s.waiters.signalAll() {
		s.stats.notifications.Add(1)
	}

	return !finished
}

// transfer moves the bytes an advance accounted for between the virtual
// buffer and the transport. Caller holds xferMu and not mu.
func (s *Session) transfer(plan transferPlan, now time.Duration) {
	if plan.rendered {
		s.report(DiagEndOfStreamRendered, plan.linear, plan.write, plan.linear, now)
	}
	if plan.n == 0 {
		return
	}

	size := uint64(len(s.dma))
	off := plan.offset
	remaining := plan.n
	var silence, dropped uint64

	for remaining > 0 {
		k := min(remaining, uint64(len(s.scratch)), size-off)
		chunk := s.scratch[:k]

		if s.direction == Capture {
			n, err := s.transport.Read(chunk, false)
			if err != nil {
				n = 0
			}
			if uint64(n) < k {
				clear(chunk[n:])
				silence += k - uint64(n)
			}
			s.mu.Lock()
			copy(s.dma[off:off+k], chunk)
			s.mu.Unlock()
		} else {
			s.mu.Lock()
			copy(chunk, s.dma[off:off+k])
			s.mu.Unlock()

			w := min(uint64(s.transport.FreeSpace()), k)
			if w > 0 {
				if _, err := s.transport.Write(chunk[:w]); err != nil {
					w = 0
				}
			}
			if w < k {
				dropped = remaining - w
				break
			}
		}

		off = (off + k) % size
		remaining -= k
	}

	if silence > 0 {
		s.stats.silenceBytes.Add(silence)
		if !s.starved {
			s.report(DiagCaptureSilence, plan.linear, plan.write, silence, now)
		}
	}
	s.starved = silence > 0

	if dropped > 0 {
		s.stats.backpressureBytes.Add(dropped)
		if !s.blocked {
			s.report(DiagBackpressure, plan.linear, plan.write, dropped, now)
		}
	}
	s.blocked = dropped > 0
}

func (s *Session) report(kind DiagnosticKind, linear uint64, write uint32, value uint64, at time.Duration) {
	s.diag.enqueue(Diagnostic{
		Session:        s.id,
		Kind:           kind,
		LinearPosition: linear,
		WritePosition:  write,
		Value:          value,
		At:             at,
	})
}

// Close stops the stream, waits for the scheduler to finish and releases
// the session. Closing twice is a no-op.
func (s *Session) Close() error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	if s.closed.Load() {
		return nil
	}

	for {
		state := s.State()
		if state == StateStop {
			break
		}
		if err := s.transition(state - 1); err != nil {
			return fmt.Errorf("close %s: %w", s.id, err)
		}
	}

	s.sched.stop()
	s.closed.Store(true)
	s.waiters.clear()

	s.log.Infof("[%s] closed", s.id)
	return nil
}
