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
	"time"
)

// PacketFlags qualify a committed packet.
type PacketFlags uint32

// FlagEndOfStream marks a packet as the last one. It is rejected here; use
// SetEndOfStream with the final byte position instead.
const FlagEndOfStream PacketFlags = 1 << 0

// ReadPacket is the newest completed capture packet.
type ReadPacket struct {
	Number    uint32
	Timestamp time.Duration // clock time the packet completed
	MoreData  bool          // always false: one packet per notification
}

// GetReadPacket hands the newest completed packet to the consumer. Packets
// the consumer skipped since its last read are reported as dropped.
func (s *Session) GetReadPacket() (ReadPacket, error) {
	if s.closed.Load() {
		return ReadPacket{}, ErrNotReady
	}

	s.mu.Lock()
	if s.notificationsPerBuffer == 0 {
		s.mu.Unlock()
		return ReadPacket{}, ErrNotSupported
	}
	if s.state < StatePause {
		state := s.state
		s.mu.Unlock()
		return ReadPacket{}, fmt.Errorf("read packet in %s: %w", state, ErrInvalidState)
	}

	// Counter 0 wraps to noPacket, which equals the initial LastRead.
	available := uint32(s.cursor.Counter - 1)
	if available == s.cursor.LastRead {
		s.mu.Unlock()
		return ReadPacket{}, ErrWouldBlock
	}

	dropped := available - s.cursor.LastRead - 1
	packetSize := uint64(s.packetSizeLocked())
	ts := s.engine.packetTimestamp(s.cursor.Counter, packetSize)
	s.cursor.LastRead = available
	linear := s.engine.linear
	write := s.cursor.WritePosition
	s.mu.Unlock()

	s.positionTouched.Store(true)
	if dropped > 0 {
		s.stats.droppedPackets.Add(uint64(dropped))
		s.report(DiagDroppedPackets, linear, write, uint64(dropped), s.clock.Now())
	}

	return ReadPacket{Number: available, Timestamp: ts}, nil
}

// SetWritePacket commits render packet n. The producer must commit packets
// strictly in sequence; the expected number depends on the state and the
// pause policy.
func (s *Session) SetWritePacket(n uint32, flags PacketFlags) error {
	if s.closed.Load() {
		return ErrNotReady
	}

	s.mu.Lock()
	if s.notificationsPerBuffer == 0 {
		s.mu.Unlock()
		return ErrNotSupported
	}
	if s.cursor.EndOfStream {
		s.mu.Unlock()
		return fmt.Errorf("write packet %d after end of stream: %w", n, ErrInvalidState)
	}

	expected := uint32(s.cursor.Counter)
	if s.state == StateRun || (s.state == StatePause && s.pausePolicy == PauseExpectRunning) {
		expected++
	}

	switch delta := int32(n - expected); {
	case delta < 0:
		s.mu.Unlock()
		return fmt.Errorf("write packet %d, expected %d: %w", n, expected, ErrDataLate)
	case delta > 0:
		s.mu.Unlock()
		return fmt.Errorf("write packet %d, expected %d: %w", n, expected, ErrDataOverrun)
	}

	if flags&FlagEndOfStream != 0 {
		s.mu.Unlock()
		return fmt.Errorf("end of stream flag on packet %d: %w", n, ErrInvalidParameter)
	}

	pos := (n % s.notificationsPerBuffer) * s.packetSizeLocked()
	prev := s.cursor.WritePosition
	duplicate := prev == pos && s.cursor.LastWrite != noPacket
	s.cursor.WritePosition = pos
	s.cursor.LastWrite = n
	linear := s.engine.linear
	s.mu.Unlock()

	s.positionTouched.Store(true)

	now := s.clock.Now()
	s.report(DiagWritePosition, linear, prev, uint64(pos), now)
	if duplicate {
		s.stats.duplicateCommits.Add(1)
		s.report(DiagDuplicateCommit, linear, pos, uint64(n), now)
	}
	return nil
}

// SetEndOfStream marks the byte position in the render buffer where the
// stream ends. The position stops there and waiters get one final signal.
func (s *Session) SetEndOfStream(position uint32) error {
	if s.closed.Load() {
		return ErrNotReady
	}
	if s.direction != Render {
		return fmt.Errorf("end of stream on %s session: %w", s.direction, ErrNotSupported)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor.EndOfStream {
		return fmt.Errorf("end of stream already set: %w", ErrInvalidState)
	}
	if position > uint32(len(s.dma)) {
		return fmt.Errorf("end of stream %d past %d byte buffer: %w", position, len(s.dma), ErrInvalidParameter)
	}
	s.cursor.WritePosition = position
	s.cursor.EndOfStream = true
	return nil
}

// GetPacketCount returns the number of packets completed since Run, after
// bringing the position up to date.
func (s *Session) GetPacketCount() (uint64, error) {
	if s.closed.Load() {
		return 0, ErrNotReady
	}
	_, cur := s.refresh()
	return cur.Counter, nil
}

// Cursor returns a copy of the packet handshake state.
func (s *Session) Cursor() PacketCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
