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
	"strings"
)

// State is the stream run state. Transitions only move between adjacent
// states: Stop <-> Acquire <-> Pause <-> Run.
type State uint8

const (
	StateStop State = iota
	StateAcquire
	StatePause
	StateRun
)

func (s State) String() string {
	switch s {
	case StateStop:
		return "stop"
	case StateAcquire:
		return "acquire"
	case StatePause:
		return "pause"
	case StateRun:
		return "run"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseState accepts the names String produces, case-insensitively.
func ParseState(name string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "stop":
		return StateStop, nil
	case "acquire":
		return StateAcquire, nil
	case "pause":
		return StatePause, nil
	case "run":
		return StateRun, nil
	}
	return 0, fmt.Errorf("unknown state %q: %w", name, ErrInvalidParameter)
}

// SetState moves the stream to an adjacent state. Setting the current state
// again succeeds without doing anything.
func (s *Session) SetState(to State) error {
	if to > StateRun {
		return fmt.Errorf("set state %s: %w", to, ErrInvalidParameter)
	}

	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	if s.closed.Load() {
		return ErrNotReady
	}
	return s.transition(to)
}

// transition runs one state change. Caller holds ctlMu.
func (s *Session) transition(to State) error {
	from := s.State()
	if from == to {
		return nil
	}
	if to != from+1 && to+1 != from {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidState)
	}

	switch to {
	case StateStop:
		// Waiting on xferMu lets an in-flight transfer finish before the
		// positions it planned against are thrown away.
		s.xferMu.Lock()
		s.mu.Lock()
		s.engine.reset()
		s.cursor = newPacketCursor()
		s.notifyCarry = 0
		s.lastNotified = 0
		s.state = StateStop
		s.mu.Unlock()
		s.starved, s.blocked = false, false
		s.xferMu.Unlock()
		s.positionTouched.Store(false)

	case StateAcquire:
		s.mu.Lock()
		s.state = StateAcquire
		s.mu.Unlock()

	case StatePause:
		if from == StateRun {
			s.sched.stop()

			s.mu.Lock()
			if s.notificationsPerBuffer > 0 {
				if now := s.clock.Now(); now > s.lastNotified {
					s.notifyCarry += now - s.lastNotified
				}
			}
			s.mu.Unlock()
		}
		// Still in the old state so a stream coming out of Run gets its
		// final advance.
		s.refresh()

		s.mu.Lock()
		s.state = StatePause
		s.mu.Unlock()

	case StateRun:
		s.mu.Lock()
		now := s.clock.Now()
		s.engine.start(now)
		s.lastNotified = now
		s.state = StateRun
		eventDriven := s.notificationsPerBuffer > 0
		s.mu.Unlock()

		if eventDriven {
			s.sched.start()
		}
	}

	s.report(DiagStateChange, 0, 0, uint64(to), s.clock.Now())
	s.log.Debugf("[%s] %s -> %s", s.id, from, to)
	return nil
}
