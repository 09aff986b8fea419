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
	"time"
)

// DefaultTickPeriod is how often the notification scheduler wakes up. It is
// much finer than any notification interval so buffer boundaries are seen
// promptly.
const DefaultTickPeriod = time.Millisecond

// scheduler runs a tick function on a fixed period on its own goroutine. The
// tick stops the schedule itself by returning false.
//
// stop is synchronous: once it returns, no tick is running or will run.
type scheduler struct {
	period time.Duration
	tick   func() bool

	mu   sync.Mutex
	quit chan struct{}
	done chan struct{}
}

func newScheduler(period time.Duration, tick func() bool) *scheduler {
	if period <= 0 {
		period = DefaultTickPeriod
	}
	return &scheduler{period: period, tick: tick}
}

// start arms the schedule. Starting a running schedule does nothing.
func (s *scheduler) start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
			// The tick ended the previous run on its own.
		default:
			return
		}
	}

	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.quit, s.done)
}

// stop cancels the schedule and waits for an in-flight tick to finish. It
// must not be called from the tick.
func (s *scheduler) stop() {
	s.mu.Lock()
	quit, done := s.quit, s.done
	s.quit, s.done = nil, nil
	s.mu.Unlock()

	if quit == nil {
		return
	}
	close(quit)
	<-done
}

// running reports whether ticks are still being delivered.
func (s *scheduler) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *scheduler) loop(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(s.period)
	defer t.Stop()

	for {
		select {
		case <-quit:
			return
		case <-t.C:
			// A tick may already be queued when quit closes.
			select {
			case <-quit:
				return
			default:
			}
			if !s.tick() {
				return
			}
		}
	}
}
