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
	"reflect"
	"sync"
)

// Waiter is signaled once per completed buffer in event-driven mode. Signal
// is called from the tick and must return immediately. Handles are compared
// by identity, so the dynamic type must be comparable; pointers are typical.
type Waiter interface {
	Signal()
}

// Event is an auto-reset notification event. Signals that arrive while one is
// already pending are coalesced.
type Event struct {
	ch chan struct{}
}

// NewEvent creates an unsignaled event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{}, 1)}
}

// Signal sets the event without blocking.
func (e *Event) Signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// C returns a channel that receives once per pending signal.
func (e *Event) C() <-chan struct{} {
	return e.ch
}

// waiterSet keeps registration order in a slice for allocation-free
// iteration and an index map for O(1) duplicate detection.
type waiterSet struct {
	mu      sync.RWMutex
	entries []Waiter
	index   map[Waiter]int
}

func newWaiterSet() *waiterSet {
	return &waiterSet{index: make(map[Waiter]int)}
}

func (w *waiterSet) add(h Waiter) error {
	if !comparableHandle(h) {
		return ErrInvalidParameter
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.index[h]; ok {
		return ErrExists
	}
	w.index[h] = len(w.entries)
	w.entries = append(w.entries, h)
	return nil
}

func (w *waiterSet) remove(h Waiter) error {
	if !comparableHandle(h) {
		return ErrNotFound
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	i, ok := w.index[h]
	if !ok {
		return ErrNotFound
	}

	last := len(w.entries) - 1
	if i != last {
		moved := w.entries[last]
		w.entries[i] = moved
		w.index[moved] = i
	}
	w.entries[last] = nil
	w.entries = w.entries[:last]
	delete(w.index, h)
	return nil
}

// comparableHandle reports whether h can be used as a map key. A func or a
// struct holding a slice would panic on insert.
func comparableHandle(h Waiter) bool {
	return h != nil && reflect.TypeOf(h).Comparable()
}

func (w *waiterSet) len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// signalAll returns whether anyone was signaled.
func (w *waiterSet) signalAll() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, h := range w.entries {
		h.Signal()
	}
	return len(w.entries) > 0
}

func (w *waiterSet) clear() {
	w.mu.Lock()
	clear(w.index)
	clear(w.entries)
	w.entries = w.entries[:0]
	w.mu.Unlock()
}
