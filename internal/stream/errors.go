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

	"github.com/loqalabs/loqa-vaudio/internal/ring"
)

// Transport errors are shared with the ring package so callers can test any
// layer's result with errors.Is against these values.
var (
	ErrInvalidParameter      = ring.ErrInvalidParameter
	ErrInsufficientResources = ring.ErrInsufficientResources
	ErrBufferOverflow        = ring.ErrBufferOverflow
	ErrNoMoreEntries         = ring.ErrNoMoreEntries
)

var (
	// ErrWouldBlock means no new packet is ready yet. Retry later.
	ErrWouldBlock = errors.New("stream: would block")

	// ErrInvalidState means the operation is not valid in the current state.
	ErrInvalidState = errors.New("stream: invalid state")

	// ErrDataLate means a packet commit arrived for a packet already in flight.
	ErrDataLate = errors.New("stream: data late")

	// ErrDataOverrun means a packet commit skipped ahead of the expected packet.
	ErrDataOverrun = errors.New("stream: data overrun")

	// ErrNotSupported means the operation needs event-driven mode or the
	// other stream direction.
	ErrNotSupported = errors.New("stream: not supported")

	// ErrExists means the waiter or session is already registered.
	ErrExists = errors.New("stream: already exists")

	// ErrNotFound means the waiter was never registered.
	ErrNotFound = errors.New("stream: not found")

	// ErrNotReady means the session or its transport does not exist.
	ErrNotReady = errors.New("stream: not ready")
)
