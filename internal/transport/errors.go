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

package transport

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/loqalabs/loqa-vaudio/internal/stream"
)

// wireError ties a stream error to its numeric frame code, its JSON name and
// its HTTP status.
type wireError struct {
	code   uint16
	name   string
	err    error
	status int
}

var wireErrors = []wireError{
	{1, "invalid_parameter", stream.ErrInvalidParameter, http.StatusBadRequest},
	{2, "insufficient_resources", stream.ErrInsufficientResources, http.StatusInsufficientStorage},
	{3, "buffer_overflow", stream.ErrBufferOverflow, http.StatusInsufficientStorage},
	{4, "would_block", stream.ErrWouldBlock, http.StatusConflict},
	{5, "invalid_state", stream.ErrInvalidState, http.StatusConflict},
	{6, "data_late", stream.ErrDataLate, http.StatusConflict},
	{7, "data_overrun", stream.ErrDataOverrun, http.StatusConflict},
	{8, "not_supported", stream.ErrNotSupported, http.StatusNotImplemented},
	{9, "not_found", stream.ErrNotFound, http.StatusNotFound},
	{10, "not_ready", stream.ErrNotReady, http.StatusNotFound},
	{11, "exists", stream.ErrExists, http.StatusConflict},
}

const codeInternal = 0xFFFF

func lookupError(err error) (wireError, bool) {
	for _, we := range wireErrors {
		if errors.Is(err, we.err) {
			return we, true
		}
	}
	return wireError{}, false
}

// ErrorCode returns the frame code for err.
func ErrorCode(err error) uint16 {
	if we, ok := lookupError(err); ok {
		return we.code
	}
	return codeInternal
}

// StatusCode returns the HTTP status for err.
func StatusCode(err error) int {
	if we, ok := lookupError(err); ok {
		return we.status
	}
	return http.StatusInternalServerError
}

func errorName(err error) string {
	if we, ok := lookupError(err); ok {
		return we.name
	}
	return "internal"
}

// remoteError rebuilds an error received over the wire.
func remoteError(code uint16, msg string) error {
	for _, we := range wireErrors {
		if we.code == code {
			return fmt.Errorf("remote: %s: %w", msg, we.err)
		}
	}
	return fmt.Errorf("remote: %s", msg)
}

func remoteNamedError(name, msg string) error {
	for _, we := range wireErrors {
		if we.name == name {
			return remoteError(we.code, msg)
		}
	}
	return fmt.Errorf("remote: %s", msg)
}
