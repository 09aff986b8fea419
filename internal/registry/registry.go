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

package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/loqalabs/loqa-vaudio/internal/stream"
)

// ErrExists is returned when opening a session under an id already in use.
var ErrExists = stream.ErrExists

// Registry owns every open session and routes boundary calls to them by id.
type Registry struct {
	log  slog.Logger
	opts []stream.Option

	mu       sync.RWMutex
	sessions map[string]*stream.Session
	closed   bool
}

// New creates an empty registry. opts are applied to every session it opens.
func New(log slog.Logger, opts ...stream.Option) *Registry {
	if log == nil {
		log = slog.Disabled
	}
	return &Registry{
		log:      log,
		opts:     opts,
		sessions: make(map[string]*stream.Session),
	}
}

// Open creates and registers a session. An empty id gets a random UUID.
func (r *Registry) Open(cfg stream.Config) (*stream.Session, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, stream.ErrNotReady
	}
	if _, ok := r.sessions[cfg.ID]; ok {
		return nil, fmt.Errorf("open %q: %w", cfg.ID, ErrExists)
	}

	s, err := stream.Open(cfg, r.opts...)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", cfg.ID, err)
	}
	r.sessions[cfg.ID] = s
	r.log.Infof("Registered %s session %s", cfg.Direction, cfg.ID)
	return s, nil
}

// Get returns the session registered under id, or stream.ErrNotReady.
func (r *Registry) Get(id string) (*stream.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, stream.ErrNotReady)
	}
	return s, nil
}

// List returns the sessions sorted by id.
func (r *Registry) List() []*stream.Session {
	r.mu.RLock()
	out := make([]*stream.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// InjectAudio writes capture audio into the session's transport.
func (r *Registry) InjectAudio(id string, p []byte) (int, error) {
	s, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	return s.InjectAudio(p)
}

// ExtractAudio drains render audio from the session's transport.
func (r *Registry) ExtractAudio(id string, dest []byte) (int, error) {
	s, err := r.Get(id)
	if err != nil {
		return 0, err
	}
	return s.ExtractAudio(dest)
}

// SetState changes the run state of a session.
func (r *Registry) SetState(id string, state stream.State) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.SetState(state)
}

// Close unregisters and closes one session.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %q: %w", id, stream.ErrNotReady)
	}
	r.log.Infof("Closing session %s", id)
	return s.Close()
}

// Shutdown closes every session and refuses new ones.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[string]*stream.Session)
	r.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", id, err))
		}
	}
	r.log.Infof("Shut down %d sessions", len(sessions))
	return errors.Join(errs...)
}
