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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-vaudio/internal/registry"
	"github.com/loqalabs/loqa-vaudio/internal/stream"
)

const (
	// DefaultExtractSize is used when an extract request names no size.
	DefaultExtractSize = 4096
	// MaxExtractSize bounds a single HTTP extract.
	MaxExtractSize = 1 << 20
	// MaxInjectSize bounds a single HTTP inject body.
	MaxInjectSize = 1 << 20
)

// PositionsResponse is the JSON form of a session's position snapshot. It is
// also the payload of Status frames.
type PositionsResponse struct {
	Session            string       `json:"session"`
	State              string       `json:"state"`
	Linear             uint64       `json:"linear"`
	Presentation       uint64       `json:"presentation"`
	Play               uint64       `json:"play"`
	Write              uint64       `json:"write"`
	DMATimestampUs     int64        `json:"dma_timestamp_us"`
	QueryTimeUs        int64        `json:"query_time_us"`
	Packets            uint64       `json:"packets"`
	EndOfStream        bool         `json:"end_of_stream"`
	LastBufferRendered bool         `json:"last_buffer_rendered"`
	Stats              stream.Stats `json:"stats"`
}

type stateRequest struct {
	State string `json:"state"`
}

type endOfStreamRequest struct {
	Position uint32 `json:"position"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Server exposes the registry's boundary operations over HTTP and a binary
// frame WebSocket.
type Server struct {
	reg      *registry.Registry
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewServer builds the bridge handler for a registry.
func NewServer(reg *registry.Registry) *Server {
	s := &Server{
		reg: reg,
		mux: http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  MaxFrameSize,
			WriteBufferSize: MaxFrameSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /sessions", s.handleList)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleDescribe)
	s.mux.HandleFunc("POST /sessions/{id}/inject", s.handleInject)
	s.mux.HandleFunc("GET /sessions/{id}/extract", s.handleExtract)
	s.mux.HandleFunc("GET /sessions/{id}/positions", s.handlePositions)
	s.mux.HandleFunc("PUT /sessions/{id}/state", s.handleState)
	s.mux.HandleFunc("POST /sessions/{id}/eos", s.handleEndOfStream)
	s.mux.HandleFunc("GET /sessions/{id}/stream", s.handleStream)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.reg.List()),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions := s.reg.List()
	infos := make([]stream.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Describe())
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Describe())
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxInjectSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, fmt.Errorf("inject body over %d bytes: %w", MaxInjectSize, stream.ErrBufferOverflow))
			return
		}
		writeError(w, fmt.Errorf("read inject body: %w", stream.ErrInvalidParameter))
		return
	}

	n, err := s.reg.InjectAudio(r.PathValue("id"), data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"written": n})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	size := DefaultExtractSize
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > MaxExtractSize {
			writeError(w, fmt.Errorf("max %q: %w", v, stream.ErrInvalidParameter))
			return
		}
		size = n
	}

	buf := make([]byte, size)
	n, err := s.reg.ExtractAudio(r.PathValue("id"), buf)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("X-Audio-Bytes", strconv.Itoa(n))
	if n == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf[:n]); err != nil {
		log.Printf("⚠️ Failed to write extract response: %v", err)
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	sess, err := s.reg.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp, err := positionsFor(sess)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode state request: %w", stream.ErrInvalidParameter))
		return
	}
	state, err := stream.ParseState(req.State)
	if err != nil {
		writeError(w, err)
		return
	}

	id := r.PathValue("id")
	if err := s.reg.SetState(id, state); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("🎛️ Session %s -> %s", id, state)
	writeJSON(w, http.StatusOK, stateRequest{State: state.String()})
}

func (s *Server) handleEndOfStream(w http.ResponseWriter, r *http.Request) {
	var req endOfStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode eos request: %w", stream.ErrInvalidParameter))
		return
	}

	sess, err := s.reg.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.SetEndOfStream(req.Position); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.reg.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ WebSocket upgrade failed for %s: %v", id, err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("⚠️ Failed to close stream for %s: %v", id, err)
		}
	}()

	sc := &streamConn{conn: conn, sess: sess, hash: SessionHash(id)}
	log.Printf("🔌 Stream connected: %s (%s)", id, sess.Direction())

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	// Event-driven render sessions push audio once per completed buffer.
	if sess.Direction() == stream.Render {
		ev := stream.NewEvent()
		if err := sess.RegisterWaiter(ev); err == nil {
			defer func() { _ = sess.UnregisterWaiter(ev) }()
			wg.Add(1)
			go func() {
				defer wg.Done()
				sc.pushRender(ctx, ev)
			}()
		}
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("⚠️ Stream read error for %s: %v", id, err)
			}
			log.Printf("🔌 Stream disconnected: %s", id)
			return
		}

		frame, err := DeserializeFrame(msg)
		if err != nil {
			err = fmt.Errorf("%v: %w", err, stream.ErrInvalidParameter)
		} else {
			err = sc.handle(frame)
		}
		if err != nil {
			if sendErr := sc.send(FrameTypeError, ErrorPayload(err)); sendErr != nil {
				return
			}
		}
	}
}

// streamConn is one WebSocket stream bound to a session. Writes come from
// the read loop and the render pusher, so they are serialized.
type streamConn struct {
	conn *websocket.Conn
	sess *stream.Session
	hash uint32

	writeMu  sync.Mutex
	sequence uint32
}

func (c *streamConn) handle(f *Frame) error {
	switch f.Type {
	case FrameTypeAudioData:
		_, err := c.sess.InjectAudio(f.Data)
		return err

	case FrameTypeExtract:
		limit, err := ParseUint32Payload(f.Data)
		if err != nil {
			return fmt.Errorf("extract: %v: %w", err, stream.ErrInvalidParameter)
		}
		if limit == 0 || limit > MaxDataSize {
			limit = MaxDataSize
		}
		buf := make([]byte, limit)
		n, err := c.sess.ExtractAudio(buf)
		if err != nil {
			return err
		}
		return c.send(FrameTypeAudioData, buf[:n])

	case FrameTypeAudioEnd:
		pos, err := ParseUint32Payload(f.Data)
		if err != nil {
			return fmt.Errorf("audio end: %v: %w", err, stream.ErrInvalidParameter)
		}
		return c.sess.SetEndOfStream(pos)

	case FrameTypeHeartbeat:
		return c.send(FrameTypeHeartbeat, nil)

	case FrameTypeHandshake:
		resp, err := positionsFor(c.sess)
		if err != nil {
			return err
		}
		payload, err := StatusPayload(resp)
		if err != nil {
			return err
		}
		return c.send(FrameTypeStatus, payload)
	}
	return fmt.Errorf("unexpected %s frame: %w", f.Type, stream.ErrInvalidParameter)
}

func (c *streamConn) pushRender(ctx context.Context, ev *stream.Event) {
	buf := make([]byte, MaxDataSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ev.C():
		}

		for {
			n, err := c.sess.ExtractAudio(buf)
			if err != nil || n == 0 {
				break
			}
			if err := c.send(FrameTypeAudioData, buf[:n]); err != nil {
				return
			}
		}
	}
}

func (c *streamConn) send(t FrameType, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.sequence++
	frame := NewFrame(t, c.hash, c.sequence, uint64(time.Now().UnixMicro()), data) //nolint:gosec // positive wall clock
	payload, err := frame.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize frame: %w", err)
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func positionsFor(sess *stream.Session) (*PositionsResponse, error) {
	pos, err := sess.GetPositions()
	if err != nil {
		return nil, err
	}
	cur := sess.Cursor()
	return &PositionsResponse{
		Session:            sess.ID(),
		State:              sess.State().String(),
		Linear:             pos.Linear,
		Presentation:       pos.Presentation,
		Play:               pos.Play,
		Write:              pos.Write,
		DMATimestampUs:     pos.DMATimestamp.Microseconds(),
		QueryTimeUs:        pos.QueryTime.Microseconds(),
		Packets:            cur.Counter,
		EndOfStream:        cur.EndOfStream,
		LastBufferRendered: cur.LastBufferRendered,
		Stats:              sess.Stats(),
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("⚠️ Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusCode(err), errorResponse{Error: err.Error(), Code: errorName(err)})
}
