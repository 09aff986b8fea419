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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-vaudio/internal/stream"
)

// BridgeClient talks to a bridge Server over HTTP. Remote failures come back
// wrapping the matching stream sentinel.
type BridgeClient struct {
	baseURL string
	client  *http.Client
}

// NewBridgeClient creates a client for the bridge at baseURL
// (e.g. "http://127.0.0.1:8780").
func NewBridgeClient(baseURL string) *BridgeClient {
	return &BridgeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

// Sessions lists the bridge's sessions.
func (c *BridgeClient) Sessions(ctx context.Context) ([]stream.Info, error) {
	var infos []stream.Info
	if err := c.doJSON(ctx, http.MethodGet, "/sessions", nil, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// Inject writes capture audio into a session.
func (c *BridgeClient) Inject(ctx context.Context, id string, audio []byte) (int, error) {
	var resp struct {
		Written int `json:"written"`
	}
	path := "/sessions/" + url.PathEscape(id) + "/inject"
	if err := c.do(ctx, http.MethodPost, path, "application/octet-stream", bytes.NewReader(audio), &resp); err != nil {
		return 0, err
	}
	return resp.Written, nil
}

// Extract drains up to limit bytes of render audio. An empty result means
// nothing was available.
func (c *BridgeClient) Extract(ctx context.Context, id string, limit int) ([]byte, error) {
	path := "/sessions/" + url.PathEscape(id) + "/extract?max=" + strconv.Itoa(limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to extract audio: %w", err)
	}
	defer closeBody(resp)

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	}
	return nil, decodeError(resp)
}

// Positions returns the session's position snapshot.
func (c *BridgeClient) Positions(ctx context.Context, id string) (*PositionsResponse, error) {
	var resp PositionsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id)+"/positions", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetState moves a session to an adjacent state.
func (c *BridgeClient) SetState(ctx context.Context, id string, state stream.State) error {
	return c.doJSON(ctx, http.MethodPut, "/sessions/"+url.PathEscape(id)+"/state",
		stateRequest{State: state.String()}, nil)
}

// SetEndOfStream commits the end-of-stream position of a render session.
func (c *BridgeClient) SetEndOfStream(ctx context.Context, id string, position uint32) error {
	return c.doJSON(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/eos",
		endOfStreamRequest{Position: position}, nil)
}

func (c *BridgeClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, "application/json", body, out)
}

func (c *BridgeClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Code == "" {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return remoteNamedError(e.Code, e.Error)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Printf("⚠️ Failed to close response body: %v", err)
	}
}

// StreamConn is a client-side binary frame stream to one session.
type StreamConn struct {
	conn      *websocket.Conn
	sessionID string

	mutex    sync.Mutex
	sequence uint32
}

// DialStream opens the WebSocket frame stream of a session.
func (c *BridgeClient) DialStream(ctx context.Context, id string) (*StreamConn, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/sessions/" + url.PathEscape(id) + "/stream"

	log.Printf("🔗 Connecting stream to %s", u.String())
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer closeBody(resp)
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, decodeError(resp)
			}
		}
		return nil, fmt.Errorf("failed to connect stream: %w", err)
	}
	return &StreamConn{conn: conn, sessionID: id}, nil
}

// SendFrame sends one frame with the next sequence number.
func (s *StreamConn) SendFrame(frameType FrameType, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.sequence++
	frame := NewFrame(frameType, SessionHash(s.sessionID), s.sequence,
		uint64(time.Now().UnixMicro()), data) //nolint:gosec // positive wall clock

	frameData, err := frame.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize frame: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frameData); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// SendAudio injects capture audio.
func (s *StreamConn) SendAudio(audio []byte) error {
	return s.SendFrame(FrameTypeAudioData, audio)
}

// RequestExtract asks for up to limit bytes of render audio; the answer
// arrives as an AudioData frame.
func (s *StreamConn) RequestExtract(limit uint32) error {
	return s.SendFrame(FrameTypeExtract, Uint32Payload(limit))
}

// SendEndOfStream commits the render end-of-stream position.
func (s *StreamConn) SendEndOfStream(position uint32) error {
	return s.SendFrame(FrameTypeAudioEnd, Uint32Payload(position))
}

// SendHeartbeat sends a heartbeat; the server echoes it.
func (s *StreamConn) SendHeartbeat() error {
	return s.SendFrame(FrameTypeHeartbeat, nil)
}

// SendHandshake asks for a Status frame.
func (s *StreamConn) SendHandshake() error {
	return s.SendFrame(FrameTypeHandshake, nil)
}

// ReadFrame blocks for the next frame from the server. Error frames are
// returned as errors matching the remote sentinel.
func (s *StreamConn) ReadFrame() (*Frame, error) {
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	frame, err := DeserializeFrame(msg)
	if err != nil {
		return nil, err
	}
	if frame.Type == FrameTypeError {
		return frame, ParseErrorPayload(frame.Data)
	}
	return frame, nil
}

// Close sends a close message and closes the connection.
func (s *StreamConn) Close() error {
	s.mutex.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.mutex.Unlock()
	return s.conn.Close()
}
