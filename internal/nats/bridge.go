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

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-vaudio/internal/pcm"
	"github.com/loqalabs/loqa-vaudio/internal/stream"
)

// AudioInjectMessage carries capture audio published by a remote producer.
type AudioInjectMessage struct {
	SessionID   string `json:"session_id,omitempty"` // informational, the subject decides
	AudioData   []byte `json:"audio_data"`
	AudioFormat string `json:"audio_format,omitempty"` // "wav" strips a RIFF header, otherwise raw PCM
	Sequence    uint64 `json:"sequence"`
}

// InjectReply answers an inject request that carried a reply subject.
type InjectReply struct {
	Written int    `json:"written"`
	Error   string `json:"error,omitempty"`
}

// DiagnosticMessage is the JSON form of a stream.Diagnostic.
type DiagnosticMessage struct {
	Session        string `json:"session"`
	Kind           string `json:"kind"`
	Glitch         bool   `json:"glitch"`
	LinearPosition uint64 `json:"linear_position"`
	WritePosition  uint32 `json:"write_position"`
	Value          uint64 `json:"value"`
	AtUs           int64  `json:"at_us"`
}

// Conn is the part of *nats.Conn the bridge uses.
type Conn interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	Close()
}

// ConnAdapter adapts *nats.Conn to Conn.
type ConnAdapter struct {
	conn *nats.Conn
}

func NewConnAdapter(conn *nats.Conn) *ConnAdapter {
	return &ConnAdapter{conn: conn}
}

func (a *ConnAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return a.conn.Subscribe(subject, cb)
}

func (a *ConnAdapter) Publish(subject string, data []byte) error {
	return a.conn.Publish(subject, data)
}

func (a *ConnAdapter) Close() {
	a.conn.Close()
}

// Connect dials NATS, retrying a few times while the server comes up.
func Connect(url string) (*ConnAdapter, error) {
	var nc *nats.Conn
	var err error

	for i := 0; i < 5; i++ {
		nc, err = nats.Connect(url, nats.Name("loqa-vaudio"))
		if err == nil {
			break
		}
		log.Printf("⚠️  Failed to connect to NATS (attempt %d/5): %v", i+1, err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after 5 attempts: %w", err)
	}

	log.Printf("✅ Connected to NATS at %s", url)
	return NewConnAdapter(nc), nil
}

// Sessions looks up sessions by id. *registry.Registry satisfies it.
type Sessions interface {
	Get(id string) (*stream.Session, error)
	List() []*stream.Session
}

// Bridge connects sessions to NATS subjects under a common prefix:
//
//	<prefix>.<id>.inject       capture audio in (AudioInjectMessage)
//	<prefix>.<id>.diagnostics  diagnostics out (DiagnosticMessage)
//	<prefix>.<id>.render       render audio out (raw PCM)
type Bridge struct {
	conn     Conn
	prefix   string
	sessions Sessions

	mu      sync.Mutex
	lastSeq map[string]uint64
}

// NewBridge creates a bridge; call Start to subscribe.
func NewBridge(conn Conn, prefix string, sessions Sessions) *Bridge {
	if prefix == "" {
		prefix = "vaudio"
	}
	return &Bridge{
		conn:     conn,
		prefix:   strings.TrimSuffix(prefix, "."),
		sessions: sessions,
		lastSeq:  make(map[string]uint64),
	}
}

// Subject builds "<prefix>.<id>.<kind>".
func (b *Bridge) Subject(id, kind string) string {
	return b.prefix + "." + id + "." + kind
}

// Start subscribes to the inject subject of every capture session.
func (b *Bridge) Start() error {
	var subjects []string
	for _, s := range b.sessions.List() {
		if s.Direction() != stream.Capture {
			continue
		}
		subject := b.Subject(s.ID(), "inject")
		if _, err := b.conn.Subscribe(subject, b.injectHandler(s.ID())); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subjects = append(subjects, subject)
	}

	log.Printf("🎧 Subscribed to inject subjects: %s", strings.Join(subjects, ", "))
	return nil
}

func (b *Bridge) injectHandler(id string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var in AudioInjectMessage
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			log.Printf("❌ Failed to unmarshal inject message for %s: %v", id, err)
			b.reply(msg, InjectReply{Error: fmt.Sprintf("decode: %v", err)})
			return
		}

		b.checkSequence(id, in.Sequence)
		if strings.EqualFold(in.AudioFormat, "wav") {
			in.AudioData = pcm.StripWAVHeader(in.AudioData)
		}

		var reply InjectReply
		sess, err := b.sessions.Get(id)
		if err == nil {
			reply.Written, err = sess.InjectAudio(in.AudioData)
		}
		if err != nil {
			if !errors.Is(err, stream.ErrBufferOverflow) {
				log.Printf("❌ Inject into %s failed: %v", id, err)
			}
			reply.Error = err.Error()
		}
		b.reply(msg, reply)
	}
}

// checkSequence logs gaps in producer sequence numbers. Zero means the
// producer does not number its messages.
func (b *Bridge) checkSequence(id string, seq uint64) {
	if seq == 0 {
		return
	}
	b.mu.Lock()
	last, seen := b.lastSeq[id]
	b.lastSeq[id] = seq
	b.mu.Unlock()

	if seen && seq != last+1 {
		log.Printf("⚠️  Inject sequence gap on %s: %d -> %d", id, last, seq)
	}
}

func (b *Bridge) reply(msg *nats.Msg, reply InjectReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := b.conn.Publish(msg.Reply, data); err != nil {
		log.Printf("⚠️  Failed to publish inject reply: %v", err)
	}
}

// DiagnosticSink returns a sink publishing each diagnostic as JSON to the
// session's diagnostics subject.
func (b *Bridge) DiagnosticSink() stream.Sink {
	return stream.SinkFunc(func(d stream.Diagnostic) {
		data, err := json.Marshal(DiagnosticMessage{
			Session:        d.Session,
			Kind:           d.Kind.String(),
			Glitch:         d.Kind.IsGlitch(),
			LinearPosition: d.LinearPosition,
			WritePosition:  d.WritePosition,
			Value:          d.Value,
			AtUs:           d.At.Microseconds(),
		})
		if err != nil {
			return
		}
		if err := b.conn.Publish(b.Subject(d.Session, "diagnostics"), data); err != nil {
			log.Printf("⚠️  Failed to publish diagnostic for %s: %v", d.Session, err)
		}
	})
}

// RunRenderTap drains the render session every period and publishes what it
// extracted to the session's render subject. It returns when ctx is done.
// The tap is a consumer: it competes with any other extractor of the session.
func (b *Bridge) RunRenderTap(ctx context.Context, id string, period time.Duration) error {
	sess, err := b.sessions.Get(id)
	if err != nil {
		return err
	}
	if sess.Direction() != stream.Render {
		return fmt.Errorf("render tap on %s session %s: %w", sess.Direction(), id, stream.ErrNotSupported)
	}

	subject := b.Subject(id, "render")
	buf := make([]byte, max(int(sess.PacketSize()), 4096))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	log.Printf("📡 Render tap %s -> %s every %v", id, subject, period)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for {
			n, err := sess.ExtractAudio(buf)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			if err := b.conn.Publish(subject, append([]byte(nil), buf[:n]...)); err != nil {
				log.Printf("⚠️  Failed to publish render audio for %s: %v", id, err)
				break
			}
		}
	}
}

// Close closes the NATS connection.
func (b *Bridge) Close() {
	if b.conn != nil {
		b.conn.Close()
		log.Println("🔌 NATS connection closed")
	}
}
