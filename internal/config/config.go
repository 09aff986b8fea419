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

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-vaudio/internal/stream"
)

type Config struct {
	Listen      ListenConfig      `yaml:"listen"`
	Logging     LoggingConfig     `yaml:"logging"`
	NATS        NATSConfig        `yaml:"nats"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Loopback    LoopbackConfig    `yaml:"loopback"`
	Sessions    []SessionConfig   `yaml:"sessions"`
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port for net.Listen.
func (l ListenConfig) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type NATSConfig struct {
	URL           string `yaml:"url"` // empty disables the NATS bridge
	SubjectPrefix string `yaml:"subject_prefix"`
	RenderTap     bool   `yaml:"render_tap"`
	RenderTapMs   int    `yaml:"render_tap_ms"`
}

type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

type DiagnosticsConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type LoopbackConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CaptureSession  string `yaml:"capture_session"`
	RenderSession   string `yaml:"render_session"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
}

type SessionConfig struct {
	ID                     string `yaml:"id"`
	Direction              string `yaml:"direction"`
	Channels               int    `yaml:"channels"`
	SampleRate             int    `yaml:"sample_rate"`
	BitsPerSample          int    `yaml:"bits_per_sample"`
	BufferBytes            int    `yaml:"buffer_bytes"`
	NotificationsPerBuffer int    `yaml:"notifications_per_buffer"`
	Polled                 bool   `yaml:"polled"` // no packet handshake or waiters
	TransportBytes         int    `yaml:"transport_bytes"`
	TickMicros             int    `yaml:"tick_us"`
	PausePolicy            string `yaml:"pause_policy"`
}

// Default returns the configuration used when no file is given: one
// event-driven capture session and one render session at 48 kHz stereo
// 32-bit, 100ms buffers split into 10ms packets.
func Default() *Config {
	cfg := &Config{
		Listen:      ListenConfig{Host: "127.0.0.1", Port: 8780},
		Logging:     LoggingConfig{Level: "info"},
		NATS:        NATSConfig{SubjectPrefix: "vaudio", RenderTapMs: 20},
		Discovery:   DiscoveryConfig{Instance: "loqa-vaudio"},
		Diagnostics: DiagnosticsConfig{QueueSize: 256},
		Loopback:    LoopbackConfig{CaptureSession: "mic", RenderSession: "speaker", FramesPerBuffer: 480},
		Sessions: []SessionConfig{
			{ID: "mic", Direction: "capture"},
			{ID: "speaker", Direction: "render"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Diagnostics.QueueSize <= 0 {
		c.Diagnostics.QueueSize = 256
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "vaudio"
	}
	if c.NATS.RenderTapMs <= 0 {
		c.NATS.RenderTapMs = 20
	}
	if c.Loopback.FramesPerBuffer <= 0 {
		c.Loopback.FramesPerBuffer = 480
	}
	for i := range c.Sessions {
		s := &c.Sessions[i]
		if s.Channels == 0 {
			s.Channels = 2
		}
		if s.SampleRate == 0 {
			s.SampleRate = 48000
		}
		if s.BitsPerSample == 0 {
			s.BitsPerSample = 32
		}
		if s.BufferBytes == 0 {
			s.BufferBytes = s.Channels * s.BitsPerSample / 8 * s.SampleRate / 10
		}
		if s.NotificationsPerBuffer == 0 && !s.Polled {
			s.NotificationsPerBuffer = 10
		}
		if s.TransportBytes == 0 {
			s.TransportBytes = stream.DefaultTransportCapacity
		}
		if s.TickMicros == 0 {
			s.TickMicros = int(stream.DefaultTickPeriod / time.Microsecond)
		}
	}
}

// Validate checks cross-field rules. Stream level limits are left to
// stream.Open.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}

	byID := make(map[string]stream.Direction, len(c.Sessions))
	for i, s := range c.Sessions {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("sessions[%d]: id is required", i))
			continue
		}
		if _, dup := byID[s.ID]; dup {
			errs = append(errs, fmt.Errorf("sessions[%d]: duplicate id %q", i, s.ID))
			continue
		}
		sc, err := s.StreamConfig()
		if err != nil {
			errs = append(errs, fmt.Errorf("sessions[%d] %q: %w", i, s.ID, err))
			continue
		}
		byID[s.ID] = sc.Direction
	}

	if c.Loopback.Enabled {
		if dir, ok := byID[c.Loopback.CaptureSession]; c.Loopback.CaptureSession != "" && (!ok || dir != stream.Capture) {
			errs = append(errs, fmt.Errorf("loopback.capture_session %q is not a capture session", c.Loopback.CaptureSession))
		}
		if dir, ok := byID[c.Loopback.RenderSession]; c.Loopback.RenderSession != "" && (!ok || dir != stream.Render) {
			errs = append(errs, fmt.Errorf("loopback.render_session %q is not a render session", c.Loopback.RenderSession))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// StreamConfig converts the YAML form into a stream.Config.
func (s SessionConfig) StreamConfig() (stream.Config, error) {
	dir, err := stream.ParseDirection(s.Direction)
	if err != nil {
		return stream.Config{}, err
	}

	policy, err := parsePausePolicy(s.PausePolicy)
	if err != nil {
		return stream.Config{}, err
	}

	switch {
	case s.Channels <= 0 || s.Channels > 32:
		return stream.Config{}, fmt.Errorf("channels %d out of range", s.Channels)
	case s.SampleRate <= 0:
		return stream.Config{}, fmt.Errorf("sample_rate %d must be positive", s.SampleRate)
	case s.BitsPerSample != 8 && s.BitsPerSample != 16 && s.BitsPerSample != 24 && s.BitsPerSample != 32:
		return stream.Config{}, fmt.Errorf("bits_per_sample %d unsupported", s.BitsPerSample)
	case s.BufferBytes <= 0:
		return stream.Config{}, fmt.Errorf("buffer_bytes %d must be positive", s.BufferBytes)
	case s.NotificationsPerBuffer < 0:
		return stream.Config{}, fmt.Errorf("notifications_per_buffer %d must not be negative", s.NotificationsPerBuffer)
	case s.TransportBytes < 0:
		return stream.Config{}, fmt.Errorf("transport_bytes %d must not be negative", s.TransportBytes)
	}

	notifications := uint32(s.NotificationsPerBuffer)
	if s.Polled {
		notifications = 0
	}

	return stream.Config{
		ID:                     s.ID,
		Direction:              dir,
		Format:                 stream.PCMFormat(uint16(s.Channels), uint32(s.SampleRate), uint16(s.BitsPerSample)),
		BufferSize:             uint32(s.BufferBytes),
		NotificationsPerBuffer: notifications,
		TransportCapacity:      s.TransportBytes,
		TickPeriod:             time.Duration(s.TickMicros) * time.Microsecond,
		PausePolicy:            policy,
	}, nil
}

func parsePausePolicy(name string) (stream.PausePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "stopped":
		return stream.PauseExpectStopped, nil
	case "running":
		return stream.PauseExpectRunning, nil
	}
	return 0, fmt.Errorf("unknown pause_policy %q", name)
}
