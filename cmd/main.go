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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-vaudio/internal/audio"
	"github.com/loqalabs/loqa-vaudio/internal/config"
	"github.com/loqalabs/loqa-vaudio/internal/logging"
	natsbridge "github.com/loqalabs/loqa-vaudio/internal/nats"
	"github.com/loqalabs/loqa-vaudio/internal/registry"
	"github.com/loqalabs/loqa-vaudio/internal/stream"
	"github.com/loqalabs/loqa-vaudio/internal/transport"
)

const (
	serviceType     = "_vaudio._tcp"
	shutdownTimeout = 5 * time.Second
)

type options struct {
	configPath string
	natsURL    string
	listen     string
	logLevel   string
	loopback   bool
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("loqa-vaudio", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configPath, "config", "", "YAML config file (built-in defaults when empty)")
	fs.StringVar(&opts.natsURL, "nats", "", "NATS server URL, overrides nats.url")
	fs.StringVar(&opts.listen, "listen", "", "HTTP listen address host:port, overrides listen")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level, overrides logging.level")
	fs.BoolVar(&opts.loopback, "loopback", false, "connect the default microphone and speakers")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}

	if opts.natsURL != "" {
		cfg.NATS.URL = opts.natsURL
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.listen != "" {
		host, portStr, err := net.SplitHostPort(opts.listen)
		if err != nil {
			return nil, fmt.Errorf("invalid -listen %q: %w", opts.listen, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid -listen port %q: %w", portStr, err)
		}
		cfg.Listen.Host, cfg.Listen.Port = host, port
	}
	if opts.loopback {
		cfg.Loopback.Enabled = true
	}
	return cfg, cfg.Validate()
}

// daemon wires the registry to its transports: HTTP/WebSocket, NATS,
// device loopback and mDNS.
type daemon struct {
	cfg      *config.Config
	reg      *registry.Registry
	diag     *stream.Dispatcher
	bridge   *natsbridge.Bridge
	backend  audio.AudioBackend
	listener net.Listener
	server   *http.Server
}

// newDaemon opens the configured sessions and binds the listen address.
// conn and backend may be nil to disable NATS and the device loopback.
func newDaemon(cfg *config.Config, conn natsbridge.Conn, backend audio.AudioBackend) (*daemon, error) {
	d := &daemon{cfg: cfg, backend: backend}
	d.diag = stream.NewDispatcher(cfg.Diagnostics.QueueSize,
		stream.LogSink{Log: logging.Logger(logging.SubsystemStream)})
	d.reg = registry.New(logging.Logger(logging.SubsystemRegistry),
		stream.WithLogger(logging.Logger(logging.SubsystemStream)),
		stream.WithDiagnostics(d.diag))

	for _, sc := range cfg.Sessions {
		streamCfg, err := sc.StreamConfig()
		if err == nil {
			_, err = d.reg.Open(streamCfg)
		}
		if err != nil {
			d.close()
			return nil, fmt.Errorf("session %s: %w", sc.ID, err)
		}
	}

	if conn != nil {
		d.bridge = natsbridge.NewBridge(conn, cfg.NATS.SubjectPrefix, d.reg)
		d.diag.AddSink(d.bridge.DiagnosticSink())
		if err := d.bridge.Start(); err != nil {
			d.close()
			return nil, err
		}
	}

	listener, err := net.Listen("tcp", cfg.Listen.Addr())
	if err != nil {
		d.close()
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Listen.Addr(), err)
	}
	d.listener = listener
	d.server = &http.Server{
		Handler:           transport.NewServer(d.reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return d, nil
}

// Addr returns the bound HTTP address.
func (d *daemon) Addr() string {
	return d.listener.Addr().String()
}

// serve runs every component until ctx is done or one of them fails, then
// tears everything down.
func (d *daemon) serve(ctx context.Context) error {
	defer d.close()

	var loop *audio.Loopback
	var capture, render *stream.Session
	if d.cfg.Loopback.Enabled && d.backend != nil {
		var err error
		if capture, render, err = d.loopbackSessions(); err != nil {
			return err
		}
		loop = audio.NewLoopback(d.backend, logging.Logger(logging.SubsystemLoopback), d.cfg.Loopback.FramesPerBuffer)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.server.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	if d.bridge != nil && d.cfg.NATS.RenderTap {
		period := time.Duration(d.cfg.NATS.RenderTapMs) * time.Millisecond
		for _, s := range d.reg.List() {
			if s.Direction() != stream.Render {
				continue
			}
			id := s.ID()
			g.Go(func() error { return d.bridge.RunRenderTap(gctx, id, period) })
		}
	}

	if loop != nil {
		g.Go(func() error { return loop.Run(gctx, capture, render) })
	}

	if d.cfg.Discovery.Enabled {
		if shutdown := d.advertise(); shutdown != nil {
			defer shutdown()
		}
	}

	log.Printf("📡 Serving sessions on http://%s", d.Addr())
	return g.Wait()
}

func (d *daemon) loopbackSessions() (capture, render *stream.Session, err error) {
	if id := d.cfg.Loopback.CaptureSession; id != "" {
		if capture, err = d.reg.Get(id); err != nil {
			return nil, nil, fmt.Errorf("loopback: %w", err)
		}
	}
	if id := d.cfg.Loopback.RenderSession; id != "" {
		if render, err = d.reg.Get(id); err != nil {
			return nil, nil, fmt.Errorf("loopback: %w", err)
		}
	}
	return capture, render, nil
}

// advertise registers the bridge over mDNS. Failure is logged, not fatal.
func (d *daemon) advertise() func() {
	port := d.listener.Addr().(*net.TCPAddr).Port

	ids := make([]string, 0, len(d.cfg.Sessions))
	for _, s := range d.reg.List() {
		ids = append(ids, s.ID())
	}
	txt := []string{"path=/sessions", "sessions=" + strings.Join(ids, ",")}

	server, err := zeroconf.Register(d.cfg.Discovery.Instance, serviceType, "local.", port, txt, nil)
	if err != nil {
		log.Printf("⚠️  mDNS register failed: %v", err)
		return nil
	}
	log.Printf("📣 Advertised %s on %s port=%d", d.cfg.Discovery.Instance, serviceType, port)
	return server.Shutdown
}

func (d *daemon) close() {
	if d.reg != nil {
		if err := d.reg.Shutdown(); err != nil {
			log.Printf("⚠️  Failed to close sessions: %v", err)
		}
	}
	if d.diag != nil {
		d.diag.Close()
		if dropped := d.diag.Dropped(); dropped > 0 {
			log.Printf("⚠️  %d diagnostics dropped", dropped)
		}
	}
	if d.bridge != nil {
		d.bridge.Close()
	}
	if d.listener != nil {
		_ = d.listener.Close()
	}
}

func run(ctx context.Context, args []string, output io.Writer) error {
	opts, err := parseFlags(args, output)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if !logging.SetLevel(cfg.Logging.Level) {
		log.Printf("⚠️  Unknown log level %q, using info", cfg.Logging.Level)
	}

	log.Println("🚀 Starting Loqa Virtual Audio Bridge")
	log.Printf("🎯 Listen Address: %s", cfg.Listen.Addr())
	for _, s := range cfg.Sessions {
		log.Printf("🎚️  Session %s: %s %dch %dHz %d-bit", s.ID, s.Direction, s.Channels, s.SampleRate, s.BitsPerSample)
	}

	var conn natsbridge.Conn
	if cfg.NATS.URL != "" {
		log.Printf("📨 NATS URL: %s", cfg.NATS.URL)
		if conn, err = natsbridge.Connect(cfg.NATS.URL); err != nil {
			return err
		}
	}

	var backend audio.AudioBackend
	if cfg.Loopback.Enabled {
		backend = audio.NewPortAudioBackend()
	}

	d, err := newDaemon(cfg, conn, backend)
	if err != nil {
		if conn != nil {
			conn.Close()
		}
		return err
	}

	err = d.serve(ctx)
	log.Println("👋 Virtual audio bridge stopped")
	return err
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("❌ %v", err)
	}
}
