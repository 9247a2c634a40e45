// SPDX-License-Identifier: MIT

// Package gateway terminates client sessions over websocket. Each
// session gets a random id, one outbound writer pump draining its frame
// queue, and a read loop dispatching the run/stdin/cancel verbs. At
// most one job runs per session; transport loss cancels the job.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Hemanthkumar2k04/coderunner/internal/iomux"
	"github.com/Hemanthkumar2k04/coderunner/internal/lang"
	"github.com/Hemanthkumar2k04/coderunner/internal/log"
	"github.com/Hemanthkumar2k04/coderunner/internal/pipeline"
	"github.com/Hemanthkumar2k04/coderunner/internal/protocol"
	"github.com/Hemanthkumar2k04/coderunner/internal/sandbox/runtime"
	"github.com/Hemanthkumar2k04/coderunner/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Gateway upgrades HTTP requests into execution sessions.
type Gateway struct {
	mux      *iomux.Mux
	pipe     *pipeline.Pipeline
	registry *lang.Registry
	rec      *telemetry.Recorder
	bounds   protocol.ValidateLimits
	upgrader websocket.Upgrader
}

// New wires a gateway over the mux and pipeline.
func New(mux *iomux.Mux, pipe *pipeline.Pipeline, registry *lang.Registry, rec *telemetry.Recorder, bounds protocol.ValidateLimits) *Gateway {
	return &Gateway{
		mux:      mux,
		pipe:     pipe,
		registry: registry,
		rec:      rec,
		bounds:   bounds,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The service is origin-agnostic; embedding UIs terminate
			// auth upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// session is one live connection.
type session struct {
	id     string
	conn   *websocket.Conn
	stream *iomux.Stream

	mu        sync.Mutex
	running   bool
	cancelJob context.CancelFunc
}

// ServeHTTP upgrades the request and runs the session until the
// transport closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := log.WithComponent("gateway")
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	s := &session{
		id:     id,
		conn:   conn,
		stream: g.mux.Open(id),
	}

	g.rec.SessionConnected()
	ctx, cancel := context.WithCancel(log.ContextWithSessionID(r.Context(), s.id))
	logger := log.WithComponentFromContext(ctx, "gateway")
	logger.Info().Str("remote", r.RemoteAddr).Msg("session connected")
	// ReadMessage has no context; closing the conn is how a service
	// shutdown unblocks the read loop.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	defer func() {
		cancel()
		g.mux.Close(s.id)
		_ = conn.Close()
		g.rec.SessionDisconnected()
		logger.Info().Msg("session disconnected")
	}()

	var pump sync.WaitGroup
	pump.Add(1)
	go func() {
		defer pump.Done()
		g.writePump(ctx, s)
	}()

	g.readLoop(ctx, s, cancel)

	// Transport gone: cascade the cancel into any running job, then let
	// the writer drain.
	s.cancel()
	cancel()
	pump.Wait()
}

// readLoop decodes and dispatches client envelopes until the transport
// fails or the session context ends.
func (g *Gateway) readLoop(ctx context.Context, s *session, cancelSession context.CancelFunc) {
	logger := log.WithComponentFromContext(ctx, "gateway")
	s.conn.SetReadLimit(int64(g.bounds.MaxSourceBytes)*2 + 1<<16)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("transport lost")
			}
			return
		}
		env, err := protocol.DecodeClient(data)
		if err != nil {
			_ = s.stream.Push(protocol.SystemFrame("malformed message ignored", 0))
			continue
		}

		switch env.Type {
		case protocol.TypeRun:
			g.handleRun(ctx, s, env)
		case protocol.TypeStdin:
			g.handleStdin(s, env)
		case protocol.TypeCancel:
			s.cancel()
		default:
			_ = s.stream.Push(protocol.SystemFrame("unknown message type ignored", 0))
		}
	}
}

// handleRun validates and launches one job asynchronously. Validation
// failures never touch the pool or the pipeline.
func (g *Gateway) handleRun(ctx context.Context, s *session, env protocol.ClientEnvelope) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		_ = s.stream.Push(protocol.RejectedFrame(protocol.KindBusy, "a job is already running on this session"))
		return
	}

	req, rej := protocol.ValidateRun(s.id, env, g.registry, g.bounds)
	if rej != nil {
		s.mu.Unlock()
		_ = s.stream.Push(protocol.RejectedFrame(rej.Kind, rej.Message))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancelJob = cancel
	s.mu.Unlock()

	_ = s.stream.Push(protocol.AcceptedFrame())

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			s.running = false
			s.cancelJob = nil
			s.mu.Unlock()
		}()
		g.pipe.Run(jobCtx, s.stream, req)
	}()
}

// handleStdin forwards input to the running program, or warns.
func (g *Gateway) handleStdin(s *session, env protocol.ClientEnvelope) {
	err := s.stream.ForwardStdin([]byte(env.Data))
	switch {
	case err == nil:
	case errors.Is(err, iomux.ErrNoProgram):
		_ = s.stream.Push(protocol.SystemFrame("no program running", 0))
	case errors.Is(err, runtime.ErrStdinClosed):
		_ = s.stream.Push(protocol.SystemFrame("stdin closed", 0))
	default:
		_ = s.stream.Push(protocol.SystemFrame("stdin write failed", 0))
	}
}

// cancel aborts the current job if one is running. Idempotent.
func (s *session) cancel() {
	s.mu.Lock()
	cancelJob := s.cancelJob
	s.mu.Unlock()
	if cancelJob != nil {
		cancelJob()
	}
}

// writePump serialises the session's frame queue onto the wire and
// keeps the connection alive with pings.
func (g *Gateway) writePump(ctx context.Context, s *session) {
	logger := log.WithComponentFromContext(ctx, "gateway")
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	frames := make(chan protocol.ServerFrame)
	go func() {
		defer close(frames)
		for {
			f, err := s.stream.Next(ctx)
			if err != nil {
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			data, err := f.Encode()
			if err != nil {
				logger.Error().Err(err).Msg("frame encode failed")
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug().Err(err).Msg("write failed, closing session")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
