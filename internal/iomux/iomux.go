// SPDX-License-Identifier: MIT

// Package iomux multiplexes per-session I/O between the execution
// pipeline and the session transport. Each session owns one outbound
// frame queue with strict FIFO ordering and one inbound stdin route.
//
// Backpressure is drop-oldest and applies to stdout/stderr frames only.
// System, exit, accepted and rejected frames are never dropped, so the
// exit frame of a job always reaches the client and always last.
package iomux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/Hemanthkumar2k04/coderunner/internal/protocol"
)

var (
	// ErrClosed means the session stream was torn down.
	ErrClosed = errors.New("iomux: stream closed")

	// ErrNoProgram means stdin arrived while no program was running.
	ErrNoProgram = errors.New("iomux: no program attached")
)

var droppedFrames = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "coderunner",
	Name:      "output_frames_dropped_total",
	Help:      "Output frames dropped by per-session backpressure.",
})

// Mux owns the session stream table.
type Mux struct {
	mu       sync.Mutex
	streams  map[string]*Stream
	capacity int
}

// New builds a mux whose streams buffer up to capacity droppable frames.
func New(capacity int) *Mux {
	if capacity <= 0 {
		capacity = 2000
	}
	return &Mux{
		streams:  make(map[string]*Stream),
		capacity: capacity,
	}
}

// Open registers a stream for a session, replacing any stale one.
func (m *Mux) Open(sessionID string) *Stream {
	s := &Stream{
		sessionID:  sessionID,
		capacity:   m.capacity,
		notify:     make(chan struct{}, 1),
		noticeGate: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	m.mu.Lock()
	old := m.streams[sessionID]
	m.streams[sessionID] = s
	m.mu.Unlock()
	if old != nil {
		old.close()
	}
	return s
}

// Close tears down the session's stream. Pending guaranteed frames are
// lost; the transport is gone anyway.
func (m *Mux) Close(sessionID string) {
	m.mu.Lock()
	s := m.streams[sessionID]
	delete(m.streams, sessionID)
	m.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// Lookup returns the stream for a session if one is open.
func (m *Mux) Lookup(sessionID string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[sessionID]
	return s, ok
}

// Stream is one session's frame queue plus its stdin route.
type Stream struct {
	sessionID  string
	capacity   int
	noticeGate *rate.Limiter

	mu        sync.Mutex
	frames    []protocol.ServerFrame
	droppable int // stdout/stderr frames currently queued
	dropped   int // dropped since the last truncation notice
	closed    bool
	notify    chan struct{}

	stdinMu sync.Mutex
	stdin   io.WriteCloser
}

// SessionID returns the owning session id.
func (s *Stream) SessionID() string { return s.sessionID }

func isDroppable(f protocol.ServerFrame) bool {
	return f.Type == protocol.TypeStdout || f.Type == protocol.TypeStderr
}

// Push enqueues a frame. Stdout/stderr frames may evict the oldest
// queued stdout/stderr frame when the buffer is full; all other frame
// types are always queued.
func (s *Stream) Push(f protocol.ServerFrame) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	if isDroppable(f) {
		if s.droppable >= s.capacity {
			s.dropOldestLocked()
		}
		s.droppable++
	} else if s.dropped > 0 {
		// A guaranteed frame flushes any pending truncation report so
		// the client learns about the gap before, say, the exit frame.
		s.appendNoticeLocked()
	}

	if s.dropped > 0 && s.noticeGate.Allow() {
		s.appendNoticeLocked()
	}

	s.frames = append(s.frames, f)
	s.mu.Unlock()
	s.wake()
	return nil
}

// dropOldestLocked evicts the first stdout/stderr frame in the queue.
func (s *Stream) dropOldestLocked() {
	for i, f := range s.frames {
		if isDroppable(f) {
			s.frames = append(s.frames[:i:i], s.frames[i+1:]...)
			s.droppable--
			s.dropped++
			droppedFrames.Inc()
			return
		}
	}
}

func (s *Stream) appendNoticeLocked() {
	s.frames = append(s.frames, protocol.SystemFrame(
		fmt.Sprintf("output truncated: %d frames dropped", s.dropped), 0))
	s.dropped = 0
}

// Next blocks until a frame is available, the stream closes, or ctx
// ends. A closed stream drains its remaining frames before ErrClosed.
func (s *Stream) Next(ctx context.Context) (protocol.ServerFrame, error) {
	for {
		s.mu.Lock()
		if len(s.frames) > 0 {
			f := s.frames[0]
			s.frames = s.frames[1:]
			if isDroppable(f) {
				s.droppable--
			}
			s.mu.Unlock()
			return f, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return protocol.ServerFrame{}, ErrClosed
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return protocol.ServerFrame{}, ctx.Err()
		}
	}
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
	s.DetachStdin()
}

// AttachStdin routes incoming stdin to w until detached. The pipeline
// attaches the running process's stdin for the duration of a job.
func (s *Stream) AttachStdin(w io.WriteCloser) {
	s.stdinMu.Lock()
	s.stdin = w
	s.stdinMu.Unlock()
}

// DetachStdin removes the stdin route and closes the writer.
func (s *Stream) DetachStdin() {
	s.stdinMu.Lock()
	w := s.stdin
	s.stdin = nil
	s.stdinMu.Unlock()
	if w != nil {
		_ = w.Close()
	}
}

// ForwardStdin writes client stdin to the attached program.
// ErrNoProgram is returned when nothing is attached.
func (s *Stream) ForwardStdin(data []byte) error {
	s.stdinMu.Lock()
	w := s.stdin
	s.stdinMu.Unlock()
	if w == nil {
		return ErrNoProgram
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("iomux: forward stdin: %w", err)
	}
	return nil
}

// Pending reports how many frames are queued (tests).
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}
