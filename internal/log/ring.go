// SPDX-License-Identifier: MIT

package log

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one structured log record retained in the ring.
type Entry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// Query filters ring entries. Zero values match everything.
type Query struct {
	Level     string
	Component string
	Search    string
	Limit     int
}

// Ring is a bounded, concurrency-safe buffer of recent log entries.
// It implements io.Writer so it can be attached to zerolog via
// MultiLevelWriter; writes never fail and never block logging.
type Ring struct {
	mu   sync.Mutex
	buf  []Entry
	next int
	full bool
}

// NewRing returns a ring retaining the most recent size entries.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1000
	}
	return &Ring{buf: make([]Entry, size)}
}

// Write parses a single JSON log line and appends it to the ring.
func (r *Ring) Write(p []byte) (int, error) {
	var fields struct {
		Time      string `json:"time"`
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
	}
	// Malformed lines are still retained verbatim.
	_ = json.Unmarshal(p, &fields)

	entry := Entry{
		Level:     fields.Level,
		Component: fields.Component,
		Message:   fields.Message,
		Raw:       strings.TrimRight(string(p), "\n"),
	}
	if ts, err := time.Parse(time.RFC3339, fields.Time); err == nil {
		entry.Time = ts
	} else {
		entry.Time = time.Now()
	}

	r.mu.Lock()
	r.buf[r.next] = entry
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

// WriteLevel implements zerolog.LevelWriter.
func (r *Ring) WriteLevel(_ zerolog.Level, p []byte) (int, error) {
	return r.Write(p)
}

// Recent returns matching entries, oldest first, capped by q.Limit.
func (r *Ring) Recent(q Query) []Entry {
	r.mu.Lock()
	ordered := make([]Entry, 0, len(r.buf))
	if r.full {
		ordered = append(ordered, r.buf[r.next:]...)
	}
	ordered = append(ordered, r.buf[:r.next]...)
	r.mu.Unlock()

	out := make([]Entry, 0, len(ordered))
	for _, e := range ordered {
		if q.Level != "" && e.Level != q.Level {
			continue
		}
		if q.Component != "" && e.Component != q.Component {
			continue
		}
		if q.Search != "" && !strings.Contains(e.Raw, q.Search) {
			continue
		}
		out = append(out, e)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

// Len reports how many entries the ring currently holds.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
