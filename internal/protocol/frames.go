// SPDX-License-Identifier: MIT

// Package protocol defines the JSON envelopes exchanged on the session
// transport and the validated execution request derived from them.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Hemanthkumar2k04/coderunner/internal/lang"
)

// Envelope type discriminators.
const (
	TypeRun    = "run"
	TypeStdin  = "stdin"
	TypeCancel = "cancel"

	TypeStdout   = "stdout"
	TypeStderr   = "stderr"
	TypeSystem   = "system"
	TypeExit     = "exit"
	TypeRejected = "rejected"
	TypeAccepted = "accepted"
)

// ClientEnvelope is any message received from a client. Type selects the
// variant; unused fields stay zero.
type ClientEnvelope struct {
	Type     string        `json:"type"`
	Language string        `json:"language,omitempty"`
	Files    []FilePayload `json:"files,omitempty"`
	Limits   Limits        `json:"limits,omitempty"`
	Data     string        `json:"data,omitempty"`
}

// FilePayload is one source file as transmitted by the client.
type FilePayload struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Entry   bool   `json:"entry"`
}

// Limits carries the optional per-job resource profile.
type Limits struct {
	MemMB      int `json:"memMb,omitempty"`
	CPU        int `json:"cpu,omitempty"`
	DeadlineMs int `json:"deadlineMs,omitempty"`
}

// ServerFrame is any message sent to a client. Frames are ordered
// per-session; the exit frame is always the last frame of a job.
type ServerFrame struct {
	Type    string `json:"type"`
	Data    string `json:"data,omitempty"`
	TS      int64  `json:"ts,omitempty"` // ms since job start
	Code    int    `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// OutputFrame builds a stdout/stderr/system frame.
func OutputFrame(kind string, data []byte, ts time.Duration) ServerFrame {
	return ServerFrame{Type: kind, Data: string(data), TS: ts.Milliseconds()}
}

// SystemFrame builds a system-channel notice.
func SystemFrame(msg string, ts time.Duration) ServerFrame {
	return ServerFrame{Type: TypeSystem, Data: msg, TS: ts.Milliseconds()}
}

// ExitFrame builds the terminal frame of a job.
func ExitFrame(code int, reason ExitReason) ServerFrame {
	return ServerFrame{Type: TypeExit, Code: code, Reason: string(reason)}
}

// RejectedFrame builds a rejection for a run that never started.
func RejectedFrame(kind Kind, message string) ServerFrame {
	return ServerFrame{Type: TypeRejected, Kind: string(kind), Message: message}
}

// AcceptedFrame acknowledges a run submission.
func AcceptedFrame() ServerFrame {
	return ServerFrame{Type: TypeAccepted}
}

// Encode serialises a frame to its wire form.
func (f ServerFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeClient parses a raw client message.
func DecodeClient(data []byte) (ClientEnvelope, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientEnvelope{}, fmt.Errorf("decode client envelope: %w", err)
	}
	if env.Type == "" {
		return ClientEnvelope{}, fmt.Errorf("decode client envelope: missing type")
	}
	return env, nil
}

// Source is one validated source file of an execution request.
type Source struct {
	Path  string
	Bytes []byte
	Entry bool
}

// ResourceProfile is the validated per-job resource envelope.
type ResourceProfile struct {
	MemMB    int
	CPU      int
	Deadline time.Duration
}

// ExecutionRequest is the immutable value submitted to the pipeline.
type ExecutionRequest struct {
	SessionID  string
	Language   lang.Tag
	Sources    []Source
	Entrypoint int // index into Sources
	Profile    ResourceProfile
}

// EntrySource returns the entrypoint source record.
func (r ExecutionRequest) EntrySource() Source {
	return r.Sources[r.Entrypoint]
}

// TotalBytes sums the size of all sources.
func (r ExecutionRequest) TotalBytes() int {
	total := 0
	for _, s := range r.Sources {
		total += len(s.Bytes)
	}
	return total
}
