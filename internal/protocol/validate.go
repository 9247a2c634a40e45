// SPDX-License-Identifier: MIT

package protocol

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/Hemanthkumar2k04/coderunner/internal/lang"
)

// Rejection explains why a run envelope was refused at admission.
type Rejection struct {
	Kind    Kind
	Message string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

func reject(kind Kind, format string, args ...any) (ExecutionRequest, *Rejection) {
	return ExecutionRequest{}, &Rejection{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ValidateLimits clamps the client-supplied limits against configured bounds.
type ValidateLimits struct {
	DefaultDeadline time.Duration
	HardDeadline    time.Duration
	MaxSourceBytes  int
}

// ValidateRun turns a run envelope into an ExecutionRequest, or a Rejection.
// Validation failures never reach the pool or the pipeline.
func ValidateRun(sessionID string, env ClientEnvelope, reg *lang.Registry, bounds ValidateLimits) (ExecutionRequest, *Rejection) {
	tag, err := lang.Parse(env.Language)
	if err != nil {
		return reject(KindUnknownLanguage, "language %q is not supported", env.Language)
	}
	profile, ok := reg.Resolve(tag)
	if !ok {
		return reject(KindUnknownLanguage, "language %q is not supported", env.Language)
	}

	if len(env.Files) == 0 {
		return reject(KindNoEntrypoint, "request contains no files")
	}

	entry := -1
	sources := make([]Source, 0, len(env.Files))
	for i, f := range env.Files {
		if f.Path == "" {
			return reject(KindFileTransferFailed, "file %d has an empty path", i)
		}
		if !profile.AllowedExtension(f.Path) {
			return reject(KindFileTransferFailed, "file %q has a disallowed extension for %s", f.Path, tag)
		}
		if _, err := SafeRelPath(f.Path); err != nil {
			return reject(KindPathEscape, "file path %q escapes the working root", f.Path)
		}
		if f.Entry {
			if entry >= 0 {
				return reject(KindMultipleEntrypoint, "files %q and %q both marked as entrypoint", env.Files[entry].Path, f.Path)
			}
			entry = i
		}
		sources = append(sources, Source{Path: f.Path, Bytes: []byte(f.Content), Entry: f.Entry})
	}
	if entry < 0 {
		return reject(KindNoEntrypoint, "no file marked as entrypoint")
	}

	deadline := bounds.DefaultDeadline
	if env.Limits.DeadlineMs > 0 {
		deadline = time.Duration(env.Limits.DeadlineMs) * time.Millisecond
	}
	if bounds.HardDeadline > 0 && deadline > bounds.HardDeadline {
		deadline = bounds.HardDeadline
	}

	req := ExecutionRequest{
		SessionID:  sessionID,
		Language:   tag,
		Sources:    sources,
		Entrypoint: entry,
		Profile: ResourceProfile{
			MemMB:    env.Limits.MemMB,
			CPU:      env.Limits.CPU,
			Deadline: deadline,
		},
	}
	if bounds.MaxSourceBytes > 0 && req.TotalBytes() > bounds.MaxSourceBytes {
		return reject(KindTooLarge, "sources total %d bytes, cap is %d", req.TotalBytes(), bounds.MaxSourceBytes)
	}
	return req, nil
}

// SafeRelPath normalises a client-supplied path and rejects anything that
// would escape the sandbox working root. Checked again at the transfer
// stage, where the rejection surfaces as path-escape.
func SafeRelPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return "", fmt.Errorf("absolute path %q not permitted", p)
	}
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the working root", p)
	}
	if strings.Contains(cleaned, "\x00") {
		return "", fmt.Errorf("path %q contains NUL", p)
	}
	return cleaned, nil
}
