// SPDX-License-Identifier: MIT

package protocol

// Kind is the closed set of error kinds surfaced in rejected frames,
// exit reasons, and logs.
type Kind string

const (
	KindOK                 Kind = "ok"
	KindUnknownLanguage    Kind = "unknown-language"
	KindNoEntrypoint       Kind = "no-entrypoint"
	KindMultipleEntrypoint Kind = "multiple-entrypoints"
	KindTooLarge           Kind = "too-large"
	KindBusy               Kind = "busy"
	KindPathEscape         Kind = "path-escape"
	KindServiceUnavailable Kind = "service-unavailable"
	KindQueueCancelled     Kind = "queue-cancelled"
	KindSandboxUnavailable Kind = "sandbox-unavailable"
	KindFileTransferFailed Kind = "file-transfer-failed"
	KindDeadlineExceeded   Kind = "deadline-exceeded"
	KindKilled             Kind = "killed"
	KindCrashed            Kind = "crashed"
)

// ExitReason is the reason field of an exit frame.
type ExitReason string

const (
	ReasonOK          ExitReason = "ok"
	ReasonCancelled   ExitReason = "cancelled"
	ReasonUnavailable ExitReason = "unavailable"
	ReasonIO          ExitReason = "io"
	ReasonTimeout     ExitReason = "timeout"
	ReasonCrash       ExitReason = "crash"
)

// Reason maps an error kind to the exit reason shown to the client.
func (k Kind) Reason() ExitReason {
	switch k {
	case KindOK:
		return ReasonOK
	case KindQueueCancelled, KindKilled:
		return ReasonCancelled
	case KindSandboxUnavailable:
		return ReasonUnavailable
	case KindFileTransferFailed, KindPathEscape:
		return ReasonIO
	case KindDeadlineExceeded:
		return ReasonTimeout
	case KindCrashed:
		return ReasonCrash
	}
	return ReasonCrash
}
