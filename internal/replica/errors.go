package replica

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// Code classifies a replica or adapter failure.
type Code uint8

const (
	CodeNone Code = iota
	CodeUnknown
	CodeObjectNotFound
	CodePartial
	CodeLastWriteTimeTooRecent
	CodeTooManyChildren
	CodeFreeSpaceExceeded
	CodeIntegrityFailure
	CodeCancelled
	CodeDirtyNode
	CodeDirtyBranch
	CodeDirtyDestination
	CodeRetryRateLimitExceeded
	CodeAccessRateLimitExceeded
	CodeNameConflict
	CodeSyncRootDisabled
	CodeVersionMismatch
	CodeNotSupported
)

var codeNames = map[Code]string{
	CodeNone:                    "None",
	CodeUnknown:                 "Unknown",
	CodeObjectNotFound:          "ObjectNotFound",
	CodePartial:                 "Partial",
	CodeLastWriteTimeTooRecent:  "LastWriteTimeTooRecent",
	CodeTooManyChildren:         "TooManyChildren",
	CodeFreeSpaceExceeded:       "FreeSpaceExceeded",
	CodeIntegrityFailure:        "IntegrityFailure",
	CodeCancelled:               "Cancelled",
	CodeDirtyNode:               "DirtyNode",
	CodeDirtyBranch:             "DirtyBranch",
	CodeDirtyDestination:        "DirtyDestination",
	CodeRetryRateLimitExceeded:  "RetryRateLimitExceeded",
	CodeAccessRateLimitExceeded: "AccessRateLimitExceeded",
	CodeNameConflict:            "NameConflict",
	CodeSyncRootDisabled:        "SyncRootDisabled",
	CodeVersionMismatch:         "VersionMismatch",
	CodeNotSupported:            "NotSupported",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", uint8(c))
}

func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Code) UnmarshalText(text []byte) error {
	parsed, ok := ParseCode(string(text))
	if !ok {
		return fmt.Errorf("unknown code %q", string(text))
	}
	*c = parsed
	return nil
}

func ParseCode(raw string) (Code, bool) {
	raw = strings.TrimSpace(raw)
	for code, name := range codeNames {
		if strings.EqualFold(name, raw) {
			return code, true
		}
	}
	return CodeNone, false
}

// Retryable reports whether the caller may retry an operation that failed
// with this code on its own schedule.
func (c Code) Retryable() bool {
	switch c {
	case CodeDirtyNode, CodeDirtyBranch, CodeDirtyDestination,
		CodeNameConflict, CodeTooManyChildren, CodePartial,
		CodeIntegrityFailure, CodeLastWriteTimeTooRecent,
		CodeFreeSpaceExceeded, CodeUnknown,
		CodeRetryRateLimitExceeded, CodeAccessRateLimitExceeded:
		return true
	default:
		return false
	}
}

var (
	ErrObjectNotFound          = errors.New("object not found")
	ErrPartial                 = errors.New("partial content")
	ErrLastWriteTimeTooRecent  = errors.New("last write time too recent")
	ErrTooManyChildren         = errors.New("too many children")
	ErrFreeSpaceExceeded       = errors.New("free space exceeded")
	ErrIntegrityFailure        = errors.New("integrity failure")
	ErrCancelled               = errors.New("cancelled")
	ErrDirtyNode               = errors.New("dirty node")
	ErrDirtyBranch             = errors.New("dirty branch")
	ErrDirtyDestination        = errors.New("dirty destination")
	ErrRetryRateLimitExceeded  = errors.New("retry rate limit exceeded")
	ErrAccessRateLimitExceeded = errors.New("access rate limit exceeded")
	ErrNameConflict            = errors.New("name conflict")
	ErrSyncRootDisabled        = errors.New("sync root disabled")
	ErrVersionMismatch         = errors.New("content version mismatch")
	ErrNotSupported            = errors.New("not supported")
)

var codeSentinels = map[Code]error{
	CodeObjectNotFound:          ErrObjectNotFound,
	CodePartial:                 ErrPartial,
	CodeLastWriteTimeTooRecent:  ErrLastWriteTimeTooRecent,
	CodeTooManyChildren:         ErrTooManyChildren,
	CodeFreeSpaceExceeded:       ErrFreeSpaceExceeded,
	CodeIntegrityFailure:        ErrIntegrityFailure,
	CodeCancelled:               ErrCancelled,
	CodeDirtyNode:               ErrDirtyNode,
	CodeDirtyBranch:             ErrDirtyBranch,
	CodeDirtyDestination:        ErrDirtyDestination,
	CodeRetryRateLimitExceeded:  ErrRetryRateLimitExceeded,
	CodeAccessRateLimitExceeded: ErrAccessRateLimitExceeded,
	CodeNameConflict:            ErrNameConflict,
	CodeSyncRootDisabled:        ErrSyncRootDisabled,
	CodeVersionMismatch:         ErrVersionMismatch,
	CodeNotSupported:            ErrNotSupported,
}

// Error is a typed failure. errors.Is matches it against the sentinel of
// its code.
type Error struct {
	Code Code
	Op   string
	Path string
	Err  error
}

func NewError(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func Errorf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Code.String())
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	sentinel, ok := codeSentinels[e.Code]
	return ok && target == sentinel
}

// CodeOf classifies err. Unclassified errors are CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled
	case errors.Is(err, os.ErrNotExist):
		return CodeObjectNotFound
	case errors.Is(err, os.ErrExist):
		return CodeNameConflict
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return CodeFreeSpaceExceeded
	case errors.Is(err, syscall.EMLINK):
		return CodeTooManyChildren
	}
	for code, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Wrap returns err as a typed Error, classifying it when needed.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Code: CodeOf(err), Op: op, Err: err}
}
