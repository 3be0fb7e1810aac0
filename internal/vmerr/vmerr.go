package vmerr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	golibvirt "github.com/digitalocean/go-libvirt"
)

// Kind is the stable classification attached to every failed orchestrator
// operation. Callers branch on the kind, not on message text.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConnectionFailed
	KindDomainNotFound
	KindInvalidState
	KindResourceExhausted
	KindConfigurationError
	KindPermissionDenied
	KindOperationTimeout
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindConnectionFailed:
		return "connection_failed"
	case KindDomainNotFound:
		return "domain_not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindConfigurationError:
		return "configuration_error"
	case KindPermissionDenied:
		return "permission_denied"
	case KindOperationTimeout:
		return "operation_timeout"
	case KindInternal:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Error carries the kind, the failed operation, and the VM it applied to.
type Error struct {
	Kind Kind
	Op   string
	VM   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.VM != "" {
		b.WriteString(" ")
		b.WriteString(e.VM)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err under the given kind. A nil err yields an error that still
// reports the kind, so callers can signal pure state violations.
func E(k Kind, op, vm string, err error) *Error {
	return &Error{Kind: k, Op: op, VM: vm, Err: err}
}

// Errorf is E with a formatted cause.
func Errorf(k Kind, op, vm, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, VM: vm, Err: fmt.Errorf(format, args...)}
}

// KindOf walks the wrap chain and returns the first classified kind,
// or KindUnknown when the chain carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// FromLibvirt classifies a raw driver error. Lookup misses become
// DomainNotFound, socket/dial failures ConnectionFailed, permission
// refusals PermissionDenied, deadline hits OperationTimeout, everything
// else InternalError with the driver message preserved as context.
func FromLibvirt(op, vm string, err error) *Error {
	if err == nil {
		return nil
	}
	switch {
	case golibvirt.IsNotFound(err):
		return E(KindDomainNotFound, op, vm, err)
	case errors.Is(err, context.DeadlineExceeded):
		return E(KindOperationTimeout, op, vm, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied") || strings.Contains(msg, "authentication"):
		return E(KindPermissionDenied, op, vm, err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "no such file or directory"):
		return E(KindConnectionFailed, op, vm, err)
	case strings.Contains(msg, "timed out"):
		return E(KindOperationTimeout, op, vm, err)
	}
	return E(KindInternal, op, vm, err)
}
