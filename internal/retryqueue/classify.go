package retryqueue

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

type classifiedError struct {
	err    error
	class  Class
	reason string
}

func (e *classifiedError) Error() string {
	return e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTransient,
		reason: "explicit_transient",
	}
}

func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{
		err:    err,
		class:  ClassTerminal,
		reason: "explicit_terminal",
	}
}

// Classify decides whether a processing failure enters the retry queue.
// Unknown errors default to transient: the pipeline promises at-least-once
// completion after admission, so only failures known to be unrecoverable
// (bad data, canceled work, integrity violations) bypass the queue.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	var marked *classifiedError
	if errors.As(err, &marked) {
		return Decision{Class: marked.class, Reason: marked.reason}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgresCode(string(pqErr.Code))
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Decision{Class: ClassTransient, Reason: "net_timeout"}
		}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTransient, Reason: "unknown_transient_default"}
}

// classifyPostgresCode maps SQLSTATE classes: connection trouble, resource
// exhaustion, and serialization failures clear up on retry; integrity
// violations and syntax-class errors never will.
func classifyPostgresCode(code string) Decision {
	switch {
	case code == "40001" || code == "40P01": // serialization_failure, deadlock_detected
		return Decision{Class: ClassTransient, Reason: "pg_serialization"}
	case code == "55P03" || code == "57014": // lock_not_available, query_canceled (statement_timeout)
		return Decision{Class: ClassTransient, Reason: "pg_contention"}
	case strings.HasPrefix(code, "08"): // connection exceptions
		return Decision{Class: ClassTransient, Reason: "pg_connection"}
	case strings.HasPrefix(code, "53"): // insufficient resources
		return Decision{Class: ClassTransient, Reason: "pg_resources"}
	case strings.HasPrefix(code, "23"): // integrity constraint violations
		return Decision{Class: ClassTerminal, Reason: "pg_integrity"}
	default:
		return Decision{Class: ClassTerminal, Reason: "pg_" + code}
	}
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"rate limit",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"server closed idle connection",
}

var terminalMessageTokens = []string{
	"unknown deposit address",
	"invalid amount",
	"insufficient balance",
	"duplicate request",
	"invalid argument",
	"parse error",
	"not found",
	"constraint violation",
}
