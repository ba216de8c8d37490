// Package poolerr defines the typed error-kind taxonomy every worker's
// outer loop classifies against: transient I/O, protocol violations,
// persistence failures, rule-source failures, invariant violations, and
// fatal boot conditions. Each kind is its own type wrapping the
// underlying cause with Unwrap, so callers keep %w/errors.Is/errors.As
// all the way through to the original error while still being able to
// errors.As for the kind itself to decide a retry/skip/exit policy.
package poolerr

import "fmt"

// TransientIOError marks a failure expected to clear on retry: a socket
// timeout, a TCP reset, a broker connection drop, a node RPC refusal.
// Policy: local retry with jittered exponential backoff, component-level
// reconnect.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string { return fmt.Sprintf("%s: transient I/O: %v", e.Op, e.Err) }
func (e *TransientIOError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientIOError tagged with op. Returns nil
// if err is nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

// ProtocolError marks a malformed unit of input: a bad JSON frame, a
// missing scriptSig/coinbase field, an unparseable varint. Policy: log
// and skip the offending unit; never crash the worker.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("%s: protocol: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// Protocol wraps err as a ProtocolError tagged with op. Returns nil if
// err is nil.
func Protocol(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{Op: op, Err: err}
}

// PersistenceError marks a document-store write failure. Policy: log,
// continue; the publish path is independent and must not be blocked by
// it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: persistence: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError tagged with op. Returns
// nil if err is nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// RuleSourceError marks a failure loading the pool rule set from any of
// its three sources (HTTP, local file, store). Policy: retry, fall back
// to the next source, and failing all three, keep the previous snapshot.
type RuleSourceError struct {
	Op  string
	Err error
}

func (e *RuleSourceError) Error() string { return fmt.Sprintf("%s: rule source: %v", e.Op, e.Err) }
func (e *RuleSourceError) Unwrap() error { return e.Err }

// RuleSource wraps err as a RuleSourceError tagged with op. Returns nil
// if err is nil.
func RuleSource(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RuleSourceError{Op: op, Err: err}
}

// InvariantError marks a value that violates an assumed invariant: a
// height decode out of range, a negative extranonce2 length. Policy:
// substitute a safe default and flag it; never propagate as a hard
// failure.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string { return fmt.Sprintf("%s: invariant: %v", e.Op, e.Err) }
func (e *InvariantError) Unwrap() error { return e.Err }

// Invariant wraps err as an InvariantError tagged with op. Returns nil
// if err is nil.
func Invariant(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InvariantError{Op: op, Err: err}
}

// FatalError marks an unrecoverable boot condition: unable to bind the
// proxy listen port, unable to reach the node after exhausting retries.
// Policy: exit with a non-zero status.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError tagged with op. Returns nil if err is
// nil.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}
