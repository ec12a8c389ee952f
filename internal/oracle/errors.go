// Copyright 2024 The go-equa Authors
// Verity Oracle Node - Error Kinds

package oracle

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
)

// ValidationError covers malformed payloads, bad signatures, unknown
// events, unregistered users, and closed voting windows. Ingress does
// not construct it: it reports these cases as a Rejected status (HTTP
// 400), and gossip drops a vote that is not accepted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// ChainError covers RPC timeouts, nonce collisions, and gas-price
// failures. Carries the number of attempts already made so callers can
// decide whether to retry this cycle or wait for the next scheduled
// drain.
type ChainError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// PeerError covers gossip dial/read/write/ping failures. Logged; the
// connection is dropped and unregistered. No retry storm.
type PeerError struct {
	Peer string
	Err  error
}

func (e *PeerError) Error() string { return fmt.Sprintf("peer %s: %v", e.Peer, e.Err) }
func (e *PeerError) Unwrap() error { return e.Err }

// StateError covers attempted backward state transitions or rewards
// set after finalization. Logged; always a no-op.
type StateError struct {
	Reason string
}

func (e *StateError) Error() string { return "state: " + e.Reason }

// Fatal logs a misconfiguration or unreadable-ABI error at startup and
// aborts the process, mirroring the teacher's main.go use of
// log.Crit for unrecoverable setup failures.
func Fatal(msg string, ctx ...interface{}) {
	log.Crit(msg, ctx...)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsChain reports whether err is (or wraps) a ChainError.
func IsChain(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce)
}
