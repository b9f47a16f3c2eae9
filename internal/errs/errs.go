// Package errs collects the typed error kinds shared across the state
// runtime core, and the policy for mapping them onto HTTP status codes.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// CryptoError wraps AEAD tag mismatches and invalid curve points.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("crypto: %s: %v", e.Op, e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// NewCrypto builds a *CryptoError.
func NewCrypto(op string, err error) *CryptoError { return &CryptoError{Op: op, Err: err} }

// AuthError wraps access-policy signature and account id mismatches.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

// NewAuth builds an *AuthError.
func NewAuth(reason string) *AuthError { return &AuthError{Reason: reason} }

// ReplayError is returned when a per-user counter is not the next expected
// value (Want), or when a ratchet generation (Got) is behind the receiver
// chain's current generation (Want).
type ReplayError struct {
	Got, Want uint64
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay: counter %d rejected, expected %d", e.Got, e.Want)
}

// OrderError is returned when the ledger-observed state counter is out of sequence.
type OrderError struct {
	Got, Want uint64
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order: state_counter %d, expected %d", e.Got, e.Want)
}

// RatchetError wraps generation overflow and out-of-range ratchet advances.
type RatchetError struct {
	Reason string
}

func (e *RatchetError) Error() string { return "ratchet: " + e.Reason }

// NewRatchet builds a *RatchetError.
func NewRatchet(reason string) *RatchetError { return &RatchetError{Reason: reason} }

// EpochError is returned when a handshake's prior_epoch does not match the
// current epoch.
type EpochError struct {
	Got, Want uint32
}

func (e *EpochError) Error() string {
	return fmt.Sprintf("epoch: handshake prior_epoch %d, current epoch %d", e.Got, e.Want)
}

// NotFoundError is returned when a path secret id is missing locally and
// recovery is disabled or empty.
type NotFoundError struct {
	What string
}

func (e *NotFoundError) Error() string { return e.What + ": not found" }

// NewNotFound builds a *NotFoundError.
func NewNotFound(what string) *NotFoundError { return &NotFoundError{What: what} }

// LedgerError wraps the transport error from the out-of-scope ledger driver,
// classified retryable or fatal.
type LedgerError struct {
	Retryable bool
	Err       error
}

func (e *LedgerError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("ledger (retryable): %v", e.Err)
	}
	return fmt.Sprintf("ledger (fatal): %v", e.Err)
}
func (e *LedgerError) Unwrap() error { return e.Err }

// PolicyError is returned for invalid configuration.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string { return "policy: " + e.Reason }

// NewPolicy builds a *PolicyError.
func NewPolicy(reason string) *PolicyError { return &PolicyError{Reason: reason} }

// HTTPStatus maps an error produced by the core onto the HTTP status code
// the façade should respond with, per the propagation policy in the design.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var authErr *AuthError
	var replayErr *ReplayError
	var policyErr *PolicyError
	var cryptoErr *CryptoError
	var orderErr *OrderError
	var ledgerErr *LedgerError
	var notFoundErr *NotFoundError
	var epochErr *EpochError
	var ratchetErr *RatchetError

	switch {
	case errors.As(err, &authErr), errors.As(err, &replayErr), errors.As(err, &policyErr):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.As(err, &cryptoErr), errors.As(err, &orderErr), errors.As(err, &epochErr), errors.As(err, &ratchetErr):
		return http.StatusInternalServerError
	case errors.As(err, &ledgerErr):
		if ledgerErr.Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
