package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/treekem"
)

// RetryConfig controls WithRetry's fixed-delay retry policy.
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryConfig returns the same retry settings as the config
// package's defaults for ledger.request_retries and ledger.retry_delay.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, Delay: 2 * time.Second}
}

// retrying wraps a Client, retrying retryable *errs.LedgerError failures
// with a fixed delay up to cfg.MaxAttempts. Fatal errors of any kind
// surface immediately.
type retrying struct {
	inner Client
	cfg   RetryConfig
}

// WithRetry wraps inner so that transport failures classified retryable by
// the underlying driver are retried with a fixed delay, per §7's
// propagation policy: "LedgerError retryable variants are retried with
// fixed delay up to REQUEST_RETRIES; fatal variants surface."
func WithRetry(inner Client, cfg RetryConfig) Client {
	return &retrying{inner: inner, cfg: cfg}
}

func (r *retrying) FetchEvents(ctx context.Context, fromBlock uint64) ([]Event, uint64, error) {
	var events []Event
	var latest uint64
	err := r.do(ctx, func() error {
		var ferr error
		events, latest, ferr = r.inner.FetchEvents(ctx, fromBlock)
		return ferr
	})
	return events, latest, err
}

func (r *retrying) SubmitCiphertext(ctx context.Context, rosterIdx uint32, epoch uint32, generation uint64, ciphertext []byte, sig [65]byte) (string, error) {
	var txHash string
	err := r.do(ctx, func() error {
		var serr error
		txHash, serr = r.inner.SubmitCiphertext(ctx, rosterIdx, epoch, generation, ciphertext, sig)
		return serr
	})
	return txHash, err
}

func (r *retrying) SubmitHandshake(ctx context.Context, msg *treekem.HandshakeMessage) (string, error) {
	var txHash string
	err := r.do(ctx, func() error {
		var serr error
		txHash, serr = r.inner.SubmitHandshake(ctx, msg)
		return serr
	})
	return txHash, err
}

func (r *retrying) do(ctx context.Context, op func() error) error {
	attempts := r.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		var ledgerErr *errs.LedgerError
		if !errors.As(lastErr, &ledgerErr) || !ledgerErr.Retryable {
			return lastErr
		}
		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.Delay):
		}
	}
	return lastErr
}
