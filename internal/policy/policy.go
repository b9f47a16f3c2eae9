// Package policy implements access-policy signature verification and the
// per-account monotonic counters used to reject replayed commands.
package policy

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/xcrypto"
)

// AccountIDSize is the length of an account id: the first 20 bytes of the
// SHA-256 digest of the access policy's public key.
const AccountIDSize = 20

// AccountID identifies a command's originating account.
type AccountID [AccountIDSize]byte

// DeriveAccountID computes account_id = H(pub_key)[:20].
func DeriveAccountID(pub *btcec.PublicKey) AccountID {
	digest := xcrypto.SHA256(pub.SerializeCompressed())
	var id AccountID
	copy(id[:], digest[:AccountIDSize])
	return id
}

// AccessPolicy binds a command plaintext to an account: a public key and a
// detached signature over the canonical payload bytes.
type AccessPolicy struct {
	PubKey    *btcec.PublicKey
	Signature [65]byte // compact ECDSA signature with embedded recovery id
}

// Verify checks Signature against payload, returning *errs.AuthError on
// mismatch.
func (ap *AccessPolicy) Verify(payload []byte) error {
	digest := xcrypto.SHA256(payload)
	recovered, _, err := ecdsa.RecoverCompact(ap.Signature[:], digest[:])
	if err != nil {
		return errs.NewAuth("invalid access policy signature")
	}
	if !recovered.IsEqual(ap.PubKey) {
		return errs.NewAuth("access policy signature does not match public key")
	}
	return nil
}

// AccountID returns the account id this policy asserts.
func (ap *AccessPolicy) AccountID() AccountID {
	return DeriveAccountID(ap.PubKey)
}

// Sign produces a compact signature (with embedded recovery id) over
// payload using sk. Used by clients constructing an AccessPolicy and by the
// enclave signing its own command-ciphertext hashes.
func Sign(sk *btcec.PrivateKey, payload []byte) [65]byte {
	digest := xcrypto.SHA256(payload)
	sig := ecdsa.SignCompact(sk, digest[:], true)
	var out [65]byte
	copy(out[:], sig)
	return out
}

// CounterStore tracks the last accepted user_counter per account, rejecting
// equal or lower values as replays. Not internally synchronized; the
// dispatcher's lock covers it.
type CounterStore struct {
	last map[AccountID]uint64
}

// NewCounterStore builds an empty counter store.
func NewCounterStore() *CounterStore {
	return &CounterStore{last: make(map[AccountID]uint64)}
}

// Check verifies that counter is exactly one greater than the last accepted
// value for account (or that account has never been seen and counter == 0:
// user_counter = 0 is accepted only on the first-ever command from that
// account). It does not mutate the store; call Accept after the command has
// otherwise been fully validated and applied.
func (cs *CounterStore) Check(account AccountID, counter uint64) error {
	last, ok := cs.last[account]
	if !ok {
		if counter != 0 {
			return &errs.ReplayError{Got: counter, Want: 0}
		}
		return nil
	}
	if counter != last+1 {
		return &errs.ReplayError{Got: counter, Want: last + 1}
	}
	return nil
}

// Accept records counter as the last accepted value for account.
func (cs *CounterStore) Accept(account AccountID, counter uint64) {
	cs.last[account] = counter
}

// Last returns the last accepted counter for account, and whether one has
// ever been recorded.
func (cs *CounterStore) Last(account AccountID) (uint64, bool) {
	v, ok := cs.last[account]
	return v, ok
}
