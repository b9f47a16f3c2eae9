// Package keychain implements the application keychain: one ratchet chain
// per roster member, advanced per message rather than per stream, with a
// generation counter instead of the teacher's bidirectional nonce counters.
//
// Keychain is not internally synchronized; the dispatcher holds the lock
// that makes ratchet/encrypt/decrypt atomic with respect to the ledger
// event it is processing.
package keychain

import (
	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/xcrypto"
)

// MaxGeneration bounds a chain's ratchet distance before RatchetError.
const MaxGeneration = 1 << 40

const (
	labelRatchet = "ratchet"
	labelKey     = "key"
	labelNonce   = "nonce"
)

// Chain holds a ratchet's current secret and how far it has advanced.
type Chain struct {
	ChainKey   []byte
	Generation uint64
}

// Keychain maps each roster index to a sender/receiver pair of ratchet
// chains, both seeded from the same root secret at epoch start.
type Keychain struct {
	sender   map[uint32]*Chain
	receiver map[uint32]*Chain
}

// New seeds a fresh keychain for maxRosterIdx members from rootSecret: each
// member's sender and receiver chains start at generation 0 with the same
// per-member chain key, derived from the root secret and the member's index.
func New(rootSecret []byte, maxRosterIdx uint32) (*Keychain, error) {
	kc := &Keychain{
		sender:   make(map[uint32]*Chain, maxRosterIdx),
		receiver: make(map[uint32]*Chain, maxRosterIdx),
	}
	for idx := uint32(0); idx < maxRosterIdx; idx++ {
		key, err := memberChainKey(rootSecret, idx)
		if err != nil {
			return nil, err
		}
		kc.sender[idx] = &Chain{ChainKey: key}
		receiverKey := append([]byte(nil), key...)
		kc.receiver[idx] = &Chain{ChainKey: receiverKey}
	}
	return kc, nil
}

func memberChainKey(rootSecret []byte, idx uint32) ([]byte, error) {
	var idxBytes [4]byte
	idxBytes[0] = byte(idx >> 24)
	idxBytes[1] = byte(idx >> 16)
	idxBytes[2] = byte(idx >> 8)
	idxBytes[3] = byte(idx)
	prk := xcrypto.HMAC(rootSecret, idxBytes[:])
	key, err := xcrypto.HKDFExpand(prk, "member", xcrypto.KeySize)
	if err != nil {
		return nil, errs.NewCrypto("keychain derive member chain key", err)
	}
	return key, nil
}

// ratchet advances chain by one generation: next_key <- HKDF(chain_key,
// "ratchet"); generation++. Fails if generation would overflow.
func ratchet(chain *Chain) error {
	if chain.Generation+1 >= MaxGeneration {
		return errs.NewRatchet("generation would overflow")
	}
	next, err := xcrypto.HKDFExpand(chain.ChainKey, labelRatchet, xcrypto.KeySize)
	if err != nil {
		return errs.NewCrypto("keychain ratchet", err)
	}
	chain.ChainKey = next
	chain.Generation++
	return nil
}

// deriveMessageKey derives the AEAD key and nonce for chain's current
// generation, without advancing it.
func deriveMessageKey(chain *Chain) ([]byte, [xcrypto.NonceSize]byte, error) {
	var nonce [xcrypto.NonceSize]byte
	key, err := xcrypto.HKDFExpand(chain.ChainKey, labelKey, xcrypto.KeySize)
	if err != nil {
		return nil, nonce, errs.NewCrypto("keychain derive message key", err)
	}
	nonceBytes, err := xcrypto.HKDFExpand(chain.ChainKey, labelNonce, xcrypto.NonceSize)
	if err != nil {
		return nil, nonce, errs.NewCrypto("keychain derive message nonce", err)
	}
	copy(nonce[:], nonceBytes)
	return key, nonce, nil
}

// EncryptMsg derives the sender's message key at idx, seals plaintext, and
// advances the sender chain. It returns the ciphertext and the generation it
// was sealed at.
func (kc *Keychain) EncryptMsg(idx uint32, plaintext, aad []byte) ([]byte, uint64, error) {
	chain, ok := kc.sender[idx]
	if !ok {
		return nil, 0, errs.NewNotFound("sender chain")
	}

	key, nonce, err := deriveMessageKey(chain)
	if err != nil {
		return nil, 0, err
	}
	defer xcrypto.ZeroBytes(key)
	generation := chain.Generation

	sk, err := xcrypto.NewSealingKey(key, nonce)
	if err != nil {
		return nil, 0, errs.NewCrypto("keychain build sealing key", err)
	}
	ct, err := sk.Seal(plaintext, aad)
	if err != nil {
		return nil, 0, errs.NewCrypto("keychain seal", err)
	}

	if err := ratchet(chain); err != nil {
		return nil, 0, err
	}
	return ct, generation, nil
}

// DecryptMsg decrypts ciphertext received from roster index idx at
// generation g: it first synchronizes the receiver chain to g (replay if
// g < generation, RatchetError if g overflows MAX), then derives the
// message key, opens, and advances the receiver by one. Sync and advance
// happen as a single call so the chain either moves to g+1 or is left
// exactly where it was.
func (kc *Keychain) DecryptMsg(idx uint32, generation uint64, ciphertext, aad []byte) ([]byte, error) {
	chain, ok := kc.receiver[idx]
	if !ok {
		return nil, errs.NewNotFound("receiver chain")
	}

	if generation < chain.Generation {
		return nil, &errs.ReplayError{Got: generation, Want: chain.Generation}
	}
	if generation >= MaxGeneration {
		return nil, errs.NewRatchet("generation exceeds maximum")
	}

	// Work on a scratch copy so a mid-sync or decryption failure leaves the
	// real chain untouched (sender/receiver atomicity, §4.E).
	scratch := &Chain{ChainKey: append([]byte(nil), chain.ChainKey...), Generation: chain.Generation}
	for scratch.Generation < generation {
		if err := ratchet(scratch); err != nil {
			return nil, err
		}
	}

	key, nonce, err := deriveMessageKey(scratch)
	if err != nil {
		return nil, err
	}
	defer xcrypto.ZeroBytes(key)

	plaintext, err := xcrypto.Open(key, nonce, ciphertext, aad)
	if err != nil {
		return nil, errs.NewCrypto("keychain open", err)
	}

	if err := ratchet(scratch); err != nil {
		return nil, err
	}
	chain.ChainKey = scratch.ChainKey
	chain.Generation = scratch.Generation
	return plaintext, nil
}

// SenderGeneration reports the current sender generation for idx, for
// diagnostics and tests.
func (kc *Keychain) SenderGeneration(idx uint32) (uint64, bool) {
	chain, ok := kc.sender[idx]
	if !ok {
		return 0, false
	}
	return chain.Generation, true
}

// ReceiverGeneration reports the current receiver generation for idx.
func (kc *Keychain) ReceiverGeneration(idx uint32) (uint64, bool) {
	chain, ok := kc.receiver[idx]
	if !ok {
		return 0, false
	}
	return chain.Generation, true
}
