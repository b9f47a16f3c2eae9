// Package ecies implements the hybrid encryption used to wrap path secrets
// to specific roster members: a fresh ephemeral SECP256K1 keypair per
// message, combined via Diffie-Hellman with the recipient's public key into
// an AES-256-GCM key and nonce.
package ecies

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/xcrypto"
)

// Envelope is the output of Encrypt: an ephemeral public key plus the sealed
// ciphertext (tag included).
type Envelope struct {
	EphemeralPub [xcrypto.PubKeySize]byte
	Ciphertext   []byte
}

// Encrypt wraps plaintext to recipientPub: sample an ephemeral DH keypair,
// derive an AEAD key and nonce from the shared point, and seal with empty
// additional data.
func Encrypt(recipientPub *btcec.PublicKey, plaintext []byte) (*Envelope, error) {
	esk, err := xcrypto.GenerateSecp256k1()
	if err != nil {
		return nil, errs.NewCrypto("ecies generate ephemeral key", err)
	}
	epk := esk.PubKey()

	shared, err := xcrypto.DH(esk, recipientPub)
	if err != nil {
		return nil, errs.NewCrypto("ecies dh", err)
	}

	key, nonce, err := deriveKeyNonce(epk, shared)
	if err != nil {
		return nil, err
	}
	defer xcrypto.ZeroBytes(key)

	sk, err := xcrypto.NewSealingKey(key, nonce)
	if err != nil {
		return nil, errs.NewCrypto("ecies build sealing key", err)
	}
	ct, err := sk.Seal(plaintext, nil)
	if err != nil {
		return nil, errs.NewCrypto("ecies seal", err)
	}

	var epkBytes [xcrypto.PubKeySize]byte
	copy(epkBytes[:], epk.SerializeCompressed())

	return &Envelope{EphemeralPub: epkBytes, Ciphertext: ct}, nil
}

// Decrypt mirrors Encrypt's derivation using the recipient's private key.
// It fails with a *errs.CryptoError on any AEAD verification failure or
// invalid ephemeral point.
func Decrypt(sk *btcec.PrivateKey, env *Envelope) ([]byte, error) {
	epk, err := xcrypto.ParsePubKey(env.EphemeralPub[:])
	if err != nil {
		return nil, errs.NewCrypto("ecies parse ephemeral pubkey", err)
	}

	shared, err := xcrypto.DH(sk, epk)
	if err != nil {
		return nil, errs.NewCrypto("ecies dh", err)
	}

	key, nonce, err := deriveKeyNonce(epk, shared)
	if err != nil {
		return nil, err
	}
	defer xcrypto.ZeroBytes(key)

	plaintext, err := xcrypto.Open(key, nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, errs.NewCrypto("ecies open", err)
	}
	return plaintext, nil
}

// deriveKeyNonce implements step 2-3 of the ECIES derivation: master = epk ||
// shared (both compressed), prk = HMAC(master), then a 32-byte AEAD key under
// label "key" and a 12-byte nonce under label "nonce".
func deriveKeyNonce(epk *btcec.PublicKey, shared [xcrypto.PubKeySize]byte) ([]byte, [xcrypto.NonceSize]byte, error) {
	var nonce [xcrypto.NonceSize]byte

	master := make([]byte, 0, 2*xcrypto.PubKeySize)
	master = append(master, epk.SerializeCompressed()...)
	master = append(master, shared[:]...)

	prk := xcrypto.HMAC(master, master)

	key, err := xcrypto.HKDFExpand(prk, "key", xcrypto.KeySize)
	if err != nil {
		return nil, nonce, fmt.Errorf("ecies: derive key: %w", err)
	}
	nonceBytes, err := xcrypto.HKDFExpand(prk, "nonce", xcrypto.NonceSize)
	if err != nil {
		return nil, nonce, fmt.Errorf("ecies: derive nonce: %w", err)
	}
	copy(nonce[:], nonceBytes)
	return key, nonce, nil
}
