// Package xcrypto provides the primitive building blocks shared by every
// other component of the state runtime core: HKDF expansion, HMAC, the
// AES-256-GCM AEAD with a single-use nonce sequence, SECP256K1 Diffie-Hellman,
// SHA-256 hashing, and CSPRNG access.
//
// Every operation here is meant to run inside the trusted compute boundary;
// none of it touches the network or the filesystem.
package xcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of a derived symmetric key in bytes.
	KeySize = 32

	// NonceSize is the size of an AES-GCM nonce in bytes.
	NonceSize = 12

	// TagSize is the size of the AES-GCM authentication tag in bytes.
	TagSize = 16

	// PubKeySize is the size of a compressed SECP256K1 public key in bytes.
	PubKeySize = 33

	// domainLabel prefixes every HKDF info structure so that this runtime's
	// key derivations can never collide with another protocol's use of the
	// same root key, even if one were (incorrectly) shared.
	domainLabel = "anonifyecies"
)

// ZeroBytes overwrites b with zeroes. Call it on any secret slice once it is
// no longer needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data ...[]byte) [32]byte {
	h := sha256.New()
	for _, d := range data {
		h.Write(d)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HMAC computes HMAC-SHA-256 over data keyed by key.
func HMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HKDFExpand derives outLen bytes from prk using RFC 5869 HKDF-Expand over
// HMAC-SHA-256. The info structure is domain-separated as
// {length: u16, label: "anonifyecies" || label}, per the key-schedule design.
func HKDFExpand(prk []byte, label string, outLen int) ([]byte, error) {
	if outLen <= 0 || outLen > 255*sha256.Size {
		return nil, fmt.Errorf("xcrypto: invalid HKDF output length %d", outLen)
	}

	info := make([]byte, 0, 2+len(domainLabel)+len(label))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(outLen))
	info = append(info, lenBuf[:]...)
	info = append(info, domainLabel...)
	info = append(info, label...)

	out := make([]byte, outLen)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, fmt.Errorf("xcrypto: HKDF expand: %w", err)
	}
	return out, nil
}

// RandomBytes fills b with CSPRNG output from the trusted boundary's random
// source.
func RandomBytes(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}

// GenerateSecp256k1 samples a fresh SECP256K1 private key, retrying until
// the sampled scalar is a valid private key (vanishingly unlikely to loop
// more than once).
func GenerateSecp256k1() (*btcec.PrivateKey, error) {
	for {
		var raw [32]byte
		if err := RandomBytes(raw[:]); err != nil {
			return nil, fmt.Errorf("xcrypto: generate private key: %w", err)
		}
		priv, overflow := new(btcec.ModNScalar), false
		overflow = priv.SetByteSlice(raw[:])
		ZeroBytes(raw[:])
		if overflow || priv.IsZero() {
			continue
		}
		return btcec.PrivKeyFromScalar(priv), nil
	}
}

// DeriveSecp256k1 derives a deterministic SECP256K1 private key from seed,
// by HKDF-expanding the SHA-256 digest of seed under the domain label "dh"
// and using the 32-byte result as the scalar. A result that is zero or not
// below the curve order is rejected with an error. Unlike GenerateSecp256k1,
// this never retries: an invalid scalar here would mean the caller must
// re-derive from a different seed upstream (vanishingly unlikely for a
// uniform 32-byte seed).
func DeriveSecp256k1(seed []byte) (*btcec.PrivateKey, error) {
	digest := SHA256(seed)
	material, err := HKDFExpand(digest[:], "dh", 32)
	if err != nil {
		return nil, fmt.Errorf("xcrypto: derive key material: %w", err)
	}
	scalar := new(btcec.ModNScalar)
	overflow := scalar.SetByteSlice(material)
	if overflow || scalar.IsZero() {
		return nil, errors.New("xcrypto: derived scalar is invalid")
	}
	return btcec.PrivKeyFromScalar(scalar), nil
}

// DH performs SECP256K1 scalar-point multiplication, returning the
// compressed 33-byte encoding of priv*pub.
func DH(priv *btcec.PrivateKey, pub *btcec.PublicKey) ([PubKeySize]byte, error) {
	if priv == nil || pub == nil {
		return [PubKeySize]byte{}, errors.New("xcrypto: nil key in DH")
	}

	var result btcec.JacobianPoint
	pub.AsJacobian(&result)
	btcec.ScalarMultNonConst(&priv.Key, &result, &result)
	result.ToAffine()
	shared := btcec.NewPublicKey(&result.X, &result.Y)

	var out [PubKeySize]byte
	copy(out[:], shared.SerializeCompressed())
	return out, nil
}

// ParsePubKey parses a compressed 33-byte SECP256K1 public key.
func ParsePubKey(b []byte) (*btcec.PublicKey, error) {
	if len(b) != PubKeySize {
		return nil, fmt.Errorf("xcrypto: public key must be %d bytes, got %d", PubKeySize, len(b))
	}
	pub, err := btcec.ParsePubKey(b)
	if err != nil {
		return nil, NewCryptoErr("parse public key", err)
	}
	return pub, nil
}

// NewCryptoErr is a small indirection so callers outside this package don't
// need to import errs just to wrap a crypto failure; dispatcher-facing
// packages re-wrap these into *errs.CryptoError at the boundary.
func NewCryptoErr(op string, err error) error {
	return fmt.Errorf("xcrypto: %s: %w", op, err)
}

// aesGCM builds a cipher.AEAD from a 32-byte key.
func aesGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("xcrypto: AEAD key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// NonceSequence yields a single 12-byte nonce exactly once. A second call to
// Take fails, which is how this package enforces that a sealing key can
// never be reused across two AEAD operations.
type NonceSequence struct {
	nonce    [NonceSize]byte
	consumed bool
}

// NewNonceSequence wraps a nonce so it can be taken at most once.
func NewNonceSequence(nonce [NonceSize]byte) *NonceSequence {
	return &NonceSequence{nonce: nonce}
}

// Take returns the wrapped nonce the first time it is called, and an error
// on every subsequent call.
func (n *NonceSequence) Take() ([NonceSize]byte, error) {
	if n.consumed {
		return [NonceSize]byte{}, errors.New("xcrypto: nonce sequence already consumed")
	}
	n.consumed = true
	return n.nonce, nil
}

// SealingKey binds an AES-256-GCM key to a single-use nonce sequence. Once
// Seal has been called, the key is consumed: a second Seal call always
// fails, by construction rather than by convention.
type SealingKey struct {
	key []byte
	seq *NonceSequence
}

// NewSealingKey builds a SealingKey from a 32-byte key and the nonce it may
// be used with exactly once.
func NewSealingKey(key []byte, nonce [NonceSize]byte) (*SealingKey, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("xcrypto: sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	return &SealingKey{key: key, seq: NewNonceSequence(nonce)}, nil
}

// Seal encrypts plaintext with empty or caller-supplied additional data,
// appending the tag. It consumes the key's nonce; a second call returns an
// error without touching the ciphertext.
func (k *SealingKey) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce, err := k.seq.Take()
	if err != nil {
		return nil, err
	}
	aead, err := aesGCM(k.key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open decrypts ciphertext sealed under key with nonce and aad. Unlike Seal,
// Open carries no single-use restriction: a receiver may be asked to open
// several candidate ciphertexts (e.g. while catching up a ratchet) and must
// be able to retry.
func Open(key []byte, nonce [NonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := aesGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, NewCryptoErr("AEAD open", err)
	}
	return plaintext, nil
}
