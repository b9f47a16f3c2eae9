package ecies

import (
	"bytes"
	"testing"

	"github.com/stateruntime/staterund/internal/xcrypto"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sk, err := xcrypto.GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1() error = %v", err)
	}

	plaintext := []byte("a path secret's worth of bytes")
	env, err := Encrypt(sk.PubKey(), plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	got, err := Decrypt(sk, env)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestEncryptUsesFreshEphemeralKeyEachCall(t *testing.T) {
	sk, err := xcrypto.GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1() error = %v", err)
	}

	plaintext := []byte("same plaintext twice")
	envA, err := Encrypt(sk.PubKey(), plaintext)
	if err != nil {
		t.Fatalf("Encrypt() first call error = %v", err)
	}
	envB, err := Encrypt(sk.PubKey(), plaintext)
	if err != nil {
		t.Fatalf("Encrypt() second call error = %v", err)
	}

	if envA.EphemeralPub == envB.EphemeralPub {
		t.Error("two Encrypt calls reused the same ephemeral public key")
	}
	if bytes.Equal(envA.Ciphertext, envB.Ciphertext) {
		t.Error("two Encrypt calls of the same plaintext produced identical ciphertexts")
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	recipient, err := xcrypto.GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1() recipient error = %v", err)
	}
	other, err := xcrypto.GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1() other error = %v", err)
	}

	env, err := Encrypt(recipient.PubKey(), []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := Decrypt(other, env); err == nil {
		t.Error("Decrypt() with the wrong private key succeeded, want error")
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	sk, err := xcrypto.GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1() error = %v", err)
	}
	env, err := Encrypt(sk.PubKey(), []byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	env.Ciphertext[0] ^= 0xFF

	if _, err := Decrypt(sk, env); err == nil {
		t.Error("Decrypt() of tampered ciphertext succeeded, want error")
	}
}
