package policy

import (
	"errors"
	"testing"

	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/xcrypto"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	sk, err := xcrypto.GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1() error = %v", err)
	}
	payload := []byte("runtime_params || cmd_name || user_counter")

	ap := &AccessPolicy{PubKey: sk.PubKey(), Signature: Sign(sk, payload)}
	if err := ap.Verify(payload); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	sk, err := xcrypto.GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1() error = %v", err)
	}
	payload := []byte("original payload")
	ap := &AccessPolicy{PubKey: sk.PubKey(), Signature: Sign(sk, payload)}

	var authErr *errs.AuthError
	err = ap.Verify([]byte("tampered payload"))
	if !errors.As(err, &authErr) {
		t.Errorf("Verify() of tampered payload error = %v, want *errs.AuthError", err)
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	sk, err := xcrypto.GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1() error = %v", err)
	}
	other, err := xcrypto.GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1() error = %v", err)
	}
	payload := []byte("a command")

	ap := &AccessPolicy{PubKey: other.PubKey(), Signature: Sign(sk, payload)}
	if err := ap.Verify(payload); err == nil {
		t.Error("Verify() with mismatched pubkey succeeded, want *errs.AuthError")
	}
}

func TestDeriveAccountIDDeterministic(t *testing.T) {
	sk, err := xcrypto.GenerateSecp256k1()
	if err != nil {
		t.Fatalf("GenerateSecp256k1() error = %v", err)
	}
	a := DeriveAccountID(sk.PubKey())
	b := DeriveAccountID(sk.PubKey())
	if a != b {
		t.Error("DeriveAccountID is not deterministic for the same public key")
	}
}

func TestCounterStoreRejectsReplayAndGap(t *testing.T) {
	cs := NewCounterStore()
	var account AccountID
	account[0] = 0x42

	if err := cs.Check(account, 0); err != nil {
		t.Fatalf("Check() genesis counter error = %v", err)
	}
	cs.Accept(account, 0)

	if err := cs.Check(account, 0); err == nil {
		t.Error("Check() accepted a replayed counter value")
	}
	if err := cs.Check(account, 5); err == nil {
		t.Error("Check() accepted a counter value that skipped ahead")
	}
	if err := cs.Check(account, 1); err != nil {
		t.Errorf("Check() of the next sequential counter error = %v", err)
	}
}
