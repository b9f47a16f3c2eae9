package treekem

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/pathsecret"
	"github.com/stateruntime/staterund/internal/xcrypto"
)

func freshLeafSecret(t *testing.T) []byte {
	t.Helper()
	var s [xcrypto.KeySize]byte
	if err := xcrypto.RandomBytes(s[:]); err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}
	return s[:]
}

func newTestGroup(t *testing.T, maxRosterIdx, myIdx uint32) (*GroupState, []byte) {
	t.Helper()
	secret := freshLeafSecret(t)
	gs, err := NewGroupState(maxRosterIdx, myIdx, secret, nil, nil)
	if err != nil {
		t.Fatalf("NewGroupState() error = %v", err)
	}
	return gs, secret
}

func TestNewGroupStateRosterPubMatchesLeafSecret(t *testing.T) {
	gs, secret := newTestGroup(t, 4, 1)
	priv, err := xcrypto.DeriveSecp256k1(secret)
	if err != nil {
		t.Fatalf("DeriveSecp256k1() error = %v", err)
	}
	if !gs.RosterPub(1).IsEqual(priv.PubKey()) {
		t.Error("RosterPub(my_idx) does not match the public key derived from my_path_secret")
	}
}

func TestProcessHandshakeRejectsWrongEpoch(t *testing.T) {
	memberA, _ := newTestGroup(t, 4, 0)
	msg, _, err := memberA.CreateHandshake()
	if err != nil {
		t.Fatalf("CreateHandshake() error = %v", err)
	}
	msg.PriorEpoch = 7

	memberB, _ := newTestGroup(t, 4, 1)
	err = memberB.ProcessHandshake(msg, nil)
	var epochErr *errs.EpochError
	if !errors.As(err, &epochErr) {
		t.Errorf("ProcessHandshake() with wrong prior_epoch error = %v, want *errs.EpochError", err)
	}
}

func TestHandshakeRoundTripAcrossGroup(t *testing.T) {
	const maxIdx = 4
	members := make(map[uint32]*GroupState)
	for i := uint32(0); i < maxIdx; i++ {
		gs, _ := newTestGroup(t, maxIdx, i)
		members[i] = gs
	}
	// every member must agree on every other member's initial public key
	for i := uint32(0); i < maxIdx; i++ {
		for j := uint32(0); j < maxIdx; j++ {
			if !members[i].RosterPub(j).IsEqual(members[j].RosterPub(j)) {
				t.Fatalf("member %d disagrees with member %d's own roster pubkey before any handshake", i, j)
			}
		}
	}

	issuer := uint32(2)
	msg, eps, err := members[issuer].CreateHandshake()
	if err != nil {
		t.Fatalf("CreateHandshake() error = %v", err)
	}

	var reseedCalls int
	var roots [][]byte
	for i := uint32(0); i < maxIdx; i++ {
		members[i].Reseed = func(root []byte) error {
			reseedCalls++
			roots = append(roots, append([]byte(nil), root...))
			return nil
		}
		var ownSecret []byte
		if i == issuer {
			ownSecret = eps.Raw
		}
		if err := members[i].ProcessHandshake(msg, ownSecret); err != nil {
			t.Fatalf("member %d ProcessHandshake() error = %v", i, err)
		}
		if members[i].Epoch != 1 {
			t.Errorf("member %d epoch = %d, want 1", i, members[i].Epoch)
		}
	}

	if reseedCalls != int(maxIdx) {
		t.Fatalf("reseed called %d times, want %d", reseedCalls, maxIdx)
	}
	for i := 1; i < len(roots); i++ {
		if !bytes.Equal(roots[0], roots[i]) {
			t.Error("members derived different root secrets from the same handshake")
		}
	}

	issuerNewPub := members[issuer].RosterPub(issuer)
	for i := uint32(0); i < maxIdx; i++ {
		if !members[i].RosterPub(issuer).IsEqual(issuerNewPub) {
			t.Errorf("member %d did not install the issuer's new public key", i)
		}
	}
}

func TestProcessHandshakeRejectsOutOfRangeRosterIdx(t *testing.T) {
	gs, _ := newTestGroup(t, 4, 0)
	msg := &HandshakeMessage{PriorEpoch: 0, RosterIdx: 99}
	if err := gs.ProcessHandshake(msg, nil); err == nil {
		t.Error("ProcessHandshake() with out-of-range roster_idx succeeded, want error")
	}
}

func TestProcessHandshakeInvokesRecoveryOnDecryptFailure(t *testing.T) {
	const maxIdx = 4
	issuerGS, _ := newTestGroup(t, maxIdx, 0)
	receiverGS, _ := newTestGroup(t, maxIdx, 1)

	msg, _, err := issuerGS.CreateHandshake()
	if err != nil {
		t.Fatalf("CreateHandshake() error = %v", err)
	}
	// corrupt the wrap addressed to receiver's subtree so decryption fails
	msg.DirectPath[0].Wrap.Envelope.Ciphertext[0] ^= 0xFF

	var recoveryCalled bool
	receiverGS.Recovery = func(rosterIdx uint32, epoch uint32) (pathsecret.Exportable, error) {
		recoveryCalled = true
		return pathsecret.Exportable{}, errors.New("no backup available")
	}

	err = receiverGS.ProcessHandshake(msg, nil)
	if err == nil {
		t.Fatal("ProcessHandshake() with a corrupted wrap succeeded, want error")
	}
	if !recoveryCalled {
		t.Error("ProcessHandshake() did not invoke the recovery callback on decrypt failure")
	}
	if receiverGS.Epoch != 0 {
		t.Error("ProcessHandshake() advanced epoch despite failing, want state left unchanged")
	}
}

func TestProcessHandshakeRecoversLostLocalSecret(t *testing.T) {
	const maxIdx = 4
	issuerGS, _ := newTestGroup(t, maxIdx, 0)
	receiverGS, _ := newTestGroup(t, maxIdx, 1)

	msg, _, err := issuerGS.CreateHandshake()
	if err != nil {
		t.Fatalf("CreateHandshake() error = %v", err)
	}

	// simulate a restart: the receiver lost its in-memory node secrets but
	// can still recover the one it needs to decrypt its co-path wrap.
	lostSecret := receiverGS.nodeSecrets[receiverGS.tree.leaf(1)]
	receiverGS.nodeSecrets = make(map[int][]byte)

	var recoveredRosterIdx, recoveredEpoch uint32
	receiverGS.Recovery = func(rosterIdx uint32, epoch uint32) (pathsecret.Exportable, error) {
		recoveredRosterIdx, recoveredEpoch = rosterIdx, epoch
		return pathsecret.Exportable{Raw: lostSecret, Epoch: epoch}, nil
	}

	if err := receiverGS.ProcessHandshake(msg, nil); err != nil {
		t.Fatalf("ProcessHandshake() error = %v", err)
	}
	if recoveredRosterIdx != 1 || recoveredEpoch != 0 {
		t.Errorf("Recovery called with (roster_idx=%d, epoch=%d), want (1, 0)", recoveredRosterIdx, recoveredEpoch)
	}
	if receiverGS.Epoch != 1 {
		t.Error("ProcessHandshake() did not advance epoch after recovering the lost secret")
	}
	if !receiverGS.RosterPub(0).IsEqual(issuerGS.RosterPub(0)) {
		t.Error("receiver did not install the issuer's new public key after recovery")
	}
}
