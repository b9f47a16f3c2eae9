package command

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/keychain"
	"github.com/stateruntime/staterund/internal/policy"
)

// NotificationSink receives the updated state entries produced by a
// successfully applied command.
type NotificationSink interface {
	Notify(account policy.AccountID, entries []StateEntry)
}

// Executor is the command executor: it encrypts outgoing commands under the
// application keychain and decrypts, verifies, and dispatches incoming
// ones. It holds no lock of its own; the dispatcher serializes every call.
type Executor struct {
	Keychain *keychain.Keychain
	Counters *policy.CounterStore
	Runtime  *Runtime
	Sink     NotificationSink
}

// NewExecutor builds an Executor around the given keychain, counter store,
// and runtime.
func NewExecutor(kc *keychain.Keychain, counters *policy.CounterStore, runtime *Runtime, sink NotificationSink) *Executor {
	return &Executor{Keychain: kc, Counters: counters, Runtime: runtime, Sink: sink}
}

// Send implements the send path: verify the access policy, encrypt the
// plaintext via the local sender ratchet, and sign the resulting ciphertext
// hash with the enclave's identity key.
func (e *Executor) Send(identitySK *btcec.PrivateKey, myIdx uint32, epoch uint32, hostAccountHint *policy.AccountID, plaintext *CommandPlaintext) (*CommandCiphertext, [65]byte, error) {
	var zeroSig [65]byte

	payload := canonicalPayload(plaintext.RuntimeParams, plaintext.CmdName, plaintext.UserCounter)
	if err := plaintext.AccessPolicy.Verify(payload); err != nil {
		return nil, zeroSig, err
	}

	if hostAccountHint != nil && *hostAccountHint != plaintext.AccessPolicy.AccountID() {
		return nil, zeroSig, errs.NewAuth("host-supplied account hint does not match access policy")
	}

	ctBytes, generation, err := e.Keychain.EncryptMsg(myIdx, encodePlaintext(plaintext), nil)
	if err != nil {
		return nil, zeroSig, err
	}

	hash := msgHash(ctBytes, myIdx, generation, epoch)
	sig := policy.Sign(identitySK, hash[:])

	ct := &CommandCiphertext{RosterIdx: myIdx, Epoch: epoch, Generation: generation, Ciphertext: ctBytes}
	return ct, sig, nil
}

// Receive implements steps 2-4 of the receive path (the state_counter check
// in step 1 is the dispatcher's responsibility, since state_counter is
// shared with the handshake-receive path). It syncs and advances the
// receiver ratchet, decrypts, verifies the access policy and user_counter,
// and on success applies the runtime transition and notifies the sink.
//
// Per §4.F, a decryption or state-transition failure here does not roll
// back any ratchet advance the caller already committed: the ratchet
// mutation is a pure function of (roster_idx, generation) observed on the
// ledger, independent of whether decryption succeeds.
func (e *Executor) Receive(ct *CommandCiphertext) (policy.AccountID, []StateEntry, error) {
	var zeroAccount policy.AccountID

	plainBytes, err := e.Keychain.DecryptMsg(ct.RosterIdx, ct.Generation, ct.Ciphertext, nil)
	if err != nil {
		return zeroAccount, nil, err
	}

	plaintext, err := decodePlaintext(plainBytes)
	if err != nil {
		return zeroAccount, nil, errs.NewCrypto("command decode plaintext", err)
	}

	payload := canonicalPayload(plaintext.RuntimeParams, plaintext.CmdName, plaintext.UserCounter)
	if err := plaintext.AccessPolicy.Verify(payload); err != nil {
		return zeroAccount, nil, err
	}

	account := plaintext.AccessPolicy.AccountID()
	if err := e.Counters.Check(account, plaintext.UserCounter); err != nil {
		return zeroAccount, nil, err
	}

	entries, err := e.Runtime.Apply(account, plaintext.CmdName, plaintext.RuntimeParams)
	if err != nil {
		return zeroAccount, nil, err
	}
	e.Counters.Accept(account, plaintext.UserCounter)

	if e.Sink != nil {
		e.Sink.Notify(account, entries)
	}
	return account, entries, nil
}
