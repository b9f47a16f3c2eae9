// Package dispatcher is the single owner of this node's mutable group
// state: the TreeKEM group, the application keychain, the per-account
// counters, and the global state_counter. Every send, receive, and
// handshake path goes through its exclusive lock so those four pieces of
// state move together or not at all.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/stateruntime/staterund/internal/command"
	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/keychain"
	"github.com/stateruntime/staterund/internal/keyvault"
	"github.com/stateruntime/staterund/internal/ledger"
	"github.com/stateruntime/staterund/internal/logging"
	"github.com/stateruntime/staterund/internal/pathsecret"
	"github.com/stateruntime/staterund/internal/policy"
	"github.com/stateruntime/staterund/internal/treekem"
	"github.com/stateruntime/staterund/internal/xcrypto"
)

// Metrics is the subset of observability hooks the dispatcher drives. A
// real implementation is provided by the metrics package; tests and
// callers that don't care about metrics use NopMetrics.
type Metrics interface {
	ObserveHandshake(epoch uint32)
	ObserveCommandSent()
	ObserveCommandReceived(ok bool)
	ObserveStateCounter(n uint64)
	ObserveOrderGap()
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) ObserveHandshake(uint32)      {}
func (NopMetrics) ObserveCommandSent()          {}
func (NopMetrics) ObserveCommandReceived(bool)  {}
func (NopMetrics) ObserveStateCounter(uint64)   {}
func (NopMetrics) ObserveOrderGap()             {}

// Outcome is the per-event result of one FetchEvents pass, reported even
// for events whose processing failed (Err set) so callers can log or
// surface them without losing position in the batch.
type Outcome struct {
	Event   ledger.Event
	Account policy.AccountID
	Entries []command.StateEntry
	Err     error
}

// Dispatcher holds the ledger client, the enclave's signing identity, the
// cached last-seen block number, the global state_counter, and the lock
// serializing every mutation of the group keychain.
type Dispatcher struct {
	mu sync.RWMutex

	ledger     ledger.Client
	identitySK *btcec.PrivateKey
	myIdx      uint32
	maxIdx     uint32

	group    *treekem.GroupState
	keychain *keychain.Keychain
	counters *policy.CounterStore
	runtime  *command.Runtime
	executor *command.Executor

	pathStore *pathsecret.Store
	keyVault  keyvault.Client
	sink      command.NotificationSink
	metrics   Metrics
	logger    *slog.Logger

	stateCounter uint64
	lastBlock    uint64

	// pendingLeafSecret is the leaf path secret of a handshake this node
	// issued but has not yet observed come back from the ledger; it is
	// consumed the moment that handshake event is applied.
	pendingLeafSecret []byte
}

// Config bundles the parameters New needs beyond its collaborator
// interfaces.
type Config struct {
	MyRosterIdx  uint32
	MaxRosterIdx uint32
}

// New builds a Dispatcher at epoch 0, sampling a fresh leaf path secret for
// the local member and deriving the initial keychain from it. sink, kv, and
// metrics may be nil; nil kv is treated as keyvault.Disabled{} and nil
// metrics as NopMetrics{}.
func New(cfg Config, client ledger.Client, identitySK *btcec.PrivateKey, store *pathsecret.Store, kv keyvault.Client, sink command.NotificationSink, metrics Metrics, logger *slog.Logger) (*Dispatcher, error) {
	if kv == nil {
		kv = keyvault.Disabled{}
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	d := &Dispatcher{
		ledger:     client,
		identitySK: identitySK,
		myIdx:      cfg.MyRosterIdx,
		maxIdx:     cfg.MaxRosterIdx,
		counters:   policy.NewCounterStore(),
		runtime:    command.NewRuntime(),
		pathStore:  store,
		keyVault:   kv,
		sink:       sink,
		metrics:    metrics,
		logger:     logger,
	}

	var leafSecret [xcrypto.KeySize]byte
	if err := xcrypto.RandomBytes(leafSecret[:]); err != nil {
		return nil, errs.NewCrypto("dispatcher sample initial leaf secret", err)
	}

	group, err := treekem.NewGroupState(cfg.MaxRosterIdx, cfg.MyRosterIdx, leafSecret[:], d.recoverPathSecret, d.installKeychain)
	if err != nil {
		return nil, err
	}
	d.group = group
	return d, nil
}

// installKeychain is GroupState's Reseed callback: it derives a fresh
// keychain from root and rebuilds the command executor around it, keeping
// the same counter store, runtime, and notification sink across epochs.
func (d *Dispatcher) installKeychain(root []byte) error {
	kc, err := keychain.New(root, d.maxIdx)
	if err != nil {
		return err
	}
	d.keychain = kc
	d.executor = command.NewExecutor(kc, d.counters, d.runtime, d.sink)
	return nil
}

// recoverPathSecret is GroupState's Recovery callback: it asks the
// configured key vault for the path secret this node held for rosterIdx at
// epoch.
func (d *Dispatcher) recoverPathSecret(rosterIdx uint32, epoch uint32) (pathsecret.Exportable, error) {
	eps, err := d.keyVault.Recover(context.Background(), rosterIdx, epoch)
	if err != nil {
		return pathsecret.Exportable{}, err
	}
	return eps, nil
}

// Epoch returns the current group epoch under a shared lock.
func (d *Dispatcher) Epoch() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.group.Epoch
}

// StateCounter returns the node's current global state_counter.
func (d *Dispatcher) StateCounter() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stateCounter
}

// EncryptionKey returns the current public key for the local member's
// roster slot, for the GET /enclave_encryption_key route.
func (d *Dispatcher) EncryptionKey() *btcec.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.group.RosterPub(d.myIdx)
}

// UserCounter returns the last accepted user_counter for account, for the
// GET /user_counter route.
func (d *Dispatcher) UserCounter(account policy.AccountID) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.counters.Last(account)
}

// Get returns the current runtime value at key, for the GET /state route.
func (d *Dispatcher) Get(key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.runtime.Get(key)
}

// SendCommand runs the send path under an exclusive lock and submits the
// resulting ciphertext to the ledger.
func (d *Dispatcher) SendCommand(ctx context.Context, hostAccountHint *policy.AccountID, plaintext *command.CommandPlaintext) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ct, sig, err := d.executor.Send(d.identitySK, d.myIdx, d.group.Epoch, hostAccountHint, plaintext)
	if err != nil {
		return "", err
	}

	txHash, err := d.ledger.SubmitCiphertext(ctx, ct.RosterIdx, ct.Epoch, ct.Generation, ct.Ciphertext, sig)
	if err != nil {
		return "", err
	}
	d.metrics.ObserveCommandSent()
	return txHash, nil
}

// Handshake produces a fresh handshake via the group state, persists the
// exportable path secret locally (backing it up if a key vault is
// configured), and submits it to the ledger.
func (d *Dispatcher) Handshake(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg, eps, err := d.group.CreateHandshake()
	if err != nil {
		return "", err
	}

	if d.pathStore != nil {
		if err := d.pathStore.Save(d.myIdx, eps); err != nil {
			d.logger.Warn("path secret save failed",
				logging.KeyComponent, "dispatcher", logging.KeyError, err)
		}
	}
	if err := d.keyVault.Backup(ctx, d.myIdx, eps); err != nil {
		d.logger.Warn("path secret backup failed",
			logging.KeyComponent, "dispatcher", logging.KeyError, err)
	}
	d.pendingLeafSecret = eps.Raw

	txHash, err := d.ledger.SubmitHandshake(ctx, msg)
	if err != nil {
		return "", err
	}
	return txHash, nil
}

// FetchEvents pulls every ledger event strictly after the cached block
// number, sorted by (block_num, log_index) by the ledger client itself,
// and feeds each in order to the receive path or the handshake path.
//
// A state_counter gap is fatal: FetchEvents returns immediately and the
// caller must stop consuming (the keychain cannot re-synchronize without
// help). Every other per-event failure is recorded on that event's Outcome
// and does not stop the batch, because the state_counter and ratchet
// mutations it already committed are deterministic functions of
// ledger-observed data (§7).
func (d *Dispatcher) FetchEvents(ctx context.Context) ([]Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	events, latestBlock, err := d.ledger.FetchEvents(ctx, d.lastBlock+1)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(events))
	for _, ev := range events {
		outcome, err := d.applyEvent(ev)
		outcome.Event = ev
		outcomes = append(outcomes, outcome)

		if err != nil {
			var orderErr *errs.OrderError
			if errors.As(err, &orderErr) {
				d.metrics.ObserveOrderGap()
				outcomes[len(outcomes)-1].Err = err
				return outcomes, err
			}
			outcomes[len(outcomes)-1].Err = err
		}
	}

	d.lastBlock = latestBlock
	return outcomes, nil
}

// applyEvent advances state_counter exactly once per well-ordered event
// (unconditionally, even if the event then fails to apply) and dispatches
// by event kind.
func (d *Dispatcher) applyEvent(ev ledger.Event) (Outcome, error) {
	if ev.StateCounter != d.stateCounter+1 {
		return Outcome{}, &errs.OrderError{Got: ev.StateCounter, Want: d.stateCounter + 1}
	}
	d.stateCounter = ev.StateCounter
	d.metrics.ObserveStateCounter(d.stateCounter)

	switch ev.Kind {
	case ledger.EventHandshake:
		return d.applyHandshakeEvent(ev)
	case ledger.EventCiphertext:
		return d.applyCiphertextEvent(ev)
	case ledger.EventEnclaveKey:
		// Rotation of the enclave's own attested decryption key is outside
		// the group-key-agreement core; recorded for visibility only.
		return Outcome{}, nil
	default:
		return Outcome{}, fmt.Errorf("dispatcher: unknown event kind %d", ev.Kind)
	}
}

func (d *Dispatcher) applyHandshakeEvent(ev ledger.Event) (Outcome, error) {
	msg := ev.Handshake
	var ownLeaf []byte
	isSelf := msg.RosterIdx == d.myIdx
	if isSelf {
		ownLeaf = d.pendingLeafSecret
	}

	if err := d.group.ProcessHandshake(msg, ownLeaf); err != nil {
		return Outcome{}, err
	}
	if isSelf {
		d.pendingLeafSecret = nil
	}
	d.metrics.ObserveHandshake(d.group.Epoch)
	return Outcome{}, nil
}

func (d *Dispatcher) applyCiphertextEvent(ev ledger.Event) (Outcome, error) {
	p := ev.Ciphertext
	ct := &command.CommandCiphertext{
		RosterIdx:  p.RosterIdx,
		Epoch:      p.Epoch,
		Generation: p.Generation,
		Ciphertext: p.Ciphertext,
	}

	account, entries, err := d.executor.Receive(ct)
	if err != nil {
		d.metrics.ObserveCommandReceived(false)
		return Outcome{}, err
	}
	d.metrics.ObserveCommandReceived(true)
	return Outcome{Account: account, Entries: entries}, nil
}
