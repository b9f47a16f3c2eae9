// Package ledger defines the host's view of the append-only event log: the
// three event kinds the dispatcher consumes, the client interface a real
// chain driver implements, and a fixed-delay retry wrapper that classifies
// transport failures as retryable or fatal.
package ledger

import (
	"context"

	"github.com/stateruntime/staterund/internal/treekem"
)

// EventKind distinguishes the three ledger event signatures this node
// watches for.
type EventKind int

const (
	EventCiphertext EventKind = iota
	EventHandshake
	EventEnclaveKey
)

// Event is one ledger-observed log entry, carrying the global state_counter
// it was emitted at so the dispatcher can detect gaps.
type Event struct {
	Kind         EventKind
	StateCounter uint64
	BlockNumber  uint64

	// Exactly one of these is populated, per Kind.
	Ciphertext *CiphertextPayload
	Handshake  *treekem.HandshakeMessage
	EnclaveKey []byte
}

// CiphertextPayload is the decoded body of a StoreTreeKemCiphertext event:
// the signature envelope plus the serialized command ciphertext it covers.
type CiphertextPayload struct {
	Signature  [65]byte
	RosterIdx  uint32
	Epoch      uint32
	Generation uint64
	Ciphertext []byte
}

// Client is the host's connection to the ledger: fetching ordered events
// from a contract and submitting the two mutation kinds this node produces.
// The wire encoding and chain-specific transport are out of scope; any
// implementation need only honor this shape.
type Client interface {
	// FetchEvents returns every event at or after fromBlock, in ascending
	// (block, log-index) order, along with the highest block number
	// observed (so the caller can advance its cache even when no events
	// matched).
	FetchEvents(ctx context.Context, fromBlock uint64) (events []Event, latestBlock uint64, err error)

	// SubmitCiphertext posts a command ciphertext and its enclave
	// signature, returning the transaction hash once accepted to the
	// configured confirmation depth.
	SubmitCiphertext(ctx context.Context, rosterIdx uint32, epoch uint32, generation uint64, ciphertext []byte, sig [65]byte) (txHash string, err error)

	// SubmitHandshake posts a handshake message, returning its tx hash.
	SubmitHandshake(ctx context.Context, msg *treekem.HandshakeMessage) (txHash string, err error)
}
