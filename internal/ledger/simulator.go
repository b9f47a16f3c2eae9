package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/stateruntime/staterund/internal/treekem"
)

// Simulator is an in-memory Client standing in for a real chain driver: it
// keeps an ordered event log and hands out strictly increasing state
// counters and block numbers, mirroring the block-number cache pattern a
// real watcher keeps per contract.
type Simulator struct {
	mu     sync.Mutex
	events []Event
	block  uint64
	ctr    uint64
}

// NewSimulator builds an empty simulated ledger.
func NewSimulator() *Simulator {
	return &Simulator{}
}

// FetchEvents returns every event with BlockNumber >= fromBlock.
func (s *Simulator) FetchEvents(_ context.Context, fromBlock uint64) ([]Event, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, ev := range s.events {
		if ev.BlockNumber >= fromBlock {
			out = append(out, ev)
		}
	}
	return out, s.block, nil
}

// SubmitCiphertext appends a StoreTreeKemCiphertext-equivalent event.
func (s *Simulator) SubmitCiphertext(_ context.Context, rosterIdx uint32, epoch uint32, generation uint64, ciphertext []byte, sig [65]byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.block++
	s.ctr++
	s.events = append(s.events, Event{
		Kind:         EventCiphertext,
		StateCounter: s.ctr,
		BlockNumber:  s.block,
		Ciphertext: &CiphertextPayload{
			Signature:  sig,
			RosterIdx:  rosterIdx,
			Epoch:      epoch,
			Generation: generation,
			Ciphertext: ciphertext,
		},
	})
	return s.txHash(), nil
}

// SubmitHandshake appends a StoreTreeKemHandshake-equivalent event.
func (s *Simulator) SubmitHandshake(_ context.Context, msg *treekem.HandshakeMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.block++
	s.ctr++
	s.events = append(s.events, Event{
		Kind:         EventHandshake,
		StateCounter: s.ctr,
		BlockNumber:  s.block,
		Handshake:    msg,
	})
	return s.txHash(), nil
}

// DropCounter corrupts the next event's state_counter to simulate a missed
// event, for exercising the dispatcher's gap detection in tests.
func (s *Simulator) DropCounter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctr++
}

func (s *Simulator) txHash() string {
	return fmt.Sprintf("0xsim%08d", s.block)
}
