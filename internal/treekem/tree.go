package treekem

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/stateruntime/staterund/internal/xcrypto"
)

// nextPow2 returns the smallest power of two >= n, with a floor of 1.
func nextPow2(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// leafArrIdx maps roster index i to its array index in the 0-indexed
// (root at index 0), complete-binary-tree layout described in the data model.
func leafArrIdx(numLeaves, rosterIdx uint32) int {
	return int(numLeaves) - 1 + int(rosterIdx)
}

// parentIdx returns the array index of idx's parent. The root (idx 0) is its
// own parent by convention; callers must check for the root before calling.
func parentIdx(idx int) int {
	return (idx - 1) / 2
}

// siblingIdx returns the array index of idx's sibling under the same parent.
func siblingIdx(idx int) int {
	if idx%2 == 0 {
		return idx - 1
	}
	return idx + 1
}

// placeholderPub is the deterministic public key assigned to roster slots
// that have never been occupied, derived from a fixed all-zero seed. It can
// never be the target of a co-path wrap because its private key is never
// held by anyone with a reason to decrypt to it.
func placeholderPub() (*btcec.PublicKey, error) {
	seed := make([]byte, 32)
	priv, err := xcrypto.DeriveSecp256k1(append(seed, []byte("placeholder-leaf")...))
	if err != nil {
		return nil, err
	}
	return priv.PubKey(), nil
}

// nodeTree is the public half of the tree: every node's current public key,
// known to every roster member regardless of whether they hold its secret.
type nodeTree struct {
	numLeaves uint32
	pubKeys   []*btcec.PublicKey
}

func newNodeTree(maxRosterIdx uint32) (*nodeTree, error) {
	numLeaves := nextPow2(maxRosterIdx)
	size := 2*int(numLeaves) - 1
	if numLeaves == 1 {
		size = 1
	}
	ph, err := placeholderPub()
	if err != nil {
		return nil, err
	}
	pubKeys := make([]*btcec.PublicKey, size)
	for i := range pubKeys {
		pubKeys[i] = ph
	}
	return &nodeTree{numLeaves: numLeaves, pubKeys: pubKeys}, nil
}

func (t *nodeTree) leaf(rosterIdx uint32) int { return leafArrIdx(t.numLeaves, rosterIdx) }

func (t *nodeTree) get(idx int) *btcec.PublicKey { return t.pubKeys[idx] }

func (t *nodeTree) set(idx int, pub *btcec.PublicKey) { t.pubKeys[idx] = pub }

// directPath returns the array indices from rosterIdx's leaf up to, but not
// including, the root (index 0), in ascending order.
func (t *nodeTree) directPath(rosterIdx uint32) []int {
	var path []int
	cur := t.leaf(rosterIdx)
	for cur != 0 {
		path = append(path, cur)
		cur = parentIdx(cur)
	}
	return path
}
