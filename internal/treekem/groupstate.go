// Package treekem implements the asynchronous continuous group-key
// agreement ("TreeKEM") that lets a dynamic roster of enclaves share a
// forward-secret symmetric keychain without pairwise channels.
//
// GroupState is not internally synchronized: callers sharing a GroupState
// across goroutines must serialize access themselves (the dispatcher does
// this with its own exclusive lock).
package treekem

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/stateruntime/staterund/internal/ecies"
	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/pathsecret"
	"github.com/stateruntime/staterund/internal/xcrypto"
)

const nodeSecretLabel = "node"

// Wrap is one ECIES-wrapped path secret addressed to a co-path subtree.
type Wrap struct {
	Envelope ecies.Envelope
}

// DirectPathNode is one entry of a HandshakeMessage's direct path: the new
// public key for this node, plus the wrap that lets the co-path subtree
// recover this node's secret.
type DirectPathNode struct {
	NewPublicKey [xcrypto.PubKeySize]byte
	Wrap         Wrap
}

// HandshakeMessage mutates the roster or refreshes keys.
type HandshakeMessage struct {
	PriorEpoch uint32
	RosterIdx  uint32
	DirectPath []DirectPathNode
}

// Recovery is invoked when local derivation cannot produce a secret this
// member should hold (for example after a restart that missed intermediate
// epochs); it asks an external source (e.g. the key-vault backup) for the
// path secret this roster member held at epoch, mirroring a per-member
// bulk-restore rather than a content-hash lookup (the content hash can't be
// recomputed from public data alone, so it isn't a usable recovery key).
type Recovery func(rosterIdx uint32, epoch uint32) (pathsecret.Exportable, error)

// Reseed is invoked once a handshake has been fully applied, with the fresh
// root secret that should seed a new application keychain.
type Reseed func(rootSecret []byte) error

// GroupState is {roster, my_idx, epoch, my_path_secret} plus the public tree
// and the local member's knowledge of node secrets along its own path.
type GroupState struct {
	MaxRosterIdx uint32
	MyIdx        uint32
	Epoch        uint32

	tree *nodeTree
	// nodeSecrets holds every node secret this member currently knows:
	// always its own leaf-to-root chain, plus whatever other chains it has
	// learned by decrypting other members' wraps over time.
	nodeSecrets map[int][]byte

	Recovery Recovery
	Reseed   Reseed
}

// NewGroupState builds a fresh group of maxRosterIdx members with the local
// member at myIdx holding leafSecret, deriving its own path up to the root.
func NewGroupState(maxRosterIdx, myIdx uint32, leafSecret []byte, recovery Recovery, reseed Reseed) (*GroupState, error) {
	if myIdx >= maxRosterIdx {
		return nil, errs.NewPolicy("my_roster_idx must be less than max_roster_idx")
	}
	tree, err := newNodeTree(maxRosterIdx)
	if err != nil {
		return nil, errs.NewCrypto("treekem build tree", err)
	}

	gs := &GroupState{
		MaxRosterIdx: maxRosterIdx,
		MyIdx:        myIdx,
		Epoch:        0,
		tree:         tree,
		nodeSecrets:  make(map[int][]byte),
		Recovery:     recovery,
		Reseed:       reseed,
	}

	root, err := gs.installOwnPath(myIdx, leafSecret)
	if err != nil {
		return nil, err
	}
	if reseed != nil {
		if err := reseed(root); err != nil {
			return nil, err
		}
	}
	return gs, nil
}

// RosterPub returns the current public key for roster slot idx.
func (gs *GroupState) RosterPub(idx uint32) *btcec.PublicKey {
	return gs.tree.get(gs.tree.leaf(idx))
}

// installOwnPath derives every ancestor secret and public key from leafSecret
// along myIdx's own direct path, installs the public keys into the tree, and
// records every secret locally. It returns the root secret.
func (gs *GroupState) installOwnPath(myIdx uint32, leafSecret []byte) ([]byte, error) {
	secret := leafSecret
	cur := gs.tree.leaf(myIdx)
	for {
		priv, err := xcrypto.DeriveSecp256k1(secret)
		if err != nil {
			return nil, errs.NewCrypto("treekem derive own path key", err)
		}
		gs.tree.set(cur, priv.PubKey())
		gs.nodeSecrets[cur] = secret

		if cur == 0 {
			return secret, nil
		}
		next, err := xcrypto.HKDFExpand(secret, nodeSecretLabel, xcrypto.KeySize)
		if err != nil {
			return nil, errs.NewCrypto("treekem derive ancestor secret", err)
		}
		secret = next
		cur = parentIdx(cur)
	}
}

// CreateHandshake samples a fresh leaf path secret, derives new keys for
// every ancestor on the local member's path, and wraps each ancestor's child
// secret to the corresponding co-path subtree's current public key.
func (gs *GroupState) CreateHandshake() (*HandshakeMessage, pathsecret.Exportable, error) {
	var leafSecret [xcrypto.KeySize]byte
	if err := xcrypto.RandomBytes(leafSecret[:]); err != nil {
		return nil, pathsecret.Exportable{}, errs.NewCrypto("treekem sample leaf secret", err)
	}

	msg := &HandshakeMessage{PriorEpoch: gs.Epoch, RosterIdx: gs.MyIdx}

	secret := append([]byte(nil), leafSecret[:]...)
	cur := gs.tree.leaf(gs.MyIdx)
	for cur != 0 {
		sib := siblingIdx(cur)
		sibPub := gs.tree.get(sib)

		priv, err := xcrypto.DeriveSecp256k1(secret)
		if err != nil {
			return nil, pathsecret.Exportable{}, errs.NewCrypto("treekem derive handshake key", err)
		}
		env, err := ecies.Encrypt(sibPub, secret)
		if err != nil {
			return nil, pathsecret.Exportable{}, err
		}

		var pubBytes [xcrypto.PubKeySize]byte
		copy(pubBytes[:], priv.PubKey().SerializeCompressed())
		msg.DirectPath = append(msg.DirectPath, DirectPathNode{
			NewPublicKey: pubBytes,
			Wrap:         Wrap{Envelope: *env},
		})

		next, err := xcrypto.HKDFExpand(secret, nodeSecretLabel, xcrypto.KeySize)
		if err != nil {
			return nil, pathsecret.Exportable{}, errs.NewCrypto("treekem derive ancestor secret", err)
		}
		secret = next
		cur = parentIdx(cur)
	}

	eps := pathsecret.Exportable{
		Raw:   append([]byte(nil), leafSecret[:]...),
		Epoch: gs.Epoch + 1,
		ID:    pathsecret.DeriveID(leafSecret[:], gs.Epoch+1),
	}
	return msg, eps, nil
}

// ProcessHandshake applies msg, installing new public keys, recovering the
// local member's own path secret if msg.RosterIdx is the local member or if
// the local member falls in a co-path subtree it can decrypt, advancing the
// epoch, and reseeding the application keychain from the new root secret.
// On any failure before the new keys are installed, state is left
// unchanged; Reseed runs after the new keys and epoch are installed, so an
// error from Reseed is returned with that new state already in place.
func (gs *GroupState) ProcessHandshake(msg *HandshakeMessage, ownLeafSecret []byte) error {
	if msg.PriorEpoch != gs.Epoch {
		return &errs.EpochError{Got: msg.PriorEpoch, Want: gs.Epoch}
	}
	if msg.RosterIdx >= gs.MaxRosterIdx {
		return errs.NewPolicy("handshake roster_idx out of range")
	}

	newPubKeys := make(map[int]*btcec.PublicKey, len(msg.DirectPath))
	newSecrets := make(map[int][]byte)

	isSelf := msg.RosterIdx == gs.MyIdx
	var carrySecret []byte
	var foundIntersection bool
	myAncestors := gs.ancestorSet()

	cur := gs.tree.leaf(msg.RosterIdx)
	for i, entry := range msg.DirectPath {
		pub, err := xcrypto.ParsePubKey(entry.NewPublicKey[:])
		if err != nil {
			return errs.NewCrypto("treekem parse handshake pubkey", err)
		}
		newPubKeys[cur] = pub

		switch {
		case isSelf:
			if i == 0 {
				carrySecret = ownLeafSecret
			}
			newSecrets[cur] = carrySecret
		case carrySecret != nil:
			newSecrets[cur] = carrySecret
		default:
			sib := siblingIdx(cur)
			known, ok := gs.nodeSecrets[sib]
			if !ok && myAncestors[sib] {
				// This is our intersection level with the handshake's direct
				// path, but we don't hold the pre-handshake secret locally
				// (for example after a restart): ask the recovery callback
				// for what we should have backed up.
				eps, rerr := gs.recoverAt(gs.MyIdx, msg.PriorEpoch)
				if rerr != nil {
					return rerr
				}
				known = eps.Raw
				ok = true
			}
			if ok {
				sibPriv, derr := xcrypto.DeriveSecp256k1(known)
				if derr != nil {
					return errs.NewCrypto("treekem derive co-path key", derr)
				}
				plaintext, err := ecies.Decrypt(sibPriv, &entry.Wrap.Envelope)
				if err != nil {
					eps, rerr := gs.recoverAt(msg.RosterIdx, msg.PriorEpoch+1)
					if rerr != nil {
						return rerr
					}
					plaintext = eps.Raw
				}
				carrySecret = plaintext
				newSecrets[cur] = carrySecret
				foundIntersection = true
			}
		}

		if carrySecret != nil {
			next, err := xcrypto.HKDFExpand(carrySecret, nodeSecretLabel, xcrypto.KeySize)
			if err != nil {
				return errs.NewCrypto("treekem derive ancestor secret", err)
			}
			carrySecret = next
		}
		cur = parentIdx(cur)
	}

	if !isSelf && !foundIntersection {
		return errs.NewCrypto("treekem process handshake", errNoIntersection)
	}

	var rootSecret []byte
	if carrySecret != nil {
		rootSecret = carrySecret
	} else if known, ok := gs.nodeSecrets[0]; ok {
		rootSecret = known
	} else {
		return errs.NewNotFound("root secret after handshake")
	}

	for idx, pub := range newPubKeys {
		gs.tree.set(idx, pub)
	}
	for idx, secret := range newSecrets {
		gs.nodeSecrets[idx] = secret
	}
	gs.nodeSecrets[0] = rootSecret
	gs.Epoch = msg.PriorEpoch + 1

	if gs.Reseed != nil {
		if err := gs.Reseed(rootSecret); err != nil {
			return err
		}
	}
	return nil
}

// ancestorSet returns every tree index on the local member's own direct
// path, including its leaf and the root.
func (gs *GroupState) ancestorSet() map[int]bool {
	set := make(map[int]bool)
	cur := gs.tree.leaf(gs.MyIdx)
	for {
		set[cur] = true
		if cur == 0 {
			return set
		}
		cur = parentIdx(cur)
	}
}

func (gs *GroupState) recoverAt(rosterIdx, epoch uint32) (pathsecret.Exportable, error) {
	if gs.Recovery == nil {
		return pathsecret.Exportable{}, errs.NewNotFound("path secret (no recovery configured)")
	}
	eps, err := gs.Recovery(rosterIdx, epoch)
	if err != nil {
		return pathsecret.Exportable{}, errs.NewNotFound("path secret recovery failed")
	}
	return eps, nil
}

var errNoIntersection = errs.NewPolicy("local member's path never intersected the handshake's co-path")
