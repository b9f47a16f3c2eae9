// Package command implements the command executor: serializing command
// plaintext, encrypting it via the application keychain on the send path,
// and decrypting, verifying, and dispatching it to the runtime on the
// receive path.
package command

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/stateruntime/staterund/internal/policy"
	"github.com/stateruntime/staterund/internal/xcrypto"
)

// CommandPlaintext is {access_policy, runtime_params, cmd_name, user_counter}.
type CommandPlaintext struct {
	AccessPolicy  *policy.AccessPolicy
	RuntimeParams []byte
	CmdName       string
	UserCounter   uint64
}

// BuildSignedPlaintext assembles a CommandPlaintext signed by sk over the
// canonical payload, as a client SDK or the HTTP façade would before
// calling Executor.Send.
func BuildSignedPlaintext(sk *btcec.PrivateKey, cmdName string, userCounter uint64, runtimeParams []byte) *CommandPlaintext {
	ap := &policy.AccessPolicy{PubKey: sk.PubKey()}
	ap.Signature = policy.Sign(sk, canonicalPayload(runtimeParams, cmdName, userCounter))
	return &CommandPlaintext{AccessPolicy: ap, RuntimeParams: runtimeParams, CmdName: cmdName, UserCounter: userCounter}
}

// CommandCiphertext is {roster_idx, epoch, generation, aead_ciphertext}.
type CommandCiphertext struct {
	RosterIdx  uint32
	Epoch      uint32
	Generation uint64
	Ciphertext []byte
}

// canonicalPayload builds the canonical serialization of
// {runtime_params, cmd_name, user_counter} that the access policy signs
// over: length-prefixed fields in a fixed order, big-endian, in the style
// of this codebase's binary frame encoding.
func canonicalPayload(runtimeParams []byte, cmdName string, userCounter uint64) []byte {
	out := make([]byte, 0, 4+len(runtimeParams)+2+len(cmdName)+8)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(runtimeParams)))
	out = append(out, u32[:]...)
	out = append(out, runtimeParams...)

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(len(cmdName)))
	out = append(out, u16[:]...)
	out = append(out, cmdName...)

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], userCounter)
	out = append(out, u64[:]...)

	return out
}

// encodePlaintext serializes plaintext for encryption under the application
// keychain: the access policy's public key and signature, followed by the
// canonical payload.
func encodePlaintext(p *CommandPlaintext) []byte {
	pub := p.AccessPolicy.PubKey.SerializeCompressed()
	out := make([]byte, 0, len(pub)+len(p.AccessPolicy.Signature)+len(p.RuntimeParams)+len(p.CmdName)+14)
	out = append(out, pub...)
	out = append(out, p.AccessPolicy.Signature[:]...)
	out = append(out, canonicalPayload(p.RuntimeParams, p.CmdName, p.UserCounter)...)
	return out
}

// decodePlaintext reverses encodePlaintext.
func decodePlaintext(data []byte) (*CommandPlaintext, error) {
	if len(data) < xcrypto.PubKeySize+65+4+2+8 {
		return nil, fmt.Errorf("command: plaintext too short: %d bytes", len(data))
	}
	offset := 0

	pub, err := xcrypto.ParsePubKey(data[offset : offset+xcrypto.PubKeySize])
	if err != nil {
		return nil, fmt.Errorf("command: parse access policy pubkey: %w", err)
	}
	offset += xcrypto.PubKeySize

	var sig [65]byte
	copy(sig[:], data[offset:offset+65])
	offset += 65

	if offset+4 > len(data) {
		return nil, fmt.Errorf("command: truncated runtime_params length")
	}
	paramsLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if offset+paramsLen > len(data) {
		return nil, fmt.Errorf("command: truncated runtime_params")
	}
	params := append([]byte(nil), data[offset:offset+paramsLen]...)
	offset += paramsLen

	if offset+2 > len(data) {
		return nil, fmt.Errorf("command: truncated cmd_name length")
	}
	nameLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+nameLen > len(data) {
		return nil, fmt.Errorf("command: truncated cmd_name")
	}
	name := string(data[offset : offset+nameLen])
	offset += nameLen

	if offset+8 > len(data) {
		return nil, fmt.Errorf("command: truncated user_counter")
	}
	counter := binary.BigEndian.Uint64(data[offset : offset+8])

	return &CommandPlaintext{
		AccessPolicy:  &policy.AccessPolicy{PubKey: pub, Signature: sig},
		RuntimeParams: params,
		CmdName:       name,
		UserCounter:   counter,
	}, nil
}

// msgHash computes SHA-256(ct_bytes || roster_idx || generation || epoch),
// the digest the enclave's identity key signs over a command ciphertext.
func msgHash(ctBytes []byte, rosterIdx uint32, generation uint64, epoch uint32) [32]byte {
	var tail [16]byte
	binary.BigEndian.PutUint32(tail[0:4], rosterIdx)
	binary.BigEndian.PutUint64(tail[4:12], generation)
	binary.BigEndian.PutUint32(tail[12:16], epoch)
	return xcrypto.SHA256(ctBytes, tail[:])
}
