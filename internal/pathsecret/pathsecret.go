// Package pathsecret implements the durable, content-addressed repository of
// per-epoch path secrets that group-key agreement reads and writes.
package pathsecret

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stateruntime/staterund/internal/errs"
	"github.com/stateruntime/staterund/internal/xcrypto"
)

// IDSize is the size of a path secret's content-hash identifier.
const IDSize = 32

// ID identifies a path secret by the SHA-256 of its raw bytes and epoch.
type ID [IDSize]byte

// String returns the hex encoding of id.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// DeriveID computes the content-hash identifier for a path secret.
func DeriveID(raw []byte, epoch uint32) ID {
	var epochBytes [4]byte
	epochBytes[0] = byte(epoch >> 24)
	epochBytes[1] = byte(epoch >> 16)
	epochBytes[2] = byte(epoch >> 8)
	epochBytes[3] = byte(epoch)
	return ID(xcrypto.SHA256(raw, epochBytes[:]))
}

// Exportable is the {raw_bytes, epoch, id} triple used for durable storage
// and optional backup.
type Exportable struct {
	Raw   []byte
	Epoch uint32
	ID    ID
}

// Backup is the hook invoked after every successful local write. A failure
// here must never abort the local write; callers only log it.
type Backup interface {
	Send(rosterIdx uint32, eps Exportable) error
}

// Store is a content-addressed, crash-atomic repository of exportable path
// secrets. It is safe for concurrent use only to the extent its caller
// (the dispatcher) already serializes access under its own lock; Store
// itself performs no internal locking.
type Store struct {
	dir    string
	backup Backup
}

// NewStore opens a store rooted at dir, creating it if necessary.
func NewStore(dir string, backup Backup) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("pathsecret: create store dir: %w", err)
	}
	return &Store{dir: dir, backup: backup}, nil
}

func (s *Store) pathFor(id ID) string {
	return filepath.Join(s.dir, id.String()+".secret")
}

// Save writes eps under a filename derived from its content hash, crash-
// atomically (write-to-temp, then rename). If a backup hook is configured,
// Save invokes it after the local write succeeds; a backup failure is
// returned to the caller as a non-fatal signal but the write has already
// landed on disk.
func (s *Store) Save(rosterIdx uint32, eps Exportable) error {
	path := s.pathFor(eps.ID)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, eps.Raw, 0600); err != nil {
		return fmt.Errorf("pathsecret: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("pathsecret: rename into place: %w", err)
	}

	if s.backup != nil {
		if err := s.backup.Send(rosterIdx, eps); err != nil {
			return fmt.Errorf("pathsecret: backup (local write succeeded): %w", err)
		}
	}
	return nil
}

// Load returns the exact bytes stored under id, or *errs.NotFoundError if
// absent.
func (s *Store) Load(id ID, epoch uint32) (Exportable, error) {
	raw, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Exportable{}, errs.NewNotFound(fmt.Sprintf("path secret %s", id))
		}
		return Exportable{}, fmt.Errorf("pathsecret: read: %w", err)
	}
	return Exportable{Raw: raw, Epoch: epoch, ID: id}, nil
}

// ListIDs returns every path secret id currently on disk, for bulk backup.
func (s *Store) ListIDs() ([]ID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("pathsecret: list dir: %w", err)
	}

	var ids []ID
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		const suffix = ".secret"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		raw, err := hex.DecodeString(name[:len(name)-len(suffix)])
		if err != nil || len(raw) != IDSize {
			continue
		}
		var id ID
		copy(id[:], raw)
		ids = append(ids, id)
	}
	return ids, nil
}
