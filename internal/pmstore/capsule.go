package pmstore

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// CapsuleStore is the capsule-authoritative store collaborator. The real
// service talks to a remote, content-addressed "mv2" capsule; this local
// filesystem implementation exercises the same write-once, content-addressed
// contract so the rest of the system is driven end-to-end without a network
// dependency.
type CapsuleStore interface {
	// Put stores payload under (runID, name) and returns its content digest.
	Put(runID, name string, payload []byte) (digest string, err error)
	// Get retrieves a previously stored payload, or (nil, false) if absent.
	Get(runID, name string) ([]byte, bool, error)
}

// LocalCapsuleStore is a filesystem-backed CapsuleStore, content-addressed by
// sha256 of the payload (mirroring the teacher's ETag-style hashing in
// internal/config/atomic_write.go).
type LocalCapsuleStore struct {
	baseDir string
}

// NewLocalCapsuleStore creates a capsule store rooted at baseDir.
func NewLocalCapsuleStore(baseDir string) *LocalCapsuleStore {
	return &LocalCapsuleStore{baseDir: baseDir}
}

func (c *LocalCapsuleStore) path(runID, name string) string {
	return filepath.Join(c.baseDir, runID, name)
}

// Put writes payload atomically and returns its sha256 digest.
func (c *LocalCapsuleStore) Put(runID, name string, payload []byte) (string, error) {
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])
	path := c.path(runID, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", err
	}
	if err := renameio.WriteFile(path, payload, 0o640); err != nil {
		return "", err
	}
	return digest, nil
}

// Get reads a previously-stored payload.
func (c *LocalCapsuleStore) Get(runID, name string) ([]byte, bool, error) {
	data, err := os.ReadFile(c.path(runID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
