package auth

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/hugo-lorenzo-mato/quorum-ai/internal/core"
)

// FileCredentialStore persists credentials as one JSON file per
// provider/account under baseDir, written atomically.
type FileCredentialStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileCredentialStore creates a store rooted at baseDir.
func NewFileCredentialStore(baseDir string) *FileCredentialStore {
	return &FileCredentialStore{baseDir: baseDir}
}

func (s *FileCredentialStore) path(provider ProviderID, account string) string {
	return filepath.Join(s.baseDir, string(provider)+"_"+account+".json")
}

// Load reads credentials for (provider, account), returning (nil, nil) when
// absent.
func (s *FileCredentialStore) Load(provider ProviderID, account string) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(provider, account))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrInfra("READ_FAILED", "reading credentials file").WithCause(err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, core.ErrInfra("DESERIALIZE_FAILED", "decoding credentials file").WithCause(err)
	}
	return &creds, nil
}

// Save writes credentials atomically.
func (s *FileCredentialStore) Save(provider ProviderID, account string, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return core.ErrInfra("MKDIR_FAILED", "creating credentials directory").WithCause(err)
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return core.ErrInfra("SERIALIZE_FAILED", "serializing credentials").WithCause(err)
	}
	if err := renameio.WriteFile(s.path(provider, account), data, 0o600); err != nil {
		return core.ErrInfra("WRITE_FAILED", "writing credentials atomically").WithCause(err)
	}
	return nil
}

// Delete removes stored credentials for (provider, account).
func (s *FileCredentialStore) Delete(provider ProviderID, account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(provider, account)); err != nil && !os.IsNotExist(err) {
		return core.ErrInfra("DELETE_FAILED", "deleting credentials file").WithCause(err)
	}
	return nil
}
