// Package credentials manages the agent credential file lifecycle: copying
// the shared credential into a plugin workspace before execution and
// persisting any refreshed token back out afterwards.
package credentials

import (
	"os"
	"sync"
)

const (
	// CredentialDirName is the directory created inside a workspace.
	CredentialDirName = ".claude"
	// CredentialFileName is the credential file inside that directory.
	CredentialFileName = ".credentials.json"

	credentialDirMode  = 0o700
	credentialFileMode = 0o600
)

// Store provides access to the shared credential.
type Store interface {
	Load() ([]byte, error)
	Save(data []byte) error
}

// FileStore keeps the shared credential in a single file. Writes from
// concurrent task teardowns are serialized; the last finishing task wins.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by the given file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the shared credential.
func (s *FileStore) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.ReadFile(s.path)
}

// Save replaces the shared credential.
func (s *FileStore) Save(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(s.path, data, credentialFileMode)
}
