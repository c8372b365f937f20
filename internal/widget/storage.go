package widget

import (
	"os"
	"strings"
)

// Storage persists the widget's session identity across restarts, the
// way the browser widget keeps it in localStorage.
type Storage interface {
	Load() (string, bool)
	Save(sessionID string)
}

// MemoryStorage keeps the session id for the lifetime of the process.
type MemoryStorage struct {
	sessionID string
}

// NewMemoryStorage creates an empty in-process storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Load returns the stored session id, if any.
func (s *MemoryStorage) Load() (string, bool) {
	return s.sessionID, s.sessionID != ""
}

// Save stores the session id.
func (s *MemoryStorage) Save(sessionID string) {
	s.sessionID = sessionID
}

// FileStorage persists the session id to a file.
type FileStorage struct {
	path string
}

// NewFileStorage creates storage backed by the given file path.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Load reads the stored session id. A missing or empty file means no
// stored identity.
func (s *FileStorage) Load() (string, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(string(data))
	return id, id != ""
}

// Save writes the session id. Failures are silent: losing the stored
// identity only costs the user their local history association.
func (s *FileStorage) Save(sessionID string) {
	_ = os.WriteFile(s.path, []byte(sessionID+"\n"), 0600)
}
