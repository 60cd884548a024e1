package recording

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Store is the durable local key-value port holding the session metadata
// shared across client instances. All writes are last-writer-wins; the writer
// is always the instance that currently believes it owns the session.
type Store interface {
	ReadActiveMeta() (*ActiveMeta, error)
	WriteActiveMeta(*ActiveMeta) error
	ReadHeartbeat() (int64, error) // unix millis, 0 when absent
	WriteHeartbeat(int64) error
	ReadLastChatID() (string, error)
	WriteLastChatID(string) error
	// Clear removes all durable session keys: metadata, heartbeat and the
	// last-seen chat id. Invoked only on explicit stop; takeover overwrites
	// instead.
	Clear() error
}

// MemoryStore is an in-process Store, used in tests and by callers that do
// not need cross-process durability.
type MemoryStore struct {
	meta       *ActiveMeta
	heartbeat  int64
	lastChatID string
	mu         sync.Mutex
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) ReadActiveMeta() (*ActiveMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta == nil {
		return nil, nil
	}
	m := *s.meta
	return &m, nil
}

func (s *MemoryStore) WriteActiveMeta(m *ActiveMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.meta = &cp
	return nil
}

func (s *MemoryStore) ReadHeartbeat() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeat, nil
}

func (s *MemoryStore) WriteHeartbeat(ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeat = ms
	return nil
}

func (s *MemoryStore) ReadLastChatID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChatID, nil
}

func (s *MemoryStore) WriteLastChatID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastChatID = id
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = nil
	s.heartbeat = 0
	s.lastChatID = ""
	return nil
}

// fileState is the on-disk layout of FileStore.
type fileState struct {
	ActiveMeta  *ActiveMeta `json:"active_meta,omitempty"`
	HeartbeatMs int64       `json:"heartbeat_ms,omitempty"`
	LastChatID  string      `json:"last_chat_id,omitempty"`
}

// FileStore persists session metadata as a single JSON file, giving
// cross-process instances a shared durable view. Writes go through a
// temp-file rename so readers never observe a torn file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store at the given path, creating parent
// directories as needed.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) load() (*fileState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &fileState{}, nil
	}
	if err != nil {
		return nil, err
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		// A corrupt file is treated as empty rather than wedging every
		// session operation behind it.
		return &fileState{}, nil
	}
	return &st, nil
}

func (s *FileStore) save(st *fileState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) ReadActiveMeta() (*ActiveMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return nil, err
	}
	return st.ActiveMeta, nil
}

func (s *FileStore) WriteActiveMeta(m *ActiveMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	st.ActiveMeta = m
	return s.save(st)
}

func (s *FileStore) ReadHeartbeat() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return 0, err
	}
	return st.HeartbeatMs, nil
}

func (s *FileStore) WriteHeartbeat(ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	st.HeartbeatMs = ms
	return s.save(st)
}

func (s *FileStore) ReadLastChatID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return "", err
	}
	return st.LastChatID, nil
}

func (s *FileStore) WriteLastChatID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	st.LastChatID = id
	return s.save(st)
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return err
	}
	st.ActiveMeta = nil
	st.HeartbeatMs = 0
	st.LastChatID = ""
	return s.save(st)
}
