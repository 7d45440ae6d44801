package mcpwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is the persistent MCP configuration: server records plus the
// sub-agent feature toggles.
type File struct {
	Servers              []*ServerConfig `json:"servers"`
	SubAgentEnabled      bool            `json:"subAgentEnabled"`
	AutoDiscoveryEnabled bool            `json:"autoDiscoveryEnabled"`
	ToolApprovalRequired bool            `json:"toolApprovalRequired"`
}

// ConfigStore reads and mutates the servers file. Every write is atomic:
// the new content lands in a temp file that is renamed over the original.
type ConfigStore struct {
	path string
	mu   sync.Mutex
}

// NewConfigStore creates a store for the given file path.
func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{path: path}
}

// Path returns the backing file path.
func (s *ConfigStore) Path() string {
	return s.path
}

// Load reads the file. A missing file yields an empty enabled config.
func (s *ConfigStore) Load() (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *ConfigStore) load() (*File, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{SubAgentEnabled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return &f, nil
}

func (s *ConfigStore) save(f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".mcp-servers-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}

// AddServer appends a validated server record and persists the file.
func (s *ConfigStore) AddServer(cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range f.Servers {
		if existing.ID == cfg.ID {
			return fmt.Errorf("server %q already exists", cfg.ID)
		}
	}
	f.Servers = append(f.Servers, cfg)
	return s.save(f)
}

// RemoveServer deletes a server record and persists the file.
func (s *ConfigStore) RemoveServer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	kept := f.Servers[:0]
	found := false
	for _, existing := range f.Servers {
		if existing.ID == id {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return fmt.Errorf("server %q not found", id)
	}
	f.Servers = kept
	return s.save(f)
}

// ModifyServer replaces the record with the same id and persists the file.
func (s *ConfigStore) ModifyServer(cfg *ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	for i, existing := range f.Servers {
		if existing.ID == cfg.ID {
			f.Servers[i] = cfg
			return s.save(f)
		}
	}
	return fmt.Errorf("server %q not found", cfg.ID)
}

// GetServer returns the record with the given id.
func (s *ConfigStore) GetServer(id string) (*ServerConfig, error) {
	f, err := s.Load()
	if err != nil {
		return nil, err
	}
	for _, existing := range f.Servers {
		if existing.ID == id {
			return existing, nil
		}
	}
	return nil, fmt.Errorf("server %q not found", id)
}
