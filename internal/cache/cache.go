package cache

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Storage is the set of named, versioned stores. Store names double as
// version tags.
type Storage struct {
	mu      sync.Mutex
	backend Backend
}

func NewStorage(backend Backend) *Storage {
	if backend == nil {
		backend = NewMemoryBackend(DefaultMaxObjectBytes)
	}
	return &Storage{backend: backend}
}

// OpenBackend selects a backend from a DSN: "memory://" or "disk:///path".
func OpenBackend(dsn string, maxObjectBytes int64) (Backend, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryBackend(maxObjectBytes), nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse storage dsn: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return NewMemoryBackend(maxObjectBytes), nil
	case "disk":
		root := u.Path
		if u.Host != "" {
			root = u.Host + root
		}
		return NewDiskBackend(root, maxObjectBytes)
	default:
		return nil, fmt.Errorf("unknown storage scheme %q", u.Scheme)
	}
}

// Open returns the store called name, creating it when missing.
func (s *Storage) Open(name string) (Store, error) {
	if s == nil {
		return nil, ErrStoreMissing
	}
	if name == "" {
		return nil, errors.New("store name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Open(name)
}

func (s *Storage) Has(name string) bool {
	names, err := s.Names()
	if err != nil {
		return false
	}
	for _, existing := range names {
		if existing == name {
			return true
		}
	}
	return false
}

// Names lists stores in creation order.
func (s *Storage) Names() ([]string, error) {
	if s == nil {
		return nil, ErrStoreMissing
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Names()
}

// Delete drops the named store and reports whether it existed.
func (s *Storage) Delete(name string) (bool, error) {
	if s == nil {
		return false, ErrStoreMissing
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.backend.Remove(name)
	if errors.Is(err, ErrStoreNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
