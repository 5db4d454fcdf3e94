package db

import (
	"cmp"
	"encoding/gob"
	"errors"
	"io/fs"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/vtfind/vtfind/internal/model"
)

// Memory is a database that keeps checkpoints in memory and persists them to
// a gob file on Close.
type Memory struct {
	Scans map[string]*model.Scan
	Path  string

	mu sync.RWMutex
}

// NewInMemory creates a new in-memory database.
func NewInMemory(path string) (Database, error) {
	if path == "" {
		return nil, errors.New("'path' is required")
	}
	return &Memory{
		Scans: make(map[string]*model.Scan),
		Path:  path,
	}, nil
}

// Connect loads the gob file if it exists.
func (m *Memory) Connect() error {
	f, err := os.Open(m.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	m.mu.Lock()
	defer m.mu.Unlock()
	return gob.NewDecoder(f).Decode(&m.Scans)
}

// Save creates or replaces a checkpoint together with its records.
func (m *Memory) Save(s *model.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if old, ok := m.Scans[s.ID]; ok {
		s.CreatedAt = old.CreatedAt
	} else if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	cp := *s
	cp.Procs = slices.Clone(s.Procs)
	cp.VMCSs = slices.Clone(s.VMCSs)
	m.Scans[s.ID] = &cp
	return nil
}

// Get returns the checkpoint with the given ID.
func (m *Memory) Get(id string) (*model.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.Scans[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return s, nil
}

// GetByImage returns the checkpoint of the image with the given key.
func (m *Memory) GetByImage(key string) (*model.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.Scans {
		if s.ImageKey == key {
			return s, nil
		}
	}
	return nil, model.ErrNotFound
}

// List returns every checkpoint without its records, most recent first.
func (m *Memory) List() ([]*model.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scans := make([]*model.Scan, 0, len(m.Scans))
	for _, s := range m.Scans {
		cp := *s
		cp.Procs, cp.VMCSs = nil, nil
		scans = append(scans, &cp)
	}
	slices.SortFunc(scans, func(a, b *model.Scan) int {
		return cmp.Compare(b.UpdatedAt.UnixNano(), a.UpdatedAt.UnixNano())
	})
	return scans, nil
}

// Delete removes the checkpoint with the given ID.
func (m *Memory) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Scans[id]; !ok {
		return model.ErrNotFound
	}
	delete(m.Scans, id)
	return nil
}

// Close writes the checkpoints to the gob file.
func (m *Memory) Close() error {
	f, err := os.Create(m.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	m.mu.RLock()
	defer m.mu.RUnlock()
	return gob.NewEncoder(f).Encode(m.Scans)
}
