package tunnel

import (
	"context"
	"sync"

	"github.com/loykin/browsertools/internal/statefile"
)

// State records a running tunnel. It is written only after the listener
// accepted a connection and removed before the process is signalled.
type State struct {
	PID       int      `json:"pid"`
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Command   []string `json:"command"`
	StartedAt int64    `json:"startedAt"` // unix ms
}

// StateStore persists the single tunnel State.
// Load returns (nil, nil) when no state exists.
type StateStore interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, st State) error
	Clear(ctx context.Context) error
}

// FileStateStore keeps the state as a JSON document on disk.
type FileStateStore struct {
	Path string
}

func NewFileStateStore(path string) *FileStateStore { return &FileStateStore{Path: path} }

func (s *FileStateStore) Load(_ context.Context) (*State, error) {
	var st State
	found, err := statefile.Read(s.Path, &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

func (s *FileStateStore) Save(_ context.Context, st State) error {
	return statefile.Write(s.Path, st)
}

func (s *FileStateStore) Clear(_ context.Context) error {
	return statefile.Remove(s.Path)
}

// MemStateStore is an in-process StateStore for tests.
type MemStateStore struct {
	mu sync.Mutex
	st *State
	// Err, when set, is returned by every operation.
	Err error
}

func (s *MemStateStore) Load(_ context.Context) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if s.st == nil {
		return nil, nil
	}
	cp := *s.st
	return &cp, nil
}

func (s *MemStateStore) Save(_ context.Context, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.st = &st
	return nil
}

func (s *MemStateStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.st = nil
	return nil
}
