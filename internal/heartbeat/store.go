package heartbeat

import (
	"context"
	"sync"

	"github.com/loykin/browsertools/internal/statefile"
)

// Store persists the single heartbeat record.
// Load returns (nil, nil) when no record exists.
type Store interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec Record) error
	Clear(ctx context.Context) error
}

// FileStore keeps the record as a JSON document on disk.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore { return &FileStore{Path: path} }

func (s *FileStore) Load(_ context.Context) (*Record, error) {
	var rec Record
	found, err := statefile.Read(s.Path, &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

func (s *FileStore) Save(_ context.Context, rec Record) error {
	return statefile.Write(s.Path, rec)
}

func (s *FileStore) Clear(_ context.Context) error {
	return statefile.Remove(s.Path)
}

// MemStore is an in-process Store used by tests and embedders.
type MemStore struct {
	mu  sync.Mutex
	rec *Record
	// Err, when set, is returned by every operation.
	Err error
}

func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) Load(_ context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	if s.rec == nil {
		return nil, nil
	}
	cp := *s.rec
	return &cp, nil
}

func (s *MemStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.rec = &rec
	return nil
}

func (s *MemStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.rec = nil
	return nil
}
