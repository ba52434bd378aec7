package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/MimeLyc/mtforge/pkg/file"
)

// ErrCorrupt is returned when the ledger file exists but cannot be used.
var ErrCorrupt = errors.New("ledger file is corrupt")

// Store persists the ledger between runs.
type Store interface {
	// Load returns an empty ledger when nothing was saved yet.
	Load(ctx context.Context) (*Ledger, error)
	// Save replaces the stored ledger. A crash during Save leaves either the
	// previous or the new version.
	Save(ctx context.Context, l *Ledger) error
}

// FileStore keeps the ledger as a JSON document.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(ctx context.Context) (*Ledger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	l := New()
	if err := json.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if l.Jobs == nil {
		l.Jobs = make(map[string]*JobRecord)
	}
	if err := l.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return l, nil
}

func (s *FileStore) Save(ctx context.Context, l *Ledger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l == nil {
		return errors.New("nil ledger")
	}
	if err := file.WriteJSONAtomic(s.path, l); err != nil {
		return fmt.Errorf("save ledger: %w", err)
	}
	return nil
}
