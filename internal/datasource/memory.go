package datasource

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"bsync-go/internal/bsync"
	"bsync-go/internal/remote"
)

// MemoryDatasource holds piece data in memory. Safe for concurrent use.
type MemoryDatasource struct {
	mu     sync.RWMutex
	pieces map[bsync.PieceType]memoryPiece
}

type memoryPiece struct {
	data    []byte
	modTime time.Time
}

var _ remote.Datasource = (*MemoryDatasource)(nil)

func NewMemoryDatasource() *MemoryDatasource {
	return &MemoryDatasource{pieces: make(map[bsync.PieceType]memoryPiece)}
}

// Set stores data for piece as if the application had just written it.
func (m *MemoryDatasource) Set(piece bsync.PieceType, data []byte, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pieces[piece] = memoryPiece{data: append([]byte(nil), data...), modTime: modTime}
}

// Get returns the stored data for piece.
func (m *MemoryDatasource) Get(piece bsync.PieceType) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pieces[piece]
	return p.data, ok
}

func (m *MemoryDatasource) LastUpdate(piece bsync.PieceType) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pieces[piece]
	return p.modTime, ok, nil
}

func (m *MemoryDatasource) Export(piece bsync.PieceType, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pieces[piece]
	if !ok {
		return fmt.Errorf("no local data for %s", piece)
	}
	_, err := io.Copy(w, bytes.NewReader(p.data))
	return err
}

func (m *MemoryDatasource) Replace(piece bsync.PieceType, r io.Reader, modTime time.Time) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading %s: %w", piece, err)
	}
	m.Set(piece, data, modTime)
	return nil
}
