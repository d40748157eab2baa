package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"bsync-go/internal/bsync"
	"bsync-go/internal/remote"
)

// MemoryVault is an in-memory implementation of the Vault interface.
// It is useful for testing and is safe for concurrent use.
type MemoryVault struct {
	name   string
	pieces map[string]storedPiece // "namespace/PIECE" -> piece
	mu     sync.RWMutex
}

type storedPiece struct {
	desc    bsync.Descriptor
	payload []byte
}

var _ remote.Vault = (*MemoryVault)(nil)

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:   name,
		pieces: make(map[string]storedPiece),
	}
}

func pieceKey(namespace string, piece bsync.PieceType) string {
	return namespace + "/" + string(piece)
}

// PutPiece replaces the remote copy of a piece.
func (m *MemoryVault) PutPiece(ctx context.Context, namespace string, piece bsync.PieceType, desc bsync.Descriptor, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pieces[pieceKey(namespace, piece)] = storedPiece{desc: desc, payload: data}
	return nil
}

// GetPiece writes the stored payload to w.
func (m *MemoryVault) GetPiece(ctx context.Context, namespace string, piece bsync.PieceType, w io.Writer) (bsync.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pieces[pieceKey(namespace, piece)]
	if !ok {
		return bsync.Descriptor{}, fmt.Errorf("piece %s not found in namespace %s", piece, namespace)
	}
	if _, err := io.Copy(w, bytes.NewReader(p.payload)); err != nil {
		return bsync.Descriptor{}, fmt.Errorf("failed to write payload: %w", err)
	}
	return p.desc, nil
}

// Describe returns the stored descriptor, or nil.
func (m *MemoryVault) Describe(ctx context.Context, namespace string, piece bsync.PieceType) (*bsync.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pieces[pieceKey(namespace, piece)]
	if !ok {
		return nil, nil
	}
	d := p.desc
	return &d, nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(ctx context.Context) error {
	return nil
}
