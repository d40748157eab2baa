package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bsync-go/internal/bsync"
	"bsync-go/internal/remote"
)

// FileSystemVault stores pieces as files in a directory structure:
//
//	<root>/
//	  <namespace>/
//	    <piece>.age    (sealed payload)
//	    <piece>.json   (descriptor, written after the payload)
type FileSystemVault struct {
	name string
	root string
}

var _ remote.Vault = (*FileSystemVault)(nil)

// NewFileSystemVault creates a new filesystem vault rooted at the given path.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create vault root: %w", err)
	}
	return &FileSystemVault{name: name, root: root}, nil
}

func (v *FileSystemVault) paths(namespace string, piece bsync.PieceType) (dir, payload, descriptor string) {
	dir = filepath.Join(v.root, namespace)
	base := strings.ToLower(string(piece))
	return dir, filepath.Join(dir, base+".age"), filepath.Join(dir, base+".json")
}

// PutPiece writes the payload and then its descriptor, each atomically. A
// reader never sees a descriptor for a payload that is not fully written.
func (v *FileSystemVault) PutPiece(ctx context.Context, namespace string, piece bsync.PieceType, desc bsync.Descriptor, r io.Reader, size int64) error {
	dir, payloadPath, descPath := v.paths(namespace, piece)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create namespace directory: %w", err)
	}
	if err := writeFileAtomic(payloadPath, r, size); err != nil {
		return err
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("encoding descriptor: %w", err)
	}
	return writeFileAtomic(descPath, strings.NewReader(string(data)), int64(len(data)))
}

// GetPiece copies the payload to w.
func (v *FileSystemVault) GetPiece(ctx context.Context, namespace string, piece bsync.PieceType, w io.Writer) (bsync.Descriptor, error) {
	desc, err := v.Describe(ctx, namespace, piece)
	if err != nil {
		return bsync.Descriptor{}, err
	}
	if desc == nil {
		return bsync.Descriptor{}, fmt.Errorf("piece %s not found in namespace %s", piece, namespace)
	}

	_, payloadPath, _ := v.paths(namespace, piece)
	f, err := os.Open(payloadPath)
	if err != nil {
		return bsync.Descriptor{}, fmt.Errorf("failed to open payload: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return bsync.Descriptor{}, fmt.Errorf("failed to read payload: %w", err)
	}
	return *desc, nil
}

// Describe reads the descriptor file. A missing file means no remote copy.
func (v *FileSystemVault) Describe(ctx context.Context, namespace string, piece bsync.PieceType) (*bsync.Descriptor, error) {
	_, _, descPath := v.paths(namespace, piece)
	data, err := os.ReadFile(descPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading descriptor: %w", err)
	}

	var desc bsync.Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parsing descriptor %s: %w", descPath, err)
	}
	return &desc, nil
}

// ValidateSetup verifies that the vault root is an accessible directory.
func (v *FileSystemVault) ValidateSetup(ctx context.Context) error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("vault root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root is not a directory: %s", v.root)
	}
	return nil
}

// writeFileAtomic writes r to destPath through a temp file and rename.
func writeFileAtomic(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true
	return nil
}
