package remote

import (
	"context"
	"io"
	"time"

	"bsync-go/internal/bsync"
)

// Vault stores the sealed remote copy of each piece, one per namespace.
type Vault interface {
	// PutPiece replaces the remote copy of piece. size is the number of bytes
	// that will be read from r; desc.Size must equal it.
	PutPiece(ctx context.Context, namespace string, piece bsync.PieceType, desc bsync.Descriptor, r io.Reader, size int64) error

	// GetPiece writes the sealed remote copy of piece to w and returns its descriptor.
	GetPiece(ctx context.Context, namespace string, piece bsync.PieceType, w io.Writer) (bsync.Descriptor, error)

	// Describe returns the descriptor of the remote copy, or nil if there is none.
	Describe(ctx context.Context, namespace string, piece bsync.PieceType) (*bsync.Descriptor, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup(ctx context.Context) error
}

// Datasource is the local application data, one blob per piece.
type Datasource interface {
	// LastUpdate returns when piece was last modified locally. ok is false
	// when no local data exists.
	LastUpdate(piece bsync.PieceType) (t time.Time, ok bool, err error)

	// Export writes the local data of piece to w.
	Export(piece bsync.PieceType, w io.Writer) error

	// Replace overwrites the local data of piece and stamps it with modTime.
	Replace(piece bsync.PieceType, r io.Reader, modTime time.Time) error
}

// Registry records the descriptor each piece had when it was last synced.
type Registry interface {
	LocalDescriptors(ctx context.Context) (map[bsync.PieceType]bsync.Descriptor, error)
	RecordLocalDescriptors(ctx context.Context, descs map[bsync.PieceType]bsync.Descriptor) error
}

// Encryptor seals payloads before they leave the machine. Encryption needs the
// public key only; decryption needs a DecryptionContext from Unlock.
type Encryptor interface {
	// Setup performs one-time key generation, protecting the private key with
	// passphrase.
	Setup(passphrase string) error

	// Encrypt encrypts data read from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key using the passphrase.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if the key material exists.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for the duration
// of an import.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}

// PassphraseFunc supplies the passphrase that unlocks the private key.
type PassphraseFunc func() (string, error)
