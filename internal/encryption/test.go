package encryption

import (
	"bytes"
	"fmt"
	"io"

	"bsync-go/internal/remote"
)

// testMagic starts every payload sealed by TestEncryptor.
const testMagic = "BSENC:"

// TestEncryptor is a deterministic stand-in for AgeEncryptor. It prefixes a
// header naming its key and strips it on decryption, so payloads differ from
// plaintext and a payload sealed under another key is rejected the way age
// rejects it.
type TestEncryptor struct {
	key        string
	passphrase string
	setup      bool
}

var _ remote.Encryptor = (*TestEncryptor)(nil)

// NewTestEncryptor creates a TestEncryptor with key "test" that accepts any
// non-empty passphrase.
func NewTestEncryptor() *TestEncryptor {
	return &TestEncryptor{key: "test"}
}

// NewKeyedTestEncryptor creates a TestEncryptor with the given key that only
// unlocks with passphrase.
func NewKeyedTestEncryptor(key, passphrase string) *TestEncryptor {
	return &TestEncryptor{key: key, passphrase: passphrase}
}

func (e *TestEncryptor) header() []byte {
	return []byte(testMagic + e.key + "\n")
}

func (e *TestEncryptor) Setup(passphrase string) error {
	e.setup = true
	if e.passphrase == "" {
		e.passphrase = passphrase
	}
	return nil
}

func (e *TestEncryptor) Encrypt(r io.Reader, w io.Writer) error {
	if _, err := w.Write(e.header()); err != nil {
		return fmt.Errorf("writing test header: %w", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}

func (e *TestEncryptor) Unlock(passphrase string) (remote.DecryptionContext, error) {
	if passphrase == "" || (e.passphrase != "" && passphrase != e.passphrase) {
		return nil, ErrWrongPassphrase
	}
	return &TestDecryptionContext{header: e.header()}, nil
}

func (e *TestEncryptor) IsConfigured() bool {
	return true
}

// TestDecryptionContext strips the header written by the matching TestEncryptor.
type TestDecryptionContext struct {
	header []byte
}

var _ remote.DecryptionContext = (*TestDecryptionContext)(nil)

func (c *TestDecryptionContext) Decrypt(r io.Reader, w io.Writer) error {
	got := make([]byte, len(c.header))
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("reading test header: %w", err)
	}
	if !bytes.Equal(got, c.header) {
		if bytes.HasPrefix(got, []byte(testMagic)) {
			return ErrForeignPayload
		}
		return fmt.Errorf("invalid test encryption header")
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("copying data: %w", err)
	}
	return nil
}
