package encryption

import (
	"bytes"
	"errors"
	"testing"
)

func TestTestEncryptor_EncryptDecrypt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input []byte
	}{
		{name: "simple text", input: []byte("hello world")},
		{name: "empty", input: []byte{}},
		{name: "binary data", input: []byte{0x00, 0xff, 0x01, 0xfe}},
		{name: "large data", input: bytes.Repeat([]byte("abcdef"), 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			e := NewTestEncryptor()

			var encrypted bytes.Buffer
			if err := e.Encrypt(bytes.NewReader(tt.input), &encrypted); err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if bytes.Equal(encrypted.Bytes(), tt.input) {
				t.Error("encrypted output is identical to plaintext")
			}

			ctx, err := e.Unlock("any-passphrase")
			if err != nil {
				t.Fatalf("Unlock() error = %v", err)
			}

			var decrypted bytes.Buffer
			if err := ctx.Decrypt(bytes.NewReader(encrypted.Bytes()), &decrypted); err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(decrypted.Bytes(), tt.input) {
				t.Errorf("round-trip failed: got %q, want %q", decrypted.Bytes(), tt.input)
			}
		})
	}
}

func TestTestEncryptor_Unlock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		enc        *TestEncryptor
		passphrase string
		wantErr    error
	}{
		{name: "any passphrase", enc: NewTestEncryptor(), passphrase: "whatever"},
		{name: "empty passphrase", enc: NewTestEncryptor(), passphrase: "", wantErr: ErrWrongPassphrase},
		{name: "keyed correct", enc: NewKeyedTestEncryptor("k1", "secret"), passphrase: "secret"},
		{name: "keyed wrong", enc: NewKeyedTestEncryptor("k1", "secret"), passphrase: "guess", wantErr: ErrWrongPassphrase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.enc.Unlock(tt.passphrase)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Unlock() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTestDecryptionContext_ForeignKey(t *testing.T) {
	t.Parallel()

	var sealed bytes.Buffer
	if err := NewKeyedTestEncryptor("laptop", "p").Encrypt(bytes.NewReader([]byte("data")), &sealed); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	ctx, err := NewKeyedTestEncryptor("phone", "p").Unlock("p")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	var out bytes.Buffer
	if err := ctx.Decrypt(bytes.NewReader(sealed.Bytes()), &out); !errors.Is(err, ErrForeignPayload) {
		t.Errorf("Decrypt() error = %v, want ErrForeignPayload", err)
	}
}

func TestTestDecryptionContext_InvalidInput(t *testing.T) {
	t.Parallel()

	ctx, err := NewTestEncryptor().Unlock("p")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	for name, data := range map[string][]byte{
		"not a payload": []byte("NOT_VALID_HEADER_data"),
		"truncated":     []byte("BS"),
		"empty":         nil,
	} {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			if err := ctx.Decrypt(bytes.NewReader(data), &out); err == nil {
				t.Error("Decrypt() expected error")
			}
		})
	}
}
