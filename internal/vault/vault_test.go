package vault

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bsync-go/internal/bsync"
	"bsync-go/internal/remote"
)

func vaultImplementations(t *testing.T) map[string]remote.Vault {
	t.Helper()
	fsv, err := NewFileSystemVault("test-fs", filepath.Join(t.TempDir(), "vault"))
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	return map[string]remote.Vault{
		"memory":     NewMemoryVault("test-memory"),
		"filesystem": fsv,
		"s3":         newFakeS3Vault(),
	}
}

func testDescriptor(id string, size int) bsync.Descriptor {
	return bsync.Descriptor{
		ID:   id,
		Date: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Size: int64(size),
	}
}

func TestVault_PutAndGetPiece(t *testing.T) {
	ctx := context.Background()
	for name, v := range vaultImplementations(t) {
		t.Run(name, func(t *testing.T) {
			payload := "sealed positions"
			desc := testDescriptor("backup-1", len(payload))

			if err := v.PutPiece(ctx, "ns", bsync.PiecePositions, desc, strings.NewReader(payload), int64(len(payload))); err != nil {
				t.Fatalf("PutPiece() error = %v", err)
			}

			var buf bytes.Buffer
			got, err := v.GetPiece(ctx, "ns", bsync.PiecePositions, &buf)
			if err != nil {
				t.Fatalf("GetPiece() error = %v", err)
			}
			if buf.String() != payload {
				t.Errorf("GetPiece() payload = %q, want %q", buf.String(), payload)
			}
			if got.ID != desc.ID || !got.Date.Equal(desc.Date) || got.Size != desc.Size {
				t.Errorf("GetPiece() descriptor = %+v, want %+v", got, desc)
			}
		})
	}
}

func TestVault_PutPieceReplaces(t *testing.T) {
	ctx := context.Background()
	for name, v := range vaultImplementations(t) {
		t.Run(name, func(t *testing.T) {
			for i, payload := range []string{"first", "second copy"} {
				desc := testDescriptor("backup-"+payload, len(payload))
				desc.Date = desc.Date.Add(time.Duration(i) * time.Hour)
				if err := v.PutPiece(ctx, "ns", bsync.PieceSettings, desc, strings.NewReader(payload), int64(len(payload))); err != nil {
					t.Fatalf("PutPiece(%q) error = %v", payload, err)
				}
			}

			got, err := v.Describe(ctx, "ns", bsync.PieceSettings)
			if err != nil {
				t.Fatalf("Describe() error = %v", err)
			}
			if got == nil || got.ID != "backup-second copy" {
				t.Fatalf("Describe() = %+v, want the second descriptor", got)
			}
		})
	}
}

func TestVault_DescribeMissing(t *testing.T) {
	ctx := context.Background()
	for name, v := range vaultImplementations(t) {
		t.Run(name, func(t *testing.T) {
			got, err := v.Describe(ctx, "ns", bsync.PieceFlows)
			if err != nil {
				t.Fatalf("Describe() error = %v", err)
			}
			if got != nil {
				t.Errorf("Describe() = %+v, want nil", got)
			}

			var buf bytes.Buffer
			if _, err := v.GetPiece(ctx, "ns", bsync.PieceFlows, &buf); err == nil {
				t.Error("GetPiece() expected error for missing piece")
			}
		})
	}
}

func TestVault_NamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	for name, v := range vaultImplementations(t) {
		t.Run(name, func(t *testing.T) {
			payload := "data"
			desc := testDescriptor("a", len(payload))
			if err := v.PutPiece(ctx, "alice", bsync.PieceRealEstate, desc, strings.NewReader(payload), int64(len(payload))); err != nil {
				t.Fatalf("PutPiece() error = %v", err)
			}

			got, err := v.Describe(ctx, "bob", bsync.PieceRealEstate)
			if err != nil {
				t.Fatalf("Describe() error = %v", err)
			}
			if got != nil {
				t.Errorf("Describe() in other namespace = %+v, want nil", got)
			}
		})
	}
}

func TestMemoryVault_PutPieceSizeMismatch(t *testing.T) {
	v := NewMemoryVault("test")
	desc := testDescriptor("x", 4)
	if err := v.PutPiece(context.Background(), "ns", bsync.PiecePositions, desc, strings.NewReader("test"), 14); err == nil {
		t.Error("PutPiece() expected error for size mismatch")
	}
}

func TestFileSystemVault_PutPiece(t *testing.T) {
	t.Run("size mismatch leaves no files", func(t *testing.T) {
		root := t.TempDir()
		v, err := NewFileSystemVault("test", root)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}

		desc := testDescriptor("x", 5)
		if err := v.PutPiece(context.Background(), "ns", bsync.PiecePositions, desc, strings.NewReader("hello"), 100); err == nil {
			t.Fatal("PutPiece() expected error for size mismatch")
		}

		entries, err := os.ReadDir(filepath.Join(root, "ns"))
		if err != nil {
			t.Fatalf("ReadDir() error = %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("namespace directory has %d entries, want 0", len(entries))
		}
	})

	t.Run("writes payload and descriptor", func(t *testing.T) {
		root := t.TempDir()
		v, err := NewFileSystemVault("test", root)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}

		desc := testDescriptor("x", 5)
		if err := v.PutPiece(context.Background(), "ns", bsync.PieceRealEstate, desc, strings.NewReader("hello"), 5); err != nil {
			t.Fatalf("PutPiece() error = %v", err)
		}
		for _, name := range []string{"real_estate.age", "real_estate.json"} {
			if _, err := os.Stat(filepath.Join(root, "ns", name)); err != nil {
				t.Errorf("%s not written: %v", name, err)
			}
		}
	})
}

func TestFileSystemVault_ValidateSetup(t *testing.T) {
	t.Run("valid vault", func(t *testing.T) {
		v, err := NewFileSystemVault("test", t.TempDir())
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
		if err := v.ValidateSetup(context.Background()); err != nil {
			t.Errorf("ValidateSetup() error = %v", err)
		}
	})

	t.Run("root removed", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "vault")
		v, err := NewFileSystemVault("test", root)
		if err != nil {
			t.Fatalf("NewFileSystemVault() error = %v", err)
		}
		if err := os.RemoveAll(root); err != nil {
			t.Fatal(err)
		}
		if err := v.ValidateSetup(context.Background()); err == nil {
			t.Error("ValidateSetup() expected error for missing root")
		}
	})
}
