package testutil

import (
	"bsync-go/internal/datasource"
	"bsync-go/internal/encryption"
	"bsync-go/internal/vault"
)

// NewTestVault creates a new in-memory vault for testing.
func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault("test-vault")
}

// NewTestEncryptor creates a new test encryptor for testing.
func NewTestEncryptor() *encryption.TestEncryptor {
	return encryption.NewTestEncryptor()
}

// NewTestDatasource creates a new in-memory datasource for testing.
func NewTestDatasource() *datasource.MemoryDatasource {
	return datasource.NewMemoryDatasource()
}
