package testutil

import (
	"testing"
	"time"

	"bsync-go/internal/bsync"
	"bsync-go/internal/database"
	"bsync-go/internal/datasource"
	"bsync-go/internal/encryption"
	"bsync-go/internal/remote"
	"bsync-go/internal/vault"
)

// TestPassphrase unlocks the encryptor of a TestBackend.
const TestPassphrase = "correct horse"

// TestBackend is a Gateway wired to in-memory collaborators, sharing one
// clock. Two backends can share a vault to act as two devices.
type TestBackend struct {
	Gateway   *remote.Gateway
	Vault     *vault.MemoryVault
	Data      *datasource.MemoryDatasource
	Store     *database.SQLiteStore
	Encryptor *encryption.TestEncryptor
	Clock     *StubClock
	IDs       *StubIDGenerator
}

// BackendOption customizes NewTestBackend.
type BackendOption func(*backendConfig)

type backendConfig struct {
	vault      *vault.MemoryVault
	clock      *StubClock
	encryptor  *encryption.TestEncryptor
	passphrase remote.PassphraseFunc
	cooldown   time.Duration
	logger     bsync.Logger
	idPrefix   string
}

// WithSharedVault makes the backend use v instead of a fresh vault.
func WithSharedVault(v *vault.MemoryVault) BackendOption {
	return func(c *backendConfig) { c.vault = v }
}

// WithClock makes the backend use clock.
func WithClock(clock *StubClock) BackendOption {
	return func(c *backendConfig) { c.clock = clock }
}

// WithEncryptor replaces the default test encryptor.
func WithEncryptor(e *encryption.TestEncryptor) BackendOption {
	return func(c *backendConfig) { c.encryptor = e }
}

// WithPassphrase replaces the passphrase source.
func WithPassphrase(fn remote.PassphraseFunc) BackendOption {
	return func(c *backendConfig) { c.passphrase = fn }
}

// WithCooldown sets the operation cooldown. The default is zero (no limit).
func WithCooldown(d time.Duration) BackendOption {
	return func(c *backendConfig) { c.cooldown = d }
}

// WithIDPrefix makes descriptor IDs "<prefix>-N", so backends sharing a
// vault never mint the same ID.
func WithIDPrefix(prefix string) BackendOption {
	return func(c *backendConfig) { c.idPrefix = prefix }
}

// WithLogger sets the gateway logger.
func WithLogger(l bsync.Logger) BackendOption {
	return func(c *backendConfig) { c.logger = l }
}

// NewTestBackend creates a TestBackend.
func NewTestBackend(t *testing.T, opts ...BackendOption) *TestBackend {
	t.Helper()

	cfg := backendConfig{
		passphrase: func() (string, error) { return TestPassphrase, nil },
		logger:     bsync.NewNopLogger(),
		idPrefix:   "id",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.vault == nil {
		cfg.vault = NewTestVault()
	}
	if cfg.clock == nil {
		cfg.clock = FixedClock()
	}
	if cfg.encryptor == nil {
		cfg.encryptor = encryption.NewKeyedTestEncryptor("test", TestPassphrase)
	}

	b := &TestBackend{
		Vault:     cfg.vault,
		Data:      NewTestDatasource(),
		Store:     NewTestDatabase(t, cfg.clock),
		Encryptor: cfg.encryptor,
		Clock:     cfg.clock,
		IDs:       NewPrefixedIDGenerator(cfg.idPrefix),
	}
	b.Gateway = remote.NewGateway(b.Vault, b.Data, b.Store, b.Encryptor, cfg.passphrase,
		b.Clock, b.IDs, cfg.logger, remote.Options{Namespace: "test", OperationCooldown: cfg.cooldown})
	return b
}

// Edit writes data for piece stamped with the backend clock's current time.
func (b *TestBackend) Edit(piece bsync.PieceType, data string) {
	b.Data.Set(piece, []byte(data), b.Clock.Now())
}
