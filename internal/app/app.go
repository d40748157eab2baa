package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"bsync-go/internal/bsync"
	"bsync-go/internal/config"
	"bsync-go/internal/database"
	"bsync-go/internal/datasource"
	"bsync-go/internal/encryption"
	"bsync-go/internal/remote"
	"bsync-go/internal/server"
	"bsync-go/internal/vault"
	"bsync-go/internal/watch"
)

// historyRetention is how many sync runs Close keeps.
const historyRetention = 500

// Options configures NewApp.
type Options struct {
	// ConfigPath is where mode changes are saved. Empty disables saving.
	ConfigPath string
	// Command names the CLI command, for the log.
	Command string
	// Passphrase unlocks the private key for imports.
	Passphrase remote.PassphraseFunc
	// Console receives log lines in addition to the log file.
	Console io.Writer

	Clock bsync.Clock
	IDs   bsync.IDGenerator
}

// App is the application layer between the CLI and the scheduler. It
// constructs all dependencies from config and closes them on Close.
type App struct {
	cfg        *config.Config
	configPath string
	op         *Operation
	clock      bsync.Clock

	store     *database.SQLiteStore
	vault     remote.Vault
	data      remote.Datasource
	encryptor remote.Encryptor
	gateway   *remote.Gateway
	mode      *bsync.ModeHolder
	sched     *bsync.Scheduler

	logger    *slogAdapter
	logCloser io.Closer
}

// NewApp creates a fully wired App from the given config and restores the
// persisted scheduler state. The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = bsync.RealClock{}
	}
	if opts.IDs == nil {
		opts.IDs = bsync.UUIDGenerator{}
	}

	mode, err := bsync.ParseBackupMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	op := NewOperation(opts.Command, opts.Clock.Now())
	slogger, logCloser, err := newLogger(cfg.Log, cfg.LogDir, op.ID, opts.Console)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &App{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		op:         op,
		clock:      opts.Clock,
		mode:       bsync.NewModeHolder(mode),
		logger:     logger,
		logCloser:  logCloser,
	}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	logger.Debug("command started", "command", op.Command, "mode", string(mode))
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	var err error
	if a.vault, err = vault.NewVaultFromConfig(ctx, a.cfg.Vault); err != nil {
		return fmt.Errorf("creating vault: %w", err)
	}
	if a.data, err = datasource.NewDatasourceFromConfig(a.cfg.Datasource); err != nil {
		return fmt.Errorf("creating datasource: %w", err)
	}
	if a.encryptor, err = encryption.NewEncryptorFromConfig(a.cfg.Encryption); err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}

	if a.store, err = database.NewStoreFromConfig(a.cfg.Database, a.cfg.HostID, a.clock); err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	if err := a.store.CheckMigrations(); err != nil {
		return fmt.Errorf("checking state database: %w", err)
	}

	a.gateway = remote.NewGateway(a.vault, a.data, a.store, a.encryptor, opts.Passphrase,
		a.clock, opts.IDs, a.logger, remote.Options{
			Namespace:         a.cfg.Namespace,
			OperationCooldown: a.cfg.Remote.OperationCooldown.Duration,
		})

	a.sched = bsync.NewScheduler(a.gateway, bsync.StaticPermissions(permissionsFromConfig(a.cfg.Permissions)),
		a.mode, a.store, intervalsFromConfig(a.cfg.Intervals), a.clock, opts.IDs, a.logger)
	a.sched.OnImported(func(context.Context) error {
		a.logger.Info("local data replaced by import")
		return nil
	})
	if err := a.sched.Load(ctx); err != nil {
		return err
	}
	return nil
}

// Config returns the config the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Scheduler returns the scheduler driving every sync operation.
func (a *App) Scheduler() *bsync.Scheduler { return a.sched }

// Status returns the status view, refreshing it first when refresh is set.
// The view is returned even when the refresh fails.
func (a *App) Status(ctx context.Context, refresh bool) (bsync.StatusView, error) {
	var err error
	if refresh {
		err = a.sched.Refresh(ctx)
	}
	return a.sched.Status(), err
}

// Sync runs a manual sync.
func (a *App) Sync(ctx context.Context) (bsync.CycleReport, error) {
	return a.sched.SyncNow(ctx)
}

// Upload forces the named pieces (all when empty) to the remote.
func (a *App) Upload(ctx context.Context, names []string) (*bsync.SyncRun, error) {
	types, err := bsync.ParsePieceTypes(names)
	if err != nil {
		return nil, err
	}
	return a.sched.Upload(ctx, types)
}

// Import forces the remote copies of the named pieces (all when empty) onto
// local storage.
func (a *App) Import(ctx context.Context, names []string) (*bsync.SyncRun, error) {
	types, err := bsync.ParsePieceTypes(names)
	if err != nil {
		return nil, err
	}
	return a.sched.Import(ctx, types)
}

// History returns the most recent sync runs, newest first.
func (a *App) History(ctx context.Context, limit int) ([]bsync.RunRecord, error) {
	return a.store.ListRuns(ctx, limit)
}

// SetMode switches the backup mode and saves it to the config file.
func (a *App) SetMode(name string) (bsync.BackupMode, error) {
	mode, err := bsync.ParseBackupMode(name)
	if err != nil {
		return "", err
	}
	if err := a.saveMode(mode); err != nil {
		return "", err
	}
	a.mode.Set(mode)
	a.sched.ModeChanged()
	a.logger.Info("backup mode changed", "mode", string(mode))
	return mode, nil
}

func (a *App) saveMode(mode bsync.BackupMode) error {
	if a.configPath == "" {
		a.cfg.Mode = string(mode)
		return nil
	}
	prev := a.cfg.Mode
	a.cfg.Mode = string(mode)
	if err := config.Save(a.configPath, a.cfg); err != nil {
		a.cfg.Mode = prev
		return fmt.Errorf("saving mode: %w", err)
	}
	return nil
}

// CheckResult is the outcome of one setup check.
type CheckResult struct {
	Name string
	Err  error
}

// Check verifies the vault, the encryption keys and the database schema.
func (a *App) Check(ctx context.Context) []CheckResult {
	results := []CheckResult{
		{Name: "vault", Err: a.vault.ValidateSetup(ctx)},
		{Name: "database", Err: a.store.CheckMigrations()},
	}
	var keysErr error
	if !a.encryptor.IsConfigured() {
		keysErr = errors.New("encryption keys not found (run `bsync keys init`)")
	}
	results = append(results, CheckResult{Name: "encryption keys", Err: keysErr})
	return results
}

// Serve runs the scheduler, the HTTP API and, for file datasources, the
// change watcher until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	var watcher *watch.Watcher
	if fds, ok := a.data.(*datasource.FileDatasource); ok && a.cfg.Watch.Enabled {
		w, err := watch.New(fds, a.cfg.Watch.Debounce.Duration, func([]bsync.PieceType) {
			a.sched.LocalChanged()
		}, a.logger)
		if err != nil {
			return fmt.Errorf("starting watcher: %w", err)
		}
		watcher = w
	}

	api := server.New(a.sched, server.Options{
		Mode:     a.mode,
		SaveMode: a.saveMode,
		Logger:   a.logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return api.ListenAndServe(gctx, a.cfg.Server.Addr) })
	if watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	a.logger.Info("serving", "addr", a.cfg.Server.Addr, "mode", string(a.mode.Mode()))
	return g.Wait()
}

// Close prunes old run history and closes all resources.
func (a *App) Close() error {
	var firstErr error
	if a.sched != nil {
		a.sched.Close()
	}
	if a.store != nil {
		if n, err := a.store.PruneRuns(context.Background(), historyRetention); err != nil {
			a.logger.Warn("pruning run history failed", "error", err)
		} else if n > 0 {
			a.logger.Debug("pruned run history", "deleted", n)
		}
		if err := a.store.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.op != nil {
		a.logger.Debug("command finished", "command", a.op.Command, "elapsed", a.op.Elapsed(a.clock.Now()).String())
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
	return firstErr
}

// MigrateDatabase applies pending schema migrations to the configured database.
func MigrateDatabase(cfg *config.Config) error {
	store, err := database.NewStoreFromConfig(cfg.Database, cfg.HostID, bsync.RealClock{})
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("migrating %s: %w", store.Path(), err)
	}
	return nil
}

// InitKeys generates the encryption key pair, protected by passphrase.
func InitKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return err
	}
	return enc.Setup(passphrase)
}

// PublicKey returns the configured public key, for sharing with other devices.
func PublicKey(cfg *config.Config) (string, error) {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return "", err
	}
	pk, ok := enc.(interface{ PublicKey() (string, error) })
	if !ok {
		return "", fmt.Errorf("encryption type %q has no public key", cfg.Encryption.Type)
	}
	return pk.PublicKey()
}

func permissionsFromConfig(p config.PermissionsConfig) bsync.Permissions {
	return bsync.Permissions{CanViewInfo: p.CanViewInfo, CanUpload: p.CanUpload, CanImport: p.CanImport}
}

// intervalsFromConfig overlays the configured intervals on the defaults.
func intervalsFromConfig(c config.IntervalsConfig) bsync.Intervals {
	iv := bsync.DefaultIntervals()
	set := func(dst *time.Duration, d config.Duration) {
		if d.Duration > 0 {
			*dst = d.Duration
		}
	}
	set(&iv.AutoSync, c.AutoSync)
	set(&iv.ManualFullCheck, c.ManualFullCheck)
	set(&iv.ManualFastCheck, c.ManualFastCheck)
	set(&iv.CacheFreshness, c.CacheFreshness)
	set(&iv.SkipFastAfterRefresh, c.SkipFastAfterRefresh)
	set(&iv.Tick, c.Tick)
	return iv
}
