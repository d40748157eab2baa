package bsync

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Executor performs upload and import actions and folds the authoritative
// result back into the cache.
type Executor struct {
	remote  Remote
	cache   *Cache
	backoff *Backoff
	state   *syncState
	store   StateStore
	logger  Logger
	clock   Clock

	mu        sync.RWMutex
	reloaders []Reloader
}

func newExecutor(remote Remote, cache *Cache, backoff *Backoff, state *syncState, store StateStore, logger Logger, clock Clock) *Executor {
	return &Executor{
		remote:  remote,
		cache:   cache,
		backoff: backoff,
		state:   state,
		store:   store,
		logger:  logger,
		clock:   clock,
	}
}

// OnImported registers a hook run after every successful import.
func (x *Executor) OnImported(fn Reloader) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.reloaders = append(x.reloaders, fn)
}

// Upload makes the local copy of each listed piece authoritative. On a
// conflict the cache is left untouched and a *Error of KindConflict is
// returned; force must only be set by a human-initiated action.
func (x *Executor) Upload(ctx context.Context, types []PieceType, force bool) (*SyncRun, error) {
	if len(types) == 0 {
		return nil, nil
	}
	if !x.backoff.CanAttempt() {
		return nil, ErrBackoffActive
	}

	x.logger.Info("uploading pieces", "types", types, "force", force)
	pieces, err := x.remote.UploadPieces(ctx, types, force)
	x.backoff.record(err)
	if err != nil {
		x.logger.Warn("upload failed", "kind", KindOf(err).String(), "error", err)
		return nil, fmt.Errorf("uploading %v: %w", types, err)
	}

	run := &SyncRun{FetchedAt: x.clock.Now()}
	run.Pieces = x.cache.apply(pieces, run.FetchedAt)
	return run, nil
}

// Import replaces the local copy of each listed piece with the remote one.
// Success clears the credentials-mismatch flag and runs the reload hooks
// exactly once; INVALID_CREDENTIALS sets the flag until a later import succeeds.
func (x *Executor) Import(ctx context.Context, types []PieceType, force bool) (*SyncRun, error) {
	if len(types) == 0 {
		return nil, nil
	}
	if !x.backoff.CanAttempt() {
		return nil, ErrBackoffActive
	}

	x.logger.Info("importing pieces", "types", types, "force", force)
	pieces, err := x.remote.ImportPieces(ctx, types, force)
	x.backoff.record(err)
	if err != nil {
		if KindOf(err) == KindInvalidCredentials {
			x.setCredentialsMismatch(ctx, true)
		}
		x.logger.Warn("import failed", "kind", KindOf(err).String(), "error", err)
		return nil, fmt.Errorf("importing %v: %w", types, err)
	}

	run := &SyncRun{FetchedAt: x.clock.Now()}
	run.Pieces = x.cache.apply(pieces, run.FetchedAt)
	x.setCredentialsMismatch(ctx, false)
	x.reload(ctx)
	return run, nil
}

func (x *Executor) setCredentialsMismatch(ctx context.Context, v bool) {
	if !x.state.setCredentialsMismatch(v) {
		return
	}
	if err := x.store.SaveCredentialsMismatch(ctx, v); err != nil {
		x.logger.Warn("persisting credentials mismatch failed", "error", err)
	}
}

// reload runs every hook concurrently. Failures are logged: the import itself
// already succeeded.
func (x *Executor) reload(ctx context.Context) {
	x.mu.RLock()
	hooks := make([]Reloader, len(x.reloaders))
	copy(hooks, x.reloaders)
	x.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range hooks {
		g.Go(func() error { return fn(gctx) })
	}
	if err := g.Wait(); err != nil {
		x.logger.Error("reloading after import failed", "error", err)
	}
}
