package bsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// SyncRun is the authoritative snapshot set produced by one reconciliation.
type SyncRun struct {
	Pieces    Snapshots
	FetchedAt time.Time
}

const fullFetchKey = "full"

// ErrClosed is returned by FetchFull once the fetcher has been closed.
var ErrClosed = errors.New("sync scheduler closed")

// Fetcher collapses concurrent full reconciliations into a single call to the
// remote collaborator. Callers that join an in-flight fetch receive the same
// *SyncRun as the caller that started it.
type Fetcher struct {
	remote  Remote
	cache   *Cache
	backoff *Backoff
	store   StateStore
	logger  Logger
	clock   Clock

	group    singleflight.Group
	inFlight atomic.Bool
	calls    atomic.Int64
	waiting  atomic.Int64

	// life bounds every outbound fetch; Close cancels it and waits on running.
	life    context.Context
	stop    context.CancelFunc
	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
}

func NewFetcher(remote Remote, cache *Cache, backoff *Backoff, store StateStore, logger Logger, clock Clock) *Fetcher {
	life, stop := context.WithCancel(context.Background())
	return &Fetcher{
		life:    life,
		stop:    stop,
		remote:  remote,
		cache:   cache,
		backoff: backoff,
		store:   store,
		logger:  logger,
		clock:   clock,
	}
}

// InFlight reports whether a full fetch is currently running.
func (f *Fetcher) InFlight() bool { return f.inFlight.Load() }

// Calls returns how many outbound reconciliation calls were issued.
func (f *Fetcher) Calls() int64 { return f.calls.Load() }

// waiters returns how many FetchFull calls are waiting on a shared result.
func (f *Fetcher) waiters() int64 { return f.waiting.Load() }

// FetchFull returns the authoritative state of every piece. On success the
// cache is fully replaced; on failure it is left untouched and the backoff grows.
func (f *Fetcher) FetchFull(ctx context.Context) (*SyncRun, error) {
	ch := f.group.DoChan(fullFetchKey, func() (any, error) {
		return f.detached(ctx)
	})
	f.waiting.Add(1)
	defer f.waiting.Add(-1)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*SyncRun), nil
	}
}

// detached runs one outbound fetch that ignores the first caller's
// cancellation, so joiners are not failed by it, but stops on Close.
func (f *Fetcher) detached(ctx context.Context) (*SyncRun, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	f.running.Add(1)
	f.mu.Unlock()
	defer f.running.Done()

	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	unhook := context.AfterFunc(f.life, cancel)
	defer unhook()
	return f.fetch(fctx)
}

// Close cancels any outbound fetch and waits for it to finish. Later
// FetchFull calls fail with ErrClosed.
func (f *Fetcher) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.stop()
	f.running.Wait()
}

func (f *Fetcher) fetch(ctx context.Context) (*SyncRun, error) {
	if !f.backoff.CanAttempt() {
		return nil, ErrBackoffActive
	}

	f.inFlight.Store(true)
	defer f.inFlight.Store(false)
	f.calls.Add(1)

	pieces, err := f.remote.FetchReconciliation(ctx)
	f.backoff.record(err)
	if err != nil {
		f.logger.Warn("full reconciliation failed", "kind", KindOf(err).String(), "error", err)
		return nil, fmt.Errorf("fetching reconciliation: %w", err)
	}

	run := &SyncRun{Pieces: Normalize(pieces), FetchedAt: f.clock.Now()}
	f.cache.replace(run.Pieces, run.FetchedAt)

	if err := f.store.SaveLastFetchAt(ctx, run.FetchedAt); err != nil {
		f.logger.Warn("persisting last fetch time failed", "error", err)
	}

	overall, _ := OverallStatus(run.Pieces)
	f.logger.Debug("reconciliation fetched", "overall", string(overall))
	return run, nil
}
