package bsync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Intervals configures the scheduler's timing.
type Intervals struct {
	AutoSync             time.Duration
	ManualFullCheck      time.Duration
	ManualFastCheck      time.Duration
	CacheFreshness       time.Duration
	SkipFastAfterRefresh time.Duration
	Tick                 time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		AutoSync:             10 * time.Minute,
		ManualFullCheck:      10 * time.Minute,
		ManualFastCheck:      150 * time.Second,
		CacheFreshness:       3 * time.Minute,
		SkipFastAfterRefresh: 10 * time.Second,
		Tick:                 5 * time.Second,
	}
}

// Scheduler is the single owner of the sync state of a process. It drives
// both controllers from the current backup mode and serves a read-only
// status view to any number of observers.
type Scheduler struct {
	perms     PermissionSource
	mode      ModeSource
	store     StateStore
	intervals Intervals
	logger    Logger
	clock     Clock

	cache    *Cache
	backoff  *Backoff
	state    *syncState
	events   *Events
	fetcher  *Fetcher
	checker  *FastLocalChecker
	executor *Executor
	auto     *AutoSyncController
	manual   *ManualSyncController

	modeCh  chan struct{}
	localCh chan struct{}

	mu                      sync.RWMutex
	lastBootstrapped        BackupMode
	lastAutoSyncAt          time.Time
	lastAutoSyncHadTransfer bool
	modeSince               time.Time
	lastFastCheckAt         time.Time
}

func NewScheduler(remote Remote, perms PermissionSource, mode ModeSource, store StateStore, intervals Intervals, clock Clock, idgen IDGenerator, logger Logger) *Scheduler {
	cache := NewCache(intervals.SkipFastAfterRefresh)
	backoff := NewBackoff(clock)
	state := &syncState{}
	events := NewEvents()
	fetcher := NewFetcher(remote, cache, backoff, store, logger, clock)
	executor := newExecutor(remote, cache, backoff, state, store, logger, clock)
	history := &runRecorder{store: store, idgen: idgen, clock: clock, logger: logger}

	s := &Scheduler{
		perms:     perms,
		mode:      mode,
		store:     store,
		intervals: intervals,
		logger:    logger,
		clock:     clock,
		cache:     cache,
		backoff:   backoff,
		state:     state,
		events:    events,
		fetcher:   fetcher,
		checker:   NewFastLocalChecker(remote, cache, fetcher, logger),
		executor:  executor,
		modeCh:    make(chan struct{}, 1),
		localCh:   make(chan struct{}, 1),
	}
	s.auto = &AutoSyncController{
		fetcher:  fetcher,
		executor: executor,
		cache:    cache,
		backoff:  backoff,
		state:    state,
		perms:    perms,
		mode:     mode,
		store:    store,
		events:   events,
		history:  history,
		logger:   logger,
		clock:    clock,
	}
	s.manual = &ManualSyncController{
		fetcher:  fetcher,
		executor: executor,
		state:    state,
		perms:    perms,
		mode:     mode,
		history:  history,
		logger:   logger,
		clock:    clock,
	}
	return s
}

// Load restores persisted state. Snapshots are never persisted, so the first
// refresh after a restart is always a full fetch.
func (s *Scheduler) Load(ctx context.Context) error {
	st, err := s.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("loading sync state: %w", err)
	}
	s.cache.restoreFetchTime(st.LastFetchAt)
	s.state.setCredentialsMismatch(st.CredentialsMismatch)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAutoSyncAt = st.LastAutoSyncAt
	s.lastAutoSyncHadTransfer = st.LastAutoSyncHadTransfer
	return nil
}

// Events returns the completion event hub.
func (s *Scheduler) Events() *Events { return s.events }

// OnImported registers a hook run after every successful import.
func (s *Scheduler) OnImported(fn Reloader) { s.executor.OnImported(fn) }

// ModeChanged notifies the run loop that the mode source changed.
func (s *Scheduler) ModeChanged() { notify(s.modeCh) }

// LocalChanged notifies the run loop that local piece data changed.
func (s *Scheduler) LocalChanged() { notify(s.localCh) }

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run drives the timers until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.intervals.Tick)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.modeCh:
			s.Tick(ctx)
		case <-s.localCh:
			s.localCheck(ctx)
		}
	}
}

// Close stops any in-flight reconciliation and waits for it, so nothing
// touches the state store afterwards. The scheduler cannot fetch again.
func (s *Scheduler) Close() {
	s.fetcher.Close()
}

// Tick performs whatever the current mode makes due at the clock's now.
// Run calls it on every timer tick; tests may call it directly.
func (s *Scheduler) Tick(ctx context.Context) {
	mode := s.mode.Mode()
	if mode == ModeOff || !s.perms.Permissions().CanViewInfo {
		return
	}
	now := s.clock.Now()
	if s.bootstrap(ctx, mode, now) {
		return
	}

	switch mode {
	case ModeAuto:
		s.mu.RLock()
		due := now.Sub(s.lastAutoSyncAt) >= s.intervals.AutoSync
		s.mu.RUnlock()
		if due {
			s.runAuto(ctx, now)
		}
	case ModeManual:
		if s.cache.HasConflict() {
			return
		}
		s.mu.Lock()
		since := s.modeSince
		if last := s.cache.LastFetchAt(); last.After(since) {
			since = last
		}
		fullDue := now.Sub(since) >= s.intervals.ManualFullCheck
		fastDue := now.Sub(s.lastFastCheckAt) >= s.intervals.ManualFastCheck
		if fastDue && !fullDue {
			s.lastFastCheckAt = now
		}
		s.mu.Unlock()

		switch {
		case fullDue:
			s.fullCheck(ctx)
		case fastDue && !s.cache.FastCheckSuppressed(now):
			s.fastCheck(ctx)
		}
	}
}

// bootstrap runs the one-shot work of a mode activation. It reports whether
// it handled the tick. Switching into MANUAL after a previous bootstrap only
// records the mode.
func (s *Scheduler) bootstrap(ctx context.Context, mode BackupMode, now time.Time) bool {
	s.mu.Lock()
	if s.lastBootstrapped == mode {
		s.mu.Unlock()
		return false
	}
	previous := s.lastBootstrapped
	s.lastBootstrapped = mode
	s.modeSince = now
	s.lastFastCheckAt = now
	lastAuto := s.lastAutoSyncAt
	s.mu.Unlock()

	s.logger.Info("backup mode activated", "mode", string(mode))
	if previous != "" && mode != ModeAuto {
		return true
	}

	_, hasCache := s.cache.Snapshots()
	if mode == ModeAuto {
		if !lastAuto.IsZero() && now.Sub(lastAuto) < s.intervals.AutoSync {
			if !hasCache {
				s.fullCheck(ctx)
			}
			s.events.emit(CompletionEvent{HadTransfer: false, At: now})
			return true
		}
		s.runAuto(ctx, now)
		return true
	}
	if !hasCache {
		s.fullCheck(ctx)
	}
	return true
}

func (s *Scheduler) runAuto(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.lastAutoSyncAt = now
	s.mu.Unlock()
	report, err := s.auto.RunCycle(ctx)
	if err != nil {
		s.logger.Debug("auto-sync cycle returned error", "error", err)
	}
	if report.Outcome == OutcomeSkipped {
		return
	}
	s.mu.Lock()
	s.lastAutoSyncHadTransfer = report.HadTransfer
	s.mu.Unlock()
}

func (s *Scheduler) fullCheck(ctx context.Context) {
	if _, err := s.fetcher.FetchFull(ctx); err != nil {
		s.logger.Warn("scheduled full check failed", "error", err)
	}
}

func (s *Scheduler) fastCheck(ctx context.Context) {
	if _, err := s.checker.Check(ctx); err != nil {
		s.logger.Warn("scheduled fast check failed", "error", err)
	}
}

func (s *Scheduler) localCheck(ctx context.Context) {
	if s.mode.Mode() == ModeOff || !s.perms.Permissions().CanViewInfo || s.cache.HasConflict() {
		return
	}
	if s.cache.FastCheckSuppressed(s.clock.Now()) {
		return
	}
	s.fastCheck(ctx)
}

// Refresh brings the cache up to date: a full fetch when it is empty or
// older than the freshness window, otherwise a fast local check.
func (s *Scheduler) Refresh(ctx context.Context) error {
	if !s.perms.Permissions().CanViewInfo {
		return ErrNotPermitted
	}
	now := s.clock.Now()
	if s.cache.IsStale(now, s.intervals.CacheFreshness) {
		_, err := s.fetcher.FetchFull(ctx)
		return err
	}
	if s.cache.FastCheckSuppressed(now) {
		return nil
	}
	_, err := s.checker.Check(ctx)
	return err
}

// FetchFull forces an authoritative reconciliation.
func (s *Scheduler) FetchFull(ctx context.Context) (*SyncRun, error) {
	if !s.perms.Permissions().CanViewInfo {
		return nil, ErrNotPermitted
	}
	return s.fetcher.FetchFull(ctx)
}

// SyncNow runs a manual sync.
func (s *Scheduler) SyncNow(ctx context.Context) (CycleReport, error) {
	return s.manual.Sync(ctx)
}

// RunAutoCycle runs one auto-sync attempt immediately, outside the timer.
func (s *Scheduler) RunAutoCycle(ctx context.Context) (CycleReport, error) {
	return s.auto.RunCycle(ctx)
}

// Upload forces the local copies of types (all pieces when empty) to the remote.
func (s *Scheduler) Upload(ctx context.Context, types []PieceType) (*SyncRun, error) {
	return s.manual.Upload(ctx, types)
}

// Import forces the remote copies of types (all pieces when empty) onto local storage.
func (s *Scheduler) Import(ctx context.Context, types []PieceType) (*SyncRun, error) {
	return s.manual.Import(ctx, types)
}

// StatusView is a point-in-time copy of everything observers may display.
type StatusView struct {
	Mode                    BackupMode  `json:"mode"`
	Pieces                  Snapshots   `json:"pieces"`
	Overall                 SyncStatus  `json:"overall,omitempty"`
	Conflicts               []PieceType `json:"conflicts"`
	LastRemoteBackup        *time.Time  `json:"last_remote_backup,omitempty"`
	LastFetchAt             *time.Time  `json:"last_fetch_at,omitempty"`
	LastAutoSyncAt          *time.Time  `json:"last_auto_sync_at,omitempty"`
	LastAutoSyncHadTransfer bool        `json:"last_auto_sync_had_transfer"`
	Activity                Activity    `json:"activity"`
	SyncCooldownUntil       *time.Time  `json:"sync_cooldown_until,omitempty"`
	ActionCooldownUntil     *time.Time  `json:"action_cooldown_until,omitempty"`
	BackoffUntil            *time.Time  `json:"backoff_until,omitempty"`
	BackoffFailures         int         `json:"backoff_failures"`
	Message                 string      `json:"message,omitempty"`
	CredentialsMismatch     bool        `json:"credentials_mismatch"`
	Permissions             Permissions `json:"permissions"`
}

// Busy reports whether an operation is running.
func (v StatusView) Busy() bool { return v.Activity.Phase != PhaseIdle }

// Status returns the current view.
func (s *Scheduler) Status() StatusView {
	now := s.clock.Now()
	st := s.state.view()
	pieces, _ := s.cache.Snapshots()

	v := StatusView{
		Mode:                s.mode.Mode(),
		Pieces:              pieces,
		Conflicts:           pieces.Conflicts(),
		LastFetchAt:         timePtr(s.cache.LastFetchAt()),
		Activity:            st.activity,
		Message:             st.message,
		CredentialsMismatch: st.credentialsMismatch,
		Permissions:         s.perms.Permissions(),
		BackoffFailures:     s.backoff.Failures(),
	}
	if overall, ok := OverallStatus(pieces); ok {
		v.Overall = overall
	}
	if last, ok := LastRemoteBackupDate(pieces); ok {
		v.LastRemoteBackup = &last
	}
	if until := s.backoff.BlockedUntil(); now.Before(until) {
		v.BackoffUntil = &until
	}
	if now.Before(st.syncCooldownUntil) {
		v.SyncCooldownUntil = timePtr(st.syncCooldownUntil)
	}
	if now.Before(st.actionCooldownUntil) {
		v.ActionCooldownUntil = timePtr(st.actionCooldownUntil)
	}
	if v.Message == "" && (v.Mode == ModeManual || len(v.Conflicts) > 0) &&
		(v.SyncCooldownUntil != nil || v.ActionCooldownUntil != nil) {
		v.Message = MsgCooldownActive
	}

	s.mu.RLock()
	v.LastAutoSyncAt = timePtr(s.lastAutoSyncAt)
	v.LastAutoSyncHadTransfer = s.lastAutoSyncHadTransfer
	s.mu.RUnlock()
	return v
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
