package bsync

import (
	"context"
	"time"
)

// Cooldowns imposed on human-initiated operations.
const (
	ManualSyncCooldown = 5 * time.Minute
	FailureCooldown    = 30 * time.Second
)

// ManualSyncController runs on-demand syncs and per-action transfers.
type ManualSyncController struct {
	fetcher  *Fetcher
	executor *Executor
	state    *syncState
	perms    PermissionSource
	mode     ModeSource
	history  *runRecorder
	logger   Logger
	clock    Clock
}

// Sync runs the full reconcile-and-transfer cycle immediately. The 5-minute
// cooldown starts before the outcome is known.
func (m *ManualSyncController) Sync(ctx context.Context) (CycleReport, error) {
	if err := m.allowed(); err != nil {
		return CycleReport{}, err
	}
	if !m.perms.Permissions().CanViewInfo {
		return CycleReport{}, ErrNotPermitted
	}

	now := m.clock.Now()
	if v := m.state.view(); now.Before(v.syncCooldownUntil) {
		return CycleReport{}, ErrCooldownActive
	}
	if !m.state.begin(TriggerManual, now) {
		return CycleReport{}, ErrBusy
	}
	defer m.state.end()

	m.state.startSyncCooldown(now.Add(ManualSyncCooldown))
	m.state.setMessage("")

	m.logger.Info("manual sync started")
	report, err := reconcile(ctx, m.fetcher, m.executor, m.state, m.perms)
	if err != nil {
		report.HadTransfer = false
		m.handleFailure(err, true)
	}
	m.history.record(ctx, TriggerManual, now, report, err)
	return report, err
}

// Upload forces the local copy of each listed piece to the remote.
func (m *ManualSyncController) Upload(ctx context.Context, types []PieceType) (*SyncRun, error) {
	return m.action(ctx, TriggerUpload, types)
}

// Import forces the remote copy of each listed piece onto local storage.
func (m *ManualSyncController) Import(ctx context.Context, types []PieceType) (*SyncRun, error) {
	return m.action(ctx, TriggerImport, types)
}

func (m *ManualSyncController) action(ctx context.Context, trigger Trigger, types []PieceType) (*SyncRun, error) {
	if err := m.allowed(); err != nil {
		return nil, err
	}
	perms := m.perms.Permissions()
	if (trigger == TriggerUpload && !perms.CanUpload) || (trigger == TriggerImport && !perms.CanImport) {
		return nil, ErrNotPermitted
	}
	if len(types) == 0 {
		types = AllPieceTypes()
	}

	now := m.clock.Now()
	if v := m.state.view(); now.Before(v.actionCooldownUntil) {
		return nil, ErrCooldownActive
	}
	if !m.state.begin(trigger, now) {
		return nil, ErrBusy
	}
	defer m.state.end()
	m.state.setMessage("")

	var (
		run    *SyncRun
		err    error
		report CycleReport
	)
	if trigger == TriggerUpload {
		m.state.setPhase(PhaseUploading)
		run, err = m.executor.Upload(ctx, types, true)
		report.Plan.Upload = types
	} else {
		m.state.setPhase(PhaseImporting)
		run, err = m.executor.Import(ctx, types, true)
		report.Plan.Import = types
	}
	if err != nil {
		report.Outcome = OutcomeError
		m.handleFailure(err, false)
	} else {
		report.Outcome = OutcomeSuccess
		report.HadTransfer = true
		report.Run = run
	}
	m.history.record(ctx, trigger, now, report, err)
	return run, err
}

func (m *ManualSyncController) allowed() error {
	if m.mode.Mode() == ModeOff {
		return ErrDisabled
	}
	return nil
}

// handleFailure turns a classified failure into cooldowns and a message.
// Conflicts only start a cooldown for full syncs.
func (m *ManualSyncController) handleFailure(err error, fullSync bool) {
	now := m.clock.Now()
	switch KindOf(err) {
	case KindRateLimited:
		m.state.startActionCooldown(now.Add(FailureCooldown))
		m.state.setMessage(MsgTooManyRequests)
	case KindConflict:
		if fullSync {
			m.state.startActionCooldown(now.Add(FailureCooldown))
		}
		m.state.setMessage(MsgConflictRetry)
	}
	m.logger.Warn("manual operation failed", "kind", KindOf(err).String(), "error", err)
}
