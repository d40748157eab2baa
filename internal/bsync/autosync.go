package bsync

import (
	"context"
	"errors"
	"time"
)

// AutoSyncController runs the timed reconcile-and-transfer cycle when the
// backup mode is AUTO.
type AutoSyncController struct {
	fetcher  *Fetcher
	executor *Executor
	cache    *Cache
	backoff  *Backoff
	state    *syncState
	perms    PermissionSource
	mode     ModeSource
	store    StateStore
	events   *Events
	history  *runRecorder
	logger   Logger
	clock    Clock
}

// RunCycle performs one auto-sync attempt. Every attempt made in AUTO mode,
// including skipped ones, emits exactly one CompletionEvent. Outside AUTO
// mode it returns a skipped report and emits nothing.
func (a *AutoSyncController) RunCycle(ctx context.Context) (CycleReport, error) {
	if a.mode.Mode() != ModeAuto {
		return CycleReport{Outcome: OutcomeSkipped, Reason: "mode is not auto"}, nil
	}

	started := a.clock.Now()
	if reason := a.guard(); reason != "" {
		a.logger.Debug("auto-sync skipped", "reason", reason)
		a.events.emit(CompletionEvent{HadTransfer: false, At: started})
		return CycleReport{Outcome: OutcomeSkipped, Reason: reason}, nil
	}
	if !a.state.begin(TriggerAuto, started) {
		a.events.emit(CompletionEvent{HadTransfer: false, At: started})
		return CycleReport{Outcome: OutcomeSkipped, Reason: "operation in progress"}, nil
	}
	defer a.state.end()

	a.logger.Info("auto-sync started")
	report, err := reconcile(ctx, a.fetcher, a.executor, a.state, a.perms)
	if err != nil {
		report.HadTransfer = false
		if errors.Is(err, ErrConflict) {
			a.state.setMessage(MsgConflictRetry)
		}
		a.logger.Warn("auto-sync failed", "kind", KindOf(err).String(), "error", err)
	}

	finished := a.clock.Now()
	a.events.emit(CompletionEvent{HadTransfer: report.HadTransfer, At: finished})
	if err := a.store.SaveAutoSync(ctx, finished, report.HadTransfer); err != nil {
		a.logger.Warn("persisting auto-sync time failed", "error", err)
	}
	a.history.record(ctx, TriggerAuto, started, report, err)

	a.logger.Info("auto-sync finished",
		"outcome", report.Outcome,
		"uploaded", len(report.Plan.Upload),
		"imported", len(report.Plan.Import),
		"elapsed", finished.Sub(started).Round(time.Millisecond).String())
	return report, err
}

func (a *AutoSyncController) guard() string {
	switch {
	case a.state.current().Phase != PhaseIdle:
		return "operation in progress"
	case !a.backoff.CanAttempt():
		return "backoff active"
	case a.cache.HasConflict():
		return "conflict"
	}
	return ""
}
