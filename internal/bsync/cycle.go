package bsync

import (
	"context"
	"strings"
	"time"
)

// Cycle outcomes, also stored in run history.
const (
	OutcomeSuccess  = "success"
	OutcomeSkipped  = "skipped"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// CycleReport summarizes one reconcile-and-transfer cycle.
type CycleReport struct {
	Outcome     string
	Reason      string
	Plan        Plan
	HadTransfer bool
	Run         *SyncRun
}

// reconcile runs the shared cycle body: authoritative fetch, conflict stop,
// partition, then uploads strictly before imports. Auto cycles never force.
func reconcile(ctx context.Context, fetcher *Fetcher, executor *Executor, state *syncState, perms PermissionSource) (CycleReport, error) {
	state.setPhase(PhaseChecking)
	run, err := fetcher.FetchFull(ctx)
	if err != nil {
		return CycleReport{Outcome: OutcomeError}, err
	}
	report := CycleReport{Run: run}

	if run.Pieces.HasConflict() {
		report.Outcome = OutcomeConflict
		report.Reason = "conflict: " + joinPieceTypes(run.Pieces.Conflicts())
		return report, nil
	}

	report.Plan = Partition(run.Pieces, perms.Permissions())
	if len(report.Plan.Upload) > 0 {
		state.setPhase(PhaseUploading)
		up, err := executor.Upload(ctx, report.Plan.Upload, false)
		if err != nil {
			report.Outcome = OutcomeError
			return report, err
		}
		report.Run = up
	}
	if len(report.Plan.Import) > 0 {
		state.setPhase(PhaseImporting)
		in, err := executor.Import(ctx, report.Plan.Import, false)
		if err != nil {
			report.Outcome = OutcomeError
			return report, err
		}
		report.Run = in
	}

	report.Outcome = OutcomeSuccess
	report.HadTransfer = !report.Plan.Empty()
	return report, nil
}

// runRecorder writes run history. Failures to persist are logged only.
type runRecorder struct {
	store  StateStore
	idgen  IDGenerator
	clock  Clock
	logger Logger
}

func (r *runRecorder) record(ctx context.Context, trigger Trigger, started time.Time, report CycleReport, err error) {
	rec := RunRecord{
		ID:          r.idgen.New(),
		Trigger:     trigger,
		StartedAt:   started,
		FinishedAt:  r.clock.Now(),
		Outcome:     report.Outcome,
		HadTransfer: report.HadTransfer,
		Uploaded:    report.Plan.Upload,
		Imported:    report.Plan.Import,
	}
	if err != nil {
		rec.Outcome = OutcomeError
		rec.Error = err.Error()
	}
	if rec.Outcome == "" {
		rec.Outcome = OutcomeSuccess
	}
	if err := r.store.RecordRun(ctx, rec); err != nil {
		r.logger.Warn("recording sync run failed", "error", err)
	}
}

func joinPieceTypes(ts []PieceType) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}
