package bsync

import (
	"context"
	"sync"
	"time"
)

// Remote is the reconciling collaborator. Every method except
// FetchLocalChangeProbe may touch the network.
//
// Returned snapshot sets may be partial; the core materializes missing pieces.
// Failures should be *Error values (or wrap one of the Err* sentinels) so the
// core can tell outages from rate limits, conflicts and credential problems.
type Remote interface {
	// FetchReconciliation returns the authoritative status of every piece.
	FetchReconciliation(ctx context.Context) (Snapshots, error)

	// FetchLocalChangeProbe reports, per piece, whether local data changed since
	// the last recorded backup. It never touches the network.
	FetchLocalChangeProbe(ctx context.Context) (map[PieceType]LocalObservation, error)

	// UploadPieces makes the local copy of each listed piece authoritative.
	// Unless force is set, a remote that changed independently yields KindConflict.
	UploadPieces(ctx context.Context, types []PieceType, force bool) (Snapshots, error)

	// ImportPieces replaces the local copy of each listed piece with the remote one.
	// Unless force is set, local changes on a piece whose remote is newer yield KindConflict.
	ImportPieces(ctx context.Context, types []PieceType, force bool) (Snapshots, error)
}

// PermissionSource provides capability facts. It is consulted on every cycle.
type PermissionSource interface {
	Permissions() Permissions
}

// StaticPermissions is a PermissionSource with fixed values.
type StaticPermissions Permissions

func (p StaticPermissions) Permissions() Permissions { return Permissions(p) }

// ModeSource provides the current backup mode.
type ModeSource interface {
	Mode() BackupMode
}

// ModeHolder is a settable ModeSource, safe for concurrent use.
type ModeHolder struct {
	mu   sync.RWMutex
	mode BackupMode
}

func NewModeHolder(mode BackupMode) *ModeHolder {
	return &ModeHolder{mode: mode}
}

func (h *ModeHolder) Mode() BackupMode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mode
}

func (h *ModeHolder) Set(mode BackupMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mode = mode
}

// Reloader refreshes dependent application state after local data was replaced
// by an import.
type Reloader func(ctx context.Context) error

// PersistedState is the scheduler state that survives restarts.
type PersistedState struct {
	LastFetchAt             time.Time
	LastAutoSyncAt          time.Time
	LastAutoSyncHadTransfer bool
	CredentialsMismatch     bool
}

// Trigger names what started a sync run.
type Trigger string

const (
	TriggerAuto   Trigger = "auto"
	TriggerManual Trigger = "manual"
	TriggerUpload Trigger = "upload"
	TriggerImport Trigger = "import"
)

// RunRecord is the history entry for one sync run.
type RunRecord struct {
	ID          string
	Trigger     Trigger
	StartedAt   time.Time
	FinishedAt  time.Time
	Outcome     string // "success", "skipped", "conflict" or "error"
	HadTransfer bool
	Uploaded    []PieceType
	Imported    []PieceType
	Error       string
}

// StateStore persists scheduler state.
type StateStore interface {
	LoadState(ctx context.Context) (PersistedState, error)
	SaveLastFetchAt(ctx context.Context, at time.Time) error
	SaveAutoSync(ctx context.Context, at time.Time, hadTransfer bool) error
	SaveCredentialsMismatch(ctx context.Context, mismatch bool) error
	RecordRun(ctx context.Context, run RunRecord) error
}
