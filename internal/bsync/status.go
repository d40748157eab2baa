package bsync

import (
	"sort"
	"time"
)

// DeriveStatus maps the local and remote descriptors of a piece to its status.
// It is the contract the reconciling collaborator must satisfy:
//
//	local  remote  status
//	nil    nil     MISSING
//	set    nil     PENDING
//	nil    set     OUTDATED
//	same ID        SYNC
//	local newer    PENDING
//	remote newer   OUTDATED
//	same date, different ID (diverged)  CONFLICT
func DeriveStatus(local, remote *Descriptor) SyncStatus {
	switch {
	case local == nil && remote == nil:
		return StatusMissing
	case remote == nil:
		return StatusPending
	case local == nil:
		return StatusOutdated
	case local.ID == remote.ID:
		return StatusSync
	case local.Date.After(remote.Date):
		return StatusPending
	case remote.Date.After(local.Date):
		return StatusOutdated
	default:
		return StatusConflict
	}
}

// MergeLocalObservation folds a local-only observation into a previously known
// snapshot. It can only escalate severity: it never resolves a CONFLICT and never
// discovers OUTDATED on its own. HasLocalChanges and LastUpdate are always taken
// from the observation.
func MergeLocalObservation(previous PieceSnapshot, observed LocalObservation) PieceSnapshot {
	next := previous
	next.HasLocalChanges = observed.HasLocalChanges
	next.LastUpdate = observed.LastUpdate

	if !observed.HasLocalChanges {
		return next
	}
	switch previous.Status {
	case StatusOutdated:
		next.Status = StatusConflict
	case StatusSync, StatusMissing:
		next.Status = StatusPending
	}
	return next
}

// Classify is DeriveStatus refined by whether the local data changed since the
// local descriptor was recorded. Collaborators that know both sides use it to
// produce the authoritative status of a piece.
func Classify(local, remote *Descriptor, hasLocalChanges bool) SyncStatus {
	base := PieceSnapshot{Local: local, Remote: remote, Status: DeriveStatus(local, remote)}
	return MergeLocalObservation(base, LocalObservation{HasLocalChanges: hasLocalChanges}).Status
}

// Snapshots holds one snapshot per piece type.
type Snapshots map[PieceType]PieceSnapshot

// NewSnapshots returns a set where every known piece is MISSING.
func NewSnapshots() Snapshots {
	s := make(Snapshots, len(allPieceTypes))
	for _, t := range allPieceTypes {
		s[t] = MissingPiece()
	}
	return s
}

// Normalize returns a copy of raw with every known piece type present.
// Unknown piece types are dropped and pieces without a valid status become MISSING.
func Normalize(raw Snapshots) Snapshots {
	out := NewSnapshots()
	for _, t := range allPieceTypes {
		p, ok := raw[t]
		if !ok {
			continue
		}
		if !p.Status.Valid() {
			p.Status = StatusMissing
		}
		out[t] = p
	}
	return out
}

// Clone returns a deep copy of s. A nil set stays nil.
func (s Snapshots) Clone() Snapshots {
	if s == nil {
		return nil
	}
	out := make(Snapshots, len(s))
	for t, p := range s {
		if p.Local != nil {
			l := *p.Local
			p.Local = &l
		}
		if p.Remote != nil {
			r := *p.Remote
			p.Remote = &r
		}
		out[t] = p
	}
	return out
}

// Overlay returns the normalized result of replacing the pieces in s with the
// ones present in update.
func (s Snapshots) Overlay(update Snapshots) Snapshots {
	merged := s.Clone()
	if merged == nil {
		merged = Snapshots{}
	}
	for t, p := range update {
		merged[t] = p
	}
	return Normalize(merged)
}

// Conflicts returns the piece types currently in CONFLICT, sorted.
func (s Snapshots) Conflicts() []PieceType {
	var out []PieceType
	for t, p := range s {
		if p.Status == StatusConflict {
			out = append(out, t)
		}
	}
	sortPieceTypes(out)
	return out
}

// HasConflict reports whether any piece is in CONFLICT.
func (s Snapshots) HasConflict() bool {
	for _, p := range s {
		if p.Status == StatusConflict {
			return true
		}
	}
	return false
}

// OverallStatus aggregates the set by precedence
// CONFLICT > PENDING > OUTDATED > MISSING > SYNC.
// The second result is false when the set is empty or unknown.
func OverallStatus(s Snapshots) (SyncStatus, bool) {
	if len(s) == 0 {
		return "", false
	}
	var worst SyncStatus
	for _, p := range s {
		if !p.Status.Valid() {
			return "", false
		}
		if p.Status.severity() > worst.severity() {
			worst = p.Status
		}
	}
	return worst, true
}

// LastRemoteBackupDate returns the most recent remote descriptor date in the set.
func LastRemoteBackupDate(s Snapshots) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, p := range s {
		if p.Remote == nil {
			continue
		}
		if !found || p.Remote.Date.After(latest) {
			latest = p.Remote.Date
			found = true
		}
	}
	return latest, found
}

// Plan is the set of transfers a sync cycle will perform.
type Plan struct {
	Upload []PieceType
	Import []PieceType
}

// Empty reports whether the plan transfers nothing.
func (p Plan) Empty() bool { return len(p.Upload) == 0 && len(p.Import) == 0 }

// Partition splits the non-SYNC pieces into uploads (PENDING, MISSING) and
// imports (OUTDATED), honoring permissions. CONFLICT pieces are never planned.
func Partition(s Snapshots, perms Permissions) Plan {
	var plan Plan
	for t, p := range s {
		switch p.Status {
		case StatusPending, StatusMissing:
			if perms.CanUpload {
				plan.Upload = append(plan.Upload, t)
			}
		case StatusOutdated:
			if perms.CanImport {
				plan.Import = append(plan.Import, t)
			}
		}
	}
	sortPieceTypes(plan.Upload)
	sortPieceTypes(plan.Import)
	return plan
}

func sortPieceTypes(ts []PieceType) {
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
}
