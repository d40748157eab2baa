package bsync

import (
	"fmt"
	"strings"
	"time"
)

// PieceType identifies one independently versioned category of backed-up data.
// The set is closed: AllPieceTypes lists every known value.
type PieceType string

const (
	PiecePositions  PieceType = "POSITIONS"
	PieceSettings   PieceType = "SETTINGS"
	PieceRealEstate PieceType = "REAL_ESTATE"
	PieceFlows      PieceType = "FLOWS"
)

var allPieceTypes = []PieceType{PiecePositions, PieceSettings, PieceRealEstate, PieceFlows}

// AllPieceTypes returns every known piece type in a stable order.
func AllPieceTypes() []PieceType {
	out := make([]PieceType, len(allPieceTypes))
	copy(out, allPieceTypes)
	return out
}

// ParsePieceType parses a piece type name, case-insensitively.
func ParsePieceType(s string) (PieceType, error) {
	want := PieceType(strings.ToUpper(strings.TrimSpace(s)))
	for _, t := range allPieceTypes {
		if t == want {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown piece type: %q", s)
}

// ParsePieceTypes parses a list of piece type names. An empty list yields all types.
func ParsePieceTypes(names []string) ([]PieceType, error) {
	if len(names) == 0 {
		return AllPieceTypes(), nil
	}
	out := make([]PieceType, 0, len(names))
	for _, n := range names {
		t, err := ParsePieceType(n)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// SyncStatus is the derived synchronization state of a piece.
type SyncStatus string

const (
	StatusMissing  SyncStatus = "MISSING"
	StatusPending  SyncStatus = "PENDING"
	StatusOutdated SyncStatus = "OUTDATED"
	StatusConflict SyncStatus = "CONFLICT"
	StatusSync     SyncStatus = "SYNC"
)

// severity orders statuses for aggregation: higher wins.
func (s SyncStatus) severity() int {
	switch s {
	case StatusConflict:
		return 5
	case StatusPending:
		return 4
	case StatusOutdated:
		return 3
	case StatusMissing:
		return 2
	case StatusSync:
		return 1
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool { return s.severity() > 0 }

// BackupMode is the process-wide scheduling mode.
type BackupMode string

const (
	ModeOff    BackupMode = "OFF"
	ModeAuto   BackupMode = "AUTO"
	ModeManual BackupMode = "MANUAL"
)

// ParseBackupMode parses a mode name, case-insensitively. Empty means OFF.
func ParseBackupMode(s string) (BackupMode, error) {
	switch BackupMode(strings.ToUpper(strings.TrimSpace(s))) {
	case "", ModeOff:
		return ModeOff, nil
	case ModeAuto:
		return ModeAuto, nil
	case ModeManual:
		return ModeManual, nil
	default:
		return "", fmt.Errorf("unknown backup mode: %q", s)
	}
}

// Descriptor is the opaque version marker of one copy of a piece.
// Two descriptors describe the same version iff their IDs match.
type Descriptor struct {
	ID   string    `json:"id"`
	Date time.Time `json:"date"`
	Size int64     `json:"size"`
}

// PieceSnapshot is everything known about one piece.
type PieceSnapshot struct {
	Local           *Descriptor `json:"local"`
	Remote          *Descriptor `json:"remote"`
	Status          SyncStatus  `json:"status"`
	HasLocalChanges bool        `json:"has_local_changes"`
	LastUpdate      time.Time   `json:"last_update"`
}

// MissingPiece returns the snapshot used for pieces nobody has reported on.
func MissingPiece() PieceSnapshot {
	return PieceSnapshot{Status: StatusMissing}
}

// LocalObservation is the result of the local-only change probe for one piece.
type LocalObservation struct {
	HasLocalChanges bool      `json:"has_local_changes"`
	LastUpdate      time.Time `json:"last_update"`
}

// Permissions are the capability facts that gate which actions may run.
type Permissions struct {
	CanViewInfo bool `json:"can_view_info"`
	CanUpload   bool `json:"can_upload"`
	CanImport   bool `json:"can_import"`
}
