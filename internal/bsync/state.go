package bsync

import (
	"sync"
	"time"
)

// Phase is the step a sync operation is in. Exactly one operation may be
// active at a time, so a single tagged value replaces separate
// "uploading/importing/syncing" flags.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseChecking
	PhaseUploading
	PhaseImporting
)

func (p Phase) String() string {
	switch p {
	case PhaseChecking:
		return "checking"
	case PhaseUploading:
		return "uploading"
	case PhaseImporting:
		return "importing"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Activity describes the operation currently running, if any.
type Activity struct {
	Phase   Phase     `json:"phase"`
	Trigger Trigger   `json:"trigger,omitempty"`
	Since   time.Time `json:"since"`
}

// User-facing messages.
const (
	MsgTooManyRequests = "Too many requests. Please wait before trying again."
	MsgConflictRetry   = "Backup conflict detected. Review the conflicting pieces and retry with an explicit choice."
	MsgCooldownActive  = "Please wait before syncing again."
)

// syncState is the mutable state shared by the controllers.
type syncState struct {
	mu                  sync.RWMutex
	activity            Activity
	message             string
	credentialsMismatch bool
	syncCooldownUntil   time.Time
	actionCooldownUntil time.Time
}

// begin claims the idle slot for trigger. It returns false if another
// operation is active.
func (s *syncState) begin(trigger Trigger, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activity.Phase != PhaseIdle {
		return false
	}
	s.activity = Activity{Phase: PhaseChecking, Trigger: trigger, Since: now}
	return true
}

func (s *syncState) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activity.Phase != PhaseIdle {
		s.activity.Phase = p
	}
}

func (s *syncState) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = Activity{}
}

func (s *syncState) current() Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activity
}

func (s *syncState) setMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = msg
}

func (s *syncState) setCredentialsMismatch(v bool) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed = s.credentialsMismatch != v
	s.credentialsMismatch = v
	return changed
}

func (s *syncState) startSyncCooldown(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCooldownUntil = until
}

func (s *syncState) startActionCooldown(until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if until.After(s.actionCooldownUntil) {
		s.actionCooldownUntil = until
	}
}

type stateView struct {
	activity            Activity
	message             string
	credentialsMismatch bool
	syncCooldownUntil   time.Time
	actionCooldownUntil time.Time
}

func (s *syncState) view() stateView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return stateView{
		activity:            s.activity,
		message:             s.message,
		credentialsMismatch: s.credentialsMismatch,
		syncCooldownUntil:   s.syncCooldownUntil,
		actionCooldownUntil: s.actionCooldownUntil,
	}
}
