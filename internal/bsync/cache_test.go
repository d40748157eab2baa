package bsync

import (
	"testing"
	"time"
)

func TestCache_ReplaceAndApply(t *testing.T) {
	c := NewCache(10 * time.Second)

	if _, ok := c.Snapshots(); ok {
		t.Fatal("Snapshots() ok on an empty cache")
	}
	if !c.IsStale(t0, time.Minute) {
		t.Error("IsStale() = false on an empty cache")
	}

	c.replace(Snapshots{PieceSettings: {Status: StatusPending}}, t0)
	got, ok := c.Snapshots()
	if !ok || len(got) != len(AllPieceTypes()) {
		t.Fatalf("Snapshots() = %v, %v; want every type", got, ok)
	}
	if !c.LastFetchAt().Equal(t0) {
		t.Errorf("LastFetchAt() = %v, want %v", c.LastFetchAt(), t0)
	}
	if !c.FastCheckSuppressed(t0.Add(9 * time.Second)) {
		t.Error("FastCheckSuppressed() = false right after a refresh")
	}
	if c.FastCheckSuppressed(t0.Add(10 * time.Second)) {
		t.Error("FastCheckSuppressed() = true after the window")
	}

	later := t0.Add(time.Minute)
	c.apply(Snapshots{PieceFlows: {Status: StatusSync}}, later)
	got, _ = c.Snapshots()
	if got[PieceSettings].Status != StatusPending || got[PieceFlows].Status != StatusSync {
		t.Errorf("apply() result = %v", got)
	}
	if !c.LastFetchAt().Equal(later) {
		t.Errorf("LastFetchAt() after apply = %v, want %v", c.LastFetchAt(), later)
	}
}

func TestCache_SnapshotsAreCopies(t *testing.T) {
	c := NewCache(0)
	c.replace(NewSnapshots(), t0)

	got, _ := c.Snapshots()
	got[PieceSettings] = PieceSnapshot{Status: StatusConflict}

	if c.HasConflict() {
		t.Error("mutating a returned set changed the cache")
	}
}

func TestCache_MergeLocal(t *testing.T) {
	c := NewCache(0)
	if c.mergeLocal(map[PieceType]LocalObservation{PieceSettings: {HasLocalChanges: true}}) {
		t.Fatal("mergeLocal() = true without an authoritative set")
	}

	c.replace(Snapshots{
		PieceSettings: {Status: StatusSync},
		PieceFlows:    {Status: StatusOutdated},
	}, t0)
	ok := c.mergeLocal(map[PieceType]LocalObservation{
		PieceSettings:    {HasLocalChanges: true},
		PieceFlows:       {HasLocalChanges: true},
		PieceType("TAX"): {HasLocalChanges: true},
	})
	if !ok {
		t.Fatal("mergeLocal() = false")
	}

	got, _ := c.Snapshots()
	if got[PieceSettings].Status != StatusPending {
		t.Errorf("SETTINGS = %s, want PENDING", got[PieceSettings].Status)
	}
	if got[PieceFlows].Status != StatusConflict {
		t.Errorf("FLOWS = %s, want CONFLICT", got[PieceFlows].Status)
	}
	if _, ok := got[PieceType("TAX")]; ok {
		t.Error("mergeLocal() added an unknown piece")
	}
	if !c.LastFetchAt().Equal(t0) {
		t.Error("mergeLocal() advanced the fetch time")
	}
}

func TestCache_RestoreFetchTimeStaysStale(t *testing.T) {
	c := NewCache(0)
	c.restoreFetchTime(t0)
	if !c.IsStale(t0, time.Hour) {
		t.Error("IsStale() = false with a restored time but no snapshots")
	}
}
