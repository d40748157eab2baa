package testutil

import (
	"context"
	"fmt"
	"sync"

	"bsync-go/internal/bsync"
)

// FakeRemote operations, for FailNext and Calls.
const (
	OpFetch  = "fetch"
	OpProbe  = "probe"
	OpUpload = "upload"
	OpImport = "import"
)

// FakeRemote is a scriptable bsync.Remote. It holds the authoritative
// snapshot set directly; uploads and imports mark pieces SYNC. Safe for
// concurrent use.
type FakeRemote struct {
	mu       sync.Mutex
	clock    bsync.Clock
	pieces   bsync.Snapshots
	probe    map[bsync.PieceType]bsync.LocalObservation
	failures map[string][]error
	calls    map[string]int
	log      []string
	version  int

	blockFetch chan struct{}
	started    chan struct{}

	Uploads      [][]bsync.PieceType
	UploadForces []bool
	Imports      [][]bsync.PieceType
	ImportForces []bool
}

var _ bsync.Remote = (*FakeRemote)(nil)

// NewFakeRemote creates a FakeRemote where every piece is MISSING.
func NewFakeRemote(clock bsync.Clock) *FakeRemote {
	return &FakeRemote{
		clock:    clock,
		pieces:   bsync.NewSnapshots(),
		probe:    make(map[bsync.PieceType]bsync.LocalObservation),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// SetPiece replaces the authoritative snapshot of one piece.
func (f *FakeRemote) SetPiece(t bsync.PieceType, p bsync.PieceSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pieces[t] = p
}

// SetStatus sets a piece's status, leaving its descriptors alone.
func (f *FakeRemote) SetStatus(t bsync.PieceType, status bsync.SyncStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.pieces[t]
	p.Status = status
	f.pieces[t] = p
}

// SetAll sets every piece to status.
func (f *FakeRemote) SetAll(status bsync.SyncStatus) {
	for _, t := range bsync.AllPieceTypes() {
		f.SetStatus(t, status)
	}
}

// SetProbe sets what the local change probe reports for a piece.
func (f *FakeRemote) SetProbe(t bsync.PieceType, obs bsync.LocalObservation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probe[t] = obs
}

// FailNext queues err as the result of the next call to op.
func (f *FakeRemote) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// BlockFetch makes the next FetchReconciliation calls wait until release is
// called. started is closed when the first blocked call begins.
func (f *FakeRemote) BlockFetch() (started <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	block := make(chan struct{})
	f.blockFetch = block
	f.started = make(chan struct{})
	var once sync.Once
	return f.started, func() {
		once.Do(func() {
			f.mu.Lock()
			f.blockFetch = nil
			f.mu.Unlock()
			close(block)
		})
	}
}

// Calls returns how many times op was called.
func (f *FakeRemote) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Log returns every operation in call order.
func (f *FakeRemote) Log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

// UploadCalls returns the types and force flag of every UploadPieces call.
func (f *FakeRemote) UploadCalls() ([][]bsync.PieceType, []bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]bsync.PieceType(nil), f.Uploads...), append([]bool(nil), f.UploadForces...)
}

// ImportCalls returns the types and force flag of every ImportPieces call.
func (f *FakeRemote) ImportCalls() ([][]bsync.PieceType, []bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]bsync.PieceType(nil), f.Imports...), append([]bool(nil), f.ImportForces...)
}

// Pieces returns a copy of the authoritative set.
func (f *FakeRemote) Pieces() bsync.Snapshots {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pieces.Clone()
}

// begin counts a call and pops its queued failure, if any.
func (f *FakeRemote) begin(op string) error {
	f.calls[op]++
	f.log = append(f.log, op)
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	f.failures[op] = queue[1:]
	return queue[0]
}

func (f *FakeRemote) FetchReconciliation(ctx context.Context) (bsync.Snapshots, error) {
	f.mu.Lock()
	err := f.begin(OpFetch)
	block, started := f.blockFetch, f.started
	if block != nil {
		f.started = nil
	}
	f.mu.Unlock()

	if block != nil {
		if started != nil {
			close(started)
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pieces.Clone(), nil
}

func (f *FakeRemote) FetchLocalChangeProbe(ctx context.Context) (map[bsync.PieceType]bsync.LocalObservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(OpProbe); err != nil {
		return nil, err
	}
	out := make(map[bsync.PieceType]bsync.LocalObservation, len(f.probe))
	for t, o := range f.probe {
		out[t] = o
	}
	return out, nil
}

// UploadPieces refuses, unless forced, pieces whose remote is ahead.
func (f *FakeRemote) UploadPieces(ctx context.Context, types []bsync.PieceType, force bool) (bsync.Snapshots, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uploads = append(f.Uploads, append([]bsync.PieceType(nil), types...))
	f.UploadForces = append(f.UploadForces, force)
	if err := f.begin(OpUpload); err != nil {
		return nil, err
	}
	if !force {
		for _, t := range types {
			if s := f.pieces[t].Status; s == bsync.StatusOutdated || s == bsync.StatusConflict {
				return nil, bsync.Errorf(bsync.KindConflict, "remote %s changed since the last sync", t)
			}
		}
	}
	return f.markSynced(types), nil
}

// ImportPieces refuses, unless forced, pieces with local changes.
func (f *FakeRemote) ImportPieces(ctx context.Context, types []bsync.PieceType, force bool) (bsync.Snapshots, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Imports = append(f.Imports, append([]bsync.PieceType(nil), types...))
	f.ImportForces = append(f.ImportForces, force)
	if err := f.begin(OpImport); err != nil {
		return nil, err
	}
	if !force {
		for _, t := range types {
			if p := f.pieces[t]; p.Status == bsync.StatusConflict || p.HasLocalChanges {
				return nil, bsync.Errorf(bsync.KindConflict, "local %s changed since the last sync", t)
			}
		}
	}
	return f.markSynced(types), nil
}

func (f *FakeRemote) markSynced(types []bsync.PieceType) bsync.Snapshots {
	out := make(bsync.Snapshots, len(types))
	for _, t := range types {
		f.version++
		d := bsync.Descriptor{ID: fmt.Sprintf("v%d", f.version), Date: f.clock.Now()}
		local, remote := d, d
		p := bsync.PieceSnapshot{Local: &local, Remote: &remote, Status: bsync.StatusSync, LastUpdate: d.Date}
		f.pieces[t] = p
		out[t] = p
	}
	return out
}
