// Package watch turns edits to the local piece files into fast local
// checks, so the status view notices changes between polling intervals.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"bsync-go/internal/bsync"
)

// DefaultDebounce is how long the directory must stay quiet before a burst
// of edits is reported.
const DefaultDebounce = 2 * time.Second

// PieceResolver maps a changed file to the piece it stores.
type PieceResolver interface {
	Dir() string
	PieceForPath(path string) (bsync.PieceType, bool)
}

// Watcher reports edits to piece files in a datasource directory.
type Watcher struct {
	watcher  *fsnotify.Watcher
	pieces   PieceResolver
	debounce time.Duration
	onChange func([]bsync.PieceType)
	logger   bsync.Logger
}

// New starts watching the resolver's directory. onChange receives the pieces
// edited during each burst, in no particular order. Events are not
// delivered until Run is called.
func New(pieces PieceResolver, debounce time.Duration, onChange func([]bsync.PieceType), logger bsync.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if err := fw.Add(pieces.Dir()); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching %s: %w", pieces.Dir(), err)
	}
	return &Watcher{
		watcher:  fw,
		pieces:   pieces,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}, nil
}

// Run delivers debounced changes until ctx is cancelled, then releases the
// watch.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	pending := make(map[bsync.PieceType]struct{})
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			piece, ok := w.relevant(event)
			if !ok {
				continue
			}
			w.logger.Debug("piece file changed", "type", string(piece), "op", event.Op.String())
			pending[piece] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]bsync.PieceType, 0, len(pending))
			for t := range pending {
				changed = append(changed, t)
			}
			clear(pending)
			w.onChange(changed)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) (bsync.PieceType, bool) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return "", false
	}
	return w.pieces.PieceForPath(filepath.Clean(event.Name))
}
