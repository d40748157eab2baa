package datasource

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bsync-go/internal/bsync"
	"bsync-go/internal/remote"
)

// FileDatasource keeps each piece in <dir>/<piece>.json. A piece's last
// update is its file's modification time.
type FileDatasource struct {
	dir string
}

var _ remote.Datasource = (*FileDatasource)(nil)

// NewFileDatasource creates the data directory if needed.
func NewFileDatasource(dir string) (*FileDatasource, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &FileDatasource{dir: dir}, nil
}

// Dir returns the directory holding the piece files.
func (d *FileDatasource) Dir() string { return d.dir }

// Path returns the file that holds piece.
func (d *FileDatasource) Path(piece bsync.PieceType) string {
	return filepath.Join(d.dir, strings.ToLower(string(piece))+".json")
}

// PieceForPath maps a file in the data directory back to its piece.
func (d *FileDatasource) PieceForPath(path string) (bsync.PieceType, bool) {
	if filepath.Dir(path) != filepath.Clean(d.dir) {
		return "", false
	}
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	t, err := bsync.ParsePieceType(name)
	if err != nil {
		return "", false
	}
	return t, d.Path(t) == path
}

func (d *FileDatasource) LastUpdate(piece bsync.PieceType) (time.Time, bool, error) {
	info, err := os.Stat(d.Path(piece))
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("stat %s: %w", piece, err)
	}
	return info.ModTime(), true, nil
}

func (d *FileDatasource) Export(piece bsync.PieceType, w io.Writer) error {
	f, err := os.Open(d.Path(piece))
	if err != nil {
		return fmt.Errorf("opening %s: %w", piece, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading %s: %w", piece, err)
	}
	return nil
}

// Replace writes through a temp file and rename, then stamps the file with
// modTime so the registry date and the file agree.
func (d *FileDatasource) Replace(piece bsync.PieceType, r io.Reader, modTime time.Time) error {
	dest := d.Path(piece)
	tmp, err := os.CreateTemp(d.dir, ".import-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", piece, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chtimes(tmpPath, modTime, modTime); err != nil {
		return fmt.Errorf("setting %s modification time: %w", piece, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("replacing %s: %w", piece, err)
	}
	success = true
	return nil
}
