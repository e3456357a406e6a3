package output

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is the writer's position in its lifecycle:
// no output, backed up, zero or more snapshots, final written.
type State int

const (
	StateNoOutput State = iota
	StateBackedUp
	StateSnapshot
	StateFinal
)

func (s State) String() string {
	switch s {
	case StateNoOutput:
		return "no-output"
	case StateBackedUp:
		return "backed-up"
	case StateSnapshot:
		return "snapshot"
	case StateFinal:
		return "final-written"
	default:
		return "unknown"
	}
}

// Writer owns one output file for the duration of a run.
type Writer struct {
	path   string
	format Format

	mu        sync.Mutex
	state     State
	backup    string
	snapshots int
}

// NewWriter returns a writer for path in format f.
func NewWriter(path string, f Format) *Writer {
	return &Writer{path: path, format: f}
}

// BackupPath returns the backup name for path: the extension is kept and
// "_backup" is inserted before it.
func BackupPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_backup" + ext
}

// Begin copies any existing output to its backup path, byte for byte.
func (w *Writer) Begin() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateNoOutput {
		return eris.Errorf("output: begin called in state %s", w.state)
	}

	data, err := os.ReadFile(w.path)
	switch {
	case err == nil:
		backup := BackupPath(w.path)
		if err := writeAtomic(backup, func(f *os.File) error {
			_, err := f.Write(data)
			return err
		}); err != nil {
			return eris.Wrap(err, "output: write backup")
		}
		w.backup = backup
		zap.L().Info("output: previous output backed up", zap.String("backup", backup))
	case os.IsNotExist(err):
	default:
		return eris.Wrapf(err, "output: read %s", w.path)
	}
	w.state = StateBackedUp
	return nil
}

// Snapshot writes an intermediate version of the output.
func (w *Writer) Snapshot(doc Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateBackedUp && w.state != StateSnapshot {
		return eris.Errorf("output: snapshot in state %s", w.state)
	}
	if err := w.write(doc); err != nil {
		return err
	}
	w.state = StateSnapshot
	w.snapshots++
	return nil
}

// Final writes the finished output. No write is accepted afterwards.
func (w *Writer) Final(doc Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateBackedUp && w.state != StateSnapshot {
		return eris.Errorf("output: final write in state %s", w.state)
	}
	if err := w.write(doc); err != nil {
		return err
	}
	w.state = StateFinal
	return nil
}

func (w *Writer) write(doc Document) error {
	return writeAtomic(w.path, func(f *os.File) error {
		bw := bufio.NewWriter(f)
		if err := Encode(bw, w.format, doc); err != nil {
			return err
		}
		return bw.Flush()
	})
}

// State returns the current lifecycle state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Snapshots returns how many snapshots were written.
func (w *Writer) Snapshots() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshots
}

// Backup returns the backup path, or "" when there was nothing to back up.
func (w *Writer) Backup() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backup
}

// Path returns the output path.
func (w *Writer) Path() string { return w.path }

// writeAtomic fills a temp file next to path and renames it into place.
func writeAtomic(path string, fill func(f *os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "output: create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "output: create temp file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "output: write %s", path)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "output: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "output: close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "output: rename to %s", path)
	}
	return nil
}
