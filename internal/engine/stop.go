package engine

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// StopSignalFileName is the out-of-band stop file looked up in the data dir.
const StopSignalFileName = "autocraft-stop-signal.txt"

// StopSignal is an external source of stop requests, polled together with
// the loop's own flag.
type StopSignal interface {
	// Triggered reports whether a stop was requested. Implementations
	// consume the request.
	Triggered() bool
	// Clear discards a stale request left over from a previous run.
	Clear() error
}

// FileStopSignal requests a stop when its file exists. The file is removed
// once observed, so a later run starts clean.
type FileStopSignal struct {
	Path string
}

// NewFileStopSignal watches StopSignalFileName inside dir.
func NewFileStopSignal(dir string) *FileStopSignal {
	return &FileStopSignal{Path: filepath.Join(dir, StopSignalFileName)}
}

func (f *FileStopSignal) Triggered() bool {
	if _, err := os.Stat(f.Path); err != nil {
		return false
	}
	_ = os.Remove(f.Path)
	return true
}

func (f *FileStopSignal) Clear() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Request creates the stop file. Used by the CLI "stop" command to signal
// a run in another process.
func (f *FileStopSignal) Request() error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(f.Path, []byte("stop\n"), 0o644)
}
