package fs

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type AtomicWriter struct {
	filename string
	perm     fs.FileMode
	tempFile *os.File
	closed   bool
}

var _ io.WriteCloser = &AtomicWriter{}

// NewAtomicWriter returns an io.WriteCloser that writes to a temp file in the destination directory and moves
// that temp file over filename on Close. Readers never observe a partially written file.
func NewAtomicWriter(filename string, perm fs.FileMode) (*AtomicWriter, error) {
	tempFile, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+"*.tmp")
	if err != nil {
		return nil, errors.Wrap(err, "unable to create temporary file")
	}

	return &AtomicWriter{filename: filename, perm: perm, tempFile: tempFile}, nil
}

// Close syncs and closes the temp file handle and moves the temp file to the final destination
func (a *AtomicWriter) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	if err := a.tempFile.Sync(); err != nil {
		a.discard()
		return errors.Wrapf(err, "unable to sync temp file %s", a.tempFile.Name())
	}

	if err := a.tempFile.Chmod(a.perm); err != nil {
		a.discard()
		return errors.Wrapf(err, "unable to set mode on temp file %s", a.tempFile.Name())
	}

	if err := a.tempFile.Close(); err != nil {
		os.Remove(a.tempFile.Name()) //nolint:errcheck // best effort
		return errors.Wrapf(err, "unable to close temp file %s", a.tempFile.Name())
	}

	if err := os.Rename(a.tempFile.Name(), a.filename); err != nil {
		os.Remove(a.tempFile.Name()) //nolint:errcheck // best effort
		return errors.Wrapf(err, "unable to move temp file %s to destination %s", a.tempFile.Name(), a.filename)
	}

	return nil
}

// Abort drops the temp file without touching the destination.
func (a *AtomicWriter) Abort() {
	if a.closed {
		return
	}
	a.closed = true
	a.discard()
}

func (a *AtomicWriter) discard() {
	a.tempFile.Close()           //nolint:errcheck // best effort
	os.Remove(a.tempFile.Name()) //nolint:errcheck // best effort
}

// Write writes the buffer to the temp file. You must call Close() to complete the move from temp file to dest file
func (a *AtomicWriter) Write(p []byte) (int, error) {
	bs, err := a.tempFile.Write(p)
	return bs, errors.Wrap(err, "unable to write to temp file")
}

// WriteFile atomically replaces filename with data.
func WriteFile(filename string, data []byte, perm fs.FileMode) error {
	w, err := NewAtomicWriter(filename, perm)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}
