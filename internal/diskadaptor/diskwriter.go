package diskadaptor

import (
	"io"
	"os"
	"path/filepath"
)

// DiskWriter writes piece data to a single file on disk.
type DiskWriter interface {
	io.ReaderAt
	io.WriterAt
	// Open creates the file if needed and sizes it to size bytes.
	Open(size int64) error
	Close() error
	// AllowDirectIO hints the OS that access is random, not sequential.
	AllowDirectIO()
	// EnableFallocate preallocates the file blocks at Open.
	EnableFallocate()
}

// Factory creates DiskWriters. Tests inject their own.
type Factory interface {
	NewDiskWriter(path string) DiskWriter
}

// DefaultFactory creates file-backed writers.
type DefaultFactory struct{}

var _ Factory = DefaultFactory{}

func (DefaultFactory) NewDiskWriter(path string) DiskWriter {
	return &fileWriter{path: path}
}

type fileWriter struct {
	path      string
	f         *os.File
	directIO  bool
	fallocate bool
}

func (w *fileWriter) Open(size int64) (err error) {
	err = os.MkdirAll(filepath.Dir(w.path), os.ModeDir|0750)
	if err != nil {
		return
	}
	w.f, err = openSized(w.path, size, w.fallocate)
	if err != nil {
		return
	}
	if w.directIO {
		err = disableReadAhead(w.f)
	}
	return
}

func (w *fileWriter) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *fileWriter) ReadAt(p []byte, off int64) (int, error) {
	if w.f == nil {
		return 0, os.ErrClosed
	}
	return w.f.ReadAt(p, off)
}

func (w *fileWriter) WriteAt(p []byte, off int64) (int, error) {
	if w.f == nil {
		return 0, os.ErrClosed
	}
	return w.f.WriteAt(p, off)
}

func (w *fileWriter) AllowDirectIO()   { w.directIO = true }
func (w *fileWriter) EnableFallocate() { w.fallocate = true }

// openSized opens path read-write, creating it if needed, and makes sure
// it is size bytes long.
func openSized(path string, size int64, preallocate bool) (f *os.File, err error) {
	defer func() {
		if err != nil && f != nil {
			_ = f.Close()
			f = nil
		}
	}()
	const mode = 0640
	f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, mode) // nolint: gosec
	if err != nil {
		return
	}
	if preallocate {
		err = fallocate(f, size)
		return
	}
	fi, err := f.Stat()
	if err != nil {
		return
	}
	if fi.Size() != size {
		err = f.Truncate(size)
	}
	return
}
