// Package diskadaptor maps the download's flat byte space onto files on
// disk. A single-file download writes through one DiskWriter; a
// multi-file download spreads offsets over per-entry files with a bounded
// number of open descriptors.
package diskadaptor

import (
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/woshibocai007/aria2/internal/downloadcontext"
)

// DiskAdaptor is the sink the piece storage writes completed data
// through.
type DiskAdaptor interface {
	SetTotalLength(n int64)
	SetFileEntries(files []*downloadcontext.FileEntry)
	SetPieceLength(n uint32)
	SetMaxOpenFiles(n int)
	SetDiskWriter(w DiskWriter)
	AllowDirectIO()
	EnableFallocate()
	Open() error
	Close() error
	WriteAt(p []byte, off int64) (int, error)
	ReadAt(p []byte, off int64) (int, error)
}

// DirectDiskAdaptor serves a single-file download through one DiskWriter.
type DirectDiskAdaptor struct {
	totalLength int64
	files       []*downloadcontext.FileEntry
	writer      DiskWriter
	directIO    bool
	fallocate   bool
}

var _ DiskAdaptor = (*DirectDiskAdaptor)(nil)

func NewDirect() *DirectDiskAdaptor { return &DirectDiskAdaptor{} }

func (a *DirectDiskAdaptor) SetTotalLength(n int64) { a.totalLength = n }
func (a *DirectDiskAdaptor) SetFileEntries(files []*downloadcontext.FileEntry) {
	a.files = files
}
func (a *DirectDiskAdaptor) SetPieceLength(n uint32) {}
func (a *DirectDiskAdaptor) SetMaxOpenFiles(n int)   {}

func (a *DirectDiskAdaptor) SetDiskWriter(w DiskWriter) {
	a.writer = w
	if a.directIO {
		w.AllowDirectIO()
	}
	if a.fallocate {
		w.EnableFallocate()
	}
}

func (a *DirectDiskAdaptor) AllowDirectIO() {
	a.directIO = true
	if a.writer != nil {
		a.writer.AllowDirectIO()
	}
}

func (a *DirectDiskAdaptor) EnableFallocate() {
	a.fallocate = true
	if a.writer != nil {
		a.writer.EnableFallocate()
	}
}

// FilePath returns the path of the single file entry.
func (a *DirectDiskAdaptor) FilePath() string {
	if len(a.files) == 0 {
		return ""
	}
	return a.files[0].Path
}

func (a *DirectDiskAdaptor) Open() error {
	if a.writer == nil {
		return errors.New("diskadaptor: no disk writer")
	}
	return a.writer.Open(a.totalLength)
}

func (a *DirectDiskAdaptor) Close() error {
	if a.writer == nil {
		return nil
	}
	return a.writer.Close()
}

func (a *DirectDiskAdaptor) WriteAt(p []byte, off int64) (int, error) {
	return a.writer.WriteAt(p, off)
}

func (a *DirectDiskAdaptor) ReadAt(p []byte, off int64) (int, error) {
	return a.writer.ReadAt(p, off)
}

// MultiDiskAdaptor serves a multi-file download. Files are opened lazily
// and the least recently used descriptor is closed when maxOpenFiles is
// exceeded.
type MultiDiskAdaptor struct {
	files        []*downloadcontext.FileEntry
	pieceLength  uint32
	maxOpenFiles int
	directIO     bool
	fallocate    bool
	open         map[int]*os.File
	order        []int // open file indexes, most recently used last
}

var _ DiskAdaptor = (*MultiDiskAdaptor)(nil)

func NewMulti() *MultiDiskAdaptor {
	return &MultiDiskAdaptor{open: make(map[int]*os.File)}
}

func (a *MultiDiskAdaptor) SetTotalLength(n int64) {}
func (a *MultiDiskAdaptor) SetFileEntries(files []*downloadcontext.FileEntry) {
	a.files = files
}
func (a *MultiDiskAdaptor) SetPieceLength(n uint32) { a.pieceLength = n }
func (a *MultiDiskAdaptor) SetMaxOpenFiles(n int)   { a.maxOpenFiles = n }

// SetDiskWriter is accepted for interface symmetry; the multi adaptor
// opens its own files per entry.
func (a *MultiDiskAdaptor) SetDiskWriter(w DiskWriter) {}

func (a *MultiDiskAdaptor) AllowDirectIO()   { a.directIO = true }
func (a *MultiDiskAdaptor) EnableFallocate() { a.fallocate = true }

func (a *MultiDiskAdaptor) Open() error {
	if len(a.files) == 0 {
		return errors.New("diskadaptor: no file entries")
	}
	return nil
}

func (a *MultiDiskAdaptor) Close() error {
	var firstErr error
	for _, f := range a.open {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.open = make(map[int]*os.File)
	a.order = nil
	return firstErr
}

func (a *MultiDiskAdaptor) WriteAt(p []byte, off int64) (int, error) {
	return a.apply(p, off, func(f *os.File, b []byte, fileOff int64) (int, error) {
		return f.WriteAt(b, fileOff)
	})
}

func (a *MultiDiskAdaptor) ReadAt(p []byte, off int64) (int, error) {
	return a.apply(p, off, func(f *os.File, b []byte, fileOff int64) (int, error) {
		return f.ReadAt(b, fileOff)
	})
}

// apply walks the entries covering [off, off+len(p)) and runs op on each
// file-local span.
func (a *MultiDiskAdaptor) apply(p []byte, off int64, op func(f *os.File, b []byte, fileOff int64) (int, error)) (n int, err error) {
	for len(p) > 0 {
		i := a.entryAt(off)
		if i < 0 {
			return n, io.ErrUnexpectedEOF
		}
		fe := a.files[i]
		f, err := a.fileAt(i)
		if err != nil {
			return n, err
		}
		span := fe.Offset + fe.Length - off
		if span > int64(len(p)) {
			span = int64(len(p))
		}
		m, err := op(f, p[:span], off-fe.Offset)
		n += m
		if err != nil {
			return n, err
		}
		p = p[span:]
		off += span
	}
	return n, nil
}

func (a *MultiDiskAdaptor) entryAt(off int64) int {
	for i, fe := range a.files {
		if off >= fe.Offset && off < fe.Offset+fe.Length {
			return i
		}
	}
	return -1
}

func (a *MultiDiskAdaptor) fileAt(i int) (*os.File, error) {
	if f, ok := a.open[i]; ok {
		a.touch(i)
		return f, nil
	}
	fe := a.files[i]
	if err := os.MkdirAll(filepath.Dir(fe.Path), os.ModeDir|0750); err != nil {
		return nil, err
	}
	f, err := openSized(fe.Path, fe.Length, a.fallocate)
	if err != nil {
		return nil, err
	}
	if a.directIO {
		if err = disableReadAhead(f); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	a.open[i] = f
	a.order = append(a.order, i)
	a.evict()
	return f, nil
}

func (a *MultiDiskAdaptor) touch(i int) {
	for k, v := range a.order {
		if v == i {
			a.order = append(a.order[:k], a.order[k+1:]...)
			a.order = append(a.order, i)
			return
		}
	}
}

func (a *MultiDiskAdaptor) evict() {
	if a.maxOpenFiles <= 0 {
		return
	}
	for len(a.order) > a.maxOpenFiles {
		i := a.order[0]
		a.order = a.order[1:]
		_ = a.open[i].Close()
		delete(a.open, i)
	}
}
