package kdmpparser

import (
	"errors"
	"os"

	"github.com/edsrzf/mmap-go"
)

// ByteSource is the random-access primitive this package reads a
// dump through (spec.md §4.A). A memory-mapped file is the reference
// implementation; anything satisfying this interface works, which is
// also the seam spec.md's "file-opening layer is an external
// collaborator" carve-out describes: callers that already have bytes
// in memory, or their own mapping, can hand it to NewFromSource
// directly.
type ByteSource interface {
	// ReadAt copies len(p) bytes starting at off into p. It must
	// behave like io.ReaderAt: short reads only at/after EOF.
	ReadAt(p []byte, off int64) (int, error)
	// Size returns the total number of addressable bytes.
	Size() int64
}

func readAtFull(src ByteSource, p []byte, off int64) error {
	if off < 0 || off > src.Size() || int64(len(p)) > src.Size()-off {
		return errOverflow()
	}
	if len(p) == 0 {
		return nil
	}
	n, err := src.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err != nil {
		return errIO(err)
	}
	return errIO(errors.New("short read"))
}

// MmapSource memory-maps a dump file read-only, following the
// teacher's BootImg.Map / patch.go mmap.Map(fd, mmap.RDWR, 0) idiom,
// restricted to read-only access since this package never mutates a
// dump.
type MmapSource struct {
	file *os.File
	m    mmap.MMap
}

// OpenMmapSource opens path and maps it read-only.
func OpenMmapSource(path string) (*MmapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errIO(err)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errIO(err)
	}
	// The page-table walk in mmu.go and the module-list walk in
	// modules.go are pointer-chasing, not sequential; tell the
	// kernel not to bother with readahead.
	adviseRandom(m)
	return &MmapSource{file: f, m: m}, nil
}

func (s *MmapSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s.m)) {
		return 0, errOverflow()
	}
	n := copy(p, s.m[off:])
	if n < len(p) {
		return n, errOverflow()
	}
	return n, nil
}

func (s *MmapSource) Size() int64 { return int64(len(s.m)) }

// Close unmaps the file and closes the handle. Safe to call more than
// once.
func (s *MmapSource) Close() error {
	if s.m != nil {
		if err := s.m.Unmap(); err != nil {
			s.file.Close()
			return errIO(err)
		}
		s.m = nil
	}
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		if err != nil {
			return errIO(err)
		}
	}
	return nil
}

// memSource is a ByteSource backed by an in-memory buffer, used by
// this package's own tests to build synthetic dumps without touching
// disk.
type memSource struct {
	buf []byte
}

func newMemSource(buf []byte) *memSource { return &memSource{buf: buf} }

func (s *memSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(s.buf)) {
		return 0, errOverflow()
	}
	n := copy(p, s.buf[off:])
	if n < len(p) {
		return n, errOverflow()
	}
	return n, nil
}

func (s *memSource) Size() int64 { return int64(len(s.buf)) }
