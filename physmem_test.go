package kdmpparser

import (
	"encoding/binary"
	"testing"
)

func putU32(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
func putU64(buf []byte, off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:], v) }

func TestBuildFullPhysmem(t *testing.T) {
	const basePage = 0x10
	const pageCount = 2

	runsOff := physMemDescriptorOffset + 8
	pagesOff := headerSize
	total := pagesOff + pageCount*PageSize

	buf := make([]byte, total)
	putU32(buf, physMemDescriptorOffset, 1)         // NumberOfRuns
	putU32(buf, physMemDescriptorOffset+4, pageCount) // NumberOfPages
	putU64(buf, runsOff, basePage)
	putU64(buf, runsOff+8, pageCount)

	for i := 0; i < pageCount; i++ {
		buf[pagesOff+i*PageSize] = byte(0xA0 + i)
	}

	idx, err := buildFullPhysmem(newMemSource(buf))
	if err != nil {
		t.Fatalf("buildFullPhysmem: %v", err)
	}
	if idx.Len() != pageCount {
		t.Fatalf("Len() = %d, want %d", idx.Len(), pageCount)
	}

	phys := &Physmem{index: idx, src: newMemSource(buf)}
	for i := 0; i < pageCount; i++ {
		gpa := NewGpa(uint64(basePage+i) << pageShift)
		var out [1]byte
		if err := phys.PhysReadExact(gpa, out[:]); err != nil {
			t.Fatalf("PhysReadExact(%s): %v", gpa, err)
		}
		if out[0] != byte(0xA0+i) {
			t.Fatalf("page %d: got 0x%x, want 0x%x", i, out[0], 0xA0+i)
		}
	}

	missing := NewGpa(uint64(basePage+pageCount) << pageShift)
	if phys.Contains(missing) {
		t.Fatal("expected page past the run to be absent")
	}
	if _, err := phys.PhysRead(missing, make([]byte, 1)); err == nil {
		t.Fatal("expected PhysRead of a missing page to fail")
	}
}

func TestBuildFullPhysmemCountMismatch(t *testing.T) {
	runsOff := physMemDescriptorOffset + 8
	buf := make([]byte, headerSize+PageSize)
	putU32(buf, physMemDescriptorOffset, 1)
	putU32(buf, physMemDescriptorOffset+4, 5) // claims 5 pages, run only covers 1
	putU64(buf, runsOff, 0)
	putU64(buf, runsOff+8, 1)

	if _, err := buildFullPhysmem(newMemSource(buf)); err == nil {
		t.Fatal("expected a mismatch error")
	}
}

func putBitmapSignature(buf []byte, off int, sig string) {
	copy(buf[off:off+4], sig)
}

func TestBuildBitmapPhysmem(t *testing.T) {
	const trackedPages = 20
	const firstPageFieldOff = 0x20 // bitmapSummary.FirstPage offset
	bitmapOff := headerSize + bitmapSummarySize
	bitmapBytes := (trackedPages + 7) / 8
	const firstPage = 0x1000

	// Mark pages 0, 3 and 19 present.
	present := []uint64{0, 3, 19}
	bitmap := make([]byte, bitmapBytes)
	for _, p := range present {
		bitmap[p/8] |= 1 << (p % 8)
	}

	total := bitmapOff + bitmapBytes
	buf := make([]byte, total)
	putBitmapSignature(buf, headerSize, "SDMP")
	putU64(buf, headerSize+firstPageFieldOff, firstPage)
	putU64(buf, headerSize+firstPageFieldOff+8, uint64(len(present)))
	putU64(buf, headerSize+firstPageFieldOff+16, trackedPages)
	copy(buf[bitmapOff:], bitmap)

	idx, err := buildBitmapPhysmem(newMemSource(buf))
	if err != nil {
		t.Fatalf("buildBitmapPhysmem: %v", err)
	}
	if idx.Len() != len(present) {
		t.Fatalf("Len() = %d, want %d", idx.Len(), len(present))
	}

	for n, p := range present {
		gpa := NewGpa(p << pageShift)
		off, ok := idx.lookup(gpa)
		if !ok {
			t.Fatalf("page %d not found in index", p)
		}
		wantOff := int64(firstPage) + int64(n)*PageSize
		if off != wantOff {
			t.Fatalf("page %d: offset = %d, want %d", p, off, wantOff)
		}
	}

	if idx.contains(NewGpa(1 << pageShift)) {
		t.Fatal("page 1 was never marked present")
	}
}

func TestBuildBitmapPhysmemCountMismatch(t *testing.T) {
	const trackedPages = 8
	const firstPageFieldOff = 0x20
	bitmapOff := headerSize + bitmapSummarySize
	buf := make([]byte, bitmapOff+1)
	putBitmapSignature(buf, headerSize, "DMP")
	putU64(buf, headerSize+firstPageFieldOff, 0)
	putU64(buf, headerSize+firstPageFieldOff+8, 5) // claims 5 present, bitmap has none set
	putU64(buf, headerSize+firstPageFieldOff+16, trackedPages)

	if _, err := buildBitmapPhysmem(newMemSource(buf)); err == nil {
		t.Fatal("expected a mismatch error")
	}
}

func TestBuildBitmapPhysmemBadSignature(t *testing.T) {
	const trackedPages = 8
	const firstPageFieldOff = 0x20
	bitmapOff := headerSize + bitmapSummarySize
	buf := make([]byte, bitmapOff+1)
	putBitmapSignature(buf, headerSize, "XXXX")
	putU64(buf, headerSize+firstPageFieldOff+16, trackedPages)

	if _, err := buildBitmapPhysmem(newMemSource(buf)); err == nil {
		t.Fatal("expected a signature validation error")
	}
}
