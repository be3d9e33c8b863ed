package kdmpparser

import (
	"bytes"
	"encoding/binary"
	"math/bits"
)

// bitmapSummary is the secondary header carried by the four
// bitmap-shaped variants (Bmp, KernelMemory, KernelAndUserMemory,
// CompleteMemory). spec.md §4.D states their builder logic is
// "identical in shape": consume a presence structure, assign
// contiguous file offsets to present pages in ascending order. The
// four variants differ only in their secondary-header signature
// (spec.md §6: "SDMP"/"DMP"/"FDMP" as appropriate), which mirrors
// DUMP_HEADER64's own Signature/ValidDump pair followed by reserved
// bytes; the real _BMP_HEADER64 puts FirstPage at offset 0x20, not
// immediately after the 8-byte magic.
type bitmapSummary struct {
	Signature [4]byte
	ValidDump [4]byte
	_         [24]byte // reserved, unused by this parser

	FirstPage         uint64
	TotalPresentPages uint64
	Pages             uint64 // total tracked page count (bitmap length in bits)
}

const bitmapSummarySize = 0x38 // FirstPage lands at 0x20, three uint64 fields follow

// validate checks the secondary header's signature is one of the
// three the bitmap-shaped variants use (spec.md §6).
func (s *bitmapSummary) validate() error {
	sig := bytes.TrimRight(s.Signature[:], "\x00")
	switch string(sig) {
	case "SDMP", "DMP", "FDMP":
		return nil
	default:
		return errInvalidData("bad bitmap dump secondary signature")
	}
}

// buildBitmapPhysmem reads the secondary bitmap header immediately
// after the primary 0x2000-byte header, then the bitmap itself, and
// assigns file offsets to set bits in ascending order: the n-th set
// bit (0-based) maps to file offset FirstPage + n*4096 and GPA
// i<<12 where i is the bit index (spec.md §4.D).
func buildBitmapPhysmem(src ByteSource) (*pageIndex, error) {
	sumBuf := make([]byte, bitmapSummarySize)
	if err := readAtFull(src, sumBuf, headerSize); err != nil {
		return nil, err
	}
	var sum bitmapSummary
	if err := binary.Read(bytes.NewReader(sumBuf), binary.LittleEndian, &sum); err != nil {
		return nil, errIO(err)
	}
	if err := sum.validate(); err != nil {
		return nil, err
	}

	bitmapBytes := alignTo(sum.Pages, 8) / 8
	bitmap := make([]byte, bitmapBytes)
	if err := readAtFull(src, bitmap, headerSize+bitmapSummarySize); err != nil {
		return nil, err
	}

	entries := make([]pageEntry, 0, sum.TotalPresentPages)
	var n uint64
	for byteIdx, b := range bitmap {
		if b == 0 {
			continue
		}
		for b != 0 {
			bit := bits.TrailingZeros8(b)
			b &^= 1 << uint(bit)
			i := uint64(byteIdx)*8 + uint64(bit)
			if i >= sum.Pages {
				continue
			}
			entries = append(entries, pageEntry{
				gpa:    Gpa(i << pageShift),
				offset: int64(sum.FirstPage) + int64(n)*PageSize,
			})
			n++
		}
	}
	if n != sum.TotalPresentPages {
		return nil, errInvalidData("bitmap dump: set-bit count does not match TotalPresentPages")
	}
	return newPageIndex(entries), nil
}
