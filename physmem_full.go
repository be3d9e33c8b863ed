package kdmpparser

import (
	"bytes"
	"encoding/binary"
)

// physicalMemoryRun is one {basepage, pagecount} entry of the Full
// variant's run list (spec.md §4.D/§6).
type physicalMemoryRun struct {
	BasePage  uint64
	PageCount uint64
}

// physMemDescriptorOffset is where DUMP_HEADER64 embeds its
// PHYSICAL_MEMORY_DESCRIPTOR (NumberOfRuns/NumberOfPages followed by
// the run array) in the real layout (spec.md §6: the Full variant
// "carries PhysicalMemoryBlockBuffer in the header"), well before
// ContextRecord at 0x348.
const physMemDescriptorOffset = 0x88

// buildFullPhysmem implements the Full-variant arm of spec.md §4.D:
// the run-count pair and run array are embedded within the header
// itself, and page data starts immediately at the fixed 0x2000-byte
// header boundary regardless of how many runs the descriptor carries.
// Grounded on bootimg.go's pattern of decoding a header-adjacent array
// of fixed-size records via repeated binary.Read (see
// VendorRamdiskTableEntryV4 handling).
func buildFullPhysmem(src ByteSource) (*pageIndex, error) {
	var counts struct {
		NumberOfRuns  uint32
		NumberOfPages uint32
	}
	countsBuf := make([]byte, 8)
	if err := readAtFull(src, countsBuf, physMemDescriptorOffset); err != nil {
		return nil, err
	}
	if err := binary.Read(bytes.NewReader(countsBuf), binary.LittleEndian, &counts); err != nil {
		return nil, errIO(err)
	}

	runsOff := int64(physMemDescriptorOffset) + 8
	runBuf := make([]byte, 16*int64(counts.NumberOfRuns))
	if err := readAtFull(src, runBuf, runsOff); err != nil {
		return nil, err
	}

	runs := make([]physicalMemoryRun, counts.NumberOfRuns)
	if err := binary.Read(bytes.NewReader(runBuf), binary.LittleEndian, &runs); err != nil {
		return nil, errIO(err)
	}

	const pagesDataStart = int64(headerSize)

	entries := make([]pageEntry, 0, counts.NumberOfPages)
	var k uint64
	for _, run := range runs {
		for i := uint64(0); i < run.PageCount; i++ {
			gpa := Gpa((run.BasePage + i) << pageShift)
			entries = append(entries, pageEntry{
				gpa:    gpa,
				offset: pagesDataStart + int64(k)*PageSize,
			})
			k++
		}
	}
	if uint64(len(entries)) != uint64(counts.NumberOfPages) {
		return nil, errInvalidData("Full dump: run page count does not match NumberOfPages")
	}
	return newPageIndex(entries), nil
}
