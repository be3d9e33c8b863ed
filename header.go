package kdmpparser

import (
	"bytes"
	"encoding/binary"
)

// headerSize is sizeof(DUMP_HEADER64) on x64: 0x2000 bytes
// (spec.md §6).
const headerSize = 0x2000

const (
	dumpSignature  = "PAGE"
	dumpValidDump  = "DU64"
	machineAmd64   = 0x8664
	contextRecSize = 1232 // sizeof(CONTEXT) on AMD64
)

// Real DUMP_HEADER64 byte offsets this parser depends on (spec.md §3:
// "exact field offsets are those of the Windows kernel's
// DUMP_HEADER64"). contextRecordOffset and dumpTypeOffset are fixed,
// documented offsets, not version-dependent, so unlike the embedded
// PhysicalMemoryBlockBuffer (DESIGN.md Open Question resolution 2)
// they are reproduced exactly rather than approximated.
const (
	consumedPrefixSize  = 140   // Signature .. KdDebuggerDataBlock
	contextRecordOffset = 0x348
	dumpTypeOffset      = 0xF88
)

// DumpHeader64 is a typed, bounds-checked view of the fixed
// DUMP_HEADER64 layout (spec.md §3/§4.B). The Microsoft-documented
// prefix this parser actually consumes (signature, valid-dump marker,
// directory table base, PFN database pointer, the two module-list
// heads, machine type, bugcheck parameters) is reproduced at its real
// offset, as are ContextRecord (0x348) and DumpType (0xF88); the gaps
// between them and the trailing region are kept as sized, opaque
// padding rather than guessed at byte-for-byte. See DESIGN.md, Open
// Question resolution 2.
type DumpHeader64 struct {
	Signature [4]byte
	ValidDump [4]byte

	MajorVersion uint32
	MinorVersion uint32

	DirectoryTableBase  uint64
	PfnDataBase         uint64
	PsLoadedModuleList  uint64
	PsActiveProcessHead uint64

	MachineImageType uint32
	NumberProcessors uint32

	BugCheckCode uint32
	_            uint32 // alignment pad before the 64-bit bugcheck parameters

	BugCheckParameter1 uint64
	BugCheckParameter2 uint64
	BugCheckParameter3 uint64
	BugCheckParameter4 uint64

	VersionUser [32]byte

	PaeEnabled         uint8
	KdSecondaryVersion uint8
	VersionPad         [2]byte

	KdDebuggerDataBlock uint64

	_ [contextRecordOffset - consumedPrefixSize]byte // unconsumed header fields up to ContextRecord

	ContextRecord [contextRecSize]byte

	_ [dumpTypeOffset - contextRecordOffset - contextRecSize]byte // Exception record and other unconsumed fields

	// DumpType discriminates the five variants (spec.md §2/§6), at its
	// real DUMP_HEADER64 offset.
	DumpType uint32

	Reserved [headerSize - dumpTypeOffset - 4]byte
}

// validate checks the two magic fields spec.md §4.B requires.
func (h *DumpHeader64) validate() error {
	if !bytes.Equal(h.Signature[:], []byte(dumpSignature)) {
		return errInvalidData("bad dump signature")
	}
	if !bytes.Equal(h.ValidDump[:], []byte(dumpValidDump)) {
		return errInvalidData("unsupported dump marker (only DU64/x64 is supported)")
	}
	return nil
}

// Context returns the AMD64 CONTEXT record captured inline in the
// header.
func (h *DumpHeader64) Context() (*Context, error) {
	var ctx Context
	if err := binary.Read(bytes.NewReader(h.ContextRecord[:]), binary.LittleEndian, &ctx); err != nil {
		return nil, errIO(err)
	}
	return &ctx, nil
}

// ReadDumpHeader64 reads and validates the dump header at the start
// of src.
func ReadDumpHeader64(src ByteSource) (*DumpHeader64, error) {
	buf := make([]byte, headerSize)
	if err := readAtFull(src, buf, 0); err != nil {
		return nil, err
	}
	var hdr DumpHeader64
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &hdr); err != nil {
		return nil, errIO(err)
	}
	if err := hdr.validate(); err != nil {
		return nil, err
	}
	if hdr.MachineImageType != machineAmd64 {
		return nil, errInvalidData("unsupported machine image type (only x86-64/0x8664 is supported)")
	}
	return &hdr, nil
}

// Context is the captured architectural state at crash time
// (spec.md §3): general registers, segment selectors, flags, and
// opaque xmm/fp state. It reproduces the well-known layout of the
// AMD64 CONTEXT record.
type Context struct {
	P1Home [6]uint64 // P1Home..P6Home register parameter home slots; opaque

	ContextFlags uint32
	MxCsr        uint32

	SegCs uint16
	SegDs uint16
	SegEs uint16
	SegFs uint16
	SegGs uint16
	SegSs uint16
	EFlags uint32

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rip uint64

	FltSave       [512]byte   // XMM_SAVE_AREA32 (FXSAVE layout); opaque
	VectorRegister [26][16]byte // opaque
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}
