package kdmpparser

import (
	"log"
	"unicode/utf16"
	"unicode/utf8"

	multierror "github.com/hashicorp/go-multierror"
)

// Module is one loaded image: a name and the virtual address range it
// occupies (spec.md §3/§4.F).
type Module struct {
	Name  string
	Range AddrRange
}

// Well-known x86-64 offsets into _KLDR_DATA_TABLE_ENTRY /
// _LDR_DATA_TABLE_ENTRY (spec.md §4.F): both begin with a LIST_ENTRY
// at offset 0, so the list-walk helper below is shared between the
// kernel and user enumerators.
const (
	ldrEntryDllBaseOffset     = 0x30
	ldrEntrySizeOfImageOffset = 0x40
	ldrEntryFullDllNameOffset = 0x48 // UNICODE_STRING
)

// _PEB / _PEB_LDR_DATA offsets. Unlike _EPROCESS these are stable
// across 64-bit Windows builds, so they are not exposed as overrides.
const (
	pebLdrOffset                          = 0x18
	pebLdrDataInLoadOrderModuleListOffset = 0x10
)

// EprocessActiveProcessLinksOffset and EprocessPebOffset are the two
// _EPROCESS field offsets this parser needs that are genuinely
// build-dependent on real Windows. They default to a representative
// modern 64-bit build's layout; callers targeting a different build
// can override them before calling UserModules (see DESIGN.md, Open
// Question resolution 3).
var (
	EprocessActiveProcessLinksOffset uint64 = 0x448
	EprocessPebOffset                uint64 = 0x3e0
)

const maxListWalkIterations = 1 << 16

// walkList follows a circular LIST_ENTRY chain starting at the Flink
// of the sentinel node headGva, stopping when it returns to headGva,
// revisits a node already seen, or exceeds maxListWalkIterations
// (spec.md §4.F's loop-safety requirement). It returns the address of
// each non-head node visited, in list order.
func walkList(v *mmu, headGva Gva) ([]Gva, error) {
	var out []Gva
	visited := map[Gva]bool{headGva: true}

	var flinkBuf [8]byte
	if err := v.VirtReadExact(headGva, flinkBuf[:]); err != nil {
		return nil, err
	}
	cur := NewGva(leUint64(flinkBuf[:]))

	for i := 0; i < maxListWalkIterations; i++ {
		if cur == headGva || visited[cur] {
			return out, nil
		}
		visited[cur] = true
		out = append(out, cur)

		var buf [8]byte
		if err := v.VirtReadExact(cur, buf[:]); err != nil {
			return out, err
		}
		cur = NewGva(leUint64(buf[:]))
	}
	return out, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leUint32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

// readModuleEntry decodes the common _KLDR_DATA_TABLE_ENTRY /
// _LDR_DATA_TABLE_ENTRY fields this parser uses, given the address of
// the entry's leading LIST_ENTRY (offset 0 in both layouts).
func readModuleEntry(v *mmu, entryGva Gva) (Module, error) {
	var dllBaseBuf [8]byte
	if err := v.VirtReadExact(entryGva.Add(ldrEntryDllBaseOffset), dllBaseBuf[:]); err != nil {
		return Module{}, err
	}
	dllBase := leUint64(dllBaseBuf[:])

	var sizeBuf [4]byte
	if err := v.VirtReadExact(entryGva.Add(ldrEntrySizeOfImageOffset), sizeBuf[:]); err != nil {
		return Module{}, err
	}
	size := leUint32(sizeBuf[:])

	var ustrBuf [16]byte
	if err := v.VirtReadExact(entryGva.Add(ldrEntryFullDllNameOffset), ustrBuf[:]); err != nil {
		return Module{}, err
	}
	length := leUint16(ustrBuf[0:2])
	bufferGva := NewGva(leUint64(ustrBuf[8:16]))

	name, err := readUtf16String(v, bufferGva, length)
	if err != nil {
		return Module{}, err
	}

	start := NewGva(dllBase)
	return Module{
		Name:  name,
		Range: AddrRange{Start: start, End: start.Add(uint64(size))},
	}, nil
}

// readUtf16String reads lengthBytes bytes of UTF-16LE text at gva and
// decodes it. lengthBytes is the UNICODE_STRING Length field, a byte
// count excluding any NUL terminator.
func readUtf16String(v *mmu, gva Gva, lengthBytes uint16) (string, error) {
	if lengthBytes == 0 {
		return "", nil
	}
	raw := make([]byte, lengthBytes)
	if err := v.VirtReadExact(gva, raw); err != nil {
		return "", err
	}
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = leUint16(raw[i*2:])
	}
	runes := utf16.Decode(units)
	buf := make([]byte, 0, len(runes)*3)
	for _, r := range runes {
		var tmp [utf8.UTFMax]byte
		n := utf8.EncodeRune(tmp[:], r)
		buf = append(buf, tmp[:n]...)
	}
	return string(buf), nil
}

// KernelModules walks PsLoadedModuleList and decodes every
// _KLDR_DATA_TABLE_ENTRY it finds. Failures on individual entries are
// collected as warnings rather than aborting the whole walk (spec.md
// §4.F: best-effort), mirroring the teacher's tolerant style. Pass a
// non-nil logger to also have each skipped entry logged as it
// happens; nil disables logging.
func KernelModules(v *mmu, psLoadedModuleList Gva, logger *log.Logger) ([]Module, error) {
	nodes, err := walkList(v, psLoadedModuleList)
	if err != nil && len(nodes) == 0 {
		return nil, err
	}

	var mods []Module
	var warnings *multierror.Error
	if err != nil {
		warnings = multierror.Append(warnings, err)
		if logger != nil {
			logger.Printf("kdmpparser: kernel module list walk stopped early: %v", err)
		}
	}
	for _, n := range nodes {
		m, err := readModuleEntry(v, n)
		if err != nil {
			warnings = multierror.Append(warnings, err)
			if logger != nil {
				logger.Printf("kdmpparser: skipping kernel module entry at %s: %v", n, err)
			}
			continue
		}
		mods = append(mods, m)
	}
	return mods, warnings.ErrorOrNil()
}

// UserModules walks PsActiveProcessHead, and for every _EPROCESS
// walks that process's PEB loader list, decoding every
// _LDR_DATA_TABLE_ENTRY it finds. Both the process walk and each
// per-process module walk are best-effort: a failure on one process
// or one module entry is recorded as a warning and the walk continues
// (spec.md §4.F).
func UserModules(v *mmu, psActiveProcessHead Gva, logger *log.Logger) (map[Gva][]Module, error) {
	procNodes, err := walkList(v, psActiveProcessHead)
	if err != nil && len(procNodes) == 0 {
		return nil, err
	}

	var warnings *multierror.Error
	if err != nil {
		warnings = multierror.Append(warnings, err)
		if logger != nil {
			logger.Printf("kdmpparser: process list walk stopped early: %v", err)
		}
	}
	out := make(map[Gva][]Module)
	for _, procLink := range procNodes {
		procBase := Gva(uint64(procLink) - EprocessActiveProcessLinksOffset)

		var pebBuf [8]byte
		if err := v.VirtReadExact(procBase.Add(EprocessPebOffset), pebBuf[:]); err != nil {
			warnings = multierror.Append(warnings, err)
			if logger != nil {
				logger.Printf("kdmpparser: skipping process at %s: %v", procBase, err)
			}
			continue
		}
		peb := NewGva(leUint64(pebBuf[:]))
		if peb == 0 {
			// Kernel-mode-only or exited process: no PEB to walk.
			continue
		}

		var ldrBuf [8]byte
		if err := v.VirtReadExact(peb.Add(pebLdrOffset), ldrBuf[:]); err != nil {
			warnings = multierror.Append(warnings, err)
			if logger != nil {
				logger.Printf("kdmpparser: skipping PEB at %s: %v", peb, err)
			}
			continue
		}
		ldr := NewGva(leUint64(ldrBuf[:]))
		if ldr == 0 {
			continue
		}

		head := ldr.Add(pebLdrDataInLoadOrderModuleListOffset)
		modNodes, err := walkList(v, head)
		if err != nil && len(modNodes) == 0 {
			warnings = multierror.Append(warnings, err)
			if logger != nil {
				logger.Printf("kdmpparser: skipping module list for process at %s: %v", procBase, err)
			}
			continue
		}

		var mods []Module
		for _, n := range modNodes {
			m, err := readModuleEntry(v, n)
			if err != nil {
				warnings = multierror.Append(warnings, err)
				if logger != nil {
					logger.Printf("kdmpparser: skipping user module entry at %s: %v", n, err)
				}
				continue
			}
			mods = append(mods, m)
		}
		out[procBase] = mods
	}

	return out, warnings.ErrorOrNil()
}
