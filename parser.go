package kdmpparser

import (
	"fmt"
	"log"

	"github.com/dustin/go-humanize"
	multierror "github.com/hashicorp/go-multierror"
)

// Parser is the read-only facade spec.md §4.G describes: one dump
// file mapped read-only, its header decoded, its physical memory
// indexed, and an MMU ready to answer virtual reads once opened via
// New or NewFromSource.
type Parser struct {
	hdr    *DumpHeader64
	dtype  DumpType
	phys   *Physmem
	mmu    *mmu
	logger *log.Logger

	moduleWarnings []error

	closer func() error
}

// New opens the dump file at path read-only via mmap and parses it.
func New(path string) (*Parser, error) {
	src, err := OpenMmapSource(path)
	if err != nil {
		return nil, err
	}
	p, err := NewFromSource(src)
	if err != nil {
		src.Close()
		return nil, err
	}
	p.closer = src.Close
	return p, nil
}

// NewFromSource parses a dump already available through an arbitrary
// ByteSource, with no file-handle ownership assumed: Close is then a
// no-op. This is the seam that makes the parser testable without disk
// I/O (spec.md §4.G).
func NewFromSource(src ByteSource) (*Parser, error) {
	hdr, err := ReadDumpHeader64(src)
	if err != nil {
		return nil, err
	}
	dtype, err := dumpTypeFromDiscriminator(hdr.DumpType)
	if err != nil {
		return nil, err
	}

	var index *pageIndex
	switch dtype {
	case DumpTypeFull:
		index, err = buildFullPhysmem(src)
	case DumpTypeKernelMemory, DumpTypeKernelAndUserMemory, DumpTypeCompleteMemory, DumpTypeBmp:
		index, err = buildBitmapPhysmem(src)
	default:
		err = errInvalidData("unsupported dump type")
	}
	if err != nil {
		return nil, err
	}

	phys := &Physmem{index: index, src: src}

	return &Parser{
		hdr:    hdr,
		dtype:  dtype,
		phys:   phys,
		mmu:    newMmu(phys, hdr.DirectoryTableBase),
		logger: log.New(discardWriter{}, "", 0),
	}, nil
}

// discardWriter is a dependency-free io.Writer sink, used as the
// default logger's output so Parser never logs unless a caller opts
// in via SetLogger.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// SetLogger directs the module enumerator's best-effort diagnostics
// (spec.md §4.F) to logger. Pass nil to silence them again.
func (p *Parser) SetLogger(logger *log.Logger) {
	if logger == nil {
		logger = log.New(discardWriter{}, "", 0)
	}
	p.logger = logger
}

// DumpType reports which of the five on-disk variants this dump uses.
func (p *Parser) DumpType() DumpType { return p.dtype }

// Header returns the decoded fixed dump header.
func (p *Parser) Header() *DumpHeader64 { return p.hdr }

// Context returns the captured CPU state at crash time.
func (p *Parser) Context() (*Context, error) { return p.hdr.Context() }

// Physmem returns the physical memory view.
func (p *Parser) Physmem() *Physmem { return p.phys }

// PhysRead reads up to len(buf) bytes of physical memory; see
// Physmem.PhysRead.
func (p *Parser) PhysRead(gpa Gpa, buf []byte) (int, error) { return p.phys.PhysRead(gpa, buf) }

// PhysReadExact reads exactly len(buf) bytes of physical memory.
func (p *Parser) PhysReadExact(gpa Gpa, buf []byte) error { return p.phys.PhysReadExact(gpa, buf) }

// Translate resolves a guest virtual address to the physical address
// it maps to, per the captured page tables (spec.md §4.E).
func (p *Parser) Translate(gva Gva) (Gpa, error) { return p.mmu.translate(gva) }

// VirtRead reads up to len(buf) bytes of virtual memory; see
// Physmem.PhysRead for the short-read contract.
func (p *Parser) VirtRead(gva Gva, buf []byte) (int, error) { return p.mmu.VirtRead(gva, buf) }

// VirtReadExact reads exactly len(buf) bytes of virtual memory.
func (p *Parser) VirtReadExact(gva Gva, buf []byte) error { return p.mmu.VirtReadExact(gva, buf) }

// KernelModules enumerates the loaded kernel modules from
// PsLoadedModuleList. Per-entry failures are recorded in
// ModuleWarnings rather than aborting the walk.
func (p *Parser) KernelModules() ([]Module, error) {
	mods, err := KernelModules(p.mmu, NewGva(p.hdr.PsLoadedModuleList), p.logger)
	if _, ok := err.(*multierror.Error); !ok && err != nil {
		return nil, err
	}
	p.recordWarnings(err)
	return mods, nil
}

// UserModules enumerates, for every process reachable from
// PsActiveProcessHead, the modules loaded in that process, keyed by
// the process's _EPROCESS address.
func (p *Parser) UserModules() (map[Gva][]Module, error) {
	mods, err := UserModules(p.mmu, NewGva(p.hdr.PsActiveProcessHead), p.logger)
	if _, ok := err.(*multierror.Error); !ok && err != nil {
		return nil, err
	}
	p.recordWarnings(err)
	return mods, nil
}

func (p *Parser) recordWarnings(err error) {
	if err == nil {
		return
	}
	if me, ok := err.(*multierror.Error); ok {
		p.moduleWarnings = append(p.moduleWarnings, me.Errors...)
		return
	}
	p.moduleWarnings = append(p.moduleWarnings, err)
}

// ModuleWarnings returns every non-fatal failure accumulated by past
// calls to KernelModules/UserModules (spec.md §4.F best-effort walk).
func (p *Parser) ModuleWarnings() []error { return p.moduleWarnings }

// Close releases any resources this Parser owns. Safe to call more
// than once; a Parser built with NewFromSource has nothing to release
// unless the caller assigned one.
func (p *Parser) Close() error {
	if p.closer == nil {
		return nil
	}
	err := p.closer()
	p.closer = nil
	return err
}

// String renders a short human-readable summary (spec.md's facade is
// a debugging entry point as much as a programmatic one).
func (p *Parser) String() string {
	return fmt.Sprintf("kdmpparser.Parser{DumpType: %s, Pages: %d (%s), BugCheck: 0x%08x}",
		p.dtype, p.phys.Len(), humanize.Bytes(uint64(p.phys.Len())*PageSize), p.hdr.BugCheckCode)
}
