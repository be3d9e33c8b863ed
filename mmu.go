package kdmpparser

// mmu performs the software 4-level GVA->GPA translation spec.md
// §4.E describes, reading page-table pages out of the dump's own
// physical-memory view (mirroring real hardware: page tables are just
// more physical pages). It has no state of its own beyond the
// physical memory it reads through and the CR3 value the dump's
// header carries.
type mmu struct {
	phys *Physmem
	cr3  Gpa
}

func newMmu(phys *Physmem, directoryTableBase uint64) *mmu {
	// DirectoryTableBase carries PCID bits in the low 12 in some
	// configurations; the table base itself is always page-aligned.
	return &mmu{phys: phys, cr3: NewGpa(directoryTableBase).PageAlign()}
}

// readPte reads the 8-byte entry at index idx within the page-table
// page located at tableGpa.
func (m *mmu) readPte(tableGpa Gpa, idx uint64) (Pte, error) {
	var buf [8]byte
	if err := m.phys.PhysReadExact(tableGpa.Add(idx*8), buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return Pte(v), nil
}

// translate walks PML4 -> PDPT -> PD -> PT for gva and returns the
// physical address it resolves to. Large pages (1GiB at the PDPTE
// level, 2MiB at the PDE level) short-circuit the walk one level
// early. PML4E, PDPTE and PDE entries must be present; only the final
// PTE may instead be a transition PTE that is not a prototype PTE.
// Any other entry fails with an AddrTranslation(Virt) error (spec.md
// §4.E, §8 invariant 5).
func (m *mmu) translate(gva Gva) (Gpa, error) {
	pml4e, err := m.readPte(m.cr3, gva.Pml4Index())
	if err != nil || !pml4e.Present() {
		return 0, errAddrTranslationVirt(gva)
	}

	pdptTable := Gpa(pml4e.Pfn() << pageShift)
	pdpte, err := m.readPte(pdptTable, gva.PdptIndex())
	if err != nil || !pdpte.Present() {
		return 0, errAddrTranslationVirt(gva)
	}
	if pdpte.LargePage() {
		// 1GiB page: PFN field covers bits [51:30], low 30 bits come
		// from the virtual address.
		base := uint64(pdpte) & 0x000F_FFFF_C000_0000
		return m.resolved(gva, NewGpa(base|(uint64(gva)&0x3FFF_FFFF)))
	}

	pdTable := Gpa(pdpte.Pfn() << pageShift)
	pde, err := m.readPte(pdTable, gva.PdIndex())
	if err != nil || !pde.Present() {
		return 0, errAddrTranslationVirt(gva)
	}
	if pde.LargePage() {
		// 2MiB page: PFN field covers bits [51:21].
		base := uint64(pde) & 0x000F_FFFF_FFE0_0000
		return m.resolved(gva, NewGpa(base|(uint64(gva)&0x1F_FFFF)))
	}

	ptTable := Gpa(pde.Pfn() << pageShift)
	pte, err := m.readPte(ptTable, gva.PtIndex())
	if err != nil || !pte.readable() {
		return 0, errAddrTranslationVirt(gva)
	}

	return m.resolved(gva, NewGpa(pte.Pfn()<<pageShift|uint64(gva.Offset())))
}

// resolved checks that a page table walk's resolved GPA is actually
// backed by a captured page, distinguishing the "not mapped at all"
// failure (AddrVirt) from "mapped, but the dump never captured that
// physical page" (AddrPhys) per spec.md §4.E/§8 invariant 5. The
// error carries gpa with its in-page offset intact (spec.md §7: "gpa
// is the resolved physical address including the in-page offset").
func (m *mmu) resolved(gva Gva, gpa Gpa) (Gpa, error) {
	if !m.phys.Contains(gpa) {
		return 0, errAddrTranslationPhys(gpa)
	}
	return gpa, nil
}

// VirtRead reads up to len(buf) bytes of guest virtual memory starting
// at gva, stopping at the first page that fails translation or
// physical lookup. It mirrors Physmem.PhysRead's partial-read contract
// (spec.md §4.E/§4.G).
func (m *mmu) VirtRead(gva Gva, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		cur := gva.Add(uint64(total))
		gpa, err := m.translate(cur)
		if err != nil {
			return total, err
		}
		inPage := int(cur.Offset())
		n := PageSize - inPage
		if remaining := len(buf) - total; n > remaining {
			n = remaining
		}
		if err := m.phys.PhysReadExact(gpa, buf[total:total+n]); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// VirtReadExact reads exactly len(buf) bytes, or returns
// PartialVirtRead.
func (m *mmu) VirtReadExact(gva Gva, buf []byte) error {
	n, err := m.VirtRead(gva, buf)
	if n == len(buf) {
		return nil
	}
	if err != nil {
		return err
	}
	return errPartialVirtRead()
}
