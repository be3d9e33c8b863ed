package kdmpparser

import "sort"

// pageEntry is one page-aligned GPA and the file offset its bytes
// live at.
type pageEntry struct {
	gpa    Gpa
	offset int64
}

// pageIndex is the uniform GPA -> file-offset mapping spec.md §4.D
// asks for: "implementation-neutral: B-tree, sorted vector with
// binary search, or a two-level array are all acceptable", with
// O(log n) containment/lookup. This package uses a sorted slice plus
// binary search. Every dump variant's builder (physmem_full.go,
// physmem_bitmap.go) produces one of these; the variant-specific
// logic lives entirely in the builder, not here (spec.md §9: "enum
// dispatch, not subclassing").
type pageIndex struct {
	entries []pageEntry // sorted by gpa, unique keys
}

func newPageIndex(entries []pageEntry) *pageIndex {
	sort.Slice(entries, func(i, j int) bool { return entries[i].gpa < entries[j].gpa })
	return &pageIndex{entries: entries}
}

// Len reports the number of present pages.
func (p *pageIndex) Len() int { return len(p.entries) }

// lookup returns the file offset for a page-aligned gpa.
func (p *pageIndex) lookup(gpa Gpa) (int64, bool) {
	i := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].gpa >= gpa })
	if i < len(p.entries) && p.entries[i].gpa == gpa {
		return p.entries[i].offset, true
	}
	return 0, false
}

// contains reports whether a page-aligned gpa is present in the dump.
func (p *pageIndex) contains(gpa Gpa) bool {
	_, ok := p.lookup(gpa)
	return ok
}

// Pages returns the sorted list of present page-aligned GPAs.
func (p *pageIndex) Pages() []Gpa {
	out := make([]Gpa, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.gpa
	}
	return out
}

// Physmem is the physical-memory view the facade exposes: a
// length-queryable, iterable map from page-aligned GPA to the page's
// bytes, plus range reads (spec.md §4.D/§4.G).
type Physmem struct {
	index *pageIndex
	src   ByteSource
}

// Len returns the number of pages present in the dump.
func (m *Physmem) Len() int { return m.index.Len() }

// Pages returns the sorted list of present page-aligned GPAs.
func (m *Physmem) Pages() []Gpa { return m.index.Pages() }

// Contains reports whether the page containing gpa is present.
func (m *Physmem) Contains(gpa Gpa) bool { return m.index.contains(gpa.PageAlign()) }

// PhysRead reads up to len(buf) bytes starting at gpa, stopping at the
// first page not present in the dump. It returns the number of bytes
// actually copied and, if that is fewer than len(buf), a
// PhysReadOutOfBounds error identifying the missing page (spec.md
// §4.D). A zero-length read is always a no-op success.
func (m *Physmem) PhysRead(gpa Gpa, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		cur := gpa.Add(uint64(total))
		page := cur.PageAlign()
		off, ok := m.index.lookup(page)
		if !ok {
			return total, errPhysReadOutOfBounds(cur)
		}
		inPage := int(cur.Offset())
		n := PageSize - inPage
		if remaining := len(buf) - total; n > remaining {
			n = remaining
		}
		if err := readAtFull(m.src, buf[total:total+n], off+int64(inPage)); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// PhysReadExact reads exactly len(buf) bytes, or returns
// PartialPhysRead.
func (m *Physmem) PhysReadExact(gpa Gpa, buf []byte) error {
	n, err := m.PhysRead(gpa, buf)
	if n == len(buf) {
		return nil
	}
	if err != nil {
		return err
	}
	return errPartialPhysRead()
}
