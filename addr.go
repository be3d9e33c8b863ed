package kdmpparser

import "fmt"

// Gpa is a guest physical address (spec.md §3).
type Gpa uint64

// NewGpa wraps a raw 64-bit value as a Gpa.
func NewGpa(v uint64) Gpa { return Gpa(v) }

// Page returns the page number (gpa >> 12).
func (g Gpa) Page() uint64 { return uint64(g) >> pageShift }

// Offset returns the in-page offset (gpa & 0xFFF).
func (g Gpa) Offset() uint64 { return uint64(g) & pageMask }

// PageAlign returns the page-aligned GPA this address falls within.
func (g Gpa) PageAlign() Gpa { return Gpa(uint64(g) &^ pageMask) }

// Add returns the GPA offset by delta bytes.
func (g Gpa) Add(delta uint64) Gpa { return Gpa(uint64(g) + delta) }

func (g Gpa) String() string { return fmt.Sprintf("0x%x", uint64(g)) }

// Gva is a guest virtual address (spec.md §3). Indexing follows
// standard x86-64 4-level paging: PML4=[47:39], PDPT=[38:30],
// PD=[29:21], PT=[20:12], offset=[11:0].
type Gva uint64

// NewGva wraps a raw 64-bit value as a Gva.
func NewGva(v uint64) Gva { return Gva(v) }

func (v Gva) Pml4Index() uint64 { return (uint64(v) >> 39) & 0x1FF }
func (v Gva) PdptIndex() uint64 { return (uint64(v) >> 30) & 0x1FF }
func (v Gva) PdIndex() uint64   { return (uint64(v) >> 21) & 0x1FF }
func (v Gva) PtIndex() uint64   { return (uint64(v) >> 12) & 0x1FF }
func (v Gva) Offset() uint64    { return uint64(v) & pageMask }

// PageAlign returns the page-aligned GVA this address falls within.
func (v Gva) PageAlign() Gva { return Gva(uint64(v) &^ pageMask) }

// Add returns the GVA offset by delta bytes.
func (v Gva) Add(delta uint64) Gva { return Gva(uint64(v) + delta) }

func (v Gva) String() string { return fmt.Sprintf("0x%x", uint64(v)) }

// AddrRange is a half-open [Start, End) range of guest virtual
// addresses, used to describe a loaded module's image.
type AddrRange struct {
	Start Gva
	End   Gva
}

func (r AddrRange) Len() uint64 { return uint64(r.End) - uint64(r.Start) }

func (r AddrRange) Contains(v Gva) bool { return v >= r.Start && v < r.End }
