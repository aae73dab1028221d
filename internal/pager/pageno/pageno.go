// Package pageno provides guest-physical page-number arithmetic shared
// by the directory, fault interceptor, and transport.
package pageno

import "github.com/orizon-lang/fabricmem/internal/pager/pagererr"

// Size is the fixed page size in bytes, 4 KiB everywhere in the core.
const Size = 4096

// Number indexes a 4 KiB page within the guest-physical address space.
type Number uint64

// FromAddress converts a faulting guest-virtual address to a page
// number relative to base, truncating to the page boundary.
func FromAddress(base, addr uintptr) Number {
	return Number((addr - base) / Size)
}

// Address returns the guest-virtual address of the start of page n
// relative to base.
func (n Number) Address(base uintptr) uintptr {
	return base + uintptr(n)*Size
}

// Space describes the bounds of the registered guest-physical region in
// page-number terms.
type Space struct {
	Base  uintptr
	Count Number
}

// NewSpace derives a Space from a byte length, rounding down to a whole
// number of pages.
func NewSpace(base uintptr, lenBytes uint64) Space {
	return Space{Base: base, Count: Number(lenBytes / Size)}
}

// Validate returns PageOutOfRange if n does not lie within the space.
func (s Space) Validate(n Number) error {
	if n >= s.Count {
		return pagererr.New(pagererr.PageOutOfRange,
			"page %d out of range [0,%d)", uint64(n), uint64(s.Count))
	}
	return nil
}
