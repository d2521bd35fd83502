// Package boothandoff describes the structure an external bootloader
// supplies to the kernel at entry (§6 of the design). It replaces the
// teacher's multiboot2-tag-stream parser: Oro's handoff protocol is a flat
// C-ABI struct rather than a tagged stream, but the shape of the package --
// a MemoryMap visitor plus typed descriptors for modules and an optional
// framebuffer -- follows the teacher's multiboot package closely.
package boothandoff

import (
	"oro/kernel/mm"

	"github.com/google/uuid"
)

// MemType is the memory-map entry type reported by the bootloader. The
// numeric values are part of the stable handoff ABI (§6) and must not be
// renumbered.
type MemType uint8

const (
	// MemUsable is free, general-purpose RAM.
	MemUsable MemType = 0
	// MemBadRAM is RAM reported as faulty by the firmware/bootloader.
	MemBadRAM MemType = 1
	// MemReclaimable is bootloader/firmware RAM that can be reclaimed
	// once the kernel has consumed it (e.g. ACPI tables).
	MemReclaimable MemType = 2
	// MemReserved is memory the kernel must never touch.
	MemReserved MemType = 3
	// MemBootloader is memory still owned by the bootloader.
	MemBootloader MemType = 4
	// MemKernel is memory occupied by the running kernel image.
	MemKernel MemType = 5
)

// String returns a human-readable label, mirroring the teacher's
// multiboot.MemoryType.String() diagnostic helper.
func (t MemType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemBadRAM:
		return "bad-ram"
	case MemReclaimable:
		return "reclaimable"
	case MemReserved:
		return "reserved"
	case MemBootloader:
		return "bootloader"
	case MemKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes one contiguous physical memory region reported by
// the bootloader.
type MemoryMapEntry struct {
	Base   mm.Phys
	Length mm.Size
	Type   MemType
}

// End returns the address one past the end of this region.
func (e MemoryMapEntry) End() mm.Phys { return e.Base + mm.Phys(e.Length) }

// ModuleDescriptor describes a loadable Module image found by the
// bootloader (§3 "Module": an immutable, content-addressed ELF image
// identified by a 128-bit ID).
type ModuleDescriptor struct {
	ID     uuid.UUID
	Base   mm.Phys
	Length mm.Size
}

// FramebufferFormat enumerates the pixel layouts the optional boot-time
// video buffer (§4.6) may be handed to the kernel in.
type FramebufferFormat uint8

const (
	// FramebufferRGB is a packed RGB pixel format.
	FramebufferRGB FramebufferFormat = iota
	// FramebufferBGR is a packed BGR pixel format.
	FramebufferBGR
)

// Framebuffer describes the optional single root-ring framebuffer handoff
// (§4.6, §6).
type Framebuffer struct {
	Base   mm.Phys
	Pitch  uint32
	Width  uint32
	Height uint32
	Format FramebufferFormat
}

// Info is the complete structure handed to the kernel at boot (§6).
type Info struct {
	LinearMapOffset mm.Virt
	MemoryMap       []MemoryMapEntry
	Modules         []ModuleDescriptor
	Framebuffer     *Framebuffer
}

// VisitUsable calls fn for every Usable memory-map entry, in the order they
// were reported by the bootloader. Returning false from fn stops the visit
// early, mirroring the teacher's multiboot.VisitMemRegions early-exit
// convention.
func (info *Info) VisitUsable(fn func(*MemoryMapEntry) bool) {
	for i := range info.MemoryMap {
		if info.MemoryMap[i].Type != MemUsable {
			continue
		}
		if !fn(&info.MemoryMap[i]) {
			return
		}
	}
}

// TotalUsable returns the sum of all Usable region lengths.
func (info *Info) TotalUsable() mm.Size {
	var total mm.Size
	info.VisitUsable(func(e *MemoryMapEntry) bool {
		total += e.Length
		return true
	})
	return total
}

// LinearMap builds the mm.LinearMap this handoff's offset describes.
func (info *Info) LinearMap() mm.LinearMap {
	return mm.NewLinearMap(info.LinearMapOffset)
}
