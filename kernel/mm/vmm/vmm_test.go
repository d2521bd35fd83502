package vmm

import (
	"testing"

	"oro/kernel/boothandoff"
	"oro/kernel/mm"
	"oro/kernel/mm/pfa"
)

func newTestSpace(t *testing.T) (*AddressSpace, *pfa.Allocator) {
	t.Helper()
	info := &boothandoff.Info{
		MemoryMap: []boothandoff.MemoryMapEntry{
			{Base: 0, Length: 4 * mm.Mb, Type: boothandoff.MemUsable},
		},
	}
	alloc, err := pfa.New(info)
	if err != nil {
		t.Fatalf("pfa.New: %v", err)
	}
	t.Cleanup(func() { _ = alloc.Close() })

	return NewEmpty(alloc, NewKernelHalf()), alloc
}

func TestMapUnmapTranslateRoundTrip(t *testing.T) {
	as, alloc := newTestSpace(t)

	frameAddr, err := alloc.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	frame := frameAddr.Frame()
	page := mm.Page(1)

	if err := as.Map(page, frame, FlagRW); err != nil {
		t.Fatalf("map: %v", err)
	}

	gotFrame, flags, err := as.Translate(page)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if gotFrame != frame {
		t.Fatalf("expected frame %v; got %v", frame, gotFrame)
	}
	if flags&FlagPresent == 0 || flags&FlagRW == 0 {
		t.Fatalf("expected Present|RW flags; got %v", flags)
	}

	if err := as.Unmap(page); err != nil {
		t.Fatalf("unmap: %v", err)
	}

	if _, _, err := as.Translate(page); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping after unmap; got %v", err)
	}
}

func TestMapRejectsDuplicateMapping(t *testing.T) {
	as, alloc := newTestSpace(t)
	frameAddr, _ := alloc.Alloc()

	if err := as.Map(mm.Page(1), frameAddr.Frame(), FlagRW); err != nil {
		t.Fatalf("first map: %v", err)
	}
	if err := as.Map(mm.Page(1), frameAddr.Frame(), FlagRW); err == nil {
		t.Fatal("expected second map of the same page to fail")
	}
}

func TestUnmapUnknownPageFails(t *testing.T) {
	as, _ := newTestSpace(t)
	if err := as.Unmap(mm.Page(42)); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

func TestKernelHalfSharedAcrossAddressSpaces(t *testing.T) {
	info := &boothandoff.Info{
		MemoryMap: []boothandoff.MemoryMapEntry{
			{Base: 0, Length: 4 * mm.Mb, Type: boothandoff.MemUsable},
		},
	}
	alloc, err := pfa.New(info)
	if err != nil {
		t.Fatalf("pfa.New: %v", err)
	}
	defer alloc.Close()

	shared := NewKernelHalf()
	kernelFrame, _ := alloc.Alloc()
	kernelPage := mm.Page(1 << 20)
	shared.Map(kernelPage, kernelFrame.Frame(), FlagRW)

	spaceA := NewEmpty(alloc, shared)
	spaceB := NewEmpty(alloc, shared)

	for _, as := range []*AddressSpace{spaceA, spaceB} {
		frame, _, err := as.Translate(kernelPage)
		if err != nil {
			t.Fatalf("translate kernel page: %v", err)
		}
		if frame != kernelFrame.Frame() {
			t.Fatalf("expected shared kernel frame %v; got %v", kernelFrame.Frame(), frame)
		}
	}

	// Dropping one address space must never touch the shared kernel entry.
	if err := spaceA.Drop(); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, _, err := spaceB.Translate(kernelPage); err != nil {
		t.Fatalf("kernel mapping vanished after sibling drop: %v", err)
	}
}

func TestCloneSharesFramesCopyOnWrite(t *testing.T) {
	as, alloc := newTestSpace(t)
	frameAddr, _ := alloc.Alloc()
	page := mm.Page(3)

	if err := as.Map(page, frameAddr.Frame(), FlagRW); err != nil {
		t.Fatalf("map: %v", err)
	}

	child, err := as.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	for _, space := range []*AddressSpace{as, child} {
		frame, flags, err := space.Translate(page)
		if err != nil {
			t.Fatalf("translate: %v", err)
		}
		if frame != frameAddr.Frame() {
			t.Fatalf("expected shared frame %v; got %v", frameAddr.Frame(), frame)
		}
		if flags&FlagRW != 0 {
			t.Fatal("expected RW to be cleared after clone")
		}
		if flags&FlagCopyOnWrite == 0 {
			t.Fatal("expected CopyOnWrite to be set after clone")
		}
	}
}

func TestHandleFaultSplitsFrameOnWrite(t *testing.T) {
	as, alloc := newTestSpace(t)
	frameAddr, _ := alloc.Alloc()
	page := mm.Page(7)
	as.Map(page, frameAddr.Frame(), FlagRW)

	child, err := as.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	if err := child.HandleFault(page.Address(), true); err != nil {
		t.Fatalf("handle fault: %v", err)
	}

	parentFrame, parentFlags, _ := as.Translate(page)
	childFrame, childFlags, _ := child.Translate(page)

	if parentFrame == childFrame {
		t.Fatal("expected child to get a distinct frame after CoW fault")
	}
	if childFlags&FlagRW == 0 || childFlags&FlagCopyOnWrite != 0 {
		t.Fatalf("expected child mapping to be RW and CoW-cleared; got %v", childFlags)
	}
	if parentFlags&FlagCopyOnWrite == 0 {
		t.Fatalf("expected parent mapping to remain CoW until its own fault; got %v", parentFlags)
	}
}

func TestHandleFaultRejectsNonCoWPage(t *testing.T) {
	as, alloc := newTestSpace(t)
	frameAddr, _ := alloc.Alloc()
	page := mm.Page(9)
	as.Map(page, frameAddr.Frame(), FlagRW)

	if err := as.HandleFault(page.Address(), true); err == nil {
		t.Fatal("expected fault against a plain RW page to be unrecoverable")
	}
}

func TestDropFreesExclusivelyOwnedFrames(t *testing.T) {
	as, alloc := newTestSpace(t)
	frameAddr, err := alloc.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	as.Map(mm.Page(1), frameAddr.Frame(), FlagRW)

	statsBefore := alloc.Stats()
	if err := as.Drop(); err != nil {
		t.Fatalf("drop: %v", err)
	}
	statsAfter := alloc.Stats()

	if statsAfter.FreeFrames != statsBefore.FreeFrames+1 {
		t.Fatalf("expected drop to free exactly one frame; free count %d -> %d", statsBefore.FreeFrames, statsAfter.FreeFrames)
	}
	if as.MappedPageCount() != 0 {
		t.Fatal("expected no mapped pages after drop")
	}
}

func TestDropOfClonedSpaceDoesNotFreeSiblingsFrame(t *testing.T) {
	as, alloc := newTestSpace(t)
	alloc.DebugDoubleFree = true
	frameAddr, _ := alloc.Alloc()
	as.Map(mm.Page(1), frameAddr.Frame(), FlagRW)

	child, err := as.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	if err := child.Drop(); err != nil {
		t.Fatalf("drop child: %v", err)
	}

	frame, _, err := as.Translate(mm.Page(1))
	if err != nil {
		t.Fatalf("parent lost its mapping after sibling drop: %v", err)
	}
	if frame != frameAddr.Frame() {
		t.Fatalf("expected parent to still see frame %v; got %v", frameAddr.Frame(), frame)
	}

	if err := alloc.Free(frameAddr); err != nil {
		t.Fatalf("expected frame to still be allocated while parent holds it; got %v", err)
	}
}
