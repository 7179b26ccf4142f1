package vmm

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Boot(Config{PhysPages: 2048, BootBase: 0x100000}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	return m
}

func TestBoot_Layout(t *testing.T) {
	m := newTestManager(t)
	k := m.Kernel()

	if m.KernelCR3() != 0x101000 {
		t.Fatalf("expected page directory at 0x101000, got %#x", m.KernelCR3())
	}
	if self := k.PDE(PageTableWindow); self.Frame() != m.KernelCR3() {
		t.Fatalf("self-map entry points at %#x", self.Frame())
	}

	// kernel region is identity mapped
	for _, v := range []uint32{0x1000, 0x100000, 0x3FF000} {
		if p := k.Physical(v); p != v {
			t.Fatalf("vaddr %#x maps to %#x", v, p)
		}
	}

	// the whole kernel region is reserved
	for i := 0; i < EntriesPerTable; i++ {
		if !m.Pages().IsSet(i) {
			t.Fatalf("kernel page %d not reserved", i)
		}
	}
	if m.Pages().FreeCount() != 2048-EntriesPerTable {
		t.Errorf("expected %d free pages, got %d", 2048-EntriesPerTable, m.Pages().FreeCount())
	}

	if m.ScratchPage() < 0x102000 || m.ScratchPage() >= KernelSpaceEnd {
		t.Errorf("scratch page %#x outside the static heap", m.ScratchPage())
	}
}

func TestBoot_RejectsTinyMemory(t *testing.T) {
	_, err := Boot(Config{PhysPages: 512}, nil)
	if !errors.Is(err, ErrBadConfig) {
		t.Fatalf("expected ErrBadConfig, got %v", err)
	}
}

func TestSelfMapMatchesDirectWalk(t *testing.T) {
	m := newTestManager(t)
	k := m.Kernel()

	v := k.VirtAllocPages(3, UserData)
	if v == 0 {
		t.Fatal("allocation failed")
	}
	for i := uint32(0); i < 3; i++ {
		addr, ok := k.pteAddr(v + i*PageSize)
		if !ok {
			t.Fatal("no page table after allocation")
		}
		direct := Entry(m.mem.ReadWord(addr))
		if k.PTE(v+i*PageSize) != direct {
			t.Fatalf("window read %#x, direct walk %#x", k.PTE(v+i*PageSize), direct)
		}
	}
}

func TestVirtAllocPages_MapsDistinctFrames(t *testing.T) {
	m := newTestManager(t)
	k := m.Kernel()

	v := k.VirtAllocPages(40, UserData)
	if v != PageTableWindow+EntriesPerTable*PageSize {
		t.Fatalf("expected first allocation at 8MiB, got %#x", v)
	}

	seen := make(map[uint32]bool)
	for i := uint32(0); i < 40; i++ {
		p := k.Physical(v + i*PageSize)
		if p < KernelSpaceEnd {
			t.Fatalf("page %d mapped into kernel memory at %#x", i, p)
		}
		if seen[p] {
			t.Fatalf("frame %#x mapped twice", p)
		}
		seen[p] = true
		if k.PTE(v+i*PageSize).Attrs() != UserData {
			t.Fatalf("page %d has attrs %#x", i, k.PTE(v+i*PageSize).Attrs())
		}
	}

	if err := k.StoreWord(v+39*PageSize+8, 0xCAFEBABE, UserMode); err != nil {
		t.Fatalf("user store: %v", err)
	}
	if w, _ := k.LoadWord(v+39*PageSize+8, UserMode); w != 0xCAFEBABE {
		t.Fatalf("read back %#x", w)
	}
}

func TestVirtAllocPages_ExhaustionRollsBack(t *testing.T) {
	m := newTestManager(t)
	k := m.Kernel()

	free := m.Pages().FreeCount()
	if v := k.VirtAllocPages(free+10, UserData); v != 0 {
		t.Fatalf("expected failure, got %#x", v)
	}
	// page tables allocated along the way stay, data pages come back
	if got := m.Pages().FreeCount(); got < free-4 {
		t.Fatalf("rollback leaked pages: %d free before, %d after", free, got)
	}
}

func TestNextVirtualPages_HugeRequest(t *testing.T) {
	m := newTestManager(t)
	start := m.virtPtr.Load()

	for _, n := range []int{0x100000, 0x100000, 1 << 30, maxBumpPages} {
		if v := m.NextVirtualPages(n); v != 0 {
			t.Fatalf("NextVirtualPages(%#x) = %#x", n, v)
		}
	}
	if m.virtPtr.Load() != start {
		t.Fatalf("pointer moved to %#x", m.virtPtr.Load())
	}

	a, b := m.NextVirtualPages(1), m.NextVirtualPages(1)
	if a != start || b != start+PageSize {
		t.Fatalf("got %#x then %#x", a, b)
	}
	if m.StaticAllocPages(0x100000) != 0 {
		t.Fatal("static heap took a request that overflows")
	}
}

func TestVirtAllocPages_LargerThanMemory(t *testing.T) {
	m := newTestManager(t)
	k := m.Kernel()
	free := m.Pages().FreeCount()
	start := m.virtPtr.Load()

	if v := k.VirtAllocPages(m.Pages().Capacity()+1, UserData); v != 0 {
		t.Fatalf("expected failure, got %#x", v)
	}
	if m.virtPtr.Load() != start || m.Pages().FreeCount() != free {
		t.Fatal("a request that can never fit reserved resources")
	}
	if k.VirtAllocPagesAt(1<<30, 0x4000_0000, UserData) != 0 {
		t.Fatal("huge fixed allocation succeeded")
	}
}

func TestStaticAllocPages_Bounded(t *testing.T) {
	m := newTestManager(t)

	count := 0
	for m.StaticAllocPages(1) != 0 {
		count++
	}
	if m.StaticAllocPages(1) != 0 {
		t.Fatal("static heap grew past its limit")
	}
	if m.staticPtr.Load() > m.staticLimit {
		t.Fatalf("static pointer %#x past limit", m.staticPtr.Load())
	}
	if count == 0 {
		t.Fatal("static heap was empty")
	}
}

func TestTranslate_Protection(t *testing.T) {
	m := newTestManager(t)
	k := m.Kernel()

	kv := k.VirtAllocPage(KernelData)
	_, err := k.Translate(kv, false, UserMode)
	var pf *PageFault
	if !errors.As(err, &pf) || pf.Code != FaultPresent|FaultUser {
		t.Fatalf("expected user protection fault, got %v", err)
	}
	if _, err := k.Translate(kv, true, Supervisor); err != nil {
		t.Fatalf("supervisor write failed: %v", err)
	}

	_, err = k.Translate(0x40000000, true, UserMode)
	if !errors.As(err, &pf) || pf.Code != FaultWrite|FaultUser {
		t.Fatalf("expected not-present fault, got %v", err)
	}
	if err := m.HandlePageFault(pf); !errors.Is(err, ErrFatalPageFault) {
		t.Fatalf("non-COW fault must be fatal, got %v", err)
	}
}

func TestNewAddressSpace_SharesGlobalOnly(t *testing.T) {
	m := newTestManager(t)
	k := m.Kernel()
	private := k.VirtAllocPage(UserData)

	cr3, err := m.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	s := m.Space(cr3)

	if s.Physical(0x1000) != 0x1000 {
		t.Error("kernel region not shared")
	}
	if s.Physical(private) != 0 {
		t.Error("private kernel-space mapping leaked into new address space")
	}
	if s.PDE(PageTableWindow).Frame() != cr3 {
		t.Error("new directory does not map itself")
	}
}

func TestCopyOnWrite_Transparency(t *testing.T) {
	m := newTestManager(t)

	aCR3, _ := m.NewAddressSpace()
	bCR3, _ := m.NewAddressSpace()
	a, b := m.Space(aCR3), m.Space(bCR3)

	v := a.VirtAllocPage(UserData)
	content := bytes.Repeat([]byte("shipwreck"), 500)[:PageSize]
	if err := a.Store(v, content, UserMode); err != nil {
		t.Fatal(err)
	}
	shared := a.Physical(v)

	if n, err := m.ShareCOW(a, b, v, 1); err != nil || n != 1 {
		t.Fatalf("share: n=%d err=%v", n, err)
	}

	// write from b faults, gets resolved, then succeeds
	err := b.StoreWord(v, 0x11111111, UserMode)
	var pf *PageFault
	if !errors.As(err, &pf) || pf.Code != FaultCOW {
		t.Fatalf("expected COW fault, got %v", err)
	}
	if err := m.HandlePageFault(pf); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if b.Physical(v) == shared {
		t.Fatal("b still maps the shared frame")
	}
	if a.Physical(v) != shared {
		t.Fatal("a's mapping changed")
	}
	if !b.PTE(v).Writable() {
		t.Fatal("b's copy is not writable")
	}

	got := make([]byte, PageSize)
	if err := b.Load(v, got, UserMode); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("copy content differs from original")
	}

	if err := b.StoreWord(v, 0x11111111, UserMode); err != nil {
		t.Fatalf("store after COW: %v", err)
	}
	if w, _ := a.LoadWord(v, UserMode); w == 0x11111111 {
		t.Fatal("b's write leaked into a")
	}

	// a's side still faults and gets its own copy
	err = a.StoreWord(v, 0x22222222, UserMode)
	if !errors.As(err, &pf) {
		t.Fatalf("expected COW fault on a, got %v", err)
	}
	if err := m.HandlePageFault(pf); err != nil {
		t.Fatal(err)
	}
	if a.Physical(v) == shared || a.Physical(v) == b.Physical(v) {
		t.Fatal("a did not get a private copy")
	}
	if m.Stats().COWCopies != 2 {
		t.Errorf("expected 2 copies, got %d", m.Stats().COWCopies)
	}
}

func TestLoadCR3_OnlyOnChange(t *testing.T) {
	m := newTestManager(t)
	if m.LoadCR3(m.KernelCR3()) {
		t.Fatal("reloading the same directory counted as a switch")
	}
	cr3, _ := m.NewAddressSpace()
	if !m.LoadCR3(cr3) || m.CR3Reloads() != 1 {
		t.Fatal("switch not recorded")
	}
}
