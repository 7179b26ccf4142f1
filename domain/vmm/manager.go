package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
	"sync/atomic"

	"shipwreck/infra/atomics"
	"shipwreck/infra/memory"
)

var (
	ErrOutOfMemory    = errors.New("vmm: out of memory")
	ErrFatalPageFault = errors.New("vmm: unrecoverable page fault")
	ErrBadConfig      = errors.New("vmm: bad memory configuration")
)

// virtLimit is the add-with-limit sentinel for the virtual bump pointer.
const virtLimit = ^uint32(0)

// maxBumpPages is the largest request a bump pointer can take without the
// byte size overflowing 32 bits.
const maxBumpPages = int(virtLimit / PageSize)

type Config struct {
	// PhysPages is the amount of simulated RAM in pages. It must exceed
	// the 1024 pages reserved for the kernel.
	PhysPages int
	// BootBase is the first free physical byte after the kernel image.
	// The first page table, the page directory and the allocator bitset
	// are placed there.
	BootBase uint32
}

func DefaultConfig() Config {
	return Config{PhysPages: 4096, BootBase: 0x100000}
}

// Manager owns physical pages and every address space built on them.
type Manager struct {
	mem   *PhysicalMemory
	pages *memory.BitAllocator
	rnd   memory.Prand
	log   *slog.Logger

	// serializes page table edits; address translation only reads
	mu sync.Mutex

	kernelDir uint32
	cr3       atomic.Uint32
	reloads   atomic.Uint64

	staticPtr   atomic.Uint32
	staticLimit uint32
	virtPtr     atomic.Uint32

	// scratch is a kernel address remapped to the destination frame while
	// a copy-on-write page is copied
	scratch   uint32
	cowCopies atomic.Uint64
}

// Boot lays out kernel memory the way the loader leaves it: page table 0
// and the page directory at BootBase, the allocator bitset right after,
// the low 4MiB reserved and identity mapped as global memory, and the
// virtual bump allocator starting above the page table window.
func Boot(cfg Config, log *slog.Logger) (*Manager, error) {
	if cfg.PhysPages <= EntriesPerTable {
		return nil, fmt.Errorf("%w: %d pages leaves nothing above the kernel", ErrBadConfig, cfg.PhysPages)
	}
	base := pageRoundUp(cfg.BootBase)
	bitsetBytes := uint32((cfg.PhysPages + 7) / 8)
	if base+2*PageSize+bitsetBytes >= KernelSpaceEnd {
		return nil, fmt.Errorf("%w: boot base %#x too high", ErrBadConfig, cfg.BootBase)
	}
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		mem:   NewPhysicalMemory(cfg.PhysPages),
		pages: memory.NewBitAllocator(cfg.PhysPages),
		log:   log,
	}

	table0 := base
	dir := base + PageSize
	bitset := base + 2*PageSize
	allocPtr := bitset + bitsetBytes

	first := bitset / PageSize
	last := (bitset + bitsetBytes + PageSize - 1) / PageSize
	m.pages.LockBitRange(int(first), int(last-first))

	// the low 4MiB belongs to the kernel
	m.pages.LockBitRange(0, EntriesPerTable)

	m.mem.ZeroPage(table0)
	m.mem.ZeroPage(dir)
	m.mem.WriteWord(dir, table0|GlobalData|PageUser)
	m.mem.WriteWord(dir+PDirSelfIndex*4, dir|KernelData)

	// everything placed so far is user-readable, the rest of the kernel
	// region is supervisor only
	userLimit := PTEIndex(allocPtr)
	for i := uint32(0); i < EntriesPerTable; i++ {
		attrs := GlobalData
		if i < userLimit {
			attrs |= PageUser
		}
		m.mem.WriteWord(table0+i*4, i*PageSize|attrs)
	}

	m.kernelDir = dir
	m.cr3.Store(dir)

	m.staticPtr.Store(pageRoundUp(allocPtr))
	m.staticLimit = PageTableWindow
	m.virtPtr.Store(PageTableWindow + EntriesPerTable*PageSize)

	m.scratch = m.StaticAllocPages(1)
	if m.scratch == 0 {
		return nil, fmt.Errorf("%w: no room for the copy page", ErrBadConfig)
	}

	log.Info("memory initialized",
		"phys_pages", cfg.PhysPages,
		"page_dir", fmt.Sprintf("%#x", dir),
		"static_heap", fmt.Sprintf("%#x", m.staticPtr.Load()),
		"free_pages", m.pages.FreeCount(),
	)
	return m, nil
}

func (m *Manager) Memory() *PhysicalMemory { return m.mem }

func (m *Manager) Pages() *memory.BitAllocator { return m.pages }

// KernelCR3 is the physical address of the kernel's page directory.
func (m *Manager) KernelCR3() uint32 { return m.kernelDir }

// Kernel returns the kernel address space.
func (m *Manager) Kernel() *AddressSpace { return m.Space(m.kernelDir) }

// Space returns a handle on the address space whose directory is at cr3.
func (m *Manager) Space(cr3 uint32) *AddressSpace {
	return &AddressSpace{m: m, cr3: cr3}
}

// CR3 is the currently loaded page directory.
func (m *Manager) CR3() uint32 { return m.cr3.Load() }

// LoadCR3 switches the active directory. It does nothing and returns false
// when cr3 is already loaded.
func (m *Manager) LoadCR3(cr3 uint32) bool {
	if m.cr3.Load() == cr3 {
		return false
	}
	m.cr3.Store(cr3)
	m.reloads.Add(1)
	return true
}

func (m *Manager) CR3Reloads() uint64 { return m.reloads.Load() }

// ScratchPage is the kernel address used for copy-on-write copies.
func (m *Manager) ScratchPage() uint32 { return m.scratch }

// ---------------- Physical ----------------

func (m *Manager) startBlock() int {
	n := uint32(m.pages.Blocks())
	if n > 256 {
		n = 256
	}
	return int(m.rnd.Next() % n)
}

// PhysAllocPage claims one free page and returns its zeroed frame, or 0
// when memory is exhausted. Frame 0 is kernel memory so 0 is never valid.
func (m *Manager) PhysAllocPage() uint32 {
	idx, blk, ok := m.pages.LockNextBlock(m.startBlock())
	if !ok {
		return 0
	}
	bit := uint32(bits.TrailingZeros32(^blk))
	m.pages.UnlockBlock(blk|1<<bit, idx)

	frame := uint32(idx*32+int(bit)) * PageSize
	m.mem.ZeroPage(frame)
	return frame
}

// PhysFreePage returns a frame to the allocator.
func (m *Manager) PhysFreePage(frame uint32) {
	m.pages.UnlockBit(int(frame / PageSize))
}

// StaticAllocPages bumps the early-boot kernel heap. It returns 0 once the
// heap runs into the page table window.
func (m *Manager) StaticAllocPages(n int) uint32 {
	if n <= 0 || n > maxBumpPages {
		return 0
	}
	old := atomics.AddLimit(&m.staticPtr, uint32(n)*PageSize, m.staticLimit)
	if old == m.staticLimit {
		return 0
	}
	return old
}

// NextVirtualPages reserves n pages of virtual address space, shared by
// every process. It returns 0 on exhaustion.
func (m *Manager) NextVirtualPages(n int) uint32 {
	if n <= 0 || n > maxBumpPages {
		return 0
	}
	old := atomics.AddLimit(&m.virtPtr, uint32(n)*PageSize, virtLimit)
	if old == virtLimit {
		return 0
	}
	return old
}

// ---------------- Address spaces ----------------

// NewAddressSpace builds a page directory that shares every global kernel
// mapping and maps its own tables through the self-map slot.
func (m *Manager) NewAddressSpace() (uint32, error) {
	dir := m.PhysAllocPage()
	if dir == 0 {
		return 0, fmt.Errorf("%w: page directory", ErrOutOfMemory)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := uint32(0); i < EntriesPerTable; i++ {
		e := Entry(m.mem.ReadWord(m.kernelDir + i*4))
		if e.Global() {
			m.mem.WriteWord(dir+i*4, uint32(e))
		}
	}
	m.mem.WriteWord(dir+PDirSelfIndex*4, dir|KernelData)
	return dir, nil
}

// ---------------- Stats ----------------

type Stats struct {
	FreePages  int
	StaticPtr  uint32
	VirtPtr    uint32
	CR3        uint32
	CR3Reloads uint64
	COWCopies  uint64
}

func (m *Manager) Stats() Stats {
	return Stats{
		FreePages:  m.pages.FreeCount(),
		StaticPtr:  m.staticPtr.Load(),
		VirtPtr:    m.virtPtr.Load(),
		CR3:        m.cr3.Load(),
		CR3Reloads: m.reloads.Load(),
		COWCopies:  m.cowCopies.Load(),
	}
}
