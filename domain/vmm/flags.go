package vmm

const (
	PageSize        = 4096
	EntriesPerTable = 1024

	// PDirSelfIndex is the directory slot that points back at the directory
	// itself, which maps every page table into one contiguous 4MiB window.
	PDirSelfIndex = 1

	// PageTableWindow is where that window starts in every address space.
	PageTableWindow = PDirSelfIndex * EntriesPerTable * PageSize

	// KernelSpaceEnd is the top of the identity-mapped kernel region.
	KernelSpaceEnd = EntriesPerTable * PageSize
)

// Page table entry attribute bits, as the MMU reads them.
const (
	PagePresent       uint32 = 1
	PageWrite         uint32 = 2
	PageUser          uint32 = 4
	PageWriteThrough  uint32 = 8
	PageCacheDisabled uint32 = 16
	PageAccessed      uint32 = 32
	PageLarge         uint32 = 128
	PageGlobal        uint32 = 256

	KernelData = PageWrite | PagePresent
	GlobalData = PageGlobal | PageWrite | PagePresent
	GlobalRO   = PageGlobal | PagePresent
	UserData   = PageUser | PageWrite | PagePresent

	// PageCOW tags a shared read-only page as copy-on-write. Cache-disable
	// is otherwise unused for ordinary memory so it doubles as the tag.
	PageCOW = PageCacheDisabled | PageUser | PagePresent
)

// Entry is one page directory or page table entry.
type Entry uint32

func (e Entry) Present() bool  { return uint32(e)&PagePresent != 0 }
func (e Entry) Writable() bool { return uint32(e)&PageWrite != 0 }
func (e Entry) User() bool     { return uint32(e)&PageUser != 0 }
func (e Entry) Global() bool   { return uint32(e)&PageGlobal != 0 }

// Frame is the physical address of the page the entry points at.
func (e Entry) Frame() uint32 { return uint32(e) &^ 0xFFF }

// Attrs is the low 12 bits of the entry.
func (e Entry) Attrs() uint32 { return uint32(e) & 0xFFF }

func PDEIndex(vaddr uint32) uint32 { return vaddr >> 22 }

// PTEIndex indexes the flattened page table array seen through the window.
func PTEIndex(vaddr uint32) uint32 { return vaddr >> 12 }

func pageAlign(v uint32) uint32   { return v &^ (PageSize - 1) }
func pageRoundUp(v uint32) uint32 { return (v + PageSize - 1) &^ (PageSize - 1) }
