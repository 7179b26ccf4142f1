package vmm

import (
	"encoding/binary"
	"fmt"
)

// Mode is the privilege level of a memory access.
type Mode uint8

const (
	Supervisor Mode = iota
	UserMode
)

// AddressSpace is a page directory plus the MMU rules for walking it.
// It is a cheap handle: two AddressSpace values with the same CR3 are the
// same address space.
type AddressSpace struct {
	m   *Manager
	cr3 uint32
}

func (s *AddressSpace) CR3() uint32 { return s.cr3 }

// PDE reads the directory entry covering vaddr.
func (s *AddressSpace) PDE(vaddr uint32) Entry {
	return Entry(s.m.mem.ReadWord(s.cr3 + PDEIndex(vaddr)*4))
}

// PTE reads the page table entry for vaddr through the self-mapped table
// window, the same way kernel code does once paging is on. A missing page
// table reads as a zero entry.
func (s *AddressSpace) PTE(vaddr uint32) Entry {
	paddr, err := s.translate(pteWindowAddr(vaddr), false, Supervisor)
	if err != nil {
		return 0
	}
	return Entry(s.m.mem.ReadWord(paddr))
}

func pteWindowAddr(vaddr uint32) uint32 {
	return PageTableWindow + PTEIndex(vaddr)*4
}

// pteAddr locates the entry for vaddr by walking the directory directly.
func (s *AddressSpace) pteAddr(vaddr uint32) (uint32, bool) {
	pde := s.PDE(vaddr)
	if !pde.Present() {
		return 0, false
	}
	return pde.Frame() + ((vaddr>>12)&(EntriesPerTable-1))*4, true
}

// translate is the MMU. Supervisor accesses ignore the write and user bits;
// user accesses need both levels to allow them.
func (s *AddressSpace) translate(vaddr uint32, write bool, mode Mode) (uint32, error) {
	code := uint32(0)
	if write {
		code |= FaultWrite
	}
	if mode == UserMode {
		code |= FaultUser
	}
	fault := func(present bool) error {
		if present {
			code |= FaultPresent
		}
		return &PageFault{Addr: vaddr, Code: code, CR3: s.cr3}
	}

	pde := s.PDE(vaddr)
	if !pde.Present() {
		return 0, fault(false)
	}
	pte := Entry(s.m.mem.ReadWord(pde.Frame() + ((vaddr>>12)&(EntriesPerTable-1))*4))
	if !pte.Present() {
		return 0, fault(false)
	}
	if mode == UserMode {
		if !pde.User() || !pte.User() {
			return 0, fault(true)
		}
		if write && (!pde.Writable() || !pte.Writable()) {
			return 0, fault(true)
		}
	}
	return pte.Frame() | vaddr&(PageSize-1), nil
}

// Translate resolves vaddr for an access of the given kind. It returns a
// *PageFault when the MMU would trap.
func (s *AddressSpace) Translate(vaddr uint32, write bool, mode Mode) (uint32, error) {
	return s.translate(vaddr, write, mode)
}

// Physical returns the frame mapped at vaddr, or 0.
func (s *AddressSpace) Physical(vaddr uint32) uint32 {
	pte := s.PTE(vaddr)
	if !pte.Present() {
		return 0
	}
	return pte.Frame()
}

// EnsurePTE returns the physical address of the entry for vaddr, allocating
// the covering page table if the directory has none. New tables are always
// writable; protection is enforced by the leaf entry.
func (s *AddressSpace) EnsurePTE(vaddr, attrs uint32) (uint32, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.ensurePTE(vaddr, attrs)
}

func (s *AddressSpace) ensurePTE(vaddr, attrs uint32) (uint32, error) {
	if addr, ok := s.pteAddr(vaddr); ok {
		return addr, nil
	}
	table := s.m.PhysAllocPage()
	if table == 0 {
		return 0, fmt.Errorf("%w: page table for %#x", ErrOutOfMemory, vaddr)
	}
	pdeAttrs := attrs&(PageUser|PageGlobal) | PageWrite | PagePresent
	s.m.mem.WriteWord(s.cr3+PDEIndex(vaddr)*4, table|pdeAttrs)
	addr, _ := s.pteAddr(vaddr)
	return addr, nil
}

// MapTo installs vaddr -> paddr with attrs.
func (s *AddressSpace) MapTo(vaddr, paddr, attrs uint32) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.mapTo(vaddr, paddr, attrs)
}

func (s *AddressSpace) mapTo(vaddr, paddr, attrs uint32) error {
	addr, err := s.ensurePTE(vaddr, attrs)
	if err != nil {
		return err
	}
	s.m.mem.WriteWord(addr, pageAlign(paddr)|attrs&0xFFF)
	return nil
}

// Unmap clears the entry for vaddr. The frame is not freed.
func (s *AddressSpace) Unmap(vaddr uint32) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if addr, ok := s.pteAddr(vaddr); ok {
		s.m.mem.WriteWord(addr, 0)
	}
}

// ---------------- Allocation ----------------

// VirtAllocPagesAt backs count pages starting at vaddr with free physical
// pages. Whole bitset blocks are locked at a time and every free bit in a
// block is used before moving on. On exhaustion everything mapped so far is
// undone and 0 is returned.
func (s *AddressSpace) VirtAllocPagesAt(count int, vaddr, attrs uint32) uint32 {
	if count <= 0 || count > s.m.pages.Capacity() || vaddr == 0 {
		return 0
	}
	m := s.m
	vaddr = pageAlign(vaddr)

	m.mu.Lock()
	defer m.mu.Unlock()

	next := vaddr
	mapped := make([]uint32, 0, count)
	start := m.startBlock()
	for len(mapped) < count {
		idx, blk, ok := m.pages.LockNextBlock(start)
		if !ok {
			s.rollback(vaddr, mapped)
			return 0
		}
		for bit := 0; bit < 32 && blk != ^uint32(0); bit++ {
			mask := uint32(1) << bit
			if blk&mask != 0 {
				continue
			}
			frame := uint32(idx*32+bit) * PageSize
			if err := s.mapTo(next, frame, attrs); err != nil {
				m.pages.UnlockBlock(blk, idx)
				s.rollback(vaddr, mapped)
				return 0
			}
			blk |= mask
			mapped = append(mapped, frame)
			next += PageSize
			if len(mapped) == count {
				break
			}
		}
		m.pages.UnlockBlock(blk, idx)
		start = idx + 1
	}
	return vaddr
}

func (s *AddressSpace) rollback(vaddr uint32, frames []uint32) {
	for i, f := range frames {
		if addr, ok := s.pteAddr(vaddr + uint32(i)*PageSize); ok {
			s.m.mem.WriteWord(addr, 0)
		}
		s.m.PhysFreePage(f)
	}
	if len(frames) > 0 {
		s.m.log.Warn("virtual allocation rolled back", "vaddr", fmt.Sprintf("%#x", vaddr), "pages", len(frames))
	}
}

// VirtAllocPages maps count pages at the next free virtual address.
// Requests larger than physical memory fail before any address space is
// reserved.
func (s *AddressSpace) VirtAllocPages(count int, attrs uint32) uint32 {
	if count > s.m.pages.Capacity() {
		return 0
	}
	vaddr := s.m.NextVirtualPages(count)
	if vaddr == 0 {
		return 0
	}
	return s.VirtAllocPagesAt(count, vaddr, attrs)
}

func (s *AddressSpace) VirtAllocPage(attrs uint32) uint32 {
	return s.VirtAllocPages(1, attrs)
}

// ---------------- Access ----------------

// Load reads len(buf) bytes at vaddr as the MMU would allow for mode.
func (s *AddressSpace) Load(vaddr uint32, buf []byte, mode Mode) error {
	for len(buf) > 0 {
		paddr, err := s.translate(vaddr, false, mode)
		if err != nil {
			return err
		}
		n := min(len(buf), int(PageSize-vaddr%PageSize))
		s.m.mem.Read(paddr, buf[:n])
		buf = buf[n:]
		vaddr += uint32(n)
	}
	return nil
}

// Store writes buf at vaddr. Pages before a faulting page may already have
// been written; retrying the whole store after the fault is handled is safe.
func (s *AddressSpace) Store(vaddr uint32, buf []byte, mode Mode) error {
	for len(buf) > 0 {
		paddr, err := s.translate(vaddr, true, mode)
		if err != nil {
			return err
		}
		n := min(len(buf), int(PageSize-vaddr%PageSize))
		s.m.mem.Write(paddr, buf[:n])
		buf = buf[n:]
		vaddr += uint32(n)
	}
	return nil
}

func (s *AddressSpace) LoadWord(vaddr uint32, mode Mode) (uint32, error) {
	var b [4]byte
	if err := s.Load(vaddr, b[:], mode); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (s *AddressSpace) StoreWord(vaddr, v uint32, mode Mode) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return s.Store(vaddr, b[:], mode)
}
