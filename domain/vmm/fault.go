package vmm

import (
	"fmt"
)

// Page fault error code bits.
const (
	FaultPresent uint32 = 1 // protection violation on a present page
	FaultWrite   uint32 = 2
	FaultUser    uint32 = 4

	// FaultCOW is a user write to a present read-only page.
	FaultCOW = FaultPresent | FaultWrite | FaultUser
)

// PageFault is what the MMU raises on a failed translation. Addr is the
// value the hardware would load into CR2.
type PageFault struct {
	Addr uint32
	Code uint32
	CR3  uint32
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at %#x code=%#x cr3=%#x", f.Addr, f.Code, f.CR3)
}

// HandlePageFault resolves copy-on-write faults and rejects everything
// else. A COW fault gets a fresh frame holding a copy of the shared page,
// and the faulting entry is repointed at it with write permission. The
// other sharers keep the old frame untouched.
func (m *Manager) HandlePageFault(f *PageFault) error {
	if f.Code == FaultCOW {
		s := m.Space(f.CR3)
		if pte := s.PTE(f.Addr); pte.Attrs() == PageCOW {
			return m.copyOnWrite(s, f.Addr, pte)
		}
	}
	return fmt.Errorf("%w: %v", ErrFatalPageFault, f)
}

func (m *Manager) copyOnWrite(s *AddressSpace, addr uint32, pte Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// another thread may have resolved the same fault while we waited
	addrPTE, ok := s.pteAddr(addr)
	if !ok {
		return fmt.Errorf("%w: page table vanished at %#x", ErrFatalPageFault, addr)
	}
	if cur := Entry(m.mem.ReadWord(addrPTE)); cur != pte {
		return nil
	}

	frame := m.PhysAllocPage()
	if frame == 0 {
		return fmt.Errorf("%w: copy-on-write at %#x", ErrOutOfMemory, addr)
	}

	// map the scratch page onto the new frame so both pages are
	// addressable from the kernel during the copy
	kernel := m.Kernel()
	if err := kernel.mapTo(m.scratch, frame, KernelData); err != nil {
		m.PhysFreePage(frame)
		return err
	}

	page := make([]byte, PageSize)
	if err := s.Load(pageAlign(addr), page, Supervisor); err != nil {
		m.PhysFreePage(frame)
		return fmt.Errorf("%w: %v", ErrFatalPageFault, err)
	}
	if err := kernel.Store(m.scratch, page, Supervisor); err != nil {
		m.PhysFreePage(frame)
		return fmt.Errorf("%w: %v", ErrFatalPageFault, err)
	}

	m.mem.WriteWord(addrPTE, frame|pte.Attrs()|PageWrite)
	m.cowCopies.Add(1)

	m.log.Debug("copy-on-write",
		"vaddr", fmt.Sprintf("%#x", pageAlign(addr)),
		"old", fmt.Sprintf("%#x", pte.Frame()),
		"new", fmt.Sprintf("%#x", frame),
	)
	return nil
}

// ShareCOW maps pages pages of src, starting at vaddr, into dst at the same
// address and tags both sides copy-on-write. Pages not present in src are
// skipped. It returns the number of pages shared.
func (m *Manager) ShareCOW(src, dst *AddressSpace, vaddr uint32, pages int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	shared := 0
	for i := 0; i < pages; i++ {
		v := pageAlign(vaddr) + uint32(i)*PageSize
		srcAddr, ok := src.pteAddr(v)
		if !ok {
			continue
		}
		pte := Entry(m.mem.ReadWord(srcAddr))
		if !pte.Present() {
			continue
		}
		m.mem.WriteWord(srcAddr, pte.Frame()|PageCOW)
		if err := dst.mapTo(v, pte.Frame(), PageCOW); err != nil {
			return shared, err
		}
		shared++
	}
	return shared, nil
}
