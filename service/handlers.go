package service

import (
	"bytes"

	"shipwreck/domain/kernel"
	"shipwreck/domain/vmm"
)

const (
	// maxPathLen bounds the name read by open, terminator included.
	maxPathLen = 256
	// maxTransfer bounds one read or write.
	maxTransfer = 1 << 20
	// userSpaceStart is the first address user allocations may ask for;
	// below it sit the kernel image and the page table window.
	userSpaceStart = vmm.PageTableWindow + vmm.EntriesPerTable*vmm.PageSize
)

func sysNull(t *trap) int32 {
	return int32(t.data)
}

// ---------------- Memory ----------------

func sysAlloc(t *trap) int32 {
	t.sti()
	if t.data == 0 || t.data > uint32(t.s.k.Memory().Pages().Capacity()) {
		return 0
	}
	space, err := t.s.k.Space(t.pid())
	if err != nil {
		return 0
	}
	return int32(space.VirtAllocPages(int(t.data), vmm.UserData))
}

func sysAllocAt(t *trap) int32 {
	t.sti()
	var b [allocAtSize]byte
	if err := t.c.Load(t.data, b[:]); err != nil {
		return 0
	}
	p := decodeAllocAt(b[:])
	if p.Pages == 0 || p.VAddr < userSpaceStart || uint64(p.VAddr)+uint64(p.Pages)*vmm.PageSize > 1<<32 {
		return 0
	}
	space, err := t.s.k.Space(t.pid())
	if err != nil {
		return 0
	}
	for i := range p.Pages {
		if space.PTE(p.VAddr + i*vmm.PageSize).Present() {
			t.s.log.Debug("alloc_at over a mapped page", "vaddr", p.VAddr+i*vmm.PageSize, "pid", t.pid())
			return 0
		}
	}
	return int32(space.VirtAllocPagesAt(int(p.Pages), p.VAddr, vmm.UserData))
}

// ---------------- Files ----------------

func sysOpen(t *trap) int32 {
	t.sti()
	if t.s.fs == nil {
		return -1
	}
	name, ok := t.loadString(t.data)
	if !ok {
		return -1
	}
	f := t.s.fs.Open(name)
	if f == nil {
		return -1
	}
	fh, err := t.s.k.OpenFile(t.pid(), f)
	if err != nil {
		return -1
	}
	return int32(fh)
}

func sysSeek(t *trap) int32 {
	t.sti()
	var b [seekSize]byte
	if err := t.c.Load(t.data, b[:]); err != nil {
		return -1
	}
	p := decodeSeek(b[:])
	f := t.s.k.File(t.pid(), int(p.File))
	if f == nil {
		return -1
	}
	return f.Seek(p.Offset)
}

func sysRead(t *trap) int32 {
	t.sti()
	p, f, ok := t.ioArgs()
	if !ok {
		return -1
	}
	buf := make([]byte, p.Length)
	n := f.Read(buf)
	if n <= 0 {
		return n
	}
	if err := t.c.Store(p.Buffer, buf[:n]); err != nil {
		return -1
	}
	return n
}

func sysWrite(t *trap) int32 {
	t.sti()
	p, f, ok := t.ioArgs()
	if !ok {
		return -1
	}
	buf := make([]byte, p.Length)
	if err := t.c.Load(p.Buffer, buf); err != nil {
		return -1
	}
	return f.Write(buf)
}

func (t *trap) ioArgs() (IOParams, kernel.File, bool) {
	var b [ioSize]byte
	if err := t.c.Load(t.data, b[:]); err != nil {
		return IOParams{}, nil, false
	}
	p := decodeIO(b[:])
	if p.Length > maxTransfer {
		return p, nil, false
	}
	f := t.s.k.File(t.pid(), int(p.File))
	return p, f, f != nil
}

// loadString reads a NUL-terminated string from user memory a page at a
// time, so a name ending just before an unmapped page does not fault.
func (t *trap) loadString(addr uint32) (string, bool) {
	var out []byte
	for len(out) < maxPathLen {
		n := min(vmm.PageSize-addr%vmm.PageSize, uint32(maxPathLen-len(out)))
		chunk := make([]byte, n)
		if err := t.c.Load(addr, chunk); err != nil {
			return "", false
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...)), true
		}
		out = append(out, chunk...)
		addr += n
	}
	return "", false
}

// ---------------- Threads ----------------

func sysNewThread(t *trap) int32 {
	t.sti()
	var b [threadSize]byte
	if err := t.c.Load(t.data, b[:]); err != nil {
		return 0
	}
	p := decodeThread(b[:])
	if _, err := t.s.k.NewUserThread(t.pid(), kernel.Entry{Addr: p.Function}, 0); err != nil {
		t.s.log.Warn("new_thread failed", "pid", t.pid(), "err", err)
		return 0
	}
	return 1
}

func sysYield(t *trap) int32 {
	t.sti()
	if err := t.s.k.Yield(t.c.Ref); err != nil {
		return -1
	}
	return 1
}

// ---------------- Environment ----------------

func sysGetEnv(t *trap) int32 {
	t.sti()
	vaddr, err := t.s.k.MapEnvironment(t.pid())
	if err != nil {
		return 0
	}
	return int32(vaddr)
}

func sysSubscribe(t *trap) int32 {
	t.sti()
	if err := t.s.k.Events().Subscribe(t.pid(), kernel.UserEvent(t.data)); err != nil {
		return -1
	}
	return 1
}

// ---------------- Locks and monitors ----------------

func sysLock(t *trap) int32 {
	t.sti()
	return status(t.s.k.Lock(t.c.Ref, t.pid(), int(int32(t.data))))
}

func sysUnlock(t *trap) int32 {
	t.sti()
	return status(t.s.k.Unlock(t.c.Ref, t.pid(), int(int32(t.data))))
}

func sysMonitor(t *trap) int32 {
	t.sti()
	p, ok := t.monitorArgs()
	if !ok {
		return -1
	}
	return status(t.s.k.Monitor(t.c.Ref, t.pid(), int(p.Monitor), p.Diff))
}

func sysUnmonitor(t *trap) int32 {
	t.sti()
	return status(t.s.k.Unmonitor(t.c.Ref, t.pid(), int(int32(t.data))))
}

func sysNotify(t *trap) int32 {
	t.sti()
	p, ok := t.monitorArgs()
	if !ok {
		return -1
	}
	return status(t.s.k.Notify(t.pid(), int(p.Monitor), p.Diff))
}

func (t *trap) monitorArgs() (MonitorParams, bool) {
	var b [monitorSize]byte
	if err := t.c.Load(t.data, b[:]); err != nil {
		return MonitorParams{}, false
	}
	return decodeMonitor(b[:]), true
}

func status(err error) int32 {
	if err != nil {
		return -1
	}
	return 1
}

// ---------------- GUI ----------------

func sysUpdateGUI(t *trap) int32 {
	t.sti()
	if t.s.gui == nil {
		return -1
	}
	t.s.gui.UpdateProc(t.pid())
	return 1
}

func sysRedrawGUI(t *trap) int32 {
	t.sti()
	if t.s.gui == nil {
		return -1
	}
	t.s.gui.RedrawProc(t.pid())
	return 1
}
