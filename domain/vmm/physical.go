package vmm

import (
	"encoding/binary"
	"sync"
)

// PhysicalMemory is the simulated RAM. Words are little-endian, as on x86.
type PhysicalMemory struct {
	mu   sync.RWMutex
	data []byte
}

func NewPhysicalMemory(pages int) *PhysicalMemory {
	return &PhysicalMemory{data: make([]byte, pages*PageSize)}
}

func (m *PhysicalMemory) Pages() int { return len(m.data) / PageSize }

func (m *PhysicalMemory) inRange(paddr uint32, n int) bool {
	return int(paddr)+n <= len(m.data)
}

func (m *PhysicalMemory) ReadWord(paddr uint32) uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.inRange(paddr, 4) {
		return 0
	}
	return binary.LittleEndian.Uint32(m.data[paddr:])
}

func (m *PhysicalMemory) WriteWord(paddr, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inRange(paddr, 4) {
		return
	}
	binary.LittleEndian.PutUint32(m.data[paddr:], v)
}

// Read copies len(buf) bytes starting at paddr. Out-of-range bytes read as
// zero, like an unbacked bus.
func (m *PhysicalMemory) Read(paddr uint32, buf []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clear(buf)
	if int(paddr) < len(m.data) {
		copy(buf, m.data[paddr:])
	}
}

func (m *PhysicalMemory) Write(paddr uint32, buf []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(paddr) < len(m.data) {
		copy(m.data[paddr:], buf)
	}
}

func (m *PhysicalMemory) ZeroPage(paddr uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := pageAlign(paddr)
	if m.inRange(p, PageSize) {
		clear(m.data[p : p+PageSize])
	}
}
