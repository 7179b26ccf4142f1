package wire

// Trap is one syscall as seen at the gate, with its result once known.
type Trap struct {
	PID    int32
	TID    int32
	Code   uint32
	Data   uint32
	Result int32
	Time   int64
}

func (t *Trap) Marshal() []byte {
	var b []byte
	b = appendInt(b, 1, int64(t.PID))
	b = appendInt(b, 2, int64(t.TID))
	b = appendUint(b, 3, uint64(t.Code))
	b = appendUint(b, 4, uint64(t.Data))
	b = appendInt(b, 5, int64(t.Result))
	b = appendInt(b, 6, t.Time)
	return b
}

func (t *Trap) Unmarshal(b []byte) error {
	*t = Trap{}
	return walk(b, func(f field) {
		switch f.num {
		case 1:
			t.PID = int32(f.int())
		case 2:
			t.TID = int32(f.int())
		case 3:
			t.Code = uint32(f.v)
		case 4:
			t.Data = uint32(f.v)
		case 5:
			t.Result = int32(f.int())
		case 6:
			t.Time = f.int()
		}
	})
}

// Event is a kernel message delivered to a process, as exported through
// the outbox.
type Event struct {
	Seq  uint64
	PID  int32
	ID   int32
	Data int32
	Time int64
}

func (e *Event) Marshal() []byte {
	var b []byte
	b = appendUint(b, 1, e.Seq)
	b = appendInt(b, 2, int64(e.PID))
	b = appendInt(b, 3, int64(e.ID))
	b = appendInt(b, 4, int64(e.Data))
	b = appendInt(b, 5, e.Time)
	return b
}

func (e *Event) Unmarshal(b []byte) error {
	*e = Event{}
	return walk(b, func(f field) {
		switch f.num {
		case 1:
			e.Seq = f.v
		case 2:
			e.PID = int32(f.int())
		case 3:
			e.ID = int32(f.int())
		case 4:
			e.Data = int32(f.int())
		case 5:
			e.Time = f.int()
		}
	})
}

// Memory is a user memory access request or reply. Loads carry Len and
// get Bytes back; stores carry Bytes.
type Memory struct {
	PID   int32
	TID   int32
	Addr  uint32
	Len   uint32
	Bytes []byte
}

func (m *Memory) Marshal() []byte {
	var b []byte
	b = appendInt(b, 1, int64(m.PID))
	b = appendInt(b, 2, int64(m.TID))
	b = appendUint(b, 3, uint64(m.Addr))
	b = appendUint(b, 4, uint64(m.Len))
	b = appendBytes(b, 5, m.Bytes)
	return b
}

func (m *Memory) Unmarshal(b []byte) error {
	*m = Memory{}
	return walk(b, func(f field) {
		switch f.num {
		case 1:
			m.PID = int32(f.int())
		case 2:
			m.TID = int32(f.int())
		case 3:
			m.Addr = uint32(f.v)
		case 4:
			m.Len = uint32(f.v)
		case 5:
			m.Bytes = f.raw
		}
	})
}

// Spawn asks for a new thread, in a new process when PID is 0. The reply
// carries the PID and TID that were assigned.
type Spawn struct {
	PID        int32
	TID        int32
	Entry      uint32
	Data       int32
	StackBytes uint32
}

func (s *Spawn) Marshal() []byte {
	var b []byte
	b = appendInt(b, 1, int64(s.PID))
	b = appendInt(b, 2, int64(s.TID))
	b = appendUint(b, 3, uint64(s.Entry))
	b = appendInt(b, 4, int64(s.Data))
	b = appendUint(b, 5, uint64(s.StackBytes))
	return b
}

func (s *Spawn) Unmarshal(b []byte) error {
	*s = Spawn{}
	return walk(b, func(f field) {
		switch f.num {
		case 1:
			s.PID = int32(f.int())
		case 2:
			s.TID = int32(f.int())
		case 3:
			s.Entry = uint32(f.v)
		case 4:
			s.Data = int32(f.int())
		case 5:
			s.StackBytes = uint32(f.v)
		}
	})
}
