package kernel

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"shipwreck/domain/vmm"
	"shipwreck/infra/queue"
)

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mm, err := vmm.Boot(vmm.Config{PhysPages: 4096, BootBase: 0x100000}, log)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	k, err := New(Config{}, mm, log)
	if err != nil {
		t.Fatalf("kernel: %v", err)
	}
	t.Cleanup(k.cpu.Halt)
	return k
}

// newThreads creates a process with n threads that run no program.
func newThreads(t *testing.T, k *Kernel, n int) (int, []ThreadRef) {
	t.Helper()
	pid, err := k.NewUserProcess()
	if err != nil {
		t.Fatal(err)
	}
	refs := make([]ThreadRef, n)
	for i := range refs {
		if refs[i], err = k.NewUserThread(pid, Entry{}, 0); err != nil {
			t.Fatal(err)
		}
	}
	return pid, refs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewUserProcess_Layout(t *testing.T) {
	k := newTestKernel(t)
	pid, refs := newThreads(t, k, 1)
	if pid != 1 {
		t.Fatalf("expected first user pid 1, got %d", pid)
	}

	f, err := k.ThreadFrame(refs[0])
	if err != nil {
		t.Fatal(err)
	}
	if f.Int.CS != UserCS || f.Int.SS != UserSS || f.Int.EFlags != UserEFlags {
		t.Fatalf("bad selectors %+v", f.Int)
	}
	if f.Int.ESP != f.Regs.ESP-32 {
		t.Fatalf("user esp %#x, cpu state %#x", f.Int.ESP, f.Regs.ESP)
	}
	if k.Runnable(pid) != 1 {
		t.Fatalf("runnable = %d", k.Runnable(pid))
	}

	if _, ok := k.File(pid, Stdin).(NullFile); !ok {
		t.Error("stdin is not the null file")
	}
	if k.File(pid, Stdout) != k.File(0, Stdout) {
		t.Error("stdout not inherited from the kernel")
	}
	if k.File(pid, 99) != nil {
		t.Error("out of range handle returned a file")
	}
}

func TestNewUserProcess_TableFull(t *testing.T) {
	k := newTestKernel(t)
	for i := 1; i < MaxProcs; i++ {
		if _, err := k.NewUserProcess(); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if _, err := k.NewUserProcess(); !errors.Is(err, ErrNoProcessSlot) {
		t.Fatalf("expected ErrNoProcessSlot, got %v", err)
	}
}

func TestNewUserThread_TableFull(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := newThreads(t, k, MaxProcThreads)
	if _, err := k.NewUserThread(pid, Entry{}, vmm.PageSize); !errors.Is(err, ErrNoThreadSlot) {
		t.Fatalf("expected ErrNoThreadSlot, got %v", err)
	}
}

func TestLock_FIFOFairness(t *testing.T) {
	k := newTestKernel(t)
	pid, th := newThreads(t, k, 3)
	a, b, c := th[0], th[1], th[2]

	if err := k.Lock(a, pid, 0); err != nil {
		t.Fatal(err)
	}

	order := make(chan ThreadRef, 2)
	for _, ref := range []ThreadRef{b, c} {
		go func() {
			if err := k.Lock(ref, pid, 0); err != nil {
				t.Error(err)
				return
			}
			order <- ref
		}()
		waitFor(t, ref.String()+" to block", func() bool { return k.ThreadState(ref) == Waiting })
	}
	if k.Runnable(pid) != 1 {
		t.Fatalf("runnable = %d with two waiters", k.Runnable(pid))
	}

	if err := k.Unlock(a, pid, 0); err != nil {
		t.Fatal(err)
	}
	if got := <-order; got != b {
		t.Fatalf("first wakeup went to %v", got)
	}
	if k.ThreadState(c) != Waiting {
		t.Fatal("C woke before B released")
	}

	if err := k.Unlock(b, pid, 0); err != nil {
		t.Fatal(err)
	}
	if got := <-order; got != c {
		t.Fatalf("second wakeup went to %v", got)
	}
	if err := k.Unlock(c, pid, 0); err != nil {
		t.Fatal(err)
	}
	if k.Runnable(pid) != 3 {
		t.Fatalf("runnable = %d after all unlocks", k.Runnable(pid))
	}

	// lock is free again
	if err := k.Lock(c, pid, 0); err != nil {
		t.Fatal(err)
	}
}

func TestLock_ReentrantAndOwnership(t *testing.T) {
	k := newTestKernel(t)
	pid, th := newThreads(t, k, 2)

	if err := k.Lock(th[0], pid, 3); err != nil {
		t.Fatal(err)
	}
	if err := k.Lock(th[0], pid, 3); err != nil {
		t.Fatalf("owner relock blocked or failed: %v", err)
	}
	if err := k.Unlock(th[1], pid, 3); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := k.Lock(th[0], pid, MaxProcLocks); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("expected ErrBadHandle, got %v", err)
	}
	if err := k.Lock(th[0], pid, -1); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("expected ErrBadHandle, got %v", err)
	}
}

func TestLock_CrossProcess(t *testing.T) {
	k := newTestKernel(t)
	p1, t1 := newThreads(t, k, 1)
	p2, t2 := newThreads(t, k, 1)

	if err := k.Lock(t2[0], p1, 0); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		k.Lock(t1[0], p1, 0)
		close(done)
	}()
	waitFor(t, "waiter", func() bool { return k.ThreadState(t1[0]) == Waiting })

	// the waiter's own process loses the runnable thread
	if k.Runnable(p1) != 0 || k.Runnable(p2) != 1 {
		t.Fatalf("runnable p1=%d p2=%d", k.Runnable(p1), k.Runnable(p2))
	}
	k.Unlock(t2[0], p1, 0)
	<-done
	if k.Runnable(p1) != 1 {
		t.Fatalf("runnable p1=%d after handoff", k.Runnable(p1))
	}
}

func TestMonitor_ClampsAtZero(t *testing.T) {
	k := newTestKernel(t)
	pid, th := newThreads(t, k, 1)

	if err := k.Notify(pid, 5, 2); err != nil {
		t.Fatal(err)
	}
	if err := k.Monitor(th[0], pid, 5, 5); err != nil {
		t.Fatal(err)
	}
	if s := k.MonitorSignal(pid, 5); s != 0 {
		t.Fatalf("signal = %d, expected clamp to 0", s)
	}
	if err := k.Unmonitor(th[0], pid, 5); err != nil {
		t.Fatal(err)
	}
}

func TestMonitor_WaitsForPositiveSignal(t *testing.T) {
	k := newTestKernel(t)
	pid, th := newThreads(t, k, 1)

	done := make(chan error, 1)
	go func() { done <- k.Monitor(th[0], pid, 7, 1) }()
	waitFor(t, "monitor wait", func() bool { return k.ThreadState(th[0]) == Waiting })

	// a notify that leaves the signal at zero wakes nobody
	k.Notify(pid, 7, 0)
	if k.ThreadState(th[0]) != Waiting {
		t.Fatal("woken without a positive signal")
	}

	k.Notify(pid, 7, 3)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if s := k.MonitorSignal(pid, 7); s != 2 {
		t.Fatalf("signal = %d, expected 2", s)
	}
}

func TestTick_RoundRobin(t *testing.T) {
	k := newTestKernel(t)
	p1, _ := newThreads(t, k, 1)
	p2, _ := newThreads(t, k, 1)
	mm := k.Memory()

	want := []int{p1, p2, 0, p1}
	for i, pid := range want {
		if err := k.Tick(); err != nil {
			t.Fatal(err)
		}
		if got := k.Current().PID; got != pid {
			t.Fatalf("tick %d picked pid %d, want %d", i, got, pid)
		}
	}
	if mm.CR3Reloads() != 3 {
		t.Fatalf("expected 3 directory reloads, got %d", mm.CR3Reloads())
	}
	if sp, _ := k.Space(p1); mm.CR3() != sp.CR3() {
		t.Fatal("p1's directory not loaded")
	}
}

func TestTick_SkipsBlockedProcess(t *testing.T) {
	k := newTestKernel(t)
	p1, t1 := newThreads(t, k, 1)
	_, t2 := newThreads(t, k, 1)

	k.Lock(t2[0], p1, 0)
	go k.Lock(t1[0], p1, 0)
	waitFor(t, "blocked thread", func() bool { return k.ThreadState(t1[0]) == Waiting })

	for range 6 {
		k.Tick()
		if k.Current().PID == p1 {
			t.Fatal("scheduled a process with no runnable threads")
		}
	}
}

func TestTick_IdleFallback(t *testing.T) {
	k := newTestKernel(t)
	k.Tick()
	cur := k.Current()
	if cur.PID != 0 {
		t.Fatalf("expected kernel, got %v", cur)
	}
	if k.ThreadState(cur) != Running {
		t.Fatalf("picked a thread that is %v", k.ThreadState(cur))
	}
}

func TestYield_WaitsForInterrupt(t *testing.T) {
	k := newTestKernel(t)
	_, th := newThreads(t, k, 1)

	done := make(chan error, 1)
	go func() { done <- k.Yield(th[0]) }()

	select {
	case <-done:
		t.Fatal("yield returned without an interrupt")
	case <-time.After(20 * time.Millisecond):
	}
	k.Tick()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("yield did not return after a tick")
	}
}

func TestSendMsg_WakesOnTick(t *testing.T) {
	k := newTestKernel(t)
	pid, th := newThreads(t, k, 1)

	done := make(chan error, 1)
	go func() { done <- k.Monitor(th[0], pid, MsgMonitor, 1) }()
	waitFor(t, "message wait", func() bool { return k.ThreadState(th[0]) == Waiting })

	if !k.SendMsg(pid, queue.Message{ID: 42, Data: 7}) {
		t.Fatal("send failed")
	}
	if k.ThreadState(th[0]) != Waiting {
		t.Fatal("send woke the receiver by itself")
	}
	k.Tick()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	msgs := k.ReceiveMsgs(pid, 10)
	if len(msgs) != 1 || msgs[0] != (queue.Message{ID: 42, Data: 7}) {
		t.Fatalf("received %v", msgs)
	}
}

func TestSendMsg_QueueFull(t *testing.T) {
	k := newTestKernel(t)
	pid, _ := newThreads(t, k, 0)
	for i := range MaxProcMsgs {
		if !k.SendMsg(pid, queue.Message{ID: int32(i + 1)}) {
			t.Fatalf("send %d failed", i)
		}
	}
	if k.SendMsg(pid, queue.Message{ID: 1000}) {
		t.Fatal("send into a full queue succeeded")
	}
	if k.MonitorSignal(pid, MsgMonitor) != MaxProcMsgs {
		t.Fatalf("signal = %d", k.MonitorSignal(pid, MsgMonitor))
	}
}

func TestMapEnvironment(t *testing.T) {
	k := newTestKernel(t)
	pid, th := newThreads(t, k, 1)

	k.SendMsg(pid, queue.Message{ID: 9, Data: 99})
	k.SetWindow(pid, 2, Window{ID: 5, Rect: Rect{1, 2, 3, 4}})

	addr, err := k.MapEnvironment(pid)
	if err != nil {
		t.Fatal(err)
	}
	if again, _ := k.MapEnvironment(pid); again != addr {
		t.Fatalf("second mapping at %#x, first at %#x", again, addr)
	}

	c := k.NewContext(context.Background(), th[0])
	var word [4]byte
	read := func(off uint32) uint32 {
		if err := c.Load(addr+off, word[:]); err != nil {
			t.Fatal(err)
		}
		return uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24
	}
	if read(envQueueOff) != MaxProcMsgs {
		t.Fatal("queue capacity not mirrored")
	}
	if read(envQueueData) != 9 || read(envQueueData+4) != 99 {
		t.Fatal("message not mirrored")
	}
	if read(envWindowsOff+2*windowBytes) != 5 || read(envWindowsOff+2*windowBytes+4) != uint32(pid) {
		t.Fatal("window not mirrored")
	}

	off, err := k.EnvAlloc(pid, 10)
	if err != nil || off != k.procs[pid].env.Load().page+envFreeData {
		t.Fatalf("env alloc at %#x: %v", off, err)
	}
	if read(envFreeOff) != envFreeData+12 {
		t.Fatalf("free cursor %d", read(envFreeOff))
	}
}

func TestReceiveMsgs_MirrorsRanges(t *testing.T) {
	k := newTestKernel(t)
	pid, th := newThreads(t, k, 1)
	addr, err := k.MapEnvironment(pid)
	if err != nil {
		t.Fatal(err)
	}
	c := k.NewContext(context.Background(), th[0])
	ranges := func() (locked, safe uint32) {
		var b [8]byte
		if err := c.Load(addr+envQueueOff+4, b[:]); err != nil {
			t.Fatal(err)
		}
		return binary.LittleEndian.Uint32(b[:]), binary.LittleEndian.Uint32(b[4:])
	}

	k.SendMsg(pid, queue.Message{ID: 1, Data: 1})
	k.SendMsg(pid, queue.Message{ID: 2, Data: 2})
	if locked, safe := ranges(); locked != 2<<16 || safe != 2<<16 {
		t.Fatalf("after send: locked %#x safe %#x", locked, safe)
	}

	if msgs := k.ReceiveMsgs(pid, 1); len(msgs) != 1 {
		t.Fatalf("received %v", msgs)
	}
	if locked, safe := ranges(); locked != 1|2<<16 || safe != 1|2<<16 {
		t.Fatalf("after receive: locked %#x safe %#x", locked, safe)
	}
}

func TestUserAccess_CopyOnWrite(t *testing.T) {
	k := newTestKernel(t)
	p1, t1 := newThreads(t, k, 1)
	p2, t2 := newThreads(t, k, 1)
	s1, _ := k.Space(p1)
	s2, _ := k.Space(p2)

	v := s1.VirtAllocPage(vmm.UserData)
	c1 := k.NewContext(context.Background(), t1[0])
	c2 := k.NewContext(context.Background(), t2[0])
	if err := c1.Store(v, []byte("original")); err != nil {
		t.Fatal(err)
	}
	if _, err := k.Memory().ShareCOW(s1, s2, v, 1); err != nil {
		t.Fatal(err)
	}

	if err := c2.Store(v, []byte("modified")); err != nil {
		t.Fatalf("store through COW: %v", err)
	}
	buf := make([]byte, 8)
	c1.Load(v, buf)
	if string(buf) != "original" {
		t.Fatalf("writer's change leaked: %q", buf)
	}
	c2.Load(v, buf)
	if string(buf) != "modified" {
		t.Fatalf("writer reads %q", buf)
	}
	if k.CPU().Halted() {
		t.Fatal("COW fault halted the CPU")
	}
}

type crashRecorder struct {
	mu      sync.Mutex
	crashes []Crash
}

func (r *crashRecorder) ReportCrash(c Crash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crashes = append(r.crashes, c)
	return nil
}

func TestFatalFault_Halts(t *testing.T) {
	k := newTestKernel(t)
	rec := &crashRecorder{}
	k.SetCrashReporter(rec)
	pid, th := newThreads(t, k, 2)

	k.Lock(th[0], pid, 0)
	waiter := make(chan error, 1)
	go func() { waiter <- k.Lock(th[1], pid, 0) }()
	waitFor(t, "waiter", func() bool { return k.ThreadState(th[1]) == Waiting })

	// an unmapped user access cannot be recovered
	c := k.NewContext(context.Background(), th[0])
	err := c.Store(0x7000_0000, []byte{1})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	if !k.CPU().Halted() {
		t.Fatal("cpu still running")
	}
	if err := <-waiter; !errors.Is(err, ErrHalted) {
		t.Fatalf("waiter returned %v", err)
	}
	if err := k.Tick(); !errors.Is(err, ErrHalted) {
		t.Fatalf("tick after halt: %v", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.crashes) != 1 {
		t.Fatalf("%d crash reports", len(rec.crashes))
	}
	cr := rec.crashes[0]
	if cr.Vector != VectorPageFault || cr.Thread != th[0] || cr.CR2 != 0x7000_0000 {
		t.Fatalf("crash report %+v", cr)
	}
}

func TestException_IsFatal(t *testing.T) {
	k := newTestKernel(t)
	if err := k.Interrupt(0x00, nil); !errors.Is(err, ErrHalted) {
		t.Fatalf("divide by zero returned %v", err)
	}
}

func TestRegisterIRQ(t *testing.T) {
	k := newTestKernel(t)
	if err := k.RegisterIRQ(VectorPageFault, timer); !errors.Is(err, ErrBadVector) {
		t.Fatalf("replacing an exception vector: %v", err)
	}

	got := make(chan int32, 1)
	err := k.RegisterIRQ(VectorKeyboard, func(k *Kernel, f *InterruptFrame) error {
		got <- f.Data
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Interrupt(VectorKeyboard, &InterruptFrame{Caller: NoThread, Data: 0x1C}); err != nil {
		t.Fatal(err)
	}
	if d := <-got; d != 0x1C {
		t.Fatalf("handler saw %#x", d)
	}
}

func TestProgram_RunsAndFinishes(t *testing.T) {
	k := newTestKernel(t)
	pid, err := k.NewUserProcess()
	if err != nil {
		t.Fatal(err)
	}

	ran := make(chan int32, 1)
	k.RegisterProgram(0x0040_1000, func(c *Context) { ran <- c.Data })
	ref, err := k.NewUserThread(pid, Entry{Addr: 0x0040_1000, Data: 17}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if d := <-ran; d != 17 {
		t.Fatalf("program saw data %d", d)
	}
	waitFor(t, "thread to finish", func() bool { return k.ThreadState(ref) == Done })
	if k.Runnable(pid) != 0 {
		t.Fatalf("finished thread still runnable: %d", k.Runnable(pid))
	}
}

func TestSyscall_NoGate(t *testing.T) {
	k := newTestKernel(t)
	_, th := newThreads(t, k, 1)
	if r := k.NewContext(context.Background(), th[0]).Syscall(0, 1); r != -1 {
		t.Fatalf("syscall without a gate returned %d", r)
	}
}
