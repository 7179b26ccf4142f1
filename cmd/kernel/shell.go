package main

import (
	"strings"
	"sync"

	"shipwreck/domain/kernel"
	"shipwreck/service"
)

// Entry points of the built-in shell program.
const (
	shellEntry      = 0x0040_0000
	shellEventEntry = 0x0040_0100
)

const (
	lineLock  = 0
	maxLine   = 64
	ioParams  = 0x000
	ioBuffer  = 0x100
	bufferLen = 0xF00
)

// shell is the per-process state of a running shell. The line buffer is
// shared by the main and event threads under lock lineLock; complete lines
// are signalled on the input monitor.
type shell struct {
	page  uint32
	line  []byte
	lines []string
}

var shells sync.Map // pid -> *shell

func registerShell(k *kernel.Kernel) {
	k.RegisterProgram(shellEntry, shellMain)
	k.RegisterProgram(shellEventEntry, shellEvents)
}

// startShell creates a process running the shell and returns its pid.
func startShell(k *kernel.Kernel) (int, error) {
	pid, err := k.NewUserProcess()
	if err != nil {
		return -1, err
	}
	if _, err := k.NewUserThread(pid, kernel.Entry{Addr: shellEntry}, kernel.DefaultStackBytes); err != nil {
		return -1, err
	}
	return pid, nil
}

func shellMain(c *kernel.Context) {
	page := c.Syscall(uint32(service.SysAlloc), 1)
	if page <= 0 {
		return
	}
	sh := &shell{page: uint32(page)}
	shells.Store(c.Ref.PID, sh)

	c.Syscall(uint32(service.SysGetEnv), 0)
	if !spawn(c, sh, shellEventEntry) {
		return
	}
	c.Syscall(uint32(service.SysUpdateGUI), 0)
	c.Syscall(uint32(service.SysRedrawGUI), 0)

	writeln(c, sh, "Shell accepting commands:")
	for c.Err() == nil {
		write(c, sh, ">")
		p := service.MonitorParams{Monitor: kernel.InputMonitor, Diff: 1}
		if !store(c, sh.page+ioParams, p.Encode()) ||
			c.Syscall(uint32(service.SysMonitor), sh.page+ioParams) != 1 {
			return
		}
		c.Syscall(uint32(service.SysLock), lineLock)
		var cmd string
		if len(sh.lines) > 0 {
			cmd, sh.lines = sh.lines[0], sh.lines[1:]
		}
		c.Syscall(uint32(service.SysUnlock), lineLock)
		c.Syscall(uint32(service.SysUnmonitor), kernel.InputMonitor)

		switch cmd = strings.TrimSpace(cmd); {
		case cmd == "":
		case strings.HasPrefix(cmd, "help"):
			writeln(c, sh, "Shell commands:")
			writeln(c, sh, "help      Display this help message")
		default:
			writeln(c, sh, "Unrecognized command: "+cmd)
		}
	}
}

// shellEvents turns key presses into lines.
func shellEvents(c *kernel.Context) {
	v, ok := shells.Load(c.Ref.PID)
	if !ok {
		return
	}
	sh := v.(*shell)
	c.Syscall(uint32(service.SysSubscribe), uint32(kernel.KeyCharDown))

	params := sh.page + ioParams + 16
	for c.Err() == nil {
		p := service.MonitorParams{Monitor: kernel.MsgMonitor, Diff: 10}
		if !store(c, params, p.Encode()) || c.Syscall(uint32(service.SysMonitor), params) != 1 {
			return
		}
		msgs := c.Receive(10)
		c.Syscall(uint32(service.SysUnmonitor), kernel.MsgMonitor)

		done := 0
		c.Syscall(uint32(service.SysLock), lineLock)
		for _, m := range msgs {
			if m.ID != int32(kernel.KeyCharDown) {
				continue
			}
			ch := byte(m.Data)
			if ch == '\n' || len(sh.line) == maxLine-1 {
				sh.lines = append(sh.lines, string(sh.line))
				sh.line = sh.line[:0]
				done++
				continue
			}
			sh.line = append(sh.line, ch)
		}
		c.Syscall(uint32(service.SysUnlock), lineLock)

		if done > 0 {
			p := service.MonitorParams{Monitor: kernel.InputMonitor, Diff: int32(done)}
			if store(c, params, p.Encode()) {
				c.Syscall(uint32(service.SysNotify), params)
			}
		}
	}
}

func spawn(c *kernel.Context, sh *shell, entry uint32) bool {
	p := service.ThreadParams{Function: entry}
	return store(c, sh.page+ioParams, p.Encode()) &&
		c.Syscall(uint32(service.SysNewThread), sh.page+ioParams) == 1
}

func writeln(c *kernel.Context, sh *shell, s string) { write(c, sh, s+"\n") }

// write puts s on stdout through the write syscall.
func write(c *kernel.Context, sh *shell, s string) {
	if len(s) > bufferLen {
		s = s[:bufferLen]
	}
	if !store(c, sh.page+ioBuffer, []byte(s)) {
		return
	}
	p := service.IOParams{File: kernel.Stdout, Buffer: sh.page + ioBuffer, Length: uint32(len(s))}
	if store(c, sh.page+ioParams, p.Encode()) {
		c.Syscall(uint32(service.SysWrite), sh.page+ioParams)
	}
}

func store(c *kernel.Context, addr uint32, b []byte) bool {
	return c.Store(addr, b) == nil
}
