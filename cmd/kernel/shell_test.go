package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"shipwreck/domain/kernel"
	"shipwreck/domain/vmm"
	"shipwreck/service"
)

type console struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *console) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestShell_RunsCommandsFromKeyboard(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mm, err := vmm.Boot(vmm.DefaultConfig(), log)
	if err != nil {
		t.Fatal(err)
	}
	out := &console{}
	k, err := kernel.New(kernel.Config{Console: out}, mm, log)
	if err != nil {
		t.Fatal(err)
	}
	registerShell(k)
	service.NewTrapService(k, service.Options{Log: log}).Install()
	if err := k.RegisterIRQ(kernel.VectorKeyboard, keyboardIRQ); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	k.Start(ctx, time.Millisecond)

	if _, err := startShell(k); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "shell prompt", func() bool {
		return strings.HasSuffix(out.String(), ">") && k.Events().Subscriptions() == 1
	})

	for _, b := range []byte("help\nfoo\n") {
		if err := k.Interrupt(kernel.VectorKeyboard, &kernel.InterruptFrame{Data: int32(b)}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "command output", func() bool {
		return strings.HasSuffix(out.String(), "Unrecognized command: foo\n>")
	})

	got := out.String()
	if !strings.HasPrefix(got, "Shell accepting commands:\n>") {
		t.Fatalf("banner missing: %q", got)
	}
	help := strings.Index(got, "Shell commands:\n")
	usage := strings.Index(got, "Display this help message\n")
	foo := strings.Index(got, "Unrecognized command: foo")
	if help < 0 || usage < help || foo < usage {
		t.Fatalf("commands ran out of order: %q", got)
	}
	if n := strings.Count(got, ">"); n != 3 {
		t.Fatalf("%d prompts in %q", n, got)
	}

	cancel()
	waitFor(t, "halt", k.CPU().Halted)
}
