package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"

	"shipwreck/api/grpcserver"
	"shipwreck/config"
	"shipwreck/domain/kernel"
	"shipwreck/domain/vmm"
	"shipwreck/infra/journal"
	"shipwreck/infra/kafka"
	"shipwreck/infra/logging"
	"shipwreck/infra/outbox"
	"shipwreck/infra/sequence"
	"shipwreck/jobs/broadcaster"
	"shipwreck/service"
	"shipwreck/snapshot"
)

func main() {
	cfgPath := flag.String("config", "", "path to a JSON config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	log := logging.New(os.Stderr, cfg.LogLevel, "shipwreck")

	if err := run(cfg, log); err != nil {
		log.Error("kernel exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	// ---------------- Memory ----------------

	mm, err := vmm.Boot(vmm.Config{
		PhysPages: cfg.Memory.PhysPages,
		BootBase:  cfg.Memory.BootBase,
	}, log.With("component", "vmm"))
	if err != nil {
		return err
	}

	// ---------------- Kernel ----------------

	k, err := kernel.New(kernel.Config{
		Console: os.Stdout,
		Events: kernel.EventConfig{
			QueueSize:       cfg.Events.QueueSize,
			DisplayThrottle: cfg.Events.DisplayThrottle.D(),
		},
	}, mm, log.With("component", "kernel"))
	if err != nil {
		return err
	}
	registerShell(k)

	// ---------------- Journal ----------------

	seqGen := sequence.New(0)
	var jrn *journal.Journal
	if cfg.Journal.Dir != "" {
		st, err := service.ReplayJournal(cfg.Journal.Dir, seqGen, log)
		if err != nil {
			return err
		}
		log.Info("journal replayed", "last_seq", st.LastSeq, "syscalls", st.Syscalls, "faults", st.Faults)

		jrn, err = journal.Open(journal.Config{
			Dir:         cfg.Journal.Dir,
			SegmentSize: cfg.Journal.SegmentSize,
			Sync:        cfg.Journal.Sync,
		})
		if err != nil {
			return err
		}
		defer jrn.Close()
	}

	// ---------------- Outbox ----------------

	var ob *outbox.Outbox
	if cfg.Outbox.Dir != "" {
		ob, err = outbox.Open(cfg.Outbox.Dir)
		if err != nil {
			return err
		}
		defer ob.Close()

		rec, err := service.NewEventRecorder(ob, log)
		if err != nil {
			return err
		}
		k.Events().SetSink(rec)
	}

	// ---------------- Snapshots ----------------

	var snaps *snapshot.Writer
	if cfg.Snapshot.Dir != "" {
		snaps = &snapshot.Writer{Dir: cfg.Snapshot.Dir}
		k.SetCrashReporter(snaps)
	}

	// ---------------- Trap gate ----------------

	svc := service.NewTrapService(k, service.Options{
		FS:      kernel.MapFS{"/motd": []byte("Welcome aboard.\n")},
		Journal: jrn,
		Seq:     seqGen,
		Outbox:  ob,
		Log:     log,
	})
	svc.Install()

	// ---------------- Scheduler ----------------

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	k.Start(ctx, cfg.Scheduler.Tick.D())

	// ---------------- Background jobs ----------------

	if ob != nil && len(cfg.Broker.Brokers) > 0 {
		pub, err := newPublisher(cfg.Broker)
		if err != nil {
			return err
		}
		bc := broadcaster.New(ob, pub, broadcaster.Config{
			Interval:   cfg.Broker.Interval.D(),
			MaxRetries: cfg.Broker.MaxRetries,
		}, log)
		defer bc.Close()
		bc.Start(ctx)
	}
	if snaps != nil {
		svc.StartSnapshotJob(ctx, snaps, cfg.Snapshot.Interval.D())
	}

	// ---------------- Devices ----------------

	if err := k.RegisterIRQ(kernel.VectorKeyboard, keyboardIRQ); err != nil {
		return err
	}
	go readKeyboard(ctx, k, os.Stdin, log)

	// ---------------- Shell ----------------

	pid, err := startShell(k)
	if err != nil {
		return err
	}

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}
	grpcSrv := grpcserver.NewGRPCServer(grpcserver.NewServer(svc, log))
	go func() {
		<-ctx.Done()
		grpcSrv.GracefulStop()
	}()

	log.Info("kernel running", "grpc", cfg.GRPC.Addr, "shell_pid", pid)
	if err := grpcSrv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}

	if snaps != nil {
		if err := svc.SnapshotOnce(snaps); err != nil {
			log.Warn("final snapshot failed", "err", err)
		}
	}
	return nil
}

func newPublisher(cfg config.Broker) (broadcaster.Publisher, error) {
	if cfg.Client == config.ClientKafkaGo {
		return kafka.NewProducer(cfg.Brokers, cfg.Topic), nil
	}
	return broadcaster.NewSaramaPublisher(cfg.Brokers, cfg.Topic)
}

// keyboardIRQ turns a key code into a key press event.
func keyboardIRQ(k *kernel.Kernel, f *kernel.InterruptFrame) error {
	k.Events().NewUserEvent(kernel.KeyCharDown, f.Data)
	return nil
}

// readKeyboard raises a keyboard interrupt for every byte read from r.
func readKeyboard(ctx context.Context, k *kernel.Kernel, r io.Reader, log *slog.Logger) {
	br := bufio.NewReader(r)
	for ctx.Err() == nil {
		b, err := br.ReadByte()
		if err != nil {
			if err != io.EOF {
				log.Warn("keyboard read failed", "err", err)
			}
			return
		}
		if err := k.Interrupt(kernel.VectorKeyboard, &kernel.InterruptFrame{Data: int32(b)}); err != nil {
			return
		}
	}
}
