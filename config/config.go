// Package config loads the kernel configuration: a JSON file, defaults
// for everything it leaves out, then environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"
)

// Duration is a time.Duration written as a string such as "10ms" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Memory struct {
	PhysPages int    `json:"phys_pages"`
	BootBase  uint32 `json:"boot_base"`
}

type Scheduler struct {
	Tick Duration `json:"tick"`
}

type Events struct {
	QueueSize       int      `json:"queue_size"`
	DisplayThrottle Duration `json:"display_throttle"`
}

type GRPC struct {
	Addr string `json:"addr"`
}

type Journal struct {
	// Dir empty disables the trap journal.
	Dir         string `json:"dir"`
	SegmentSize int64  `json:"segment_size"`
	Sync        bool   `json:"sync"`
}

type Outbox struct {
	// Dir empty disables event export.
	Dir string `json:"dir"`
}

type Broker struct {
	// Client is "sarama" or "kafka-go".
	Client     string   `json:"client"`
	Brokers    []string `json:"brokers"`
	Topic      string   `json:"topic"`
	Interval   Duration `json:"interval"`
	MaxRetries uint32   `json:"max_retries"`
}

type Snapshot struct {
	// Dir empty disables snapshots and crash dumps.
	Dir      string   `json:"dir"`
	Interval Duration `json:"interval"`
}

type Config struct {
	LogLevel  string    `json:"log_level"`
	Memory    Memory    `json:"memory"`
	Scheduler Scheduler `json:"scheduler"`
	Events    Events    `json:"events"`
	GRPC      GRPC      `json:"grpc"`
	Journal   Journal   `json:"journal"`
	Outbox    Outbox    `json:"outbox"`
	Broker    Broker    `json:"broker"`
	Snapshot  Snapshot  `json:"snapshot"`
}

const (
	ClientSarama  = "sarama"
	ClientKafkaGo = "kafka-go"
)

func Default() Config {
	return Config{
		LogLevel: "info",
		Memory: Memory{
			PhysPages: 4096,
			BootBase:  0x100000,
		},
		Scheduler: Scheduler{Tick: Duration(10 * time.Millisecond)},
		Events: Events{
			QueueSize:       256,
			DisplayThrottle: Duration(16 * time.Millisecond),
		},
		GRPC: GRPC{Addr: ":50051"},
		Journal: Journal{
			Dir:         "./journal",
			SegmentSize: 64 << 20,
		},
		Outbox: Outbox{Dir: "./outbox"},
		Broker: Broker{
			Client:     ClientSarama,
			Topic:      "kernel-events",
			Interval:   Duration(250 * time.Millisecond),
			MaxRetries: 5,
		},
		Snapshot: Snapshot{
			Dir:      "./snapshots",
			Interval: Duration(30 * time.Second),
		},
	}
}

// Load reads path over the defaults. An empty path or a missing file
// yields the defaults. Environment overrides apply last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, err
		default:
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

// applyEnv applies SHIPWRECK_* overrides.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("SHIPWRECK_GRPC_ADDR"); v != "" {
		c.GRPC.Addr = v
	}
	if v := getenv("SHIPWRECK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("SHIPWRECK_BROKERS"); v != "" {
		c.Broker.Brokers = strings.Split(v, ",")
	}
}

func (c Config) Validate() error {
	if c.Memory.PhysPages <= 1024 {
		return fmt.Errorf("config: memory.phys_pages must exceed the 1024 kernel pages, got %d", c.Memory.PhysPages)
	}
	if c.Scheduler.Tick <= 0 {
		return errors.New("config: scheduler.tick must be positive")
	}
	if q := c.Events.QueueSize; q != 0 && (q&(q-1) != 0 || q > 1<<15) {
		return fmt.Errorf("config: events.queue_size must be a power of two up to 32768, got %d", q)
	}
	switch c.Broker.Client {
	case ClientSarama, ClientKafkaGo:
	default:
		return fmt.Errorf("config: unknown broker client %q", c.Broker.Client)
	}
	return nil
}
