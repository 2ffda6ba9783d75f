package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type DB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Pass     string `yaml:"password"`
	Name     string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
}

type MQ struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	User   string `yaml:"user"`
	Pass   string `yaml:"password"`
	VHost  string `yaml:"vhost"`
	UseTLS bool   `yaml:"use_tls"`
}

// Redis is optional; an empty Addr disables the status cache.
type Redis struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type Coordinator struct {
	Port           int           `yaml:"port"`
	Store          string        `yaml:"store"` // memory | postgres
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	RepublishEvery time.Duration `yaml:"republish_every"`
	RepublishGrace time.Duration `yaml:"republish_grace"`
	RepublishBatch int           `yaml:"republish_batch"`
}

type AutoPrepare struct {
	Enabled      bool          `yaml:"enabled"`
	StartAfter   time.Duration `yaml:"start_after"`
	PrepareFor   time.Duration `yaml:"prepare_for"`
	CollectAfter time.Duration `yaml:"collect_after"`
}

type Station struct {
	Kind           string        `yaml:"kind"`
	WorkerName     string        `yaml:"worker_name"`
	Port           int           `yaml:"port"`
	Prefetch       int           `yaml:"prefetch"`
	CoordinatorURL string        `yaml:"coordinator_url"`
	ResendEvery    time.Duration `yaml:"resend_every"`
	AutoPrepare    AutoPrepare   `yaml:"auto_prepare"`
	// JournalPath is the SQLite file holding the board. Empty means
	// "<worker_name>-board.db" in the working directory.
	JournalPath    string        `yaml:"journal_path"`
}

type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type Telemetry struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

type App struct {
	LogLevel    string            `yaml:"log_level"`
	Database    DB                `yaml:"database"`
	Rabbit      MQ                `yaml:"rabbitmq"`
	Redis       Redis             `yaml:"redis"`
	Coordinator Coordinator       `yaml:"coordinator"`
	Station     Station           `yaml:"station"`
	Retry       Retry             `yaml:"retry"`
	Catalog     map[string]string `yaml:"catalog"`
	Telemetry   Telemetry         `yaml:"telemetry"`
}

func Defaults() App {
	return App{
		LogLevel: "info",
		Database: DB{Port: 5432, SSLMode: "disable", MaxConns: 10},
		Rabbit:   MQ{Port: 5672, VHost: "/"},
		Redis:    Redis{TTL: 2 * time.Second},
		Coordinator: Coordinator{
			Port:           3000,
			Store:          "postgres",
			PublishTimeout: 5 * time.Second,
			RepublishEvery: 10 * time.Second,
			RepublishGrace: 30 * time.Second,
			RepublishBatch: 100,
		},
		Station: Station{
			Port:           3001,
			Prefetch:       1,
			CoordinatorURL: "http://localhost:3000",
			ResendEvery:    15 * time.Second,
			AutoPrepare: AutoPrepare{
				StartAfter: time.Second,
				PrepareFor: 8 * time.Second,
			},
		},
		Retry:     Retry{MaxAttempts: 5, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second},
		Telemetry: Telemetry{Endpoint: "localhost:4317", ServiceName: "order-fulfillment"},
	}
}

// Load reads path on top of Defaults and validates the result.
func Load(path string) (App, error) {
	a := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return App{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &a); err != nil {
		return App{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := a.Validate(); err != nil {
		return App{}, fmt.Errorf("invalid config: %w", err)
	}
	return a, nil
}

func (a App) Validate() error {
	if a.Rabbit.Host == "" || a.Rabbit.User == "" {
		return errors.New("rabbitmq host and user are required")
	}
	switch a.Coordinator.Store {
	case "memory":
	case "postgres":
		if a.Database.Host == "" || a.Database.User == "" || a.Database.Name == "" {
			return errors.New("database host, user and database are required for the postgres store")
		}
	default:
		return fmt.Errorf("coordinator.store must be memory or postgres, got %q", a.Coordinator.Store)
	}
	if a.Retry.MaxAttempts <= 0 {
		return errors.New("retry.max_attempts must be positive")
	}
	if a.Retry.InitialBackoff <= 0 || a.Retry.MaxBackoff < a.Retry.InitialBackoff {
		return errors.New("retry backoff must be positive and max_backoff >= initial_backoff")
	}
	if a.Coordinator.RepublishEvery <= 0 || a.Coordinator.RepublishBatch <= 0 {
		return errors.New("coordinator republish interval and batch must be positive")
	}
	if a.Redis.Addr != "" && a.Redis.TTL <= 0 {
		return fmt.Errorf("redis.ttl must be positive when redis.addr is set, got %s", a.Redis.TTL)
	}
	return nil
}

func FindConfig() (string, error) {
	candidates := []string{"config.yaml", "deploy/config.example.yaml"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fs.ErrNotExist
}
