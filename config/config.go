package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes "3s"-style strings from YAML, which yaml.v3 does
// not do for time.Duration itself.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	NodeID   int64  `yaml:"node_id"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL Duration      `yaml:"token_ttl"`
}

// CoreConfig holds the delivery-core tunables.
type CoreConfig struct {
	// OfflineGrace delays the offline presence transition so a quick
	// reconnect after a network blip does not flap presence.
	OfflineGrace Duration `yaml:"offline_grace"`
	// PresenceDebounce collapses bursts of transitions for the same
	// user into the final state.
	PresenceDebounce Duration `yaml:"presence_debounce"`
	// TypingTTL is how long a typing indicator stays fresh without a
	// refresh.
	TypingTTL Duration `yaml:"typing_ttl"`
	// SendQueueSize is the per-connection outbound buffer.
	SendQueueSize int `yaml:"send_queue_size"`
	// MaxStuckSends force-disconnects a connection after this many
	// consecutive full-buffer sends.
	MaxStuckSends int `yaml:"max_stuck_sends"`
	// FanoutWorkers is the size of the fan-out worker pool.
	FanoutWorkers int `yaml:"fanout_workers"`
}

type StoreConfig struct {
	Driver   string         `yaml:"driver"` // memory | mongo | postgres
	Mongo    MongoConfig    `yaml:"mongo"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SinkConfig struct {
	Driver string      `yaml:"driver"` // none | kafka | nats
	Kafka  KafkaConfig `yaml:"kafka"`
	Nats   NatsConfig  `yaml:"nats"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NatsConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type AppConfig struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Core   CoreConfig   `yaml:"core"`
	Store  StoreConfig  `yaml:"store"`
	Redis  RedisConfig  `yaml:"redis"`
	Sink   SinkConfig   `yaml:"sink"`
}

func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{Port: 8080, LogLevel: "info", NodeID: 1},
		Auth:   AuthConfig{Secret: "dev-secret-change-me", TokenTTL: Duration(2 * time.Hour)},
		Core: CoreConfig{
			OfflineGrace:     Duration(3 * time.Second),
			PresenceDebounce: Duration(2 * time.Second),
			TypingTTL:        Duration(5 * time.Second),
			SendQueueSize:    256,
			MaxStuckSends:    50,
			FanoutWorkers:    8,
		},
		Store: StoreConfig{
			Driver: "memory",
			Mongo:  MongoConfig{URI: "mongodb://localhost:27017", Database: "chatrelay"},
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		Sink:  SinkConfig{Driver: "none", Kafka: KafkaConfig{Topic: "chat-events"}, Nats: NatsConfig{Subject: "chat.events"}},
	}
}

// Load reads the YAML config at path, falling back to defaults for
// anything unset. A missing file is not an error: defaults apply.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.normalize()
	return cfg, nil
}

func (c *AppConfig) normalize() {
	d := Default()
	if c.Core.OfflineGrace <= 0 {
		c.Core.OfflineGrace = d.Core.OfflineGrace
	}
	if c.Core.PresenceDebounce <= 0 {
		c.Core.PresenceDebounce = d.Core.PresenceDebounce
	}
	if c.Core.TypingTTL <= 0 {
		c.Core.TypingTTL = d.Core.TypingTTL
	}
	if c.Core.SendQueueSize <= 0 {
		c.Core.SendQueueSize = d.Core.SendQueueSize
	}
	if c.Core.MaxStuckSends <= 0 {
		c.Core.MaxStuckSends = d.Core.MaxStuckSends
	}
	if c.Core.FanoutWorkers <= 0 {
		c.Core.FanoutWorkers = d.Core.FanoutWorkers
	}
	if c.Server.Port <= 0 {
		c.Server.Port = d.Server.Port
	}
}
