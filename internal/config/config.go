package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Audit store backends
const (
	StoreMemory = "memory"
	StorePebble = "pebble"
)

// Kafka client implementations
const (
	KafkaSarama  = "sarama"
	KafkaKafkaGo = "kafka-go"
)

// Config is the server configuration.
type Config struct {
	ListenAddr   string             `yaml:"listen_addr"`
	DatabaseURL  string             `yaml:"database_url"`
	JWTSecret    string             `yaml:"jwt_secret"`
	JWTTTL       time.Duration      `yaml:"jwt_ttl"`
	CommitReveal CommitRevealConfig `yaml:"commit_reveal"`
	Auction      AuctionConfig      `yaml:"auction"`
	Audit        AuditConfig        `yaml:"audit"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Log          LogConfig          `yaml:"log"`
}

// CommitRevealConfig controls the reveal window.
type CommitRevealConfig struct {
	RevealDelay    time.Duration `yaml:"reveal_delay"`
	RevealDeadline time.Duration `yaml:"reveal_deadline"` // 0 disables the deadline
}

// AuctionConfig controls batch clearing.
type AuctionConfig struct {
	AllocationDecimals int32 `yaml:"allocation_decimals"`
}

// AuditConfig selects the audit store and the optional Kafka publisher.
type AuditConfig struct {
	Store string      `yaml:"store"` // "memory" | "pebble"
	Dir   string      `yaml:"dir"`
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the audit broadcaster. No brokers disables it.
type KafkaConfig struct {
	Brokers  []string      `yaml:"brokers"`
	Topic    string        `yaml:"topic"`
	Client   string        `yaml:"client"` // "sarama" | "kafka-go"
	Interval time.Duration `yaml:"interval"`
}

// RateLimitConfig is the per-client request budget of the API.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// LogConfig selects the zap preset.
type LogConfig struct {
	Development bool `yaml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		JWTTTL:     24 * time.Hour,
		CommitReveal: CommitRevealConfig{
			RevealDelay: 300 * time.Second,
		},
		Auction: AuctionConfig{
			AllocationDecimals: 6,
		},
		Audit: AuditConfig{
			Store: StoreMemory,
			Dir:   "data/audit",
			Kafka: KafkaConfig{
				Topic:    "fairlaunch.audit",
				Client:   KafkaSarama,
				Interval: time.Second,
			},
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("FAIRLAUNCH_LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := lookup("FAIRLAUNCH_DATABASE_URL"); ok {
		c.DatabaseURL = v
	}
	if v, ok := lookup("FAIRLAUNCH_JWT_SECRET"); ok {
		c.JWTSecret = v
	}
	if v, ok := lookup("FAIRLAUNCH_KAFKA_BROKERS"); ok {
		c.Audit.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Audit.Kafka.Brokers = append(c.Audit.Kafka.Brokers, b)
			}
		}
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("jwt_secret must be at least 16 bytes"))
	}
	if c.JWTTTL <= 0 {
		errs = append(errs, errors.New("jwt_ttl must be positive"))
	}
	if c.CommitReveal.RevealDelay < 0 {
		errs = append(errs, errors.New("commit_reveal.reveal_delay must not be negative"))
	}
	if c.CommitReveal.RevealDeadline != 0 && c.CommitReveal.RevealDeadline < c.CommitReveal.RevealDelay {
		errs = append(errs, errors.New("commit_reveal.reveal_deadline must not precede reveal_delay"))
	}
	if d := c.Auction.AllocationDecimals; d < 0 || d > 18 {
		errs = append(errs, fmt.Errorf("auction.allocation_decimals %d outside 0..18", d))
	}
	switch c.Audit.Store {
	case StoreMemory:
	case StorePebble:
		if c.Audit.Dir == "" {
			errs = append(errs, errors.New("audit.dir is required for the pebble store"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.store %q is not one of memory, pebble", c.Audit.Store))
	}
	if len(c.Audit.Kafka.Brokers) > 0 {
		if c.Audit.Kafka.Topic == "" {
			errs = append(errs, errors.New("audit.kafka.topic is required with brokers"))
		}
		if c.Audit.Kafka.Client != KafkaSarama && c.Audit.Kafka.Client != KafkaKafkaGo {
			errs = append(errs, fmt.Errorf("audit.kafka.client %q is not one of sarama, kafka-go", c.Audit.Kafka.Client))
		}
		if c.Audit.Kafka.Interval <= 0 {
			errs = append(errs, errors.New("audit.kafka.interval must be positive"))
		}
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit.rps and rate_limit.burst must be positive"))
	}
	return errors.Join(errs...)
}
