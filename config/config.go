// Package config loads runtime settings for the service and orchestrator binaries.
//
// Settings are layered: Default() → file (TOML or YAML, by extension) → environment.
// A key missing from the file keeps its default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"svcbus/broker"
	"svcbus/client"
	"svcbus/codec"
	"svcbus/registry"
)

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMessageTTL        = 30 * time.Second
	DefaultDialTimeout       = 5 * time.Second
)

type RegistrationConfig struct {
	Attempts          int
	PerAttemptTimeout time.Duration
	HeartbeatInterval time.Duration
}

type Config struct {
	Broker       broker.EtcdConfig
	ServiceID    string // instance id of this process, HOSTNAME by default
	Codec        codec.CodecType
	LogLevel     string
	Registration RegistrationConfig

	// Orchestrator side
	ZombieTimeout time.Duration
	CallTimeout   time.Duration
	CallRetries   int
	Balancer      string
	HTTPAddr      string

	// Dispatcher rate limit; RateLimit <= 0 disables it
	RateLimit float64
	RateBurst int
}

func Default() Config {
	return Config{
		Broker: broker.EtcdConfig{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: DefaultDialTimeout,
			MessageTTL:  DefaultMessageTTL,
			KeyPrefix:   broker.DefaultKeyPrefix,
		},
		Codec:    codec.CodecTypeBinary,
		LogLevel: "info",
		Registration: RegistrationConfig{
			Attempts:          registry.DefaultAttempts,
			PerAttemptTimeout: registry.DefaultPerAttemptTimeout,
			HeartbeatInterval: DefaultHeartbeatInterval,
		},
		ZombieTimeout: registry.DefaultZombieTimeout,
		CallTimeout:   client.DefaultCallTimeout,
		Balancer:      "random",
		HTTPAddr:      ":8080",
		RateBurst:     1,
	}
}

// Load builds the effective configuration: defaults, then path (if not empty), then
// the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	ApplyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type fileConfig struct {
	LogLevel string `toml:"log_level" yaml:"log_level"`
	Codec    string `toml:"codec" yaml:"codec"`
	Broker   struct {
		Endpoints   []string `toml:"endpoints" yaml:"endpoints"`
		Username    string   `toml:"username" yaml:"username"`
		Password    string   `toml:"password" yaml:"password"`
		DialTimeout string   `toml:"dial_timeout" yaml:"dial_timeout"`
		MessageTTL  string   `toml:"message_ttl" yaml:"message_ttl"`
		KeyPrefix   string   `toml:"key_prefix" yaml:"key_prefix"`
	} `toml:"broker" yaml:"broker"`
	Service struct {
		ID        string  `toml:"id" yaml:"id"`
		RateLimit float64 `toml:"rate_limit" yaml:"rate_limit"`
		RateBurst int     `toml:"rate_burst" yaml:"rate_burst"`
	} `toml:"service" yaml:"service"`
	Registration struct {
		Attempts  int    `toml:"attempts" yaml:"attempts"`
		Timeout   string `toml:"timeout" yaml:"timeout"`
		Heartbeat string `toml:"heartbeat" yaml:"heartbeat"`
	} `toml:"registration" yaml:"registration"`
	Orchestrator struct {
		ZombieTimeout string `toml:"zombie_timeout" yaml:"zombie_timeout"`
		CallTimeout   string `toml:"call_timeout" yaml:"call_timeout"`
		CallRetries   int    `toml:"call_retries" yaml:"call_retries"`
		Balancer      string `toml:"balancer" yaml:"balancer"`
		HTTPAddr      string `toml:"http_addr" yaml:"http_addr"`
	} `toml:"orchestrator" yaml:"orchestrator"`
}

// LoadFile overlays the keys present in path onto cfg. The format follows the
// extension: .toml, .yaml or .yml.
func LoadFile(cfg *Config, path string) error {
	var (
		raw     fileConfig
		defined func(key ...string) bool
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		defined = meta.IsDefined
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		var root yaml.Node
		if err := yaml.Unmarshal(data, &root); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		if err := root.Decode(&raw); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
		defined = func(key ...string) bool { return yamlDefined(&root, key) }
	default:
		return fmt.Errorf("load config %s: unsupported extension %q", path, ext)
	}
	return apply(cfg, &raw, defined)
}

func apply(cfg *Config, raw *fileConfig, defined func(key ...string) bool) error {
	if defined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if defined("codec") {
		ct, err := codec.ParseCodecType(strings.TrimSpace(raw.Codec))
		if err != nil {
			return err
		}
		cfg.Codec = ct
	}

	if defined("broker", "endpoints") {
		cfg.Broker.Endpoints = normalizeList(raw.Broker.Endpoints)
	}
	if defined("broker", "username") {
		cfg.Broker.Username = raw.Broker.Username
	}
	if defined("broker", "password") {
		cfg.Broker.Password = raw.Broker.Password
	}
	if defined("broker", "key_prefix") {
		cfg.Broker.KeyPrefix = strings.TrimSpace(raw.Broker.KeyPrefix)
	}

	if defined("service", "id") {
		cfg.ServiceID = strings.TrimSpace(raw.Service.ID)
	}
	if defined("service", "rate_limit") {
		cfg.RateLimit = raw.Service.RateLimit
	}
	if defined("service", "rate_burst") {
		cfg.RateBurst = raw.Service.RateBurst
	}

	if defined("registration", "attempts") {
		cfg.Registration.Attempts = raw.Registration.Attempts
	}

	if defined("orchestrator", "call_retries") {
		cfg.CallRetries = raw.Orchestrator.CallRetries
	}
	if defined("orchestrator", "balancer") {
		cfg.Balancer = strings.TrimSpace(raw.Orchestrator.Balancer)
	}
	if defined("orchestrator", "http_addr") {
		cfg.HTTPAddr = strings.TrimSpace(raw.Orchestrator.HTTPAddr)
	}

	durations := []struct {
		key []string
		val string
		dst *time.Duration
	}{
		{[]string{"broker", "dial_timeout"}, raw.Broker.DialTimeout, &cfg.Broker.DialTimeout},
		{[]string{"broker", "message_ttl"}, raw.Broker.MessageTTL, &cfg.Broker.MessageTTL},
		{[]string{"registration", "timeout"}, raw.Registration.Timeout, &cfg.Registration.PerAttemptTimeout},
		{[]string{"registration", "heartbeat"}, raw.Registration.Heartbeat, &cfg.Registration.HeartbeatInterval},
		{[]string{"orchestrator", "zombie_timeout"}, raw.Orchestrator.ZombieTimeout, &cfg.ZombieTimeout},
		{[]string{"orchestrator", "call_timeout"}, raw.Orchestrator.CallTimeout, &cfg.CallTimeout},
	}
	for _, d := range durations {
		if !defined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}
	return nil
}

// ApplyEnv overlays the broker connection, instance id and log level from the
// environment. lookup is usually os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("BROKER_ENDPOINTS"); ok && strings.TrimSpace(v) != "" {
		cfg.Broker.Endpoints = normalizeList(strings.Split(v, ","))
	}
	if v, ok := lookup("BROKER_USERNAME"); ok {
		cfg.Broker.Username = v
	}
	if v, ok := lookup("BROKER_PASSWORD"); ok {
		cfg.Broker.Password = v
	}
	if v, ok := lookup("HOSTNAME"); ok && cfg.ServiceID == "" {
		cfg.ServiceID = strings.TrimSpace(v)
	}
	if v, ok := lookup("LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		cfg.LogLevel = strings.TrimSpace(v)
	}
}

func (c Config) Validate() error {
	if len(c.Broker.Endpoints) == 0 {
		return fmt.Errorf("config: no broker endpoints")
	}
	if c.Registration.Attempts < 1 {
		return fmt.Errorf("config: registration attempts must be at least 1, got %d", c.Registration.Attempts)
	}
	if c.Registration.PerAttemptTimeout <= 0 {
		return fmt.Errorf("config: registration timeout must be positive")
	}
	if c.ZombieTimeout <= 0 || c.CallTimeout <= 0 {
		return fmt.Errorf("config: zombie and call timeouts must be positive")
	}
	return nil
}

// yamlDefined reports whether the mapping path key exists in the document.
func yamlDefined(root *yaml.Node, key []string) bool {
	n := root
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return false
		}
		n = n.Content[0]
	}
	for _, k := range key {
		if n.Kind != yaml.MappingNode {
			return false
		}
		var next *yaml.Node
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == k {
				next = n.Content[i+1]
				break
			}
		}
		if next == nil {
			return false
		}
		n = next
	}
	return true
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}
