// Package config loads blockorigin.yaml.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"voxelcraft.ai/blockorigin/internal/oracle"
	"voxelcraft.ai/blockorigin/internal/placement"
	"voxelcraft.ai/blockorigin/internal/resolver"
	"voxelcraft.ai/blockorigin/internal/verdictcache"
)

//go:embed config.schema.json
var schemaJSON string

const (
	BackendSQLite = "sqlite"
	BackendRemote = "remote"
	BackendNone   = "none"
)

type Config struct {
	HTTP    HTTP        `yaml:"http"`
	Tracker Tracker     `yaml:"tracker"`
	Cache   Cache       `yaml:"cache"`
	Oracle  Oracle      `yaml:"oracle"`
	Audit   Audit       `yaml:"audit"`
	Worlds  []WorldSpec `yaml:"worlds"`
}

type HTTP struct {
	Listen string `yaml:"listen"`
}

type Tracker struct {
	MaxTracked    int `yaml:"max_tracked"`
	EvictionBatch int `yaml:"eviction_batch"`
}

type Cache struct {
	MaxEntries      int           `yaml:"max_entries"`
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type Oracle struct {
	Backend       string        `yaml:"backend"`
	Lookback      time.Duration `yaml:"lookback"`
	Timeout       time.Duration `yaml:"timeout"`
	MinAPIVersion int           `yaml:"min_api_version"`
	SQLitePath    string        `yaml:"sqlite_path"`
	RemoteURL     string        `yaml:"remote_url"`
}

type Audit struct {
	Dir         string `yaml:"dir"`
	ItemPickups bool   `yaml:"item_pickups"`
}

type WorldSpec struct {
	Name string `yaml:"name"`
	UID  string `yaml:"uid"`
}

func Defaults() Config {
	return Config{
		HTTP: HTTP{Listen: ":8085"},
		Tracker: Tracker{
			MaxTracked:    placement.DefaultMaxTracked,
			EvictionBatch: placement.DefaultEvictionBatch,
		},
		Cache: Cache{
			MaxEntries:      verdictcache.DefaultMaxEntries,
			TTL:             verdictcache.DefaultTTL,
			CleanupInterval: verdictcache.DefaultCleanupInterval,
		},
		Oracle: Oracle{
			Backend:       BackendSQLite,
			Lookback:      oracle.DefaultLookback,
			Timeout:       resolver.DefaultTimeout,
			MinAPIVersion: oracle.MinAPIVersion,
			SQLitePath:    "./data/index/audit.sqlite",
		},
		Audit: Audit{
			Dir:         "./data/audit",
			ItemPickups: true,
		},
	}
}

// Load reads path on top of Defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	return Parse(b)
}

// Parse validates raw YAML against the embedded schema and decodes it on top of Defaults.
func Parse(b []byte) (Config, error) {
	cfg := Defaults()
	if err := validateSchema(b); err != nil {
		return cfg, fmt.Errorf("blockorigin.yaml: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("blockorigin.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("blockorigin.yaml: %w", err)
	}
	return cfg, nil
}

func validateSchema(b []byte) error {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees JSON-native types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	s, err := jsonschema.CompileString("config.schema.json", schemaJSON)
	if err != nil {
		return err
	}
	return s.Validate(v)
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Oracle.Backend = strings.ToLower(strings.TrimSpace(c.Oracle.Backend))
	if c.Oracle.Backend == "" {
		c.Oracle.Backend = BackendSQLite
	}
	if c.Tracker.EvictionBatch > c.Tracker.MaxTracked && c.Tracker.MaxTracked > 0 {
		c.Tracker.EvictionBatch = c.Tracker.MaxTracked
	}
	for i := range c.Worlds {
		c.Worlds[i].Name = strings.TrimSpace(c.Worlds[i].Name)
		c.Worlds[i].UID = strings.ToLower(strings.TrimSpace(c.Worlds[i].UID))
	}
}

func (c Config) Validate() error {
	if c.Tracker.MaxTracked <= 0 {
		return fmt.Errorf("tracker.max_tracked must be > 0")
	}
	if c.Tracker.EvictionBatch <= 0 {
		return fmt.Errorf("tracker.eviction_batch must be > 0")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be > 0")
	}
	if c.Cache.TTL <= 0 || c.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("cache.ttl and cache.cleanup_interval must be > 0")
	}
	if c.Oracle.Lookback <= 0 || c.Oracle.Timeout <= 0 {
		return fmt.Errorf("oracle.lookback and oracle.timeout must be > 0")
	}
	switch c.Oracle.Backend {
	case BackendSQLite:
		if strings.TrimSpace(c.Oracle.SQLitePath) == "" {
			return fmt.Errorf("oracle.sqlite_path is required for backend sqlite")
		}
	case BackendRemote:
		if strings.TrimSpace(c.Oracle.RemoteURL) == "" {
			return fmt.Errorf("oracle.remote_url is required for backend remote")
		}
	case BackendNone:
	default:
		return fmt.Errorf("unsupported oracle.backend: %s", c.Oracle.Backend)
	}
	seen := map[string]bool{}
	for _, w := range c.Worlds {
		if w.Name == "" {
			return fmt.Errorf("world name must not be empty")
		}
		if seen[w.Name] {
			return fmt.Errorf("duplicate world name: %s", w.Name)
		}
		seen[w.Name] = true
		if _, err := uuid.Parse(w.UID); err != nil {
			return fmt.Errorf("world %s uid: %w", w.Name, err)
		}
	}
	return nil
}

// WorldID resolves a configured world name or a literal UUID.
func (c Config) WorldID(nameOrUID string) (uuid.UUID, error) {
	s := strings.TrimSpace(nameOrUID)
	for _, w := range c.Worlds {
		if strings.EqualFold(w.Name, s) {
			return uuid.Parse(w.UID)
		}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("unknown world %q", s)
	}
	return id, nil
}

func (c Config) TrackerOptions() placement.Options {
	return placement.Options{MaxTracked: c.Tracker.MaxTracked, EvictionBatch: c.Tracker.EvictionBatch}
}

func (c Config) CacheOptions() verdictcache.Options {
	return verdictcache.Options{
		MaxEntries:      c.Cache.MaxEntries,
		TTL:             c.Cache.TTL,
		CleanupInterval: c.Cache.CleanupInterval,
	}
}
