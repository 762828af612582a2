// Package config loads rethinkkv's engine configuration: a TOML file on
// disk merged with CLI flag overrides (§6 "Configuration"), the same
// two-layer shape cmd/geth's config.go applies to its own TOML +
// urfave/cli flags.
package config

import (
	"bufio"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/naoina/toml"
)

// Config holds every engine-wide tunable named in §6: slice count, cache
// size, flush timers, GC ratios, block/extent size.
type Config struct {
	DataDir string `toml:"datadir"`

	NumSlices    int `toml:"num_slices"`
	MaxValueSize int `toml:"max_value_size"`

	CacheSizeBytes       int64 `toml:"cache_size_bytes"`
	MaxConcurrentFlushes int64 `toml:"max_concurrent_flushes"`
	FlushIntervalMillis  int64 `toml:"flush_interval_millis"`

	BlockSize  uint32 `toml:"block_size"`
	ExtentSize uint32 `toml:"extent_size"`
	ZoneSize   uint32 `toml:"zone_size"`

	// GCForegroundRatio/GCBackgroundRatio bound how aggressively the
	// block store reclaims free extents in the foreground vs. the
	// background GC pass (§4.4's "foreground/background garbage
	// collector").
	GCForegroundRatio float64 `toml:"gc_foreground_ratio"`
	GCBackgroundRatio float64 `toml:"gc_background_ratio"`
}

// Default returns the configuration a fresh `rethinkkv create` uses
// absent any file or flags.
func Default() Config {
	return Config{
		NumSlices:            8,
		MaxValueSize:         1 << 20,
		CacheSizeBytes:       64 << 20,
		MaxConcurrentFlushes: 4,
		FlushIntervalMillis:  1000,
		BlockSize:            4096,
		ExtentSize:           4 << 20,
		ZoneSize:             64 << 20,
		GCForegroundRatio:    0.05,
		GCBackgroundRatio:    0.25,
	}
}

// tomlSettings mirrors cmd/geth/config.go's naoina/toml.Config: field
// names are matched case-insensitively against the snake_case `toml`
// tags above, and an unrecognized key in the file is an error rather
// than silently ignored, so a typo'd config key doesn't just vanish.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return strings.ToLower(key)
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return strings.ToLower(field)
	},
	MissingField: func(rt reflect.Type, field string) error {
		return &missingFieldError{typ: rt.String(), field: field}
	},
}

type missingFieldError struct {
	typ   string
	field string
}

func (e *missingFieldError) Error() string {
	return "config: unrecognized field '" + e.field + "' for " + e.typ
}

// LoadTOML reads and decodes a config file on top of Default().
func LoadTOML(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EncodeTOML writes cfg as TOML to w (`rethinkkv admin dumpconfig`'s
// stdout report).
func EncodeTOML(w io.Writer, cfg Config) error {
	return tomlSettings.NewEncoder(w).Encode(cfg)
}

// WriteTOML writes cfg out as a TOML file.
func WriteTOML(path string, cfg Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return EncodeTOML(f, cfg)
}
