// Package config handles wasmvm.toml configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"

	"github.com/chazu/wasmvm/executor"
	"github.com/chazu/wasmvm/vm"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "wasmvm.toml"

//go:embed schema.cue
var schemaSrc string

// Config represents a wasmvm.toml file.
type Config struct {
	Server   Server    `toml:"server"`
	Executor Executor  `toml:"executor"`
	VM       vm.Config `toml:"vm"`
	Log      Log       `toml:"log"`
	Store    Store     `toml:"store"`

	// Dir is the directory containing the wasmvm.toml file (set at load
	// time). Empty when no file was found.
	Dir string `toml:"-"`
}

// Server configures `wasmvm serve`.
type Server struct {
	Addr          string        `toml:"addr"`
	IdleTTL       time.Duration `toml:"idle-ttl"`
	SweepInterval time.Duration `toml:"sweep-interval"`
	MaxPages      int           `toml:"max-pages"`
}

// Executor selects where client sessions run their VMs.
type Executor struct {
	Kind     string        `toml:"kind"`
	Address  string        `toml:"address"`
	Codec    string        `toml:"codec"`
	Timeout  time.Duration `toml:"timeout"`
	MaxPages int           `toml:"max-pages"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Store configures the session store.
type Store struct {
	Path string `toml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	if c.Server.IdleTTL > 0 && c.Server.SweepInterval == 0 {
		c.Server.SweepInterval = c.Server.IdleTTL / 2
	}
	if c.Executor.Kind == "" {
		c.Executor.Kind = string(executor.KindLocal)
	}
	if c.Executor.Address == "" {
		switch executor.Kind(c.Executor.Kind) {
		case executor.KindConnect:
			c.Executor.Address = "http://localhost:8000"
		case executor.KindGRPC:
			c.Executor.Address = "localhost:8000"
		}
	}
	if c.Executor.Codec == "" {
		c.Executor.Codec = "cbor"
	}
	if c.VM.Pages == 0 && c.VM.MaxPages == 0 {
		c.VM = vm.Config{Pages: 1, MaxPages: 1}
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.Dir, ".wasmvm", "sessions.db")
	}
}

// Validate checks cross-field constraints the schema can't express.
func (c *Config) Validate() error {
	if err := c.VM.Validate(); err != nil {
		return fmt.Errorf("config: [vm]: %w", err)
	}
	if c.Server.IdleTTL < 0 || c.Server.SweepInterval < 0 || c.Executor.Timeout < 0 {
		return errors.New("config: durations must not be negative")
	}
	return nil
}

// ExecutorOptions converts the [executor] section for executor.New.
func (c *Config) ExecutorOptions() executor.Options {
	return executor.Options{
		Kind:     executor.Kind(c.Executor.Kind),
		Address:  c.Executor.Address,
		Codec:    c.Executor.Codec,
		Timeout:  c.Executor.Timeout,
		MaxPages: c.Executor.MaxPages,
	}
}

// Parse decodes and validates TOML content. name is used in errors.
func Parse(data []byte, name string) (*Config, error) {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := checkSchema(raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}

	var c Config
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", name, err)
	}
	return &c, nil
}

// checkSchema unifies the decoded document with the CUE schema.
func checkSchema(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString("close({"+schemaSrc+"})", cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return err
	}
	value := ctx.Encode(raw)
	if err := value.Err(); err != nil {
		return err
	}
	return schema.Unify(value).Validate(cue.Concrete(true))
}

// Load parses a wasmvm.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data, path)
	if err != nil {
		return nil, err
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a wasmvm.toml file, then
// loads it. Without a file it returns Default().
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}
