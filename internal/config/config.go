// Package config loads the partitioner configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apex/log"
	"gopkg.in/yaml.v3"

	"binpart/internal/diag"
	"binpart/internal/disasm"
	"binpart/internal/partition"
)

var ErrInvalid = errors.New("config: invalid")

// Output formats understood by the partition command.
const (
	FormatJSON    = "json"
	FormatJSONL   = "jsonl"
	FormatMsgpack = "msgpack"
	FormatDOT     = "dot"
	FormatASM     = "asm"
)

var knownFormats = []string{FormatJSON, FormatJSONL, FormatMsgpack, FormatDOT, FormatASM}

// Config holds all configuration for a partitioning run.
type Config struct {
	// Arch forces the instruction set; empty means take it from the ELF header.
	Arch string `yaml:"arch"`

	// Entries are extra function entry addresses, as hex strings.
	Entries []string `yaml:"entries,omitempty"`

	// UseSymbols seeds functions from .symtab/.dynsym.
	UseSymbols bool `yaml:"use_symbols"`

	Partition PartitionConfig `yaml:"partition"`
	Matchers  MatcherConfig   `yaml:"matchers"`
	Output    OutputConfig    `yaml:"output"`
	Log       LogConfig       `yaml:"log"`
}

type PartitionConfig struct {
	MaxSteps                    int  `yaml:"max_steps"`
	DeadCodeIterations          int  `yaml:"dead_code_iterations"`
	EmitWarnings                bool `yaml:"emit_warnings"`
	FindCalledFunctions         bool `yaml:"find_called_functions"`
	FindPrologues               bool `yaml:"find_prologues"`
	AttachPadding               bool `yaml:"attach_padding"`
	AttachSurroundedData        bool `yaml:"attach_surrounded_data"`
	TolerateAdjacentFallthrough bool `yaml:"tolerate_adjacent_fallthrough"`
	Strict                      bool `yaml:"strict"`
}

// MatcherConfig selects matcher modules by registry name. All lists empty
// means the architecture's defaults.
type MatcherConfig struct {
	Prologues []string `yaml:"prologues,omitempty"`
	Padding   []string `yaml:"padding,omitempty"`
	Callbacks []string `yaml:"callbacks,omitempty"`
}

type OutputConfig struct {
	Dir     string   `yaml:"dir"`
	Formats []string `yaml:"formats"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	opts := partition.DefaultOptions()
	return &Config{
		UseSymbols: true,
		Partition: PartitionConfig{
			MaxSteps:             diag.DefaultMaxSteps,
			DeadCodeIterations:   opts.DeadCodeIterations,
			EmitWarnings:         opts.EmitWarnings,
			FindCalledFunctions:  opts.FindCalledFunctions,
			FindPrologues:        opts.FindPrologues,
			AttachPadding:        opts.AttachPadding,
			AttachSurroundedData: opts.AttachSurroundedData,
		},
		Output: OutputConfig{
			Dir:     "out",
			Formats: []string{FormatJSON, FormatMsgpack},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path over the defaults. An empty path or a
// missing file yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path as YAML, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BINPART_ARCH"); v != "" {
		cfg.Arch = v
	}
	if v := os.Getenv("BINPART_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BINPART_OUTPUT_DIR"); v != "" {
		cfg.Output.Dir = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch disasm.Arch(c.Arch) {
	case "", disasm.ArchAMD64, disasm.ArchARM64:
	default:
		return fmt.Errorf("%w: arch %q", ErrInvalid, c.Arch)
	}
	if _, err := c.EntryAddrs(); err != nil {
		return err
	}
	if c.Partition.MaxSteps < 0 {
		return fmt.Errorf("%w: max_steps must be non-negative", ErrInvalid)
	}
	if c.Partition.DeadCodeIterations < 0 {
		return fmt.Errorf("%w: dead_code_iterations must be non-negative", ErrInvalid)
	}
	for _, f := range c.Output.Formats {
		if !isKnownFormat(f) {
			return fmt.Errorf("%w: output format %q (want one of %s)", ErrInvalid, f, strings.Join(knownFormats, ", "))
		}
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.Log.Level)
	}
	return nil
}

func isKnownFormat(f string) bool {
	for _, k := range knownFormats {
		if f == k {
			return true
		}
	}
	return false
}

// HasFormat reports whether format f is selected.
func (c *Config) HasFormat(f string) bool {
	for _, g := range c.Output.Formats {
		if g == f {
			return true
		}
	}
	return false
}

// ParseAddr parses a hex address with or without a 0x prefix.
func ParseAddr(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: address %q", ErrInvalid, s)
	}
	return v, nil
}

// EntryAddrs parses Entries.
func (c *Config) EntryAddrs() ([]uint64, error) {
	out := make([]uint64, 0, len(c.Entries))
	for _, e := range c.Entries {
		v, err := ParseAddr(e)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// MatcherNames returns the selected module names, or nil for defaults.
func (c *Config) MatcherNames() []string {
	m := c.Matchers
	if len(m.Prologues)+len(m.Padding)+len(m.Callbacks) == 0 {
		return nil
	}
	var out []string
	out = append(out, m.Prologues...)
	out = append(out, m.Padding...)
	return append(out, m.Callbacks...)
}

// EngineOptions converts the partition section to engine options. The
// logger is left for the caller to set.
func (c *Config) EngineOptions() partition.Options {
	p := c.Partition
	opts := partition.Options{
		MaxSteps:             p.MaxSteps,
		DeadCodeIterations:   p.DeadCodeIterations,
		EmitWarnings:         p.EmitWarnings,
		FindCalledFunctions:  p.FindCalledFunctions,
		FindPrologues:        p.FindPrologues,
		AttachPadding:        p.AttachPadding,
		AttachSurroundedData: p.AttachSurroundedData,
		EdgePolicy:           partition.StrictEdgePolicy,
	}
	if p.TolerateAdjacentFallthrough {
		opts.EdgePolicy = partition.TolerateAdjacentFallthrough
	}
	if p.Strict {
		opts.Mode = diag.ModeStrict
	}
	return opts
}
