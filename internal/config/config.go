package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LineNo selects how line numbers are computed for sampled frames.
type LineNo int

const (
	// NoLine reports every frame with line 0.
	NoLine LineNo = iota
	// FirstLineNo reports the first line of the enclosing function.
	FirstLineNo
	// LastInstruction decodes the code object's line table against the
	// frame's last executed instruction. Most precise, slightly costlier.
	LastInstruction
)

// Config captures how samples are collected from a target process.
type Config struct {
	// Rate is the mean number of samples collected per second.
	Rate uint32 `yaml:"rate"`

	// Native merges native (C/C++/Cython) frames into the sampled stacks.
	// Requires pausing the target while walking its stack.
	Native bool `yaml:"native"`

	// NonBlocking skips pausing the target when taking samples. Reduces
	// the performance impact on the target, but can produce partial
	// stacks and a higher sampling error rate. Incompatible with Native.
	NonBlocking bool `yaml:"non_blocking"`

	// Subprocesses follows child processes of the target.
	Subprocesses bool `yaml:"subprocesses"`

	// IncludeIdle also emits traces for threads that are not running.
	IncludeIdle bool `yaml:"include_idle"`

	// GILOnly only emits traces for the thread holding the GIL.
	GILOnly bool `yaml:"gil_only"`

	// DumpLocals includes local variables in frames. 0 disables; larger
	// values allow proportionally longer value reprs.
	DumpLocals uint8 `yaml:"dump_locals"`

	// LineNo selects the line number policy (none, first, lasti).
	LineNo LineNo `yaml:"-"`

	// LinePolicy is the yaml/env spelling of LineNo.
	LinePolicy string `yaml:"line_policy"`

	// LogToFile routes diagnostics to ~/.openspy/logs instead of stderr.
	LogToFile bool `yaml:"log_to_file"`
}

const defaultConfigFile = "openspy.yaml"

// Default returns a Config pre-populated with the defaults used when
// profiling an arbitrary process.
func Default() Config {
	return Config{
		Rate:         100,
		Native:       false,
		NonBlocking:  false,
		Subprocesses: false,
		IncludeIdle:  false,
		GILOnly:      false,
		DumpLocals:   0,
		LineNo:       LastInstruction,
		LinePolicy:   "lasti",
	}
}

// Resolve returns the effective configuration: defaults, overridden by the
// config file if one exists, overridden by environment variables.
func Resolve() (Config, error) {
	cfg := Default()

	if _, err := os.Stat(defaultConfigFile); err == nil {
		fileCfg, err := Load(defaultConfigFile)
		if err != nil {
			return cfg, err
		}
		cfg = merge(cfg, fileCfg)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Load reads a yaml configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if cfg.LinePolicy != "" {
		lineno, err := ParseLineNo(cfg.LinePolicy)
		if err != nil {
			return Config{}, err
		}
		cfg.LineNo = lineno
	}
	return cfg, nil
}

// merge overlays non-zero override fields on top of base.
func merge(base, override Config) Config {
	result := base
	if override.Rate != 0 {
		result.Rate = override.Rate
	}
	if override.Native {
		result.Native = true
	}
	if override.NonBlocking {
		result.NonBlocking = true
	}
	if override.Subprocesses {
		result.Subprocesses = true
	}
	if override.IncludeIdle {
		result.IncludeIdle = true
	}
	if override.GILOnly {
		result.GILOnly = true
	}
	if override.DumpLocals != 0 {
		result.DumpLocals = override.DumpLocals
	}
	if override.LinePolicy != "" {
		result.LinePolicy = override.LinePolicy
		result.LineNo = override.LineNo
	}
	if override.LogToFile {
		result.LogToFile = true
	}
	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENSPY_RATE"); v != "" {
		if rate, err := strconv.ParseUint(v, 10, 32); err == nil && rate > 0 {
			cfg.Rate = uint32(rate)
		}
	}
	if v := os.Getenv("OPENSPY_NATIVE"); v != "" {
		cfg.Native = isTruthy(v)
	}
	if v := os.Getenv("OPENSPY_NONBLOCKING"); v != "" {
		cfg.NonBlocking = isTruthy(v)
	}
	if v := os.Getenv("OPENSPY_SUBPROCESSES"); v != "" {
		cfg.Subprocesses = isTruthy(v)
	}
	if v := os.Getenv("OPENSPY_GIL_ONLY"); v != "" {
		cfg.GILOnly = isTruthy(v)
	}
	if v := os.Getenv("OPENSPY_LINE_POLICY"); v != "" {
		if lineno, err := ParseLineNo(v); err == nil {
			cfg.LineNo = lineno
			cfg.LinePolicy = v
		}
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// ParseLineNo maps the yaml/env spelling of a line policy to its value.
func ParseLineNo(v string) (LineNo, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "none":
		return NoLine, nil
	case "first", "first_lineno":
		return FirstLineNo, nil
	case "lasti", "last_instruction":
		return LastInstruction, nil
	}
	return NoLine, fmt.Errorf("config: unknown line policy %q", v)
}

// Validate rejects option combinations that cannot be honored.
func (c Config) Validate() error {
	if c.Native && c.NonBlocking {
		return errors.New("config: native profiling requires pausing the target, which non_blocking disables")
	}
	if c.Rate == 0 {
		return errors.New("config: rate must be at least 1 Hz")
	}
	return nil
}
