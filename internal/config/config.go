// Package config resolves the settings the server loop needs from three
// sources of decreasing precedence: CLI flags, an optional mpld.yaml file,
// and built-in defaults. internal/server only ever sees the resolved
// Config struct, so it stays agnostic of where a setting came from — the
// "config file loading" spec.md treats as an external collaborator the
// supervisor engine itself must not hard-depend on.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ianremillard/mpld/internal/framing"
)

// Config is the fully resolved set of options the server loop runs with.
type Config struct {
	Framing         string   `yaml:"framing"`
	Require         []string `yaml:"require"`
	KillPgroup      bool     `yaml:"kill_pgroup"`
	MaxLineLength   int64    `yaml:"max_line_length"`
	ShutdownTimeout float64  `yaml:"shutdown_timeout"`
	RuntimeDir      string   `yaml:"runtime_dir"`
	CaptureStderr   bool     `yaml:"capture_stderr"`

	// Command is the subcommand and its arguments, split off the CLI
	// invocation after "--".
	Command []string `yaml:"-"`
}

// fileConfig mirrors the subset of Config that mpld.yaml may set. Command
// is deliberately absent: the subcommand to run always comes from the CLI.
type fileConfig struct {
	Framing         *string  `yaml:"framing"`
	Require         []string `yaml:"require"`
	KillPgroup      *bool    `yaml:"kill_pgroup"`
	MaxLineLength   *string  `yaml:"max_line_length"`
	ShutdownTimeout *float64 `yaml:"shutdown_timeout"`
	RuntimeDir      *string  `yaml:"runtime_dir"`
	CaptureStderr   *bool    `yaml:"capture_stderr"`
}

func defaults() Config {
	return Config{
		Framing:         framing.None,
		MaxLineLength:   0,
		ShutdownTimeout: 10,
		RuntimeDir:      os.TempDir(),
		CaptureStderr:   true,
	}
}

// Load resolves a Config from the given CLI args (as passed to a program,
// not including argv[0]) plus an optional config file. configPath is the
// value of -c/--config; when empty, ./mpld.yaml is used if present and
// silently skipped if not. Flags always override file values, and the
// file overrides built-in defaults.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := defaults()

	var (
		framingName     string
		requireFiles    stringSlice
		killPgroup      bool
		maxLineLength   string
		configPath      string
		noCaptureStderr bool
	)

	fs.StringVar(&framingName, "framing", "", "framing format: none, line, json, logfmt, or a registered name")
	fs.StringVar(&framingName, "f", "", "shorthand for -framing")
	fs.Var(&requireFiles, "require", "load an external framing plugin (may be repeated)")
	fs.Var(&requireFiles, "r", "shorthand for -require")
	fs.BoolVar(&killPgroup, "kill-pgroup", false, "forward signals to the child's process group")
	fs.StringVar(&maxLineLength, "max-line-length", "", "max bytes buffered per stream line (k/M/G suffixes, 0 = unlimited)")
	fs.StringVar(&maxLineLength, "l", "", "shorthand for -max-line-length")
	fs.StringVar(&configPath, "config", "", "path to an mpld.yaml config file")
	fs.StringVar(&configPath, "c", "", "shorthand for -config")
	fs.BoolVar(&noCaptureStderr, "no-capture-stderr", false, "let the child's stderr pass through instead of capturing it")

	splitAt := len(args)
	for i, a := range args {
		if a == "--" {
			splitAt = i
			break
		}
	}
	flagArgs, command := args[:splitAt], args[splitAt:]
	if len(command) > 0 {
		command = command[1:] // drop the "--" separator itself
	}

	if err := fs.Parse(flagArgs); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	if fc, ok, err := loadFile(configPath); err != nil {
		return Config{}, err
	} else if ok {
		applyFile(&cfg, fc)
	}

	if framingName != "" {
		cfg.Framing = framingName
	}
	if len(requireFiles) > 0 {
		cfg.Require = append(cfg.Require, []string(requireFiles)...)
	}
	if killPgroup {
		cfg.KillPgroup = true
	}
	if maxLineLength != "" {
		n, err := ParseByteSize(maxLineLength)
		if err != nil {
			return Config{}, fmt.Errorf("config: -max-line-length: %w", err)
		}
		cfg.MaxLineLength = n
	}
	if noCaptureStderr {
		cfg.CaptureStderr = false
	}
	cfg.Command = command

	if len(cfg.Command) == 0 {
		return Config{}, fmt.Errorf("config: no subcommand given (expected: mpld [options] -- <command> [args...])")
	}

	return cfg, nil
}

func loadFile(explicitPath string) (fileConfig, bool, error) {
	path := explicitPath
	if path == "" {
		path = "mpld.yaml"
		if _, err := os.Stat(path); err != nil {
			return fileConfig{}, false, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if explicitPath == "" {
			return fileConfig{}, false, nil
		}
		return fileConfig{}, false, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, false, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return fc, true, nil
}

func applyFile(cfg *Config, fc fileConfig) {
	if fc.Framing != nil {
		cfg.Framing = *fc.Framing
	}
	if len(fc.Require) > 0 {
		cfg.Require = append(cfg.Require, fc.Require...)
	}
	if fc.KillPgroup != nil {
		cfg.KillPgroup = *fc.KillPgroup
	}
	if fc.MaxLineLength != nil {
		if n, err := ParseByteSize(*fc.MaxLineLength); err == nil {
			cfg.MaxLineLength = n
		}
	}
	if fc.ShutdownTimeout != nil {
		cfg.ShutdownTimeout = *fc.ShutdownTimeout
	}
	if fc.RuntimeDir != nil {
		cfg.RuntimeDir = *fc.RuntimeDir
	}
	if fc.CaptureStderr != nil {
		cfg.CaptureStderr = *fc.CaptureStderr
	}
}

// ParseByteSize parses a byte count with an optional k, M, or G suffix
// (1024-based), as used for -l/--max-line-length.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	mult := int64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * mult, nil
}

// stringSlice is a repeatable string flag (-require a -require b).
type stringSlice []string

func (s *stringSlice) String() string { return "" }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}
