// Package config loads and validates VM configuration files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCPUs      = 2
	DefaultMemoryMiB = 256

	MinMemoryMiB = 16
	MaxCPUs      = 64
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// VMConfig describes one virtual machine. It is treated as immutable once
// loaded.
type VMConfig struct {
	CPUs      int    `yaml:"cpus,omitempty"`
	MemoryMiB uint64 `yaml:"memoryMiB,omitempty"`

	Kernel  string `yaml:"kernel"`
	Initrd  string `yaml:"initrd,omitempty"`
	Cmdline string `yaml:"cmdline,omitempty"`

	Disks   []DiskConfig  `yaml:"disks,omitempty"`
	Console ConsoleConfig `yaml:"console,omitempty"`
}

type DiskConfig struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
	// Serial is reported to the guest by GET_ID. Defaults to the file name.
	Serial string `yaml:"serial,omitempty"`
}

type ConsoleConfig struct {
	Disabled bool   `yaml:"disabled,omitempty"`
	Cols     uint16 `yaml:"cols,omitempty"`
	Rows     uint16 `yaml:"rows,omitempty"`
}

// MemoryBytes returns the guest RAM size.
func (c VMConfig) MemoryBytes() uint64 { return c.MemoryMiB << 20 }

// Normalize fills in defaults for unset fields.
func (c *VMConfig) Normalize() {
	// A single vCPU is bumped as well; guests are built for SMP.
	if c.CPUs <= 1 {
		c.CPUs = DefaultCPUs
	}
	if c.MemoryMiB == 0 {
		c.MemoryMiB = DefaultMemoryMiB
	}
	if c.Console.Cols == 0 {
		c.Console.Cols = 80
	}
	if c.Console.Rows == 0 {
		c.Console.Rows = 25
	}
	for i := range c.Disks {
		if c.Disks[i].Serial == "" {
			c.Disks[i].Serial = strings.TrimSuffix(filepath.Base(c.Disks[i].Path), filepath.Ext(c.Disks[i].Path))
		}
	}
}

// Validate reports every problem with the configuration at once.
func (c VMConfig) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.CPUs < 1 || c.CPUs > MaxCPUs {
		invalid("cpus must be between 1 and %d, got %d", MaxCPUs, c.CPUs)
	}
	if c.MemoryMiB < MinMemoryMiB {
		invalid("memory must be at least %d MiB, got %d", MinMemoryMiB, c.MemoryMiB)
	}
	if c.Kernel == "" {
		invalid("kernel path is required")
	}
	for _, d := range c.Disks {
		switch strings.ToLower(filepath.Ext(d.Path)) {
		case ".img", ".raw":
		default:
			invalid("disk %q must be a .img or .raw image", d.Path)
		}
		if len(d.Serial) > 20 {
			invalid("disk serial %q is longer than 20 bytes", d.Serial)
		}
	}
	return errors.Join(errs...)
}

// Load reads a YAML configuration file and applies defaults. Relative paths
// in the file are resolved against its directory.
func Load(path string) (VMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return VMConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg VMConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return VMConfig{}, fmt.Errorf("%w: parse %s: %w", ErrInvalid, path, err)
	}

	dir := filepath.Dir(path)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	cfg.Kernel = resolve(cfg.Kernel)
	cfg.Initrd = resolve(cfg.Initrd)
	for i := range cfg.Disks {
		cfg.Disks[i].Path = resolve(cfg.Disks[i].Path)
	}

	cfg.Normalize()
	return cfg, nil
}

// Write saves cfg as YAML.
func Write(path string, cfg VMConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", path, err)
	}
	return nil
}
