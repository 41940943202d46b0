// Package config loads and validates machine configuration for the
// multiprocessor bring-up demo and the top-level machine constructor.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Default and for zero fields after parsing.
const (
	DefaultMemorySize = 64 << 20
	DefaultLAPICBase  = 0xFEE00000
	DefaultNumCPUs    = 4
)

// IOAPIC declares one I/O interrupt router.
type IOAPIC struct {
	ID      uint8  `yaml:"id"`
	Address uint32 `yaml:"address"`
	GSIBase uint32 `yaml:"gsi_base"`
}

// Override declares one legacy interrupt source override.
type Override struct {
	IRQ       uint8  `yaml:"irq"`
	GSI       uint32 `yaml:"gsi"`
	ActiveLow bool   `yaml:"active_low"`
	Level     bool   `yaml:"level"`
}

// NUMANode assigns CPUs to a node.
type NUMANode struct {
	ID   int   `yaml:"id"`
	CPUs []int `yaml:"cpus"`
}

// Machine is the full machine description.
type Machine struct {
	MemorySize uint64 `yaml:"memory_size"`
	NumCPUs    int    `yaml:"num_cpus"`
	X2APIC     bool   `yaml:"x2apic"`
	LAPICBase  uint32 `yaml:"lapic_base"`

	IOAPICs   []IOAPIC   `yaml:"ioapics"`
	Overrides []Override `yaml:"overrides"`
	NUMA      []NUMANode `yaml:"numa"`

	// TimerHz sets the emulated local timer input frequency. Zero keeps
	// the hardware default.
	TimerHz uint64 `yaml:"timer_hz"`

	LogLevel string `yaml:"log_level"`
}

// Default returns a four CPU machine with one router covering the legacy
// interrupt range.
func Default() Machine {
	return Machine{
		MemorySize: DefaultMemorySize,
		NumCPUs:    DefaultNumCPUs,
		LAPICBase:  DefaultLAPICBase,
		IOAPICs: []IOAPIC{
			{ID: 0, Address: 0xFEC00000, GSIBase: 0},
		},
	}
}

// Load reads and parses a YAML machine description.
func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML machine description, fills defaults, and validates.
func Parse(data []byte) (Machine, error) {
	m := Default()
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Machine{}, err
	}
	return m, nil
}

// Validate checks the description for contradictions.
func (m Machine) Validate() error {
	if m.MemorySize < 4<<20 {
		return fmt.Errorf("config: memory_size %d below 4 MiB minimum", m.MemorySize)
	}
	if m.MemorySize%4096 != 0 {
		return fmt.Errorf("config: memory_size %d not page aligned", m.MemorySize)
	}
	if m.NumCPUs < 1 || m.NumCPUs > 64 {
		return fmt.Errorf("config: num_cpus %d outside 1..64", m.NumCPUs)
	}
	for _, ioa := range m.IOAPICs {
		if ioa.Address == 0 {
			return fmt.Errorf("config: ioapic %d has no address", ioa.ID)
		}
	}
	for _, ovr := range m.Overrides {
		if ovr.IRQ >= 16 {
			return fmt.Errorf("config: override for IRQ %d outside legacy range", ovr.IRQ)
		}
	}
	seen := map[int]int{}
	for _, node := range m.NUMA {
		for _, cpu := range node.CPUs {
			if cpu < 0 || cpu >= m.NumCPUs {
				return fmt.Errorf("config: node %d names CPU %d outside 0..%d", node.ID, cpu, m.NumCPUs-1)
			}
			if prev, dup := seen[cpu]; dup {
				return fmt.Errorf("config: CPU %d assigned to nodes %d and %d", cpu, prev, node.ID)
			}
			seen[cpu] = node.ID
		}
	}
	if _, err := parseLevel(m.LogLevel); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured log level to slog. Empty means info.
func (m Machine) SlogLevel() slog.Level {
	level, _ := parseLevel(m.LogLevel)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown log_level %q", s)
	}
}
