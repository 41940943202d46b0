package config

import (
	"log/slog"
	"strings"
	"testing"
)

func TestParseFullDescription(t *testing.T) {
	m, err := Parse([]byte(`
memory_size: 33554432
num_cpus: 8
x2apic: true
log_level: debug
ioapics:
  - id: 0
    address: 0xFEC00000
    gsi_base: 0
overrides:
  - irq: 9
    gsi: 20
    active_low: true
    level: true
numa:
  - id: 0
    cpus: [0, 1, 2, 3]
  - id: 1
    cpus: [4, 5, 6, 7]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.NumCPUs != 8 || !m.X2APIC {
		t.Fatalf("num_cpus/x2apic = %d/%v, want 8/true", m.NumCPUs, m.X2APIC)
	}
	if m.MemorySize != 32<<20 {
		t.Fatalf("memory_size = %d, want 32 MiB", m.MemorySize)
	}
	if len(m.IOAPICs) != 1 || m.IOAPICs[0].Address != 0xFEC00000 {
		t.Fatalf("ioapics = %+v", m.IOAPICs)
	}
	if len(m.Overrides) != 1 || m.Overrides[0].GSI != 20 || !m.Overrides[0].Level {
		t.Fatalf("overrides = %+v", m.Overrides)
	}
	if len(m.NUMA) != 2 {
		t.Fatalf("numa nodes = %d, want 2", len(m.NUMA))
	}
	if m.SlogLevel() != slog.LevelDebug {
		t.Fatalf("log level = %v, want debug", m.SlogLevel())
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	m, err := Parse([]byte(`num_cpus: 2`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.MemorySize != DefaultMemorySize {
		t.Fatalf("memory_size = %d, want default", m.MemorySize)
	}
	if m.LAPICBase != DefaultLAPICBase {
		t.Fatalf("lapic_base = 0x%x, want default", m.LAPICBase)
	}
	if len(m.IOAPICs) != 1 {
		t.Fatalf("ioapics = %+v, want the default router", m.IOAPICs)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Machine)
		want   string
	}{
		{"tiny memory", func(m *Machine) { m.MemorySize = 1 << 20 }, "memory_size"},
		{"unaligned memory", func(m *Machine) { m.MemorySize = 4<<20 + 1 }, "page aligned"},
		{"zero cpus", func(m *Machine) { m.NumCPUs = 0 }, "num_cpus"},
		{"too many cpus", func(m *Machine) { m.NumCPUs = 65 }, "num_cpus"},
		{"router without address", func(m *Machine) { m.IOAPICs = []IOAPIC{{ID: 1}} }, "no address"},
		{"override outside legacy range", func(m *Machine) { m.Overrides = []Override{{IRQ: 16}} }, "legacy range"},
		{"numa names unknown cpu", func(m *Machine) { m.NUMA = []NUMANode{{ID: 0, CPUs: []int{9}}} }, "outside"},
		{"cpu in two nodes", func(m *Machine) {
			m.NUMA = []NUMANode{{ID: 0, CPUs: []int{0}}, {ID: 1, CPUs: []int{0}}}
		}, "assigned to nodes"},
		{"bad log level", func(m *Machine) { m.LogLevel = "loud" }, "log_level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := Default()
			tc.mutate(&m)
			err := m.Validate()
			if err == nil {
				t.Fatalf("validation passed, want error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	if _, err := Parse([]byte("num_cpus: [not a number")); err == nil {
		t.Fatalf("expected parse error")
	}
}
