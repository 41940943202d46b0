package smp

import "testing"

func TestCPUMaskSetClearTest(t *testing.T) {
	var m CPUMask
	m = m.Set(0).Set(3).Set(63)

	for _, id := range []int{0, 3, 63} {
		if !m.Test(id) {
			t.Fatalf("mask missing CPU %d", id)
		}
	}
	if m.Test(1) {
		t.Fatalf("mask contains CPU 1")
	}
	if m.Weight() != 3 {
		t.Fatalf("weight = %d, want 3", m.Weight())
	}

	// Set then clear from empty yields empty.
	if got := CPUMask(0).Set(5).Clear(5); !got.Empty() {
		t.Fatalf("set+clear = %v, want empty", got)
	}
}

func TestCPUMaskIgnoresOutOfRange(t *testing.T) {
	var m CPUMask
	if got := m.Set(-1).Set(64); !got.Empty() {
		t.Fatalf("out-of-range set produced %v", got)
	}
	if m.Test(64) || m.Test(-1) {
		t.Fatalf("out-of-range test returned true")
	}
}

func TestCPUMaskForEachAscending(t *testing.T) {
	m := CPUMask(0).Set(7).Set(1).Set(40)
	var got []int
	m.ForEach(func(id int) { got = append(got, id) })

	want := []int{1, 7, 40}
	if len(got) != len(want) {
		t.Fatalf("enumerated %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("enumerated %v, want ascending %v", got, want)
		}
	}
}

func TestCPUMaskString(t *testing.T) {
	m := CPUMask(0).Set(0).Set(1).Set(3)
	if got := m.String(); got != "{0,1,3}" {
		t.Fatalf("String() = %q, want {0,1,3}", got)
	}
	if got := CPUMask(0).String(); got != "{}" {
		t.Fatalf("empty String() = %q, want {}", got)
	}
}
