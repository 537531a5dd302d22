package types

import (
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

func TestIsActive_Permanent(t *testing.T) {
	m := &Memory{Created: time.Now().Add(-10 * 365 * 24 * time.Hour)}
	if !m.IsActive(time.Now()) {
		t.Error("permanent memory should stay active forever")
	}
}

func TestIsActive_WithinDecayWindow(t *testing.T) {
	m := &Memory{Created: time.Now().Add(-24 * time.Hour), DecayDays: intPtr(7)}
	if !m.IsActive(time.Now()) {
		t.Error("memory inside its decay window should be active")
	}
}

func TestIsActive_PastDecayWindow(t *testing.T) {
	m := &Memory{Created: time.Now().Add(-8 * 24 * time.Hour), DecayDays: intPtr(7)}
	if m.IsActive(time.Now()) {
		t.Error("memory past its decay window should be expired")
	}
}

func TestIsActive_BoundaryIsInclusive(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := &Memory{Created: created, DecayDays: intPtr(30)}

	deadline := created.AddDate(0, 0, 30)
	if !m.IsActive(deadline) {
		t.Error("memory should be active exactly at the decay deadline")
	}
	if m.IsActive(deadline.Add(time.Second)) {
		t.Error("memory should be expired immediately after the deadline")
	}
}

func TestIsActive_Forgotten(t *testing.T) {
	m := &Memory{Created: time.Now(), Forgotten: true}
	if m.IsActive(time.Now()) {
		t.Error("forgotten memory should never be active")
	}
}

func TestValidate(t *testing.T) {
	valid := Memory{
		Content:    "use tabs for indentation",
		Type:       TypePreference,
		Importance: 5,
		Confidence: 0.8,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid memory rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Memory)
	}{
		{"empty content", func(m *Memory) { m.Content = "   " }},
		{"unknown type", func(m *Memory) { m.Type = "gossip" }},
		{"importance too low", func(m *Memory) { m.Importance = 0 }},
		{"importance too high", func(m *Memory) { m.Importance = 11 }},
		{"confidence out of range", func(m *Memory) { m.Confidence = 1.5 }},
		{"non-positive decay", func(m *Memory) { m.DecayDays = intPtr(0) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := valid
			tc.mutate(&m)
			if err := m.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestDeriveSummary(t *testing.T) {
	m := &Memory{Content: "short"}
	if got := m.DeriveSummary(); got != "short" {
		t.Errorf("expected content as summary, got %q", got)
	}

	m.Summary = "explicit"
	if got := m.DeriveSummary(); got != "explicit" {
		t.Errorf("explicit summary should win, got %q", got)
	}

	long := make([]byte, SummaryMaxLen*2)
	for i := range long {
		long[i] = 'a'
	}
	m = &Memory{Content: string(long)}
	if got := m.DeriveSummary(); len(got) != SummaryMaxLen {
		t.Errorf("derived summary should be capped at %d bytes, got %d", SummaryMaxLen, len(got))
	}
}

func TestMemoryTypeValid(t *testing.T) {
	for _, mt := range MemoryTypes {
		if !mt.Valid() {
			t.Errorf("%q should be valid", mt)
		}
	}
	if MemoryType("rumor").Valid() {
		t.Error("unknown type should be invalid")
	}
}
