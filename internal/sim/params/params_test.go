package params

import (
	"os"
	"path/filepath"
	"testing"

	"ecosim.dev/internal/protocol"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.yaml")
	raw := "grid_width: 10\ngrid_height: 10\nh_prey: 2\nr_pred: 30\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.GridWidth != 10 || p.GridHeight != 10 {
		t.Fatalf("grid = %dx%d, want 10x10", p.GridWidth, p.GridHeight)
	}
	if p.HungerPrey != 2 {
		t.Fatalf("h_prey = %d, want 2", p.HungerPrey)
	}
	if p.ReproPredator != 30 {
		t.Fatalf("r_pred = %d, want 30", p.ReproPredator)
	}
	// Untouched fields keep defaults.
	if p.MaxEnergy != Defaults().MaxEnergy {
		t.Fatalf("max_energy = %d, want default %d", p.MaxEnergy, Defaults().MaxEnergy)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "params.yaml")
	if err := os.WriteFile(path, []byte("grid_width: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for negative grid width")
	}
}

func TestSet(t *testing.T) {
	cases := []struct {
		name  string
		value float64
		ok    bool
	}{
		{"h_prey", 3, true},
		{"h_pred", 0, true},
		{"r_prey", 25, true},
		{"r_pred", 0, false},
		{"grass_regrow", 2, true},
		{"grass_intro_amount", -1, false},
		{"max_agents", 10, false},
		{"bogus", 1, false},
	}
	for _, c := range cases {
		p := Defaults()
		err := p.Set(c.name, c.value)
		if c.ok && err != nil {
			t.Fatalf("Set(%q, %v): %v", c.name, c.value, err)
		}
		if !c.ok && err == nil {
			t.Fatalf("Set(%q, %v): expected error", c.name, c.value)
		}
	}

	p := Defaults()
	if err := p.Set("h_prey", 7); err != nil {
		t.Fatal(err)
	}
	if p.Hunger(protocol.KindPrey) != 7 {
		t.Fatalf("Hunger(PREY) = %d, want 7", p.Hunger(protocol.KindPrey))
	}
	if p.Hunger(protocol.KindPredator) != Defaults().HungerPredator {
		t.Fatal("predator hunger unexpectedly changed")
	}
}
