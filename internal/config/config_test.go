package config

import (
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Rate != 100 {
		t.Errorf("Rate = %d, want 100", cfg.Rate)
	}
	if cfg.LineNo != LastInstruction {
		t.Errorf("LineNo = %d, want LastInstruction", cfg.LineNo)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Run("native with non_blocking rejected", func(t *testing.T) {
		cfg := Default()
		cfg.Native = true
		cfg.NonBlocking = true
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for native + non_blocking")
		}
	})

	t.Run("zero rate rejected", func(t *testing.T) {
		cfg := Default()
		cfg.Rate = 0
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for rate 0")
		}
	})
}

func TestMerge(t *testing.T) {
	t.Run("rate override", func(t *testing.T) {
		base := Default()
		override := Config{Rate: 250}
		result := merge(base, override)
		if result.Rate != 250 {
			t.Errorf("Rate = %d, want 250", result.Rate)
		}
		// Base fields preserved.
		if result.LineNo != LastInstruction {
			t.Errorf("LineNo lost: got %d", result.LineNo)
		}
	})

	t.Run("rate not overridden when zero", func(t *testing.T) {
		base := Default()
		result := merge(base, Config{})
		if result.Rate != 100 {
			t.Errorf("Rate = %d, want 100", result.Rate)
		}
	})

	t.Run("bool overrides only set true", func(t *testing.T) {
		base := Default()
		base.Subprocesses = true
		result := merge(base, Config{Native: true})
		if !result.Native {
			t.Error("Native not overridden")
		}
		if !result.Subprocesses {
			t.Error("Subprocesses lost")
		}
	})
}

func TestParseLineNo(t *testing.T) {
	cases := []struct {
		in   string
		want LineNo
	}{
		{"none", NoLine},
		{"first", FirstLineNo},
		{"first_lineno", FirstLineNo},
		{"lasti", LastInstruction},
		{"LAST_INSTRUCTION", LastInstruction},
	}
	for _, tc := range cases {
		got, err := ParseLineNo(tc.in)
		if err != nil {
			t.Errorf("ParseLineNo(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseLineNo(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}

	if _, err := ParseLineNo("sometimes"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
