package plans

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBuiltinDurations(t *testing.T) {
	tbl := Builtin()
	cases := []struct {
		desc string
		want time.Duration
	}{
		{"Paket 3 Jam", 3 * time.Hour},
		{"1 hour voucher", time.Hour},
		{"30 menit", 30 * time.Minute},
		{"2 days pass", 48 * time.Hour},
		{"Unlimited", 24 * time.Hour},
		{"Weekly plan", 7 * 24 * time.Hour},
		{"1 bulan", 30 * 24 * time.Hour},
		{"gold package", DefaultDuration},
		{"", DefaultDuration},
		{"99999 days", maxDuration},
	}
	for _, tc := range cases {
		if got := tbl.Duration(tc.desc); got != tc.want {
			t.Errorf("Duration(%q) = %s, want %s", tc.desc, got, tc.want)
		}
	}
}

func TestFirstMatchWins(t *testing.T) {
	tbl := Builtin()
	// "daily" is listed before the per-unit hour rule.
	if got := tbl.Duration("daily 5 hours"); got != 24*time.Hour {
		t.Fatalf("expected fixed daily rule to win, got %s", got)
	}
}

func TestParse(t *testing.T) {
	tbl, err := Parse([]byte(`
default: 2h
plans:
  - pattern: 'vip'
    duration: 12h
  - pattern: '(\d+)\s*jam'
    per_unit: 1h
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := tbl.Duration("VIP access"); got != 12*time.Hour {
		t.Fatalf("expected 12h, got %s", got)
	}
	if got := tbl.Duration("5 JAM"); got != 5*time.Hour {
		t.Fatalf("expected 5h, got %s", got)
	}
	if got := tbl.Duration("something else"); got != 2*time.Hour {
		t.Fatalf("expected default 2h, got %s", got)
	}
}

func TestParseRejectsBadRules(t *testing.T) {
	bad := []string{
		"default: forever",
		"plans:\n  - pattern: '('\n    duration: 1h",
		"plans:\n  - pattern: 'x'",
		"plans:\n  - pattern: 'x'\n    per_unit: 1h",
		"plans:\n  - pattern: '(\\d+)'\n    duration: 1h\n    per_unit: 1h",
	}
	for _, in := range bad {
		if _, err := Parse([]byte(in)); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestLoad(t *testing.T) {
	tbl, err := Load("")
	if err != nil || len(tbl.Rules) == 0 {
		t.Fatalf("expected builtin table, got %v, %v", tbl, err)
	}

	path := filepath.Join(t.TempDir(), "plans.yaml")
	if err := os.WriteFile(path, []byte("default: 45m\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	tbl, err = Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := tbl.Duration("anything"); got != 45*time.Minute {
		t.Fatalf("expected 45m default, got %s", got)
	}
}
