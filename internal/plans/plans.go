// Package plans maps free-text plan descriptions to session lengths.
//
// A Table is an ordered list of rules. Each rule is a case-insensitive regular
// expression with either a fixed duration or a per-unit duration that is
// multiplied by the first integer the expression captures ("3 hours" with
// per_unit 1h gives 3h). The first matching rule wins; when nothing matches
// the table's Default applies, which is one hour unless configured.
package plans

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultDuration = time.Hour

// maxDuration caps per-unit results so a typo like "9999 days" cannot grant years.
const maxDuration = 366 * 24 * time.Hour

type Rule struct {
	Pattern  *regexp.Regexp
	Duration time.Duration
	PerUnit  time.Duration
}

type Table struct {
	Default time.Duration
	Rules   []Rule
}

// Builtin returns the table used when no plans file is configured.
func Builtin() *Table {
	return &Table{
		Default: DefaultDuration,
		Rules: []Rule{
			{Pattern: regexp.MustCompile(`(?i)\bunlimited\b|\bfull\s*day\b|\bharian\b|\bdaily\b`), Duration: 24 * time.Hour},
			{Pattern: regexp.MustCompile(`(?i)\bweekly\b|\bmingguan\b`), Duration: 7 * 24 * time.Hour},
			{Pattern: regexp.MustCompile(`(?i)\bmonthly\b|\bbulanan\b`), Duration: 30 * 24 * time.Hour},
			{Pattern: regexp.MustCompile(`(?i)(\d+)\s*(?:minutes?|mins?|menit)\b`), PerUnit: time.Minute},
			{Pattern: regexp.MustCompile(`(?i)(\d+)\s*(?:hours?|hrs?|jam|h)\b`), PerUnit: time.Hour},
			{Pattern: regexp.MustCompile(`(?i)(\d+)\s*(?:days?|hari|d)\b`), PerUnit: 24 * time.Hour},
			{Pattern: regexp.MustCompile(`(?i)(\d+)\s*(?:weeks?|minggu)\b`), PerUnit: 7 * 24 * time.Hour},
			{Pattern: regexp.MustCompile(`(?i)(\d+)\s*(?:months?|bulan)\b`), PerUnit: 30 * 24 * time.Hour},
		},
	}
}

// Duration returns the session length for a plan description.
func (t *Table) Duration(description string) time.Duration {
	def := t.Default
	if def <= 0 {
		def = DefaultDuration
	}
	description = strings.TrimSpace(description)
	if description == "" {
		return def
	}
	for _, r := range t.Rules {
		m := r.Pattern.FindStringSubmatch(description)
		if m == nil {
			continue
		}
		if r.PerUnit <= 0 {
			return r.Duration
		}
		if len(m) < 2 {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			continue
		}
		d := time.Duration(n) * r.PerUnit
		if d > maxDuration || d/r.PerUnit != time.Duration(n) {
			d = maxDuration
		}
		return d
	}
	return def
}

type fileRule struct {
	Pattern  string `yaml:"pattern"`
	Duration string `yaml:"duration"`
	PerUnit  string `yaml:"per_unit"`
}

type fileTable struct {
	Default string     `yaml:"default"`
	Plans   []fileRule `yaml:"plans"`
}

// Parse builds a table from YAML:
//
//	default: 1h
//	plans:
//	  - pattern: 'vip day'
//	    duration: 24h
//	  - pattern: '(\d+)\s*jam'
//	    per_unit: 1h
func Parse(data []byte) (*Table, error) {
	var ft fileTable
	if err := yaml.Unmarshal(data, &ft); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}
	t := &Table{Default: DefaultDuration}
	if ft.Default != "" {
		d, err := time.ParseDuration(ft.Default)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid default duration %q", ft.Default)
		}
		t.Default = d
	}
	for i, fr := range ft.Plans {
		re, err := regexp.Compile("(?i)" + fr.Pattern)
		if err != nil {
			return nil, fmt.Errorf("plan %d: pattern: %w", i, err)
		}
		r := Rule{Pattern: re}
		switch {
		case fr.Duration != "" && fr.PerUnit != "":
			return nil, fmt.Errorf("plan %d: set duration or per_unit, not both", i)
		case fr.Duration != "":
			if r.Duration, err = time.ParseDuration(fr.Duration); err != nil || r.Duration <= 0 {
				return nil, fmt.Errorf("plan %d: invalid duration %q", i, fr.Duration)
			}
		case fr.PerUnit != "":
			if re.NumSubexp() < 1 {
				return nil, fmt.Errorf("plan %d: per_unit needs a capture group", i)
			}
			if r.PerUnit, err = time.ParseDuration(fr.PerUnit); err != nil || r.PerUnit <= 0 {
				return nil, fmt.Errorf("plan %d: invalid per_unit %q", i, fr.PerUnit)
			}
		default:
			return nil, fmt.Errorf("plan %d: missing duration", i)
		}
		t.Rules = append(t.Rules, r)
	}
	return t, nil
}

// Load reads a table from path, or returns Builtin when path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
