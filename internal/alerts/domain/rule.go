package alerts

import (
	"errors"
	"fmt"

	registry "equipwatch/internal/registry/domain"
	telemetry "equipwatch/internal/telemetry/domain"
)

// Comparison kinds supported by the rule evaluator.
type Comparison string

const (
	// ComparisonExceedsMax fires when the value is strictly above the max
	// threshold.
	ComparisonExceedsMax Comparison = "exceeds_max"
	// ComparisonExceedsMaxSoft additionally fires a lower-severity warning
	// inside the soft band below the max threshold.
	ComparisonExceedsMaxSoft Comparison = "exceeds_max_soft"
	// ComparisonOutOfBand fires when the value is strictly below the min
	// threshold or strictly above the max threshold.
	ComparisonOutOfBand Comparison = "out_of_band"
)

// Valid reports whether the comparison is supported.
func (c Comparison) Valid() bool {
	switch c {
	case ComparisonExceedsMax, ComparisonExceedsMaxSoft, ComparisonOutOfBand:
		return true
	default:
		return false
	}
}

// Threshold sources name the profile field a rule resolves against.
const (
	SourceMaxTemperature = "max_temperature"
	SourceMaxVibration   = "max_vibration"
	SourceMaxPressure    = "max_pressure"
	SourcePressureBand   = "pressure_band"
)

// Value sources select the input a rule compares.
const (
	ValueSourceLatest = "latest"
	ValueSourceMean   = "mean"
)

// Severity levels, highest first.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

const (
	// DefaultSoftFraction places the soft-warning band at 85% of max.
	DefaultSoftFraction = 0.85
	minSoftFraction     = 0.80
	maxSoftFraction     = 0.90
)

// Rule is a declarative, immutable alert rule loaded at startup.
type Rule struct {
	ID              string
	Name            string
	Metric          string
	Comparison      Comparison
	ThresholdSource string
	Severity        string
	SoftSeverity    string
	SoftFraction    float64
	ValueSource     string
	Title           string
}

// Validate checks rule invariants.
func (r Rule) Validate() error {
	if r.ID == "" {
		return errors.New("alert rule: empty id")
	}
	if !telemetry.SupportedMetric(r.Metric) {
		return fmt.Errorf("alert rule %s: unsupported metric %q", r.ID, r.Metric)
	}
	if !r.Comparison.Valid() {
		return fmt.Errorf("alert rule %s: invalid comparison %q", r.ID, r.Comparison)
	}
	switch r.ThresholdSource {
	case SourceMaxTemperature, SourceMaxVibration, SourceMaxPressure, SourcePressureBand:
	default:
		return fmt.Errorf("alert rule %s: invalid threshold source %q", r.ID, r.ThresholdSource)
	}
	if r.Comparison == ComparisonOutOfBand && r.ThresholdSource != SourcePressureBand {
		return fmt.Errorf("alert rule %s: out_of_band requires the pressure band source", r.ID)
	}
	switch r.Severity {
	case SeverityCritical, SeverityWarning, SeverityInfo:
	default:
		return fmt.Errorf("alert rule %s: invalid severity %q", r.ID, r.Severity)
	}
	if r.SoftFraction != 0 && (r.SoftFraction < minSoftFraction || r.SoftFraction > maxSoftFraction) {
		return fmt.Errorf("alert rule %s: soft fraction %.2f outside [%.2f, %.2f]", r.ID, r.SoftFraction, minSoftFraction, maxSoftFraction)
	}
	switch r.ValueSource {
	case "", ValueSourceLatest, ValueSourceMean:
	default:
		return fmt.Errorf("alert rule %s: invalid value source %q", r.ID, r.ValueSource)
	}
	return nil
}

// Band is the resolved threshold range for a rule against one profile.
// A profile may configure only one side of a band; the Has flags mark
// which bounds are set, and comparisons skip the unset side.
type Band struct {
	Min    float64
	Max    float64
	HasMin bool
	HasMax bool
}

// Resolve maps the rule's threshold source onto a profile's threshold set.
// A zero threshold means the profile does not configure it; a rule with no
// configured bound at all is skipped for that equipment.
func (r Rule) Resolve(profile registry.EquipmentProfile) (Band, bool) {
	t := profile.Thresholds
	switch r.ThresholdSource {
	case SourceMaxTemperature:
		return Band{Max: t.MaxTemperature, HasMax: t.MaxTemperature > 0}, t.MaxTemperature > 0
	case SourceMaxVibration:
		return Band{Max: t.MaxVibration, HasMax: t.MaxVibration > 0}, t.MaxVibration > 0
	case SourceMaxPressure:
		return Band{Max: t.MaxPressure, HasMax: t.MaxPressure > 0}, t.MaxPressure > 0
	case SourcePressureBand:
		return Band{Min: t.MinPressure, Max: t.MaxPressure, HasMin: t.MinPressure > 0, HasMax: t.MaxPressure > 0}, t.MaxPressure > 0 || t.MinPressure > 0
	default:
		return Band{}, false
	}
}

// Firing is a candidate alert produced by the evaluator. It becomes an
// alert only after the de-duplication state machine confirms it.
type Firing struct {
	RuleID    string
	Metric    string
	Severity  string
	Value     float64
	Threshold float64
	Title     string
}
