package application

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	alerts "equipwatch/internal/alerts/domain"
	telemetry "equipwatch/internal/telemetry/domain"
)

// RuleConfig is the YAML shape of one alert rule.
type RuleConfig struct {
	ID              string  `yaml:"id"`
	Name            string  `yaml:"name"`
	Metric          string  `yaml:"metric"`
	Comparison      string  `yaml:"comparison"`
	ThresholdSource string  `yaml:"threshold_source"`
	Severity        string  `yaml:"severity"`
	SoftSeverity    string  `yaml:"soft_severity"`
	SoftFraction    float64 `yaml:"soft_fraction"`
	ValueSource     string  `yaml:"value_source"`
	Title           string  `yaml:"title"`
}

// RulesConfig is the YAML rule file shape.
type RulesConfig struct {
	Rules []RuleConfig `yaml:"rules"`
}

// LoadRules reads alert rules from a YAML file, falling back to the
// built-in rule set when path is empty. A missing or malformed file is a
// startup failure; rules cannot be reloaded at runtime.
func LoadRules(path string) ([]alerts.Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("alert rules: %w", err)
	}
	var cfg RulesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("alert rules: %w", err)
	}
	if len(cfg.Rules) == 0 {
		return nil, fmt.Errorf("alert rules: %s defines no rules", path)
	}
	rules := make([]alerts.Rule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		rule := alerts.Rule{
			ID:              rc.ID,
			Name:            rc.Name,
			Metric:          rc.Metric,
			Comparison:      alerts.Comparison(rc.Comparison),
			ThresholdSource: rc.ThresholdSource,
			Severity:        rc.Severity,
			SoftSeverity:    rc.SoftSeverity,
			SoftFraction:    rc.SoftFraction,
			ValueSource:     rc.ValueSource,
			Title:           rc.Title,
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// DefaultRules is the built-in rule set: two-tier temperature and vibration
// checks plus an out-of-band pressure check on the latest reading only
// (pressure reacts to instantaneous spikes, not the rolling mean).
func DefaultRules() []alerts.Rule {
	return []alerts.Rule{
		{
			ID:              "temperature-high",
			Name:            "Temperature High",
			Metric:          telemetry.MetricTemperature,
			Comparison:      alerts.ComparisonExceedsMaxSoft,
			ThresholdSource: alerts.SourceMaxTemperature,
			Severity:        alerts.SeverityCritical,
			SoftSeverity:    alerts.SeverityWarning,
		},
		{
			ID:              "vibration-high",
			Name:            "Vibration High",
			Metric:          telemetry.MetricVibration,
			Comparison:      alerts.ComparisonExceedsMaxSoft,
			ThresholdSource: alerts.SourceMaxVibration,
			Severity:        alerts.SeverityCritical,
			SoftSeverity:    alerts.SeverityWarning,
		},
		{
			ID:              "pressure-out-of-band",
			Name:            "Pressure Out Of Band",
			Metric:          telemetry.MetricPressure,
			Comparison:      alerts.ComparisonOutOfBand,
			ThresholdSource: alerts.SourcePressureBand,
			Severity:        alerts.SeverityWarning,
			ValueSource:     alerts.ValueSourceLatest,
		},
	}
}
