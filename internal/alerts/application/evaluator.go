package application

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"

	alerts "equipwatch/internal/alerts/domain"
	registry "equipwatch/internal/registry/domain"
	"equipwatch/internal/rolling"
	telemetry "equipwatch/internal/telemetry/domain"
)

const defaultTitleTemplate = `{{.EquipmentName}}: {{.Metric}} {{printf "%.2f" .Value}} (threshold {{printf "%.2f" .Threshold}})`

// titleData provides fields for rendering firing titles.
type titleData struct {
	EquipmentID   string
	EquipmentName string
	Metric        string
	Value         float64
	Threshold     float64
	Severity      string
}

// Evaluator is a stateless function of (latest reading, rolling aggregate,
// equipment profile) to candidate firings. It holds only immutable rule
// configuration; both the delivery coordinator and the read-path health
// snapshot evaluate through the same instance.
type Evaluator struct {
	rules  []alerts.Rule
	titles map[string]*template.Template
}

// NewEvaluator constructs an evaluator over a validated rule set.
func NewEvaluator(rules []alerts.Rule) (*Evaluator, error) {
	if len(rules) == 0 {
		return nil, errors.New("evaluator: empty rule set")
	}
	titles := make(map[string]*template.Template, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("evaluator: duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		text := rule.Title
		if text == "" {
			text = defaultTitleTemplate
		}
		tpl, err := template.New(rule.ID).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("evaluator: rule %s title: %w", rule.ID, err)
		}
		titles[rule.ID] = tpl
	}
	return &Evaluator{rules: rules, titles: titles}, nil
}

// Rules returns the configured rule set.
func (e *Evaluator) Rules() []alerts.Rule {
	if e == nil {
		return nil
	}
	return e.rules
}

// Evaluate compares the latest reading and rolling aggregate against every
// rule resolved for the profile. Missing metric values never fire a rule:
// absence is not evidence of a problem.
func (e *Evaluator) Evaluate(reading telemetry.Reading, aggregate rolling.Snapshot, profile registry.EquipmentProfile) []alerts.Firing {
	if e == nil {
		return nil
	}
	var firings []alerts.Firing
	for _, rule := range e.rules {
		band, ok := rule.Resolve(profile)
		if !ok {
			continue
		}
		value, ok := e.resolveValue(rule, reading, aggregate)
		if !ok {
			continue
		}
		if firing, fired := evaluateRule(rule, band, value); fired {
			firing.Title = e.renderTitle(rule, profile, firing)
			firings = append(firings, firing)
		}
	}
	return firings
}

func (e *Evaluator) resolveValue(rule alerts.Rule, reading telemetry.Reading, aggregate rolling.Snapshot) (float64, bool) {
	if rule.ValueSource == alerts.ValueSourceMean {
		agg, ok := aggregate.Metrics[rule.Metric]
		if !ok || agg.Count == 0 {
			return 0, false
		}
		return agg.Mean, true
	}
	if value, ok := reading.Value(rule.Metric); ok {
		return value, true
	}
	return aggregate.LastValue(rule.Metric)
}

// evaluateRule applies one comparison. All comparisons are strict.
func evaluateRule(rule alerts.Rule, band alerts.Band, value float64) (alerts.Firing, bool) {
	firing := alerts.Firing{
		RuleID:    rule.ID,
		Metric:    rule.Metric,
		Severity:  rule.Severity,
		Value:     value,
		Threshold: band.Max,
	}
	switch rule.Comparison {
	case alerts.ComparisonExceedsMax:
		return firing, value > band.Max
	case alerts.ComparisonExceedsMaxSoft:
		if value > band.Max {
			return firing, true
		}
		fraction := rule.SoftFraction
		if fraction == 0 {
			fraction = alerts.DefaultSoftFraction
		}
		soft := band.Max * fraction
		if value > soft {
			firing.Severity = rule.SoftSeverity
			if firing.Severity == "" {
				firing.Severity = alerts.SeverityWarning
			}
			firing.Threshold = soft
			return firing, true
		}
		return alerts.Firing{}, false
	case alerts.ComparisonOutOfBand:
		if band.HasMax && value > band.Max {
			return firing, true
		}
		if band.HasMin && value < band.Min {
			firing.Threshold = band.Min
			return firing, true
		}
		return alerts.Firing{}, false
	default:
		return alerts.Firing{}, false
	}
}

func (e *Evaluator) renderTitle(rule alerts.Rule, profile registry.EquipmentProfile, firing alerts.Firing) string {
	tpl := e.titles[rule.ID]
	if tpl == nil {
		return rule.Name
	}
	name := profile.Name
	if name == "" {
		name = profile.ID
	}
	var buf bytes.Buffer
	err := tpl.Execute(&buf, titleData{
		EquipmentID:   profile.ID,
		EquipmentName: name,
		Metric:        firing.Metric,
		Value:         firing.Value,
		Threshold:     firing.Threshold,
		Severity:      firing.Severity,
	})
	if err != nil {
		return rule.Name
	}
	return buf.String()
}
