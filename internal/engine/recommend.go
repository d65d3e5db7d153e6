package engine

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/machine-monitor/internal/extractors"
	"github.com/miradorstack/machine-monitor/internal/models"
)

// FallbackDiagnosis is reported when failure is predicted but no rule explains it.
const FallbackDiagnosis = "Preventive Maintenance"

// RuleEngine maps sensor window statistics to maintenance diagnoses.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single diagnosis rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Diagnosis       string    `yaml:"diagnosis"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. Severity is the
// minimum band of the metric's window mean; Anomalous requires a z-score anomaly.
type RuleMatch struct {
	Metric    string `yaml:"metric"`
	Severity  string `yaml:"severity"`
	Anomalous bool   `yaml:"anomalous"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// Diagnosis is one matched rule.
type Diagnosis struct {
	RuleID          string            `json:"rule_id,omitempty"`
	Metric          models.MetricKind `json:"metric,omitempty"`
	Severity        models.Severity   `json:"severity,omitempty"`
	Diagnosis       string            `json:"diagnosis"`
	Recommendations []string          `json:"recommendations,omitempty"`
}

// DefaultRules returns the built-in rule pack.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:              "temperature-high",
			Match:           RuleMatch{Metric: "temperature", Severity: "warning"},
			Diagnosis:       "Overheating Risk",
			Recommendations: []string{"Inspect coolant flow and cooling fans", "Reduce duty cycle until temperature stabilises"},
		},
		{
			ID:              "vibration-high",
			Match:           RuleMatch{Metric: "vibration", Severity: "warning"},
			Diagnosis:       "Mechanical Wear",
			Recommendations: []string{"Check bearings and mounting bolts", "Schedule balancing of rotating parts"},
		},
		{
			ID:              "vibration-spike",
			Match:           RuleMatch{Metric: "vibration", Anomalous: true},
			Diagnosis:       "Loose Component",
			Recommendations: []string{"Check bearings and mounting bolts"},
		},
		{
			ID:              "load-high",
			Match:           RuleMatch{Metric: "load", Severity: "warning"},
			Diagnosis:       "Sustained Overload",
			Recommendations: []string{"Spread queued jobs across machines"},
		},
		{
			ID:              "power-high",
			Match:           RuleMatch{Metric: "power_consumption", Severity: "warning"},
			Diagnosis:       "Electrical Fault Risk",
			Recommendations: []string{"Inspect motor windings and drive electronics"},
		},
	}
}

// NewDefaultRuleEngine returns an engine holding the built-in rules.
func NewDefaultRuleEngine(logger *slog.Logger) *RuleEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RuleEngine{rules: DefaultRules(), logger: logger}
}

// NewRuleEngine loads rules from the provided path. An empty or missing path
// yields the built-in rules.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return NewDefaultRuleEngine(logger), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("rule pack not found, using built-in rules", slog.String("path", path))
			return NewDefaultRuleEngine(logger), nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		if _, ok := models.ParseMetricKind(rule.Match.Metric); !ok || rule.Diagnosis == "" {
			logger.Warn("skipping invalid rule", slog.String("rule", rule.ID), slog.String("metric", rule.Match.Metric))
			continue
		}
		rules = append(rules, rule)
	}
	return &RuleEngine{rules: rules, logger: logger}, nil
}

// Rules returns the loaded rules.
func (e *RuleEngine) Rules() []Rule {
	if e == nil {
		return nil
	}
	return append([]Rule(nil), e.rules...)
}

// Diagnose matches every rule against the window statistics and anomalies.
// Diagnoses sharing a name are merged.
func (e *RuleEngine) Diagnose(stats []extractors.MetricStats, anomalies []extractors.MetricAnomaly) []Diagnosis {
	if e == nil {
		return nil
	}

	byMetric := make(map[models.MetricKind]extractors.MetricStats, len(stats))
	for _, st := range stats {
		byMetric[st.Metric] = st
	}
	anomalous := make(map[models.MetricKind]bool)
	for _, a := range anomalies {
		anomalous[a.Metric] = true
	}

	matched := make([]Diagnosis, 0)
	index := make(map[string]int)
	for _, rule := range e.rules {
		kind, ok := models.ParseMetricKind(rule.Match.Metric)
		if !ok {
			continue
		}
		st, ok := byMetric[kind]
		if !ok {
			continue
		}
		band := Classify(kind, models.Float(st.Mean))
		if rule.Match.Severity != "" && band.Rank() < models.Severity(strings.ToLower(rule.Match.Severity)).Rank() {
			continue
		}
		if rule.Match.Anomalous && !anomalous[kind] {
			continue
		}

		if i, ok := index[rule.Diagnosis]; ok {
			matched[i].Recommendations = appendUnique(matched[i].Recommendations, rule.Recommendations...)
			continue
		}
		index[rule.Diagnosis] = len(matched)
		matched = append(matched, Diagnosis{
			RuleID:          rule.ID,
			Metric:          kind,
			Severity:        band,
			Diagnosis:       rule.Diagnosis,
			Recommendations: appendUnique(nil, rule.Recommendations...),
		})
	}
	return matched
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
