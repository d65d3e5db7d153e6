package services

import (
	"time"

	"github.com/miradorstack/machine-monitor/internal/engine"
	"github.com/miradorstack/machine-monitor/internal/extractors"
	"github.com/miradorstack/machine-monitor/internal/models"
)

// Diagnostics is the maintenance view of a machine's current sensor window.
type Diagnostics struct {
	MachineID   int                        `json:"machine_id"`
	Samples     int                        `json:"samples"`
	Stats       []extractors.MetricStats   `json:"stats"`
	Anomalies   []extractors.MetricAnomaly `json:"anomalies"`
	Diagnoses   []engine.Diagnosis         `json:"diagnoses"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// SetRules replaces the diagnosis rule pack. A nil engine disables rule matching.
func (s *MonitorService) SetRules(rules *engine.RuleEngine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

// Diagnose summarises the sensor window of a monitored machine, flags readings
// whose z-score reaches threshold and matches the rule pack. When the latest
// prediction is alerting and no rule matched, the fallback diagnosis is reported.
func (s *MonitorService) Diagnose(machineID int, threshold float64) (Diagnostics, error) {
	if machineID <= 0 {
		return Diagnostics{}, ErrInvalidMachineID
	}
	telemetry, err := s.Telemetry(machineID)
	if err != nil {
		return Diagnostics{}, err
	}
	predictions, err := s.Predictions(machineID)
	if err != nil {
		return Diagnostics{}, err
	}

	s.mu.Lock()
	rules := s.rules
	s.mu.Unlock()

	stats := s.extractor.Summarise(telemetry.Window)
	anomalies := s.extractor.Detect(telemetry.Window, threshold)
	diagnoses := rules.Diagnose(stats, anomalies)
	if diagnoses == nil {
		diagnoses = []engine.Diagnosis{}
	}
	if len(diagnoses) == 0 && predictions.Latest != nil {
		if band := engine.Classify(models.MetricPrediction, predictions.Latest.Value); band.Alerting() {
			diagnoses = append(diagnoses, engine.Diagnosis{Severity: band, Diagnosis: engine.FallbackDiagnosis})
		}
	}

	return Diagnostics{
		MachineID:   machineID,
		Samples:     len(telemetry.Window),
		Stats:       stats,
		Anomalies:   anomalies,
		Diagnoses:   diagnoses,
		GeneratedAt: s.now().UTC(),
	}, nil
}
