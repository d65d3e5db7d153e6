package services

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/miradorstack/machine-monitor/internal/models"
)

// Action is an operator command issued from the control panel.
type Action string

const (
	ActionMaintenance   Action = "maintenance"
	ActionReset         Action = "reset"
	ActionEmergencyStop Action = "emergency_stop"
)

// ParseAction validates an action name.
func ParseAction(v string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(v))); a {
	case ActionMaintenance, ActionReset, ActionEmergencyStop:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, v)
	}
}

// PerformAction records an operator action as a notification. An emergency stop
// also halts the machine's feeds.
func (s *MonitorService) PerformAction(machineID int, action Action) (models.Notification, error) {
	if machineID <= 0 {
		return models.Notification{}, ErrInvalidMachineID
	}

	var (
		severity models.Severity
		message  string
	)
	switch action {
	case ActionMaintenance:
		severity = models.SeverityWarning
		message = fmt.Sprintf("Maintenance request for Machine %d has been submitted.", machineID)
	case ActionReset:
		severity = models.SeverityWarning
		message = fmt.Sprintf("Machine %d has been reset.", machineID)
	case ActionEmergencyStop:
		severity = models.SeverityCritical
		message = fmt.Sprintf("EMERGENCY STOP triggered for Machine %d.", machineID)
		if feeds, ok := s.lookup(machineID); ok {
			feeds.sensors.Stop()
			feeds.predictions.Stop()
		}
	default:
		return models.Notification{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}

	n := s.store.Append(machineID, severity, message, s.now().UTC())
	s.logger.Info("machine action",
		slog.Int("machine_id", machineID),
		slog.String("action", string(action)))
	return n, nil
}
