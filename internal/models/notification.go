package models

import "time"

// Notification is an alert raised when a reading crosses a threshold.
type Notification struct {
	ID        string    `json:"id"`
	MachineID int       `json:"machine_id"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}
