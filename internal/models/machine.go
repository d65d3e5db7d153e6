package models

import "strings"

// Machine is the canonical machine record.
type Machine struct {
	ID               int    `json:"machine_id"`
	Label            string `json:"machine_label"`
	ModelID          *int   `json:"machine_model_id,omitempty"`
	TypeID           *int   `json:"machine_type_id,omitempty"`
	BoxMAC           string `json:"box_macaddress,omitempty"`
	InstallationDate string `json:"installation_date,omitempty"`
	Active           bool   `json:"is_active"`
}

// StatusFilter selects machines by activity.
type StatusFilter string

const (
	StatusAll      StatusFilter = "all"
	StatusActive   StatusFilter = "active"
	StatusInactive StatusFilter = "inactive"
)

// ParseStatusFilter defaults unknown values to StatusAll.
func ParseStatusFilter(v string) StatusFilter {
	switch StatusFilter(strings.ToLower(strings.TrimSpace(v))) {
	case StatusActive:
		return StatusActive
	case StatusInactive:
		return StatusInactive
	default:
		return StatusAll
	}
}

// MachineFilter narrows a machine listing.
type MachineFilter struct {
	Search string
	Status StatusFilter
}

// Match reports whether m passes the filter.
func (f MachineFilter) Match(m Machine) bool {
	switch f.Status {
	case StatusActive:
		if !m.Active {
			return false
		}
	case StatusInactive:
		if m.Active {
			return false
		}
	}
	term := strings.ToLower(strings.TrimSpace(f.Search))
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(m.Label), term)
}

// StatusOverview summarises the fleet.
type StatusOverview struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Inactive int `json:"inactive"`
	Alerting int `json:"alerting"`
}
