package models

import "time"

// GranularityDay is the Identify granularity of providers that only accept
// YYYY-MM-DD datestamps.
const GranularityDay = "YYYY-MM-DD"

// Service is an OAI-PMH metadata provider.
type Service struct {
	ID                string     `json:"id"`
	BaseURL           string     `json:"base_url"`
	Name              string     `json:"name,omitempty"`
	AdminEmail        string     `json:"admin_email,omitempty"`
	EarliestDatestamp *time.Time `json:"earliest_datestamp,omitempty"`
	Granularity       string     `json:"granularity,omitempty"`
	SetSpecs          []string   `json:"set_specs,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ObserveEarliest records a provider-advertised earliest datestamp.
// The stored value only ever moves backwards; it reports whether it changed.
func (s *Service) ObserveEarliest(t time.Time) bool {
	t = t.UTC()
	if s.EarliestDatestamp != nil && !t.Before(*s.EarliestDatestamp) {
		return false
	}
	s.EarliestDatestamp = &t
	return true
}

// DayGranularity reports whether from/until must be sent as plain dates.
func (s *Service) DayGranularity() bool {
	return s.Granularity == GranularityDay
}
