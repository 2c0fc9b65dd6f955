package model

import "time"

// ProjectStatus represents where a project is in its lifecycle.
type ProjectStatus string

const (
	ProjectStatusPending          ProjectStatus = "pending"
	ProjectStatusPendingTargeting ProjectStatus = "pending_targeting"
	ProjectStatusProcessing       ProjectStatus = "processing"
	ProjectStatusCompleted        ProjectStatus = "completed"
	ProjectStatusFailed           ProjectStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectStatusPending, ProjectStatusPendingTargeting, ProjectStatusProcessing,
		ProjectStatusCompleted, ProjectStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no batch is running and none will resume on its own.
func (s ProjectStatus) Terminal() bool {
	return s == ProjectStatusCompleted || s == ProjectStatusFailed
}

// Project is an uploaded list of postal codes plus the targeting applied to it.
type Project struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Status               ProjectStatus  `json:"status"`
	StatusDetail         string         `json:"status_detail,omitempty"`
	TotalPostalCodes     int            `json:"total_postal_codes"`
	ProcessedPostalCodes int            `json:"processed_postal_codes"`
	ErrorPostalCodes     int            `json:"error_postal_codes"`
	TargetingSpec        *TargetingSpec `json:"targeting_spec,omitempty"`
	CurrentRunID         string         `json:"current_run_id,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// SuccessfulPostalCodes is the number of processed codes that did not error.
func (p *Project) SuccessfulPostalCodes() int {
	return p.ProcessedPostalCodes - p.ErrorPostalCodes
}

// Complete reports whether every postal code reached a terminal result.
func (p *Project) Complete() bool {
	return p.TotalPostalCodes > 0 && p.ProcessedPostalCodes >= p.TotalPostalCodes
}
