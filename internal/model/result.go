package model

import "time"

// GeoLocation is a resolved Meta geo-targeting entry for a postal code.
type GeoLocation struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	CountryCode string `json:"country_code"`
	City        string `json:"city,omitempty"`
	Region      string `json:"region,omitempty"`
	RegionID    int    `json:"region_id,omitempty"`
	PrimaryCity string `json:"primary_city,omitempty"`
}

// ReachEstimate is a normalized audience-size estimate.
type ReachEstimate struct {
	UsersLowerBound int64 `json:"users_lower_bound"`
	UsersUpperBound int64 `json:"users_upper_bound"`
	EstimateReady   bool  `json:"estimate_ready"`
}

// PostalCodeResult is the outcome for one postal code within a project.
// Rows are keyed on (ProjectID, PostalCode).
type PostalCodeResult struct {
	ProjectID                       string         `json:"project_id"`
	PostalCode                      string         `json:"postal_code"`
	CountryCode                     string         `json:"country_code"`
	ZipGeoData                      *GeoLocation   `json:"zip_geo_data,omitempty"`
	PostalCodeOnlyEstimate          *ReachEstimate `json:"postal_code_only_estimate,omitempty"`
	PostalCodeWithTargetingEstimate *ReachEstimate `json:"postal_code_with_targeting_estimate,omitempty"`
	Success                         bool           `json:"success"`
	ErrorMessage                    string         `json:"error_message,omitempty"`
	RunID                           string         `json:"run_id,omitempty"`
	ProcessedAt                     *time.Time     `json:"processed_at,omitempty"`
}

// Processed reports whether the row holds a terminal outcome rather than an
// upload-time placeholder.
func (r *PostalCodeResult) Processed() bool {
	return r.ProcessedAt != nil
}

// TargetingRatio is the targeted upper bound divided by the geo-only upper
// bound, or 0 when either estimate is missing.
func (r *PostalCodeResult) TargetingRatio() float64 {
	if r.PostalCodeOnlyEstimate == nil || r.PostalCodeWithTargetingEstimate == nil {
		return 0
	}
	if r.PostalCodeOnlyEstimate.UsersUpperBound <= 0 {
		return 0
	}
	return float64(r.PostalCodeWithTargetingEstimate.UsersUpperBound) / float64(r.PostalCodeOnlyEstimate.UsersUpperBound)
}

// Narrows reports whether the targeted estimate is no larger than the
// geo-only estimate. Missing estimates count as narrowing.
func (r *PostalCodeResult) Narrows() bool {
	if r.PostalCodeOnlyEstimate == nil || r.PostalCodeWithTargetingEstimate == nil {
		return true
	}
	return r.PostalCodeWithTargetingEstimate.UsersUpperBound <= r.PostalCodeOnlyEstimate.UsersUpperBound
}

// BatchSummary is returned by a batch run.
type BatchSummary struct {
	ProjectID      string             `json:"project_id"`
	RunID          string             `json:"run_id"`
	TotalProcessed int                `json:"total_processed"`
	Successful     int                `json:"successful"`
	Errors         int                `json:"errors"`
	Unsaved        int                `json:"unsaved"`
	Cancelled      bool               `json:"cancelled,omitempty"`
	Duration       time.Duration      `json:"duration_ns"`
	Results        []PostalCodeResult `json:"results"`
}

// BatchStatus is a progress snapshot safe to poll while a batch runs.
type BatchStatus struct {
	ProjectID  string        `json:"project_id"`
	Status     ProjectStatus `json:"status"`
	Total      int           `json:"total"`
	Processed  int           `json:"processed"`
	Successful int           `json:"successful"`
	Errors     int           `json:"errors"`
	Running    bool          `json:"running"`
}
