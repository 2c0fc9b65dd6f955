package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() *TargetingSpec {
	return &TargetingSpec{
		AgeMin:          18,
		AgeMax:          65,
		Genders:         []Gender{GenderFemale},
		DevicePlatforms: []DevicePlatform{DevicePlatformMobile},
		CountryCode:     "us",
		InterestGroups: []InterestGroup{
			{Operator: OperatorOr, Interests: []Interest{{ID: "6003139266461", Name: "Movies"}}},
		},
	}
}

func TestTargetingSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(s *TargetingSpec)
		wantErr string
	}{
		{name: "valid", mutate: func(*TargetingSpec) {}},
		{name: "age below 13", mutate: func(s *TargetingSpec) { s.AgeMin = 12 }, wantErr: "AgeMin must be at least 13"},
		{name: "age above 65", mutate: func(s *TargetingSpec) { s.AgeMax = 70 }, wantErr: "AgeMax must be at most 65"},
		{name: "min greater than max", mutate: func(s *TargetingSpec) { s.AgeMin = 40; s.AgeMax = 30 }, wantErr: "AgeMax must be greater than or equal to AgeMin"},
		{name: "unknown gender", mutate: func(s *TargetingSpec) { s.Genders = []Gender{"other"} }, wantErr: "must be one of"},
		{name: "unknown platform", mutate: func(s *TargetingSpec) { s.DevicePlatforms = []DevicePlatform{"tv"} }, wantErr: "must be one of"},
		{name: "bad operator", mutate: func(s *TargetingSpec) { s.InterestGroups[0].Operator = "XOR" }, wantErr: "Operator must be one of"},
		{name: "interest without id", mutate: func(s *TargetingSpec) { s.InterestGroups[0].Interests[0].ID = "" }, wantErr: "ID is required"},
		{name: "bad country", mutate: func(s *TargetingSpec) { s.CountryCode = "USA" }, wantErr: "two-letter country code"},
		{name: "no interests is allowed", mutate: func(s *TargetingSpec) { s.InterestGroups = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSpec()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTargetingSpec_Validate_Nil(t *testing.T) {
	var s *TargetingSpec
	assert.Error(t, s.Validate())
}

func TestTargetingSpec_Country(t *testing.T) {
	assert.Equal(t, "US", validSpec().Country())
	assert.Equal(t, DefaultCountryCode, (&TargetingSpec{}).Country())
	assert.Equal(t, DefaultCountryCode, (*TargetingSpec)(nil).Country())
	assert.Equal(t, "FR", (&TargetingSpec{CountryCode: " fr "}).Country())
}

func TestTargetingSpec_InterestCount(t *testing.T) {
	s := validSpec()
	s.InterestGroups = append(s.InterestGroups, InterestGroup{
		Operator:  OperatorAnd,
		Interests: []Interest{{ID: "1"}, {ID: "2"}},
	})
	assert.Equal(t, 3, s.InterestCount())
}

func TestPostalCodeResult_Narrows(t *testing.T) {
	r := PostalCodeResult{
		PostalCodeOnlyEstimate:          &ReachEstimate{UsersUpperBound: 1000},
		PostalCodeWithTargetingEstimate: &ReachEstimate{UsersUpperBound: 400},
	}
	assert.True(t, r.Narrows())
	assert.InDelta(t, 0.4, r.TargetingRatio(), 0.0001)

	r.PostalCodeWithTargetingEstimate.UsersUpperBound = 1200
	assert.False(t, r.Narrows())

	assert.True(t, (&PostalCodeResult{}).Narrows())
	assert.Zero(t, (&PostalCodeResult{}).TargetingRatio())
}

func TestPostalCodeResult_Processed(t *testing.T) {
	r := PostalCodeResult{PostalCode: "10001"}
	assert.False(t, r.Processed())
	now := time.Now()
	r.ProcessedAt = &now
	assert.True(t, r.Processed())
}

func TestProject_Complete(t *testing.T) {
	p := Project{TotalPostalCodes: 3, ProcessedPostalCodes: 2, ErrorPostalCodes: 1}
	assert.False(t, p.Complete())
	assert.Equal(t, 1, p.SuccessfulPostalCodes())
	p.ProcessedPostalCodes = 3
	assert.True(t, p.Complete())
	assert.False(t, (&Project{}).Complete())
}

func TestProjectStatus(t *testing.T) {
	assert.True(t, ProjectStatusCompleted.Terminal())
	assert.True(t, ProjectStatusFailed.Terminal())
	assert.False(t, ProjectStatusProcessing.Terminal())
	assert.True(t, ProjectStatusPendingTargeting.Valid())
	assert.False(t, ProjectStatus("queued").Valid())
}
