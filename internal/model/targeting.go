package model

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
)

// DefaultCountryCode is used when a targeting spec does not name a country.
const DefaultCountryCode = "US"

// Gender is a Meta targeting gender.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// DevicePlatform is a Meta targeting device platform.
type DevicePlatform string

const (
	DevicePlatformMobile  DevicePlatform = "mobile"
	DevicePlatformDesktop DevicePlatform = "desktop"
)

// GroupOperator combines the interests inside one InterestGroup.
type GroupOperator string

const (
	OperatorAnd GroupOperator = "AND"
	OperatorOr  GroupOperator = "OR"
)

// Interest is a Meta interest targeting entry.
type Interest struct {
	ID   string `json:"id" yaml:"id" validate:"required"`
	Name string `json:"name" yaml:"name"`
}

// InterestGroup is a set of interests joined by a single operator.
// Groups are themselves combined with AND.
type InterestGroup struct {
	Operator  GroupOperator `json:"operator" yaml:"operator" validate:"required,oneof=AND OR"`
	Interests []Interest    `json:"interests" yaml:"interests" validate:"dive"`
}

// TargetingSpec holds the audience criteria applied on top of a postal code.
type TargetingSpec struct {
	AgeMin          int              `json:"age_min" yaml:"age_min" validate:"min=13,max=65"`
	AgeMax          int              `json:"age_max" yaml:"age_max" validate:"min=13,max=65,gtefield=AgeMin"`
	Genders         []Gender         `json:"genders,omitempty" yaml:"genders" validate:"dive,oneof=male female"`
	DevicePlatforms []DevicePlatform `json:"device_platforms,omitempty" yaml:"device_platforms" validate:"dive,oneof=mobile desktop"`
	CountryCode     string           `json:"country_code" yaml:"country_code" validate:"omitempty,len=2,alpha"`
	InterestGroups  []InterestGroup  `json:"interest_groups,omitempty" yaml:"interest_groups" validate:"dive"`
}

var validate = validator.New()

// Validate checks the spec's field constraints.
func (s *TargetingSpec) Validate() error {
	if s == nil {
		return eris.New("targeting: spec is nil")
	}
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, validationMessage(fe))
			}
			return eris.Errorf("targeting: invalid spec: %s", strings.Join(msgs, "; "))
		}
		return eris.Wrap(err, "targeting: validate")
	}
	return nil
}

// Country returns the spec's upper-cased country code, or DefaultCountryCode.
func (s *TargetingSpec) Country() string {
	if s == nil || strings.TrimSpace(s.CountryCode) == "" {
		return DefaultCountryCode
	}
	return strings.ToUpper(strings.TrimSpace(s.CountryCode))
}

// InterestCount returns the number of interests across all groups.
func (s *TargetingSpec) InterestCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, g := range s.InterestGroups {
		n += len(g.Interests)
	}
	return n
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return fe.Field() + " must be at least " + fe.Param()
	case "max":
		return fe.Field() + " must be at most " + fe.Param()
	case "gtefield":
		return fe.Field() + " must be greater than or equal to " + fe.Param()
	case "oneof":
		return fe.Field() + " must be one of [" + fe.Param() + "]"
	case "required":
		return fe.Field() + " is required"
	case "len", "alpha":
		return fe.Field() + " must be a two-letter country code"
	default:
		return fe.Field() + " failed " + fe.Tag()
	}
}
