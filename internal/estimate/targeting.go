package estimate

import (
	"github.com/scout-interest/scout/internal/model"
	"github.com/scout-interest/scout/pkg/meta"
)

// GeoOnly builds a targeting spec restricted to one resolved postal code.
func GeoOnly(geo *model.GeoLocation) *meta.Targeting {
	return &meta.Targeting{
		GeoLocations: meta.GeoTargeting{Zips: []meta.GeoKey{{Key: geo.Key}}},
	}
}

// WithTargeting builds the geo spec narrowed by the project's criteria.
// Interest groups are ANDed: an OR group becomes one flexible_spec clause
// holding all its interests, an AND group becomes one clause per interest.
func WithTargeting(geo *model.GeoLocation, spec *model.TargetingSpec) *meta.Targeting {
	t := GeoOnly(geo)
	if spec == nil {
		return t
	}

	t.AgeMin = spec.AgeMin
	t.AgeMax = spec.AgeMax
	t.Genders = genderCodes(spec.Genders)
	for _, p := range spec.DevicePlatforms {
		t.DevicePlatforms = append(t.DevicePlatforms, string(p))
	}

	for _, g := range spec.InterestGroups {
		if len(g.Interests) == 0 {
			continue
		}
		if g.Operator == model.OperatorAnd {
			for _, in := range g.Interests {
				t.FlexibleSpec = append(t.FlexibleSpec, meta.FlexibleSpec{
					Interests: []meta.IDName{{ID: in.ID, Name: in.Name}},
				})
			}
			continue
		}
		clause := meta.FlexibleSpec{Interests: make([]meta.IDName, 0, len(g.Interests))}
		for _, in := range g.Interests {
			clause.Interests = append(clause.Interests, meta.IDName{ID: in.ID, Name: in.Name})
		}
		t.FlexibleSpec = append(t.FlexibleSpec, clause)
	}
	return t
}

// genderCodes returns nil (all genders) unless exactly one is selected.
func genderCodes(genders []model.Gender) []int {
	seen := map[int]bool{}
	for _, g := range genders {
		switch g {
		case model.GenderMale:
			seen[meta.GenderMale] = true
		case model.GenderFemale:
			seen[meta.GenderFemale] = true
		}
	}
	if len(seen) != 1 {
		return nil
	}
	for code := range seen {
		return []int{code}
	}
	return nil
}
