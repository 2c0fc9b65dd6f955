package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/scout-interest/scout/internal/model"
)

// jsonOrNil marshals v, returning nil for nil pointers so the column stays NULL.
func jsonOrNil[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal json")
	}
	return b, nil
}

// decodeJSON unmarshals b into a new T, or returns nil for empty input.
func decodeJSON[T any](b []byte) (*T, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(b, v); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal json")
	}
	return v, nil
}

// resultJSON holds the encoded JSON columns of a result row.
type resultJSON struct {
	geo, geoOnly, targeted []byte
}

func encodeResult(r *model.PostalCodeResult) (resultJSON, error) {
	var out resultJSON
	var err error
	if out.geo, err = jsonOrNil(r.ZipGeoData); err != nil {
		return out, err
	}
	if out.geoOnly, err = jsonOrNil(r.PostalCodeOnlyEstimate); err != nil {
		return out, err
	}
	if out.targeted, err = jsonOrNil(r.PostalCodeWithTargetingEstimate); err != nil {
		return out, err
	}
	return out, nil
}

func decodeResult(r *model.PostalCodeResult, j resultJSON) error {
	var err error
	if r.ZipGeoData, err = decodeJSON[model.GeoLocation](j.geo); err != nil {
		return err
	}
	if r.PostalCodeOnlyEstimate, err = decodeJSON[model.ReachEstimate](j.geoOnly); err != nil {
		return err
	}
	if r.PostalCodeWithTargetingEstimate, err = decodeJSON[model.ReachEstimate](j.targeted); err != nil {
		return err
	}
	return nil
}
