// Package resolver maps raw postal codes onto Meta zip geo-targeting keys.
package resolver

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/width"

	"github.com/scout-interest/scout/internal/model"
	"github.com/scout-interest/scout/pkg/meta"
)

// Searcher runs an adgeolocation zip search.
type Searcher interface {
	SearchZip(ctx context.Context, query, countryCode string) ([]meta.GeoLocation, error)
}

// ResolutionError means the geo search knows no zip matching the code in
// the given country. It is terminal for the code and never retried.
type ResolutionError struct {
	PostalCode  string
	CountryCode string
	// Candidates is how many non-matching results the search returned.
	Candidates int
}

func (e *ResolutionError) Error() string {
	if e.Candidates > 0 {
		return fmt.Sprintf("postal code %q not found in %s (%d non-matching candidates)", e.PostalCode, e.CountryCode, e.Candidates)
	}
	return fmt.Sprintf("postal code %q not found in %s", e.PostalCode, e.CountryCode)
}

// Resolver looks up postal codes and caches outcomes, including misses.
type Resolver struct {
	search   Searcher
	capacity int

	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

type cacheEntry struct {
	key string
	geo *model.GeoLocation // nil caches a miss
}

// New creates a Resolver holding at most cacheSize entries. A cacheSize of
// zero or less disables caching.
func New(search Searcher, cacheSize int) *Resolver {
	return &Resolver{
		search:   search,
		capacity: cacheSize,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Normalize folds full-width characters, trims, upper-cases and collapses
// inner whitespace.
func Normalize(code string) string {
	code = width.Fold.String(code)
	return strings.ToUpper(strings.Join(strings.Fields(code), " "))
}

// NormalizeCountry returns an upper-case ISO code, defaulting to US.
func NormalizeCountry(country string) string {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		return model.DefaultCountryCode
	}
	return country
}

// Resolve returns the geo location for postalCode in countryCode.
func (r *Resolver) Resolve(ctx context.Context, postalCode, countryCode string) (*model.GeoLocation, error) {
	code := Normalize(postalCode)
	country := NormalizeCountry(countryCode)
	if code == "" {
		return nil, &ResolutionError{PostalCode: postalCode, CountryCode: country}
	}

	key := country + ":" + code
	if geo, ok := r.lookup(key); ok {
		if geo == nil {
			return nil, &ResolutionError{PostalCode: code, CountryCode: country}
		}
		cp := *geo
		return &cp, nil
	}

	results, err := r.search.SearchZip(ctx, code, country)
	if err != nil {
		return nil, eris.Wrapf(err, "resolver: search %s", key)
	}

	match := pick(results, code, country)
	if match == nil {
		zap.L().Debug("resolver: no zip match",
			zap.String("postal_code", code),
			zap.String("country", country),
			zap.Int("candidates", len(results)),
		)
		r.store(key, nil)
		return nil, &ResolutionError{PostalCode: code, CountryCode: country, Candidates: len(results)}
	}

	geo := &model.GeoLocation{
		Key:         match.Key,
		Name:        match.Name,
		Type:        match.Type,
		CountryCode: country,
		City:        match.PrimaryCity,
		Region:      match.Region,
		RegionID:    match.RegionID,
		PrimaryCity: match.PrimaryCity,
	}
	r.store(key, geo)
	cp := *geo
	return &cp, nil
}

// pick returns the result whose name or key equals the code. Prefix hits
// such as 10001 for a query of 1000 are rejected.
func pick(results []meta.GeoLocation, code, country string) *meta.GeoLocation {
	for i := range results {
		res := &results[i]
		if res.Type != "" && res.Type != "zip" {
			continue
		}
		if res.CountryCode != "" && !strings.EqualFold(res.CountryCode, country) {
			continue
		}
		if Normalize(res.Name) == code || strings.EqualFold(res.Key, country+":"+code) {
			return res
		}
	}
	return nil
}

func (r *Resolver) lookup(key string) (*model.GeoLocation, bool) {
	if r.capacity <= 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	el, ok := r.items[key]
	if !ok {
		return nil, false
	}
	r.order.MoveToFront(el)
	return el.Value.(*cacheEntry).geo, true
}

func (r *Resolver) store(key string, geo *model.GeoLocation) {
	if r.capacity <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if el, ok := r.items[key]; ok {
		el.Value.(*cacheEntry).geo = geo
		r.order.MoveToFront(el)
		return
	}
	r.items[key] = r.order.PushFront(&cacheEntry{key: key, geo: geo})
	for r.order.Len() > r.capacity {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.items, oldest.Value.(*cacheEntry).key)
	}
}

// Len returns the number of cached entries.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order.Len()
}
