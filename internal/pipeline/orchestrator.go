// Package pipeline runs batch reach estimation for a project: it resolves
// every postal code, issues the paired geo-only and targeted estimate calls,
// and hands each terminal outcome to a Sink as soon as it is known.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scout-interest/scout/internal/estimate"
	"github.com/scout-interest/scout/internal/model"
	"github.com/scout-interest/scout/internal/resolver"
	"github.com/scout-interest/scout/pkg/meta"
)

// Resolver maps a postal code onto a zip geo-targeting entry.
type Resolver interface {
	Resolve(ctx context.Context, postalCode, countryCode string) (*model.GeoLocation, error)
}

// Estimator issues reach-estimate calls.
type Estimator interface {
	CheckConfig() error
	Estimate(ctx context.Context, targeting *meta.Targeting) (*model.ReachEstimate, error)
}

// Recorder observes per-code outcomes.
type Recorder interface {
	RecordOutcome(outcome string)
	RecordNarrowingViolation()
}

// Outcome labels for Recorder.
const (
	OutcomeSuccess    = "success"
	OutcomePartial    = "partial"
	OutcomeNotFound   = "not_found"
	OutcomeUnresolved = "unresolved"
)

// Options configures an Orchestrator.
type Options struct {
	// Workers bounds how many postal codes are in flight. Default: 1.
	Workers int
	// DefaultCountry applies when the targeting spec names no country.
	DefaultCountry string
	Recorder       Recorder
}

// Batch is one run over a project's postal codes.
type Batch struct {
	ProjectID   string
	RunID       string
	PostalCodes []string
	Targeting   *model.TargetingSpec
}

// Orchestrator drives the per-code resolve and estimate sequence with a
// bounded worker pool.
type Orchestrator struct {
	resolver  Resolver
	estimator Estimator
	opts      Options
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(res Resolver, est Estimator, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.DefaultCountry == "" {
		opts.DefaultCountry = model.DefaultCountryCode
	}
	return &Orchestrator{resolver: res, estimator: est, opts: opts}
}

// ProcessBatch produces exactly one terminal outcome per postal code and
// records each through sink as soon as it is known. Individual failures are
// captured in the outcome. Only a FatalConfigError is returned: before any
// code is touched when the estimator is misconfigured, or mid-run when the
// API rejects the credentials, in which case no further codes are started.
//
// Cancelling ctx stops workers from picking up new codes. Codes already in
// flight run to a terminal outcome and are recorded.
func (o *Orchestrator) ProcessBatch(ctx context.Context, b Batch, sink Sink, progress *Progress) (*model.BatchSummary, error) {
	if err := o.estimator.CheckConfig(); err != nil {
		return nil, err
	}
	if b.Targeting == nil {
		return nil, eris.New("pipeline: batch has no targeting spec")
	}
	if progress == nil {
		progress = NewProgress(b.ProjectID)
	}

	log := zap.L().With(zap.String("project_id", b.ProjectID), zap.String("run_id", b.RunID))
	start := time.Now()

	codes, firstIndex := uniqueCodes(b.PostalCodes)
	country := o.country(b.Targeting)
	progress.setTotal(len(codes))

	log.Info("pipeline: batch starting",
		zap.Int("postal_codes", len(b.PostalCodes)),
		zap.Int("unique", len(codes)),
		zap.String("country", country),
		zap.Int("workers", o.opts.Workers),
	)

	// stopCtx ends dispatch. Work runs on a context that outlives it so
	// started codes always finish.
	stopCtx, stop := context.WithCancel(ctx)
	defer stop()
	workCtx := context.WithoutCancel(ctx)

	var (
		fatalOnce sync.Once
		fatalErr  error
		skipped   atomic.Int64
	)
	outcomes := make([]*model.PostalCodeResult, len(codes))

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Workers)

	for i, code := range codes {
		if stopCtx.Err() != nil {
			skipped.Add(int64(len(codes) - i))
			break
		}
		g.Go(func() error {
			if stopCtx.Err() != nil {
				skipped.Add(1)
				return nil
			}

			r, err := o.processCode(workCtx, b, code, country)
			r.RunID = b.RunID
			now := time.Now().UTC()
			r.ProcessedAt = &now
			outcomes[i] = r
			progress.observe(r)

			if estimate.IsFatal(err) {
				fatalOnce.Do(func() {
					fatalErr = err
					stop()
				})
			}

			if sinkErr := sink.Record(workCtx, r); sinkErr != nil {
				progress.unsaved.Add(1)
				log.Error("pipeline: result not saved",
					zap.String("postal_code", code),
					zap.Error(sinkErr),
				)
			}
			return nil // don't abort batch on individual failure
		})
	}
	_ = g.Wait()

	summary := &model.BatchSummary{
		ProjectID: b.ProjectID,
		RunID:     b.RunID,
		Duration:  time.Since(start),
		Cancelled: ctx.Err() != nil && skipped.Load() > 0,
	}
	for _, code := range b.PostalCodes {
		r := outcomes[firstIndex[code]]
		if r == nil {
			continue // never started
		}
		summary.Results = append(summary.Results, *r)
		summary.TotalProcessed++
		if r.Success {
			summary.Successful++
		} else {
			summary.Errors++
		}
	}
	summary.Unsaved = int(progress.unsaved.Load())

	log.Info("pipeline: batch finished",
		zap.Int("processed", summary.TotalProcessed),
		zap.Int("successful", summary.Successful),
		zap.Int("errors", summary.Errors),
		zap.Int("unsaved", summary.Unsaved),
		zap.Int64("skipped", skipped.Load()),
		zap.Bool("cancelled", summary.Cancelled),
		zap.Duration("duration", summary.Duration),
	)

	if fatalErr != nil {
		return summary, fatalErr
	}
	return summary, nil
}

// processCode resolves one code and issues both estimate calls. The
// returned result is always terminal; err is the failure that made it
// unsuccessful, if any.
func (o *Orchestrator) processCode(ctx context.Context, b Batch, code, country string) (*model.PostalCodeResult, error) {
	log := zap.L().With(zap.String("project_id", b.ProjectID), zap.String("postal_code", code))
	r := &model.PostalCodeResult{
		ProjectID:   b.ProjectID,
		PostalCode:  code,
		CountryCode: country,
	}

	geo, err := o.resolver.Resolve(ctx, code, country)
	if err != nil {
		r.ErrorMessage = err.Error()
		var re *resolver.ResolutionError
		if errors.As(err, &re) {
			o.record(OutcomeNotFound)
		} else {
			o.record(OutcomeUnresolved)
		}
		log.Warn("pipeline: postal code not resolved", zap.Error(err))
		return r, err
	}
	r.ZipGeoData = geo

	geoOnly, geoErr := o.estimator.Estimate(ctx, estimate.GeoOnly(geo))
	r.PostalCodeOnlyEstimate = geoOnly
	if geoErr != nil && stopsCode(geoErr) {
		r.ErrorMessage = "geo-only estimate: " + geoErr.Error()
		o.record(estimate.Outcome(geoErr))
		log.Warn("pipeline: geo-only estimate failed", zap.Error(geoErr))
		return r, geoErr
	}

	targeted, targetErr := o.estimator.Estimate(ctx, estimate.WithTargeting(geo, b.Targeting))
	r.PostalCodeWithTargetingEstimate = targeted

	switch {
	case geoErr == nil && targetErr == nil:
		r.Success = true
		o.record(OutcomeSuccess)
		if !r.Narrows() {
			o.recordNarrowing()
			log.Warn("pipeline: targeted estimate exceeds geo-only estimate",
				zap.Int64("geo_upper", geoOnly.UsersUpperBound),
				zap.Int64("targeted_upper", targeted.UsersUpperBound),
			)
		}
		return r, nil
	case geoErr != nil && targetErr != nil:
		r.ErrorMessage = "geo-only estimate: " + geoErr.Error() + "; targeted estimate: " + targetErr.Error()
		o.record(estimate.Outcome(targetErr))
		log.Warn("pipeline: both estimates failed", zap.Error(targetErr))
		return r, targetErr
	case geoErr != nil:
		r.ErrorMessage = "geo-only estimate: " + geoErr.Error()
		o.record(OutcomePartial)
		log.Warn("pipeline: partial result", zap.Error(geoErr))
		return r, geoErr
	default:
		r.ErrorMessage = "targeted estimate: " + targetErr.Error()
		if geoOnly != nil {
			o.record(OutcomePartial)
		} else {
			o.record(estimate.Outcome(targetErr))
		}
		log.Warn("pipeline: partial result", zap.Error(targetErr))
		return r, targetErr
	}
}

// stopsCode reports whether a geo-only failure makes the targeted call
// pointless: the geo key was rejected or the credentials are gone.
func stopsCode(err error) bool {
	var it *estimate.InvalidTargetingError
	return estimate.IsFatal(err) || errors.As(err, &it)
}

func (o *Orchestrator) country(spec *model.TargetingSpec) string {
	if spec != nil && spec.CountryCode != "" {
		return spec.Country()
	}
	return resolver.NormalizeCountry(o.opts.DefaultCountry)
}

func (o *Orchestrator) record(outcome string) {
	if o.opts.Recorder != nil {
		o.opts.Recorder.RecordOutcome(outcome)
	}
}

func (o *Orchestrator) recordNarrowing() {
	if o.opts.Recorder != nil {
		o.opts.Recorder.RecordNarrowingViolation()
	}
}

// uniqueCodes drops repeated codes, keeping first-seen order. firstIndex
// maps each code to its position in the returned slice.
func uniqueCodes(codes []string) ([]string, map[string]int) {
	out := make([]string, 0, len(codes))
	firstIndex := make(map[string]int, len(codes))
	for _, c := range codes {
		if _, ok := firstIndex[c]; ok {
			continue
		}
		firstIndex[c] = len(out)
		out = append(out, c)
	}
	return out, firstIndex
}
