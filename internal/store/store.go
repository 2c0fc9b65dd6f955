// Package store persists projects and per-postal-code results.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/scout-interest/scout/internal/model"
)

var (
	// ErrNotFound is returned when a project does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrProjectBusy is returned when a project has a batch in progress.
	ErrProjectBusy = eris.New("store: project is processing")
	// ErrNoTargeting is returned when a batch is started before targeting
	// is configured.
	ErrNoTargeting = eris.New("store: project has no targeting spec")
)

// ProjectFilter specifies criteria for listing projects.
type ProjectFilter struct {
	Status model.ProjectStatus `json:"status,omitempty"`
	Limit  int                 `json:"limit,omitempty"`
	Offset int                 `json:"offset,omitempty"`
}

// NewProject is the input to CreateProject.
type NewProject struct {
	Name        string
	CountryCode string
	PostalCodes []string
}

// Store defines the persistence interface for projects and results.
type Store interface {
	// Projects
	CreateProject(ctx context.Context, in NewProject) (*model.Project, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]model.Project, error)
	DeleteProject(ctx context.Context, id string) error
	UpdateTargeting(ctx context.Context, id string, spec *model.TargetingSpec) (*model.Project, error)

	// Runs
	BeginRun(ctx context.Context, projectID, runID string) (*model.Project, error)
	SaveResult(ctx context.Context, result *model.PostalCodeResult) (*model.Project, error)
	FinishRun(ctx context.Context, projectID, runID, detail string) (*model.Project, error)

	// Results
	ListResults(ctx context.Context, projectID string) ([]model.PostalCodeResult, error)
	ListPostalCodes(ctx context.Context, projectID string) ([]string, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// progress is the per-run tally recomputed inside every SaveResult.
type progress struct {
	Total     int
	Processed int
	Errors    int
}

// nextStatus applies the completion rule after a result write. A project
// leaves processing only once every code of the current run is terminal.
func nextStatus(current model.ProjectStatus, p progress) model.ProjectStatus {
	if current != model.ProjectStatusProcessing {
		return current
	}
	if p.Total == 0 || p.Processed < p.Total {
		return current
	}
	if p.Errors >= p.Processed {
		return model.ProjectStatusFailed
	}
	return model.ProjectStatusCompleted
}

// finalStatus closes a run. Runs that stopped short, were cancelled or had
// writes fail end failed, never "close enough" completed.
func finalStatus(p progress, detail string) (model.ProjectStatus, string) {
	if detail != "" {
		return model.ProjectStatusFailed, detail
	}
	if p.Total == 0 || p.Processed < p.Total {
		return model.ProjectStatusFailed, "incomplete"
	}
	if p.Errors >= p.Processed {
		return model.ProjectStatusFailed, "all postal codes failed"
	}
	return model.ProjectStatusCompleted, ""
}

func dedupe(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func now() time.Time {
	return time.Now().UTC()
}
