package pipeline

import (
	"sync/atomic"

	"github.com/scout-interest/scout/internal/model"
)

// Progress holds live counters for a running batch. It is safe to read
// while workers update it.
type Progress struct {
	projectID  string
	total      atomic.Int64
	processed  atomic.Int64
	successful atomic.Int64
	errors     atomic.Int64
	unsaved    atomic.Int64
}

// NewProgress creates an empty Progress for a project.
func NewProgress(projectID string) *Progress {
	return &Progress{projectID: projectID}
}

func (p *Progress) setTotal(n int) {
	p.total.Store(int64(n))
}

func (p *Progress) observe(r *model.PostalCodeResult) {
	p.processed.Add(1)
	if r.Success {
		p.successful.Add(1)
	} else {
		p.errors.Add(1)
	}
}

// Unsaved returns how many outcomes the sink failed to persist.
func (p *Progress) Unsaved() int {
	return int(p.unsaved.Load())
}

// Snapshot returns the current counters.
func (p *Progress) Snapshot() model.BatchStatus {
	return model.BatchStatus{
		ProjectID:  p.projectID,
		Status:     model.ProjectStatusProcessing,
		Total:      int(p.total.Load()),
		Processed:  int(p.processed.Load()),
		Successful: int(p.successful.Load()),
		Errors:     int(p.errors.Load()),
		Running:    true,
	}
}
