package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scout-interest/scout/internal/model"
)

func TestNextStatus(t *testing.T) {
	processing := model.ProjectStatusProcessing
	assert.Equal(t, processing, nextStatus(processing, progress{Total: 3, Processed: 2}))
	assert.Equal(t, model.ProjectStatusCompleted, nextStatus(processing, progress{Total: 3, Processed: 3, Errors: 2}))
	assert.Equal(t, model.ProjectStatusFailed, nextStatus(processing, progress{Total: 3, Processed: 3, Errors: 3}))
	assert.Equal(t, processing, nextStatus(processing, progress{}))
	assert.Equal(t, model.ProjectStatusPending, nextStatus(model.ProjectStatusPending, progress{Total: 1, Processed: 1}))
}

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		name       string
		p          progress
		detail     string
		wantStatus model.ProjectStatus
		wantDetail string
	}{
		{"completed", progress{Total: 2, Processed: 2, Errors: 1}, "", model.ProjectStatusCompleted, ""},
		{"detail wins", progress{Total: 2, Processed: 2}, "cancelled", model.ProjectStatusFailed, "cancelled"},
		{"short", progress{Total: 2, Processed: 1}, "", model.ProjectStatusFailed, "incomplete"},
		{"empty", progress{}, "", model.ProjectStatusFailed, "incomplete"},
		{"all errored", progress{Total: 2, Processed: 2, Errors: 2}, "", model.ProjectStatusFailed, "all postal codes failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, detail := finalStatus(tt.p, tt.detail)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantDetail, detail)
		})
	}
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{"a", "", "b", "a"}))
	assert.Empty(t, dedupe(nil))
}

func TestCodec_RoundTripNil(t *testing.T) {
	b, err := jsonOrNil[model.ReachEstimate](nil)
	assert.NoError(t, err)
	assert.Nil(t, b)

	v, err := decodeJSON[model.ReachEstimate]([]byte("null"))
	assert.NoError(t, err)
	assert.Nil(t, v)

	_, err = decodeJSON[model.ReachEstimate]([]byte("{bad"))
	assert.Error(t, err)
}
