// Package audit records one row per terminal state transition. Rows are
// append-only; nothing in the pipeline updates or deletes them.
package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/constants"
	claimserrors "github.com/haramkhor2011-ship-it/claims-app-sub010/claims/errors"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/log"
)

type Recorder struct {
	repository models.Repository
	logger     logrus.FieldLogger
}

func NewRecorder(repository models.Repository) *Recorder {
	return &Recorder{repository: repository, logger: log.Audit}
}

// Success records a file reaching ACKNOWLEDGED.
func (r *Recorder) Success(ctx context.Context, file *models.StagedFile, started time.Time) {
	r.record(ctx, models.IngestionOutcome{
		StagedFileID: file.ID,
		FacilityCode: file.FacilityCode,
		FileID:       file.FileID,
		FinalState:   constants.StateAcknowledged,
		Duration:     time.Since(started),
		RecordedAt:   time.Now().UTC(),
	})
}

// Failure records a file reaching FAILED(stage), classifying the error.
func (r *Recorder) Failure(ctx context.Context, file *models.StagedFile, stage string, cause error, started time.Time) {
	r.record(ctx, models.IngestionOutcome{
		StagedFileID:   file.ID,
		FacilityCode:   file.FacilityCode,
		FileID:         file.FileID,
		FinalState:     constants.StateFailed,
		FailedStage:    stage,
		Classification: claimserrors.Classify(cause),
		Detail:         cause.Error(),
		Duration:       time.Since(started),
		RecordedAt:     time.Now().UTC(),
	})
}

// A failed audit insert must never mask the outcome it describes, so record
// logs and swallows.
func (r *Recorder) record(ctx context.Context, outcome models.IngestionOutcome) {
	entry := r.logger.WithFields(logrus.Fields{
		"file_id":        outcome.FileID,
		"facility":       outcome.FacilityCode,
		"final_state":    outcome.FinalState,
		"failed_stage":   outcome.FailedStage,
		"classification": outcome.Classification,
		"duration_ms":    outcome.Duration.Milliseconds(),
	})

	if err := r.repository.CreateIngestionOutcome(ctx, outcome); err != nil {
		entry.WithError(err).Error("failed to record ingestion outcome")
		return
	}

	if outcome.FinalState == constants.StateFailed {
		entry.Warn(outcome.Detail)
	} else {
		entry.Info("file ingested")
	}
}
