// Package claimsworker drives staged files through parse, validate, persist
// and verify. The staged_files table is the queue: a worker owns a file by
// winning its state transition, so running multiple processes is safe.
package claimsworker

import (
	"bytes"
	"context"
	"fmt"
	"time"

	goerrors "errors"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/audit"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/constants"
	claimserrors "github.com/haramkhor2011-ship-it/claims-app-sub010/claims/errors"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/parser"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/persistence"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/staging"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/validator"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/verifier"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/log"
)

// Persister writes one parsed document transactionally.
type Persister interface {
	Persist(ctx context.Context, file *models.StagedFile, doc *models.ParsedDocument) (*models.PersistenceResult, error)
}

var _ Persister = &persistence.Service{}

type Worker struct {
	repository models.Repository
	store      staging.Store
	persister  Persister
	verifier   *verifier.Verifier
	recorder   *audit.Recorder
	logger     logrus.FieldLogger
}

func NewWorker(repository models.Repository, store staging.Store, persister Persister, recorder *audit.Recorder) *Worker {
	return &Worker{
		repository: repository,
		store:      store,
		persister:  persister,
		verifier:   verifier.New(repository),
		recorder:   recorder,
		logger:     log.Worker,
	}
}

// Process runs one staged file through the pipeline up to VERIFIED. A panic
// anywhere in a stage is converted into a FAILED outcome rather than taking
// the pool down; one poisonous file never stops the batch.
func (w *Worker) Process(ctx context.Context, file *models.StagedFile) {
	started := time.Now()
	entry := w.logger.WithFields(logrus.Fields{"file_id": file.FileID, "facility": file.FacilityCode})

	// state tracks where the row should be when a stage fails, so the fail
	// transition is as conditional as the forward ones and a worker that
	// lost the race cannot clobber the owner's progress.
	stage := constants.StageParse
	state := constants.StateStaged
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("unexpected: %v", r)
			entry.WithField("stage", stage).Error(err)
			w.fail(ctx, entry, file, state, stage, err, started)
		}
	}()

	// parse
	payload, err := w.store.Get(file.StorageKey)
	if err != nil {
		w.fail(ctx, entry, file, state, constants.StageStage, err, started)
		return
	}

	doc, err := parser.Parse(file.FileID, bytes.NewReader(payload))
	if err != nil {
		w.fail(ctx, entry, file, state, constants.StageParse, err, started)
		return
	}

	// Winning this transition is what makes the file ours; a conflict means
	// another worker got there first and the parse above was wasted, nothing
	// more.
	if err = w.repository.TransitionStagedFile(ctx, file.ID, constants.StateStaged, constants.StateParsed); err != nil {
		if goerrors.Is(err, models.ErrStateConflict) {
			entry.Debug("file claimed by another worker")
			return
		}
		entry.WithError(err).Error("cannot claim file")
		return
	}

	// validate
	stage = constants.StageValidate
	state = constants.StateParsed
	ref, err := w.referenceSnapshot(ctx, file.FacilityID)
	if err != nil {
		w.fail(ctx, entry, file, state, stage, err, started)
		return
	}
	if err = validator.Validate(file.FileID, doc, ref); err != nil {
		w.fail(ctx, entry, file, state, stage, err, started)
		return
	}
	if err = w.transition(ctx, entry, file, constants.StateParsed, constants.StateValidated); err != nil {
		return
	}

	// persist
	stage = constants.StagePersist
	state = constants.StateValidated
	result, err := w.persister.Persist(ctx, file, doc)
	if err != nil {
		w.fail(ctx, entry, file, state, stage, err, started)
		return
	}
	if err = w.transition(ctx, entry, file, constants.StateValidated, constants.StatePersisted); err != nil {
		return
	}

	// verify
	stage = constants.StageVerify
	state = constants.StatePersisted
	if err = w.verifier.Verify(ctx, file, doc); err != nil {
		w.fail(ctx, entry, file, state, stage, err, started)
		return
	}
	if err = w.transition(ctx, entry, file, constants.StatePersisted, constants.StateVerified); err != nil {
		return
	}

	entry.WithFields(logrus.Fields{
		"claims":      doc.ClaimCount(),
		"activities":  doc.ActivityCount(),
		"net_cents":   result.NetTotal,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("file verified, awaiting acknowledgement")
}

// referenceSnapshot loads validation reference data with a short bounded
// retry; a flaky connection should not terminally fail a file before any
// rule ran.
func (w *Worker) referenceSnapshot(ctx context.Context, facilityID uint) (*models.ReferenceSnapshot, error) {
	var ref *models.ReferenceSnapshot

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 2), ctx)
	err := backoff.Retry(func() error {
		var err error
		ref, err = w.repository.GetReferenceSnapshot(ctx, facilityID)
		return err
	}, bo)
	if err != nil {
		return nil, &claimserrors.TransientNetworkError{Op: "load reference snapshot", Err: err}
	}
	return ref, nil
}

func (w *Worker) transition(ctx context.Context, entry logrus.FieldLogger, file *models.StagedFile, from, to string) error {
	err := w.repository.TransitionStagedFile(ctx, file.ID, from, to)
	if err != nil {
		entry.WithError(err).Errorf("cannot transition %s to %s", from, to)
	}
	return err
}

func (w *Worker) fail(ctx context.Context, entry logrus.FieldLogger, file *models.StagedFile, fromState, stage string, cause error, started time.Time) {
	if err := w.repository.FailStagedFile(ctx, file.ID, fromState, stage); err != nil {
		if goerrors.Is(err, models.ErrStateConflict) {
			// Another worker owns the file; its state and outcome stand.
			entry.Debug("failure on a file owned elsewhere; leaving its state alone")
			return
		}
		entry.WithError(err).Error("cannot mark file failed")
	}
	w.recorder.Failure(ctx, file, stage, cause, started)
}
