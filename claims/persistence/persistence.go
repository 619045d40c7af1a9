// Package persistence writes a validated document to the database inside one
// transaction per file. Either every row for the file lands or none do.
package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	claimserrors "github.com/haramkhor2011-ship-it/claims-app-sub010/claims/errors"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models/postgres"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/log"
)

type Service struct {
	db     *sql.DB
	logger logrus.FieldLogger

	// Bounds for retrying the whole file transaction after a transient
	// database failure. Conflicts and validation problems are never retried.
	maxRetries uint64
	retryWait  time.Duration
}

func NewService(db *sql.DB) *Service {
	return &Service{
		db:         db,
		logger:     log.Worker,
		maxRetries: 3,
		retryWait:  500 * time.Millisecond,
	}
}

// Persist writes the parsed document for the staged file. On transient
// database errors the whole transaction is retried a bounded number of
// times; constraint violations surface as PersistenceConflict immediately.
func (s *Service) Persist(ctx context.Context, file *models.StagedFile, doc *models.ParsedDocument) (*models.PersistenceResult, error) {
	var result *models.PersistenceResult

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryWait), s.maxRetries), ctx)
	err := backoff.Retry(func() error {
		var err error
		result, err = s.persistOnce(ctx, file, doc)
		if err != nil && !isTransientDBError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)

	if err != nil {
		if isTransientDBError(err) {
			return nil, &claimserrors.TransientNetworkError{Op: "persist", Err: err}
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) persistOnce(ctx context.Context, file *models.StagedFile, doc *models.ParsedDocument) (result *models.PersistenceResult, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start transaction")
	}

	rtx := postgres.NewRepositoryTx(tx)

	defer func() {
		if err != nil {
			if err1 := tx.Rollback(); err1 != nil {
				s.logger.Warnf("Failed to rollback transaction: %s", err1.Error())
			}
		}
	}()

	switch {
	case doc.Submission != nil:
		result, err = s.persistSubmission(ctx, rtx, file, doc.Submission)
	case doc.Remittance != nil:
		result, err = s.persistRemittance(ctx, rtx, file, doc.Remittance)
	default:
		err = errors.New("document has no variant")
	}
	if err != nil {
		if isConstraintViolation(err) {
			err = &claimserrors.PersistenceConflict{FileID: file.FileID, Err: err}
		}
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, errors.Wrapf(err, "failed to commit transaction for file %s", file.FileID)
	}

	s.logger.WithFields(logrus.Fields{
		"file_id":             file.FileID,
		"claims_inserted":     result.ClaimsInserted,
		"claims_updated":      result.ClaimsUpdated,
		"activities_inserted": result.ActivitiesInserted,
	}).Info("file persisted")

	return result, nil
}

func (s *Service) persistSubmission(ctx context.Context, rtx *postgres.Repository, file *models.StagedFile, doc *models.RootedSubmission) (*models.PersistenceResult, error) {
	result := &models.PersistenceResult{}

	for i, claim := range doc.Claims {
		claimKey, inserted, err := rtx.UpsertClaim(ctx, file.ID, file.FacilityID, claim)
		if err != nil {
			return nil, errors.Wrapf(err, "upserting claim %d (%s)", i, claim.ID)
		}
		if inserted {
			result.ClaimsInserted++
		} else {
			result.ClaimsUpdated++
		}
		result.NetTotal += claim.Net

		if claim.Encounter != nil {
			if err = rtx.CreateEncounter(ctx, claimKey, *claim.Encounter); err != nil {
				return nil, errors.Wrapf(err, "writing encounter of claim %s", claim.ID)
			}
		}
		if err = rtx.CreateDiagnoses(ctx, claimKey, claim.Diagnoses); err != nil {
			return nil, errors.Wrapf(err, "writing diagnoses of claim %s", claim.ID)
		}

		created, err := rtx.CreateActivities(ctx, claimKey, claim.Activities)
		if err != nil {
			return nil, errors.Wrapf(err, "writing activities of claim %s", claim.ID)
		}
		result.ActivitiesInserted += created
	}

	return result, nil
}

func (s *Service) persistRemittance(ctx context.Context, rtx *postgres.Repository, file *models.StagedFile, doc *models.RootedRemittance) (*models.PersistenceResult, error) {
	result := &models.PersistenceResult{}

	for i, claim := range doc.Claims {
		// Unknown claims were already flagged by validation against the
		// snapshot; re-checking under the transaction closes the race with a
		// concurrent submission of the same claim.
		claimKey, err := rtx.LookupClaimKey(ctx, file.FacilityID, claim.ID)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving claim %d (%s)", i, claim.ID)
		}
		if claimKey == 0 {
			return nil, &claimserrors.PersistenceConflict{
				FileID: file.FileID,
				Err:    errors.Errorf("remittance claim %s references a claim never submitted", claim.ID),
			}
		}

		remitKey, inserted, err := rtx.UpsertRemittanceClaim(ctx, file.ID, file.FacilityID, claim)
		if err != nil {
			return nil, errors.Wrapf(err, "upserting remittance claim %d (%s)", i, claim.ID)
		}
		if inserted {
			result.ClaimsInserted++
		} else {
			result.ClaimsUpdated++
		}

		created, err := rtx.CreateRemittanceActivities(ctx, remitKey, claim.Activities)
		if err != nil {
			return nil, errors.Wrapf(err, "writing remittance activities of claim %s", claim.ID)
		}
		result.ActivitiesInserted += created
		for _, a := range claim.Activities {
			result.NetTotal += a.PaymentAmount
		}
	}

	return result, nil
}

// Postgres class 23 covers integrity constraint violations.
func isConstraintViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "23")
	}
	return false
}

// Postgres class 08 covers connection exceptions; driver-level bad
// connections also qualify.
func isTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}
	return strings.Contains(err.Error(), "bad connection")
}
