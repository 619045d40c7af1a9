package models

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStagedFileNotFound = errors.New("staged file not found")
	ErrStateConflict      = errors.New("staged file state changed by another worker")
)

// Repository abstracts relational storage for the pipeline. Implementations
// must be safe for concurrent use; per-file write atomicity comes from
// constructing a transaction-scoped repository around the persistence calls.
type Repository interface {
	facilityRepository
	stagedFileRepository
	claimRepository
	remittanceRepository
	verifyRepository
	auditRepository
	referenceRepository
}

type facilityRepository interface {
	GetEnabledFacilities(ctx context.Context) ([]*Facility, error)
	// UpdateFacilityWatermark advances last_polled_at. It never moves the
	// watermark backwards.
	UpdateFacilityWatermark(ctx context.Context, facilityID uint, polledAt time.Time) error
}

type stagedFileRepository interface {
	CreateStagedFile(ctx context.Context, file StagedFile) (uint, error)
	GetStagedFileByID(ctx context.Context, id uint) (*StagedFile, error)
	// GetStagedFileByFingerprint returns nil, nil when no file with that
	// fingerprint exists for the facility.
	GetStagedFileByFingerprint(ctx context.Context, facilityID uint, fingerprint string) (*StagedFile, error)
	// GetStagedFileByFileID returns nil, nil when the facility has no row for
	// that post-office file id.
	GetStagedFileByFileID(ctx context.Context, facilityID uint, fileID string) (*StagedFile, error)
	// MarkStagedFileStaged records the fingerprint and storage key and moves
	// a DISCOVERED row to STAGED in one update.
	MarkStagedFileStaged(ctx context.Context, id uint, fingerprint, storageKey string) error
	GetStagedFilesByState(ctx context.Context, state string, limit int) ([]*StagedFile, error)
	// TransitionStagedFile performs the single-row conditional update that
	// hands ownership of a file to the caller. It returns ErrStateConflict
	// when the row is no longer in fromState.
	TransitionStagedFile(ctx context.Context, id uint, fromState, toState string) error
	// FailStagedFile moves a row from fromState to FAILED(stage). Like
	// TransitionStagedFile it is conditional: ErrStateConflict means another
	// worker moved the row first and its state must stand.
	FailStagedFile(ctx context.Context, id uint, fromState, stage string) error
	IncrementStagedFileRetry(ctx context.Context, id uint) error
	DeleteStagedFile(ctx context.Context, id uint) error
	// GetSweepableStagedFiles lists ACKNOWLEDGED files older than the cutoff,
	// for the retention sweep.
	GetSweepableStagedFiles(ctx context.Context, cutoff time.Time, limit int) ([]*StagedFile, error)
}

type claimRepository interface {
	// UpsertClaim inserts or updates by (facility_id, payer_id, claim_id) and
	// reports whether a new row was created.
	UpsertClaim(ctx context.Context, stagedFileID uint, facilityID uint, claim SubmissionClaim) (claimKey uint, inserted bool, err error)
	CreateEncounter(ctx context.Context, claimKey uint, enc Encounter) error
	CreateDiagnoses(ctx context.Context, claimKey uint, dx []Diagnosis) error
	CreateActivities(ctx context.Context, claimKey uint, acts []Activity) (int, error)
}

type remittanceRepository interface {
	// LookupClaimKey resolves a previously-persisted claim by its external id
	// within the facility/payer scope. Returns 0, nil when absent.
	LookupClaimKey(ctx context.Context, facilityID uint, payerClaimID string) (uint, error)
	UpsertRemittanceClaim(ctx context.Context, stagedFileID uint, facilityID uint, claim RemittanceClaim) (remitKey uint, inserted bool, err error)
	CreateRemittanceActivities(ctx context.Context, remitKey uint, acts []RemittanceActivity) (int, error)
}

type verifyRepository interface {
	CountPersistedClaims(ctx context.Context, stagedFileID uint) (int, error)
	CountPersistedActivities(ctx context.Context, stagedFileID uint) (int, error)
	SumPersistedNet(ctx context.Context, stagedFileID uint) (int64, error)
}

type auditRepository interface {
	CreateIngestionOutcome(ctx context.Context, outcome IngestionOutcome) error
}

// ReferenceSnapshot is the read-only reference data the validator checks
// codes against. A nil set means "not loaded, skip that rule".
type ReferenceSnapshot struct {
	Payers     map[string]struct{}
	Clinicians map[string]struct{}
	Facilities map[string]struct{}
	ClaimIDs   map[string]struct{}
}

type referenceRepository interface {
	GetReferenceSnapshot(ctx context.Context, facilityID uint) (*ReferenceSnapshot, error)
}
