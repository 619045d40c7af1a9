// Package modelstest provides an in-memory Repository for exercising
// pipeline components without a database.
package modelstest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/constants"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
)

// FakeRepository implements models.Repository over in-memory maps. Zero
// value is not usable; construct with NewFakeRepository.
type FakeRepository struct {
	Mu sync.Mutex

	Facilities  []*models.Facility
	StagedFiles map[uint]*models.StagedFile
	Snapshot    *models.ReferenceSnapshot
	Outcomes    []models.IngestionOutcome

	Claims       map[string]uint // facilityID|claimID -> claim key
	ClaimRows    int
	ActivityRows int
	RemitRows    int
	PersistedNet int64

	// Error injection, keyed by method name.
	Errs map[string]error

	nextID uint
}

var _ models.Repository = &FakeRepository{}

func NewFakeRepository() *FakeRepository {
	return &FakeRepository{
		StagedFiles: make(map[uint]*models.StagedFile),
		Snapshot:    &models.ReferenceSnapshot{},
		Claims:      make(map[string]uint),
		Errs:        make(map[string]error),
		nextID:      1,
	}
}

func (r *FakeRepository) err(method string) error {
	return r.Errs[method]
}

func (r *FakeRepository) GetEnabledFacilities(context.Context) ([]*models.Facility, error) {
	if err := r.err("GetEnabledFacilities"); err != nil {
		return nil, err
	}
	var enabled []*models.Facility
	for _, f := range r.Facilities {
		if f.PollEnabled {
			enabled = append(enabled, f)
		}
	}
	return enabled, nil
}

func (r *FakeRepository) UpdateFacilityWatermark(_ context.Context, facilityID uint, polledAt time.Time) error {
	if err := r.err("UpdateFacilityWatermark"); err != nil {
		return err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	for _, f := range r.Facilities {
		if f.ID == facilityID && polledAt.After(f.LastPolledAt) {
			f.LastPolledAt = polledAt
		}
	}
	return nil
}

func (r *FakeRepository) CreateStagedFile(_ context.Context, file models.StagedFile) (uint, error) {
	if err := r.err("CreateStagedFile"); err != nil {
		return 0, err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	file.ID = r.nextID
	r.nextID++
	r.StagedFiles[file.ID] = &file
	return file.ID, nil
}

func (r *FakeRepository) GetStagedFileByID(_ context.Context, id uint) (*models.StagedFile, error) {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	file, ok := r.StagedFiles[id]
	if !ok {
		return nil, models.ErrStagedFileNotFound
	}
	copied := *file
	return &copied, nil
}

func (r *FakeRepository) GetStagedFileByFingerprint(_ context.Context, facilityID uint, fingerprint string) (*models.StagedFile, error) {
	if err := r.err("GetStagedFileByFingerprint"); err != nil {
		return nil, err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	for _, f := range r.StagedFiles {
		if f.FacilityID == facilityID && f.Fingerprint == fingerprint && fingerprint != "" {
			copied := *f
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *FakeRepository) GetStagedFileByFileID(_ context.Context, facilityID uint, fileID string) (*models.StagedFile, error) {
	if err := r.err("GetStagedFileByFileID"); err != nil {
		return nil, err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	for _, f := range r.StagedFiles {
		if f.FacilityID == facilityID && f.FileID == fileID {
			copied := *f
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *FakeRepository) MarkStagedFileStaged(_ context.Context, id uint, fingerprint, storageKey string) error {
	if err := r.err("MarkStagedFileStaged"); err != nil {
		return err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	file, ok := r.StagedFiles[id]
	if !ok || file.State != constants.StateDiscovered {
		return models.ErrStateConflict
	}
	file.Fingerprint = fingerprint
	file.StorageKey = storageKey
	file.State = constants.StateStaged
	return nil
}

func (r *FakeRepository) GetStagedFilesByState(_ context.Context, state string, limit int) ([]*models.StagedFile, error) {
	if err := r.err("GetStagedFilesByState"); err != nil {
		return nil, err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	var files []*models.StagedFile
	for _, f := range r.StagedFiles {
		if f.State == state && len(files) < limit {
			copied := *f
			files = append(files, &copied)
		}
	}
	return files, nil
}

func (r *FakeRepository) TransitionStagedFile(_ context.Context, id uint, fromState, toState string) error {
	if err := r.err("TransitionStagedFile"); err != nil {
		return err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	file, ok := r.StagedFiles[id]
	if !ok || file.State != fromState {
		return models.ErrStateConflict
	}
	file.State = toState
	return nil
}

func (r *FakeRepository) FailStagedFile(_ context.Context, id uint, fromState, stage string) error {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	file, ok := r.StagedFiles[id]
	if !ok || file.State != fromState {
		return models.ErrStateConflict
	}
	file.State = fmt.Sprintf("%s(%s)", constants.StateFailed, stage)
	return nil
}

func (r *FakeRepository) IncrementStagedFileRetry(_ context.Context, id uint) error {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if file, ok := r.StagedFiles[id]; ok {
		file.RetryCount++
	}
	return nil
}

func (r *FakeRepository) DeleteStagedFile(_ context.Context, id uint) error {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	delete(r.StagedFiles, id)
	return nil
}

func (r *FakeRepository) GetSweepableStagedFiles(_ context.Context, cutoff time.Time, limit int) ([]*models.StagedFile, error) {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	var files []*models.StagedFile
	for _, f := range r.StagedFiles {
		if f.State == constants.StateAcknowledged && f.DiscoveredAt.Before(cutoff) && len(files) < limit {
			copied := *f
			files = append(files, &copied)
		}
	}
	return files, nil
}

func (r *FakeRepository) UpsertClaim(_ context.Context, _ uint, facilityID uint, claim models.SubmissionClaim) (uint, bool, error) {
	if err := r.err("UpsertClaim"); err != nil {
		return 0, false, err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	key := fmt.Sprintf("%d|%s", facilityID, claim.ID)
	if id, ok := r.Claims[key]; ok {
		return id, false, nil
	}
	id := r.nextID
	r.nextID++
	r.Claims[key] = id
	r.ClaimRows++
	r.PersistedNet += claim.Net
	return id, true, nil
}

func (r *FakeRepository) CreateEncounter(context.Context, uint, models.Encounter) error {
	return r.err("CreateEncounter")
}

func (r *FakeRepository) CreateDiagnoses(context.Context, uint, []models.Diagnosis) error {
	return r.err("CreateDiagnoses")
}

func (r *FakeRepository) CreateActivities(_ context.Context, _ uint, acts []models.Activity) (int, error) {
	if err := r.err("CreateActivities"); err != nil {
		return 0, err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	r.ActivityRows += len(acts)
	return len(acts), nil
}

func (r *FakeRepository) LookupClaimKey(_ context.Context, facilityID uint, payerClaimID string) (uint, error) {
	if err := r.err("LookupClaimKey"); err != nil {
		return 0, err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	return r.Claims[fmt.Sprintf("%d|%s", facilityID, payerClaimID)], nil
}

func (r *FakeRepository) UpsertRemittanceClaim(_ context.Context, _ uint, _ uint, _ models.RemittanceClaim) (uint, bool, error) {
	if err := r.err("UpsertRemittanceClaim"); err != nil {
		return 0, false, err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	id := r.nextID
	r.nextID++
	r.RemitRows++
	return id, true, nil
}

func (r *FakeRepository) CreateRemittanceActivities(_ context.Context, _ uint, acts []models.RemittanceActivity) (int, error) {
	if err := r.err("CreateRemittanceActivities"); err != nil {
		return 0, err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	r.ActivityRows += len(acts)
	for _, a := range acts {
		r.PersistedNet += a.PaymentAmount
	}
	return len(acts), nil
}

func (r *FakeRepository) CountPersistedClaims(context.Context, uint) (int, error) {
	if err := r.err("CountPersistedClaims"); err != nil {
		return -1, err
	}
	return r.ClaimRows + r.RemitRows, nil
}

func (r *FakeRepository) CountPersistedActivities(context.Context, uint) (int, error) {
	if err := r.err("CountPersistedActivities"); err != nil {
		return -1, err
	}
	return r.ActivityRows, nil
}

func (r *FakeRepository) SumPersistedNet(context.Context, uint) (int64, error) {
	if err := r.err("SumPersistedNet"); err != nil {
		return 0, err
	}
	return r.PersistedNet, nil
}

func (r *FakeRepository) CreateIngestionOutcome(_ context.Context, outcome models.IngestionOutcome) error {
	if err := r.err("CreateIngestionOutcome"); err != nil {
		return err
	}
	r.Mu.Lock()
	defer r.Mu.Unlock()
	r.Outcomes = append(r.Outcomes, outcome)
	return nil
}

func (r *FakeRepository) GetReferenceSnapshot(context.Context, uint) (*models.ReferenceSnapshot, error) {
	if err := r.err("GetReferenceSnapshot"); err != nil {
		return nil, err
	}
	return r.Snapshot, nil
}
