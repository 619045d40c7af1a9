package claimsworker

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/audit"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/constants"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models/modelstest"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/staging"
)

const workerSubmissionXML = `<?xml version="1.0" encoding="utf-8"?>
<Claim.Submission>
  <Header>
    <SenderID>DHA-F-0001</SenderID>
    <ReceiverID>INS-001</ReceiverID>
    <TransactionDate>12/03/2024 09:15</TransactionDate>
    <RecordCount>1</RecordCount>
    <DispositionFlag>PRODUCTION</DispositionFlag>
  </Header>
  <Claim>
    <ID>CLAIM-001</ID>
    <IDPayer>REF-1</IDPayer>
    <MemberID>MBR-1</MemberID>
    <PayerID>INS-001</PayerID>
    <ProviderID>DHA-F-0001</ProviderID>
    <Gross>150.00</Gross>
    <PatientShare>20.00</PatientShare>
    <Net>130.00</Net>
    <Activity>
      <ID>ACT-1</ID>
      <Start>11/03/2024 10:00</Start>
      <Type>3</Type>
      <Code>9506</Code>
      <Quantity>1</Quantity>
      <Net>130.00</Net>
      <Clinician>DHA-P-0001</Clinician>
    </Activity>
  </Claim>
</Claim.Submission>`

// fakePersister applies documents to the fake repository the way the real
// service would, or fails with the injected error.
type fakePersister struct {
	repo *modelstest.FakeRepository
	err  error
}

func (p *fakePersister) Persist(ctx context.Context, file *models.StagedFile, doc *models.ParsedDocument) (*models.PersistenceResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	result := &models.PersistenceResult{}
	for _, claim := range doc.Submission.Claims {
		_, inserted, err := p.repo.UpsertClaim(ctx, file.ID, file.FacilityID, claim)
		if err != nil {
			return nil, err
		}
		if inserted {
			result.ClaimsInserted++
		}
		created, err := p.repo.CreateActivities(ctx, 0, claim.Activities)
		if err != nil {
			return nil, err
		}
		result.ActivitiesInserted += created
		result.NetTotal += claim.Net
	}
	return result, nil
}

type workerFixture struct {
	worker *Worker
	repo   *modelstest.FakeRepository
	store  staging.Store
	file   *models.StagedFile
}

func newWorkerFixture(t *testing.T, payload string) *workerFixture {
	t.Helper()

	repo := modelstest.NewFakeRepository()
	store, err := staging.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	file := &models.StagedFile{
		FacilityID:   3,
		FacilityCode: "DHA-F-0001",
		FileID:       "1001",
		FileName:     "sub.xml",
		StorageKey:   "DHA-F-0001/2024-03-15/1001.xml",
		DiscoveredAt: time.Now().Add(-time.Minute),
		State:        constants.StateStaged,
	}
	id, err := repo.CreateStagedFile(context.Background(), *file)
	require.NoError(t, err)
	file.ID = id

	if payload != "" {
		require.NoError(t, store.Put(file.StorageKey, []byte(payload)))
	}

	persister := &fakePersister{repo: repo}
	return &workerFixture{
		worker: NewWorker(repo, store, persister, audit.NewRecorder(repo)),
		repo:   repo,
		store:  store,
		file:   file,
	}
}

func (f *workerFixture) state(t *testing.T) string {
	t.Helper()
	file, err := f.repo.GetStagedFileByID(context.Background(), f.file.ID)
	require.NoError(t, err)
	return file.State
}

func TestProcessToVerified(t *testing.T) {
	f := newWorkerFixture(t, workerSubmissionXML)

	f.worker.Process(context.Background(), f.file)

	assert.Equal(t, constants.StateVerified, f.state(t))
	assert.Equal(t, 1, f.repo.ClaimRows)
	assert.Equal(t, 1, f.repo.ActivityRows)
	assert.Equal(t, int64(13000), f.repo.PersistedNet)
	assert.Empty(t, f.repo.Outcomes, "audit success is recorded at acknowledgement, not here")
}

func TestProcessMalformedFile(t *testing.T) {
	f := newWorkerFixture(t, "<Claim.Submission><Header></Claim.Submission>")

	f.worker.Process(context.Background(), f.file)

	assert.Equal(t, "FAILED(parse)", f.state(t))
	require.Len(t, f.repo.Outcomes, 1)
	outcome := f.repo.Outcomes[0]
	assert.Equal(t, constants.StateFailed, outcome.FinalState)
	assert.Equal(t, constants.StageParse, outcome.FailedStage)
	assert.Equal(t, constants.ClassMalformed, outcome.Classification)
	assert.Zero(t, f.repo.ClaimRows)
}

func TestProcessMissingPayload(t *testing.T) {
	f := newWorkerFixture(t, "")

	f.worker.Process(context.Background(), f.file)

	assert.Equal(t, "FAILED(stage)", f.state(t))
	require.Len(t, f.repo.Outcomes, 1)
	assert.Equal(t, constants.StageStage, f.repo.Outcomes[0].FailedStage)
}

func TestProcessLosesClaimRace(t *testing.T) {
	f := newWorkerFixture(t, workerSubmissionXML)

	// Another worker already moved the file past STAGED.
	require.NoError(t, f.repo.TransitionStagedFile(context.Background(), f.file.ID, constants.StateStaged, constants.StateParsed))

	f.worker.Process(context.Background(), f.file)

	assert.Equal(t, constants.StateParsed, f.state(t))
	assert.Empty(t, f.repo.Outcomes)
	assert.Zero(t, f.repo.ClaimRows)
}

func TestProcessValidationFailure(t *testing.T) {
	f := newWorkerFixture(t, workerSubmissionXML)
	f.repo.Snapshot = &models.ReferenceSnapshot{
		Payers: map[string]struct{}{"INS-999": {}},
	}

	f.worker.Process(context.Background(), f.file)

	assert.Equal(t, "FAILED(validate)", f.state(t))
	require.Len(t, f.repo.Outcomes, 1)
	assert.Equal(t, constants.ClassValidation, f.repo.Outcomes[0].Classification)
	assert.Zero(t, f.repo.ClaimRows)
}

func TestProcessPersistFailure(t *testing.T) {
	f := newWorkerFixture(t, workerSubmissionXML)
	f.worker.persister = &fakePersister{repo: f.repo, err: errors.New("disk full")}

	f.worker.Process(context.Background(), f.file)

	assert.Equal(t, "FAILED(persist)", f.state(t))
	require.Len(t, f.repo.Outcomes, 1)
	assert.Equal(t, constants.StagePersist, f.repo.Outcomes[0].FailedStage)
}

func TestProcessVerifyMismatch(t *testing.T) {
	f := newWorkerFixture(t, workerSubmissionXML)

	// Persist succeeds but writes nothing for activities, so the recount
	// disagrees with the document.
	f.worker.persister = persisterFunc(func(ctx context.Context, file *models.StagedFile, doc *models.ParsedDocument) (*models.PersistenceResult, error) {
		_, _, err := f.repo.UpsertClaim(ctx, file.ID, file.FacilityID, doc.Submission.Claims[0])
		return &models.PersistenceResult{ClaimsInserted: 1}, err
	})

	f.worker.Process(context.Background(), f.file)

	assert.Equal(t, "FAILED(verify)", f.state(t))
	require.Len(t, f.repo.Outcomes, 1)
	assert.Equal(t, constants.StageVerify, f.repo.Outcomes[0].FailedStage)
}

type persisterFunc func(context.Context, *models.StagedFile, *models.ParsedDocument) (*models.PersistenceResult, error)

func (fn persisterFunc) Persist(ctx context.Context, file *models.StagedFile, doc *models.ParsedDocument) (*models.PersistenceResult, error) {
	return fn(ctx, file, doc)
}

func TestProcessRecoversFromPanic(t *testing.T) {
	f := newWorkerFixture(t, workerSubmissionXML)
	f.worker.persister = persisterFunc(func(context.Context, *models.StagedFile, *models.ParsedDocument) (*models.PersistenceResult, error) {
		panic("poisonous file")
	})

	f.worker.Process(context.Background(), f.file)

	assert.Equal(t, "FAILED(persist)", f.state(t))
	require.Len(t, f.repo.Outcomes, 1)
	assert.Contains(t, f.repo.Outcomes[0].Detail, "unexpected: poisonous file")
}

func TestStaleDispatchCannotClobberOwnedFile(t *testing.T) {
	f := newWorkerFixture(t, workerSubmissionXML)

	f.worker.Process(context.Background(), f.file)
	require.Equal(t, constants.StateVerified, f.state(t))

	// A stale dispatch that still parses fine loses the claim race quietly.
	replay := *f.file
	f.worker.Process(context.Background(), &replay)
	assert.Equal(t, constants.StateVerified, f.state(t))
	assert.Equal(t, 1, f.repo.ClaimRows)

	// One whose payload read fails pre-claim must not overwrite the owner's
	// state with a FAILED row either.
	broken := *f.file
	broken.StorageKey = "DHA-F-0001/2024-03-15/gone.xml"
	f.worker.Process(context.Background(), &broken)
	assert.Equal(t, constants.StateVerified, f.state(t))
	assert.Empty(t, f.repo.Outcomes)
}
