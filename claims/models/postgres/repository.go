package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"

	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/constants"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
)

type queryable interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type executable interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

const (
	sqlFlavor = sqlbuilder.PostgreSQL
)

// Ensure Repository satisfies the interface
var _ models.Repository = &Repository{}

type Repository struct {
	queryable
	executable
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db, db}
}

func NewRepositoryTx(tx *sql.Tx) *Repository {
	return &Repository{tx, tx}
}

func (r *Repository) GetEnabledFacilities(ctx context.Context) ([]*models.Facility, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("id", "code", "endpoint", "login_cipher", "pwd_cipher", "poll_enabled", "last_polled_at")
	sb.From("facilities")
	sb.Where(sb.Equal("poll_enabled", true))
	sb.OrderBy("code")

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var facilities []*models.Facility
	for rows.Next() {
		var (
			f        models.Facility
			polledAt sql.NullTime
		)
		if err = rows.Scan(&f.ID, &f.Code, &f.Endpoint, &f.LoginCipher, &f.PwdCipher, &f.PollEnabled, &polledAt); err != nil {
			return nil, err
		}
		f.LastPolledAt = polledAt.Time
		facilities = append(facilities, &f)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return facilities, nil
}

func (r *Repository) UpdateFacilityWatermark(ctx context.Context, facilityID uint, polledAt time.Time) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("facilities")
	ub.Set(ub.Assign("last_polled_at", polledAt))
	ub.Where(
		ub.Equal("id", facilityID),
		ub.Or(
			"last_polled_at IS NULL",
			ub.LessThan("last_polled_at", polledAt),
		),
	)

	query, args := ub.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

var stagedFileColumns = []string{"id", "facility_id", "facility_code", "file_id", "file_name",
	"fingerprint", "storage_key", "discovered_at", "state", "retry_count"}

func (r *Repository) CreateStagedFile(ctx context.Context, file models.StagedFile) (uint, error) {
	query, args := sqlbuilder.Buildf(`INSERT INTO staged_files
		(facility_id, facility_code, file_id, file_name, fingerprint,
			storage_key, discovered_at, state, retry_count) VALUES
		(%s, %s, %s, %s, %s, %s, %s, %s, %s) RETURNING id`,
		file.FacilityID, file.FacilityCode, file.FileID, file.FileName, file.Fingerprint,
		file.StorageKey, file.DiscoveredAt, file.State, file.RetryCount).
		BuildWithFlavor(sqlFlavor)

	var id uint
	if err := r.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}

	return id, nil
}

func (r *Repository) GetStagedFileByID(ctx context.Context, id uint) (*models.StagedFile, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(stagedFileColumns...)
	sb.From("staged_files").Where(sb.Equal("id", id))

	query, args := sb.Build()
	file, err := r.scanStagedFile(r.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrStagedFileNotFound
	}
	return file, err
}

func (r *Repository) GetStagedFileByFingerprint(ctx context.Context, facilityID uint, fingerprint string) (*models.StagedFile, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(stagedFileColumns...)
	sb.From("staged_files").Where(
		sb.Equal("facility_id", facilityID),
		sb.Equal("fingerprint", fingerprint),
	)

	query, args := sb.Build()
	file, err := r.scanStagedFile(r.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return file, err
}

func (r *Repository) GetStagedFileByFileID(ctx context.Context, facilityID uint, fileID string) (*models.StagedFile, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(stagedFileColumns...)
	sb.From("staged_files").Where(
		sb.Equal("facility_id", facilityID),
		sb.Equal("file_id", fileID),
	)

	query, args := sb.Build()
	file, err := r.scanStagedFile(r.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return file, err
}

func (r *Repository) MarkStagedFileStaged(ctx context.Context, id uint, fingerprint, storageKey string) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("staged_files")
	ub.Set(
		ub.Assign("fingerprint", fingerprint),
		ub.Assign("storage_key", storageKey),
		ub.Assign("state", constants.StateStaged),
	)
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("state", constants.StateDiscovered),
	)

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrStateConflict
	}
	return nil
}

func (r *Repository) GetStagedFilesByState(ctx context.Context, state string, limit int) ([]*models.StagedFile, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(stagedFileColumns...)
	sb.From("staged_files").Where(sb.Equal("state", state))
	sb.OrderBy("discovered_at").Asc().Limit(limit)

	query, args := sb.Build()
	return r.getStagedFiles(ctx, query, args...)
}

func (r *Repository) TransitionStagedFile(ctx context.Context, id uint, fromState, toState string) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("staged_files")
	ub.Set(ub.Assign("state", toState))
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("state", fromState),
	)

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrStateConflict
	}

	return nil
}

func (r *Repository) FailStagedFile(ctx context.Context, id uint, fromState, stage string) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("staged_files")
	ub.Set(ub.Assign("state", fmt.Sprintf("%s(%s)", constants.StateFailed, stage)))
	ub.Where(
		ub.Equal("id", id),
		ub.Equal("state", fromState),
	)

	query, args := ub.Build()
	result, err := r.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrStateConflict
	}

	return nil
}

func (r *Repository) IncrementStagedFileRetry(ctx context.Context, id uint) error {
	ub := sqlFlavor.NewUpdateBuilder().Update("staged_files")
	ub.Set("retry_count = retry_count + 1")
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) DeleteStagedFile(ctx context.Context, id uint) error {
	db := sqlFlavor.NewDeleteBuilder().DeleteFrom("staged_files")
	db.Where(db.Equal("id", id))

	query, args := db.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) GetSweepableStagedFiles(ctx context.Context, cutoff time.Time, limit int) ([]*models.StagedFile, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select(stagedFileColumns...)
	sb.From("staged_files").Where(
		sb.Equal("state", constants.StateAcknowledged),
		sb.LessThan("discovered_at", cutoff),
	)
	sb.OrderBy("discovered_at").Asc().Limit(limit)

	query, args := sb.Build()
	return r.getStagedFiles(ctx, query, args...)
}

func (r *Repository) UpsertClaim(ctx context.Context, stagedFileID uint, facilityID uint, claim models.SubmissionClaim) (uint, bool, error) {
	// (xmax = 0) distinguishes a fresh insert from a conflict-update.
	query, args := sqlbuilder.Buildf(`INSERT INTO claims
		(staged_file_id, facility_id, claim_id, id_payer, member_id, payer_id,
			provider_id, emirates_id, gross_cents, patient_share_cents, net_cents,
			contract_package, resubmission_type, resubmission_comment) VALUES
		(%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (facility_id, payer_id, claim_id) DO UPDATE SET
			staged_file_id = EXCLUDED.staged_file_id,
			gross_cents = EXCLUDED.gross_cents,
			patient_share_cents = EXCLUDED.patient_share_cents,
			net_cents = EXCLUDED.net_cents,
			resubmission_type = EXCLUDED.resubmission_type,
			resubmission_comment = EXCLUDED.resubmission_comment
		RETURNING id, (xmax = 0)`,
		stagedFileID, facilityID, claim.ID, claim.IDPayer, claim.MemberID, claim.PayerID,
		claim.ProviderID, claim.EmiratesID, claim.Gross, claim.PatientShare, claim.Net,
		claim.ContractPkg, resubmissionType(claim), resubmissionComment(claim)).
		BuildWithFlavor(sqlFlavor)

	var (
		id       uint
		inserted bool
	)
	if err := r.QueryRowContext(ctx, query, args...).Scan(&id, &inserted); err != nil {
		return 0, false, err
	}

	return id, inserted, nil
}

func (r *Repository) CreateEncounter(ctx context.Context, claimKey uint, enc models.Encounter) error {
	query, args := sqlbuilder.Buildf(`INSERT INTO encounters
		(claim_key, facility_id, type, patient_id, start_at, end_at,
			start_type, end_type, transfer_source, transfer_destination) VALUES
		(%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (claim_key) DO UPDATE SET
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at`,
		claimKey, enc.FacilityID, enc.Type, enc.PatientID, nullTime(enc.Start), nullTime(enc.End),
		enc.StartType, enc.EndType, enc.TransferSource, enc.TransferDestination).
		BuildWithFlavor(sqlFlavor)

	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) CreateDiagnoses(ctx context.Context, claimKey uint, dx []models.Diagnosis) error {
	if len(dx) == 0 {
		return nil
	}

	ib := sqlFlavor.NewInsertBuilder().InsertInto("diagnoses")
	ib.Cols("claim_key", "type", "code")
	for _, d := range dx {
		ib.Values(claimKey, d.Type, d.Code)
	}

	query, args := ib.Build()
	query += " ON CONFLICT (claim_key, type, code) DO NOTHING"
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) CreateActivities(ctx context.Context, claimKey uint, acts []models.Activity) (int, error) {
	var created int
	for _, a := range acts {
		query, args := sqlbuilder.Buildf(`INSERT INTO activities
			(claim_key, activity_id, start_at, type, code, quantity, net_cents,
				clinician, prior_auth_id) VALUES
			(%s, %s, %s, %s, %s, %s, %s, %s, %s)
			ON CONFLICT (claim_key, activity_id) DO UPDATE SET
				net_cents = EXCLUDED.net_cents,
				quantity = EXCLUDED.quantity
			RETURNING id, (xmax = 0)`,
			claimKey, a.ID, a.Start, a.Type, a.Code, a.Quantity, a.Net,
			a.Clinician, a.PriorAuthID).
			BuildWithFlavor(sqlFlavor)

		var (
			activityKey uint
			inserted    bool
		)
		if err := r.QueryRowContext(ctx, query, args...).Scan(&activityKey, &inserted); err != nil {
			return created, err
		}
		if inserted {
			created++
		}

		if err := r.createObservations(ctx, activityKey, a.Observations); err != nil {
			return created, err
		}
	}
	return created, nil
}

func (r *Repository) createObservations(ctx context.Context, activityKey uint, obs []models.Observation) error {
	if len(obs) == 0 {
		return nil
	}

	ib := sqlFlavor.NewInsertBuilder().InsertInto("observations")
	ib.Cols("activity_key", "type", "code", "value", "value_type")
	for _, o := range obs {
		ib.Values(activityKey, o.Type, o.Code, o.Value, o.ValueType)
	}

	query, args := ib.Build()
	query += " ON CONFLICT (activity_key, type, code) DO NOTHING"
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) LookupClaimKey(ctx context.Context, facilityID uint, payerClaimID string) (uint, error) {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("id")
	sb.From("claims").Where(
		sb.Equal("facility_id", facilityID),
		sb.Equal("claim_id", payerClaimID),
	)

	query, args := sb.Build()
	var id uint
	if err := r.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return id, nil
}

func (r *Repository) UpsertRemittanceClaim(ctx context.Context, stagedFileID uint, facilityID uint, claim models.RemittanceClaim) (uint, bool, error) {
	query, args := sqlbuilder.Buildf(`INSERT INTO remittance_claims
		(staged_file_id, facility_id, claim_id, id_payer, provider_id,
			denial_code, payment_reference, date_settlement) VALUES
		(%s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (facility_id, id_payer, claim_id, payment_reference) DO UPDATE SET
			staged_file_id = EXCLUDED.staged_file_id,
			denial_code = EXCLUDED.denial_code,
			date_settlement = EXCLUDED.date_settlement
		RETURNING id, (xmax = 0)`,
		stagedFileID, facilityID, claim.ID, claim.IDPayer, claim.ProviderID,
		claim.DenialCode, claim.PaymentReference, nullTime(claim.DateSettlement)).
		BuildWithFlavor(sqlFlavor)

	var (
		id       uint
		inserted bool
	)
	if err := r.QueryRowContext(ctx, query, args...).Scan(&id, &inserted); err != nil {
		return 0, false, err
	}
	return id, inserted, nil
}

func (r *Repository) CreateRemittanceActivities(ctx context.Context, remitKey uint, acts []models.RemittanceActivity) (int, error) {
	var created int
	for _, a := range acts {
		query, args := sqlbuilder.Buildf(`INSERT INTO remittance_activities
			(remittance_claim_key, activity_id, start_at, type, code, quantity,
				net_cents, list_cents, clinician, prior_auth_id, gross_cents,
				patient_share_cents, payment_amount_cents, denial_code) VALUES
			(%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
			ON CONFLICT (remittance_claim_key, activity_id) DO UPDATE SET
				payment_amount_cents = EXCLUDED.payment_amount_cents,
				denial_code = EXCLUDED.denial_code
			RETURNING (xmax = 0)`,
			remitKey, a.ID, a.Start, a.Type, a.Code, a.Quantity,
			a.Net, a.List, a.Clinician, a.PriorAuthID, a.Gross,
			a.PatientShare, a.PaymentAmount, a.DenialCode).
			BuildWithFlavor(sqlFlavor)

		var inserted bool
		if err := r.QueryRowContext(ctx, query, args...).Scan(&inserted); err != nil {
			return created, err
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

func (r *Repository) CountPersistedClaims(ctx context.Context, stagedFileID uint) (int, error) {
	return r.countBoth(ctx, stagedFileID, "COUNT(1)")
}

func (r *Repository) CountPersistedActivities(ctx context.Context, stagedFileID uint) (int, error) {
	const query = `SELECT
		(SELECT COUNT(1) FROM activities a JOIN claims c ON c.id = a.claim_key WHERE c.staged_file_id = $1) +
		(SELECT COUNT(1) FROM remittance_activities ra JOIN remittance_claims rc ON rc.id = ra.remittance_claim_key WHERE rc.staged_file_id = $1)`

	var count int
	if err := r.QueryRowContext(ctx, query, stagedFileID).Scan(&count); err != nil {
		return -1, err
	}
	return count, nil
}

func (r *Repository) SumPersistedNet(ctx context.Context, stagedFileID uint) (int64, error) {
	const query = `SELECT
		COALESCE((SELECT SUM(net_cents) FROM claims WHERE staged_file_id = $1), 0) +
		COALESCE((SELECT SUM(ra.payment_amount_cents) FROM remittance_activities ra
			JOIN remittance_claims rc ON rc.id = ra.remittance_claim_key
			WHERE rc.staged_file_id = $1), 0)`

	var total int64
	if err := r.QueryRowContext(ctx, query, stagedFileID).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repository) CreateIngestionOutcome(ctx context.Context, outcome models.IngestionOutcome) error {
	ib := sqlFlavor.NewInsertBuilder().InsertInto("ingestion_outcomes")
	ib.Cols("staged_file_id", "facility_code", "file_id", "final_state",
		"failed_stage", "classification", "detail", "duration_ms", "recorded_at")
	ib.Values(outcome.StagedFileID, outcome.FacilityCode, outcome.FileID, outcome.FinalState,
		outcome.FailedStage, outcome.Classification, outcome.Detail,
		outcome.Duration.Milliseconds(), outcome.RecordedAt)

	query, args := ib.Build()
	_, err := r.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) GetReferenceSnapshot(ctx context.Context, facilityID uint) (*models.ReferenceSnapshot, error) {
	snapshot := &models.ReferenceSnapshot{
		Payers:     make(map[string]struct{}),
		Clinicians: make(map[string]struct{}),
		Facilities: make(map[string]struct{}),
		ClaimIDs:   make(map[string]struct{}),
	}

	for _, src := range []struct {
		table string
		dest  map[string]struct{}
	}{
		{"ref_payers", snapshot.Payers},
		{"ref_clinicians", snapshot.Clinicians},
		{"ref_facilities", snapshot.Facilities},
	} {
		if err := r.collectCodes(ctx, src.table, src.dest); err != nil {
			return nil, err
		}
	}

	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("claim_id").From("claims").Where(sb.Equal("facility_id", facilityID))
	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		snapshot.ClaimIDs[id] = struct{}{}
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return snapshot, nil
}

func (r *Repository) collectCodes(ctx context.Context, table string, dest map[string]struct{}) error {
	sb := sqlFlavor.NewSelectBuilder()
	sb.Select("code").From(table)

	query, args := sb.Build()
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var code string
		if err = rows.Scan(&code); err != nil {
			return err
		}
		dest[code] = struct{}{}
	}
	return rows.Err()
}

func (r *Repository) countBoth(ctx context.Context, stagedFileID uint, expr string) (int, error) {
	query := fmt.Sprintf(`SELECT
		(SELECT %s FROM claims WHERE staged_file_id = $1) +
		(SELECT %s FROM remittance_claims WHERE staged_file_id = $1)`, expr, expr)

	var count int
	if err := r.QueryRowContext(ctx, query, stagedFileID).Scan(&count); err != nil {
		return -1, err
	}
	return count, nil
}

func (r *Repository) getStagedFiles(ctx context.Context, query string, args ...interface{}) ([]*models.StagedFile, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*models.StagedFile
	for rows.Next() {
		var f models.StagedFile
		if err = rows.Scan(&f.ID, &f.FacilityID, &f.FacilityCode, &f.FileID, &f.FileName,
			&f.Fingerprint, &f.StorageKey, &f.DiscoveredAt, &f.State, &f.RetryCount); err != nil {
			return nil, err
		}
		files = append(files, &f)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return files, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *Repository) scanStagedFile(row rowScanner) (*models.StagedFile, error) {
	var f models.StagedFile
	if err := row.Scan(&f.ID, &f.FacilityID, &f.FacilityCode, &f.FileID, &f.FileName,
		&f.Fingerprint, &f.StorageKey, &f.DiscoveredAt, &f.State, &f.RetryCount); err != nil {
		return nil, err
	}
	return &f, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func resubmissionType(c models.SubmissionClaim) interface{} {
	if c.Resubmission == nil {
		return nil
	}
	return c.Resubmission.Type
}

func resubmissionComment(c models.SubmissionClaim) interface{} {
	if c.Resubmission == nil {
		return nil
	}
	return c.Resubmission.Comment
}
