package models

import (
	"time"
)

// Facility is one provider facility with its own DHPO mailbox and
// credentials. Provisioned by administration; the fetcher only advances the
// poll watermark.
type Facility struct {
	ID           uint
	Code         string
	Endpoint     string
	LoginCipher  []byte
	PwdCipher    []byte
	PollEnabled  bool
	LastPolledAt time.Time
}

// StagedFile is one downloaded DHPO file awaiting (or having finished)
// processing. Payload bytes live in the staging store under StorageKey; the
// row tracks identity, the SHA-256 fingerprint and the processing state.
type StagedFile struct {
	ID           uint
	FacilityID   uint
	FacilityCode string
	FileID       string
	FileName     string
	Fingerprint  string
	StorageKey   string
	DiscoveredAt time.Time
	State        string
	RetryCount   int
}

// FileHeader is the shared Header block of both DHPO document shapes.
type FileHeader struct {
	SenderID        string
	ReceiverID      string
	TransactionDate time.Time
	RecordCount     int
	DispositionFlag string
}

// Observation is a result attached to a submission activity.
type Observation struct {
	Type      string
	Code      string
	Value     string
	ValueType string
}

// Activity is one billed service line inside a submission claim. Amounts are
// fixed-point cents.
type Activity struct {
	ID           string
	Start        time.Time
	Type         string
	Code         string
	Quantity     int64
	Net          int64
	Clinician    string
	PriorAuthID  string
	Observations []Observation
}

// Diagnosis codes a submission claim.
type Diagnosis struct {
	Type string
	Code string
}

// Encounter is the optional care-setting block of a submission claim.
type Encounter struct {
	FacilityID          string
	Type                string
	PatientID           string
	Start               time.Time
	End                 time.Time
	StartType           string
	EndType             string
	TransferSource      string
	TransferDestination string
}

// Resubmission marks a claim as a correction of an earlier submission.
type Resubmission struct {
	Type    string
	Comment string
}

// SubmissionClaim is one claim of a Claim.Submission file.
type SubmissionClaim struct {
	ID           string
	IDPayer      string
	MemberID     string
	PayerID      string
	ProviderID   string
	EmiratesID   string
	Gross        int64
	PatientShare int64
	Net          int64
	Encounter    *Encounter
	Diagnoses    []Diagnosis
	Activities   []Activity
	Resubmission *Resubmission
	ContractPkg  string
}

// RemittanceActivity is one paid or denied service line.
type RemittanceActivity struct {
	ID            string
	Start         time.Time
	Type          string
	Code          string
	Quantity      int64
	Net           int64
	List          int64
	Clinician     string
	PriorAuthID   string
	Gross         int64
	PatientShare  int64
	PaymentAmount int64
	DenialCode    string
}

// RemittanceClaim is one claim of a Remittance.Advice file.
type RemittanceClaim struct {
	ID               string
	IDPayer          string
	ProviderID       string
	DenialCode       string
	PaymentReference string
	DateSettlement   time.Time
	FacilityID       string
	Activities       []RemittanceActivity
}

// SubmissionDocument is the parsed form of a Claim.Submission file.
type SubmissionDocument struct {
	Header FileHeader
	Claims []SubmissionClaim
}

// RemittanceDocument is the parsed form of a Remittance.Advice file.
type RemittanceDocument struct {
	Header FileHeader
	Claims []RemittanceClaim
}

// ParsedDocument is the discriminated union produced by the parser. Exactly
// one of Submission or Remittance is set. It exists only in memory during one
// pass over one StagedFile.
type ParsedDocument struct {
	Submission *RootedSubmission
	Remittance *RootedRemittance
}

type RootedSubmission struct {
	SubmissionDocument
}

type RootedRemittance struct {
	RemittanceDocument
}

// ClaimCount returns the number of claims regardless of variant.
func (d *ParsedDocument) ClaimCount() int {
	if d.Submission != nil {
		return len(d.Submission.Claims)
	}
	if d.Remittance != nil {
		return len(d.Remittance.Claims)
	}
	return 0
}

// ActivityCount returns the number of activity lines regardless of variant.
func (d *ParsedDocument) ActivityCount() int {
	var n int
	if d.Submission != nil {
		for _, c := range d.Submission.Claims {
			n += len(c.Activities)
		}
	}
	if d.Remittance != nil {
		for _, c := range d.Remittance.Claims {
			n += len(c.Activities)
		}
	}
	return n
}

// NetTotal sums claim-level Net (submission) or activity PaymentAmount
// (remittance) in cents.
func (d *ParsedDocument) NetTotal() int64 {
	var total int64
	if d.Submission != nil {
		for _, c := range d.Submission.Claims {
			total += c.Net
		}
	}
	if d.Remittance != nil {
		for _, c := range d.Remittance.Claims {
			for _, a := range c.Activities {
				total += a.PaymentAmount
			}
		}
	}
	return total
}

// PersistenceResult reports what one file's transaction wrote, for the
// verifier to cross-check.
type PersistenceResult struct {
	ClaimsInserted     int
	ClaimsUpdated      int
	ActivitiesInserted int
	NetTotal           int64
	Conflicts          []string
}

// IngestionOutcome is one append-only audit row per terminal state
// transition.
type IngestionOutcome struct {
	StagedFileID   uint
	FacilityCode   string
	FileID         string
	FinalState     string
	FailedStage    string
	Classification string
	Detail         string
	Duration       time.Duration
	RecordedAt     time.Time
}
