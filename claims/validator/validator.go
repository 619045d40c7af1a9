// Package validator applies the business rules a structurally sound document
// must still pass before persistence. It is pure: all reference data arrives
// in the snapshot, and the result is the full list of violations rather than
// the first one found.
package validator

import (
	"fmt"

	claimserrors "github.com/haramkhor2011-ship-it/claims-app-sub010/claims/errors"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
)

const (
	CodeMissingField     = "MISSING_FIELD"
	CodeNegativeAmount   = "NEGATIVE_AMOUNT"
	CodeNetInconsistent  = "NET_INCONSISTENT"
	CodeBadChronology    = "BAD_CHRONOLOGY"
	CodeUnknownPayer     = "UNKNOWN_PAYER"
	CodeUnknownClinician = "UNKNOWN_CLINICIAN"
	CodeUnknownFacility  = "UNKNOWN_FACILITY"
	CodeUnknownClaim     = "UNKNOWN_CLAIM"
)

// Validate checks the parsed document against the reference snapshot. A nil
// return means the file may proceed to persistence; otherwise the error is a
// ValidationViolation carrying every violation found.
func Validate(fileID string, doc *models.ParsedDocument, ref *models.ReferenceSnapshot) error {
	var violations []claimserrors.Violation

	if doc.Submission != nil {
		for i, claim := range doc.Submission.Claims {
			violations = append(violations, checkSubmissionClaim(i, claim, ref)...)
		}
	}
	if doc.Remittance != nil {
		for i, claim := range doc.Remittance.Claims {
			violations = append(violations, checkRemittanceClaim(i, claim, ref)...)
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &claimserrors.ValidationViolation{FileID: fileID, Violations: violations}
}

func checkSubmissionClaim(index int, claim models.SubmissionClaim, ref *models.ReferenceSnapshot) []claimserrors.Violation {
	v := newCollector(index, claim.ID)

	v.require("ID", claim.ID)
	v.require("PayerID", claim.PayerID)
	v.require("ProviderID", claim.ProviderID)
	v.require("MemberID", claim.MemberID)

	v.nonNegative("Gross", claim.Gross)
	v.nonNegative("PatientShare", claim.PatientShare)
	v.nonNegative("Net", claim.Net)

	if claim.Gross-claim.PatientShare != claim.Net {
		v.add("Net", CodeNetInconsistent,
			fmt.Sprintf("Gross %d - PatientShare %d != Net %d", claim.Gross, claim.PatientShare, claim.Net))
	}

	if claim.Encounter != nil {
		enc := claim.Encounter
		v.require("Encounter/FacilityID", enc.FacilityID)
		if !enc.Start.IsZero() && !enc.End.IsZero() && enc.End.Before(enc.Start) {
			v.add("Encounter/End", CodeBadChronology, "encounter ends before it starts")
		}
		v.knownCode("Encounter/FacilityID", enc.FacilityID, ref.Facilities, CodeUnknownFacility)
	}

	if len(claim.Activities) == 0 {
		v.add("Activity", CodeMissingField, "claim has no activities")
	}
	for _, act := range claim.Activities {
		field := "Activity/" + act.ID
		v.require(field+"/Code", act.Code)
		v.nonNegative(field+"/Net", act.Net)
		if act.Quantity <= 0 {
			v.add(field+"/Quantity", CodeNegativeAmount, "quantity must be positive")
		}
		v.knownCode(field+"/Clinician", act.Clinician, ref.Clinicians, CodeUnknownClinician)
	}

	v.knownCode("PayerID", claim.PayerID, ref.Payers, CodeUnknownPayer)

	return v.violations
}

func checkRemittanceClaim(index int, claim models.RemittanceClaim, ref *models.ReferenceSnapshot) []claimserrors.Violation {
	v := newCollector(index, claim.ID)

	v.require("ID", claim.ID)
	v.require("IDPayer", claim.IDPayer)
	v.require("PaymentReference", claim.PaymentReference)

	if len(claim.Activities) == 0 {
		v.add("Activity", CodeMissingField, "claim has no activities")
	}
	for _, act := range claim.Activities {
		field := "Activity/" + act.ID
		v.require(field+"/Code", act.Code)
		if act.PaymentAmount < 0 {
			v.add(field+"/PaymentAmount", CodeNegativeAmount, "payment amount must not be negative")
		}
		if act.PaymentAmount == 0 && act.DenialCode == "" {
			v.add(field+"/DenialCode", CodeMissingField, "zero payment requires a denial code")
		}
	}

	// A remittance must settle a claim we have seen, when the snapshot
	// carries the claim index at all. Persistence enforces this again under
	// the transaction; the check here keeps it a validation failure instead
	// of a conflict in the common case.
	if ref.ClaimIDs != nil && claim.ID != "" {
		if _, ok := ref.ClaimIDs[claim.ID]; !ok {
			v.add("ID", CodeUnknownClaim, "remittance references a claim never submitted")
		}
	}

	return v.violations
}

type collector struct {
	index      int
	claimID    string
	violations []claimserrors.Violation
}

func newCollector(index int, claimID string) *collector {
	return &collector{index: index, claimID: claimID}
}

func (c *collector) add(field, code, message string) {
	c.violations = append(c.violations, claimserrors.Violation{
		ClaimIndex: c.index,
		ClaimID:    c.claimID,
		Field:      field,
		Code:       code,
		Message:    message,
	})
}

func (c *collector) require(field, value string) {
	if value == "" {
		c.add(field, CodeMissingField, field+" is required")
	}
}

func (c *collector) nonNegative(field string, cents int64) {
	if cents < 0 {
		c.add(field, CodeNegativeAmount, field+" must not be negative")
	}
}

// knownCode skips the check when the snapshot set is nil (not loaded) or the
// value is empty; emptiness is a separate required-field concern.
func (c *collector) knownCode(field, value string, set map[string]struct{}, code string) {
	if set == nil || value == "" {
		return
	}
	if _, ok := set[value]; !ok {
		c.add(field, code, fmt.Sprintf("%s %q not found in reference data", field, value))
	}
}
