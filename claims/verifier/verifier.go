// Package verifier re-reads what persistence claims to have written and
// compares it with the parsed document. It runs after commit, so a mismatch
// is the most serious failure the pipeline can report: data is durable but
// unconfirmed.
package verifier

import (
	"context"
	"fmt"

	claimserrors "github.com/haramkhor2011-ship-it/claims-app-sub010/claims/errors"
	"github.com/haramkhor2011-ship-it/claims-app-sub010/claims/models"
)

type Verifier struct {
	repository models.Repository
}

func New(repository models.Repository) *Verifier {
	return &Verifier{repository: repository}
}

// Verify recounts the file's persisted rows and sums. Counts must match the
// document exactly; the net sum must match the document's total.
func (v *Verifier) Verify(ctx context.Context, file *models.StagedFile, doc *models.ParsedDocument) error {
	claims, err := v.repository.CountPersistedClaims(ctx, file.ID)
	if err != nil {
		return &claimserrors.TransientNetworkError{Op: "verify", Err: err}
	}
	if claims != doc.ClaimCount() {
		return mismatch(file.FileID, "claims", doc.ClaimCount(), claims)
	}

	activities, err := v.repository.CountPersistedActivities(ctx, file.ID)
	if err != nil {
		return &claimserrors.TransientNetworkError{Op: "verify", Err: err}
	}
	if activities != doc.ActivityCount() {
		return mismatch(file.FileID, "activities", doc.ActivityCount(), activities)
	}

	net, err := v.repository.SumPersistedNet(ctx, file.ID)
	if err != nil {
		return &claimserrors.TransientNetworkError{Op: "verify", Err: err}
	}
	if net != doc.NetTotal() {
		return &claimserrors.VerificationMismatch{
			FileID: file.FileID,
			Detail: fmt.Sprintf("net total: parsed %d cents, persisted %d cents", doc.NetTotal(), net),
		}
	}

	return nil
}

func mismatch(fileID, what string, parsed, persisted int) error {
	return &claimserrors.VerificationMismatch{
		FileID: fileID,
		Detail: fmt.Sprintf("%s: parsed %d, persisted %d", what, parsed, persisted),
	}
}
