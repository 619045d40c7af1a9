package constants

// StagedFile processing states. Transitions are linear for the happy path;
// StateFailed is terminal and reachable from any non-terminal state.
const (
	StateDiscovered   = "DISCOVERED"
	StateStaged       = "STAGED"
	StateParsed       = "PARSED"
	StateValidated    = "VALIDATED"
	StatePersisted    = "PERSISTED"
	StateVerified     = "VERIFIED"
	StateAcknowledged = "ACKNOWLEDGED"
	StateFailed       = "FAILED"
)

// Pipeline stages recorded with a FAILED outcome.
const (
	StageFetch    = "fetch"
	StageStage    = "stage"
	StageParse    = "parse"
	StageValidate = "validate"
	StagePersist  = "persist"
	StageVerify   = "verify"
	StageAck      = "ack"
)

// Machine-readable error classifications for the audit trail.
const (
	ClassAuth         = "auth"
	ClassTransient    = "transient_network"
	ClassMalformed    = "malformed_document"
	ClassValidation   = "validation_violation"
	ClassConflict     = "persistence_conflict"
	ClassVerification = "verification_mismatch"
	ClassUnexpected   = "unexpected"
)

// DHPO document roots.
const (
	RootSubmission = "Claim.Submission"
	RootRemittance = "Remittance.Advice"
)

// This is set during compilation. See build_and_package.sh in the ops repo.
var Version = "latest"
