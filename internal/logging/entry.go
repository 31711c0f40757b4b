package logging

import (
	"time"
)

// Entry is a single step of a transfer workflow
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Phase      string    `json:"phase"`
	Function   string    `json:"function"`
	Status     string    `json:"status"` // SUCCESS, FAILURE, WARNING
	DurationNs int64     `json:"duration_ns"`
	Details    string    `json:"details"`
	VoucherID  string    `json:"voucher_id"`
	Challenge  string    `json:"challenge,omitempty"`
}

// Report is the complete journal of one workflow run
type Report struct {
	Workflow        string    `json:"workflow"` // sendVoucher, receiveVoucher, reconcile, issueVoucher
	SessionID       string    `json:"session_id"`
	VoucherID       string    `json:"voucher_id"`
	Challenge       string    `json:"challenge,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
	TotalDurationMs int64     `json:"total_duration_ms"`
	Entries         []Entry   `json:"entries"`
	Summary         Summary   `json:"summary"`
}

// Summary provides aggregate statistics
type Summary struct {
	TotalSteps int            `json:"total_steps"`
	Passed     int            `json:"passed"`
	Failed     int            `json:"failed"`
	Phases     map[string]int `json:"phases"`
}

// Status constants
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusWarning = "WARNING"
)

// Workflow names
const (
	WorkflowSendVoucher    = "sendVoucher"
	WorkflowReceiveVoucher = "receiveVoucher"
	WorkflowIssueVoucher   = "issueVoucher"
	WorkflowReconcile      = "reconcile"
)

// Phases of the sender workflow
const (
	PhaseShareRetrieval    = "Share Retrieval"
	PhaseShareSealing      = "Share Sealing"
	PhaseChallenge         = "Challenge Generation"
	PhaseKeyReconstruction = "Key Reconstruction"
	PhaseSigning           = "Offer Signing"
	PhaseLocking           = "Transfer Lock"
	PhaseAckVerification   = "Acknowledgment Verification"
	PhaseConfirmation      = "Confirmation"
	PhasePublication       = "Relay Publication"
	PhaseMemoryCleanup     = "Memory Cleanup"
)

// Additional phases of the receiver, issuer and reconciliation workflows
const (
	PhaseOfferDecoding   = "Offer Decoding"
	PhaseOfferValidation = "Offer Validation"
	PhasePersistence     = "Voucher Persistence"
	PhaseAckGeneration   = "Acknowledgment Generation"
	PhaseKeyGeneration   = "Key Generation"
	PhaseSplitting       = "Secret Splitting"
	PhaseEventQuery      = "Event Query"
	PhaseResolution      = "Resolution"
)
