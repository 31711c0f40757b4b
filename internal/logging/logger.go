package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/iotaledger/hive.go/logger"
)

// Journal records the steps of one transfer workflow, correlated by voucher
// id and challenge.
type Journal interface {
	// LogStep logs a single step in the workflow
	LogStep(phase, function, details string, err error)

	// LogStepWithDuration logs a step with explicit duration
	LogStepWithDuration(phase, function, details string, duration time.Duration, err error)

	// WithVoucher sets the voucher the workflow operates on
	WithVoucher(id string) Journal

	// WithChallenge sets the challenge of the transfer
	WithChallenge(challenge string) Journal

	// Flush writes the report to the output directory
	Flush() error

	// Entries returns all logged entries
	Entries() []Entry

	// Report generates the complete report
	Report() *Report
}

// StructuredJournal implements Journal with JSON output
type StructuredJournal struct {
	*logger.WrappedLogger

	mu          sync.Mutex
	flushMu     sync.Mutex
	workflow    string
	sessionID   string
	voucherID   string
	challenge   string
	outputDir   string
	entries     []Entry
	startTime   time.Time
	lastStepEnd time.Time
	enabled     bool
}

// NewJournal creates a journal for workflow. Reports are written to outputDir
// on Flush unless it is empty.
func NewJournal(log *logger.Logger, workflow, outputDir string) *StructuredJournal {
	now := time.Now()

	return &StructuredJournal{
		WrappedLogger: logger.NewWrappedLogger(log),
		workflow:      workflow,
		sessionID:     uuid.NewString(),
		outputDir:     outputDir,
		entries:       make([]Entry, 0, 16),
		startTime:     now,
		lastStepEnd:   now,
		enabled:       true,
	}
}

// NewDisabledJournal creates a no-op journal
func NewDisabledJournal() *StructuredJournal {
	return &StructuredJournal{
		enabled: false,
	}
}

// LogStep logs a single step with automatic duration calculation
func (j *StructuredJournal) LogStep(phase, function, details string, err error) {
	if !j.enabled {
		return
	}

	j.mu.Lock()
	duration := time.Since(j.lastStepEnd)
	j.mu.Unlock()

	j.LogStepWithDuration(phase, function, details, duration, err)
}

// LogStepWithDuration logs a step with explicit duration
func (j *StructuredJournal) LogStepWithDuration(phase, function, details string, duration time.Duration, err error) {
	if !j.enabled {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	status := StatusSuccess
	if err != nil {
		status = StatusFailure
		if details != "" {
			details = fmt.Sprintf("%s; error: %v", details, err)
		} else {
			details = fmt.Sprintf("error: %v", err)
		}
	}

	entry := Entry{
		Timestamp:  time.Now(),
		Phase:      phase,
		Function:   function,
		Status:     status,
		DurationNs: duration.Nanoseconds(),
		Details:    details,
		VoucherID:  j.voucherID,
		Challenge:  j.challenge,
	}

	j.entries = append(j.entries, entry)
	j.lastStepEnd = time.Now()

	if err != nil {
		j.LogWarnf("[%s %d] %s.%s: %s", j.workflow, len(j.entries), phase, function, details)
		return
	}
	j.LogDebugf("[%s %d] %s.%s: %s (%dns)", j.workflow, len(j.entries), phase, function, status, duration.Nanoseconds())
}

// Warn records a step that completed with a non-fatal problem.
func (j *StructuredJournal) Warn(phase, function, details string) {
	if !j.enabled {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, Entry{
		Timestamp: time.Now(),
		Phase:     phase,
		Function:  function,
		Status:    StatusWarning,
		Details:   details,
		VoucherID: j.voucherID,
		Challenge: j.challenge,
	})
	j.lastStepEnd = time.Now()

	j.LogWarnf("[%s %d] %s.%s: %s", j.workflow, len(j.entries), phase, function, details)
}

// WithVoucher sets the voucher id carried by subsequent entries
func (j *StructuredJournal) WithVoucher(id string) Journal {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.voucherID = id
	return j
}

// WithChallenge sets the challenge carried by subsequent entries
func (j *StructuredJournal) WithChallenge(challenge string) Journal {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.challenge = challenge
	return j
}

// SessionID returns the unique id of this workflow run.
func (j *StructuredJournal) SessionID() string {
	return j.sessionID
}

// Entries returns all logged entries
func (j *StructuredJournal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	result := make([]Entry, len(j.entries))
	copy(result, j.entries)
	return result
}

// Report generates the complete report
func (j *StructuredJournal) Report() *Report {
	j.mu.Lock()
	defer j.mu.Unlock()

	completedAt := time.Now()
	passed := 0
	failed := 0
	phases := make(map[string]int)

	for _, entry := range j.entries {
		switch entry.Status {
		case StatusSuccess:
			passed++
		case StatusFailure:
			failed++
		}
		phases[entry.Phase]++
	}

	entries := make([]Entry, len(j.entries))
	copy(entries, j.entries)

	return &Report{
		Workflow:        j.workflow,
		SessionID:       j.sessionID,
		VoucherID:       j.voucherID,
		Challenge:       j.challenge,
		StartedAt:       j.startTime,
		CompletedAt:     completedAt,
		TotalDurationMs: completedAt.Sub(j.startTime).Milliseconds(),
		Entries:         entries,
		Summary: Summary{
			TotalSteps: len(entries),
			Passed:     passed,
			Failed:     failed,
			Phases:     phases,
		},
	}
}

// Path returns the file the report is flushed to, or "" when the journal
// is not persisted.
func (j *StructuredJournal) Path() string {
	if !j.enabled || j.outputDir == "" {
		return ""
	}

	return filepath.Join(j.outputDir, fmt.Sprintf("%s-%s.json", j.workflow, j.sessionID))
}

// Flush writes the report to the output directory
func (j *StructuredJournal) Flush() error {
	path := j.Path()
	if path == "" {
		return nil
	}

	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	report := j.Report()

	if err := os.MkdirAll(j.outputDir, 0700); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write journal file: %w", err)
	}

	j.LogInfof("%s journal: %d steps, %d failed, written to %s",
		report.Workflow, report.Summary.TotalSteps, report.Summary.Failed, path)

	return nil
}

// ReadReport loads a flushed report.
func ReadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal file: %w", err)
	}

	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse journal file: %w", err)
	}

	return &report, nil
}
