package logging

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/iotaledger/hive.go/logger"
	"github.com/stretchr/testify/require"
)

func TestStructuredJournal(t *testing.T) {
	tmpDir := t.TempDir()

	journal := NewJournal(logger.NewNopLogger(), WorkflowSendVoucher, tmpDir)
	journal.WithVoucher("0011223344556677")
	journal.WithChallenge("aabbccdd")

	journal.LogStepWithDuration(PhaseShareRetrieval, "GetCachedShare", "source=relay", 100*time.Microsecond, nil)
	journal.LogStepWithDuration(PhaseShareSealing, "SealShare", "", 200*time.Microsecond, nil)
	journal.LogStepWithDuration(PhaseAckVerification, "Verify", "", 50*time.Microsecond, errors.New("bad signature"))
	journal.Warn(PhasePublication, "PublishTransferEvent", "relay unavailable")

	require.NoError(t, journal.Flush())
	require.Equal(t, filepath.Join(tmpDir, WorkflowSendVoucher+"-"+journal.SessionID()+".json"), journal.Path())

	report, err := ReadReport(journal.Path())
	require.NoError(t, err)

	require.Equal(t, WorkflowSendVoucher, report.Workflow)
	require.Equal(t, "0011223344556677", report.VoucherID)
	require.Equal(t, "aabbccdd", report.Challenge)
	require.Equal(t, journal.SessionID(), report.SessionID)
	require.Len(t, report.Entries, 4)
	require.Equal(t, 4, report.Summary.TotalSteps)
	require.Equal(t, 2, report.Summary.Passed)
	require.Equal(t, 1, report.Summary.Failed)
	require.Equal(t, StatusFailure, report.Entries[2].Status)
	require.Contains(t, report.Entries[2].Details, "bad signature")
	require.Equal(t, StatusWarning, report.Entries[3].Status)

	for _, entry := range report.Entries {
		require.Equal(t, "0011223344556677", entry.VoucherID)
		require.Equal(t, "aabbccdd", entry.Challenge)
	}
}

func TestJournalWithoutOutputDir(t *testing.T) {
	journal := NewJournal(logger.NewNopLogger(), WorkflowReceiveVoucher, "")
	journal.LogStep(PhaseOfferDecoding, "DecodeOffer", "", nil)

	require.Empty(t, journal.Path())
	require.NoError(t, journal.Flush())
	require.Len(t, journal.Entries(), 1)
}

func TestDisabledJournal(t *testing.T) {
	journal := NewDisabledJournal()

	// Should not panic
	journal.LogStep(PhaseOfferDecoding, "test", "details", nil)
	journal.LogStepWithDuration(PhaseShareSealing, "test", "details", time.Second, nil)
	journal.Warn(PhasePublication, "test", "details")

	require.NoError(t, journal.Flush())
	require.Empty(t, journal.Entries())
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()

	// no journal attached: no-op
	LogFromContext(ctx, PhaseLocking, "AcquireLock", "", nil)
	require.Nil(t, FromContext(ctx))

	journal := NewJournal(logger.NewNopLogger(), WorkflowReconcile, "")
	ctx = WithJournal(ctx, journal)
	require.Equal(t, Journal(journal), FromContext(ctx))

	LogFromContext(ctx, PhaseEventQuery, "QueryEventsSince", "", nil)
	NewStepTimer(ctx, PhaseResolution, "Resolve").WithDetails("finalized").Done(nil)

	entries := journal.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, PhaseResolution, entries[1].Phase)
	require.Equal(t, "finalized", entries[1].Details)
}
