package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/stock"
	"github.com/odyssey-erp/stockledger/jobs"
)

type stubChecker struct {
	drifts []stock.Drift
	err    error
}

func (s stubChecker) CheckReservationIntegrity(ctx context.Context) ([]stock.Drift, error) {
	return s.drifts, s.err
}

func TestIntegrityCommandJSONSuccess(t *testing.T) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := IntegrityCommand(context.Background(), stubChecker{}, IntegrityOptions{JSONOutput: true, Stdout: stdout, Stderr: stderr})
	require.Equal(t, 0, code)
	require.Empty(t, stderr.String())

	var summary IntegritySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.True(t, summary.OK)
	require.Empty(t, summary.Drifts)
}

func TestIntegrityCommandReportsDrift(t *testing.T) {
	stdout := new(bytes.Buffer)
	checker := stubChecker{drifts: []stock.Drift{{EntryID: 4, ProductID: 1, WarehouseID: 2, Reserved: 9, OpenReservation: 5}}}
	code := IntegrityCommand(context.Background(), checker, IntegrityOptions{Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Equal(t, ExitDrift, code)
	require.Contains(t, stdout.String(), "entry 4 (product 1, warehouse 2): reserved 9, open reservations 5")
}

func TestIntegrityCommandFailure(t *testing.T) {
	stderr := new(bytes.Buffer)
	code := IntegrityCommand(context.Background(), stubChecker{err: errors.New("connection refused")}, IntegrityOptions{Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "connection refused")
}

type stubEnqueuer struct {
	calls []string
}

func (s *stubEnqueuer) EnqueueLowStockScan(ctx context.Context) (*asynq.TaskInfo, error) {
	s.calls = append(s.calls, jobs.TaskLowStockScan)
	return &asynq.TaskInfo{Type: jobs.TaskLowStockScan}, nil
}

func (s *stubEnqueuer) EnqueueReservationIntegrity(ctx context.Context) (*asynq.TaskInfo, error) {
	s.calls = append(s.calls, jobs.TaskReservationIntegrity)
	return &asynq.TaskInfo{Type: jobs.TaskReservationIntegrity}, nil
}

func TestTriggerDispatchesByName(t *testing.T) {
	enqueuer := &stubEnqueuer{}
	c := &JobsCLI{client: enqueuer}

	_, err := c.Trigger(context.Background(), "low-stock-scan")
	require.NoError(t, err)
	_, err = c.Trigger(context.Background(), jobs.TaskReservationIntegrity)
	require.NoError(t, err)
	_, err = c.Trigger(context.Background(), "gl-integrity")
	require.Error(t, err)

	require.Equal(t, []string{jobs.TaskLowStockScan, jobs.TaskReservationIntegrity}, enqueuer.calls)
	require.NoError(t, c.Close())
}

func TestInspectorRequired(t *testing.T) {
	c := &JobsCLI{}
	_, err := c.InspectQueue(context.Background())
	require.Error(t, err)
	_, err = c.ListScheduled(context.Background(), 0)
	require.Error(t, err)
	_, err = c.Trigger(context.Background(), "low-stock-scan")
	require.Error(t, err)
}
