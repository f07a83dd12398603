package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/baltic-freight/tms/internal/bankimport"
	"github.com/baltic-freight/tms/internal/carriers"
	jobmetrics "github.com/baltic-freight/tms/internal/jobs"
	"github.com/baltic-freight/tms/internal/overdue"
	"github.com/baltic-freight/tms/internal/shared"
)

type stubSweeper struct{ today time.Time }

func (s *stubSweeper) Sweep(_ context.Context, today time.Time) (overdue.Result, error) {
	s.today = today
	return overdue.Result{SalesUpdated: 1}, nil
}

type stubImporter struct {
	data  []byte
	force bool
	err   error
}

func (s *stubImporter) Import(_ context.Context, data []byte, opts bankimport.ImportOptions) (bankimport.Report, error) {
	s.data, s.force = data, opts.Force
	return bankimport.Report{Total: 1, Matched: 1}, s.err
}

type stubProjector struct{ partner int64 }

func (s *stubProjector) ProjectAll(_ context.Context, orderIDs []int64, partnerID int64) ([]carriers.Projection, error) {
	s.partner = partnerID
	return make([]carriers.Projection, len(orderIDs)), nil
}

func TestOverdueSweepUsesPayloadDate(t *testing.T) {
	sweeper := &stubSweeper{}
	job := NewOverdueSweepJob(sweeper, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	job.clock = func() time.Time { return time.Date(2025, 3, 1, 0, 5, 0, 0, time.UTC) }

	task, err := NewOverdueSweepTask(time.Time{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Date(2025, 3, 1, 0, 5, 0, 0, time.UTC), sweeper.today)

	task, err = NewOverdueSweepTask(time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), sweeper.today)

	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskOverdueSweep, []byte("{"))), asynq.SkipRetry)
}

func TestBankImportJobRetryPolicy(t *testing.T) {
	importer := &stubImporter{}
	job := NewBankImportJob(importer, nil, nil)
	ctx := context.Background()

	task, err := NewBankImportTask(BankImportPayload{BatchID: "b1", Data: []byte("csv"), Force: true})
	require.NoError(t, err)
	require.NoError(t, job.Handle(ctx, task))
	require.Equal(t, []byte("csv"), importer.data)
	require.True(t, importer.force)

	importer.err = bankimport.ErrStatementAlreadyImported
	require.NoError(t, job.Handle(ctx, task))

	importer.err = bankimport.ErrImportInProgress
	err = job.Handle(ctx, task)
	require.ErrorIs(t, err, bankimport.ErrImportInProgress)
	require.NotErrorIs(t, err, asynq.SkipRetry)

	importer.err = shared.Invalid("csv", "missing date column")
	require.ErrorIs(t, job.Handle(ctx, task), asynq.SkipRetry)

	importer.err = errors.New("db down")
	err = job.Handle(ctx, task)
	require.Error(t, err)
	require.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestCarrierProjectJob(t *testing.T) {
	projector := &stubProjector{}
	job := NewCarrierProjectJob(projector, nil, nil)

	task, err := NewCarrierProjectTask(CarrierProjectPayload{OrderIDs: []int64{1, 2}, PartnerID: 9})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.EqualValues(t, 9, projector.partner)

	bad, _ := json.Marshal(CarrierProjectPayload{PartnerID: 9})
	require.ErrorIs(t, job.Handle(context.Background(), asynq.NewTask(TaskCarrierProject, bad)), asynq.SkipRetry)
}

type stubEnqueuer struct {
	data []byte
	err  error
}

func (s *stubEnqueuer) EnqueueOverdueSweep(context.Context, time.Time) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{ID: "sweep-1", Queue: QueueDefault}, s.err
}

func (s *stubEnqueuer) EnqueueBankImport(_ context.Context, data []byte, _ bool) (*asynq.TaskInfo, error) {
	s.data = data
	if s.err != nil {
		return nil, s.err
	}
	return &asynq.TaskInfo{ID: "import-1", Queue: QueueDefault}, nil
}

func TestHandlerTriggers(t *testing.T) {
	client := &stubEnqueuer{}
	r := chi.NewRouter()
	NewHandler(nil, client, nil).MountRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/overdue-sweep", nil))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.JSONEq(t, `{"task_id":"sweep-1","queue":"default"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/bank-import", strings.NewReader("Data,Suma,Info\n")))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, "Data,Suma,Info\n", string(client.data))

	client.err = asynq.ErrTaskIDConflict
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/bank-import", strings.NewReader("x")))
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestBankImportTaskID(t *testing.T) {
	task, err := NewBankImportTask(BankImportPayload{BatchID: "abc", Data: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, TaskBankImport, task.Type())
}
