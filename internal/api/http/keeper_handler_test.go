package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"keeper/internal/dispatch"
	"keeper/internal/domain"
	"keeper/internal/infra/memory"
	"keeper/internal/keeper"
	"keeper/internal/usecase"

	"github.com/stretchr/testify/require"
)

type fakeStatus struct {
	report usecase.Report
}

func (f fakeStatus) Status() usecase.Report { return f.report }

type handlerFixture struct {
	mux      *http.ServeMux
	inFlight *dispatch.InFlightSet
	repo     *memory.ExecutionRepository
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		mux:      http.NewServeMux(),
		inFlight: dispatch.NewInFlightSet(),
		repo:     memory.NewExecutionRepository(),
	}
	status := fakeStatus{report: usecase.Report{
		NodeID:  "node-1",
		Leader:  true,
		Loop:    keeper.Status{Running: true, State: keeper.StateIdle, LastBlock: 1234, LastWorkable: 2},
		Members: []domain.Member{{NodeID: "node-1"}, {NodeID: "node-2"}},
	}}
	h := NewKeeperHandler(status, f.inFlight, f.repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.RegisterRoutes(f.mux)
	return f
}

func (f *handlerFixture) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHandler_InFlight(t *testing.T) {
	f := newHandlerFixture(t)
	f.inFlight.TryMark(9)
	f.inFlight.TryMark(3)

	rec := f.get(t, "/jobs/in-flight")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp InFlightResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, []domain.JobID{3, 9}, resp.Jobs)
	require.Equal(t, 2, resp.Count)
}

func TestHandler_InFlightEmpty(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.get(t, "/jobs/in-flight")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"jobs":[],"count":0}`, rec.Body.String())
}

func TestHandler_History(t *testing.T) {
	f := newHandlerFixture(t)
	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.repo.Save(context.Background(), &domain.ExecutionRecord{
			ID: id, JobID: 5, StartTime: base.Add(time.Duration(i) * time.Second), Status: domain.ExecutionStatusSuccess,
		}))
	}

	rec := f.get(t, "/jobs/5/history?page=1&pageSize=2")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, domain.JobID(5), resp.JobID)
	require.Len(t, resp.Records, 2)
	require.Equal(t, "c", resp.Records[0].ID)

	rec = f.get(t, "/jobs/5/history/a")
	require.Equal(t, http.StatusOK, rec.Code)
	var record domain.ExecutionRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&record))
	require.Equal(t, "a", record.ID)
}

func TestHandler_HistoryErrors(t *testing.T) {
	f := newHandlerFixture(t)

	require.Equal(t, http.StatusBadRequest, f.get(t, "/jobs/abc/history").Code)
	require.Equal(t, http.StatusBadRequest, f.get(t, "/jobs/5/history?pageSize=500").Code)
	require.Equal(t, http.StatusBadRequest, f.get(t, "/jobs/5/history?page=x").Code)
	require.Equal(t, http.StatusNotFound, f.get(t, "/jobs/5/history/missing").Code)
	require.Equal(t, http.StatusNotFound, f.get(t, "/jobs/5").Code)

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/in-flight", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandler_Status(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.get(t, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var report usecase.Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	require.True(t, report.Leader)
	require.Equal(t, "node-1", report.NodeID)
	require.Equal(t, uint64(1234), report.Loop.LastBlock)
	require.Len(t, report.Members, 2)
}

func TestRouteLabel(t *testing.T) {
	require.Equal(t, "/jobs/{id}/history", routeLabel("/jobs/77/history"))
	require.Equal(t, "/jobs/{id}/history/{execution_id}", routeLabel("/jobs/77/history/x"))
	require.Equal(t, "/jobs/in-flight", routeLabel("/jobs/in-flight"))
	require.Equal(t, "other", routeLabel("/jobs/77"))
}
