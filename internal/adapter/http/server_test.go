package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/domain"
	"jobsched/internal/events"
	"jobsched/internal/executor"
	"jobsched/internal/lifecycle"
	sqlitedb "jobsched/internal/platform/sqlite"
	"jobsched/internal/scheduler"
	"jobsched/internal/shared"
	"jobsched/internal/store"
	sqlitestore "jobsched/internal/store/sqlite"
)

func init() { gin.SetMode(gin.TestMode) }

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newStack(t *testing.T, cfg Config, mod func(*Deps)) *gin.Engine {
	t.Helper()
	tdb := sqlitedb.NewTestDB(t, sqlitestore.Migrations, sqlitestore.MigrationsDir)
	st := sqlitestore.New(tdb.DB)

	sched := scheduler.New(scheduler.Config{Logger: discard, Location: time.UTC})
	t.Cleanup(sched.Stop)
	ctl := lifecycle.New(st, sched, lifecycle.Config{Logger: discard})
	exec := executor.New(st, ctl, executor.Config{Logger: discard})

	d := Deps{
		Jobs:      ctl,
		Reference: st,
		Events:    events.New(st, exec, events.Config{Logger: discard}),
		Store:     st,
		Gatherer:  prometheus.NewRegistry(),
		Entries:   sched.Len,
	}
	if mod != nil {
		mod(&d)
	}
	cfg.Logger = discard
	return NewRouter(d, cfg)
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func future() string { return time.Now().Add(time.Hour).UTC().Format(time.RFC3339) }

func TestHealth(t *testing.T) {
	r := newStack(t, Config{}, nil)

	w := do(t, r, stdhttp.MethodGet, "/health", nil)
	assert.Equal(t, stdhttp.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, w).Status)

	w = do(t, r, stdhttp.MethodGet, "/health?verbose=true", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	hr := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", hr.Components["database"])
	assert.Equal(t, "0 entries", hr.Components["scheduler"])

	assert.Equal(t, stdhttp.StatusOK, do(t, r, stdhttp.MethodGet, "/metrics", nil).Code)
}

func TestEventJobFlow(t *testing.T) {
	r := newStack(t, Config{}, nil)

	w := do(t, r, stdhttp.MethodPost, "/job_types", JobTypeRequest{Name: executor.CountTill10, Kind: domain.KindCode})
	require.Equal(t, stdhttp.StatusCreated, w.Code, w.Body.String())
	jt := decode[domain.JobType](t, w)

	w = do(t, r, stdhttp.MethodPost, "/event_mappings", EventMappingRequest{Name: "ORDER_PAID"})
	require.Equal(t, stdhttp.StatusCreated, w.Code)
	em := decode[domain.EventMapping](t, w)

	w = do(t, r, stdhttp.MethodPost, "/jobs", JobRequest{Name: "on-paid", ExecutionTypeID: 2, JobTypeID: &jt.ID, EventMappingID: &em.ID})
	require.Equal(t, stdhttp.StatusCreated, w.Code, w.Body.String())
	job := decode[domain.Job](t, w)
	assert.Nil(t, job.ExecutionTime)
	assert.Equal(t, domain.StatusScheduled, job.Status)

	w = do(t, r, stdhttp.MethodPost, "/events/ORDER_PAID", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())
	ev := decode[EventResponse](t, w)
	assert.Equal(t, job.ID, ev.JobID)
	assert.Equal(t, domain.StatusCompleted, ev.Status)
	assert.Empty(t, ev.Error)

	w = do(t, r, stdhttp.MethodPost, "/events/ORDER_PAID", nil)
	assert.Equal(t, stdhttp.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decode[ErrorResponse](t, w).Code)

	w = do(t, r, stdhttp.MethodPost, "/events/NOPE", nil)
	assert.Equal(t, stdhttp.StatusNotFound, w.Code)
}

func TestJobLifecycleEndpoints(t *testing.T) {
	r := newStack(t, Config{}, nil)

	w := do(t, r, stdhttp.MethodPost, "/jobs", JobRequest{Name: "nightly", ExecutionTypeID: 1, ExecutionTime: domain.Ptr(future()), Recurring: true})
	require.Equal(t, stdhttp.StatusCreated, w.Code, w.Body.String())
	job := decode[domain.Job](t, w)
	path := "/jobs/" + itoa(job.ID)

	w = do(t, r, stdhttp.MethodGet, path, nil)
	assert.Equal(t, stdhttp.StatusOK, w.Code)

	w = do(t, r, stdhttp.MethodGet, "/jobs?status=Scheduled", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.Job](t, w), 1)

	w = do(t, r, stdhttp.MethodGet, "/jobs?status=Paused", nil)
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code)

	w = do(t, r, stdhttp.MethodGet, "/jobs/status", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	assert.Equal(t, []domain.Status{domain.StatusScheduled}, decode[[]domain.Status](t, w))

	w = do(t, r, stdhttp.MethodPut, path, JobRequest{Name: "nightly-report", ExecutionTypeID: 1, ExecutionTime: domain.Ptr(future()), Recurring: true, Priority: 3})
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "nightly-report", decode[domain.Job](t, w).Name)

	for i := 0; i < 2; i++ {
		w = do(t, r, stdhttp.MethodPost, path+"/stop", nil)
		require.Equal(t, stdhttp.StatusOK, w.Code, "stop is idempotent: %s", w.Body.String())
		assert.Equal(t, domain.StatusCancelled, decode[domain.Job](t, w).Status)
	}

	w = do(t, r, stdhttp.MethodPost, path+"/schedule", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.StatusScheduled, decode[domain.Job](t, w).Status)

	assert.Equal(t, stdhttp.StatusNoContent, do(t, r, stdhttp.MethodDelete, path, nil).Code)
	assert.Equal(t, stdhttp.StatusNotFound, do(t, r, stdhttp.MethodGet, path, nil).Code)
}

func TestJobValidation(t *testing.T) {
	r := newStack(t, Config{Location: time.UTC}, nil)
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)

	tests := []struct {
		name string
		body any
		code int
		msg  string
	}{
		{"missing name", JobRequest{ExecutionTypeID: 1, ExecutionTime: domain.Ptr(future())}, 400, "name is required"},
		{"bad json", "not an object", 400, "invalid request body"},
		{"past time", JobRequest{Name: "late", ExecutionTypeID: 1, ExecutionTime: &past}, 400, "Please select an execution time greater than the current time"},
		{"garbage time", JobRequest{Name: "late", ExecutionTypeID: 1, ExecutionTime: domain.Ptr("tomorrow")}, 400, "not a valid timestamp"},
		{"unknown execution type", JobRequest{Name: "x", ExecutionTypeID: 99, ExecutionTime: domain.Ptr(future())}, 404, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, stdhttp.MethodPost, "/jobs", tt.body)
			require.Equal(t, tt.code, w.Code, w.Body.String())
			assert.Contains(t, decode[ErrorResponse](t, w).Message, tt.msg)
		})
	}

	w := do(t, r, stdhttp.MethodGet, "/jobs/abc", nil)
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code)
}

func TestZonelessTimeUsesServerLocation(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	r := newStack(t, Config{Location: loc}, nil)

	at := time.Now().Add(48 * time.Hour).In(loc).Truncate(time.Second)
	w := do(t, r, stdhttp.MethodPost, "/jobs", JobRequest{Name: "local", ExecutionTypeID: 1, ExecutionTime: domain.Ptr(at.Format("2006-01-02 15:04:05"))})
	require.Equal(t, stdhttp.StatusCreated, w.Code, w.Body.String())
	job := decode[domain.Job](t, w)
	require.NotNil(t, job.ExecutionTime)
	assert.True(t, at.Equal(*job.ExecutionTime))
}

func TestReferenceEndpoints(t *testing.T) {
	r := newStack(t, Config{}, nil)

	w := do(t, r, stdhttp.MethodPost, "/job_types", JobTypeRequest{Name: "cleanup", Kind: domain.KindScript, Script: "  "})
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code)
	assert.Equal(t, "Script can't be blank here", decode[ErrorResponse](t, w).Message)

	w = do(t, r, stdhttp.MethodPost, "/job_types", map[string]string{"name": "x", "kind": "PYTHON"})
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Message, "kind must be one of")

	w = do(t, r, stdhttp.MethodPost, "/job_types", JobTypeRequest{Name: "cleanup", Kind: domain.KindScript, Script: "echo hi"})
	require.Equal(t, stdhttp.StatusCreated, w.Code)
	jt := decode[domain.JobType](t, w)

	w = do(t, r, stdhttp.MethodPut, "/job_types/"+itoa(jt.ID), JobTypeRequest{Name: "cleanup", Kind: domain.KindScript, Script: "echo bye"})
	require.Equal(t, stdhttp.StatusOK, w.Code)
	w = do(t, r, stdhttp.MethodGet, "/job_types/"+itoa(jt.ID), nil)
	assert.Equal(t, "echo bye", decode[domain.JobType](t, w).Script)
	assert.Len(t, decode[[]domain.JobType](t, do(t, r, stdhttp.MethodGet, "/job_types", nil)), 1)

	w = do(t, r, stdhttp.MethodGet, "/execution_types", nil)
	require.Equal(t, stdhttp.StatusOK, w.Code)
	assert.Len(t, decode[[]domain.ExecutionType](t, w), 2)
	w = do(t, r, stdhttp.MethodGet, "/execution_types/2", nil)
	assert.Equal(t, domain.EventBased, decode[domain.ExecutionType](t, w).Name)

	w = do(t, r, stdhttp.MethodPost, "/event_mappings", EventMappingRequest{Name: "ORDER_PAID"})
	require.Equal(t, stdhttp.StatusCreated, w.Code)
	em := decode[domain.EventMapping](t, w)
	w = do(t, r, stdhttp.MethodPost, "/event_mappings", EventMappingRequest{Name: "ORDER_PAID"})
	assert.Equal(t, stdhttp.StatusBadRequest, w.Code, "duplicate name")

	w = do(t, r, stdhttp.MethodPut, "/event_mappings/"+itoa(em.ID), EventMappingRequest{Name: "ORDER_SETTLED"})
	require.Equal(t, stdhttp.StatusOK, w.Code)
	assert.Equal(t, stdhttp.StatusNoContent, do(t, r, stdhttp.MethodDelete, "/event_mappings/"+itoa(em.ID), nil).Code)
	assert.Equal(t, stdhttp.StatusNotFound, do(t, r, stdhttp.MethodGet, "/event_mappings/"+itoa(em.ID), nil).Code)
	assert.Equal(t, stdhttp.StatusNoContent, do(t, r, stdhttp.MethodDelete, "/job_types/"+itoa(jt.ID), nil).Code)
}

type brokenJobs struct{ Jobs }

func (brokenJobs) List(context.Context, store.JobFilter) ([]domain.Job, error) {
	return nil, shared.MarkKind(errors.New("dial tcp 10.0.0.5:5432: connection refused"), shared.KindDependencyFailure)
}

func TestInfrastructureErrorsAreHidden(t *testing.T) {
	r := newStack(t, Config{}, func(d *Deps) { d.Jobs = brokenJobs{d.Jobs} })
	w := do(t, r, stdhttp.MethodGet, "/jobs", nil)
	assert.Equal(t, stdhttp.StatusServiceUnavailable, w.Code)
	er := decode[ErrorResponse](t, w)
	assert.Equal(t, "internal error", er.Message)
	assert.Equal(t, "DependencyFailure", er.Code)
}

type fakeBus struct{ got []string }

func (b *fakeBus) Publish(_ context.Context, name string) (string, error) {
	b.got = append(b.got, name)
	return "d-1", nil
}

func TestAsyncEventAndRateLimit(t *testing.T) {
	bus := &fakeBus{}
	r := newStack(t, Config{EventRate: 0.001, EventBurst: 1}, func(d *Deps) { d.Bus = bus })

	w := do(t, r, stdhttp.MethodPost, "/events/ORDER_PAID/async", nil)
	require.Equal(t, stdhttp.StatusAccepted, w.Code)
	assert.Equal(t, AcceptedResponse{DeliveryID: "d-1", Event: "ORDER_PAID"}, decode[AcceptedResponse](t, w))
	assert.Equal(t, []string{"ORDER_PAID"}, bus.got)

	w = do(t, r, stdhttp.MethodPost, "/events/ORDER_PAID", nil)
	assert.Equal(t, stdhttp.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}
