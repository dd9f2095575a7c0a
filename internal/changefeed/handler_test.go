package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/ports"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"github.com/jacksonlee411/member-delta-sync/modules/members/infrastructure/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerStub struct {
	running atomic.Bool
	calls   atomic.Int32
	done    chan struct{}
	err     error
}

func (r *runnerStub) RunDailySync(context.Context) (types.SyncRunResult, error) {
	r.calls.Add(1)
	defer func() {
		if r.done != nil {
			close(r.done)
		}
	}()
	return types.SyncRunResult{ID: "run-1"}, r.err
}

func (r *runnerStub) Running() bool { return r.running.Load() }

func setupTestRouter(t *testing.T) (*gin.Engine, *memstore.Store, *runnerStub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := memstore.New()
	runner := &runnerStub{}
	h := &Handler{
		Feed:   store,
		Runs:   store,
		Runner: runner,
		now:    func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) },
	}
	return NewRouter(h), store, runner
}

func seedEvents(t *testing.T, store *memstore.Store, tenantID string, ids ...string) {
	t.Helper()
	ext := "ext-" + tenantID
	write := ports.MemberSyncWrite{
		Member:  types.Member{ID: "p-" + tenantID, TenantID: tenantID, ExternalID: &ext, Name: "Ana"},
		Created: true,
	}
	for i, id := range ids {
		write.Events = append(write.Events, types.ChangeEvent{
			ID:           id,
			TenantID:     tenantID,
			PersonID:     "p-" + tenantID,
			Sequence:     i + 1,
			ChangeType:   types.ChangeTypePersonCreated,
			OldValue:     json.RawMessage(`null`),
			NewValue:     json.RawMessage(`{"name":"Ana"}`),
			UrgencyScore: 6,
		})
	}
	require.NoError(t, store.ApplyMemberSync(context.Background(), write))
}

func serve(r http.Handler, method string, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type changesBody struct {
	TenantID string              `json:"tenant_id"`
	Events   []types.ChangeEvent `json:"events"`
}

func TestHealth(t *testing.T) {
	r, _, runner := setupTestRouter(t)
	runner.running.Store(true)

	w := serve(r, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","sync_running":true}`, w.Body.String())
}

func TestListChanges(t *testing.T) {
	r, store, _ := setupTestRouter(t)
	seedEvents(t, store, "t1", "e1", "e2", "e3")
	seedEvents(t, store, "t2", "x1")

	w := serve(r, http.MethodGet, "/api/v1/tenants/t1/changes?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var body changesBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "t1", body.TenantID)
	require.Len(t, body.Events, 2)
	assert.Equal(t, "e1", body.Events[0].ID)
	assert.Equal(t, "e2", body.Events[1].ID)

	w = serve(r, http.MethodGet, "/api/v1/tenants/t3/changes")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Events)
}

func TestListChanges_BadLimit(t *testing.T) {
	r, _, _ := setupTestRouter(t)
	for _, q := range []string{"0", "-1", "abc"} {
		w := serve(r, http.MethodGet, "/api/v1/tenants/t1/changes?limit="+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestMarkProcessed(t *testing.T) {
	r, store, _ := setupTestRouter(t)
	seedEvents(t, store, "t1", "e1", "e2")

	w := serve(r, http.MethodPost, "/api/v1/tenants/t1/changes/e1/processed")
	require.Equal(t, http.StatusOK, w.Code)

	events := store.Events("t1")
	require.NotNil(t, events[0].ProcessedAt)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), *events[0].ProcessedAt)

	w = serve(r, http.MethodGet, "/api/v1/tenants/t1/changes")
	var body changesBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "e2", body.Events[0].ID)

	// Events are tenant-scoped.
	w = serve(r, http.MethodPost, "/api/v1/tenants/t2/changes/e2/processed")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLatestRun(t *testing.T) {
	r, store, _ := setupTestRouter(t)

	w := serve(r, http.MethodGet, "/api/v1/sync-runs/latest")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, store.SaveSyncRun(context.Background(), types.SyncRunResult{
		ID:        "run-1",
		Status:    types.SyncRunPartialSuccess,
		StartedAt: time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC),
		Errors:    []types.TenantError{{TenantID: "t2", Message: "page 1: boom"}},
	}))

	w = serve(r, http.MethodGet, "/api/v1/sync-runs/latest")
	require.Equal(t, http.StatusOK, w.Code)
	var run types.SyncRunResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &run))
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, types.SyncRunPartialSuccess, run.Status)
	require.Len(t, run.Errors, 1)
}

func TestTriggerRun(t *testing.T) {
	r, _, runner := setupTestRouter(t)
	runner.done = make(chan struct{})
	runner.err = errors.New("boom")

	w := serve(r, http.MethodPost, "/api/v1/sync-runs")
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered run did not start")
	}
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestTriggerRun_Conflict(t *testing.T) {
	r, _, runner := setupTestRouter(t)
	runner.running.Store(true)

	w := serve(r, http.MethodPost, "/api/v1/sync-runs")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Zero(t, runner.calls.Load())
}

func TestTriggerRun_NoRunner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := memstore.New()
	r := NewRouter(&Handler{Feed: store, Runs: store})

	w := serve(r, http.MethodPost, "/api/v1/sync-runs")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = serve(r, http.MethodGet, "/healthz")
	assert.JSONEq(t, `{"status":"ok","sync_running":false}`, w.Body.String())
}
