package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delayflow/internal/duration"
	"delayflow/internal/immunity"
	"delayflow/internal/scheduler"
	"delayflow/internal/store"
)

type testServer struct {
	srv   *httptest.Server
	sched *scheduler.Scheduler
	imm   *immunity.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	imm := immunity.NewService(store.NewMemoryImmunityStore(), nil)
	backend := scheduler.NewInProcess(scheduler.Config{
		Tasks:    store.NewMemoryTaskStore(),
		Immunity: imm,
	})
	sched := scheduler.New(backend, duration.Limits{Max: 24 * time.Hour})
	srv := httptest.NewServer(NewServer(sched, imm))
	t.Cleanup(func() {
		srv.Close()
		_ = sched.Shutdown(context.Background())
	})
	return &testServer{srv: srv, sched: sched, imm: imm}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestScheduleLookupCancel(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/subjects/guild:alice/schedule", `{"delay":"10m","metadata":{"reason":"spam"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created taskResp
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "guild:alice", created.SubjectID)
	assert.True(t, strings.HasPrefix(created.TaskID, "tsk_"))
	assert.InDelta(t, 600, created.RemainingSeconds, 2)
	assert.JSONEq(t, `{"reason":"spam"}`, string(created.Metadata))

	resp, body = ts.do(t, http.MethodGet, "/api/subjects/guild:alice/schedule", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got taskResp
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, created.TaskID, got.TaskID)

	resp, body = ts.do(t, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []taskResp
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all, 1)

	resp, _ = ts.do(t, http.MethodDelete, "/api/subjects/guild:alice/schedule", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodDelete, "/api/subjects/guild:alice/schedule", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/subjects/guild:alice/schedule", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{`},
		{"bad unit", `{"delay":"10d"}`},
		{"empty delay", `{"delay":""}`},
		{"above max", `{"delay":"48h"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodPost, "/api/subjects/s1/schedule", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestImmuneSubjectConflicts(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/subjects/s1/immunity", `{"duration":"1h"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var granted immunityResp
	require.NoError(t, json.Unmarshal(body, &granted))
	assert.True(t, granted.Immune)
	assert.Equal(t, int64(3600), granted.RemainingSeconds)
	require.NotNil(t, granted.ExpiresAt)

	resp, _ = ts.do(t, http.MethodPost, "/api/subjects/s1/schedule", `{"delay":"10m"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/subjects/s1/immunity", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status immunityResp
	require.NoError(t, json.Unmarshal(body, &status))
	assert.True(t, status.Immune)
	assert.InDelta(t, 3600, status.RemainingSeconds, 2)

	resp, _ = ts.do(t, http.MethodDelete, "/api/subjects/s1/immunity", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/api/subjects/s1/immunity", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/subjects/s1/immunity", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"immune":false,"remaining_seconds":0}`, string(body))

	resp, _ = ts.do(t, http.MethodPost, "/api/subjects/s1/schedule", `{"delay":"10m"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestGrantRejectsZeroWindow(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodPost, "/api/subjects/s1/immunity", `{"duration":"0s"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	_, err := ts.sched.Schedule(context.Background(), "s1", time.Hour, nil)
	require.NoError(t, err)

	resp, body = ts.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "delayflow_up 1\n")
	assert.Contains(t, string(body), "delayflow_tasks_scheduled_total 1\n")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(scheduler.ErrBrokerPublishFailed))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(scheduler.ErrStoreUnavailable))
	assert.Equal(t, http.StatusConflict, statusFor(scheduler.ErrSubjectImmune))
	assert.Equal(t, http.StatusBadRequest, statusFor(duration.ErrOutOfRange))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
