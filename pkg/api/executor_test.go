package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/factorial/pkg/sandbox"
	"github.com/cuemby/factorial/pkg/types"
	"github.com/cuemby/factorial/pkg/workerpool"
)

func newTestExecutor(t *testing.T) *ExecutorServer {
	t.Helper()
	sb := sandbox.NewProcessSandbox("true", t.TempDir())
	lookup := func(ctx context.Context, unit types.UnitTask) ([]byte, error) {
		return []byte("#!/bin/true\n"), nil
	}
	pool := workerpool.New(2, sb, nil, lookup, func(workerpool.Message) {})
	t.Cleanup(func() { _ = pool.Close() })
	return NewExecutorServer(pool)
}

func TestExecutorApplyAccepted(t *testing.T) {
	srv := newTestExecutor(t)
	body, err := json.Marshal(taskGroupWire{
		GroupID: "g1", Type: "factor_update",
		Units: []types.UnitTask{{Type: "factor_update", SubID: 0, Target: "000001.SZ"}},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/update_factor", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestExecutorStatusUnknownGroup(t *testing.T) {
	srv := newTestExecutor(t)
	req := httptest.NewRequest(http.MethodGet, "/update_factor/status?"+url.Values{"group_id": {"ghost"}}.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Contains(t, rec.Body.String(), "TASK_NOT_EXISTS")
}

func TestExecutorStopAll(t *testing.T) {
	srv := newTestExecutor(t)
	req := httptest.NewRequest(http.MethodPost, "/stop_all", strings.NewReader(""))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
