package api

import (
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/ingest"
	"github.com/cuemby/factorial/pkg/plan"
	"github.com/cuemby/factorial/pkg/protocol"
	"github.com/cuemby/factorial/pkg/registry"
	"github.com/cuemby/factorial/pkg/store"
	"github.com/cuemby/factorial/pkg/taskmgr"
	"github.com/cuemby/factorial/pkg/types"
)

func newTestServer(t *testing.T) (*Server, store.Gateway) {
	t.Helper()
	gw, err := store.Open("file::memory:?cache=shared")
	require.Nil(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	require.Nil(t, gw.Bootstrap(context.Background()))

	reg := registry.New(30 * time.Second)
	tm := taskmgr.New(reg, gw, time.Hour, func(context.Context, types.WorkerInfo, *taskmgr.Task) error { return nil })
	tm.RegisterHandler("factor_update", func(ctx context.Context, task *taskmgr.Task) ([]types.UnitTask, *ferrors.Error) {
		return nil, ferrors.New(ferrors.TaskHasNothingToBeDone, task.ID)
	})
	tm.RegisterHandler("tick_update", func(ctx context.Context, task *taskmgr.Task) ([]types.UnitTask, *ferrors.Error) {
		return nil, ferrors.New(ferrors.TaskHasNothingToBeDone, task.ID)
	})

	in := ingest.New(gw)
	pl := plan.New(gw)
	return NewServer(gw, reg, tm, in, pl, "0.1.0"), gw
}

func postForm(t *testing.T, srv *Server, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) protocol.Response {
	t.Helper()
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRegisterWorkerAndHeartbeat(t *testing.T) {
	srv, _ := newTestServer(t)

	form := url.Values{"HEADER": {"WORKER"}, "host": {"10.0.0.5"}, "port": {"9100"}, "cores": {"4"}, "version": {"0.2.0"}}
	rec := postForm(t, srv, "/worker", form)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeResponse(t, rec)
	require.Equal(t, "SUCCESS", resp.Code)

	hbForm := url.Values{
		"HEADER": {"WORKER"}, "host": {"10.0.0.5"}, "port": {"9100"},
		"update_time": {protocol.FormatHeartbeatTS(time.Now())}, "tasks": {""},
	}
	req := httptest.NewRequest(http.MethodPut, "/worker", strings.NewReader(hbForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec2 := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)
}

func TestRegisterWorkerRejectsOldVersion(t *testing.T) {
	srv, _ := newTestServer(t)
	form := url.Values{"HEADER": {"WORKER"}, "host": {"10.0.0.5"}, "port": {"9100"}, "cores": {"4"}, "version": {"0.0.1"}}
	rec := postForm(t, srv, "/worker", form)
	resp := decodeResponse(t, rec)
	require.Equal(t, string(ferrors.WorkerVersionDeprecated), resp.Code)
}

func TestHeartbeatUnknownWorkerReturnsError(t *testing.T) {
	srv, _ := newTestServer(t)
	hbForm := url.Values{
		"HEADER": {"WORKER"}, "host": {"1.2.3.4"}, "port": {"9999"},
		"update_time": {protocol.FormatHeartbeatTS(time.Now())},
	}
	req := httptest.NewRequest(http.MethodPut, "/worker", strings.NewReader(hbForm.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	resp := decodeResponse(t, rec)
	require.Equal(t, string(ferrors.WorkerNotExists), resp.Code)
}

func postMultipart(t *testing.T, srv *Server, path string, fields map[string]string, codeField, code string) *httptest.ResponseRecorder {
	t.Helper()
	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile(codeField, "factor.py")
	require.NoError(t, err)
	_, err = part.Write([]byte(code))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(buf.String()))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateFactorVersionLinkageLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := postMultipart(t, srv, "/factor", map[string]string{"name": "alpha"}, "code", "print('hi')")
	require.Equal(t, "SUCCESS", decodeResponse(t, rec).Code)

	rec2 := postMultipart(t, srv, "/factor/alpha/version", map[string]string{"version": "v1"}, "code", "print('v1')")
	require.Equal(t, http.StatusOK, rec2.Code)

	rec3 := postForm(t, srv, "/factor/alpha/version/v1/stock/000001.SZ", url.Values{})
	require.Equal(t, "SUCCESS", decodeResponse(t, rec3).Code)
}

func TestCreateStockViewRejectsBadName(t *testing.T) {
	srv, _ := newTestServer(t)
	form := url.Values{"name": {"my_view"}, "relation": {`{"000001.SZ":["close"]}`}}
	rec := postForm(t, srv, "/stock_view", form)
	resp := decodeResponse(t, rec)
	require.Equal(t, string(ferrors.InvalidStockViewName), resp.Code)
}

func TestCreateStockViewAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	form := url.Values{"name": {"combo.VIEW"}, "relation": {`{"000001.SZ":["close"]}`}}
	rec := postForm(t, srv, "/stock_view", form)
	resp := decodeResponse(t, rec)
	require.Equal(t, "SUCCESS", resp.Code)
}

func TestStopAllClearsTasksAndBroadcasts(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Nil(t, srv.tm.NewTask("factor_update", "t1", nil, false))

	rec := postForm(t, srv, "/manager/stop_all", url.Values{})
	require.Equal(t, "SUCCESS", decodeResponse(t, rec).Code)

	status, ferr := srv.tm.QueryTask("t1")
	require.Empty(t, status)
	require.True(t, ferrors.Is(ferr, ferrors.TaskNotExists))
}

func TestFinishCallbackUnknownTaskReturnsTaskNotExists(t *testing.T) {
	srv, _ := newTestServer(t)
	form := url.Values{"HEADER": {"CALLBACK"}, "task_id": {"ghost"}, "worker_id": {"w1"}, "finished": {"1"}, "aborted": {"0"}}
	rec := postForm(t, srv, "/worker/call_back/finish", form)
	resp := decodeResponse(t, rec)
	require.Equal(t, string(ferrors.TaskNotExists), resp.Code)
}

func TestListTasksExcludesSubTasks(t *testing.T) {
	srv, _ := newTestServer(t)
	require.Nil(t, srv.tm.NewTask("tick_update", "sub1", nil, true))
	require.Nil(t, srv.tm.NewTask("factor_update", "root1", nil, false))

	req := httptest.NewRequest(http.MethodGet, "/task", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	resp := decodeResponse(t, rec)
	var tasks []taskmgr.LiveTask
	require.NoError(t, json.Unmarshal(resp.Payload, &tasks))
	require.Len(t, tasks, 1)
	require.Equal(t, "root1", tasks[0].ID)
}

func TestUnrecognizedHeaderRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	form := url.Values{"HEADER": {"BOGUS"}, "host": {"1.2.3.4"}, "port": {"1"}, "cores": {"1"}, "version": {"0.2.0"}}
	rec := postForm(t, srv, "/worker", form)
	resp := decodeResponse(t, rec)
	require.Equal(t, string(ferrors.UnrecognizedHeader), resp.Code)
}
