package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/protocol"
	"github.com/cuemby/factorial/pkg/types"
)

// defaultTimeout bounds every call this client makes; the coordinator
// and executor are both expected to answer well inside it.
const defaultTimeout = 10 * time.Second

// Client calls a factorial HTTP endpoint (coordinator control API or an
// executor's own surface) using the form-encoded/multipart wire
// protocol pkg/protocol defines.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New builds a Client against baseURL, e.g. "http://10.0.0.5:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: defaultTimeout},
	}
}

// do issues a form-encoded request and decodes the protocol.Response
// envelope, surfacing a non-success code as a *ferrors.Error.
func (c *Client) do(ctx context.Context, method, path string, form url.Values) (protocol.Response, *ferrors.Error) {
	target := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if encoded := form.Encode(); encoded != "" {
			target += "?" + encoded
		}
	} else {
		body = bytes.NewBufferString(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return protocol.Response{}, ferrors.Wrap(ferrors.HTTPConnectionFailed, path, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.send(req, path)
}

func (c *Client) send(req *http.Request, path string) (protocol.Response, *ferrors.Error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return protocol.Response{}, ferrors.Wrap(ferrors.HTTPConnectionFailed, path, err)
	}
	defer resp.Body.Close()

	var envelope protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return protocol.Response{}, ferrors.Wrap(ferrors.HTTPConnectionFailed, path, err)
	}
	if envelope.Code != string(ferrors.Success) {
		return envelope, ferrors.New(ferrors.Kind(envelope.Code), envelope.Message)
	}
	return envelope, nil
}

// multipartCode posts form fields plus a single code file part, the
// shape /factor, /group_factor and /factor/<f>/version all expect.
func (c *Client) multipartCode(ctx context.Context, path string, form map[string]string, codeField string, code []byte) (protocol.Response, *ferrors.Error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range form {
		if err := mw.WriteField(k, v); err != nil {
			return protocol.Response{}, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, k, err)
		}
	}
	part, err := mw.CreateFormFile(codeField, "code")
	if err != nil {
		return protocol.Response{}, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, codeField, err)
	}
	if _, err := part.Write(code); err != nil {
		return protocol.Response{}, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, codeField, err)
	}
	if err := mw.Close(); err != nil {
		return protocol.Response{}, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, codeField, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return protocol.Response{}, ferrors.Wrap(ferrors.HTTPConnectionFailed, path, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.send(req, path)
}

// RegisterWorker registers this executor with the coordinator,
// returning the worker ID the coordinator assigned.
func (c *Client) RegisterWorker(ctx context.Context, host string, port, cores int, version string) (string, *ferrors.Error) {
	form := url.Values{
		"HEADER": {string(protocol.HeaderWorker)},
		"host":   {host}, "port": {strconv.Itoa(port)}, "cores": {strconv.Itoa(cores)}, "version": {version},
	}
	resp, ferr := c.do(ctx, http.MethodPost, "/worker", form)
	if ferr != nil {
		return "", ferr
	}
	var w types.WorkerInfo
	if err := json.Unmarshal(resp.Payload, &w); err != nil {
		return "", ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "worker payload", err)
	}
	return w.ID, nil
}

// Heartbeat reports this executor's current task list and liveness.
func (c *Client) Heartbeat(ctx context.Context, host string, port int, updateTS time.Time, taskIDs []string) *ferrors.Error {
	form := url.Values{
		"HEADER": {string(protocol.HeaderWorker)},
		"host":   {host}, "port": {strconv.Itoa(port)},
		"update_time": {protocol.FormatHeartbeatTS(updateTS)}, "tasks": {protocol.EncodeTaskList(taskIDs)},
	}
	_, ferr := c.do(ctx, http.MethodPut, "/worker", form)
	return ferr
}

// CommitFactorResult posts one unit task's computed factor frame to the
// coordinator's factor-frame callback.
func (c *Client) CommitFactorResult(ctx context.Context, taskID, workerID, factor, version, stock, date string, frame *types.Frame) *ferrors.Error {
	return c.postFrame(ctx, "/worker/call_back/update_factor/update", url.Values{
		"HEADER": {string(protocol.HeaderCallback)},
		"task_id": {taskID}, "worker_id": {workerID},
		"factor": {factor}, "version": {version}, "stock": {stock}, "date": {date},
	}, frame)
}

// CommitTickFrame posts one unit task's raw tick frame to the
// coordinator's tick-frame callback.
func (c *Client) CommitTickFrame(ctx context.Context, taskID, workerID, stock, date string, frame *types.Frame) *ferrors.Error {
	return c.postFrame(ctx, "/worker/call_back/update_tick_data/update", url.Values{
		"HEADER": {string(protocol.HeaderCallback)},
		"task_id": {taskID}, "worker_id": {workerID},
		"stock": {stock}, "date": {date},
	}, frame)
}

// postFrame appends the frame as the request body's remainder after the
// form fields are carried as a query string, since the frame body and
// the form fields can't share one urlencoded body. The form fields ride
// the URL's query string; the body is the JSON frame alone.
func (c *Client) postFrame(ctx context.Context, path string, form url.Values, frame *types.Frame) *ferrors.Error {
	body, err := json.Marshal(frame)
	if err != nil {
		return ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "frame", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path+"?"+form.Encode(), bytes.NewReader(body))
	if err != nil {
		return ferrors.Wrap(ferrors.HTTPConnectionFailed, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, ferr := c.send(req, path)
	return ferr
}

// FinishTask reports a task group's terminal counts to the coordinator.
func (c *Client) FinishTask(ctx context.Context, taskID, workerID string, finished, aborted int) *ferrors.Error {
	form := url.Values{
		"HEADER": {string(protocol.HeaderCallback)},
		"task_id": {taskID}, "worker_id": {workerID},
		"finished": {strconv.Itoa(finished)}, "aborted": {strconv.Itoa(aborted)},
	}
	_, ferr := c.do(ctx, http.MethodPost, "/worker/call_back/finish", form)
	return ferr
}

// StopWorker tells an executor (c is built against the worker's own
// base URL) to tear down its pool, the dispatch target of
// manager/stop_all's broadcast.
func (c *Client) StopWorker(ctx context.Context) *ferrors.Error {
	_, ferr := c.do(ctx, http.MethodPost, "/stop_all", url.Values{"HEADER": {string(protocol.HeaderCommand)}})
	return ferr
}

// ListWorkers returns every worker the coordinator's registry knows.
func (c *Client) ListWorkers(ctx context.Context) ([]types.WorkerInfo, *ferrors.Error) {
	resp, ferr := c.do(ctx, http.MethodGet, "/worker", url.Values{})
	if ferr != nil {
		return nil, ferr
	}
	var workers []types.WorkerInfo
	if err := json.Unmarshal(resp.Payload, &workers); err != nil {
		return nil, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "workers payload", err)
	}
	return workers, nil
}

// CreateFactor uploads a new atomic factor's code (a factorialctl
// command, not something the executor ever calls).
func (c *Client) CreateFactor(ctx context.Context, name string, code []byte) *ferrors.Error {
	_, ferr := c.multipartCode(ctx, "/factor", map[string]string{"name": name}, "code", code)
	return ferr
}

// CreateVersion archives a new code revision for an existing factor.
func (c *Client) CreateVersion(ctx context.Context, factor, version string, code []byte) *ferrors.Error {
	_, ferr := c.multipartCode(ctx, fmt.Sprintf("/factor/%s/version", factor), map[string]string{"version": version}, "code", code)
	return ferr
}

// CreateLinkage binds a factor version to a stock.
func (c *Client) CreateLinkage(ctx context.Context, factor, version, stock string) *ferrors.Error {
	path := fmt.Sprintf("/factor/%s/version/%s/stock/%s", factor, version, stock)
	_, ferr := c.do(ctx, http.MethodPost, path, url.Values{})
	return ferr
}

// TriggerUpdate asks the coordinator to schedule work for the given
// dates on an existing linkage.
func (c *Client) TriggerUpdate(ctx context.Context, factor, version, stock string, dates []string) *ferrors.Error {
	path := fmt.Sprintf("/factor/%s/version/%s/stock/%s", factor, version, stock)
	encoded, err := json.Marshal(dates)
	if err != nil {
		return ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "dates", err)
	}
	_, ferr := c.do(ctx, http.MethodPut, path, url.Values{"dates": {string(encoded)}})
	return ferr
}

// QueryTask reports a task's live status.
func (c *Client) QueryTask(ctx context.Context, taskID string) (string, *ferrors.Error) {
	resp, ferr := c.do(ctx, http.MethodGet, "/task/"+taskID, url.Values{})
	if ferr != nil {
		return "", ferr
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		return "", ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "task status payload", err)
	}
	return payload.Status, nil
}

// StopAll broadcasts an administrative stop to every worker and clears
// the coordinator's task tables.
func (c *Client) StopAll(ctx context.Context) *ferrors.Error {
	_, ferr := c.do(ctx, http.MethodPost, "/manager/stop_all", url.Values{})
	return ferr
}

// LoadDayFrame fetches one linkage's single-day result frame.
func (c *Client) LoadDayFrame(ctx context.Context, factor, version, stock, date string) (*types.Frame, *ferrors.Error) {
	path := fmt.Sprintf("/factor/%s/version/%s/stock/%s/date/%s", factor, version, stock, date)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.HTTPConnectionFailed, path, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.HTTPConnectionFailed, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, ferrors.New(ferrors.HTTPConnectionFailed, string(data))
	}
	var frame types.Frame
	if err := json.NewDecoder(resp.Body).Decode(&frame); err != nil {
		return nil, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "frame", err)
	}
	return &frame, nil
}

// FetchVersionCode downloads one factor version's archived code blob,
// the call an executor's code lookup makes before running a
// factor_update unit.
func (c *Client) FetchVersionCode(ctx context.Context, factor, version string) ([]byte, *ferrors.Error) {
	path := fmt.Sprintf("/factor/%s/version/%s/code", factor, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.HTTPConnectionFailed, path, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.HTTPConnectionFailed, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ferrors.New(ferrors.ParameterMissingOrInvalid, "unknown version "+version+" for "+factor)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.HTTPConnectionFailed, path, err)
	}
	return data, nil
}

// taskGroupWire is the JSON body DispatchTaskGroup posts and the
// executor's own /update_factor and /update_tick_data routes decode.
type taskGroupWire struct {
	GroupID string           `json:"group_id"`
	Type    string           `json:"type"`
	Units   []types.UnitTask `json:"units"`
}

// DispatchTaskGroup delivers a task's unit-task plan to an executor at
// route ("/update_factor" or "/update_tick_data", per the task's type).
// c must be built against that executor's own base URL, not the
// coordinator's.
func (c *Client) DispatchTaskGroup(ctx context.Context, route, groupID, taskType string, units []types.UnitTask) *ferrors.Error {
	body, err := json.Marshal(taskGroupWire{GroupID: groupID, Type: taskType, Units: units})
	if err != nil {
		return ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "task group", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+route, bytes.NewReader(body))
	if err != nil {
		return ferrors.Wrap(ferrors.HTTPConnectionFailed, route, err)
	}
	req.Header.Set("Content-Type", "application/json")
	_, ferr := c.send(req, route)
	return ferr
}

// GroupStatus queries an executor's /update_factor/status or
// /update_tick_data/status route for one task group's progress.
func (c *Client) GroupStatus(ctx context.Context, route, groupID string) (finished, aborted, total int, ferr *ferrors.Error) {
	resp, ferr := c.do(ctx, http.MethodGet, route, url.Values{"group_id": {groupID}})
	if ferr != nil {
		return 0, 0, 0, ferr
	}
	var payload struct {
		Finished int `json:"finished"`
		Aborted  int `json:"aborted"`
		Total    int `json:"total"`
	}
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		return 0, 0, 0, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "group status payload", err)
	}
	return payload.Finished, payload.Aborted, payload.Total, nil
}

// StopTaskGroup tells an executor to abort one task group via
// /update_factor/stop.
func (c *Client) StopTaskGroup(ctx context.Context, groupID string) *ferrors.Error {
	_, ferr := c.do(ctx, http.MethodPost, "/update_factor/stop", url.Values{"group_id": {groupID}})
	return ferr
}

// CreateStockView registers a new composed view stock.
func (c *Client) CreateStockView(ctx context.Context, name string, relation map[string][]string) *ferrors.Error {
	encoded, err := json.Marshal(relation)
	if err != nil {
		return ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "relation", err)
	}
	_, ferr := c.do(ctx, http.MethodPost, "/stock_view", url.Values{"name": {name}, "relation": {string(encoded)}})
	return ferr
}
