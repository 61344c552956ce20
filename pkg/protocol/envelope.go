package protocol

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/factorial/pkg/ferrors"
)

// Header names the three request classes the wire protocol recognizes.
// Every request must carry exactly one via the HEADER form field.
type Header string

const (
	HeaderWorker   Header = "WORKER"
	HeaderCommand  Header = "COMMAND"
	HeaderCallback Header = "CALLBACK"
)

// HeartbeatTimestampLayout is the fixed layout every heartbeat
// timestamp is formatted/parsed with, so workers on different locales
// or Go versions still agree on wire format.
const HeartbeatTimestampLayout = "2006-01-02 15:04:05.000"

// TaskListSeparator joins a worker's in-flight task IDs in the
// heartbeat's pipe-separated TASKS field.
const TaskListSeparator = "|"

// ParseHeader extracts and validates the HEADER form field from an
// incoming request.
func ParseHeader(r *http.Request) (Header, *ferrors.Error) {
	raw := r.FormValue("HEADER")
	switch Header(raw) {
	case HeaderWorker, HeaderCommand, HeaderCallback:
		return Header(raw), nil
	default:
		return "", ferrors.New(ferrors.UnrecognizedHeader, raw)
	}
}

// EncodeTaskList joins task IDs for the heartbeat TASKS field.
func EncodeTaskList(taskIDs []string) string {
	return strings.Join(taskIDs, TaskListSeparator)
}

// DecodeTaskList splits a heartbeat TASKS field back into task IDs. An
// empty string decodes to a nil (not single-empty-element) slice.
func DecodeTaskList(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, TaskListSeparator)
}

// FormatHeartbeatTS formats t per HeartbeatTimestampLayout.
func FormatHeartbeatTS(t time.Time) string {
	return t.Format(HeartbeatTimestampLayout)
}

// ParseHeartbeatTS parses a heartbeat timestamp field.
func ParseHeartbeatTS(raw string) (time.Time, *ferrors.Error) {
	t, err := time.Parse(HeartbeatTimestampLayout, raw)
	if err != nil {
		return time.Time{}, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "update_ts", err)
	}
	return t, nil
}

// Response is the fixed-prefix envelope every control-API and executor
// HTTP response carries: a code (the ferrors.Kind, or "SUCCESS") and a
// human-readable message, followed by an optional JSON payload.
type Response struct {
	Code    string          `json:"code"`
	Message string          `json:"msg"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OK builds a success envelope, optionally carrying a JSON payload.
func OK(payload any) (Response, error) {
	resp := Response{Code: string(ferrors.Success), Message: "ok"}
	if payload == nil {
		return resp, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Response{}, err
	}
	resp.Payload = data
	return resp, nil
}

// FromError builds a failure envelope from a tagged error.
func FromError(ferr *ferrors.Error) Response {
	return Response{Code: string(ferr.Kind), Message: ferr.Error()}
}

// WriteJSON writes resp as the HTTP response body with an appropriate
// status code: http.StatusOK for success, http.StatusBadRequest for a
// validation-class error (the parameter/header/existence kinds, the
// group-factor and stock-view validation kinds, the frame-result kinds
// and WorkerNotExists),
// http.StatusInternalServerError otherwise.
func WriteJSON(w http.ResponseWriter, resp Response) {
	status := http.StatusOK
	if resp.Code != string(ferrors.Success) {
		status = statusForKind(ferrors.Kind(resp.Code))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func statusForKind(kind ferrors.Kind) int {
	switch kind {
	case ferrors.ParameterMissingOrInvalid, ferrors.UnrecognizedHeader, ferrors.UnsupportedHTTPMethod,
		ferrors.FactorExists, ferrors.FactorAlreadyExists, ferrors.FactorVersionExists, ferrors.FactorVersionAlreadyExists,
		ferrors.LinkageExists, ferrors.LinkageAlreadyExists, ferrors.LinkageNotExists,
		ferrors.TickStockNotExists, ferrors.TickStockViewNotExists,
		ferrors.TaskExists, ferrors.TaskAlreadyExists, ferrors.TaskHandlerNotExists, ferrors.TaskNotExists,
		ferrors.GroupFactorSignatureNotMatched, ferrors.SubFactorConflictWithOtherFactor, ferrors.GroupFactorSourceConflict,
		ferrors.InvalidStockViewName, ferrors.InvalidStockViewRelation, ferrors.InvalidFactorResult, ferrors.TickResultIncorrect,
		ferrors.WorkerNotExists:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
