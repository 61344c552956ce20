package protocol

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/types"
)

// DecodeFrame reads a row-oriented JSON day frame from the request
// body: {"columns": [...], "rows": [[...], ...]}.
func DecodeFrame(r *http.Request) (*types.Frame, *ferrors.Error) {
	var frame types.Frame
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&frame); err != nil {
		return nil, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "result frame", err)
	}
	return &frame, nil
}

// EncodeFrame writes frame as the JSON body of a response.
func EncodeFrame(w http.ResponseWriter, frame *types.Frame) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(frame)
}

// DecodeCodeBlob reads a factor version's code upload: the raw request
// body, byte for byte, with no envelope.
func DecodeCodeBlob(r *http.Request) ([]byte, *ferrors.Error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "code blob", err)
	}
	if len(data) == 0 {
		return nil, ferrors.New(ferrors.ParameterMissingOrInvalid, "code blob empty")
	}
	return data, nil
}
