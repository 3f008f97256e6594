package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/arbiterlabs/observer/internal/util"
)

// maxErrorMessageLen bounds error text echoed back to clients.
const maxErrorMessageLen = 200

// errorBody is the envelope shared by every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates err into the structured envelope. Errors that are
// not apiErrors become 500 internal without leaking the underlying message.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var ae *apiError
	if !errors.As(err, &ae) {
		a.logger.Error("Unhandled API error", zap.Error(err))
		ae = internalError("internal error")
	}
	writeJSON(w, ae.status, errorBody{Error: errorDetail{
		Code:    ae.code,
		Message: util.TruncateString(ae.message, maxErrorMessageLen),
	}})
}

// decodeJSON reads one JSON document from the request body, bounded by the
// configured body cap. Unknown fields are rejected so typos in control
// payloads fail loudly.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("invalid JSON: %v", err)
	}
	return nil
}
