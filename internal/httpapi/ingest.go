package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/arbiterlabs/observer/internal/store"
	"github.com/arbiterlabs/observer/internal/tracing"
)

// ingestResponse reports how a batch was admitted. Dropped counts records
// skipped by validation; backpressure drops inside the store are visible
// only through the backpressure counter, never here.
type ingestResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

func (a *API) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	body, err := a.readBody(w, r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	batch, err := decodeBatch[store.Event](body)
	if err != nil {
		a.writeError(w, err)
		return
	}

	traceID, spanID := requestTrace(r)
	var resp ingestResponse
	for i := range batch {
		e := &batch[i]
		if e.Type == "" {
			resp.Dropped++
			continue
		}
		if e.Source == "" {
			e.Source = "external"
		}
		if e.TraceID == "" && traceID != "" {
			e.TraceID = traceID
			e.SpanID = spanID
		}
		a.store.RecordEvent(e)
		resp.Accepted++
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) handleIngestCoT(w http.ResponseWriter, r *http.Request) {
	body, err := a.readBody(w, r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	batch, err := decodeBatch[store.CoTEntry](body)
	if err != nil {
		a.writeError(w, err)
		return
	}

	var resp ingestResponse
	for i := range batch {
		c := &batch[i]
		if c.Content == "" {
			resp.Dropped++
			continue
		}
		a.store.RecordChainOfThought(c)
		resp.Accepted++
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (a *API) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, badRequest("read body: %v", err)
	}
	return body, nil
}

// decodeBatch accepts a single JSON object or an array of them.
func decodeBatch[T any](body []byte) ([]T, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, badRequest("empty body")
	}
	if trimmed[0] == '[' {
		var batch []T
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, badRequest("invalid JSON: %v", err)
		}
		return batch, nil
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, badRequest("invalid JSON: %v", err)
	}
	return []T{one}, nil
}

// requestTrace extracts the W3C trace context, if any, so ingested records
// can be correlated with the producing request.
func requestTrace(r *http.Request) (traceID, spanID string) {
	tp := r.Header.Get("traceparent")
	if tp == "" {
		return "", ""
	}
	traceID, spanID, _, ok := tracing.ParseTraceparent(tp)
	if !ok {
		return "", ""
	}
	return traceID, spanID
}
