package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"postbot/internal/batch"
	"postbot/internal/queue"
	"postbot/internal/registry"
	"postbot/internal/schedule"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

// writeDomainErr maps known domain errors to a status; anything else is a 500.
func writeDomainErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrDuplicate):
		code = http.StatusConflict
	case errors.Is(err, registry.ErrUnknownCategory),
		errors.Is(err, batch.ErrInvalidConcurrency),
		errors.Is(err, errValidation):
		code = http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, schedule.ErrUnknown):
		code = http.StatusNotFound
	case errors.Is(err, registry.ErrReserved):
		code = http.StatusForbidden
	case errors.Is(err, queue.ErrStopped):
		code = http.StatusServiceUnavailable
	}
	writeErr(w, code, err)
}

var errValidation = errors.New("validation failed")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errValidation, fmt.Sprintf(format, args...))
}

// decode reads a single JSON object, rejecting unknown fields and trailing data.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid("invalid JSON body: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return invalid("body must contain a single JSON object")
	}
	return nil
}
