// Package httpserver contains HTTP handlers and middleware.
//
// It exposes the job orchestration substrate (Job Manager, Remediation Job
// Manager, Progress Streamer, Batch Manager) over a JSON/SSE REST API. The
// package follows clean architecture principles: it depends on domain and
// jobqueue, never the other way around.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fernlab/evalsvc/internal/domain"
)

type errorEnvelope struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAdmissionError maps a domain.AdmissionError (or any error wrapping a
// known sentinel) to the wire-format `{error: "QUEUE_FULL" | "RATE_LIMITED"}`
// with the appropriate non-2xx status.
func writeAdmissionError(w http.ResponseWriter, err error) {
	var admErr *domain.AdmissionError
	if errors.As(err, &admErr) {
		status := http.StatusServiceUnavailable
		if admErr.Code() == domain.CodeRateLimited {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, errorEnvelope{Error: admErr.Code()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: "INTERNAL"})
}

func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, errorEnvelope{Error: "NOT_FOUND"})
}
