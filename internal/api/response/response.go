// Package response writes the JSON envelopes every API endpoint returns:
// {"data": ...} on success, {"data": [...], "meta": {...}} for pages and
// {"error": {...}} on failure.
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// NewPaginationMeta fills HasNext from the page position and total.
func NewPaginationMeta(page, limit, total int) PaginationMeta {
	return PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: page*limit < total,
	}
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

// MultiStatus is used when items in one request succeed or fail independently.
func MultiStatus(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusMultiStatus, envelope{Data: data})
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response body", "status", status, "error", err)
	}
}
