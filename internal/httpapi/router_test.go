package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteErrorEchoesCorrelationID(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/sync/changes", nil)
	r = r.WithContext(context.WithValue(r.Context(), correlationIDKey, "corr-123"))
	w := httptest.NewRecorder()

	writeError(w, r, http.StatusBadRequest, "bad input")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not json: %v", err)
	}
	if body["error"] != "bad input" {
		t.Errorf("error = %q, want bad input", body["error"])
	}
	if body["correlationId"] != "corr-123" {
		t.Errorf("correlationId = %q, want corr-123", body["correlationId"])
	}
}

func TestWriteErrorWithoutCorrelationID(t *testing.T) {
	r := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()

	writeError(w, r, http.StatusNotFound, "missing")

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not json: %v", err)
	}
	if _, ok := body["correlationId"]; ok {
		t.Error("correlationId present without middleware")
	}
}
