package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", ct)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if ts, ok := body["timestamp"].(string); ok {
		if _, err := time.Parse(time.RFC3339, ts); err != nil {
			t.Errorf("Expected RFC3339 timestamp, got %q", ts)
		}
	}
	return body
}

func TestRespondJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		data   any
		check  func(*testing.T, any)
	}{
		{
			name:   "object",
			status: http.StatusOK,
			data:   map[string]string{"principalId": "u-1"},
			check: func(t *testing.T, data any) {
				m, ok := data.(map[string]any)
				if !ok || m["principalId"] != "u-1" {
					t.Errorf("Unexpected data %v", data)
				}
			},
		},
		{
			name:   "nil data",
			status: http.StatusCreated,
			check: func(t *testing.T, data any) {
				if data != nil {
					t.Errorf("Expected nil data, got %v", data)
				}
			},
		},
		{
			name:   "array data",
			status: http.StatusOK,
			data:   []string{"a", "b", "c"},
			check: func(t *testing.T, data any) {
				if arr, ok := data.([]any); !ok || len(arr) != 3 {
					t.Errorf("Expected 3-element array, got %v", data)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w := httptest.NewRecorder()
			respondJSON(w, tt.status, tt.data)
			resp := w.Result()
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			body := decodeBody(t, resp)
			if body["success"] != true {
				t.Error("Expected success to be true")
			}
			tt.check(t, body["data"])
		})
	}
}

func TestRespondJSONError(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	respondJSONError(w, http.StatusServiceUnavailable, "Service Unavailable", strings.Repeat("x", 500)+"\x00")
	resp := w.Result()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["success"] != false {
		t.Error("Expected success to be false")
	}
	if body["error"] != "Service Unavailable" {
		t.Errorf("Expected error 'Service Unavailable', got '%v'", body["error"])
	}
	msg, _ := body["message"].(string)
	if len(msg) != maxClientMessageLength+3 || strings.Contains(msg, "\x00") {
		t.Errorf("Expected sanitised, truncated message, got %d chars", len(msg))
	}
}
