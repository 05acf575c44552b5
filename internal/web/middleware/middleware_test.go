package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestRequireAPIKey(t *testing.T) {
	handler := RequireAPIKey("secret")(okHandler)

	tests := []struct {
		name     string
		header   string
		value    string
		expected int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong bearer", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer secret", http.StatusNoContent},
		{"x-api-key", "X-API-Key", "secret", http.StatusNoContent},
		{"basic auth ignored", "Authorization", "Basic secret", http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/match", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, req)

			if recorder.Code != tc.expected {
				t.Errorf("expected status %d, got %d", tc.expected, recorder.Code)
			}
		})
	}
}

func TestRequireAPIKey_Disabled(t *testing.T) {
	recorder := httptest.NewRecorder()
	RequireAPIKey("")(okHandler).ServeHTTP(recorder, httptest.NewRequest("GET", "/", nil))

	if recorder.Code != http.StatusNoContent {
		t.Errorf("expected request to pass without key, got %d", recorder.Code)
	}
}

func TestCORS(t *testing.T) {
	handler := CORS([]string{"https://app.example.com/"})(okHandler)

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://app.example.com", true},
		{"http://localhost:5173", true},
		{"http://localhost.evil.com", false},
		{"https://evil.example.com", false},
		{"", false},
	}

	for _, tc := range tests {
		t.Run(tc.origin, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/v1/health", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, req)

			got := recorder.Header().Get("Access-Control-Allow-Origin")
			if tc.allowed && got != tc.origin {
				t.Errorf("expected origin %q to be allowed, got %q", tc.origin, got)
			}
			if !tc.allowed && got != "" {
				t.Errorf("expected origin %q to be rejected, got %q", tc.origin, got)
			}
		})
	}
}

func TestCORS_Wildcard(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://anywhere.example.org")
	recorder := httptest.NewRecorder()
	CORS([]string{"*"})(okHandler).ServeHTTP(recorder, req)

	if recorder.Header().Get("Access-Control-Allow-Origin") != "https://anywhere.example.org" {
		t.Error("expected wildcard to allow any origin")
	}
}

func TestCORS_Preflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/match", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	recorder := httptest.NewRecorder()
	CORS(nil)(okHandler).ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Errorf("expected preflight to return 200, got %d", recorder.Code)
	}
}
