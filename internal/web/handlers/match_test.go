package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/profile-match/internal/embedding"
	"github.com/kozaktomas/profile-match/internal/matcher"
)

type stubMatcher struct {
	got  matcher.Request
	resp *matcher.Response
	err  error
}

func (s *stubMatcher) Match(_ context.Context, req matcher.Request) (*matcher.Response, error) {
	s.got = req
	return s.resp, s.err
}

func TestMatchHandler_Success(t *testing.T) {
	stub := &stubMatcher{resp: &matcher.Response{
		Success:   true,
		RequestID: "req-1",
		Results: []matcher.Result{
			{ID: "1", Name: "Alice Smith", Confidence: 100, Status: "verified", Profile: "catalog:1", Platform: "Catalog"},
		},
	}}
	handler := NewMatchHandler(stub)

	recorder := httptest.NewRecorder()
	handler.Match(recorder, multipartRequest(t, "upload.jpg", []byte("image-bytes"), "alice"))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if stub.got.NameHint != "alice" || stub.got.Filename != "upload.jpg" || string(stub.got.Image) != "image-bytes" {
		t.Errorf("unexpected match request %+v", stub.got)
	}

	result := decodeBody(t, recorder)
	if result["success"] != true {
		t.Errorf("expected success true, got %v", result["success"])
	}
	results, ok := result["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("expected one result, got %v", result["results"])
	}
	first := results[0].(map[string]any)
	if first["name"] != "Alice Smith" || first["confidence"] != float64(100) || first["profile"] != "catalog:1" {
		t.Errorf("unexpected result %v", first)
	}
}

func TestMatchHandler_NoCandidates(t *testing.T) {
	stub := &stubMatcher{resp: &matcher.Response{Success: false, Results: []matcher.Result{}, Error: "no candidates available"}}

	recorder := httptest.NewRecorder()
	NewMatchHandler(stub).Match(recorder, multipartRequest(t, "upload.jpg", []byte("x"), ""))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	result := decodeBody(t, recorder)
	if result["success"] != false || result["error"] != "no candidates available" {
		t.Errorf("unexpected body %v", result)
	}
	if results, ok := result["results"].([]any); !ok || len(results) != 0 {
		t.Errorf("expected empty results array, got %v", result["results"])
	}
}

func TestMatchHandler_MissingFile(t *testing.T) {
	recorder := httptest.NewRecorder()
	NewMatchHandler(&stubMatcher{}).Match(recorder, multipartRequest(t, "", nil, "alice"))

	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", recorder.Code)
	}
}

func TestMatchHandler_NotMultipart(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/match", nil)
	recorder := httptest.NewRecorder()
	NewMatchHandler(&stubMatcher{}).Match(recorder, req)

	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", recorder.Code)
	}
}

func TestMatchHandler_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"not an image", &matcher.QueryError{Err: embedding.ErrNotImage}, http.StatusBadRequest},
		{"no face", &matcher.QueryError{Err: embedding.ErrNoFace}, http.StatusUnprocessableEntity},
		{"embedder down", errors.New("connection refused"), http.StatusBadGateway},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			NewMatchHandler(&stubMatcher{err: tc.err}).Match(recorder, multipartRequest(t, "a.jpg", []byte("x"), ""))

			if recorder.Code != tc.expected {
				t.Errorf("expected status %d, got %d", tc.expected, recorder.Code)
			}
			if result := decodeBody(t, recorder); result["success"] != false {
				t.Errorf("expected success false, got %v", result["success"])
			}
		})
	}
}
