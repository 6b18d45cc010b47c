package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"marketfeed/internal/interfaces"
)

func TestGETHeadersAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Expected default Accept header, got %q", r.Header.Get("Accept"))
		}
		if r.Header.Get("X-Default") != "d" || r.Header.Get("Authorization") != "Bearer x" {
			t.Errorf("Unexpected headers %v", r.Header)
		}
		if r.URL.Path != "/v2/thing" || r.URL.Query().Get("k") != "a,b" {
			t.Errorf("Unexpected request %s", r.URL)
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL+"/"), WithHeader("X-Default", "d"))
	body, err := c.GET(context.Background(), "/v2/thing", url.Values{"k": {"a,b"}}, map[string]string{"Authorization": "Bearer x"})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("Unexpected body %s", body)
	}
}

func TestStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, interfaces.ErrRateLimited},
		{http.StatusNotFound, interfaces.ErrNotFound},
		{http.StatusInternalServerError, nil},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			w.Write([]byte(`{"status":"error","errors":[{"message":"nope"}]}`))
		}))

		_, err := NewClient(WithBaseURL(srv.URL)).GET(context.Background(), "/x", nil, nil)
		srv.Close()

		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("status %d: expected StatusError, got %v", tt.status, err)
		}
		if se.StatusCode != tt.status || se.Message != "nope" {
			t.Errorf("Unexpected error %+v", se)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("status %d: expected %v, got %v", tt.status, tt.want, err)
		}
		if tt.want == nil && (errors.Is(err, interfaces.ErrRateLimited) || errors.Is(err, interfaces.ErrNotFound)) {
			t.Errorf("status %d: unexpected sentinel in %v", tt.status, err)
		}
	}
}

func TestErrorMessageFallback(t *testing.T) {
	if got := ErrorMessage([]byte(`{"message":"m"}`)); got != "m" {
		t.Errorf("Expected m, got %q", got)
	}
	if got := ErrorMessage([]byte(" plain ")); got != "plain" {
		t.Errorf("Expected plain, got %q", got)
	}
}
