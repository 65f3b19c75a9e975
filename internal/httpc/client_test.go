package httpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	c := NewClient(5 * time.Second)
	if c.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", c.Timeout)
	}
	if c.Transport == nil {
		t.Error("Transport is nil")
	}
}

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if got := r.Header.Get("X-Test"); got != "yes" {
			t.Errorf("X-Test = %q, want yes", got)
		}
		var body map[string]int
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["n"] != 7 {
			t.Errorf("body = %v (err %v), want n=7", body, err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), srv.Client(), srv.URL, map[string]int{"n": 7}, map[string]string{"X-Test": "yes"})
	if err != nil {
		t.Fatalf("PostJSON() error = %v", err)
	}
}

func TestPostJSONStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := PostJSON(context.Background(), srv.Client(), srv.URL, struct{}{}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("PostJSON() error = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", se.StatusCode)
	}
}
