package sender

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u
}

func TestSendStatusBoundaries(t *testing.T) {
	cases := []struct {
		code        int
		wantSuccess bool
	}{
		{200, true},
		{201, true},
		{299, true},
		{300, false},
		{304, false},
		{400, false},
		{403, false},
		{500, false},
		{505, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
			w.Write([]byte("body"))
		}))
		s := New(5 * time.Second)
		result, err := s.Send(context.Background(), []byte(`{}`), mustParse(t, srv.URL))
		srv.Close()

		if !result.Status.IsNumeric() || result.Status.Code() != tc.code {
			t.Errorf("code %d: status = %v, want numeric %d", tc.code, result.Status, tc.code)
		}
		if tc.wantSuccess && err != nil {
			t.Errorf("code %d: unexpected error %v", tc.code, err)
		}
		if !tc.wantSuccess && err == nil {
			t.Errorf("code %d: expected an error", tc.code)
		}
		// HTTP forbids a body on 304 Not Modified, so the server's write is
		// dropped and the sender reads an empty body.
		wantBody := "body"
		if tc.code == http.StatusNotModified {
			wantBody = ""
		}
		if result.Body == nil || *result.Body != wantBody {
			t.Errorf("code %d: body = %v, want %q", tc.code, result.Body, wantBody)
		}
	}
}

func TestSendContentType(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := New(5 * time.Second)
	if _, err := s.Send(context.Background(), []byte(`{"a":1}`), mustParse(t, srv.URL)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotContentType != "application/json" {
		t.Errorf("content-type = %q, want application/json", gotContentType)
	}
}

func TestSendTransportErrorClassifiedAsUnknown(t *testing.T) {
	s := New(time.Second)
	dest := mustParse(t, "http://127.0.0.1:0")
	result, err := s.Send(context.Background(), []byte(`{}`), dest)
	if err == nil {
		t.Fatalf("expected an error for an unroutable destination")
	}
	if result.Status.IsNumeric() {
		t.Errorf("expected an Unknown status, got numeric %d", result.Status.Code())
	}
	if result.Body != nil {
		t.Errorf("transport failures should carry a nil body, got %v", *result.Body)
	}
}
