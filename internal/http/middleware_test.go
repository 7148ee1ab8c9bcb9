package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDPropagation(t *testing.T) {
	a := newTestAPI(t)
	var seen string
	a.srv.mux.HandleFunc("/test/echo", func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"request id", map[string]string{"X-Request-ID": "abc-123"}, "abc-123"},
		{"correlation id", map[string]string{"X-Correlation-ID": "trace:42"}, "trace:42"},
		{"request id wins", map[string]string{"X-Request-ID": "first", "X-Correlation-ID": "second"}, "first"},
		{"malformed request id falls through", map[string]string{"X-Request-ID": "has space", "X-Correlation-ID": "ok.1"}, "ok.1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test/echo", nil)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			a.srv.ServeHTTP(rr, req)
			if got := rr.Header().Get("X-Request-ID"); got != tc.want {
				t.Fatalf("header: want %q, got %q", tc.want, got)
			}
			if seen != tc.want {
				t.Fatalf("context: want %q, got %q", tc.want, seen)
			}
		})
	}
}

func TestRequestIDReplacesUnusableValues(t *testing.T) {
	a := newTestAPI(t)
	for _, v := range []string{"", "has space", "<script>", strings.Repeat("x", maxRequestIDLen+1)} {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		if v != "" {
			req.Header.Set("X-Request-ID", v)
		}
		rr := httptest.NewRecorder()
		a.srv.ServeHTTP(rr, req)
		got := rr.Header().Get("X-Request-ID")
		if _, err := uuid.Parse(got); err != nil {
			t.Fatalf("incoming %q: expected a generated uuid, got %q", v, got)
		}
	}
}

func TestRecoveryWritesJSONError(t *testing.T) {
	a := newTestAPI(t)
	a.srv.mux.HandleFunc("/test/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rr := a.do(t, http.MethodGet, "/test/panic", "", nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected json body, got %q: %v", rr.Body, err)
	}
	if body["message"] != "internal error" {
		t.Fatalf("unexpected body %v", body)
	}
	if id := rr.Header().Get("X-Request-ID"); id == "" || body["request_id"] != id {
		t.Fatalf("request id missing on recovered response: header %q body %v", id, body)
	}
}

func TestRecoveryKeepsStartedResponse(t *testing.T) {
	a := newTestAPI(t)
	a.srv.mux.HandleFunc("/test/late-panic", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte("partial"))
		panic("late")
	})

	rr := a.do(t, http.MethodGet, "/test/late-panic", "", nil)
	if rr.Code != http.StatusAccepted || rr.Body.String() != "partial" {
		t.Fatalf("started response was rewritten: %d %q", rr.Code, rr.Body)
	}
}

func TestRecoveryRethrowsAbortHandler(t *testing.T) {
	a := newTestAPI(t)
	a.srv.mux.HandleFunc("/test/abort", func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})

	defer func() {
		if v := recover(); v != http.ErrAbortHandler {
			t.Fatalf("expected ErrAbortHandler to propagate, got %v", v)
		}
	}()
	a.do(t, http.MethodGet, "/test/abort", "", nil)
	t.Fatal("handler abort was swallowed")
}

func TestClientIP(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.2:5000", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": " 198.51.100.4 "}, "10.0.0.2:5000", "198.51.100.4"},
		{"remote addr", nil, "192.0.2.9:443", "192.0.2.9"},
		{"remote without port", nil, "192.0.2.9", "192.0.2.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tc.want {
				t.Fatalf("want %q, got %q", tc.want, got)
			}
		})
	}
}
