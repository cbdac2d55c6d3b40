package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

// traceRequest runs one request through the middleware and returns the ID the
// handler saw in its context and the ID written to the response header.
func traceRequest(t *testing.T, clientID string) (ctxID, headerID string) {
	t.Helper()

	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = GetRequestID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/alertgroups", nil)
	if clientID != "" {
		req.Header.Set(RequestIDHeader, clientID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return ctxID, rec.Header().Get(RequestIDHeader)
}

func TestRequestIDGeneratedWhenMissing(t *testing.T) {
	ctxID, headerID := traceRequest(t, "")

	if headerID == "" {
		t.Fatal("no request ID in response header")
	}
	if _, err := uuid.Parse(headerID); err != nil {
		t.Errorf("generated ID %q is not a UUID: %v", headerID, err)
	}
	if ctxID != headerID {
		t.Errorf("handler saw ID %q but response carries %q", ctxID, headerID)
	}
}

func TestRequestIDFromClientIsKept(t *testing.T) {
	ctxID, headerID := traceRequest(t, "trace-77f")

	if headerID != "trace-77f" {
		t.Errorf("response ID = %q, want the client-supplied one", headerID)
	}
	if ctxID != "trace-77f" {
		t.Errorf("context ID = %q, want the client-supplied one", ctxID)
	}
}

func TestRequestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		_, id := traceRequest(t, "")
		if seen[id] {
			t.Fatalf("request ID %q issued twice", id)
		}
		seen[id] = true
	}
}

func TestGetRequestIDOutsideRequest(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("expected no ID on a bare context, got %q", id)
	}
}
