package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/pagerelay/internal/protocol"
)

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		if r.Method != http.MethodPut || r.URL.Path != "/v1/projects/p1/document" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var doc protocol.Document
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil || doc.Styles != "a{}" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	err := client.SaveDocument(context.Background(), "p1", protocol.Document{Components: json.RawMessage(`[]`), Styles: "a{}"})
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientReturnsTypedError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"forbidden","message":"not a member"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.LoadDocument(context.Background(), "p1")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusForbidden || httpErr.Code != "forbidden" {
		t.Fatalf("unexpected error: %+v", httpErr)
	}
}

func TestLoadDocumentReportsMissingDocument(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path == "/v1/projects/p1/document" {
			_, _ = w.Write([]byte(`{"components":[{"type":"text"}],"styles":"a{}"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no document stored for project"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	if _, err := client.LoadDocument(context.Background(), "empty"); !errors.Is(err, ErrNoDocument) {
		t.Fatalf("expected ErrNoDocument, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("404 must not be retried, got %d calls", atomic.LoadInt32(&calls))
	}
	doc, err := client.LoadDocument(context.Background(), "p1")
	if err != nil {
		t.Fatalf("load document: %v", err)
	}
	if doc.Styles != "a{}" || string(doc.Components) != `[{"type":"text"}]` {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestBackoffHonorsRetryAfter(t *testing.T) {
	b := NewHTTPClient("", "", nil).backoff
	if got := b.delay(1, time.Second); got != time.Second {
		t.Fatalf("expected 1s retry-after, got %s", got)
	}
	if got := b.delay(1, time.Minute); got != b.ceiling {
		t.Fatalf("expected retry-after to be capped, got %s", got)
	}
	if got := b.delay(3, 0); got != 4*b.base {
		t.Fatalf("expected exponential backoff, got %s", got)
	}
	if got := retryAfter("60"); got != time.Minute {
		t.Fatalf("expected 60s from header, got %s", got)
	}
	if got := retryAfter("soon"); got != 0 {
		t.Fatalf("expected unparsable header to be ignored, got %s", got)
	}
}
