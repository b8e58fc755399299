package store

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"storepulse/internal/query"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	return &Client{
		baseURL:    srv.URL,
		key:        "test-key",
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
	}
}

func TestQuery(t *testing.T) {
	var gotPath, gotKey, gotStatus string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("apikey")
		gotStatus = r.URL.Query().Get("status")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":1,"status":"pending"},{"id":2,"status":"done"}]`))
	}))

	records, err := c.Query(context.Background(), "public", "orders", query.Options{
		Filter: "status=eq.pending",
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if gotPath != "/tables/public.orders" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("apikey header = %q", gotKey)
	}
	if gotStatus != "eq.pending" {
		t.Errorf("filter param = %q", gotStatus)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	if records[0]["status"] != "pending" {
		t.Errorf("unexpected first record: %v", records[0])
	}
}

func TestQueryErrorStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "permission denied", http.StatusForbidden)
	}))

	if _, err := c.Query(context.Background(), "public", "orders", query.Options{}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestQueryBadFilter(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent for a malformed filter")
	}))

	if _, err := c.Query(context.Background(), "public", "orders", query.Options{Filter: "broken"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPing(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("ping failed: %v", err)
	}
}
