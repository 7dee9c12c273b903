package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL, Token: "token-123", AppID: "42", Timeout: time.Second}
	for _, m := range mutate {
		m(&cfg)
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"missing base url", Config{Token: "t", AppID: "1"}, "base_url is required"},
		{"bad scheme", Config{BaseURL: "ftp://example.com", Token: "t", AppID: "1"}, "scheme"},
		{"missing token", Config{BaseURL: "https://api.example.com", AppID: "1"}, "token is required"},
		{"missing app", Config{BaseURL: "https://api.example.com", Token: "t"}, "app_id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestClient_ListDataSources(t *testing.T) {
	t.Parallel()

	var gotAuth, gotContentType, gotQuery string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotQuery = r.URL.RawQuery
		if r.Method != http.MethodGet || r.URL.Path != "/v1/data-sources" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"dataSources":[{"id":1,"name":"Users"},{"id":2,"name":"Products"}]}`))
	})

	payload, err := client.ListDataSources(context.Background())
	if err != nil {
		t.Fatalf("ListDataSources: %v", err)
	}
	if gotAuth != "Bearer token-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotQuery != "appId=42" {
		t.Errorf("query = %q, want appId=42", gotQuery)
	}

	var sources []map[string]any
	if err := json.Unmarshal(payload, &sources); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(sources) != 2 || sources[1]["name"] != "Products" {
		t.Fatalf("sources = %v", sources)
	}
}

func TestClient_QueryDataSource(t *testing.T) {
	t.Parallel()

	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/data-sources/7/data/query" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		_, _ = w.Write([]byte(`{"entries":[{"id":10,"data":{"Name":"Ada"}}]}`))
	})

	payload, err := client.QueryDataSource(context.Background(), "7", QueryOptions{
		Where: map[string]any{"Name": "Ada"},
		Limit: 5,
	})
	if err != nil {
		t.Fatalf("QueryDataSource: %v", err)
	}
	if !strings.Contains(string(payload), "Ada") {
		t.Fatalf("payload = %s", payload)
	}
	if body["limit"] != float64(5) {
		t.Errorf("limit = %v, want 5", body["limit"])
	}
	if _, ok := body["offset"]; ok {
		t.Errorf("zero offset should be omitted, body = %v", body)
	}
}

func TestClient_ListMediaWithFolder(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("folderId") != "3" {
			t.Errorf("folderId = %q", r.URL.Query().Get("folderId"))
		}
		_, _ = w.Write([]byte(`{"folders":[],"files":[{"id":5,"name":"logo.png"}]}`))
	})

	payload, err := client.ListMedia(context.Background(), "3")
	if err != nil {
		t.Fatalf("ListMedia: %v", err)
	}
	if !strings.Contains(string(payload), "logo.png") {
		t.Fatalf("payload = %s", payload)
	}
}

func TestClient_MissingIDIssuesNoRequest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	ctx := context.Background()
	calls := map[string]func() error{
		"GetDataSource":         func() error { _, err := client.GetDataSource(ctx, " "); return err },
		"ListDataSourceEntries": func() error { _, err := client.ListDataSourceEntries(ctx, ""); return err },
		"QueryDataSource":       func() error { _, err := client.QueryDataSource(ctx, "", QueryOptions{}); return err },
		"GetMediaFile":          func() error { _, err := client.GetMediaFile(ctx, ""); return err },
	}
	for name, call := range calls {
		if err := call(); !errors.Is(err, ErrMissingID) {
			t.Errorf("%s: err = %v, want ErrMissingID", name, err)
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("server hit %d times, want 0", hits.Load())
	}
}

func TestClient_APIError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantBody bool
		wantMsg  string
	}{
		{"json body", `{"message":"Invalid auth token"}`, true, "Invalid auth token"},
		{"unparseable body", `<html>oops</html>`, false, "status 401"},
		{"empty body", ``, false, "status 401"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.GetDataSource(context.Background(), "1")
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiErr.StatusCode != http.StatusUnauthorized {
				t.Errorf("status = %d", apiErr.StatusCode)
			}
			if (apiErr.Body != nil) != tt.wantBody {
				t.Errorf("body = %#v, wantBody %v", apiErr.Body, tt.wantBody)
			}
			if !strings.Contains(apiErr.Error(), tt.wantMsg) {
				t.Errorf("Error() = %q, want containing %q", apiErr.Error(), tt.wantMsg)
			}
		})
	}
}

func TestClient_ParseError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `definitely not json`},
		{"missing envelope field", `{"somethingElse":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.ListDataSources(context.Background())
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("err = %v, want *ParseError", err)
			}
			if parseErr.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200", parseErr.StatusCode)
			}
			if !strings.Contains(parseErr.Error(), "/v1/data-sources") {
				t.Errorf("Error() = %q, want URL", parseErr.Error())
			}
		})
	}
}

func TestClient_ResponseTooLarge(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"dataSources":"` + strings.Repeat("x", 64) + `"}`))
	}, func(cfg *Config) { cfg.MaxResponseBytes = 16 })

	_, err := client.ListDataSources(context.Background())
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
}

func TestClient_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, func(cfg *Config) { cfg.Timeout = 50 * time.Millisecond })

	start := time.Now()
	_, err := client.ListMedia(context.Background(), "")
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want *TimeoutError", err)
	}
	if timeoutErr.Timeout != 50*time.Millisecond {
		t.Errorf("timeout = %s", timeoutErr.Timeout)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestClient_CallerCancellationIsNotTimeout(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.ListDataSources(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		t.Fatalf("cancellation reported as timeout: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestClient_OneRequestPerCall(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, _ = client.GetMediaFile(context.Background(), "9")
	if hits.Load() != 1 {
		t.Fatalf("requests = %d, want exactly 1 (no retries)", hits.Load())
	}
}
