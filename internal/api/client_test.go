package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/vmlink/internal/settings"
)

var testSettings = settings.Settings{Token: "T", URL: "example.com", Port: "1234", Site: "red"}

func TestGetURL(t *testing.T) {
	tests := []struct {
		name string
		s    settings.Settings
		id   string
		fl   bool
		want string
	}{
		{
			name: "plain mode, empty site",
			s:    settings.Settings{Token: "T", URL: "example.com", Port: "1234"},
			id:   "42",
			want: "http://example.com:1234/get/42?token=T&site=",
		},
		{
			name: "freeleech token",
			s:    testSettings,
			id:   "42",
			fl:   true,
			want: "http://example.com:1234/get/42?token=T&site=red&fltoken=true",
		},
		{
			name: "https setting still yields http link",
			s:    settings.Settings{Token: "T", URL: "example.com", Port: "1234", HTTPS: true},
			id:   "7",
			want: "http://example.com:1234/get/7?token=T&site=",
		},
		{
			name: "token is escaped",
			s:    settings.Settings{Token: "a b&c", URL: "h", Port: "1"},
			id:   "1",
			want: "http://h:1/get/1?token=a+b%26c&site=",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetURL(tt.s, tt.id, tt.fl); got != tt.want {
				t.Errorf("GetURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatsURL(t *testing.T) {
	if got, want := StatsURL(testSettings, "up.png"), "http://example.com:1234/getStats/up.png?token=T&site=red"; got != want {
		t.Errorf("StatsURL() = %q, want %q", got, want)
	}

	s := testSettings
	s.HTTPS = true
	if got, want := StatsURL(s, "ratio.png"), "https://example.com:1234/getStats/ratio.png?token=T&site=red"; got != want {
		t.Errorf("StatsURL() = %q, want %q", got, want)
	}
}

func TestStatsImages(t *testing.T) {
	if len(StatsImages) != 29 {
		t.Fatalf("len(StatsImages) = %d, want 29", len(StatsImages))
	}
	if StatsImages[0].Filename != "stats.png" {
		t.Errorf("first graph = %q, want stats.png", StatsImages[0].Filename)
	}

	seen := make(map[string]bool)
	for _, img := range StatsImages {
		if seen[img.Filename] || seen[img.Label] {
			t.Errorf("duplicate graph %q (%q)", img.Label, img.Filename)
		}
		seen[img.Filename] = true
		seen[img.Label] = true
	}
	for _, f := range []string{"overall_buffer.png", "lastmonth_up.png", "lastweek_down.png", "overall_per_day_ratio.png", "top_tags.png"} {
		if !seen[f] {
			t.Errorf("missing graph %s", f)
		}
	}
}

func TestSocketURL(t *testing.T) {
	if got, want := SocketURL(testSettings), "wss://example.com:1234/ws"; got != want {
		t.Errorf("SocketURL() = %q, want %q", got, want)
	}
}

func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient(testSettings)

		if c.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 30*time.Second)
		}
		if c.maxRetries != 3 {
			t.Errorf("maxRetries = %d, want %d", c.maxRetries, 3)
		}
		if c.retryBackoff != time.Second {
			t.Errorf("retryBackoff = %v, want %v", c.retryBackoff, time.Second)
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("with options", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		c := NewClient(testSettings,
			WithTimeout(5*time.Second),
			WithRetries(5, 2*time.Second),
			WithLogger(logger),
			WithBaseURL("http://127.0.0.1:9"),
		)
		if c.httpClient.Timeout != 5*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 5*time.Second)
		}
		if c.maxRetries != 5 || c.retryBackoff != 2*time.Second {
			t.Errorf("retries = %d/%v, want 5/2s", c.maxRetries, c.retryBackoff)
		}
		if c.logger != logger {
			t.Error("logger not set")
		}
		if c.baseURL != "http://127.0.0.1:9" {
			t.Errorf("baseURL = %q", c.baseURL)
		}
	})
}

func TestClient_rebase(t *testing.T) {
	c := NewClient(testSettings, WithBaseURL("http://127.0.0.1:8080/"))
	got := c.rebase("http://example.com:1234/get/42?token=T&site=")
	if want := "http://127.0.0.1:8080/get/42?token=T&site="; got != want {
		t.Errorf("rebase() = %q, want %q", got, want)
	}

	plain := NewClient(testSettings)
	if got := plain.rebase("http://example.com:1234/x"); got != "http://example.com:1234/x" {
		t.Errorf("rebase() without base = %q", got)
	}
}

func TestClient_Get(t *testing.T) {
	var gotPath, gotQuery, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("Downloaded torrent #42 successfully."))
	}))
	defer server.Close()

	c := NewClient(testSettings, WithBaseURL(server.URL))
	body, err := c.Get(context.Background(), "42", true)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if gotPath != "/get/42" {
		t.Errorf("path = %q, want /get/42", gotPath)
	}
	if gotQuery != "token=T&site=red&fltoken=true" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotUA == "" {
		t.Error("User-Agent not set")
	}
	if body != "Downloaded torrent #42 successfully." {
		t.Errorf("body = %q", body)
	}
}

func TestClient_GetUnauthorizedNoRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := NewClient(testSettings, WithBaseURL(server.URL), WithRetries(3, time.Millisecond))
	_, err := c.Get(context.Background(), "1", false)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", apiErr.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 401)", calls.Load())
	}
}

func TestClient_RetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer server.Close()

	c := NewClient(testSettings, WithBaseURL(server.URL), WithRetries(3, time.Millisecond))
	img, ct, err := c.StatsImage(context.Background(), "stats.png")
	if err != nil {
		t.Fatalf("StatsImage failed: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if len(img) != 4 {
		t.Errorf("len(img) = %d, want 4", len(img))
	}
}

func TestClient_MaxRetriesExceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewClient(testSettings, WithBaseURL(server.URL), WithRetries(2, time.Millisecond))
	_, err := c.Get(context.Background(), "1", false)
	if err == nil {
		t.Fatal("expected error")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
		t.Errorf("expected wrapped retryable APIError, got %v", err)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(testSettings, WithBaseURL(server.URL), WithRetries(5, time.Second))

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.Get(ctx, "1", false)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
