package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmaduty/duty-engine/internal/resilience"
)

func TestHTTPFetcherOK(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(`[{"name":"Merkez Eczanesi"}]`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(FetchOptions{UserAgent: "duty-engine-test/1.0", RequestsPerSecond: 100})
	data, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Merkez Eczanesi")
	assert.Equal(t, "duty-engine-test/1.0", gotUA)
}

func TestHTTPFetcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(FetchOptions{RequestsPerSecond: 100})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	var fe *resilience.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
	assert.True(t, resilience.IsRetryable(err))
}

func TestHTTPFetcherNotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(FetchOptions{RequestsPerSecond: 100})
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.False(t, resilience.IsRetryable(err))
}

func TestHTTPFetcherConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := NewHTTPFetcher(FetchOptions{RequestsPerSecond: 100, Timeout: 2 * time.Second})
	_, err := f.Fetch(context.Background(), url)
	require.Error(t, err)

	var fe *resilience.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Zero(t, fe.StatusCode)
}

func TestHTTPFetcherReusesLimiterPerHost(t *testing.T) {
	f := NewHTTPFetcher(FetchOptions{})
	a := f.limiterFor("oda.example.org")
	b := f.limiterFor("oda.example.org")
	c := f.limiterFor("mirror.example.org")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name     string
		rawURL   string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{name: "default port", rawURL: "ftp://sm.example.gov.tr/nobet/bugun.csv", wantHost: "sm.example.gov.tr:21", wantPath: "/nobet/bugun.csv"},
		{name: "explicit port", rawURL: "ftp://sm.example.gov.tr:2121/bugun.csv", wantHost: "sm.example.gov.tr:2121", wantPath: "/bugun.csv"},
		{name: "wrong scheme", rawURL: "https://sm.example.gov.tr/bugun.csv", wantErr: true},
		{name: "garbage", rawURL: "://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, path, err := parseFTPURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPath, path)
		})
	}
}

func TestSchemeFetcherRoutesHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewSchemeFetcher(FetchOptions{RequestsPerSecond: 100})
	data, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}
