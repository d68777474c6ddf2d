package tables

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphoscope/nblast/internal/scoring"
)

func registryLookup(t *testing.T) *scoring.Lookup {
	t.Helper()
	l, err := scoring.NewLookup(
		[]float64{0, 1, 10, 100},
		[]float64{0, 0.5, 1},
		[]float64{4, 5, -1, 1, -3, -2},
	)
	require.NoError(t, err)
	return l
}

func TestFetchDownloadsAndCaches(t *testing.T) {
	want := registryLookup(t)
	raw, err := want.MarshalLookupJSON()
	require.NoError(t, err)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/test.json" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Write(raw)
	}))
	defer srv.Close()

	ctx := context.Background()
	client, err := NewClient(ctx, Config{BaseURL: srv.URL, CacheDir: t.TempDir()})
	require.NoError(t, err)

	got, err := client.Fetch(ctx, "test.json")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, want.Score(0.5, 0.9), got.Score(0.5, 0.9))

	// Second fetch is served from the cache without touching the registry.
	got, err = client.Fetch(ctx, "test.json")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, want.Score(50, 0.2), got.Score(50, 0.2))
}

func TestFetchSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	ctx := context.Background()
	client, err := NewClient(ctx, Config{BaseURL: srv.URL, CacheDir: t.TempDir()})
	require.NoError(t, err)

	_, err = client.Fetch(ctx, "missing.json")
	require.Error(t, err)

	// The failed download must not leave a poisoned cache entry behind.
	_, err = client.Fetch(ctx, "missing.json")
	require.Error(t, err)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(context.Background(), Config{CacheDir: t.TempDir()})
	assert.Error(t, err)
}
