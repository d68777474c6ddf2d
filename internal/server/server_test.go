package server

import (
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morphoscope/nblast/internal/config"
	"github.com/morphoscope/nblast/internal/scoring"
	"github.com/morphoscope/nblast/pkg/dotprops"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	lookup, err := scoring.NewLookup(
		[]float64{0, 1, 10, 100},
		[]float64{0, 0.5, 1},
		[]float64{4, 5, -1, 1, -3, -2},
	)
	require.NoError(t, err)

	cfg := &config.AppConfig{
		ScoringEnvConfig: config.ScoringEnvConfig{
			Workers:     1,
			Aggregation: "mean",
			Normalized:  true,
		},
		SmartEnvConfig: config.SmartEnvConfig{
			SmartCriterion: "percentile",
			SmartThreshold: 90,
			SmartStep:      4,
		},
		ServerEnvConfig: config.ServerEnvConfig{
			BodySizeLimit: 32 << 20,
			ReadTimeout:   30 * time.Second,
		},
	}
	return New(cfg, lookup)
}

func testNeurons(t *testing.T, n, points int) []*dotprops.Dotprops {
	t.Helper()
	rng := rand.New(rand.NewPCG(77, 77))
	out := make([]*dotprops.Dotprops, n)
	for i := range out {
		pts := make([]dotprops.Point, points)
		for j := range pts {
			pts[j] = dotprops.Point{rng.Float64() * 100, rng.Float64() * 100, rng.Float64() * 100}
		}
		dp, err := dotprops.New(fmt.Sprintf("n%d", i), pts, 5)
		require.NoError(t, err)
		out[i] = dp
	}
	return out
}

func postJSON(t *testing.T, s *Server, path string, body any) *http.Response {
	t.Helper()
	raw, err := sonic.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeScores(t *testing.T, resp *http.Response) scoreResponse {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out scoreResponse
	require.NoError(t, sonic.Unmarshal(raw, &out), "body: %s", raw)
	return out
}

func TestHealthz(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNBlastEndpoint(t *testing.T) {
	s := testServer(t)
	neurons := testNeurons(t, 4, 50)

	resp := postJSON(t, s, "/api/v1/nblast", scoreRequest{
		Queries: neurons[:2],
		Targets: neurons[2:],
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeScores(t, resp)
	require.NotNil(t, out.Scores)
	assert.Equal(t, []string{"n0", "n1"}, out.Scores.QueryIDs)
	assert.Equal(t, []string{"n2", "n3"}, out.Scores.TargetIDs)
	assert.Nil(t, out.Mask)
}

func TestAllByAllEndpoint(t *testing.T) {
	s := testServer(t)
	neurons := testNeurons(t, 3, 50)

	resp := postJSON(t, s, "/api/v1/nblast/allbyall", scoreRequest{Queries: neurons})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeScores(t, resp)
	require.NotNil(t, out.Scores)
	for _, id := range out.Scores.QueryIDs {
		assert.InDelta(t, 1, out.Scores.At(id, id), 1e-9, "normalized diagonal")
	}
}

func TestSmartEndpointReturnsMask(t *testing.T) {
	s := testServer(t)
	neurons := testNeurons(t, 6, 60)

	resp := postJSON(t, s, "/api/v1/nblast/smart", scoreRequest{
		Queries:        neurons[:2],
		Targets:        neurons[2:],
		SmartCriterion: "N",
		SmartThreshold: 1,
		SmartStep:      4,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeScores(t, resp)
	require.Len(t, out.Mask, 2)
	for _, row := range out.Mask {
		assert.Len(t, row, 4)
	}
}

func TestSynBlastEndpoint(t *testing.T) {
	s := testServer(t)
	mk := func(id string, pts ...dotprops.Point) *dotprops.Dotprops {
		return &dotprops.Dotprops{ID: id, Connectors: map[string][]dotprops.Point{"pre": pts}}
	}
	resp := postJSON(t, s, "/api/v1/synblast", scoreRequest{
		Queries: []*dotprops.Dotprops{mk("q", dotprops.Point{0, 0, 0})},
		Targets: []*dotprops.Dotprops{mk("t", dotprops.Point{0, 0, 0})},
		ByType:  true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decodeScores(t, resp)
	assert.InDelta(t, 1, out.Scores.At("q", "t"), 1e-9)
}

func TestBadRequests(t *testing.T) {
	s := testServer(t)
	neurons := testNeurons(t, 2, 30)

	// Empty body fails input validation.
	resp := postJSON(t, s, "/api/v1/nblast", scoreRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Unknown aggregation is a configuration error.
	resp = postJSON(t, s, "/api/v1/nblast", scoreRequest{
		Queries:     neurons[:1],
		Targets:     neurons[1:],
		Aggregation: "median",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// Malformed JSON is a plain bad request.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/nblast", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	raw, err := s.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestSynBlastRejectsPlainNeurons(t *testing.T) {
	s := testServer(t)
	neurons := testNeurons(t, 2, 30)

	resp := postJSON(t, s, "/api/v1/synblast", scoreRequest{
		Queries: neurons[:1],
		Targets: neurons[1:],
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}
