package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHealth struct{ n int }

func (f fakeHealth) Accounts() int       { return f.n }
func (f fakeHealth) Started() time.Time { return time.Now().Add(-time.Minute) }

func TestHealthzReflectsReadiness(t *testing.T) {
	s := NewServer(":0", fakeHealth{n: 3}, zerolog.Nop())
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.SetReady(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["accounts"])
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	PollsTotal.WithLabelValues("test-account", "ok").Inc()

	rec := httptest.NewRecorder()
	NewServer(":0", nil, zerolog.Nop()).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `vault_watcher_polls_total{account="test-account",result="ok"}`))
}
