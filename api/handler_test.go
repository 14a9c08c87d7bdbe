package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KanavDutta/threatfence/escalation"
	"github.com/KanavDutta/threatfence/metrics"
	"github.com/KanavDutta/threatfence/pkg/threatfence"
)

func newTestAPI(t *testing.T, opts Options, engineOpts ...threatfence.Option) (*Handler, *threatfence.Engine, http.Handler) {
	t.Helper()
	engine, err := threatfence.New(append([]threatfence.Option{threatfence.WithMetrics(metrics.NewMetrics())}, engineOpts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	h, err := NewHandler(engine, opts)
	require.NoError(t, err)
	return h, engine, h.Routes()
}

func post(t *testing.T, h http.Handler, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.RemoteAddr = "127.0.0.1:5000"
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestEvaluate_AllowsRequests(t *testing.T) {
	_, _, routes := newTestAPI(t, Options{})

	w := post(t, routes, "/v1/evaluate", EvaluateRequest{Identity: "203.0.113.1", Path: "/"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp EvaluateResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, threatfence.OutcomeAllow, resp.Outcome)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "203.0.113.1", resp.Identity)
}

func TestEvaluate_BlocksWhenExceeded(t *testing.T) {
	_, _, routes := newTestAPI(t, Options{})

	var last *httptest.ResponseRecorder
	for i := 0; i < 16; i++ {
		last = post(t, routes, "/v1/evaluate", EvaluateRequest{Identity: "203.0.113.2"}, nil)
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	var resp EvaluateResponse
	require.NoError(t, json.NewDecoder(last.Body).Decode(&resp))
	assert.Equal(t, threatfence.OutcomeDeny, resp.Outcome)
	assert.Equal(t, "ip_rate_limit", resp.Reason)
	assert.Positive(t, resp.RetryAfterMs)
}

func TestEvaluate_InvalidRequests(t *testing.T) {
	_, _, routes := newTestAPI(t, Options{})

	w := post(t, routes, "/v1/evaluate", EvaluateRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), threatfence.ReasonMissingIdentity)

	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/evaluate", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAdmin_BlackholeThenRelease(t *testing.T) {
	_, engine, routes := newTestAPI(t, Options{})

	w := post(t, routes, "/v1/admin/blackhole", AdminRequest{Target: "198.51.100.3", Reason: "abuse"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp AdminResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Changed)
	assert.Equal(t, "blackholed", resp.Tier)
	assert.Equal(t, escalation.Blackholed, engine.Tier("198.51.100.3"))

	w = post(t, routes, "/v1/evaluate", EvaluateRequest{Identity: "198.51.100.3"}, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = post(t, routes, "/v1/admin/release", AdminRequest{Target: "198.51.100.3"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, escalation.Normal, engine.Tier("198.51.100.3"))
}

func TestAdmin_Quarantine(t *testing.T) {
	_, engine, routes := newTestAPI(t, Options{})

	w := post(t, routes, "/v1/admin/quarantine", AdminRequest{Target: "198.51.100.4", Duration: "90s"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, escalation.Quarantined, engine.Tier("198.51.100.4"))

	w = post(t, routes, "/v1/admin/quarantine", AdminRequest{Target: "198.51.100.5", Duration: "soon"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, routes, "/v1/admin/quarantine", AdminRequest{Target: "198.51.100.0/24", Type: "subnet"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, routes, "/v1/admin/quarantine/lift", AdminRequest{Target: "198.51.100.4"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, escalation.Normal, engine.Tier("198.51.100.4"))
}

func TestAdmin_Validation(t *testing.T) {
	_, _, routes := newTestAPI(t, Options{})

	w := post(t, routes, "/v1/admin/sinkhole", AdminRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, routes, "/v1/admin/sinkhole", AdminRequest{Target: "x", Type: "planet"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(t, routes, "/v1/admin/blackhole", AdminRequest{Target: "abc", Type: "fingerprint"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported_target")
}

func TestAdmin_Lists(t *testing.T) {
	_, engine, routes := newTestAPI(t, Options{})

	require.Equal(t, http.StatusOK, post(t, routes, "/v1/admin/whitelist", AdminRequest{Target: "partner"}, nil).Code)
	assert.True(t, engine.Reputation("partner").Whitelisted)

	require.Equal(t, http.StatusOK, post(t, routes, "/v1/admin/blacklist", AdminRequest{Target: "partner"}, nil).Code)
	assert.True(t, engine.Reputation("partner").Blacklisted)

	w := post(t, routes, "/v1/admin/unlist", AdminRequest{Target: "partner"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp AdminResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Changed)
}

func TestAdmin_IdentityOnlyActions(t *testing.T) {
	_, engine, routes := newTestAPI(t, Options{})

	for _, path := range []string{
		"/v1/admin/whitelist",
		"/v1/admin/blacklist",
		"/v1/admin/unlist",
		"/v1/admin/quarantine/lift",
	} {
		w := post(t, routes, path, AdminRequest{Target: "198.51.100.0/24", Type: "subnet"}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Contains(t, w.Body.String(), "unsupported_target", path)
	}
	assert.False(t, engine.Reputation("198.51.100.0/24").Whitelisted)
	assert.False(t, engine.Reputation("198.51.100.0/24").Blacklisted)

	w := post(t, routes, "/v1/admin/whitelist", AdminRequest{Target: "partner", Type: "identity"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmin_Reload(t *testing.T) {
	t.Run("yaml body", func(t *testing.T) {
		_, engine, routes := newTestAPI(t, Options{})

		req := httptest.NewRequest(http.MethodPost, "/v1/admin/reload", strings.NewReader("limits:\n  identity:\n    rate: 40\n    window: 1s\n"))
		req.RemoteAddr = "127.0.0.1:5000"
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, 40.0, engine.Config().Limits.Identity.Rate)

		req = httptest.NewRequest(http.MethodPost, "/v1/admin/reload", strings.NewReader("escalation:\n  sinkhole_threshold: 1\n"))
		req.RemoteAddr = "127.0.0.1:5000"
		w = httptest.NewRecorder()
		routes.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid_config")
		assert.Equal(t, 40.0, engine.Config().Limits.Identity.Rate, "running config kept")
	})

	t.Run("config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "threatfence.yaml")
		require.NoError(t, os.WriteFile(path, []byte("limits:\n  identity:\n    rate: 25\n    window: 1s\n"), 0o600))
		_, engine, routes := newTestAPI(t, Options{ConfigPath: path})

		req := httptest.NewRequest(http.MethodPost, "/v1/admin/reload", nil)
		req.RemoteAddr = "127.0.0.1:5000"
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, 25.0, engine.Config().Limits.Identity.Rate)
	})

	t.Run("no source", func(t *testing.T) {
		_, _, routes := newTestAPI(t, Options{})

		req := httptest.NewRequest(http.MethodPost, "/v1/admin/reload", nil)
		req.RemoteAddr = "127.0.0.1:5000"
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "no_config_source")
	})
}

func TestAdmin_InspectIdentity(t *testing.T) {
	_, _, routes := newTestAPI(t, Options{})

	for i := 0; i < 16; i++ {
		post(t, routes, "/v1/evaluate", EvaluateRequest{Identity: "203.0.113.8"}, nil)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/identities/203.0.113.8", nil)
	req.RemoteAddr = "127.0.0.1:5000"
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var report threatfence.IdentityReport
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, "203.0.113.8", report.Identity)
	assert.Equal(t, 95, report.Reputation.Score)
	assert.Equal(t, escalation.Quarantined, report.Tier)
	assert.Equal(t, 5, report.EscalationScore)
	require.Len(t, report.Violations, 1)
	require.NotNil(t, report.Behavior)
	assert.Equal(t, 16, report.Behavior.Requests)
}

func TestAdmin_Token(t *testing.T) {
	_, _, routes := newTestAPI(t, Options{AdminToken: "s3cret"})

	w := post(t, routes, "/v1/admin/cleanup", struct{}{}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(t, routes, "/v1/admin/cleanup", struct{}{}, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = post(t, routes, "/v1/admin/cleanup", struct{}{}, http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"report"`)
}

func TestAdmin_Throttled(t *testing.T) {
	_, _, routes := newTestAPI(t, Options{AdminRate: 0.001, AdminBurst: 2})

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, post(t, routes, "/v1/admin/cleanup", struct{}{}, nil).Code)
	}
	w := post(t, routes, "/v1/admin/cleanup", struct{}{}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestStatsIntelAndMetrics(t *testing.T) {
	_, engine, routes := newTestAPI(t, Options{})
	engine.Evaluate(threatfence.Request{Identity: "203.0.113.7"})
	_, err := engine.AddToBlackhole("203.0.113.8", escalation.TargetIdentity, "")
	require.NoError(t, err)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		routes.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var stats threatfence.Statistics
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Escalation.Blackholed)

	w = get("/v1/threat-intel")
	require.Equal(t, http.StatusOK, w.Code)
	var intel threatfence.ThreatIntel
	require.NoError(t, json.NewDecoder(w.Body).Decode(&intel))
	assert.True(t, intel.MayBeBlocked("203.0.113.8"))

	w = get("/v1/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	var snap metrics.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, int64(1), snap.TotalRequests)

	w = get("/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "threatfence_verdicts_total")

	w = get("/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestFeed_StreamsEscalations(t *testing.T) {
	h, engine, routes := newTestAPI(t, Options{})
	srv := httptest.NewServer(routes)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/feed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg FeedMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, FeedConnected, msg.Type)
	require.Eventually(t, func() bool { return h.Feed().ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = engine.AddToSinkhole("203.0.113.99", escalation.TargetIdentity, "manual")
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, FeedEscalation, msg.Type)
	var ev escalation.Escalation
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "203.0.113.99", ev.Key)
	assert.Equal(t, escalation.Sinkholed, ev.To)
}
