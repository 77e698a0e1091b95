package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"relayscope/internal/catalog"
	"relayscope/internal/common"
	"relayscope/internal/dispatch"
	"relayscope/internal/entitlement"
	"relayscope/internal/health"
	"relayscope/internal/metrics"
	"relayscope/internal/models"
	"relayscope/internal/monitor"
	"relayscope/internal/probe"
	"relayscope/internal/storage"
	"relayscope/internal/visibility"
)

// tableProber answers from fixed latencies; hosts without an entry time out.
type tableProber map[string]int64

func (p tableProber) Probe(_ context.Context, node models.Node) models.ProbeOutcome {
	latency, ok := p[node.Host]
	if !ok {
		out := models.FailedOutcome(node, probe.ReasonTimeout, time.Now())
		out.Region = "Global"
		return out
	}
	return models.ProbeOutcome{ID: node.Key(), Host: node.Host, Port: node.Port, LatencyMs: latency, Success: true, Region: "Global"}
}

type downResolver struct{}

func (downResolver) Tier(context.Context, string) (models.Tier, error) {
	return models.TierUnprivileged, common.UnavailableError("entitlement lookup", errors.New("dial tcp: refused"))
}

type downCatalog struct{}

func (downCatalog) Nodes(context.Context, string) ([]models.Node, error) {
	return nil, common.UnavailableError("catalog", errors.New("dial tcp: refused"))
}

type testEnv struct {
	srv     *httptest.Server
	monitor *monitor.Monitor
}

type envOptions struct {
	catalog  catalog.Source
	resolver entitlement.Resolver
	token    string
	limiter  *rate.Limiter
}

func bigCatalog(n int) catalog.Static {
	nodes := make(catalog.Static, n)
	for i := range nodes {
		country := "US"
		if i%3 == 0 {
			country = "DE"
		}
		nodes[i] = models.Node{
			Host:     fmt.Sprintf("n%02d.example", i),
			Port:     443,
			Name:     fmt.Sprintf("Node %02d", i),
			Protocol: "vmess",
			Country:  country,
			Source:   "overseas",
		}
	}
	return nodes
}

func newEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	if opts.catalog == nil {
		opts.catalog = bigCatalog(30)
	}
	if opts.resolver == nil {
		opts.resolver = entitlement.NewStaticResolver([]entitlement.Grant{{UserID: "vip"}}, nil)
	}

	dir := t.TempDir()
	records, err := storage.NewHealthStorage(filepath.Join(dir, "health.json"))
	require.NoError(t, err)
	reports, err := storage.NewReportStorage(filepath.Join(dir, "report.json"))
	require.NoError(t, err)
	classifier, err := health.NewClassifier(health.Options{})
	require.NoError(t, err)

	prober := tableProber{"a": 80, "b": 250, "n00.example": 90, "n01.example": 120}
	collector := metrics.NewCollector()
	dispatcher := dispatch.New(prober, 4, time.Second, dispatch.WithObserver(collector))
	mon := monitor.New(monitor.Options{
		Catalog:       opts.catalog,
		Dispatcher:    dispatcher,
		Classifier:    classifier,
		Records:       records,
		Reports:       reports,
		Observer:      collector,
		DefaultSource: "overseas",
	})

	s := New(Options{
		Dispatcher:   dispatcher,
		Health:       mon,
		Reports:      reports,
		Resolver:     opts.resolver,
		Policy:       visibility.Policy{FreeLimit: 20},
		Metrics:      collector,
		AdminToken:   opts.token,
		TriggerLimit: opts.limiter,
		ProbeInfo:    map[string]any{"strategy": "http"},
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, monitor: mon}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if s, ok := body.(string); ok {
		reader = bytes.NewReader([]byte(s))
	} else if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestProbeEndpoint(t *testing.T) {
	env := newEnv(t, envOptions{})

	resp, body := env.do(t, http.MethodPost, "/api/probe", map[string]any{
		"nodes": []map[string]any{
			{"id": "x", "host": "a", "port": 1},
			{"host": "b", "port": 2},
			{"host": "c", "port": 3},
		},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var results []map[string]any
	require.NoError(t, json.Unmarshal(body, &results))
	require.Len(t, results, 3)
	assert.Equal(t, "x", results[0]["id"])
	assert.Equal(t, 80.0, results[0]["latency"])
	assert.Equal(t, 100.0, results[0]["score"])
	assert.Equal(t, "b:2", results[1]["id"])
	assert.Equal(t, 85.0, results[1]["score"])
	assert.Equal(t, false, results[2]["success"])
	assert.Equal(t, -1.0, results[2]["latency"])
	assert.Equal(t, 0.0, results[2]["score"])
	assert.Equal(t, "timeout", results[2]["error"])
	assert.Equal(t, "Global", results[2]["region"])
}

func TestProbeEndpoint_ScoreCanBeOmitted(t *testing.T) {
	env := newEnv(t, envOptions{})
	resp, body := env.do(t, http.MethodPost, "/api/probe?score=false", `{"nodes":[{"host":"a","port":1}]}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "score")
}

func TestProbeEndpoint_BadRequests(t *testing.T) {
	env := newEnv(t, envOptions{})
	for name, body := range map[string]string{
		"empty body":    "",
		"missing nodes": `{}`,
		"empty nodes":   `{"nodes":[]}`,
		"not json":      `{"nodes":`,
		"bad port":      `{"nodes":[{"host":"a","port":0}]}`,
		"duplicate":     `{"nodes":[{"host":"a","port":1},{"host":"a","port":1}]}`,
	} {
		resp, raw := env.do(t, http.MethodPost, "/api/probe", body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
		assert.Contains(t, string(raw), `"error"`, name)
	}

	resp, _ := env.do(t, http.MethodGet, "/api/probe", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func decodeEnvelope(t *testing.T, raw []byte) (envelope, map[string]any) {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	data, _ := env.Data.(map[string]any)
	return env, data
}

func TestHealthCheckEndpoint(t *testing.T) {
	env := newEnv(t, envOptions{token: "s3cret"})

	resp, raw := env.do(t, http.MethodPost, "/api/health-check", `{"check_all":true}`, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	e, _ := decodeEnvelope(t, raw)
	assert.Equal(t, "error", e.Status)
	assert.NotEmpty(t, e.Timestamp)

	resp, raw = env.do(t, http.MethodPost, "/api/health-check", `{"check_all":true,"source":"overseas"}`,
		map[string]string{"X-Admin-Token": "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	e, data := decodeEnvelope(t, raw)
	assert.Equal(t, "success", e.Status)
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, 30.0, data["checked_count"])
	assert.Equal(t, 2.0, data["online_count"])
	assert.Equal(t, 28.0, data["suspect_count"])
	assert.NotEmpty(t, data["run_id"])
	assert.Len(t, data["problem_nodes"], 28)

	resp, raw = env.do(t, http.MethodPost, "/api/health-check", `{"node_ids":["nope:1"]}`,
		map[string]string{"X-Admin-Token": "s3cret"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, string(raw))
}

func TestHealthCheckEndpoint_RateLimited(t *testing.T) {
	env := newEnv(t, envOptions{limiter: rate.NewLimiter(rate.Every(time.Hour), 1)})

	resp, _ := env.do(t, http.MethodPost, "/api/health-check", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := env.do(t, http.MethodPost, "/api/health-check", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	e, _ := decodeEnvelope(t, raw)
	assert.Equal(t, "error", e.Status)
}

func TestHealthCheckEndpoint_CatalogDown(t *testing.T) {
	env := newEnv(t, envOptions{catalog: downCatalog{}})
	resp, raw := env.do(t, http.MethodPost, "/api/health-check", `{"check_all":true}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	e, _ := decodeEnvelope(t, raw)
	assert.Equal(t, "error", e.Status)
	assert.Contains(t, e.Message, "upstream unavailable")
}

func TestHealthStatsEndpoint(t *testing.T) {
	env := newEnv(t, envOptions{})
	_, err := env.monitor.Check(context.Background(), monitor.Trigger{NodeIDs: []string{"n00.example:443", "n05.example:443"}})
	require.NoError(t, err)

	resp, raw := env.do(t, http.MethodGet, "/api/health-check/stats", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, data := decodeEnvelope(t, raw)
	assert.Equal(t, 30.0, data["total"])
	assert.Equal(t, 1.0, data["online"])
	assert.Equal(t, 1.0, data["suspect"])
	assert.Equal(t, 28.0, data["unknown"])
	require.NotNil(t, data["last_check"])
}

type nodesPayload struct {
	Nodes   []models.NodeView `json:"nodes"`
	Count   int               `json:"count"`
	Total   int               `json:"total"`
	Tier    string            `json:"tier"`
	Limited bool              `json:"limited"`
}

func TestNodesEndpoint_Tiers(t *testing.T) {
	env := newEnv(t, envOptions{})

	resp, raw := env.do(t, http.MethodGet, "/api/nodes", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var anon nodesPayload
	require.NoError(t, json.Unmarshal(raw, &anon))
	assert.Equal(t, 20, anon.Count)
	assert.Equal(t, 30, anon.Total)
	assert.True(t, anon.Limited)
	assert.Equal(t, "unprivileged", anon.Tier)
	assert.Equal(t, models.StatusUnknown, anon.Nodes[0].Status)

	_, raw = env.do(t, http.MethodGet, "/api/nodes", nil, map[string]string{"X-User-ID": "vip"})
	var vip nodesPayload
	require.NoError(t, json.Unmarshal(raw, &vip))
	assert.Equal(t, 30, vip.Count)
	assert.False(t, vip.Limited)
	assert.Equal(t, "privileged", vip.Tier)

	_, raw = env.do(t, http.MethodGet, "/api/nodes?q=de&country=DE", nil, nil)
	var de nodesPayload
	require.NoError(t, json.Unmarshal(raw, &de))
	assert.Equal(t, 10, de.Count)
	for _, n := range de.Nodes {
		assert.Equal(t, "DE", n.Country)
	}
}

func TestNodesEndpoint_CollaboratorsDown(t *testing.T) {
	env := newEnv(t, envOptions{resolver: downResolver{}})
	resp, raw := env.do(t, http.MethodGet, "/api/nodes", nil, map[string]string{"X-User-ID": "someone"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(raw), `"error"`)
	assert.NotContains(t, string(raw), `"nodes"`)

	env = newEnv(t, envOptions{catalog: downCatalog{}})
	resp, _ = env.do(t, http.MethodGet, "/api/nodes", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestFiltersEndpoint(t *testing.T) {
	env := newEnv(t, envOptions{})
	resp, raw := env.do(t, http.MethodGet, "/api/nodes/filters", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var facets visibility.Facets
	require.NoError(t, json.Unmarshal(raw, &facets))
	assert.Equal(t, []string{"vmess"}, facets.Protocols)
	assert.Equal(t, []string{"DE", "US"}, facets.Countries)
}

func TestStatusAndMetricsEndpoints(t *testing.T) {
	env := newEnv(t, envOptions{})

	resp, raw := env.do(t, http.MethodGet, "/api/status", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `"status":"ok"`)
	assert.Contains(t, string(raw), `"strategy":"http"`)

	env.do(t, http.MethodPost, "/api/probe", `{"nodes":[{"host":"a","port":1}]}`, nil)
	resp, raw = env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "relayscope_probes_total{")
	assert.Contains(t, string(raw), `result="success"`)
}

func TestHealthWebSocket(t *testing.T) {
	env := newEnv(t, envOptions{})

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/ws/health"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var first liveMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "stats", first.Kind)
	require.NotNil(t, first.Stats)
	assert.Equal(t, 30, first.Stats.Total)

	_, err = env.monitor.Check(context.Background(), monitor.Trigger{NodeIDs: []string{"n01.example:443"}})
	require.NoError(t, err)

	var pushed liveMessage
	require.NoError(t, conn.ReadJSON(&pushed))
	assert.Equal(t, "report", pushed.Kind)
	require.NotNil(t, pushed.Report)
	assert.Equal(t, 1, pushed.Report.OnlineCount)
	assert.Equal(t, 1, pushed.Stats.Online)
}

func TestHealthWebSocket_RejectsForeignOrigin(t *testing.T) {
	env := newEnv(t, envOptions{})
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/ws/health"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
