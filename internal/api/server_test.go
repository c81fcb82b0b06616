package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/zeroshot/fleet/internal/api/dto/v1"
	"github.com/zeroshot/fleet/internal/config"
	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/orchestrator"
	"github.com/zeroshot/fleet/internal/provider"
)

type stubAdapter struct{}

func (stubAdapter) Harness() string { return "stub" }
func (stubAdapter) BuildCommand(opts provider.BuildOptions) (provider.Command, error) {
	return provider.Command{Binary: "stub", Args: []string{opts.Prompt}}, nil
}
func (stubAdapter) ParseLine(context.Context, []byte) ([]provider.Event, error) { return nil, nil }

func newTestServer(t *testing.T) (*Server, *orchestrator.Cluster) {
	t.Helper()
	dir := t.TempDir()
	orc := orchestrator.New(dir, ledger.Options{}, func(config.AgentConfig) provider.Adapter { return stubAdapter{} })
	orc.Exec = func(context.Context, provider.Command) ([]provider.Event, error) {
		return []provider.Event{{Type: provider.EventResult, Text: "ok"}}, nil
	}
	c, err := orc.StartCluster(context.Background(), orchestrator.StartOptions{
		Config: &config.ClusterConfig{
			Name: "api-test",
			Agents: []config.AgentConfig{{
				ID: "sentinel", Role: "watcher",
				Triggers: []config.Trigger{{Topic: ledger.TopicPRCreated}},
			}},
		},
		Input: orchestrator.Input{Text: "observe"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = orc.Stop(context.Background(), c.ID) })
	return New(orc, dir, ledger.Options{}), c
}

func TestListClusters(t *testing.T) {
	s, c := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/clusters", http.NoBody)
	w := httptest.NewRecorder()
	handle(s.listClusters)(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out []v1.ClusterSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	require.Len(t, out, 1)
	assert.Equal(t, c.ID, out[0].ID)
	assert.Equal(t, "running", out[0].State)
	assert.Equal(t, 1, out[0].AgentCount)
}

func TestGetClusterNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/clusters/cluster-nope", http.NoBody)
	req.SetPathValue("id", "cluster-nope")
	w := httptest.NewRecorder()
	handle(s.getCluster)(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetClusterMissingID(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/clusters/", http.NoBody)
	w := httptest.NewRecorder()
	handle(s.getCluster)(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetUsage(t *testing.T) {
	s, c := newTestServer(t)
	_, err := c.Bus.Publish(ledger.Message{
		Topic: ledger.TopicTokenUsage, Sender: "sentinel", Receiver: ledger.Broadcast,
		Content: ledger.Content{Data: ledger.MustData(ledger.TokenUsagePayload{
			Role: "watcher", InputTokens: 42, OutputTokens: 7, TotalCostUSD: 0.01,
		})},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/clusters/"+c.ID+"/usage", http.NoBody)
	req.SetPathValue("id", c.ID)
	w := httptest.NewRecorder()
	handle(s.getUsage)(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out v1.UsageResp
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, int64(42), out.Roles["watcher"].InputTokens)
	assert.Equal(t, int64(42), out.Roles["_total"].InputTokens)
}

func TestPublishOperations(t *testing.T) {
	s, c := newTestServer(t)
	body := strings.NewReader(`{"operations":[{"action":"publish","topic":"PR_CREATED","text":"hello"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/clusters/"+c.ID+"/operations", body)
	req.SetPathValue("id", c.ID)
	w := httptest.NewRecorder()
	handle(s.publishOperations)(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		_, ok, err := c.Bus.FindLast(context.Background(), ledger.Criteria{Topic: ledger.TopicClusterOperationsSuccess})
		return err == nil && ok
	}, 5*time.Second, 25*time.Millisecond)
}

func TestPublishOperationsUnownedCluster(t *testing.T) {
	s, _ := newTestServer(t)
	body := strings.NewReader(`{"operations":[{"action":"publish","topic":"X"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/clusters/cluster-else/operations", body)
	req.SetPathValue("id", "cluster-else")
	w := httptest.NewRecorder()
	handle(s.publishOperations)(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStopEndpoint(t *testing.T) {
	s, c := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/clusters/"+c.ID+"/stop", http.NoBody)
	req.SetPathValue("id", c.ID)
	w := httptest.NewRecorder()
	handle(s.stopCluster)(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out v1.StatusResp
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, "stopping", out.Status)
}

func TestCompressMiddlewareGzip(t *testing.T) {
	s, _ := newTestServer(t)
	h := compressMiddleware(handle(s.listClusters))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/clusters", http.NoBody)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
}

func TestParseAcceptEncoding(t *testing.T) {
	got := parseAcceptEncoding("gzip, br;q=0.9, zstd")
	assert.True(t, got["gzip"])
	assert.True(t, got["br"])
	assert.True(t, got["zstd"])
	assert.Equal(t, "zstd", negotiateEncoding(got))
	assert.Equal(t, "", negotiateEncoding(map[string]bool{"identity": true}))
}
