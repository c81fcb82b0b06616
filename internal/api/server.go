// Package api serves the observability and control surface of the fleet
// runtime: cluster listing, ledger tailing over SSE, token usage
// aggregates, and stop/kill/resume/operations endpoints. It is the wire
// contract an external CLI or TUI speaks; neither of those lives in this
// module.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	v1 "github.com/zeroshot/fleet/internal/api/dto/v1"
	"github.com/zeroshot/fleet/internal/ledger"
	"github.com/zeroshot/fleet/internal/orchestrator"
	"github.com/zeroshot/fleet/internal/registry"
)

// eventsPollInterval is how often the SSE ledger tail polls for messages
// appended by other processes.
const eventsPollInterval = 500 * time.Millisecond

// eventsInitialCount is how many historical messages an SSE tail replays on
// connect.
const eventsInitialCount = 100

// Server exposes one orchestrator over HTTP.
type Server struct {
	Orc        *orchestrator.Orchestrator
	StorageDir string
	LedgerOpts ledger.Options

	store *registry.Store
}

// New creates a server over orc.
func New(orc *orchestrator.Orchestrator, storageDir string, opts ledger.Options) *Server {
	return &Server{
		Orc:        orc,
		StorageDir: storageDir,
		LedgerOpts: opts,
		store:      &registry.Store{Dir: storageDir},
	}
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/clusters", handle(s.listClusters))
	mux.HandleFunc("GET /api/v1/clusters/{id}", handle(s.getCluster))
	mux.HandleFunc("GET /api/v1/clusters/{id}/events", s.handleClusterEvents)
	mux.HandleFunc("GET /api/v1/clusters/{id}/usage", handle(s.getUsage))
	mux.HandleFunc("POST /api/v1/clusters/{id}/stop", handle(s.stopCluster))
	mux.HandleFunc("POST /api/v1/clusters/{id}/kill", handle(s.killCluster))
	mux.HandleFunc("POST /api/v1/clusters/{id}/resume", handle(s.resumeCluster))
	mux.HandleFunc("POST /api/v1/clusters/{id}/operations", handle(s.publishOperations))
	mux.HandleFunc("GET /api/v1/clusters/events", s.handleRegistryEvents)
	mux.HandleFunc("GET /api/v1/events", s.handleAllEvents)

	srv := &http.Server{
		Addr:              addr,
		Handler:           compressMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	slog.Info("api: listening", "addr", addr)
	return srv.ListenAndServe()
}

func (s *Server) listClusters(_ context.Context, _ *emptyReq) (*[]v1.ClusterSummary, error) {
	recs, err := s.Orc.ListClusters()
	if err != nil {
		return nil, err
	}
	out := make([]v1.ClusterSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, summarize(rec))
	}
	return &out, nil
}

func (s *Server) getCluster(_ context.Context, in *v1.ClusterIDReq) (*v1.ClusterSummary, error) {
	recs, err := s.Orc.ListClusters()
	if err != nil {
		return nil, err
	}
	rec, ok := recs[in.ClusterID]
	if !ok {
		return nil, notFound("cluster " + in.ClusterID)
	}
	sum := summarize(rec)
	return &sum, nil
}

func (s *Server) getUsage(ctx context.Context, in *v1.ClusterIDReq) (*v1.UsageResp, error) {
	led, err := ledger.Open(s.StorageDir, in.ClusterID, s.LedgerOpts)
	if err != nil {
		return nil, err
	}
	defer led.Close()
	rows, err := led.GetTokensByRole(ctx, in.ClusterID)
	if err != nil {
		return nil, err
	}
	out := &v1.UsageResp{Roles: make(map[string]v1.UsageRow, len(rows))}
	for role, r := range rows {
		out.Roles[role] = v1.UsageRow{
			Role: r.Role, InputTokens: r.InputTokens, OutputTokens: r.OutputTokens,
			CacheReadInputTokens: r.CacheReadInputTokens, CacheCreationInputTokens: r.CacheCreationInputTokens,
			TotalCostUSD: r.TotalCostUSD,
		}
	}
	return out, nil
}

func (s *Server) stopCluster(ctx context.Context, in *v1.ClusterIDReq) (*v1.StatusResp, error) {
	if err := s.Orc.Stop(ctx, in.ClusterID); err != nil {
		return nil, err
	}
	return &v1.StatusResp{Status: "stopping"}, nil
}

func (s *Server) killCluster(ctx context.Context, in *v1.ClusterIDReq) (*v1.StatusResp, error) {
	if err := s.Orc.Kill(ctx, in.ClusterID); err != nil {
		return nil, err
	}
	return &v1.StatusResp{Status: "killed"}, nil
}

func (s *Server) resumeCluster(ctx context.Context, in *v1.ClusterIDReq) (*v1.StatusResp, error) {
	if err := s.Orc.Resume(ctx, in.ClusterID); err != nil {
		return nil, err
	}
	return &v1.StatusResp{Status: "resumed"}, nil
}

// publishOperations appends a CLUSTER_OPERATIONS message on the owned
// cluster's bus; the orchestrator's subscription validates and applies it,
// and the outcome lands in the same ledger the events stream tails.
func (s *Server) publishOperations(_ context.Context, in *v1.OperationsReq) (*v1.StatusResp, error) {
	c, ok := s.Orc.OwnedCluster(in.ClusterID)
	if !ok {
		return nil, conflict("cluster " + in.ClusterID + " is not running in this process")
	}
	_, err := c.Bus.Publish(ledger.Message{
		Topic: ledger.TopicClusterOperations, Sender: ledger.SenderSystem, Receiver: ledger.Broadcast,
		Content: ledger.Content{Data: ledger.MustData(map[string]any{"operations": json.RawMessage(in.Operations)})},
	})
	if err != nil {
		return nil, err
	}
	return &v1.StatusResp{Status: "published"}, nil
}

// handleClusterEvents tails the cluster's ledger as SSE, using the
// cross-process polling observer so it works against clusters owned by any
// process on this host.
func (s *Server) handleClusterEvents(w http.ResponseWriter, r *http.Request) {
	clusterID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, badRequest("streaming not supported"))
		return
	}
	led, err := ledger.Open(s.StorageDir, clusterID, s.LedgerOpts)
	if err != nil {
		writeError(w, fromRuntime(err))
		return
	}
	defer led.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	idx := 0
	led.PollForMessages(r.Context(), func(m ledger.Message) {
		ev := v1.EventMessage{
			ID: m.ID, Timestamp: m.Timestamp, Topic: m.Topic, Sender: m.Sender,
			Receiver: m.Receiver, Text: m.Content.Text, Data: m.Content.Data, Metadata: m.Metadata,
		}
		data, merr := json.Marshal(ev)
		if merr != nil {
			slog.Warn("api: marshal SSE event", "err", merr)
			return
		}
		_, _ = fmt.Fprintf(w, "event: message\ndata: %s\nid: %d\n\n", data, idx)
		flusher.Flush()
		idx++
	}, eventsPollInterval, eventsInitialCount)
}

// handleAllEvents tails every cluster ledger in the store as one merged SSE
// stream, via the store-wide polling observer. New clusters appearing while
// the stream is open are picked up automatically.
func (s *Server) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, badRequest("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	idx := 0
	ledger.PollAllClusters(r.Context(), s.StorageDir, s.LedgerOpts, func(m ledger.Message) {
		ev := v1.EventMessage{
			ID: m.ID, Timestamp: m.Timestamp, Topic: m.Topic, Sender: m.Sender,
			Receiver: m.Receiver, Text: m.Content.Text, Data: m.Content.Data, Metadata: m.Metadata,
		}
		data, merr := json.Marshal(ev)
		if merr != nil {
			slog.Warn("api: marshal SSE event", "err", merr)
			return
		}
		_, _ = fmt.Fprintf(w, "event: message\ndata: %s\nid: %d\n\n", data, idx)
		flusher.Flush()
		idx++
	}, eventsPollInterval, eventsInitialCount)
}

// handleRegistryEvents streams the cluster list as SSE, re-emitting whenever
// another process rewrites the registry (observed via the fsnotify watcher).
func (s *Server) handleRegistryEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, badRequest("streaming not supported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	changed := make(chan struct{}, 1)
	notify := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	if err := s.store.Watch(r.Context(), notify); err != nil {
		slog.Warn("api: registry watch unavailable, stream sends initial state only", "err", err)
	}
	notify()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-changed:
			recs, err := s.Orc.ListClusters()
			if err != nil {
				slog.Warn("api: cluster list refresh failed", "err", err)
				continue
			}
			out := make([]v1.ClusterSummary, 0, len(recs))
			for _, rec := range recs {
				out = append(out, summarize(rec))
			}
			data, merr := json.Marshal(out)
			if merr != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: clusters\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func summarize(rec *registry.Record) v1.ClusterSummary {
	sum := v1.ClusterSummary{
		ID:            rec.ID,
		State:         string(rec.EffectiveState()),
		CreatedAt:     rec.CreatedAt,
		PID:           rec.PID,
		AutoPR:        rec.AutoPR,
		ModelOverride: rec.ModelOverride,
		IssueProvider: rec.IssueProvider,
		GitPlatform:   rec.GitPlatform,
		SkipIssueRef:  rec.SkipIssueRef,
	}
	if rec.FailureInfo != nil {
		sum.FailureAgent = rec.FailureInfo.AgentID
		sum.FailureError = rec.FailureInfo.Error
	}
	if rec.Worktree != nil {
		sum.WorktreePath = rec.Worktree.Path
	}
	if rec.Isolation != nil {
		sum.ContainerID = rec.Isolation.ContainerID
	}
	if rec.Config != nil {
		sum.AgentCount = len(rec.Config.Agents)
	}
	return sum
}
