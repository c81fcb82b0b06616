// Package bus implements the in-process message bus: a thin layer over one
// cluster's Ledger that stamps the publisher's cluster id and re-exposes the
// ledger's subscribe/query primitives to any number of in-process
// subscribers.
package bus

import (
	"context"

	"github.com/zeroshot/fleet/internal/ledger"
)

// Bus is the in-process pub/sub façade over exactly one cluster's Ledger.
type Bus struct {
	clusterID string
	led       *ledger.Ledger
}

// New wraps led for clusterID. Publishing through Bus is equivalent to
// appending to led directly; Bus exists for the stamped-cluster-id
// convenience and aggregate accessors, not for any independent state.
func New(clusterID string, led *ledger.Ledger) *Bus {
	return &Bus{clusterID: clusterID, led: led}
}

// Ledger returns the underlying ledger, for callers (the orchestrator,
// housekeeping) that need direct access.
func (b *Bus) Ledger() *ledger.Ledger { return b.led }

// ClusterID returns the cluster id this bus publishes into.
func (b *Bus) ClusterID() string { return b.clusterID }

// Publish stamps clusterID and appends msg.
func (b *Bus) Publish(msg ledger.Message) (ledger.Message, error) {
	msg.ClusterID = b.clusterID
	return b.led.Append(msg)
}

// PublishBatch stamps clusterID on every message and appends them all
// atomically; see ledger.BatchAppend.
func (b *Bus) PublishBatch(msgs []ledger.Message) ([]ledger.Message, error) {
	for i := range msgs {
		msgs[i].ClusterID = b.clusterID
	}
	return b.led.BatchAppend(msgs)
}

// Subscribe attaches to every message on this bus's ledger.
func (b *Bus) Subscribe(fn ledger.SubFunc) ledger.Unsubscribe { return b.led.Subscribe(fn) }

// SubscribeTopic attaches to only messages of the given topic.
func (b *Bus) SubscribeTopic(topic string, fn ledger.SubFunc) ledger.Unsubscribe {
	return b.led.SubscribeTopic(topic, fn)
}

// Query, GetAll, FindLast and GetTokensByRole proxy the ledger's own
// read-path methods scoped to this bus's cluster id.

func (b *Bus) Query(ctx context.Context, c ledger.Criteria) ([]ledger.Message, error) {
	c.ClusterID = b.clusterID
	return b.led.Query(ctx, c)
}

func (b *Bus) GetAll(ctx context.Context) ([]ledger.Message, error) {
	return b.led.GetAll(ctx, b.clusterID)
}

func (b *Bus) FindLast(ctx context.Context, c ledger.Criteria) (ledger.Message, bool, error) {
	c.ClusterID = b.clusterID
	return b.led.FindLast(ctx, c)
}

func (b *Bus) GetTokensByRole(ctx context.Context) (map[string]ledger.TokenUsageByRole, error) {
	return b.led.GetTokensByRole(ctx, b.clusterID)
}
