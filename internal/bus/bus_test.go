package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeroshot/fleet/internal/ledger"
)

func newBus(t *testing.T) *Bus {
	t.Helper()
	led, err := ledger.Open(t.TempDir(), "cluster-bus-test", ledger.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = led.Close() })
	return New("cluster-bus-test", led)
}

func TestPublishStampsClusterID(t *testing.T) {
	b := newBus(t)
	m, err := b.Publish(ledger.Message{
		Topic: ledger.TopicPlanReady, Sender: "p", Receiver: ledger.Broadcast,
		ClusterID: "spoofed-cluster",
	})
	require.NoError(t, err)
	assert.Equal(t, "cluster-bus-test", m.ClusterID, "bus must stamp its own cluster id")
}

func TestPublishBatchStampsEveryMessage(t *testing.T) {
	b := newBus(t)
	out, err := b.PublishBatch([]ledger.Message{
		{Topic: ledger.TopicPlanReady, Sender: "p", Receiver: ledger.Broadcast},
		{Topic: ledger.TopicTokenUsage, Sender: "p", Receiver: ledger.Broadcast},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, m := range out {
		assert.Equal(t, "cluster-bus-test", m.ClusterID)
	}
}

func TestQueryScopedToCluster(t *testing.T) {
	b := newBus(t)
	_, err := b.Publish(ledger.Message{Topic: ledger.TopicPlanReady, Sender: "p", Receiver: ledger.Broadcast})
	require.NoError(t, err)

	msgs, err := b.Query(context.Background(), ledger.Criteria{Topic: ledger.TopicPlanReady})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	all, err := b.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSubscribeDeliversPublished(t *testing.T) {
	b := newBus(t)
	var topics []string
	unsub := b.SubscribeTopic(ledger.TopicPlanReady, func(m ledger.Message) {
		topics = append(topics, m.Topic)
	})
	defer unsub()

	_, err := b.Publish(ledger.Message{Topic: ledger.TopicPlanReady, Sender: "p", Receiver: ledger.Broadcast})
	require.NoError(t, err)
	assert.Equal(t, []string{ledger.TopicPlanReady}, topics)
}
