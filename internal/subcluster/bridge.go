package subcluster

import (
	"github.com/zeroshot/fleet/internal/bus"
	"github.com/zeroshot/fleet/internal/ledger"
)

// Bridge forwards a fixed set of topics between a parent bus and a child
// bus, in each direction independently. Forwarded messages keep their
// original sender; the receiving ledger assigns fresh ids and timestamps, so
// the two logs stay independently ordered. Only explicitly listed topics
// cross, which is what prevents forwarding loops.
type Bridge struct {
	unsubs []ledger.Unsubscribe
}

// NewBridge wires inTopics (parent -> child) and outTopics (child -> parent)
// and starts forwarding immediately.
func NewBridge(parent, child *bus.Bus, inTopics, outTopics []string) *Bridge {
	b := &Bridge{}
	for _, t := range inTopics {
		b.unsubs = append(b.unsubs, parent.SubscribeTopic(t, func(m ledger.Message) {
			_, _ = child.Publish(forwarded(m))
		}))
	}
	for _, t := range outTopics {
		b.unsubs = append(b.unsubs, child.SubscribeTopic(t, func(m ledger.Message) {
			_, _ = parent.Publish(forwarded(m))
		}))
	}
	return b
}

// forwarded strips the identity fields the destination ledger owns.
func forwarded(m ledger.Message) ledger.Message {
	m.ID = ""
	m.Timestamp = 0
	return m
}

// Close detaches every forwarding subscription.
func (b *Bridge) Close() {
	for _, u := range b.unsubs {
		u()
	}
	b.unsubs = nil
}
