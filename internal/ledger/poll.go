package ledger

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// pollSlack tolerates clock skew between the writer that stamped a message's
// timestamp and the reader's wall clock. The id set is the real dedup key;
// the slack only widens what gets re-queried so nothing is missed, never
// what gets delivered twice.
const pollSlack = time.Second

// maxSeenIDs bounds the deduplication set; once exceeded it is pruned to
// half its size.
const maxSeenIDs = 10000

// PollFunc is invoked once per newly observed message, in ascending
// timestamp order within a single tick.
type PollFunc func(Message)

// PollForMessages is the cross-process observer over one cluster's ledger.
// It runs until ctx is canceled. For the store-wide variant that merges
// every cluster's stream (one Ledger here is scoped to a single cluster
// file), use PollAllClusters.
func (l *Ledger) PollForMessages(ctx context.Context, fn PollFunc, interval time.Duration, initialCount int) {
	seen := make(map[string]struct{})
	var lastSeenTS int64
	first := true

	tick := func() {
		var crit Criteria
		if first {
			crit = Criteria{ClusterID: l.clusterID, Order: Desc, Limit: initialCount}
		} else {
			crit = Criteria{ClusterID: l.clusterID, Since: lastSeenTS - int64(pollSlack), Order: Asc}
		}
		msgs, err := l.Query(ctx, crit)
		if err != nil {
			slog.Warn("ledger: poll tick failed, will retry", "cluster", l.clusterID, "err", err)
			return
		}
		if first {
			// initial read is most-recent-first; replay it in chronological order
			for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
				msgs[i], msgs[j] = msgs[j], msgs[i]
			}
			first = false
		}
		for _, m := range msgs {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			if m.Timestamp > lastSeenTS {
				lastSeenTS = m.Timestamp
			}
			fn(m)
		}
		if len(seen) > maxSeenIDs {
			pruneSeen(seen, maxSeenIDs/2)
		}
	}

	tick()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick()
		}
	}
}

// PollAllClusters is the store-wide observer: it discovers every cluster
// ledger file under storageDir, including ones created after the call, and
// runs a polling observer over each, merging everything into fn. Delivery
// is exactly-once per message id and ordered within each cluster; there is
// no total order across clusters. Runs until ctx is canceled.
func PollAllClusters(ctx context.Context, storageDir string, opts Options, fn PollFunc, interval time.Duration, initialCount int) {
	var mu sync.Mutex
	deliver := func(m Message) {
		mu.Lock()
		fn(m)
		mu.Unlock()
	}

	active := make(map[string]bool)
	var wg sync.WaitGroup
	defer wg.Wait()

	scan := func() {
		paths, err := filepath.Glob(filepath.Join(storageDir, "*.db"))
		if err != nil {
			slog.Warn("ledger: store scan failed, will retry", "dir", storageDir, "err", err)
			return
		}
		for _, path := range paths {
			clusterID := strings.TrimSuffix(filepath.Base(path), ".db")
			if active[clusterID] {
				continue
			}
			l, err := Open(storageDir, clusterID, opts)
			if err != nil {
				slog.Warn("ledger: cannot open cluster ledger for store-wide poll", "cluster", clusterID, "err", err)
				continue
			}
			active[clusterID] = true
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer l.Close()
				l.PollForMessages(ctx, deliver, interval, initialCount)
			}()
		}
	}

	scan()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			scan()
		}
	}
}

// pruneSeen keeps the set bounded without tracking insertion order exactly;
// map iteration order is already randomized, which is an acceptable
// approximation of "drop the older half" for a dedup cache whose only job
// is bounding memory.
func pruneSeen(seen map[string]struct{}, keep int) {
	i := 0
	for k := range seen {
		if i >= keep {
			delete(seen, k)
		}
		i++
	}
}
