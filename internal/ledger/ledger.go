// Package ledger implements the durable, append-only, cross-process message
// log. One Ledger owns one cluster's sqlite file; modernc.org/sqlite (pure
// Go, no cgo) keeps the runtime a single static binary.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeroshot/fleet/internal/errs"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	cluster_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	topic TEXT NOT NULL,
	sender TEXT NOT NULL,
	receiver TEXT NOT NULL,
	content_text TEXT NOT NULL DEFAULT '',
	content_data BLOB,
	metadata BLOB
);
CREATE INDEX IF NOT EXISTS idx_messages_cluster_ts ON messages(cluster_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_cluster_topic ON messages(cluster_id, topic);
CREATE INDEX IF NOT EXISTS idx_messages_cluster_sender ON messages(cluster_id, sender);
`

// Signal is what subscribers receive: the materialized message that was just
// committed.
type Signal = Message

// SubFunc is a subscriber callback. It must not block for long: fan-out is
// synchronous to preserve ordering, and observers do their own buffering.
type SubFunc func(Message)

// Unsubscribe detaches a previously registered subscriber.
type Unsubscribe func()

// Ledger is a durable, totally ordered, cross-process-observable message log
// for exactly one cluster id's own messages, though the backing store may be
// shared by multiple clusters.
type Ledger struct {
	db        *sql.DB
	path      string
	clusterID string

	mu            sync.Mutex
	closed        bool
	lastTimestamp int64

	subMu     sync.RWMutex
	allSubs   map[int]SubFunc
	topicSubs map[string]map[int]SubFunc
	nextSubID int
}

// Options configures journaling and busy-timeout behavior. Zero values mean
// "use the default".
type Options struct {
	JournalMode       string // default "WAL"
	BusyTimeoutMS     int    // default 5000
	WALAutocheckpoint int    // default 1000 pages
}

func (o Options) withDefaults() Options {
	if o.JournalMode == "" {
		o.JournalMode = "WAL"
	}
	if o.BusyTimeoutMS == 0 {
		o.BusyTimeoutMS = 5000
	}
	if o.WALAutocheckpoint == 0 {
		o.WALAutocheckpoint = 1000
	}
	return o
}

// OptionsFromEnv reads the FLEET_SQLITE_* environment variables.
func OptionsFromEnv() Options {
	var o Options
	o.JournalMode = os.Getenv("FLEET_SQLITE_JOURNAL_MODE")
	if v := os.Getenv("FLEET_SQLITE_BUSY_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.BusyTimeoutMS = n
		}
	}
	if v := os.Getenv("FLEET_SQLITE_WAL_AUTOCHECKPOINT_PAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			o.WALAutocheckpoint = n
		}
	}
	return o.withDefaults()
}

// Open opens (creating if absent) the sqlite file at storageDir/clusterID.db.
func Open(storageDir, clusterID string, opts Options) (*Ledger, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "create storage dir %s", storageDir)
	}
	path := filepath.Join(storageDir, clusterID+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "open ledger %s", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid "database is locked" churn
	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s", opts.JournalMode),
		fmt.Sprintf("PRAGMA busy_timeout=%d", opts.BusyTimeoutMS),
		fmt.Sprintf("PRAGMA wal_autocheckpoint=%d", opts.WALAutocheckpoint),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "pragma %q", p)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "create schema")
	}
	l := &Ledger{
		db:        db,
		path:      path,
		clusterID: clusterID,
		allSubs:   make(map[int]SubFunc),
		topicSubs: make(map[string]map[int]SubFunc),
	}
	row := db.QueryRow(`SELECT COALESCE(MAX(timestamp), 0) FROM messages WHERE cluster_id = ?`, clusterID)
	if err := row.Scan(&l.lastTimestamp); err != nil {
		db.Close()
		return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "load last timestamp")
	}
	return l, nil
}

// Path returns the on-disk sqlite file path, for housekeeping scans.
func (l *Ledger) Path() string { return l.path }

// ClusterID returns the cluster id this ledger was opened for.
func (l *Ledger) ClusterID() string { return l.clusterID }

// Close is terminal: subsequent Append calls return (Message{}, nil) without
// raising, per invariant 4.
func (l *Ledger) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.db.Close()
}

func newID() string { return uuid.NewString() }

// Append allocates an id if absent, assigns a strictly increasing timestamp,
// persists, and fires subscription signals after commit. Returns the zero
// Message if the ledger is closed; closing races teardown and publishers
// accept that loss.
func (l *Ledger) Append(msg Message) (Message, error) {
	out, err := l.BatchAppend([]Message{msg})
	if err != nil {
		return Message{}, err
	}
	if len(out) == 0 {
		return Message{}, nil
	}
	return out[0], nil
}

// BatchAppend commits the whole batch atomically in a single transaction
// with contiguous ascending timestamps, or none of it. Fan-out fires for
// every message, in order, only after the commit succeeds.
func (l *Ledger) BatchAppend(msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, nil
	}
	base := max64(time.Now().UnixNano(), l.lastTimestamp+1)
	materialized := make([]Message, len(msgs))
	for i, m := range msgs {
		m.ClusterID = l.clusterID
		if m.ID == "" {
			m.ID = newID()
		}
		ts := base + int64(i)
		if m.Timestamp > ts {
			ts = m.Timestamp // caller-supplied timestamp honored only if strictly greater
		}
		m.Timestamp = ts
		materialized[i] = m
	}
	l.lastTimestamp = materialized[len(materialized)-1].Timestamp
	l.mu.Unlock()

	tx, err := l.db.Begin()
	if err != nil {
		return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "begin batch append")
	}
	stmt, err := tx.Prepare(`INSERT INTO messages
		(id, cluster_id, timestamp, topic, sender, receiver, content_text, content_data, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "prepare batch append")
	}
	for _, m := range materialized {
		if _, err := stmt.Exec(m.ID, m.ClusterID, m.Timestamp, m.Topic, m.Sender, m.Receiver,
			m.Content.Text, []byte(m.Content.Data), []byte(m.Metadata)); err != nil {
			stmt.Close()
			tx.Rollback()
			return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "insert message %s", m.ID)
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "commit batch append")
	}

	for _, m := range materialized {
		l.fanOut(m)
	}
	return materialized, nil
}

// fanOut invokes subscribers outside the lock: a subscriber may itself
// publish (re-entering fanOut) or subscribe/unsubscribe, and holding the
// read lock across the callback would deadlock against a pending writer.
func (l *Ledger) fanOut(m Message) {
	l.subMu.RLock()
	subs := make([]SubFunc, 0, len(l.allSubs)+len(l.topicSubs[m.Topic]))
	for _, fn := range l.allSubs {
		subs = append(subs, fn)
	}
	for _, fn := range l.topicSubs[m.Topic] {
		subs = append(subs, fn)
	}
	l.subMu.RUnlock()
	for _, fn := range subs {
		fn(m)
	}
}

// Subscribe attaches to every message appended to this ledger.
func (l *Ledger) Subscribe(fn SubFunc) Unsubscribe {
	l.subMu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.allSubs[id] = fn
	l.subMu.Unlock()
	return func() {
		l.subMu.Lock()
		delete(l.allSubs, id)
		l.subMu.Unlock()
	}
}

// SubscribeTopic attaches to only messages of the given topic.
func (l *Ledger) SubscribeTopic(topic string, fn SubFunc) Unsubscribe {
	l.subMu.Lock()
	id := l.nextSubID
	l.nextSubID++
	if l.topicSubs[topic] == nil {
		l.topicSubs[topic] = make(map[int]SubFunc)
	}
	l.topicSubs[topic][id] = fn
	l.subMu.Unlock()
	return func() {
		l.subMu.Lock()
		delete(l.topicSubs[topic], id)
		l.subMu.Unlock()
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Query filters messages. Criteria.ClusterID is mandatory.
func (l *Ledger) Query(ctx context.Context, c Criteria) ([]Message, error) {
	if c.ClusterID == "" {
		return nil, errors.New("ledger: Query requires ClusterID")
	}
	q := `SELECT id, cluster_id, timestamp, topic, sender, receiver, content_text, content_data, metadata
		FROM messages WHERE cluster_id = ?`
	args := []any{c.ClusterID}
	if c.Topic != "" {
		q += " AND topic = ?"
		args = append(args, c.Topic)
	}
	if c.Sender != "" {
		q += " AND sender = ?"
		args = append(args, c.Sender)
	}
	if c.Receiver != "" {
		q += " AND receiver = ?"
		args = append(args, c.Receiver)
	}
	if c.Since != 0 {
		q += " AND timestamp >= ?"
		args = append(args, c.Since)
	}
	if c.Until != 0 {
		q += " AND timestamp < ?"
		args = append(args, c.Until)
	}
	if c.order() == Desc {
		q += " ORDER BY timestamp DESC"
	} else {
		q += " ORDER BY timestamp ASC"
	}
	if c.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, c.Limit)
		if c.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, c.Offset)
		}
	} else if c.Offset > 0 {
		q += " LIMIT -1 OFFSET ?"
		args = append(args, c.Offset)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "query")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var contentData, metadata []byte
		if err := rows.Scan(&m.ID, &m.ClusterID, &m.Timestamp, &m.Topic, &m.Sender, &m.Receiver,
			&m.Content.Text, &contentData, &metadata); err != nil {
			return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "scan row")
		}
		if len(contentData) > 0 {
			m.Content.Data = contentData
		}
		if len(metadata) > 0 {
			m.Metadata = metadata
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// FindLast is Query with order=desc, limit=1.
func (l *Ledger) FindLast(ctx context.Context, c Criteria) (Message, bool, error) {
	c.Order = Desc
	c.Limit = 1
	rows, err := l.Query(ctx, c)
	if err != nil {
		return Message{}, false, err
	}
	if len(rows) == 0 {
		return Message{}, false, nil
	}
	return rows[0], true, nil
}

// Count returns the number of messages matching c (Limit/Offset ignored).
func (l *Ledger) Count(ctx context.Context, c Criteria) (int, error) {
	c.Limit = 0
	c.Offset = 0
	rows, err := l.Query(ctx, c)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// GetAll returns every message for clusterID in ascending order.
func (l *Ledger) GetAll(ctx context.Context, clusterID string) ([]Message, error) {
	return l.Query(ctx, Criteria{ClusterID: clusterID})
}

// Since returns every message for clusterID at or after timestamp.
func (l *Ledger) Since(ctx context.Context, clusterID string, timestamp int64) ([]Message, error) {
	return l.Query(ctx, Criteria{ClusterID: clusterID, Since: timestamp})
}

// GetTokensByRole aggregates TOKEN_USAGE messages by content.data.role,
// plus a RoleTotal aggregate bucket.
func (l *Ledger) GetTokensByRole(ctx context.Context, clusterID string) (map[string]TokenUsageByRole, error) {
	msgs, err := l.Query(ctx, Criteria{ClusterID: clusterID, Topic: TopicTokenUsage})
	if err != nil {
		return nil, err
	}
	out := make(map[string]TokenUsageByRole)
	total := TokenUsageByRole{Role: RoleTotal}
	for _, m := range msgs {
		var p TokenUsagePayload
		if err := m.DecodeData(&p); err != nil {
			slog.Warn("ledger: skipping unparseable TOKEN_USAGE payload", "id", m.ID, "err", err)
			continue
		}
		row := out[p.Role]
		row.Role = p.Role
		row.InputTokens += p.InputTokens
		row.OutputTokens += p.OutputTokens
		row.CacheReadInputTokens += p.CacheReadInputTokens
		row.CacheCreationInputTokens += p.CacheCreationInputTokens
		row.TotalCostUSD += p.TotalCostUSD
		out[p.Role] = row

		total.InputTokens += p.InputTokens
		total.OutputTokens += p.OutputTokens
		total.CacheReadInputTokens += p.CacheReadInputTokens
		total.CacheCreationInputTokens += p.CacheCreationInputTokens
		total.TotalCostUSD += p.TotalCostUSD
	}
	out[RoleTotal] = total
	return out, nil
}
