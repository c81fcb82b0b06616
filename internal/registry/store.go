package registry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zeroshot/fleet/internal/errs"
)

// Store reads and writes the shared registry.json under an advisory file
// lock. One Store per process; the orchestrator passes its own pid so the
// ownership merge rule can be applied on write.
type Store struct {
	Dir string // storage dir holding registry.json, its lock, and the per-cluster .db files
	PID int    // this process's pid, used for the ownership rule

	// CountMessages, when set, returns the number of messages in a cluster's
	// ledger so Load can mark zero-message clusters corrupted. Injected by
	// the orchestrator to keep this package free of the sqlite dependency.
	CountMessages func(clusterID string) (int, error)
}

func (s *Store) path() string     { return filepath.Join(s.Dir, "registry.json") }
func (s *Store) lockPath() string { return s.path() + ".lock" }

// ledgerExists reports whether clusterID's ledger file is present on disk.
func (s *Store) ledgerExists(clusterID string) bool {
	_, err := os.Stat(filepath.Join(s.Dir, clusterID+".db"))
	return err == nil
}

// Load reads the registry, merges it with owned (the caller's in-memory
// view), prunes clusters whose ledger file is missing, and marks clusters
// with zero messages corrupted. Records in owned win over what is on disk
// for clusters this process owns. The read path takes the same advisory
// lock as the write path (with the same stale takeover), so a reader never
// races a writer mid-update.
func (s *Store) Load(owned map[string]*Record) (map[string]*Record, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return nil, errs.Wrapf(errs.ErrLockContention, err, "create registry dir")
	}
	if err := acquireLock(s.lockPath(), s.PID); err != nil {
		return nil, err
	}
	disk, err := s.readFile()
	releaseLock(s.lockPath())
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Record, len(disk)+len(owned))
	for id, r := range disk {
		out[id] = r
	}
	for id, r := range owned {
		out[id] = r
	}
	for id, r := range out {
		if !s.ledgerExists(id) {
			slog.Warn("registry: pruning cluster with missing ledger", "cluster", id)
			delete(out, id)
			continue
		}
		if s.CountMessages != nil && r.State != StateInitializing && r.State != StateRunning {
			if n, cerr := s.CountMessages(id); cerr == nil && n == 0 {
				// Copy before marking so a caller's live in-memory record is
				// never mutated by a read path.
				cp := *r
				cp.State = StateCorrupted
				out[id] = &cp
			}
		}
	}
	return out, nil
}

// Save persists owned into the shared file under the lock: read current,
// overwrite records this process owns (or that are being explicitly
// stopped/killed, which is what passing them in owned means), delete killed
// entries, write atomically, release.
func (s *Store) Save(owned map[string]*Record) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return errs.Wrapf(errs.ErrLockContention, err, "create registry dir")
	}
	if err := acquireLock(s.lockPath(), s.PID); err != nil {
		return err
	}
	defer releaseLock(s.lockPath())

	disk, err := s.readFile()
	if err != nil {
		return err
	}
	for id, r := range owned {
		if r.State == StateKilled {
			delete(disk, id)
			continue
		}
		disk[id] = r
	}
	return s.writeFile(disk)
}

// Delete removes one cluster record under the lock, used by kill.
func (s *Store) Delete(clusterID string) error {
	if err := acquireLock(s.lockPath(), s.PID); err != nil {
		return err
	}
	defer releaseLock(s.lockPath())
	disk, err := s.readFile()
	if err != nil {
		return err
	}
	delete(disk, clusterID)
	return s.writeFile(disk)
}

func (s *Store) readFile() (map[string]*Record, error) {
	b, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Record{}, nil
		}
		return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "read registry")
	}
	var out map[string]*Record
	if err := json.Unmarshal(b, &out); err != nil {
		// A half-written or corrupted registry is surfaced, not silently
		// reset: losing every cluster record is worse than failing the call.
		return nil, errs.Wrapf(errs.ErrLedgerUnavail, err, "parse registry")
	}
	if out == nil {
		out = map[string]*Record{}
	}
	return out, nil
}

// writeFile writes atomically via temp file + rename so readers never see a
// torn write.
func (s *Store) writeFile(recs map[string]*Record) error {
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return errs.Wrapf(errs.ErrLedgerUnavail, err, "marshal registry")
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errs.Wrapf(errs.ErrLedgerUnavail, err, "write registry temp")
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return errs.Wrapf(errs.ErrLedgerUnavail, err, "rename registry")
	}
	return nil
}
