package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touchLedger creates the .db file a record needs to survive pruning.
func touchLedger(t *testing.T, dir, clusterID string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, clusterID+".db"), []byte("x"), 0o600))
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := &Store{Dir: dir, PID: os.Getpid()}
	touchLedger(t, dir, "cluster-a")

	rec := &Record{ID: "cluster-a", State: StateRunning, PID: os.Getpid(), CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Save(map[string]*Record{"cluster-a": rec}))

	got, err := s.Load(nil)
	require.NoError(t, err)
	require.Contains(t, got, "cluster-a")
	assert.Equal(t, StateRunning, got["cluster-a"].State)
	assert.Equal(t, os.Getpid(), got["cluster-a"].PID)
}

func TestKilledRecordsArePurged(t *testing.T) {
	dir := t.TempDir()
	s := &Store{Dir: dir, PID: os.Getpid()}
	touchLedger(t, dir, "cluster-k")

	require.NoError(t, s.Save(map[string]*Record{"cluster-k": {ID: "cluster-k", State: StateRunning}}))
	require.NoError(t, s.Save(map[string]*Record{"cluster-k": {ID: "cluster-k", State: StateKilled}}))

	got, err := s.Load(nil)
	require.NoError(t, err)
	assert.NotContains(t, got, "cluster-k")
}

func TestMissingLedgerIsPruned(t *testing.T) {
	dir := t.TempDir()
	s := &Store{Dir: dir, PID: os.Getpid()}
	touchLedger(t, dir, "cluster-keep")

	require.NoError(t, s.Save(map[string]*Record{
		"cluster-keep": {ID: "cluster-keep", State: StateStopped},
		"cluster-gone": {ID: "cluster-gone", State: StateStopped},
	}))
	got, err := s.Load(nil)
	require.NoError(t, err)
	assert.Contains(t, got, "cluster-keep")
	assert.NotContains(t, got, "cluster-gone")
}

func TestZeroMessageClusterMarkedCorrupted(t *testing.T) {
	dir := t.TempDir()
	s := &Store{Dir: dir, PID: os.Getpid()}
	s.CountMessages = func(clusterID string) (int, error) { return 0, nil }
	touchLedger(t, dir, "cluster-empty")

	require.NoError(t, s.Save(map[string]*Record{"cluster-empty": {ID: "cluster-empty", State: StateStopped}}))
	got, err := s.Load(nil)
	require.NoError(t, err)
	require.Contains(t, got, "cluster-empty")
	assert.Equal(t, StateCorrupted, got["cluster-empty"].State)
}

func TestOwnedRecordsWinOverDisk(t *testing.T) {
	dir := t.TempDir()
	s := &Store{Dir: dir, PID: os.Getpid()}
	touchLedger(t, dir, "cluster-o")

	require.NoError(t, s.Save(map[string]*Record{"cluster-o": {ID: "cluster-o", State: StateStopped}}))
	owned := map[string]*Record{"cluster-o": {ID: "cluster-o", State: StateRunning, PID: os.Getpid()}}
	got, err := s.Load(owned)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got["cluster-o"].State)
}

func TestZombieEffectiveState(t *testing.T) {
	alive := &Record{ID: "a", State: StateRunning, PID: os.Getpid()}
	assert.Equal(t, StateRunning, alive.EffectiveState())

	// A pid far beyond any default pid_max never refers to a live process.
	dead := &Record{ID: "d", State: StateRunning, PID: 1 << 30}
	assert.Equal(t, StateZombie, dead.EffectiveState())

	noPid := &Record{ID: "n", State: StateRunning}
	assert.Equal(t, StateZombie, noPid.EffectiveState())

	stopped := &Record{ID: "s", State: StateStopped, PID: 1 << 30}
	assert.Equal(t, StateStopped, stopped.EffectiveState())
}

func TestStaleLockIsTakenOver(t *testing.T) {
	dir := t.TempDir()
	s := &Store{Dir: dir, PID: os.Getpid()}
	touchLedger(t, dir, "cluster-l")

	lock := s.lockPath()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(lock, []byte("99999"), 0o600))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(lock, old, old))

	require.NoError(t, s.Save(map[string]*Record{"cluster-l": {ID: "cluster-l", State: StateStopped}}))
	_, err := os.Stat(lock)
	assert.True(t, os.IsNotExist(err), "lock must be released after save")
}

func TestConcurrentSavesLoseNoCluster(t *testing.T) {
	dir := t.TempDir()
	touchLedger(t, dir, "cluster-one")
	touchLedger(t, dir, "cluster-two")

	s1 := &Store{Dir: dir, PID: 1001}
	s2 := &Store{Dir: dir, PID: 1002}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = s1.Save(map[string]*Record{"cluster-one": {ID: "cluster-one", State: StateRunning, PID: 1001}})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_ = s2.Save(map[string]*Record{"cluster-two": {ID: "cluster-two", State: StateRunning, PID: 1002}})
		}
	}()
	wg.Wait()

	b, err := os.ReadFile(filepath.Join(dir, "registry.json"))
	require.NoError(t, err)
	var recs map[string]*Record
	require.NoError(t, json.Unmarshal(b, &recs))
	assert.Contains(t, recs, "cluster-one")
	assert.Contains(t, recs, "cluster-two")
}

func TestAllocateID(t *testing.T) {
	id := AllocateID(func(string) bool { return false })
	assert.True(t, strings.HasPrefix(id, "cluster-"))
	parts := strings.Split(id, "-")
	require.GreaterOrEqual(t, len(parts), 4)

	// Exhaustive collision forces the hex-suffix fallback.
	fallback := AllocateID(func(string) bool { return true })
	assert.True(t, strings.HasPrefix(fallback, "cluster-"))
	assert.NotEqual(t, id, fallback)
}
