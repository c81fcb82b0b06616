package registry

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

// Word lists for human-friendly cluster-<adjective>-<noun>-<n> ids.
var (
	adjectives = []string{
		"amber", "brisk", "calm", "deft", "eager", "fleet", "glad", "hardy",
		"keen", "lucid", "mellow", "nimble", "proud", "quick", "rapid",
		"solid", "tidy", "vivid", "warm", "zesty",
	}
	nouns = []string{
		"falcon", "otter", "badger", "heron", "lynx", "marten", "osprey",
		"puffin", "raven", "stoat", "tern", "vole", "wren", "ibex", "kite",
	}
)

// AllocateID returns a fresh cluster id that exists() rejects, colliding
// against both the in-memory set and the on-disk ledger paths the caller
// folds into exists. On repeated collision a random hex suffix is appended.
func AllocateID(exists func(id string) bool) string {
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("cluster-%s-%s-%d",
			adjectives[rand.Intn(len(adjectives))],
			nouns[rand.Intn(len(nouns))],
			rand.Intn(100))
		if !exists(id) {
			return id
		}
	}
	// Pathological collision rate; fall back to a hex suffix that cannot
	// realistically collide.
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("cluster-%s-%s-%s",
		adjectives[rand.Intn(len(adjectives))],
		nouns[rand.Intn(len(nouns))],
		suffix)
}

// Suffix returns the portion of a cluster id after the "cluster-" prefix,
// used for branch naming (zeroshot/<cluster-suffix>).
func Suffix(clusterID string) string {
	return strings.TrimPrefix(clusterID, "cluster-")
}
