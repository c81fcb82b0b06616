// Package registry persists the shared cluster registry: one registry.json
// plus one advisory lock file, written under a filesystem lock with stale
// takeover, merged with the caller's in-memory view using the ownership
// rule. Multiple orchestrator processes on one host share it safely.
package registry

import (
	"time"

	"github.com/zeroshot/fleet/internal/config"
)

// State is the cluster lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateKilled       State = "killed"
	StateFailed       State = "failed"
	StateCorrupted    State = "corrupted"
	// StateZombie is computed on read, never persisted: the record says
	// running but the recorded pid is not alive.
	StateZombie State = "zombie"
)

// FailureInfo records the last known agent failure, used by Resume to decide
// which agent to restart with an error-context prompt.
type FailureInfo struct {
	AgentID string `json:"agentId"`
	Error   string `json:"error"`
	TaskID  string `json:"taskId,omitempty"`
}

// WorktreeInfo is the worktree-mode isolation record.
type WorktreeInfo struct {
	Path     string `json:"path"`
	Branch   string `json:"branch"`
	RepoRoot string `json:"repoRoot"`
}

// ContainerInfo is the container-mode isolation record.
type ContainerInfo struct {
	ContainerID string `json:"containerId"`
	Image       string `json:"image"`
	WorkDir     string `json:"workDir"`
}

// Record is one cluster's persisted state.
type Record struct {
	ID            string                `json:"id"`
	State         State                 `json:"state"`
	CreatedAt     time.Time             `json:"createdAt"`
	PID           int                   `json:"pid,omitempty"` // owning process; cleared on stop/kill
	FailureInfo   *FailureInfo          `json:"failureInfo,omitempty"`
	AutoPR        bool                  `json:"autoPr,omitempty"`
	ModelOverride string                `json:"modelOverride,omitempty"`
	IssueProvider string                `json:"issueProvider,omitempty"`
	GitPlatform   string                `json:"gitPlatform,omitempty"`
	// SkipIssueRef is set when the git remote host differs from the issue
	// tracker host so downstream agents omit the "Closes #N" reference.
	SkipIssueRef bool                  `json:"skipIssueRef,omitempty"`
	Worktree     *WorktreeInfo         `json:"worktree,omitempty"`
	Isolation    *ContainerInfo        `json:"isolation,omitempty"`
	Config       *config.ClusterConfig `json:"config,omitempty"`
}

// EffectiveState maps a persisted running state whose pid is gone to zombie.
// Any other state reports as persisted.
func (r *Record) EffectiveState() State {
	if r.State == StateRunning && (r.PID == 0 || !PidAlive(r.PID)) {
		return StateZombie
	}
	return r.State
}

// OwnedBy reports whether the process with the given pid owns this record:
// only the owner, or an explicit stop/kill, may write the record back.
func (r *Record) OwnedBy(pid int) bool {
	return r.PID == pid
}
