package isolation

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeroshot/fleet/internal/errs"
	"github.com/zeroshot/fleet/internal/gitutil"
	"github.com/zeroshot/fleet/internal/provider"
	"github.com/zeroshot/fleet/internal/registry"
)

// DefaultExecTimeout bounds execInContainer calls when the caller passes no
// explicit timeout. A zero timeout is forbidden for container execs.
const DefaultExecTimeout = 30 * time.Second

// containerWorkDir is where the isolated workspace is mounted inside the
// container.
const containerWorkDir = "/workspace"

// ContainerManager is the heavyweight isolation mode: an isolated workspace
// copy mounted into a long-running container driven through a configurable
// OCI runtime binary.
type ContainerManager struct {
	Runtime    string // container CLI binary; defaults to "docker"
	Image      string
	SocketPath string // host container socket mounted for nested container use; defaults to /var/run/docker.sock

	// CredentialDirs are host directories (e.g. ~/.config/gh) whose essential
	// files are copied into the cluster's private config mount.
	CredentialDirs []string
	// EnvPassthrough lists env var names forwarded into the container.
	EnvPassthrough []string
	// OpTimeout bounds each runtime CLI invocation during create/stop/kill.
	OpTimeout time.Duration
}

func (m *ContainerManager) runtime() string {
	if m.Runtime == "" {
		return "docker"
	}
	return m.Runtime
}

func (m *ContainerManager) socket() string {
	if m.SocketPath == "" {
		return "/var/run/docker.sock"
	}
	return m.SocketPath
}

func (m *ContainerManager) opTimeout() time.Duration {
	if m.OpTimeout == 0 {
		return 5 * time.Minute
	}
	return m.OpTimeout
}

func (m *ContainerManager) Mode() string { return "container" }

// run executes the runtime CLI with captured stderr.
func (m *ContainerManager) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opTimeout())
	defer cancel()
	cmd := exec.CommandContext(ctx, m.runtime(), args...) //nolint:gosec // args are constructed from internal state, not user input.
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", m.runtime(), strings.Join(args, " "), err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Create copies the source tree into an isolated workspace, re-initializes
// it as a fresh repository, prepares the private config mount, and starts a
// hold-open container with the workspace, socket and config mounts.
func (m *ContainerManager) Create(ctx context.Context, clusterID, sourceDir string) (*Handle, error) {
	if m.Image == "" {
		return nil, errs.Wrap(errs.ErrIsolation, "container mode requires an image")
	}
	if _, err := exec.LookPath(m.runtime()); err != nil {
		return nil, errs.Wrapf(errs.ErrIsolation, err, "container runtime %q not available", m.runtime())
	}

	workspace := filepath.Join(IsolatedDir(), clusterID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, errs.Wrapf(errs.ErrIsolation, err, "create isolated workspace")
	}

	if gitutil.IsRepo(ctx, sourceDir) {
		if err := CopyTree(sourceDir, workspace); err != nil {
			return nil, errs.Wrapf(errs.ErrIsolation, err, "copy workspace for %s", clusterID)
		}
		remote := authenticatedRemote(gitutil.RemoteURL(ctx, sourceDir))
		branch := "zeroshot/" + registry.Suffix(clusterID)
		if err := gitutil.InitRepo(ctx, workspace, remote, branch); err != nil {
			return nil, errs.Wrapf(errs.ErrIsolation, err, "init isolated repo for %s", clusterID)
		}
	} else if err := CopyTree(sourceDir, workspace); err != nil {
		return nil, errs.Wrapf(errs.ErrIsolation, err, "copy workspace for %s", clusterID)
	}

	configDir, err := m.prepareConfigDir(clusterID)
	if err != nil {
		return nil, err
	}

	containerID, err := m.startContainer(ctx, clusterID, workspace, configDir)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		ClusterID: clusterID,
		WorkDir:   workspace,
		Container: &registry.ContainerInfo{ContainerID: containerID, Image: m.Image, WorkDir: containerWorkDir},
	}
	if err := m.preinstallDeps(ctx, h); err != nil {
		slog.Warn("isolation: dependency preinstall failed, continuing", "cluster", clusterID, "err", err)
	}
	return h, nil
}

func (m *ContainerManager) startContainer(ctx context.Context, clusterID, workspace, configDir string) (string, error) {
	args := []string{
		"run", "-d",
		"--name", Vendor + "-" + clusterID,
		"--label", Vendor + ".cluster=" + clusterID,
		"-v", workspace + ":" + containerWorkDir,
		"-v", m.socket() + ":" + m.socket(),
		"-v", configDir + ":/root/." + Vendor,
		"-w", containerWorkDir,
	}
	if gid := containerGroupID(m.socket()); gid != "" {
		args = append(args, "--group-add", gid)
	}
	for _, name := range m.EnvPassthrough {
		if v, ok := os.LookupEnv(name); ok {
			args = append(args, "-e", name+"="+v)
		}
	}
	// Hold-open command: the container idles until agents exec into it.
	args = append(args, m.Image, "sleep", "infinity")
	id, err := m.run(ctx, args...)
	if err != nil {
		return "", errs.Wrapf(errs.ErrIsolation, err, "start container for %s", clusterID)
	}
	return id, nil
}

// prepareConfigDir builds the per-cluster private config mount: essential
// credential files plus a hook that blocks interactive prompts inside the
// container.
func (m *ContainerManager) prepareConfigDir(clusterID string) (string, error) {
	dir := filepath.Join(ConfigsDir(), clusterID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errs.Wrapf(errs.ErrIsolation, err, "create config dir")
	}
	for _, src := range m.CredentialDirs {
		name := filepath.Base(src)
		if err := CopyTree(src, filepath.Join(dir, name)); err != nil {
			slog.Warn("isolation: skipping credential dir", "dir", src, "err", err)
		}
	}
	hook := "#!/bin/sh\n# Refuse interactive prompts inside cluster containers.\nexit 1\n"
	if err := os.WriteFile(filepath.Join(dir, "block-interactive.sh"), []byte(hook), 0o700); err != nil { //nolint:gosec // hook must be executable
		return "", errs.Wrapf(errs.ErrIsolation, err, "write prompt-blocking hook")
	}
	return dir, nil
}

// manifestInstalls maps recognized dependency manifests to the install
// command run inside the container, preferring offline/prebaked caches.
var manifestInstalls = []struct {
	manifest string
	argv     []string
}{
	{"package-lock.json", []string{"npm", "ci", "--prefer-offline"}},
	{"package.json", []string{"npm", "install", "--prefer-offline"}},
	{"go.mod", []string{"go", "mod", "download"}},
	{"requirements.txt", []string{"pip", "install", "-r", "requirements.txt"}},
	{"Cargo.toml", []string{"cargo", "fetch"}},
}

// preinstallDeps runs at most one install command, chosen by the first
// recognized manifest in the workspace, with retry and exponential backoff.
func (m *ContainerManager) preinstallDeps(ctx context.Context, h *Handle) error {
	var argv []string
	for _, mi := range manifestInstalls {
		if _, err := os.Stat(filepath.Join(h.WorkDir, mi.manifest)); err == nil {
			argv = mi.argv
			break
		}
	}
	if argv == nil {
		return nil
	}
	backoff := 5 * time.Second
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		_, err = m.ExecInContainer(ctx, h, argv, nil, 10*time.Minute)
		if err == nil {
			return nil
		}
		slog.Warn("isolation: dependency install failed", "cluster", h.ClusterID, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// ExecInContainer runs argv inside the cluster's container under a mandatory
// timeout. timeout == 0 is rejected; pass DefaultExecTimeout explicitly if
// in doubt.
func (m *ContainerManager) ExecInContainer(ctx context.Context, h *Handle, argv []string, env []string, timeout time.Duration) (string, error) {
	if h.Container == nil {
		return "", errs.Wrap(errs.ErrIsolation, "cluster %s has no container", h.ClusterID)
	}
	if timeout <= 0 {
		return "", errs.Wrap(errs.ErrIsolation, "execInContainer requires a positive timeout")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	args := []string{"exec"}
	for _, e := range env {
		args = append(args, "-e", e)
	}
	args = append(args, h.Container.ContainerID)
	args = append(args, argv...)
	cmd := exec.CommandContext(ctx, m.runtime(), args...) //nolint:gosec // argv is built by the caller from adapter output, not untrusted input.
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errs.Wrapf(errs.ErrSubprocess, err, "exec in %s: %s", h.ClusterID, stderr.String())
	}
	return stdout.String(), nil
}

// Route rewrites a provider command into a streaming container exec with the
// private config dir and socket already mounted at container start.
func (m *ContainerManager) Route(h *Handle, cmd provider.Command) provider.Command {
	if h.Container == nil {
		return cmd
	}
	args := []string{"exec", "-i", "-w", h.Container.WorkDir}
	for _, e := range cmd.Env {
		args = append(args, "-e", e)
	}
	args = append(args, h.Container.ContainerID, cmd.Binary)
	args = append(args, cmd.Args...)
	return provider.Command{Binary: m.runtime(), Args: args}
}

// Stop stops the container but preserves it and its workspace for resume.
func (m *ContainerManager) Stop(ctx context.Context, h *Handle) error {
	if h.Container == nil {
		return nil
	}
	if _, err := m.run(ctx, "stop", h.Container.ContainerID); err != nil {
		slog.Warn("isolation: container stop failed", "cluster", h.ClusterID, "err", err)
	}
	return nil
}

// Kill force-removes the container and its workspace. Terraform-style state
// files are copied aside before the workspace is deleted.
func (m *ContainerManager) Kill(ctx context.Context, h *Handle) error {
	if h.Container != nil {
		if _, err := m.run(ctx, "rm", "-f", h.Container.ContainerID); err != nil {
			slog.Warn("isolation: container remove failed", "cluster", h.ClusterID, "err", err)
		}
	}
	preserveStateFiles(h.WorkDir, filepath.Join(IsolatedDir(), h.ClusterID+"-state"))
	if err := os.RemoveAll(h.WorkDir); err != nil {
		return errs.Wrapf(errs.ErrIsolation, err, "remove workspace for %s", h.ClusterID)
	}
	_ = os.RemoveAll(filepath.Join(ConfigsDir(), h.ClusterID))
	return nil
}

// Resume recreates the container against the preserved workspace if the old
// container no longer exists.
func (m *ContainerManager) Resume(ctx context.Context, h *Handle) error {
	if h.Container == nil {
		return errs.Wrap(errs.ErrIsolation, "cluster %s has no container record", h.ClusterID)
	}
	if _, err := m.run(ctx, "inspect", h.Container.ContainerID); err == nil {
		_, serr := m.run(ctx, "start", h.Container.ContainerID)
		return serr
	}
	if _, err := os.Stat(h.WorkDir); err != nil {
		return errs.Wrapf(errs.ErrIsolation, err, "isolated workspace for %s is gone", h.ClusterID)
	}
	configDir := filepath.Join(ConfigsDir(), h.ClusterID)
	if _, err := os.Stat(configDir); err != nil {
		if configDir, err = m.prepareConfigDir(h.ClusterID); err != nil {
			return err
		}
	}
	id, err := m.startContainer(ctx, h.ClusterID, h.WorkDir, configDir)
	if err != nil {
		return err
	}
	h.Container.ContainerID = id
	return nil
}

// preserveStateFiles copies *.tfstate files found under dir into aside.
func preserveStateFiles(dir, aside string) {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tfstate"))
	deeper, _ := filepath.Glob(filepath.Join(dir, "*", "*.tfstate"))
	matches = append(matches, deeper...)
	if len(matches) == 0 {
		return
	}
	if err := os.MkdirAll(aside, 0o700); err != nil {
		slog.Warn("isolation: cannot preserve state files", "err", err)
		return
	}
	for _, src := range matches {
		b, err := os.ReadFile(src) //nolint:gosec // path comes from a glob over our own workspace
		if err != nil {
			continue
		}
		_ = os.WriteFile(filepath.Join(aside, filepath.Base(src)), b, 0o600)
	}
	slog.Info("isolation: preserved state files before workspace removal", "count", len(matches), "dir", aside)
}

// authenticatedRemote injects a token into an https remote URL when one is
// discovered in the environment, so the fresh isolated repo can push.
func authenticatedRemote(url string) string {
	if url == "" || !strings.HasPrefix(url, "https://") {
		return url
	}
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		token = os.Getenv("GIT_TOKEN")
	}
	if token == "" {
		return url
	}
	return "https://x-access-token:" + token + "@" + strings.TrimPrefix(url, "https://")
}

// containerGroupID returns the owning group id of the container socket so
// the container user can talk to it, or "" when unavailable.
func containerGroupID(socketPath string) string {
	st, err := os.Stat(socketPath)
	if err != nil {
		return ""
	}
	return statGid(st)
}
