package isolation

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeroshot/fleet/internal/gitutil"
)

// maxBinarySize is the threshold above which a binary file in the teardown
// diff triggers a safety issue.
const maxBinarySize = 500 * 1024 // 500 KB

// FileStat is one changed file in the teardown diff.
type FileStat struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Deleted int    `json:"deleted"`
	Binary  bool   `json:"binary,omitempty"`
}

// SafetyIssue flags a large binary or possible secret in the teardown diff.
type SafetyIssue struct {
	File   string `json:"file"`
	Kind   string `json:"kind"` // "large_binary" | "secret"
	Detail string `json:"detail"`
}

// TeardownReport summarizes what a cluster's sandbox touched. The
// orchestrator publishes it during teardown as the data of its own
// WORKSPACE_REVIEW message, so an operator reviewing the log sees it without
// re-deriving.
type TeardownReport struct {
	Files  []FileStat    `json:"files,omitempty"`
	Issues []SafetyIssue `json:"issues,omitempty"`
}

// secretPatterns match common secret material on added diff lines. Pattern
// strings are split so they don't match themselves.
var secretPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`AK` + `IA[0-9A-Z]{16}`), "AWS access key"},
	{regexp.MustCompile(`-{5}` + `BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP)\s+PRIV` + `ATE\s+KEY-{5}`), "private key"},
	{regexp.MustCompile(`gh` + `p_[A-Za-z0-9_]{36}`), "GitHub personal access token"},
	{regexp.MustCompile(`gh` + `o_[A-Za-z0-9_]{36}`), "GitHub OAuth token"},
	{regexp.MustCompile(`github` + `_pat_[A-Za-z0-9_]{22,}`), "GitHub fine-grained PAT"},
	{regexp.MustCompile(`sk` + `-[A-Za-z0-9]{20,}`), "API secret key"},
	{regexp.MustCompile(`(?i)(pass` + `word|sec` + `ret|to` + `ken|api[_-]?key)\s*[:=]\s*['"][^'"]{8,}`), "hardcoded credential"},
}

// Review runs a numstat parse and a secret scan over the sandbox at dir,
// diffing against base (usually "HEAD" for a worktree on its own branch, or
// the initial snapshot commit of an isolated copy).
func Review(ctx context.Context, dir, base string) (*TeardownReport, error) {
	numstat, err := gitutil.DiffNumstat(ctx, dir, base)
	if err != nil {
		return nil, err
	}
	report := &TeardownReport{Files: ParseNumstat(numstat)}

	for _, f := range report.Files {
		if !f.Binary {
			continue
		}
		size, serr := gitutil.CatFileSize(ctx, dir, "HEAD", f.Path)
		if serr != nil {
			continue // file may be new or deleted; skip
		}
		if size > maxBinarySize {
			report.Issues = append(report.Issues, SafetyIssue{
				File:   f.Path,
				Kind:   "large_binary",
				Detail: fmt.Sprintf("binary file is %s (limit %s)", humanSize(size), humanSize(maxBinarySize)),
			})
		}
	}

	diff, err := gitutil.Diff(ctx, dir, base)
	if err != nil {
		return report, err
	}
	report.Issues = append(report.Issues, ScanDiffForSecrets(diff)...)
	return report, nil
}

// ParseNumstat parses git diff --numstat output. Each line is
// <added>\t<deleted>\t<path>; binary files use "-\t-\t<path>". Returns nil
// when nothing changed.
func ParseNumstat(numstat string) []FileStat {
	numstat = strings.TrimSpace(numstat)
	if numstat == "" {
		return nil
	}
	var files []FileStat
	for _, line := range strings.Split(numstat, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		fs := FileStat{Path: parts[2]}
		if parts[0] == "-" && parts[1] == "-" {
			fs.Binary = true
		} else {
			fs.Added, _ = strconv.Atoi(parts[0])
			fs.Deleted, _ = strconv.Atoi(parts[1])
		}
		files = append(files, fs)
	}
	return files
}

// ScanDiffForSecrets scans added lines of a unified diff for secret
// patterns, deduplicating by file+kind.
func ScanDiffForSecrets(diff string) []SafetyIssue {
	var issues []SafetyIssue
	seen := make(map[string]bool)
	var currentFile string
	for _, line := range strings.Split(diff, "\n") {
		if after, ok := strings.CutPrefix(line, "+++ b/"); ok {
			currentFile = after
			continue
		}
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		added := line[1:]
		for _, sp := range secretPatterns {
			if !sp.re.MatchString(added) {
				continue
			}
			key := currentFile + ":" + sp.desc
			if seen[key] {
				continue
			}
			seen[key] = true
			issues = append(issues, SafetyIssue{
				File:   currentFile,
				Kind:   "secret",
				Detail: fmt.Sprintf("possible %s detected", sp.desc),
			})
		}
	}
	return issues
}

func humanSize(b int64) string {
	switch {
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.0f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}
