package isolation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyTreeSkipsArtifacts(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(src, "pkg", "sub"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "node_modules", "dep"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "pkg", "sub", "x.go"), []byte("package sub\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "node_modules", "dep", "index.js"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, ".git", "objects", "blob"), []byte("x"), 0o644))

	require.NoError(t, CopyTree(src, dst))

	assert.FileExists(t, filepath.Join(dst, "main.go"))
	assert.FileExists(t, filepath.Join(dst, "pkg", "sub", "x.go"))
	assert.NoFileExists(t, filepath.Join(dst, "node_modules", "dep", "index.js"))
	assert.NoFileExists(t, filepath.Join(dst, ".git", "objects", "blob"))
}

func TestCopyTreePreservesMode(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, CopyTree(src, dst))
	st, err := os.Stat(filepath.Join(dst, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), st.Mode().Perm())
}

func TestCopyTreeManyFiles(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	for i := range 200 {
		name := filepath.Join(src, "f"+string(rune('a'+i%26))+string(rune('a'+i/26)))
		require.NoError(t, os.WriteFile(name, []byte("content"), 0o644))
	}
	require.NoError(t, CopyTree(src, dst))
	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	assert.Len(t, entries, 200)
}

func TestParseNumstat(t *testing.T) {
	out := "3\t1\tmain.go\n-\t-\tlogo.png\n\n12\t0\tpkg/sub/x.go\n"
	files := ParseNumstat(out)
	require.Len(t, files, 3)
	assert.Equal(t, FileStat{Path: "main.go", Added: 3, Deleted: 1}, files[0])
	assert.True(t, files[1].Binary)
	assert.Equal(t, "logo.png", files[1].Path)
	assert.Equal(t, 12, files[2].Added)

	assert.Nil(t, ParseNumstat(""))
	assert.Nil(t, ParseNumstat("   \n"))
}

func TestScanDiffForSecrets(t *testing.T) {
	diff := `diff --git a/config.yaml b/config.yaml
+++ b/config.yaml
@@ -1,2 +1,3 @@
 name: app
+api_key: "supersecretvalue123"
+normal_line: true
+++ b/main.go
+AKIA` + `ABCDEFGHIJKLMNOP
`
	issues := ScanDiffForSecrets(diff)
	require.Len(t, issues, 2)
	assert.Equal(t, "config.yaml", issues[0].File)
	assert.Equal(t, "secret", issues[0].Kind)
	assert.Contains(t, issues[1].Detail, "AWS access key")
}

func TestScanDiffForSecretsDedupes(t *testing.T) {
	diff := `+++ b/a.txt
+token: "abcdefgh1234"
+token: "zyxwvuts9876"
`
	issues := ScanDiffForSecrets(diff)
	assert.Len(t, issues, 1, "same file+kind reported once")
}

func TestHousekeepRemovesOrphans(t *testing.T) {
	// Redirect the temp roots by creating them under a private TMPDIR.
	t.Setenv("TMPDIR", t.TempDir())

	known := filepath.Join(IsolatedDir(), "cluster-known")
	orphan := filepath.Join(IsolatedDir(), "cluster-orphan")
	require.NoError(t, os.MkdirAll(known, 0o755))
	require.NoError(t, os.MkdirAll(orphan, 0o755))

	Housekeep(func(id string) bool { return id == "cluster-known" })

	assert.DirExists(t, known)
	assert.NoDirExists(t, orphan)
}
