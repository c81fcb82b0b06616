package isolation

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// copyWorkers is the size of the bounded pool used for large-tree copies.
const copyWorkers = 8

// skipDirs are build/cache artifacts excluded from the isolated workspace
// copy. The .git directory is excluded too: the copy is re-initialized as a
// fresh repository afterwards.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
	".venv":        true,
	"vendor":       false, // vendored deps are part of the tree, keep them
}

// CopyTree copies src into dst using a bounded pool of workers consuming a
// queue of file paths. Directories are created by the walking goroutine so
// workers only ever copy regular files; the caller blocks until every worker
// drains.
func CopyTree(src, dst string) error {
	type job struct {
		rel  string
		mode fs.FileMode
	}
	jobs := make(chan job, 256)
	errCh := make(chan error, copyWorkers)

	var wg sync.WaitGroup
	for i := 0; i < copyWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := copyFile(filepath.Join(src, j.rel), filepath.Join(dst, j.rel), j.mode); err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			}
		}()
	}

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(src, path)
		if rerr != nil {
			return rerr
		}
		if d.IsDir() {
			if rel != "." && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if !d.Type().IsRegular() {
			return nil // sockets, fifos, symlinks to elsewhere: not part of the workspace
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		jobs <- job{rel: rel, mode: info.Mode()}
		return nil
	})
	close(jobs)
	wg.Wait()

	if walkErr != nil {
		return walkErr
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
