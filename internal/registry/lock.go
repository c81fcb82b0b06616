package registry

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/zeroshot/fleet/internal/errs"
)

const (
	// lockStaleAfter is the age past which a lock file left behind by a
	// crashed process is forcibly removed.
	lockStaleAfter = 10 * time.Second
	lockRetries    = 50
	lockBackoffMin = 10 * time.Millisecond
	lockBackoffMax = 100 * time.Millisecond
)

// acquireLock creates path exclusively, retrying with randomized backoff and
// removing stale locks older than lockStaleAfter. The lock file content is
// the holder's pid, for diagnostics.
func acquireLock(path string, pid int) error {
	for i := 0; i < lockRetries; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(pid))
			return f.Close()
		}
		if !os.IsExist(err) {
			return errs.Wrapf(errs.ErrLockContention, err, "create lock %s", path)
		}
		if st, serr := os.Stat(path); serr == nil && time.Since(st.ModTime()) > lockStaleAfter {
			slog.Warn("registry: removing stale lock", "path", path, "age", time.Since(st.ModTime()))
			_ = os.Remove(path)
			continue
		}
		sleep := lockBackoffMin + time.Duration(rand.Int63n(int64(lockBackoffMax-lockBackoffMin)))
		time.Sleep(sleep)
	}
	return errs.Wrap(errs.ErrLockContention, fmt.Sprintf("lock %s busy after %d attempts", path, lockRetries))
}

// releaseLock removes the lock file.
func releaseLock(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("registry: failed to release lock", "path", path, "err", err)
	}
}
