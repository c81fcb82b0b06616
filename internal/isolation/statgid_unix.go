//go:build !windows

package isolation

import (
	"io/fs"
	"strconv"
	"syscall"
)

func statGid(st fs.FileInfo) string {
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		return strconv.FormatUint(uint64(sys.Gid), 10)
	}
	return ""
}
