//go:build linux

package monitor

import (
	"os"
	"syscall"
)

// statIdentity extracts owner ids, raw mode bits, and the inode change time
// from the platform stat structure. Linux exposes no birth timestamp through
// stat(2), so ctime stands in for creation time.
func statIdentity(info os.FileInfo) (uid, gid, mode uint32, ctime float64) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return st.Uid, st.Gid, st.Mode,
			float64(st.Ctim.Sec) + float64(st.Ctim.Nsec)/1e9
	}
	return 0, 0, uint32(info.Mode()), unixSeconds(info.ModTime())
}
