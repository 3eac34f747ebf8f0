//go:build !linux

package monitor

import "os"

// statIdentity is the portable fallback: no owner ids are available and the
// modification time stands in for creation time.
func statIdentity(info os.FileInfo) (uid, gid, mode uint32, ctime float64) {
	return 0, 0, uint32(info.Mode()), unixSeconds(info.ModTime())
}
