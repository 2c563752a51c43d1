package fs

import (
	"os"
	"strconv"
)

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// ownerFromEnv returns the uid/gid reported on every inode. PUID and PGID
// override the process credentials, which matters in containers where the
// consuming desktop user differs from the mounting user.
func ownerFromEnv() (uid, gid uint32) {
	uid = safeIntToUint32(os.Getuid())
	gid = safeIntToUint32(os.Getgid())

	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			uid = uint32(puid)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			gid = uint32(pgid)
		}
	}
	return uid, gid
}
