//go:build !windows

package storage

import (
	"os"
	"syscall"
)

func ownerOf(fi os.FileInfo) (owner, group *int) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, nil
	}
	uid, gid := int(st.Uid), int(st.Gid)
	return &uid, &gid
}
