//go:build windows

package storage

import "os"

func ownerOf(os.FileInfo) (owner, group *int) {
	return nil, nil
}
