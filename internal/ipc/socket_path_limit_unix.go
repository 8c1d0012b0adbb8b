//go:build unix

package ipc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// socketPathLimit is sun_path's size on this platform: 104 bytes on
// darwin and the BSDs, 108 on linux.
const socketPathLimit = len(unix.RawSockaddrUnix{}.Path)

func validateSocketPath(path string) error {
	if path == "" {
		return nil
	}
	// Leave room for the terminating NUL.
	limit := socketPathLimit - 1
	if len(path) > limit {
		return fmt.Errorf("control socket path exceeds %d bytes: %s", limit, path)
	}
	return nil
}
