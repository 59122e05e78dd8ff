//go:build linux

package crypto

import "golang.org/x/sys/unix"

// lockMemory pins b so cached key bytes are never written to swap.
// Failure (typically RLIMIT_MEMLOCK) is not fatal.
func lockMemory(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	return unix.Mlock(b) == nil
}

func unlockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munlock(b)
}
