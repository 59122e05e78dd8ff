//go:build !linux

package crypto

func lockMemory([]byte) bool { return false }

func unlockMemory([]byte) {}
