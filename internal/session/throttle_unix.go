//go:build unix

package session

import "golang.org/x/sys/unix"

// platformHalfOpenDefault reads the process's soft file-descriptor limit to
// size the half-open throttle default conservatively below it, leaving
// headroom for the listener, disk handles and already-established peer
// connections (spec.md §5, "Half-open throttle": "a platform-specific
// default cap applies").
func platformHalfOpenDefault() int {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return fallbackHalfOpenDefault
	}

	budget := int(rlim.Cur) / 4
	switch {
	case budget < minHalfOpenDefault:
		return minHalfOpenDefault
	case budget > maxHalfOpenDefault:
		return maxHalfOpenDefault
	default:
		return budget
	}
}
