//go:build !unix

package session

// platformHalfOpenDefault falls back to a fixed budget on platforms whose
// file-descriptor accounting x/sys/unix does not cover.
func platformHalfOpenDefault() int { return fallbackHalfOpenDefault }
