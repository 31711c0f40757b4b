package crypto

import (
	"crypto/rand"
	"runtime"
)

// SecureErase overwrites b so that key material does not outlive its use.
// Callers must not read b afterwards.
func SecureErase(b []byte) {
	if len(b) == 0 {
		return
	}

	// random, zeros, ones, zeros
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = 0
	}
	for i := range b {
		b[i] = 0xFF
	}
	for i := range b {
		b[i] = 0
	}

	runtime.KeepAlive(b)
}

// SecureEraseAll erases every buffer in bufs.
func SecureEraseAll(bufs ...[]byte) {
	for _, b := range bufs {
		SecureErase(b)
	}
}

// isZero reports whether b holds only zero bytes, in constant time.
func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}

	return acc == 0
}
