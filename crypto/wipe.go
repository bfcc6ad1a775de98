package crypto

import "runtime"

// Wipe overwrites b with zeros. Used for ephemeral scalars, shared secrets and
// session keys once they are no longer needed.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
