package conn

import "math/rand"

// pseudoRandN draws a uniform value in [0, n) for the per-task
// buffer-size and per-connection transfer-size draws spec §3 calls for. A package-level
// source is enough here: these draws only need to vary across
// connections, not be cryptographically unpredictable.
func pseudoRandN(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return rand.Int63n(n)
}
