package core

import "github.com/zeebo/xxh3"

// HashSlots is the fixed size of the bucket space. Configurable only by an
// explicit rebuild of every layer's ranges, never at runtime.
const HashSlots = 10000

// Bucket deterministically maps (key, salt) to a value in [0, HashSlots).
// It is pure: identical inputs always produce identical outputs, across
// processes, restarts, and languages implementing this same algorithm
// (XXH3-64 of the concatenation key‖salt, reduced mod HashSlots).
func Bucket(key, salt string) uint32 {
	h := xxh3.HashString(key + salt)
	return uint32(h % HashSlots)
}
