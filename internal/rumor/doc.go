// Package rumor defines the versioned facts exchanged by gossip and the store
// that keeps the newest rumor per (kind, key). Merging is max-by-version under
// Compare, so applying rumors is idempotent and commutative: replaying or
// reordering a set of rumors always converges to the same store.
package rumor
