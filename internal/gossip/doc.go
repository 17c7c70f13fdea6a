// Package gossip runs the membership protocol of a member: a SWIM failure
// detector, epidemic dissemination of rumors and the per-group elections
// layered on top of them.
//
// All protocol state (member list, rumor store, election records and local
// health results) belongs to a Server and is guarded by a single lock. The
// receive loops and the ticker take the write lock to mutate it; readers get
// an immutable Snapshot. Nothing is sent while the lock is held.
//
// Limitations:
//   - No consensus. Partitioned members elect independently and reconcile
//     by rumor precedence when the partition heals.
//   - No persistence. A restarted member rebuilds its view from gossip.
package gossip
