// Package member defines cluster members, their liveness states and the
// local member list. The list is not synchronized; the gossip server owns it
// and serializes every access.
package member
