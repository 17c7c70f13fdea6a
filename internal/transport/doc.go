// Package transport moves datagrams between members. Every member listens on
// two ports: the swim port carries failure-detector traffic and the gossip
// port carries rumor batches.
//
// UDP is the production transport. Network is an in-memory implementation
// with drop, latency and partition injection used by tests and simulations.
package transport
