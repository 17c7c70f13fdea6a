// Package election runs a leader election per service group on top of
// gossiped facts. The winner of a group is the Alive candidate with the
// highest suitability, ties broken by the smaller member id, so observers that
// agree on candidacies and liveness agree on the winner without exchanging
// votes. A change of winner is announced as an Election rumor with a higher
// term.
package election
