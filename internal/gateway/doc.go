// Package gateway serves a read-only HTTP view of a member's gossip state.
//
// Routes:
//
//	GET /butterfly                               full snapshot
//	GET /census                                  per service group census
//	GET /services                                every service group
//	GET /services/{svc}/{group}[/{org}]          one service group
//	GET /services/{svc}/{group}[/{org}]/config   the group's configuration
//	GET /services/{svc}/{group}[/{org}]/health   local health check result
//	GET /metrics                                 in-memory metrics
//
// A service group id has the form service.group[@organization].
package gateway
