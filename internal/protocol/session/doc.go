// Package session owns the per-link and per-session primitives shared by
// the client and server orchestrators.
//
// Ownership boundary:
// - role and reconnect configuration with defaults and validation
// - reconnect backoff policy
// - the pending-append table that rejoins split packages
package session
