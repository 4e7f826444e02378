// Package protocol owns the wire vocabulary shared by every link role.
//
// Ownership boundary:
// - operation, subtype and append-state codes
// - channel roles
// - the error taxonomy surfaced to applications
package protocol
