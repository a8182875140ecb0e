// Package session owns connection lifecycle around a frame stream.
//
// Ownership boundary:
// - handshake exchange (CmdHandshake / CmdError)
// - transport timeouts and tls policy
// - retry/backoff primitives
package session
