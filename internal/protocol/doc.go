// Package protocol owns the wire contract shared by the server loop and
// clients.
//
// Ownership boundary:
// - protocol error taxonomy (this package)
// - length-prefixed frame codec and incremental decoder (frame/)
package protocol
