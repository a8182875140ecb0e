// Package protocol owns the typed payloads carried inside frames.
//
// Ownership boundary:
// - frame codec primitives live in protocol/frame
// - tlv field primitives live in protocol/tlv
// - command and field ids live in protocol/schema
// - this package maps handshake, fault and heartbeat payloads onto frames
package protocol
