// Package protocol owns the PSB wire contract.
//
// Ownership boundary:
// - typed protocol messages and their type tags
// - canonical big-endian encoding
// - resumable decoding of arbitrarily chunked byte streams
//
// Every message starts with a 32-bit type tag followed by its 32-bit fields in
// declared order. PrepareOK carries two counted element sections and Ack
// carries a size-prefixed copy of the datagram it acknowledges.
package protocol
