// Package transport delivers datagrams between replicas with
// application-level acknowledgements.
//
// Ownership boundary:
// - pending-until-acked outbox and retransmit backoff
// - ack generation and byte-exact ack matching
// - the receive loop over a net.PacketConn
// - UDP and in-memory datagram connections
//
// The replica state machine never sees acks. Receive absorbs them and only
// returns datagrams that carry protocol messages.
package transport
