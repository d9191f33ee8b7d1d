// Package replica implements the Paxos for System Builders replica.
//
// Ownership boundary:
// - leader election and view installation
// - proposal, accept and global ordering over the slot history
// - client update admission, pending retries and execution
// - the conflict filter applied to every inbound message
//
// A Replica is driven by exactly one goroutine through Deliver, Tick and
// Submit. It owns all protocol state and performs no locking of its own.
package replica
