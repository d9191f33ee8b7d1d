// Package alarm provides the restartable one-shot timer used by the replica
// and the reliable transport.
//
// Ownership boundary:
// - Alarm set/stop/armed/due semantics
// - Clock abstraction with a wall clock and a manually advanced clock
//
// Alarms never fire callbacks. The owning loop polls Due on each pass, so all
// protocol state keeps a single writer.
package alarm
