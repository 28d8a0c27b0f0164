// Package ports defines the interfaces that connect the replication core to
// infrastructure adapters.
//
// # Port Interfaces
//
//   - [LogStore] and [LogConnection]: the durable transaction history log
//   - [CommitCatalog]: per-task commit positions used for restart
//   - [Applier]: the consumer of one distributor channel
//   - [PositionRepository]: the slave's persisted restart position
//   - [Notifier]: in-sequence / out-of-sequence pipeline notifications
//
// The core depends only on these interfaces. internal/adapters and
// internal/catalog provide in-memory and bbolt-backed implementations.
package ports
