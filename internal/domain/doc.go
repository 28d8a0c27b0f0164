// Package domain contains the core entities of the replication log.
//
// This package is the innermost layer. It has no dependencies on transport,
// storage or logging and holds only value types and their invariants.
//
// # Entities
//
//   - [Event]: one record of the transaction history log (THL)
//   - [Header]: position projection of an Event
//   - [SeqNoRange]: the seqnos a log store currently holds
//   - [ControlEvent]: SYNC and STOP markers merged into channel queues
//   - [PartitionerResponse]: channel assignment of one transaction
//
// All fragments of one transaction share a seqno. Only the fragment with
// LastFrag set is a commit boundary.
package domain
