// Package stats answers per-conversation statistics and guards the
// maintained message counter against drift.
//
// The store keeps message_count in the same transaction as every message
// insert and delete, so the fast path reads it directly. The recount path
// derives the same figures from the rows. Aggregator.Verify compares the
// two, and Checker runs that comparison over every conversation on an
// interval, optionally repairing what it finds.
package stats
