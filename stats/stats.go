// Package stats holds the atomic counters shared by dump and restore jobs,
// safe to increment concurrently from any worker goroutine.
package stats

import "sync/atomic"

// Counters aggregates the running totals for one dump or restore run.
type Counters struct {
	batchesSent     atomic.Int64
	batchesReceived atomic.Int64
	collectionsSeen atomic.Int64
	bytesMoved      atomic.Int64
}

// AddBatchSent records one outbound batch (a restore-data chunk).
func (c *Counters) AddBatchSent(n int64) { c.batchesSent.Add(n) }

// AddBatchReceived records one inbound batch (a dump response payload).
func (c *Counters) AddBatchReceived(n int64) { c.batchesReceived.Add(n) }

// AddCollectionSeen records that the planner enumerated one more collection.
func (c *Counters) AddCollectionSeen(n int64) { c.collectionsSeen.Add(n) }

// AddBytesMoved records n logical (decoded) bytes written or read.
func (c *Counters) AddBytesMoved(n int64) { c.bytesMoved.Add(n) }

// Snapshot is a point-in-time, non-atomic copy of Counters for reporting.
type Snapshot struct {
	BatchesSent     int64
	BatchesReceived int64
	CollectionsSeen int64
	BytesMoved      int64
}

// Snapshot reads all counters without synchronizing them against each
// other; each field individually is a consistent atomic read.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BatchesSent:     c.batchesSent.Load(),
		BatchesReceived: c.batchesReceived.Load(),
		CollectionsSeen: c.collectionsSeen.Load(),
		BytesMoved:      c.bytesMoved.Load(),
	}
}
