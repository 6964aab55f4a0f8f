// Package broker implements the Redis-resident job queue: pending queue
// semantics, the atomic claim script, retry accounting, worker registration
// and heartbeats, and the stale-worker sweeper.
//
// The key namespace below is a contract shared with monitors and attestation
// readers; do not rename keys without coordinating with them.
package broker

import (
	"fmt"
	"time"
)

const (
	// PendingKey is the sorted set of pending job ids.
	PendingKey = "jobs:pending"
	// ActiveWorkersKey is the set of currently-registered worker ids.
	ActiveWorkersKey = "workers:active"
)

// JobKey is the hash holding one job record.
func JobKey(jobID string) string { return "job:" + jobID }

// ActiveJobsKey is the hash mapping job id to serialized job for one worker.
func ActiveJobsKey(workerID string) string { return "jobs:active:" + workerID }

// WorkerKey is the hash holding one worker record.
func WorkerKey(workerID string) string { return "worker:" + workerID }

// ProgressStreamKey is the stream of progress events for one job.
func ProgressStreamKey(jobID string) string { return "progress:" + jobID }

// CommandStreamKey is the stream of broker commands for one worker.
func CommandStreamKey(workerID string) string { return "commands:" + workerID }

// MachineEventChannel is the pub/sub channel for worker status changes.
func MachineEventChannel(machineID, workerID string) string {
	return fmt.Sprintf("machine:%s:worker:%s", machineID, workerID)
}

// ConnectorStatusChannel is the pub/sub channel for connector status changes.
func ConnectorStatusChannel(connectorID string) string {
	return "connector_status:" + connectorID
}

// ConnectorKey is the hash holding one connector status record.
func ConnectorKey(connectorID string) string { return "connector:" + connectorID }

// PendingScore computes the pending-queue score for a job so that a plain
// numeric sort yields priority order with submission-time tie-break:
// higher priority sorts first, equal priority resolves to the earlier
// submitted_at. Lower score is claimed sooner.
func PendingScore(priority int, submittedAt time.Time) float64 {
	return float64(-priority)*1e13 + float64(submittedAt.UnixMilli())
}
