package transport

import (
	"time"

	"github.com/brwyatt/dffmpeg/internal/db"
)

// JobRequestPayload is the body of the job_request message the scheduler
// sends to the chosen worker. It carries everything the worker needs to
// start without calling back first.
func JobRequestPayload(job *db.Job) db.Metadata {
	return db.Metadata{
		"job_id":             job.JobID,
		"binary_name":        job.BinaryName,
		"arguments":          []string(job.Arguments),
		"paths":              []string(job.Paths),
		"heartbeat_interval": job.HeartbeatInterval,
	}
}

// JobStatusPayload is the body of a job_status message. exitCode is included
// only when the reporting side supplied one (terminal transitions from a
// worker).
func JobStatusPayload(status string, at time.Time, exitCode *int) db.Metadata {
	payload := db.Metadata{
		"status":      status,
		"last_update": at.UTC().Format(time.RFC3339Nano),
	}
	if exitCode != nil {
		payload["exit_code"] = *exitCode
	}
	return payload
}
