// Package websocket implements the pub/sub hub behind the dashboard event
// stream. Job and worker state transitions are published as they happen so a
// connected dashboard does not have to poll the REST surface.
//
// Topic naming:
//
//	jobs          all job status transitions
//	workers       all worker status transitions
//	job:<job_id>  transitions for a single job
package websocket

import (
	"time"

	"github.com/brwyatt/dffmpeg/internal/db"
)

// EventType identifies the kind of event carried by a Message.
type EventType string

const (
	// EventJobStatus is sent on every job state transition, including the
	// ones made by the janitor.
	EventJobStatus EventType = "job.status"

	// EventWorkerStatus is sent when a worker registers, deregisters, or is
	// reaped to offline.
	EventWorkerStatus EventType = "worker.status"
)

// Broad topics every dashboard connection subscribes to by default.
const (
	TopicJobs    = "jobs"
	TopicWorkers = "workers"
)

// JobTopic is the per-job topic name.
func JobTopic(jobID string) string {
	return "job:" + jobID
}

// Message is the envelope for every frame pushed to dashboard clients.
type Message struct {
	Type    EventType `json:"type"`
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
}

// jobPayload is the dashboard-facing summary of a job transition. Argument
// lists and paths are deliberately left out; the dashboard fetches full detail
// over REST when it needs it.
type jobPayload struct {
	JobID       string  `json:"job_id"`
	Status      string  `json:"status"`
	RequesterID string  `json:"requester_id"`
	WorkerID    *string `json:"worker_id"`
	BinaryName  string  `json:"binary_name"`
	LastUpdate  string  `json:"last_update"`
}

type workerPayload struct {
	WorkerID string  `json:"worker_id"`
	Status   string  `json:"status"`
	LastSeen *string `json:"last_seen"`
}

func jobEvent(topic string, job *db.Job) Message {
	return Message{
		Type:  EventJobStatus,
		Topic: topic,
		Payload: jobPayload{
			JobID:       job.JobID,
			Status:      job.Status,
			RequesterID: job.RequesterID,
			WorkerID:    job.WorkerID,
			BinaryName:  job.BinaryName,
			LastUpdate:  job.LastUpdate.UTC().Format(time.RFC3339Nano),
		},
	}
}

func workerEvent(worker *db.Worker) Message {
	payload := workerPayload{
		WorkerID: worker.WorkerID,
		Status:   worker.Status,
	}
	if worker.LastSeen != nil {
		seen := worker.LastSeen.UTC().Format(time.RFC3339Nano)
		payload.LastSeen = &seen
	}
	return Message{
		Type:    EventWorkerStatus,
		Topic:   TopicWorkers,
		Payload: payload,
	}
}
