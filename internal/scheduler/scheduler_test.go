package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/config"
	"github.com/brwyatt/dffmpeg/internal/db"
	"github.com/brwyatt/dffmpeg/internal/repositories"
	"github.com/brwyatt/dffmpeg/internal/transport"
	"github.com/brwyatt/dffmpeg/internal/websocket"
)

type fixture struct {
	scheduler *Scheduler
	jobs      repositories.JobRepository
	workers   repositories.WorkerRepository
	messages  repositories.MessageRepository
}

// newFixture wires a Scheduler over in-memory stores with the long-poll
// transport, so emitted messages land in the store without a broker.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	gdb, err := db.New(db.Config{
		Engine: "sqlite",
		DSN:    ":memory:",
		Logger: zap.NewNop(),
	}, db.Stores...)
	require.NoError(t, err)

	cfg, err := config.Load("")
	require.ErrorIs(t, err, config.ErrNoConfig)
	transports, order, err := transport.Build(context.Background(), cfg.Transports, zap.NewNop())
	require.NoError(t, err)

	jobs := repositories.NewJobRepository(gdb)
	workers := repositories.NewWorkerRepository(gdb)
	messages := repositories.NewMessageRepository(gdb)
	fabric := transport.NewManager(transports, order, messages, workers, jobs, zap.NewNop())

	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	return &fixture{
		scheduler: New(jobs, workers, fabric, hub, zap.NewNop()),
		jobs:      jobs,
		workers:   workers,
		messages:  messages,
	}
}

func (fx *fixture) addWorker(t *testing.T, id string, binaries, paths []string) {
	t.Helper()
	now := time.Now().UTC()
	lp := transport.NameLongPoll
	require.NoError(t, fx.workers.Upsert(context.Background(), &db.Worker{
		WorkerID:          id,
		Status:            db.WorkerStatusOnline,
		LastSeen:          &now,
		Binaries:          binaries,
		Paths:             paths,
		Transport:         &lp,
		TransportMetadata: db.Metadata{"poll_path": "/poll/worker"},
	}))
}

func (fx *fixture) submitJob(t *testing.T, requester string, paths []string) *db.Job {
	t.Helper()
	job := &db.Job{
		RequesterID:       requester,
		BinaryName:        "ffmpeg",
		Arguments:         db.StringList{"-i", "in.mkv", "out.mp4"},
		Paths:             paths,
		HeartbeatInterval: 10,
	}
	require.NoError(t, fx.jobs.Create(context.Background(), job))
	return job
}

func (fx *fixture) pending(t *testing.T, recipient string) []db.Message {
	t.Helper()
	msgs, err := fx.messages.PendingFor(context.Background(), recipient, "", "")
	require.NoError(t, err)
	return msgs
}

func timeptr(t time.Time) *time.Time { return &t }

func TestDispatchAssignsEligibleWorker(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.addWorker(t, "w1", []string{"ffmpeg"}, []string{"/media", "/scratch"})
	job := fx.submitJob(t, "alice", []string{"/media"})

	require.NoError(t, fx.scheduler.Dispatch(ctx, job.JobID))

	got, err := fx.jobs.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusAssigned, got.Status)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "w1", *got.WorkerID)

	workerMsgs := fx.pending(t, "w1")
	require.Len(t, workerMsgs, 1)
	assert.Equal(t, db.MessageTypeJobRequest, workerMsgs[0].MessageType)
	payload := workerMsgs[0].Payload
	assert.Equal(t, job.JobID, payload["job_id"])
	assert.Equal(t, "ffmpeg", payload["binary_name"])
	assert.EqualValues(t, 10, payload["heartbeat_interval"])

	clientMsgs := fx.pending(t, "alice")
	require.Len(t, clientMsgs, 1)
	assert.Equal(t, db.MessageTypeJobStatus, clientMsgs[0].MessageType)
	assert.Equal(t, db.JobStatusAssigned, clientMsgs[0].Payload["status"])
	_, hasExit := clientMsgs[0].Payload["exit_code"]
	assert.False(t, hasExit, "assignment is not terminal")
}

func TestDispatchLeavesNonPendingAlone(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.addWorker(t, "w1", []string{"ffmpeg"}, []string{"/media"})
	job := fx.submitJob(t, "alice", []string{"/media"})
	_, err := fx.jobs.UpdateStatusFrom(ctx, job.JobID, db.JobStatusPending, map[string]interface{}{
		"status": db.JobStatusCanceled,
	})
	require.NoError(t, err)

	require.NoError(t, fx.scheduler.Dispatch(ctx, job.JobID))

	got, err := fx.jobs.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCanceled, got.Status)
	assert.Empty(t, fx.pending(t, "alice"))
}

func TestDispatchUnknownJobIsQuiet(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.scheduler.Dispatch(context.Background(), "01ARZ3NDEKTSV4RRFFQ69G5FAV"))
}

func TestDispatchNoEligibleWorkerLeavesPending(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	// Right binary, missing path.
	fx.addWorker(t, "w1", []string{"ffmpeg"}, []string{"/scratch"})
	// Right path, missing binary.
	fx.addWorker(t, "w2", []string{"ffprobe"}, []string{"/media"})

	job := fx.submitJob(t, "alice", []string{"/media"})
	require.NoError(t, fx.scheduler.Dispatch(ctx, job.JobID))

	got, err := fx.jobs.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusPending, got.Status)
	assert.Nil(t, got.WorkerID)
	assert.Empty(t, fx.pending(t, "w1"))
	assert.Empty(t, fx.pending(t, "w2"))
}

func TestDispatchPrefersLeastLoadedWorker(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.addWorker(t, "busy", []string{"ffmpeg"}, []string{"/media"})
	fx.addWorker(t, "idle", []string{"ffmpeg"}, []string{"/media"})

	// Two occupying jobs on "busy".
	for i := 0; i < 2; i++ {
		j := fx.submitJob(t, "alice", []string{"/media"})
		_, err := fx.jobs.UpdateStatusFrom(ctx, j.JobID, db.JobStatusPending, map[string]interface{}{
			"status":    db.JobStatusRunning,
			"worker_id": "busy",
		})
		require.NoError(t, err)
	}

	job := fx.submitJob(t, "alice", []string{"/media"})
	require.NoError(t, fx.scheduler.Dispatch(ctx, job.JobID))

	got, err := fx.jobs.Get(ctx, job.JobID)
	require.NoError(t, err)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "idle", *got.WorkerID)
}

func TestSelectWorkerOrdering(t *testing.T) {
	now := time.Now().UTC()
	old := now.Add(-30 * time.Minute)

	t.Run("load wins over recency", func(t *testing.T) {
		candidates := []db.Worker{
			{WorkerID: "loaded-fresh", LastSeen: timeptr(now)},
			{WorkerID: "idle-stale", LastSeen: timeptr(old)},
		}
		load := map[string]int{"loaded-fresh": 3}
		assert.Equal(t, "idle-stale", selectWorker(candidates, load).WorkerID)
	})

	t.Run("recency breaks load ties", func(t *testing.T) {
		candidates := []db.Worker{
			{WorkerID: "stale", LastSeen: timeptr(old)},
			{WorkerID: "fresh", LastSeen: timeptr(now)},
		}
		assert.Equal(t, "fresh", selectWorker(candidates, nil).WorkerID)
	})

	t.Run("same minute is a tie", func(t *testing.T) {
		base := now.Truncate(time.Minute)
		candidates := []db.Worker{
			{WorkerID: "a", LastSeen: timeptr(base.Add(5 * time.Second))},
			{WorkerID: "b", LastSeen: timeptr(base.Add(40 * time.Second))},
		}
		got := selectWorker(candidates, nil).WorkerID
		assert.Contains(t, []string{"a", "b"}, got)
	})

	t.Run("never seen sorts last", func(t *testing.T) {
		candidates := []db.Worker{
			{WorkerID: "never"},
			{WorkerID: "seen", LastSeen: timeptr(old)},
		}
		assert.Equal(t, "seen", selectWorker(candidates, nil).WorkerID)
	})
}

func TestEligibleFiltering(t *testing.T) {
	job := &db.Job{
		BinaryName: "ffmpeg",
		Paths:      db.StringList{"/media", "/music"},
	}
	workers := []db.Worker{
		{WorkerID: "full", Binaries: db.StringList{"ffmpeg", "ffprobe"}, Paths: db.StringList{"/media", "/music", "/tv"}},
		{WorkerID: "partial-paths", Binaries: db.StringList{"ffmpeg"}, Paths: db.StringList{"/media"}},
		{WorkerID: "wrong-binary", Binaries: db.StringList{"ffprobe"}, Paths: db.StringList{"/media", "/music"}},
	}

	got := eligible(job, workers)
	require.Len(t, got, 1)
	assert.Equal(t, "full", got[0].WorkerID)
}
