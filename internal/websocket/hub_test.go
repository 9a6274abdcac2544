package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/brwyatt/dffmpeg/internal/db"
)

func newRunningHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.stopped
	})
	return h
}

// testClient builds a registry-only client; no connection is involved, so
// only the hub's routing paths run.
func testClient(buffer int, topics ...string) *Client {
	return &Client{
		send:   make(chan Message, buffer),
		topics: topics,
	}
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.clientCount() == n
	}, time.Second, 5*time.Millisecond)
}

func TestHubRoutesByTopic(t *testing.T) {
	h := newRunningHub(t)

	jobs := testClient(4, TopicJobs)
	workers := testClient(4, TopicWorkers)
	single := testClient(4, JobTopic("job1"))
	h.Subscribe(jobs)
	h.Subscribe(workers)
	h.Subscribe(single)
	waitForClients(t, h, 3)

	h.PublishJob(&db.Job{JobID: "job1", RequesterID: "alice", Status: db.JobStatusPending})

	msg := <-jobs.send
	assert.Equal(t, EventJobStatus, msg.Type)
	assert.Equal(t, TopicJobs, msg.Topic)

	msg = <-single.send
	assert.Equal(t, JobTopic("job1"), msg.Topic)

	select {
	case m := <-workers.send:
		t.Fatalf("workers topic received a job event: %+v", m)
	default:
	}

	h.PublishWorker(&db.Worker{WorkerID: "w1", Status: db.WorkerStatusOnline})
	msg = <-workers.send
	assert.Equal(t, EventWorkerStatus, msg.Type)
	assert.Equal(t, TopicWorkers, msg.Topic)
}

func TestHubDisconnectsSlowClient(t *testing.T) {
	h := newRunningHub(t)

	slow := testClient(1, TopicJobs)
	h.Subscribe(slow)
	waitForClients(t, h, 1)

	job := &db.Job{JobID: "job1", Status: db.JobStatusPending}
	h.Publish(jobEvent(TopicJobs, job))
	h.Publish(jobEvent(TopicJobs, job))

	waitForClients(t, h, 0)
	// Drain the buffered frame, then observe the hub-side close.
	<-slow.send
	_, open := <-slow.send
	assert.False(t, open, "hub closes the send channel on disconnect")
}

func TestHubShutdownClosesClients(t *testing.T) {
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	c := testClient(1, TopicJobs)
	h.Subscribe(c)
	waitForClients(t, h, 1)

	cancel()
	<-h.stopped
	_, open := <-c.send
	assert.False(t, open)
}

func TestHubPublishAfterUnsubscribe(t *testing.T) {
	h := newRunningHub(t)

	c := testClient(1, TopicJobs)
	h.Subscribe(c)
	waitForClients(t, h, 1)
	h.Unsubscribe(c)
	waitForClients(t, h, 0)

	// Publishing after removal must not panic or deliver.
	h.Publish(jobEvent(TopicJobs, &db.Job{JobID: "job1"}))
	_, open := <-c.send
	assert.False(t, open)
}

func TestHubEndToEnd(t *testing.T) {
	h := newRunningHub(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := NewClient(h, w, r, []string{TopicJobs}, zap.NewNop())
		if err != nil {
			return
		}
		client.Run()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitForClients(t, h, 1)
	h.PublishJob(&db.Job{
		JobID:       "job1",
		RequesterID: "alice",
		BinaryName:  "ffmpeg",
		Status:      db.JobStatusAssigned,
		LastUpdate:  time.Now().UTC(),
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    EventType      `json:"type"`
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, EventJobStatus, msg.Type)
	assert.Equal(t, TopicJobs, msg.Topic)
	assert.Equal(t, "job1", msg.Payload["job_id"])
	assert.Equal(t, db.JobStatusAssigned, msg.Payload["status"])
	assert.Equal(t, "alice", msg.Payload["requester_id"])
}
