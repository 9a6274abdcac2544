package websocket

import (
	"context"
	"sync"

	"github.com/brwyatt/dffmpeg/internal/db"
)

// Hub routes published events to every client subscribed to their topic.
//
// Registration and removal are serialised through the Run goroutine via
// channels. Publish runs on the caller's goroutine under a read lock; the
// per-client send never blocks, so a full client buffer marks that client
// for disconnect instead of stalling the remaining subscribers. The lock
// also orders sends against Run closing the send channels on shutdown.
type Hub struct {
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}

	// mu guards clients and topics against concurrent Publish reads.
	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	// stopped is closed when Run exits; no frames are delivered after that.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in its own goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		topics:     make(map[string]map[*Client]struct{}),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run owns the client registry until ctx is cancelled. Call it exactly once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, topic := range client.topics {
				if h.topics[topic] == nil {
					h.topics[topic] = make(map[*Client]struct{})
				}
				h.topics[topic][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, topic := range client.topics {
					delete(h.topics[topic], client)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				// The hub owns the send channel; closing it tells the
				// client's writePump to drain and exit.
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.topics = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Publish sends msg to every client subscribed to its topic. Safe to call
// from any goroutine. A client whose buffer is full is disconnected rather
// than allowed to stall the remaining subscribers.
func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	var stalled []*Client
	for c := range h.topics[msg.Topic] {
		select {
		case c.send <- msg:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		select {
		case h.unregister <- c:
		default:
			// Queue full; the client's own pump teardown will get it.
		}
	}
}

// PublishJob announces a job transition on both the broad jobs topic and the
// job's own topic.
func (h *Hub) PublishJob(job *db.Job) {
	h.Publish(jobEvent(TopicJobs, job))
	h.Publish(jobEvent(JobTopic(job.JobID), job))
}

// PublishWorker announces a worker status change.
func (h *Hub) PublishWorker(worker *db.Worker) {
	h.Publish(workerEvent(worker))
}

// Subscribe hands a freshly upgraded client to the registry.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes a client after its connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}
