package transport

import "sync"

// Notifier wakes long-pollers when something lands for them. Each
// recipient gets one buffered signal channel: a Wake while nobody waits
// is held for the next Wait, repeated Wakes coalesce into one.
type Notifier struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// NewNotifier returns an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{waiters: make(map[string]chan struct{})}
}

func (n *Notifier) channel(recipient string) chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.waiters[recipient]
	if !ok {
		c = make(chan struct{}, 1)
		n.waiters[recipient] = c
	}
	return c
}

// Wake signals the recipient's poller, if any, without blocking.
func (n *Notifier) Wake(recipient string) {
	select {
	case n.channel(recipient) <- struct{}{}:
	default:
	}
}

// Wait returns the recipient's signal channel to select on.
func (n *Notifier) Wait(recipient string) <-chan struct{} {
	return n.channel(recipient)
}
