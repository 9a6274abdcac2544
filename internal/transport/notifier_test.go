package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func drained(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

func TestNotifierWakeBeforeWait(t *testing.T) {
	n := NewNotifier()
	n.Wake("w1")

	select {
	case <-n.Wait("w1"):
	case <-time.After(time.Second):
		t.Fatal("wake issued before wait was lost")
	}
}

func TestNotifierCoalescesWakes(t *testing.T) {
	n := NewNotifier()
	n.Wake("w1")
	n.Wake("w1")
	n.Wake("w1")

	assert.True(t, drained(n.Wait("w1")))
	assert.False(t, drained(n.Wait("w1")), "repeated wakes fold into one signal")
}

func TestNotifierRecipientIsolation(t *testing.T) {
	n := NewNotifier()
	n.Wake("w1")

	assert.False(t, drained(n.Wait("w2")))
	assert.True(t, drained(n.Wait("w1")))
}
