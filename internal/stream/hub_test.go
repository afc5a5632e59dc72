package stream

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/internal/domain"
	"github.com/xiaot623/gogo/internal/logging"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func receive(t *testing.T, sub *Subscriber) domain.Event {
	t.Helper()
	select {
	case data, ok := <-sub.Send:
		require.True(t, ok, "channel closed")
		var evt domain.Event
		require.NoError(t, json.Unmarshal(data, &evt))
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return domain.Event{}
}

func TestHubDeliversOnlyToExecutionSubscribers(t *testing.T) {
	h := startHub(t)
	a := h.NewSubscriber("exec_a")
	b := h.NewSubscriber("exec_b")
	h.Register(a)
	h.Register(b)

	h.Publish(&domain.Event{EventID: "evt_1", ExecutionID: "exec_a", Seq: 1, Type: domain.EventTypeExecutionStarted})
	h.Publish(&domain.Event{EventID: "evt_2", ExecutionID: "exec_b", Seq: 1, Type: domain.EventTypeExecutionCompleted})

	assert.Equal(t, "evt_1", receive(t, a).EventID)
	assert.Equal(t, "evt_2", receive(t, b).EventID)
	assert.Empty(t, a.Send)
}

func TestHubUnregisterClosesChannel(t *testing.T) {
	h := startHub(t)
	sub := h.NewSubscriber("exec_a")
	h.Register(sub)
	require.Eventually(t, func() bool { return h.SubscriberCount("exec_a") == 1 }, time.Second, 5*time.Millisecond)

	h.Unregister(sub)
	_, ok := <-sub.Send
	assert.False(t, ok)
	assert.Equal(t, 0, h.SubscriberCount("exec_a"))

	// A second unregister is a no-op.
	h.Unregister(sub)
}

func TestPublishWithoutRunDoesNotBlock(t *testing.T) {
	h := NewHub(logging.Discard())
	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBuffer+10; i++ {
			h.Publish(&domain.Event{ExecutionID: "exec_a", Seq: int64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
}
