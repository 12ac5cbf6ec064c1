package server_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiai-ai/shiai/internal/model"
	"github.com/shiai-ai/shiai/internal/server"
	"github.com/shiai-ai/shiai/internal/testutil"
	"github.com/shiai-ai/shiai/internal/workorder"
)

func receiveFrame(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SSE frame")
		return nil
	}
}

func TestBrokerPublishDeliversFormattedFrame(t *testing.T) {
	broker := server.NewBroker(testutil.TestLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	id := uuid.New()
	broker.Publish(workorder.Event{ID: id, Status: model.StatusRunning, Message: "1/3 candidates resolved"})

	frame := receiveFrame(t, ch)
	require.True(t, bytes.HasPrefix(frame, []byte("event: work_order\ndata: ")))
	require.True(t, bytes.HasSuffix(frame, []byte("\n\n")))

	payload := bytes.TrimSuffix(bytes.TrimPrefix(frame, []byte("event: work_order\ndata: ")), []byte("\n\n"))
	var ev workorder.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, model.StatusRunning, ev.Status)
	assert.Equal(t, "1/3 candidates resolved", ev.Message)
}

func TestBrokerFanOut(t *testing.T) {
	broker := server.NewBroker(testutil.TestLogger())
	a := broker.Subscribe()
	b := broker.Subscribe()
	defer broker.Unsubscribe(a)
	defer broker.Unsubscribe(b)

	broker.Publish(workorder.Event{ID: uuid.New(), Status: model.StatusPending})

	assert.Equal(t, receiveFrame(t, a), receiveFrame(t, b))
}

func TestBrokerDropsEventsForSlowSubscriber(t *testing.T) {
	broker := server.NewBroker(testutil.TestLogger())
	slow := broker.Subscribe()
	defer broker.Unsubscribe(slow)

	// Fill the subscriber buffer and then some; the overflow must be
	// dropped rather than blocking Publish.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			broker.Publish(workorder.Event{ID: uuid.New(), Status: model.StatusRunning})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, 64, len(slow))
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	broker := server.NewBroker(testutil.TestLogger())
	ch := broker.Subscribe()
	broker.Unsubscribe(ch)

	_, open := <-ch
	assert.False(t, open)

	// Publishing after the last subscriber is gone is a no-op.
	broker.Publish(workorder.Event{ID: uuid.New(), Status: model.StatusCompleted})
}
