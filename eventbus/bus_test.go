package eventbus

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSubscribers(t *testing.T) {
	bus := New(8, nil)
	defer bus.Close()

	execA := uuid.New()
	execB := uuid.New()

	all := bus.Subscribe(SubscriberFilter{})
	onlyA := bus.Subscribe(SubscriberFilter{ExecutionID: execA})
	nodeEvents := bus.Subscribe(SubscriberFilter{Types: []EventType{NodeStarted}})

	bus.Publish(Event{Type: ExecutionStarted, ExecutionID: execA})
	bus.Publish(Event{Type: NodeStarted, ExecutionID: execB, NodeID: "n1"})

	assert.Equal(t, ExecutionStarted, (<-all.Events()).Type)
	assert.Equal(t, NodeStarted, (<-all.Events()).Type)

	got := <-onlyA.Events()
	assert.Equal(t, execA, got.ExecutionID)
	select {
	case e := <-onlyA.Events():
		t.Fatalf("unexpected event %v", e)
	default:
	}

	got = <-nodeEvents.Events()
	assert.Equal(t, "n1", got.NodeID)
}

func TestPublishStampsTimestamp(t *testing.T) {
	bus := New(1, nil)
	defer bus.Close()

	sub := bus.Subscribe(SubscriberFilter{})
	bus.Publish(Event{Type: AgentProbed})

	assert.False(t, (<-sub.Events()).At.IsZero())
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	bus := New(2, nil)
	defer bus.Close()

	sub := bus.Subscribe(SubscriberFilter{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: NodeStarted, NodeID: "n"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Positive(t, bus.Dropped())
	// Latest events survive drop-oldest shedding.
	assert.Equal(t, NodeStarted, (<-sub.Events()).Type)
}

func TestSubscriptionClose(t *testing.T) {
	bus := New(4, nil)
	defer bus.Close()

	sub := bus.Subscribe(SubscriberFilter{})
	sub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing after close must not panic.
	bus.Publish(Event{Type: NodeStarted})
}

func TestBusCloseClosesSubscribers(t *testing.T) {
	bus := New(4, nil)
	sub := bus.Subscribe(SubscriberFilter{})

	bus.Close()
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Subscribing after close yields an already-closed feed.
	late := bus.Subscribe(SubscriberFilter{})
	_, ok = <-late.Events()
	assert.False(t, ok)
}

func TestWebhookDeliveryWithSignature(t *testing.T) {
	var received atomic.Int32
	var body []byte
	var signature string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event Event
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		body = data
		signature = r.Header.Get("X-Flowmesh-Signature")
		require.NoError(t, json.Unmarshal(data, &event))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	bus := New(8, nil)
	defer bus.Close()

	d := NewWebhookDispatcher(bus, WebhookConfig{
		URL:    srv.URL,
		Secret: "s3cret",
	}, nil)

	bus.Publish(Event{Type: ExecutionSucceeded, ExecutionID: uuid.New()})

	require.Eventually(t, func() bool { return received.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	d.Close()

	assert.True(t, VerifySignature(body, "s3cret", signature))
	assert.False(t, VerifySignature(body, "wrong", signature))
}

func TestWebhookRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	bus := New(8, nil)
	defer bus.Close()

	d := NewWebhookDispatcher(bus, WebhookConfig{URL: srv.URL, Secret: "s", MaxRetries: 5}, nil)
	bus.Publish(Event{Type: ExecutionFailed})

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)
	d.Close()
}
