package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(capacity int) *Bus {
	return New(Config{InboxCapacity: capacity, HeartbeatInterval: time.Hour})
}

func TestRegister_DuplicateRejected(t *testing.T) {
	b := newTestBus(4)
	_, err := b.Register("inst-1")
	require.NoError(t, err)

	_, err = b.Register("inst-1")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestSend_DirectPerSenderFIFO(t *testing.T) {
	b := newTestBus(16)
	handle, err := b.Register("receiver")
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := b.Send(ctx, &Message{
			Kind: KindTaskUpdate,
			From: "sender-a",
			To:   Direct("receiver"),
			Payload: i,
		}, PolicyNonBlocking)
		require.NoError(t, err)
	}

	for i := 0; i < 5; i++ {
		msg := <-handle.Receive()
		assert.Equal(t, i, msg.Payload)
	}
}

func TestSend_UnknownRecipient(t *testing.T) {
	b := newTestBus(4)
	_, err := b.Send(context.Background(), &Message{
		Kind: KindQuery,
		From: "sender",
		To:   Direct("ghost"),
	}, PolicyNonBlocking)
	assert.ErrorIs(t, err, ErrRecipientUnknown)
}

func TestSend_Backpressure(t *testing.T) {
	b := newTestBus(1)
	_, err := b.Register("receiver")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = b.Send(ctx, &Message{Kind: KindQuery, From: "s", To: Direct("receiver")}, PolicyNonBlocking)
	require.NoError(t, err)

	_, err = b.Send(ctx, &Message{Kind: KindQuery, From: "s", To: Direct("receiver")}, PolicyNonBlocking)
	assert.ErrorIs(t, err, ErrBackpressure)
}

func TestUnregister_ClosesInboxAndLaterSendIsUnknown(t *testing.T) {
	b := newTestBus(1)
	handle, err := b.Register("receiver")
	require.NoError(t, err)
	b.Unregister("receiver")

	_, ok := <-handle.Done()
	assert.False(t, ok)

	_, err = b.Send(context.Background(), &Message{Kind: KindQuery, From: "s", To: Direct("receiver")}, PolicyNonBlocking)
	assert.ErrorIs(t, err, ErrRecipientUnknown)
}

func TestSend_TopicFanOutPartialFailure(t *testing.T) {
	b := newTestBus(1)
	healthy, err := b.Register("healthy")
	require.NoError(t, err)
	_, err = b.Register("full")
	require.NoError(t, err)

	b.Subscribe("healthy", "alerts")
	b.Subscribe("full", "alerts")

	ctx := context.Background()
	// Fill "full"'s inbox so the fan-out partially fails without erroring
	// the caller.
	_, err = b.Send(ctx, &Message{Kind: KindQuery, From: "s", To: Direct("full")}, PolicyNonBlocking)
	require.NoError(t, err)

	result, err := b.Send(ctx, &Message{Kind: KindSystemBroadcast, From: "s", To: Topic("alerts")}, PolicyNonBlocking)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.True(t, errors.Is(result.Errors[0], ErrBackpressure))

	msg := <-healthy.Receive()
	assert.Equal(t, KindSystemBroadcast, msg.Kind)
}

func TestSend_GroupResolvesThroughResolver(t *testing.T) {
	b := newTestBus(4)
	a, err := b.Register("worker-1")
	require.NoError(t, err)
	_, err = b.Register("worker-2")
	require.NoError(t, err)

	b.SetGroupResolver(func(descriptorID string) []string {
		if descriptorID == "worker-pool" {
			return []string{"worker-1", "worker-2"}
		}
		return nil
	})

	result, err := b.Send(context.Background(), &Message{
		Kind: KindTaskAssignment,
		From: "orchestrator",
		To:   Group("worker-pool"),
	}, PolicyNonBlocking)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Delivered)

	msg := <-a.Receive()
	assert.Equal(t, KindTaskAssignment, msg.Kind)
}

func TestSend_Broadcast(t *testing.T) {
	b := newTestBus(4)
	h1, _ := b.Register("a")
	h2, _ := b.Register("b")

	result, err := b.Send(context.Background(), &Message{
		Kind: KindSystemBroadcast,
		From: "system",
		To:   Broadcast(),
	}, PolicyNonBlocking)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Delivered)

	<-h1.Receive()
	<-h2.Receive()
}

func TestHeartbeatMonitor_FlagsUnresponsiveInstance(t *testing.T) {
	b := New(Config{InboxCapacity: 4, HeartbeatInterval: 20 * time.Millisecond})
	_, err := b.Register("slow")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunHeartbeatMonitor(ctx)

	select {
	case id := <-b.Unresponsive():
		assert.Equal(t, "slow", id)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected slow instance to be flagged unresponsive")
	}
}

func TestHeartbeatMonitor_RefreshPreventsUnresponsive(t *testing.T) {
	b := New(Config{InboxCapacity: 4, HeartbeatInterval: 20 * time.Millisecond})
	_, err := b.Register("brisk")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.RunHeartbeatMonitor(ctx)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.Heartbeat("brisk")
			}
		}
	}()

	select {
	case id := <-b.Unresponsive():
		close(stop)
		wg.Wait()
		t.Fatalf("did not expect %s to be flagged unresponsive", id)
	case <-time.After(150 * time.Millisecond):
		close(stop)
		wg.Wait()
	}
}
