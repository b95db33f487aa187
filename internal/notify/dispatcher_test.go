package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usdt-custody-go/internal/models"
)

type captureSink struct {
	mu       sync.Mutex
	got      []models.Notification
	delay    time.Duration
	failWith error
}

func (s *captureSink) Deliver(_ context.Context, n models.Notification) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.failWith != nil {
		return s.failWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

func (s *captureSink) all() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Notification, len(s.got))
	copy(out, s.got)
	return out
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	d := NewDispatcher(8, a, b)
	d.Start(context.Background())

	d.Notify("user-1", "Transaction Approved", "details")
	d.Notify("admin", "New Purchase Request", "details")
	d.Stop()

	require.Len(t, a.all(), 2)
	require.Len(t, b.all(), 2)
	assert.Equal(t, "user-1", a.all()[0].Recipient)
	assert.Equal(t, "Transaction Approved", a.all()[0].Title)
	assert.False(t, a.all()[0].CreatedAt.IsZero())
}

func TestDispatcher_NotifyNeverBlocks(t *testing.T) {
	// A sink slower than the queue can drain must not stall the caller.
	slow := &captureSink{delay: 50 * time.Millisecond}
	d := NewDispatcher(2, slow)
	d.Start(context.Background())
	defer d.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Notify("user-1", "Title", "body")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}
}

func TestDispatcher_SinkFailureDoesNotStopOthers(t *testing.T) {
	failing := &captureSink{failWith: errors.New("gateway down")}
	healthy := &captureSink{}
	d := NewDispatcher(8, failing, healthy)
	d.Start(context.Background())

	d.Notify("user-1", "Transfer Completed", "body")
	d.Stop()

	assert.Len(t, healthy.all(), 1)
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	sink := &captureSink{}
	d := NewDispatcher(64, sink)
	d.Start(context.Background())

	for i := 0; i < 20; i++ {
		d.Notify("user-1", "Title", "body")
	}
	d.Stop()

	assert.Len(t, sink.all(), 20)
}
