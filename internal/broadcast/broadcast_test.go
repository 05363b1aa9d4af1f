package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/BTreeMap/CareNudge/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func event(subject string, seq int) models.StateChangeEvent {
	return models.StateChangeEvent{
		ID:          fmt.Sprintf("evt_%d", seq),
		SubjectType: models.SubjectTaskResponse,
		SubjectID:   subject,
		NewState:    models.TaskStateCompleted,
	}
}

func receive(t *testing.T, sub *Subscription) models.StateChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.StateChangeEvent{}
	}
}

func TestPublishDeliversToAllSubscribersInOrder(t *testing.T) {
	b := New()
	defer b.Close()
	subs := []*Subscription{b.Subscribe(), b.Subscribe(), b.Subscribe()}
	require.Equal(t, 3, b.SubscriberCount())

	for i := 1; i <= 10; i++ {
		b.Publish(event("t1", i))
	}

	for _, sub := range subs {
		for i := 1; i <= 10; i++ {
			ev := receive(t, sub)
			assert.Equal(t, fmt.Sprintf("evt_%d", i), ev.ID)
			assert.Zero(t, ev.Gap)
		}
	}
	assert.Equal(t, uint64(10), b.Published())
}

func TestPerSubjectFIFOWithConcurrentPublishers(t *testing.T) {
	b := New(WithBufferSize(1024))
	defer b.Close()
	sub := b.Subscribe()

	subjects := []string{"a", "b", "c", "d"}
	var wg sync.WaitGroup
	for _, subject := range subjects {
		wg.Add(1)
		go func(subject string) {
			defer wg.Done()
			for i := 1; i <= 50; i++ {
				b.Publish(event(subject, i))
			}
		}(subject)
	}
	wg.Wait()

	last := map[string]int{}
	for n := 0; n < len(subjects)*50; n++ {
		ev := receive(t, sub)
		var seq int
		_, err := fmt.Sscanf(ev.ID, "evt_%d", &seq)
		require.NoError(t, err)
		assert.Greater(t, seq, last[ev.SubjectID], "subject %s out of order", ev.SubjectID)
		last[ev.SubjectID] = seq
	}
}

func TestSlowSubscriberDropsOldestAndFlagsGap(t *testing.T) {
	var dropMu sync.Mutex
	drops := 0
	b := New(WithBufferSize(4), WithOnDrop(func(uint64) {
		dropMu.Lock()
		drops++
		dropMu.Unlock()
	}))
	defer b.Close()
	sub := b.Subscribe()

	const total = 20
	done := make(chan struct{})
	go func() {
		for i := 1; i <= total; i++ {
			b.Publish(event("t1", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	received, gaps, prev := 0, 0, 0
	for {
		ev := receive(t, sub)
		var seq int
		_, err := fmt.Sscanf(ev.ID, "evt_%d", &seq)
		require.NoError(t, err)
		assert.Greater(t, seq, prev)
		if ev.Gap > 0 {
			assert.Equal(t, prev+ev.Gap+1, seq, "gap must account for the skipped events")
		}
		prev = seq
		received++
		gaps += ev.Gap
		if seq == total {
			break
		}
	}

	assert.Equal(t, total, received+gaps)
	assert.Greater(t, gaps, 0)
	assert.Equal(t, uint64(gaps), b.Dropped())
	dropMu.Lock()
	assert.Equal(t, gaps, drops)
	dropMu.Unlock()
}

func TestSubscriptionClose(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe()
	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount())

	b.Publish(event("t1", 1))
}

func TestBroadcasterCloseClosesSubscriptions(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Publish(event("t1", 1))
	b.Close()

	for range sub.C() {
	}
	late := b.Subscribe()
	_, ok := <-late.C()
	assert.False(t, ok, "subscriptions after Close are already closed")
	b.Publish(event("t1", 2))
}
