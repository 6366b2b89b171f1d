package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/forgechat/internal/events"
)

// fakeClock fires every After immediately, advancing Now by the delay,
// unless hold is set. Requested delays are recorded.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
	hold   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	ch := make(chan time.Time, 1)
	if !c.hold {
		c.now = c.now.Add(d)
		ch <- c.now
	}
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func TestStatusManager(t *testing.T) {
	t.Run("starts idle", func(t *testing.T) {
		m := NewStatusManager("s1", newFakeClock())
		assert.Equal(t, StatusIdle, m.Current())
		assert.Empty(t, m.History())
	})

	t.Run("records elapsed time and tool", func(t *testing.T) {
		clk := newFakeClock()
		m := NewStatusManager("s1", clk)

		require.True(t, m.Set(StatusApiCallInProgress))
		clk.Advance(1500 * time.Millisecond)
		require.True(t, m.Set(StatusToolExecutionInProgress, WithTool("calc.add")))

		hist := m.History()
		require.Len(t, hist, 2)
		assert.Equal(t, StatusIdle, hist[0].Old)
		assert.Equal(t, StatusApiCallInProgress, hist[0].New)
		assert.Equal(t, "s1", hist[1].SessionID)
		assert.Equal(t, 1500*time.Millisecond, hist[1].Elapsed)
		assert.Equal(t, "calc.add", hist[1].Tool)
		assert.Equal(t, "calc.add", m.Snapshot().Tool)
	})

	t.Run("repeating a status is a no-op", func(t *testing.T) {
		m := NewStatusManager("s1", newFakeClock())
		assert.False(t, m.Set(StatusIdle))
		assert.True(t, m.Set(StatusToolExecutionInProgress, WithTool("a")))
		assert.False(t, m.Set(StatusToolExecutionInProgress, WithTool("a")))
		assert.True(t, m.Set(StatusToolExecutionInProgress, WithTool("b")))
		assert.Len(t, m.History(), 2)
	})

	t.Run("error records always publish", func(t *testing.T) {
		m := NewStatusManager("s1", newFakeClock())
		rec := ApiErrorRecord{ModelID: "m", Attempt: 0}
		assert.True(t, m.Set(StatusWaitingWithBackoff, WithError(rec)))
		assert.True(t, m.Set(StatusWaitingWithBackoff, WithError(rec)))

		hist := m.History()
		require.Len(t, hist, 2)
		require.NotNil(t, hist[1].Error)
		assert.Equal(t, "m", hist[1].Error.ModelID)
	})

	t.Run("shutdown is terminal", func(t *testing.T) {
		m := NewStatusManager("s1", newFakeClock())
		require.True(t, m.Set(StatusShutdown))
		assert.False(t, m.Set(StatusIdle))
		assert.Equal(t, StatusShutdown, m.Current())
	})

	t.Run("subscribers see commit order", func(t *testing.T) {
		m := NewStatusManager("s1", newFakeClock())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch := m.Subscribe(ctx)

		order := []Status{StatusApiCallInProgress, StatusWaitingWithBackoff, StatusApiCallInProgress, StatusIdle}
		for _, s := range order {
			m.Set(s)
		}
		for _, want := range order {
			select {
			case ev := <-ch:
				assert.Equal(t, events.StatusChanged, ev.Type)
				assert.Equal(t, "s1", ev.SessionID)
				assert.Equal(t, want, ev.Payload.New)
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for %s", want)
			}
		}
	})

	t.Run("slow subscriber misses no transition", func(t *testing.T) {
		m := NewStatusManager("s1", newFakeClock())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch := m.Subscribe(ctx)

		var want []Status
		for i := 0; i < 100; i++ {
			s := StatusApiCallInProgress
			if i%2 == 1 {
				s = StatusWaitingWithBackoff
			}
			require.True(t, m.Set(s))
			want = append(want, s)
		}
		for i, s := range want {
			select {
			case ev := <-ch:
				require.Equal(t, s, ev.Payload.New, "transition %d", i)
			case <-time.After(time.Second):
				t.Fatalf("transition %d not delivered", i)
			}
		}
	})

	t.Run("publishes api errors", func(t *testing.T) {
		m := NewStatusManager("s1", newFakeClock())
		store := events.NewMemoryStore(10)
		m.SetPersistence(store)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch := m.SubscribeErrors(ctx)

		rec := ApiErrorRecord{ModelID: "m", Attempt: 1, Backoff: time.Second, Error: "503", StatusCode: 503, Retryable: true}
		m.RecordError(rec)

		select {
		case ev := <-ch:
			assert.Equal(t, events.ApiErrorOccurred, ev.Type)
			assert.Equal(t, "s1", ev.SessionID)
			assert.Equal(t, rec, ev.Payload)
		case <-time.After(time.Second):
			t.Fatal("api error not delivered")
		}
		stored := store.Find(events.Query{Types: []events.EventType{events.ApiErrorOccurred}})
		require.Len(t, stored, 1)
	})

	t.Run("persists transitions", func(t *testing.T) {
		m := NewStatusManager("s1", newFakeClock())
		store := events.NewMemoryStore(10)
		m.SetPersistence(store)
		m.Set(StatusApiCallInProgress)

		stored := store.Find(events.Query{SessionPrefix: "s1"})
		require.Len(t, stored, 1)
		assert.Equal(t, events.StatusChanged, stored[0].Type)
	})
}

func TestStatusText(t *testing.T) {
	for s := StatusIdle; s <= StatusShutdown; s++ {
		t.Run(s.String(), func(t *testing.T) {
			b, err := s.MarshalText()
			require.NoError(t, err)
			var back Status
			require.NoError(t, back.UnmarshalText(b))
			assert.Equal(t, s, back)
			assert.NotEmpty(t, s.DisplayName())
			assert.NotEmpty(t, s.Description())
		})
	}

	var s Status
	assert.Error(t, s.UnmarshalText([]byte("BUSY")))
}
