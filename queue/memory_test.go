package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pilotstreams/errors"
	"github.com/c360/pilotstreams/unit"
)

func newUnit(state unit.State) *unit.Unit {
	u := unit.NewUnit(unit.Description{Executable: "/bin/true"})
	u.SetState(state)
	return u
}

func TestMemoryQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	in := b.Open("scheduling", InputSide)
	out := b.Open("scheduling", OutputSide)

	var uids []string
	for i := 0; i < 3; i++ {
		u := newUnit(unit.Scheduling)
		uids = append(uids, u.UID)
		require.NoError(t, in.Put(ctx, u))
	}
	assert.Equal(t, 3, b.Depth("scheduling"))

	for _, want := range uids {
		got, err := out.Poll(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, got.UID)
	}

	got, err := out.Poll(ctx, 0)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryQueue_PutCopies(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	in := b.Open("q", InputSide)
	out := b.Open("q", OutputSide)

	u := newUnit(unit.Executing)
	require.NoError(t, in.Put(ctx, u))
	u.State = unit.Failed

	got, err := out.Poll(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, unit.Executing, got.State)
	assert.NotSame(t, u, got)
}

func TestMemoryQueue_WrongSide(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()

	_, err := b.Open("q", InputSide).Poll(ctx, 0)
	assert.ErrorIs(t, err, errors.ErrWrongSide)
	assert.True(t, errors.IsInvalid(err))

	err = b.Open("q", OutputSide).Put(ctx, newUnit(unit.New))
	assert.ErrorIs(t, err, errors.ErrWrongSide)
}

func TestMemoryQueue_PollTimeout(t *testing.T) {
	b := NewBroker()
	out := b.Open("q", OutputSide)

	start := time.Now()
	got, err := out.Poll(context.Background(), 30*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestMemoryQueue_PollWakesOnPut(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	in := b.Open("q", InputSide)
	out := b.Open("q", OutputSide)

	u := newUnit(unit.New)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = in.Put(ctx, u)
	}()

	got, err := out.Poll(ctx, 2*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, u.UID, got.UID)
}

func TestMemoryQueue_PollContextCancelled(t *testing.T) {
	b := NewBroker()
	out := b.Open("q", OutputSide)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := out.Poll(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryQueue_Closed(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	in := b.Open("q", InputSide)
	require.NoError(t, in.Close())
	assert.ErrorIs(t, in.Put(ctx, newUnit(unit.New)), errors.ErrQueueClosed)

	out := b.Open("q", OutputSide)
	require.NoError(t, out.Close())
	_, err := out.Poll(ctx, 0)
	assert.ErrorIs(t, err, errors.ErrQueueClosed)
}

func TestMemoryQueue_SingleDelivery(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	in := b.Open("shared", InputSide)

	const units = 200
	for i := 0; i < units; i++ {
		require.NoError(t, in.Put(ctx, newUnit(unit.Scheduling)))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for c := 0; c < 4; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := b.Open("shared", OutputSide)
			for {
				u, err := out.Poll(ctx, 20*time.Millisecond)
				if err != nil || u == nil {
					return
				}
				mu.Lock()
				seen[u.UID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, units)
	for uid, n := range seen {
		assert.Equal(t, 1, n, uid)
	}
}

func TestKindFor(t *testing.T) {
	tests := []struct {
		address string
		want    Kind
		wantErr bool
	}{
		{"", KindMemory, false},
		{"memory", KindMemory, false},
		{"nats://localhost:4222", KindJetStream, false},
		{"tls://nats.example:4222", KindJetStream, false},
		{"zmq://host:1", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			got, err := KindFor(tt.address)
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrUnknownTransport)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStreamNaming(t *testing.T) {
	assert.Equal(t, "PILOT_Q_STAGING_INPUT", StreamName("staging_input"))
	assert.Equal(t, "PILOT_Q_AGENT_EXEC", StreamName("agent.exec"))
	assert.Equal(t, "pilot.queue.agent_exec", Subject("agent.exec"))
}
