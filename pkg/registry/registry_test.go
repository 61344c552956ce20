package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/types"
)

func TestHeartbeatIgnoresOutOfOrderUpdate(t *testing.T) {
	r := New(30 * time.Second)
	w := r.Register("10.0.0.1", 9000, 4)

	newer := time.Now().Add(time.Second)
	require.Nil(t, r.Heartbeat(w.ID, newer, []string{"t1"}))

	older := newer.Add(-500 * time.Millisecond)
	require.Nil(t, r.Heartbeat(w.ID, older, []string{"stale"}))

	list := r.List()
	require.Len(t, list, 1)
	require.Equal(t, []string{"t1"}, list[0].Tasks)
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	r := New(30 * time.Second)
	ferr := r.Heartbeat("ghost", time.Now(), nil)
	require.True(t, ferrors.Is(ferr, ferrors.WorkerNotExists))
}

func TestSweepEvictsStaleWorker(t *testing.T) {
	r := New(10 * time.Millisecond)
	w := r.Register("10.0.0.1", 9000, 4)
	require.True(t, r.IsAlive(w.ID))

	time.Sleep(20 * time.Millisecond)
	evicted := r.Sweep()
	require.Equal(t, []string{w.ID}, evicted)
	require.False(t, r.IsAlive(w.ID))
}

func TestSendCommandPicksLeastLoaded(t *testing.T) {
	r := New(time.Minute)
	busy := r.Register("10.0.0.1", 9000, 4)
	require.Nil(t, r.Heartbeat(busy.ID, time.Now(), []string{"a", "b", "c"}))
	idle := r.Register("10.0.0.2", 9000, 4)
	require.Nil(t, r.Heartbeat(idle.ID, time.Now(), nil))

	var picked string
	_, ferr := r.SendCommand(context.Background(), nil, func(_ context.Context, w types.WorkerInfo) error {
		picked = w.ID
		return nil
	})
	require.Nil(t, ferr)
	require.Equal(t, idle.ID, picked)
}

func TestSendCommandNoWorkers(t *testing.T) {
	r := New(time.Minute)
	_, ferr := r.SendCommand(context.Background(), nil, func(_ context.Context, _ types.WorkerInfo) error {
		return nil
	})
	require.True(t, ferrors.Is(ferr, ferrors.NoWorkerToBeAssigned))
}

func TestSendCommandFallsBackOnFailure(t *testing.T) {
	r := New(time.Minute)
	a := r.Register("10.0.0.1", 9000, 4)
	b := r.Register("10.0.0.2", 9000, 4)
	require.Nil(t, r.Heartbeat(a.ID, time.Now(), nil))
	require.Nil(t, r.Heartbeat(b.ID, time.Now(), []string{"x"})) // b busier, so a is tried first

	attempted := map[string]bool{}
	picked, ferr := r.SendCommand(context.Background(), nil, func(_ context.Context, w types.WorkerInfo) error {
		attempted[w.ID] = true
		if w.ID == a.ID {
			return errors.New("connection refused")
		}
		return nil
	})
	require.Nil(t, ferr)
	require.Equal(t, b.ID, picked.ID)
	require.True(t, attempted[a.ID])
}

func TestBroadcastReportsPerWorkerErrors(t *testing.T) {
	r := New(time.Minute)
	a := r.Register("10.0.0.1", 9000, 4)
	b := r.Register("10.0.0.2", 9000, 4)
	require.Nil(t, r.Heartbeat(a.ID, time.Now(), nil))
	require.Nil(t, r.Heartbeat(b.ID, time.Now(), nil))

	errs := r.Broadcast(context.Background(), func(_ context.Context, w types.WorkerInfo) error {
		if w.ID == a.ID {
			return errors.New("boom")
		}
		return nil
	})
	require.Len(t, errs, 1)
}
