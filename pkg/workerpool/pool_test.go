package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/factorial/pkg/sandbox"
	"github.com/cuemby/factorial/pkg/types"
)

type fakeSandbox struct {
	fail map[int]bool
}

func (f *fakeSandbox) Run(_ context.Context, unit types.UnitTask, _ []byte) (sandbox.Result, error) {
	if f.fail[unit.SubID] {
		return sandbox.Result{}, errors.New("boom")
	}
	return sandbox.Result{Frame: &types.Frame{Columns: []string{"value"}, Rows: [][]any{{1}}}}, nil
}

func lookupOK(context.Context, types.UnitTask) ([]byte, error) { return []byte("code"), nil }

func TestApplyTaskGroupRunsAllUnitsToCompletion(t *testing.T) {
	var mu sync.Mutex
	var finishAcks []Message
	sink := func(msg Message) {
		if msg.Kind == MsgFinishAck {
			mu.Lock()
			finishAcks = append(finishAcks, msg)
			mu.Unlock()
		}
	}

	p := New(2, &fakeSandbox{}, nil, lookupOK, sink)
	defer p.Close()

	group := &types.TaskGroup{
		GroupID: "g1",
		Units: []types.UnitTask{
			{Type: "factor_update", SubID: 0, Target: "600000.SH"},
			{Type: "factor_update", SubID: 1, Target: "600001.SH"},
		},
	}
	require.NoError(t, p.ApplyTaskGroup(group))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(finishAcks) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	ack := finishAcks[0]
	mu.Unlock()
	require.Equal(t, 2, ack.Finished)
	require.Equal(t, 0, ack.AbortedCount)

	// A finished group is retired before its finish ack is emitted.
	_, _, _, ferr := p.GroupStatus("g1")
	require.NotNil(t, ferr)
}

func TestApplyTaskGroupReportsAbortedUnit(t *testing.T) {
	var mu sync.Mutex
	var ack *Message
	sink := func(msg Message) {
		if msg.Kind == MsgFinishAck {
			mu.Lock()
			m := msg
			ack = &m
			mu.Unlock()
		}
	}

	p := New(2, &fakeSandbox{fail: map[int]bool{0: true}}, nil, lookupOK, sink)
	defer p.Close()

	group := &types.TaskGroup{
		GroupID: "g2",
		Units: []types.UnitTask{
			{Type: "factor_update", SubID: 0, Target: "600000.SH"},
		},
	}
	require.NoError(t, p.ApplyTaskGroup(group))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ack != nil
	}, time.Second, 10*time.Millisecond)
	require.True(t, ack.Aborted)
}

func TestStopTaskGroupDropsOnlyNamedGroup(t *testing.T) {
	blocked := make(chan struct{})
	slow := &blockingSandbox{release: blocked}
	p := New(1, slow, nil, lookupOK, func(Message) {})
	defer p.Close()

	g1 := &types.TaskGroup{GroupID: "g1", Units: []types.UnitTask{{SubID: 0, Target: "A"}}}
	g2 := &types.TaskGroup{GroupID: "g2", Units: []types.UnitTask{{SubID: 0, Target: "B"}}}
	require.NoError(t, p.ApplyTaskGroup(g1))
	require.NoError(t, p.ApplyTaskGroup(g2))

	close(blocked)
	require.NoError(t, p.StopTaskGroup("g1"))

	_, _, _, ferr := p.GroupStatus("g1")
	require.NotNil(t, ferr)
}

type blockingSandbox struct {
	release chan struct{}
}

func (b *blockingSandbox) Run(ctx context.Context, unit types.UnitTask, _ []byte) (sandbox.Result, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return sandbox.Result{Frame: &types.Frame{Columns: []string{"value"}, Rows: [][]any{{1}}}}, nil
}
