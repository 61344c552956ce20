package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/store"
	"github.com/cuemby/factorial/pkg/types"
)

func newPlanStore(t *testing.T) store.Gateway {
	t.Helper()
	gw, ferr := store.Open("file::memory:?cache=shared")
	require.Nil(t, ferr)
	require.Nil(t, gw.Bootstrap(context.Background()))
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func dayFrame() *types.Frame {
	frame := &types.Frame{Columns: []string{"value"}}
	for i := 0; i < types.TickLength; i++ {
		frame.Rows = append(frame.Rows, []any{i})
	}
	return frame
}

func TestPlanFactorUpdateHoldsBackMissingTick(t *testing.T) {
	ctx := context.Background()
	gw := newPlanStore(t)
	p := New(gw)

	require.Nil(t, gw.CreateFactor(ctx, "MOMENTUM"))
	versionID, ferr := gw.CreateVersion(ctx, "MOMENTUM", "v1", nil)
	require.Nil(t, ferr)
	_, ferr = gw.CreateLinkage(ctx, versionID, "600000.SH")
	require.Nil(t, ferr)

	require.Nil(t, gw.WriteTickFrame(ctx, "600000.SH", "2026-07-29", dayFrame()))

	out, ferr := p.PlanFactorUpdate(ctx, versionID, "600000.SH", []string{"2026-07-29", "2026-07-30"})
	require.Nil(t, ferr)
	require.Len(t, out.Units, 1)
	require.Equal(t, "2026-07-29", out.Units[0].Args["date"])
	require.Equal(t, []string{"2026-07-30"}, out.WaitingDates)
}

func TestPlanFactorUpdateNothingToDo(t *testing.T) {
	ctx := context.Background()
	gw := newPlanStore(t)
	p := New(gw)

	require.Nil(t, gw.CreateFactor(ctx, "MOMENTUM"))
	versionID, ferr := gw.CreateVersion(ctx, "MOMENTUM", "v1", nil)
	require.Nil(t, ferr)
	_, ferr = gw.CreateLinkage(ctx, versionID, "600000.SH")
	require.Nil(t, ferr)

	_, ferr = p.PlanFactorUpdate(ctx, versionID, "600000.SH", nil)
	require.True(t, ferrors.Is(ferr, ferrors.TaskHasNothingToBeDone))
}

func TestPlanFactorUpdateMissingLinkage(t *testing.T) {
	ctx := context.Background()
	gw := newPlanStore(t)
	p := New(gw)

	require.Nil(t, gw.CreateFactor(ctx, "MOMENTUM"))
	versionID, ferr := gw.CreateVersion(ctx, "MOMENTUM", "v1", nil)
	require.Nil(t, ferr)

	_, ferr = p.PlanFactorUpdate(ctx, versionID, "600000.SH", []string{"2026-07-30"})
	require.True(t, ferrors.Is(ferr, ferrors.LinkageNotExists))
}

func TestPlanTickUpdateFansOutView(t *testing.T) {
	ctx := context.Background()
	gw := newPlanStore(t)
	p := New(gw)

	view := types.StockView{
		ViewName: "INDEX1.VIEW",
		Relation: map[string][]string{"600000.SH": {"close"}, "600001.SH": {"close"}},
	}
	require.Nil(t, gw.CreateStockView(ctx, view))

	units, ferr := p.PlanTickUpdate(ctx, "INDEX1.VIEW", []string{"2026-07-30"})
	require.Nil(t, ferr)
	require.Len(t, units, 2)

	targets := map[string]bool{}
	for _, u := range units {
		targets[u.Target] = true
	}
	require.True(t, targets["600000.SH"])
	require.True(t, targets["600001.SH"])
}
