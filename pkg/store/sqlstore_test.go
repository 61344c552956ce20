package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/types"
)

func openTestGateway(t *testing.T) Gateway {
	t.Helper()
	g, ferr := Open("file::memory:?cache=shared")
	require.Nil(t, ferr)
	require.NotNil(t, g)
	require.Nil(t, g.Bootstrap(context.Background()))
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func testFrame() *types.Frame {
	frame := &types.Frame{Columns: []string{"datetime", "value"}}
	for i := 0; i < types.TickLength; i++ {
		frame.Rows = append(frame.Rows, []any{i, float64(i) * 1.5})
	}
	return frame
}

func TestCreateFactorRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	g := openTestGateway(t)

	require.Nil(t, g.CreateFactor(ctx, "MOMENTUM"))
	ferr := g.CreateFactor(ctx, "MOMENTUM")
	require.NotNil(t, ferr)
	require.True(t, ferrors.Is(ferr, ferrors.FactorAlreadyExists))
}

func TestGroupMembershipResolution(t *testing.T) {
	ctx := context.Background()
	g := openTestGateway(t)

	require.Nil(t, g.CreateGroupFactor(ctx, "G#A#B", []string{"A", "B"}))

	owner, ferr := g.GetGroupForMember(ctx, "A")
	require.Nil(t, ferr)
	require.Equal(t, "G#A#B", owner)

	owner, ferr = g.GetGroupForMember(ctx, "C")
	require.Nil(t, ferr)
	require.Empty(t, owner)
}

func TestLinkageLifecycle(t *testing.T) {
	ctx := context.Background()
	g := openTestGateway(t)

	require.Nil(t, g.CreateFactor(ctx, "MOMENTUM"))
	versionID, ferr := g.CreateVersion(ctx, "MOMENTUM", "v1", []byte("code"))
	require.Nil(t, ferr)

	_, ferr = g.GetLinkageID(ctx, versionID, "600000.SH")
	require.NotNil(t, ferr)
	require.True(t, ferrors.Is(ferr, ferrors.LinkageNotExists))

	linkageID, ferr := g.CreateLinkage(ctx, versionID, "600000.SH")
	require.Nil(t, ferr)
	require.NotZero(t, linkageID)

	_, ferr = g.CreateLinkage(ctx, versionID, "600000.SH")
	require.True(t, ferrors.Is(ferr, ferrors.LinkageAlreadyExists))
}

func TestWriteResultFrameRoundTrip(t *testing.T) {
	ctx := context.Background()
	g := openTestGateway(t)

	require.Nil(t, g.CreateFactor(ctx, "MOMENTUM"))
	versionID, ferr := g.CreateVersion(ctx, "MOMENTUM", "v1", nil)
	require.Nil(t, ferr)
	linkageID, ferr := g.CreateLinkage(ctx, versionID, "600000.SH")
	require.Nil(t, ferr)

	require.Nil(t, g.WriteResultFrame(ctx, linkageID, "2026-07-30", testFrame()))

	frame, ferr := g.ReadResultFrame(ctx, linkageID, "2026-07-30")
	require.Nil(t, ferr)
	require.Equal(t, types.TickLength, frame.RowCount())
	require.True(t, frame.HasColumns([]string{"datetime", "value"}))

	dates, ferr := g.ListUpdatedDates(ctx, linkageID)
	require.Nil(t, ferr)
	require.Contains(t, dates, "2026-07-30")
}

func TestWriteResultFrameRecommitLeavesOneLogRow(t *testing.T) {
	ctx := context.Background()
	g := openTestGateway(t)

	require.Nil(t, g.CreateFactor(ctx, "MOMENTUM"))
	versionID, ferr := g.CreateVersion(ctx, "MOMENTUM", "v1", nil)
	require.Nil(t, ferr)
	linkageID, ferr := g.CreateLinkage(ctx, versionID, "600000.SH")
	require.Nil(t, ferr)

	require.Nil(t, g.WriteResultFrame(ctx, linkageID, "2026-07-30", testFrame()))
	require.Nil(t, g.WriteResultFrame(ctx, linkageID, "2026-07-30", testFrame()))

	dates, ferr := g.ListUpdatedDates(ctx, linkageID)
	require.Nil(t, ferr)
	count := 0
	for _, d := range dates {
		if d == "2026-07-30" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestWriteTickFrameRecommitLeavesOneLogRow(t *testing.T) {
	ctx := context.Background()
	g := openTestGateway(t)

	require.Nil(t, g.WriteTickFrame(ctx, "600000.SH", "2026-07-30", testFrame()))
	require.Nil(t, g.WriteTickFrame(ctx, "600000.SH", "2026-07-30", testFrame()))

	dates, ferr := g.ListTickUpdatedDates(ctx, "600000.SH")
	require.Nil(t, ferr)
	count := 0
	for _, d := range dates {
		if d == "2026-07-30" {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestWriteResultFrameRejectsShortFrame(t *testing.T) {
	ctx := context.Background()
	g := openTestGateway(t)

	require.Nil(t, g.CreateFactor(ctx, "MOMENTUM"))
	versionID, ferr := g.CreateVersion(ctx, "MOMENTUM", "v1", nil)
	require.Nil(t, ferr)
	linkageID, ferr := g.CreateLinkage(ctx, versionID, "600000.SH")
	require.Nil(t, ferr)

	short := &types.Frame{Columns: []string{"value"}, Rows: [][]any{{1.0}}}
	ferr = g.WriteResultFrame(ctx, linkageID, "2026-07-30", short)
	require.True(t, ferrors.Is(ferr, ferrors.InvalidFactorResult))
}

func TestStockViewRoundTrip(t *testing.T) {
	ctx := context.Background()
	g := openTestGateway(t)

	view := types.StockView{
		ViewName: "INDEX1.VIEW",
		Relation: map[string][]string{"600000.SH": {"close"}, "600001.SH": {"close"}},
	}
	require.Nil(t, g.CreateStockView(ctx, view))

	got, ferr := g.GetStockView(ctx, "INDEX1.VIEW")
	require.Nil(t, ferr)
	require.Equal(t, view.Relation, got.Relation)

	_, ferr = g.GetStockView(ctx, "MISSING.VIEW")
	require.True(t, ferrors.Is(ferr, ferrors.TickStockViewNotExists))
}

func TestFinishedTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	g := openTestGateway(t)

	ft := types.FinishedTask{
		TaskID:        "task-1",
		TaskType:      "factor_update",
		FinalStatus:   types.TaskFinished,
		TotalUnits:    3,
		FinishedUnits: 3,
		WorkerID:      "worker-1",
		Dependencies:  []string{"task-0"},
	}
	require.Nil(t, g.RecordFinishedTask(ctx, ft))

	list, ferr := g.ListFinishedTasks(ctx, ft.FinishTS.Add(-time.Minute))
	require.Nil(t, ferr)
	require.Len(t, list, 1)
	require.Equal(t, "task-1", list[0].TaskID)
	require.Equal(t, []string{"task-0"}, list[0].Dependencies)
}
