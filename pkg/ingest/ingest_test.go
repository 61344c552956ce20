package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/store"
	"github.com/cuemby/factorial/pkg/types"
)

func newTestStore(t *testing.T) store.Gateway {
	t.Helper()
	gw, ferr := store.Open("file::memory:?cache=shared")
	require.Nil(t, ferr)
	require.Nil(t, gw.Bootstrap(context.Background()))
	t.Cleanup(func() { _ = gw.Close() })
	return gw
}

func dayFrame(cols []string) *types.Frame {
	frame := &types.Frame{Columns: cols}
	for i := 0; i < types.TickLength; i++ {
		row := make([]any, len(cols))
		for j := range cols {
			row[j] = i
		}
		frame.Rows = append(frame.Rows, row)
	}
	return frame
}

func TestCommitFactorResultPlainFactor(t *testing.T) {
	ctx := context.Background()
	gw := newTestStore(t)
	in := New(gw)

	require.Nil(t, gw.CreateFactor(ctx, "MOMENTUM"))
	versionID, ferr := gw.CreateVersion(ctx, "MOMENTUM", "v1", nil)
	require.Nil(t, ferr)
	_, ferr = gw.CreateLinkage(ctx, versionID, "600000.SH")
	require.Nil(t, ferr)

	ferr = in.CommitFactorResult(ctx, "MOMENTUM", "v1", "600000.SH", "2026-07-30", dayFrame([]string{"value"}))
	require.Nil(t, ferr)
}

func TestCommitFactorResultGroupResolvesCanonicalName(t *testing.T) {
	ctx := context.Background()
	gw := newTestStore(t)
	in := New(gw)

	require.Nil(t, gw.CreateGroupFactor(ctx, "G#A#B", []string{"A", "B"}))
	versionID, ferr := gw.CreateGroupVersion(ctx, "G#A#B", "v1", map[string]string{"A": "v1", "B": "v1"})
	require.Nil(t, ferr)
	_, ferr = gw.CreateLinkage(ctx, versionID, "600000.SH")
	require.Nil(t, ferr)

	ferr = in.CommitFactorResult(ctx, "A", "v1", "600000.SH", "2026-07-30", dayFrame([]string{"A", "B"}))
	require.Nil(t, ferr)

	linkageID, ferr := gw.GetLinkageID(ctx, versionID, "600000.SH")
	require.Nil(t, ferr)
	frame, ferr := gw.ReadResultFrame(ctx, linkageID, "2026-07-30")
	require.Nil(t, ferr)
	require.Equal(t, types.TickLength, frame.RowCount())
}

func TestCommitFactorResultRejectsSignatureMismatch(t *testing.T) {
	ctx := context.Background()
	gw := newTestStore(t)
	in := New(gw)

	require.Nil(t, gw.CreateGroupFactor(ctx, "G#A#B", []string{"A", "B"}))
	_, ferr := gw.CreateGroupVersion(ctx, "G#A#B", "v1", map[string]string{"A": "v1", "B": "v1"})
	require.Nil(t, ferr)

	ferr = in.CommitFactorResult(ctx, "A", "v1", "600000.SH", "2026-07-30", dayFrame([]string{"A"}))
	require.True(t, ferrors.Is(ferr, ferrors.GroupFactorSignatureNotMatched))
}

func TestCommitTickFrameFansOutView(t *testing.T) {
	ctx := context.Background()
	gw := newTestStore(t)
	in := New(gw)

	view := types.StockView{
		ViewName: "INDEX1.VIEW",
		Relation: map[string][]string{
			"600000.SH": {"close"},
			"600001.SH": {"close"},
		},
	}
	require.Nil(t, gw.CreateStockView(ctx, view))

	ferr := in.CommitTickFrame(ctx, "INDEX1.VIEW", "2026-07-30", dayFrame([]string{"close"}))
	require.Nil(t, ferr)

	frame, ferr := gw.ReadTickFrame(ctx, "600000.SH", "2026-07-30")
	require.Nil(t, ferr)
	require.Equal(t, types.TickLength, frame.RowCount())

	viewFrame, ferr := gw.ReadTickFrame(ctx, "INDEX1.VIEW", "2026-07-30")
	require.Nil(t, ferr)
	require.Zero(t, viewFrame.RowCount())
}
