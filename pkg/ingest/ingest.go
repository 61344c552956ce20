package ingest

import (
	"context"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/log"
	"github.com/cuemby/factorial/pkg/metrics"
	"github.com/cuemby/factorial/pkg/store"
	"github.com/cuemby/factorial/pkg/types"
)

// Ingestor commits worker-submitted day frames to the metadata store,
// applying the validation and name-resolution rules the coordinator
// needs before any row becomes visible to a reader.
type Ingestor struct {
	gw store.Gateway
}

func New(gw store.Gateway) *Ingestor {
	return &Ingestor{gw: gw}
}

// CommitFactorResult validates and writes one day's factor-result frame
// for (factorName, versionLabel, stock). When factorName names a group
// member, the write resolves to the owning group's linkage: a reader
// always projects a group factor's day-frame under the group's
// canonical name, never under the member name that happened to trigger
// the write.
func (in *Ingestor) CommitFactorResult(ctx context.Context, factorName, versionLabel, stock, date string, frame *types.Frame) *ferrors.Error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IngestCommitDuration, "factor")

	resolvedName := factorName
	if group, ferr := in.gw.GetGroupForMember(ctx, factorName); ferr == nil && group != "" {
		resolvedName = group
		members, ferr := in.gw.GetMembers(ctx, group, nil)
		if ferr != nil {
			metrics.IngestRejectedTotal.WithLabelValues("group_lookup_failed").Inc()
			return ferr
		}
		want := make([]string, 0, len(members))
		for _, m := range members {
			want = append(want, m.MemberName)
		}
		if !frame.HasColumns(want) {
			metrics.IngestRejectedTotal.WithLabelValues("signature_mismatch").Inc()
			return ferrors.New(ferrors.GroupFactorSignatureNotMatched, resolvedName)
		}
	}

	latest, ferr := in.gw.GetLatestVersion(ctx, resolvedName)
	if ferr != nil {
		metrics.IngestRejectedTotal.WithLabelValues("version_not_found").Inc()
		return ferr
	}
	linkageID, ferr := in.gw.GetLinkageID(ctx, latest.VersionID, stock)
	if ferr != nil {
		metrics.IngestRejectedTotal.WithLabelValues("linkage_not_found").Inc()
		return ferr
	}

	if ferr := in.gw.WriteResultFrame(ctx, linkageID, date, frame); ferr != nil {
		metrics.IngestRejectedTotal.WithLabelValues(string(ferr.Kind)).Inc()
		return ferr
	}
	metrics.IngestRowsTotal.WithLabelValues("factor").Add(float64(frame.RowCount()))
	log.WithLinkageID(linkageID).Info().
		Str("factor", resolvedName).Str("stock", stock).Str("date", date).
		Msg("committed factor result frame")
	return nil
}

// CommitTickFrame validates and writes one day's raw tick frame for
// stock. When stock names a view, the write fans out to every
// underlying stock in the view's relation instead of writing a row
// keyed by the view's own name: views are a read-time composition, they
// never own tick data of their own.
func (in *Ingestor) CommitTickFrame(ctx context.Context, stock, date string, frame *types.Frame) *ferrors.Error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.IngestCommitDuration, "tick")

	if types.IsView(stock) {
		view, ferr := in.gw.GetStockView(ctx, stock)
		if ferr != nil {
			metrics.IngestRejectedTotal.WithLabelValues("view_not_found").Inc()
			return ferr
		}
		for underlying, cols := range view.Relation {
			sub := projectColumns(frame, cols)
			if ferr := in.gw.WriteTickFrame(ctx, underlying, date, sub); ferr != nil {
				metrics.IngestRejectedTotal.WithLabelValues(string(ferr.Kind)).Inc()
				return ferr
			}
			metrics.IngestRowsTotal.WithLabelValues("tick").Add(float64(sub.RowCount()))
		}
		log.Logger.Info().Str("view", stock).Str("date", date).Msg("fanned out view tick frame")
		return nil
	}

	if ferr := in.gw.WriteTickFrame(ctx, stock, date, frame); ferr != nil {
		metrics.IngestRejectedTotal.WithLabelValues(string(ferr.Kind)).Inc()
		return ferr
	}
	metrics.IngestRowsTotal.WithLabelValues("tick").Add(float64(frame.RowCount()))
	log.Logger.Info().Str("stock", stock).Str("date", date).Msg("committed tick frame")
	return nil
}

// projectColumns narrows frame to the requested subset of columns, in
// the order cols lists them, preserving row order. A requested column
// the frame lacks is skipped, and no column is kept unless cols names it
// (a datetime column included).
func projectColumns(frame *types.Frame, cols []string) *types.Frame {
	idx := make([]int, 0, len(cols))
	out := &types.Frame{Columns: make([]string, 0, len(cols))}
	for _, c := range cols {
		for i, fc := range frame.Columns {
			if fc == c {
				idx = append(idx, i)
				out.Columns = append(out.Columns, c)
				break
			}
		}
	}
	for _, row := range frame.Rows {
		newRow := make([]any, len(idx))
		for j, i := range idx {
			if i < len(row) {
				newRow[j] = row[i]
			}
		}
		out.Rows = append(out.Rows, newRow)
	}
	return out
}
