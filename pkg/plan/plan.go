package plan

import (
	"context"
	"sort"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/store"
	"github.com/cuemby/factorial/pkg/types"
)

// Planner turns a requested date range into the concrete set of unit
// tasks a coordinator task should dispatch, filtering out dates already
// on record and dates whose upstream tick data is not yet ready.
type Planner struct {
	gw store.Gateway
}

func New(gw store.Gateway) *Planner {
	return &Planner{gw: gw}
}

// FactorPlan is the outcome of planning a factor update: the ready unit
// tasks plus the dates held back pending upstream tick data.
type FactorPlan struct {
	Units        []types.UnitTask
	WaitingDates []string // stale tick dependency, not yet ready
}

// PlanFactorUpdate computes the day units needed to bring a linkage's
// result table up to date through wantDates. Dates already recorded
// (per ListUpdatedDates) are dropped; dates whose raw tick data is not
// yet committed for stock are held back as a dependency rather than
// dispatched, so the task manager can re-check them once the upstream
// tick task finishes instead of shipping a unit doomed to fail.
func (p *Planner) PlanFactorUpdate(ctx context.Context, versionID int64, stock string, wantDates []string) (*FactorPlan, *ferrors.Error) {
	linkageID, ferr := p.gw.GetLinkageID(ctx, versionID, stock)
	if ferr != nil {
		return nil, ferr
	}

	done, ferr := p.gw.ListUpdatedDates(ctx, linkageID)
	if ferr != nil {
		return nil, ferr
	}
	doneSet := toSet(done)

	tickDone, ferr := p.gw.ListTickUpdatedDates(ctx, underlyingForTick(stock))
	if ferr != nil {
		return nil, ferr
	}
	tickSet := toSet(tickDone)

	plan := &FactorPlan{}
	subID := 0
	for _, date := range sortedUnique(wantDates) {
		if _, ok := doneSet[date]; ok {
			continue
		}
		if _, ok := tickSet[date]; !ok {
			plan.WaitingDates = append(plan.WaitingDates, date)
			continue
		}
		plan.Units = append(plan.Units, types.UnitTask{
			Type:   "factor_update",
			SubID:  subID,
			Target: stock,
			Args:   map[string]string{"date": date, "linkage_id": types.ResultTableName(linkageID)},
		})
		subID++
	}

	if len(plan.Units) == 0 && len(plan.WaitingDates) == 0 {
		return nil, ferrors.New(ferrors.TaskHasNothingToBeDone, stock)
	}
	return plan, nil
}

// PlanTickUpdate computes the day units needed to bring stock's raw
// tick data up to date through wantDates. When stock names a view, the
// plan is expanded into one set of units per underlying stock in the
// view's relation: a view never owns tick data of its own, so planning
// against the view name must plan against what backs it.
func (p *Planner) PlanTickUpdate(ctx context.Context, stock string, wantDates []string) ([]types.UnitTask, *ferrors.Error) {
	if types.IsView(stock) {
		view, ferr := p.gw.GetStockView(ctx, stock)
		if ferr != nil {
			return nil, ferr
		}
		var units []types.UnitTask
		for underlying := range view.Relation {
			sub, ferr := p.planPlainTick(ctx, underlying, wantDates)
			if ferr != nil && !ferrors.Is(ferr, ferrors.TaskHasNothingToBeDone) {
				return nil, ferr
			}
			units = append(units, sub...)
		}
		if len(units) == 0 {
			return nil, ferrors.New(ferrors.TaskHasNothingToBeDone, stock)
		}
		return units, nil
	}
	return p.planPlainTick(ctx, stock, wantDates)
}

func (p *Planner) planPlainTick(ctx context.Context, stock string, wantDates []string) ([]types.UnitTask, *ferrors.Error) {
	exists, ferr := p.gw.IsTickStockExists(ctx, stock)
	if ferr != nil {
		return nil, ferr
	}
	done := map[string]struct{}{}
	if exists {
		dates, ferr := p.gw.ListTickUpdatedDates(ctx, stock)
		if ferr != nil {
			return nil, ferr
		}
		done = toSet(dates)
	}

	var units []types.UnitTask
	subID := 0
	for _, date := range sortedUnique(wantDates) {
		if _, ok := done[date]; ok {
			continue
		}
		units = append(units, types.UnitTask{
			Type:   "tick_update",
			SubID:  subID,
			Target: stock,
			Args:   map[string]string{"date": date},
		})
		subID++
	}
	if len(units) == 0 {
		return nil, ferrors.New(ferrors.TaskHasNothingToBeDone, stock)
	}
	return units, nil
}

// underlyingForTick resolves the tick-table key a factor's stale-data
// dependency check should consult. Factor linkages always name a plain
// stock; views are a tick-planning-only concept.
func underlyingForTick(stock string) string {
	return stock
}

func toSet(vals []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	return set
}

func sortedUnique(vals []string) []string {
	set := toSet(vals)
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
