// Package plan is the factor and tick planner (component D): given a
// linkage or stock and the dates already on record, it computes the
// to-do set of day units a task should cover, resolving view-stock and
// stale-dependency cases before the task manager ever sees a unit list.
package plan
