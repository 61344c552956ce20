// Package types holds the data model shared by the coordinator and
// executor: factors, versions, linkages, result rows and the in-memory
// task representation used by the scheduling subsystem.
package types

import (
	"regexp"
	"time"
)

// TickLength is the fixed number of rows a single day's frame must carry,
// for both factor results and raw tick data.
const TickLength = 4740

// Factor is a named time-series derivation, atomic or a group of other
// factors. A group's canonical Name is "G#" followed by its sorted
// member names joined by "#".
type Factor struct {
	Name      string
	CreatedAt time.Time
	IsGroup   bool
}

// GroupPrefix is the canonical prefix marking a factor as a group.
const GroupPrefix = "G#"

// FactorVersion is one archived code revision of a factor.
type FactorVersion struct {
	VersionID    int64
	FactorName   string
	VersionLabel string
	CodeBlob     []byte
}

// GroupMembership enumerates the atomic members active for a given
// group version.
type GroupMembership struct {
	GroupName    string
	MemberName   string
	VersionLabel string
}

// Linkage binds a specific factor version to a specific stock and owns a
// dedicated result table.
type Linkage struct {
	LinkageID int64
	VersionID int64
	Stock     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ResultTableName returns the deterministic result table name for a
// linkage ID, per §6 of the specification.
func ResultTableName(linkageID int64) string {
	return "RESULT_" + itoa(linkageID)
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Frame is a row-oriented day result: TickLength rows, each carrying a
// datetime, a date and one value per factor/data column.
type Frame struct {
	Columns []string
	Rows    [][]any
}

// RowCount reports how many rows the frame carries.
func (f *Frame) RowCount() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// HasColumns reports whether the frame carries every column in want.
func (f *Frame) HasColumns(want []string) bool {
	have := make(map[string]struct{}, len(f.Columns))
	for _, c := range f.Columns {
		have[c] = struct{}{}
	}
	for _, w := range want {
		if _, ok := have[w]; !ok {
			return false
		}
	}
	return true
}

// UpdateLog brackets a single day's factor-result write. A day only
// counts as updated once EndTS is non-nil.
type UpdateLog struct {
	LogID      int64
	LinkageID  int64
	FactorDate string
	StartTS    time.Time
	EndTS      *time.Time
}

// TickUpdateLog brackets a single day's raw tick write.
type TickUpdateLog struct {
	LogID      int64
	StockCode  string
	UpdateDate string
	StartTS    time.Time
	EndTS      *time.Time
}

// StockView composes multiple underlying stocks column-wise into one
// synthetic input stock. Relation maps an upstream stock to the list of
// its columns used in the view.
type StockView struct {
	ViewName string
	Relation map[string][]string
}

// ViewSuffix is the required suffix of every stock view name.
const ViewSuffix = ".VIEW"

// IsView reports whether a stock code names a view rather than a plain
// stock.
func IsView(stock string) bool {
	n := len(stock)
	s := len(ViewSuffix)
	return n > s && stock[n-s:] == ViewSuffix
}

// viewNamePattern matches the base name (the part before ViewSuffix) of
// a valid stock view: letters, digits, underscore, hyphen and dot.
var viewNamePattern = regexp.MustCompile(`^[a-zA-Z_\-.0-9]+$`)

// IsValidViewName reports whether name is both suffixed with ViewSuffix
// and carries a base name made only of the characters a stock view
// permits.
func IsValidViewName(name string) bool {
	if !IsView(name) {
		return false
	}
	base := name[:len(name)-len(ViewSuffix)]
	return base != "" && viewNamePattern.MatchString(base)
}

// TaskFinalStatus is the terminal status recorded for a finished task.
type TaskFinalStatus string

const (
	TaskFinished TaskFinalStatus = "finished"
	TaskAborted  TaskFinalStatus = "aborted"
)

// FinishedTask is the durable record of a completed coordinator task,
// including the dependency edges it had at completion time.
type FinishedTask struct {
	TaskID        string
	TaskType      string
	CommitTS      time.Time
	FinishTS      time.Time
	FinalStatus   TaskFinalStatus
	TotalUnits    int
	FinishedUnits int
	AbortedUnits  int
	WorkerID      string
	IsSubTask     bool
	Dependencies  []string // dependency task IDs live at completion time
}

// TaskStatus is the in-memory lifecycle state of a coordinator task.
type TaskStatus string

const (
	StatusReady             TaskStatus = "ready"
	StatusWaitingDependency TaskStatus = "waiting_dependency"
	StatusRunning           TaskStatus = "running"
)

// WorkerInfo is what the coordinator's registry tracks about one
// registered executor.
type WorkerInfo struct {
	ID        string // host:port:registration_ts
	Host      string
	Port      int
	Cores     int
	Tasks     []string
	CreateTS  time.Time
	UpdateTS  time.Time // heartbeat-reported timestamp, monotonic per worker
	ReceiveTS time.Time // local wall-clock time the heartbeat was received
}

// Load is the ranking metric used for least-loaded dispatch:
// len(Tasks) / Cores.
func (w *WorkerInfo) Load() float64 {
	if w.Cores <= 0 {
		return float64(len(w.Tasks))
	}
	return float64(len(w.Tasks)) / float64(w.Cores)
}

// UnitTask is the smallest schedulable item on an executor: one
// (factor, version, stock, day) computation, or the tick-data analogue.
type UnitTask struct {
	Type   string
	SubID  int
	Target string // stock code this unit operates on
	Args   map[string]string
}

// TaskGroup is the set of unit tasks derived from one coordinator task.
// GroupID equals the coordinator's task ID.
type TaskGroup struct {
	GroupID  string
	Type     string
	Units    []UnitTask
	Running  map[int]struct{}
	Finished int
	Aborted  int
}

// TaskNum is the total number of units in the group.
func (g *TaskGroup) TaskNum() int {
	return len(g.Units)
}

// Empty reports whether the group carries no units.
func (g *TaskGroup) Empty() bool {
	return len(g.Units) == 0
}
