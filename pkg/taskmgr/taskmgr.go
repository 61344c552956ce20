package taskmgr

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/log"
	"github.com/cuemby/factorial/pkg/metrics"
	"github.com/cuemby/factorial/pkg/registry"
	"github.com/cuemby/factorial/pkg/store"
	"github.com/cuemby/factorial/pkg/types"
)

// Task is the coordinator's in-memory view of one task: its dependency
// edges, its current unit-task plan once computed, and its progress.
type Task struct {
	ID            string
	Type          string
	Status        types.TaskStatus
	Dependencies  []string
	Units         []types.UnitTask
	WorkerID      string
	CreatedAt     time.Time
	StartedAt     time.Time
	FinishedUnits int
	AbortedUnits  int
	IsSubTask     bool
}

// Handler computes the unit-task plan for a task once it becomes ready.
// A Handler returning a ferrors.TaskHasNothingToBeDone kind finishes the
// task immediately with zero units rather than dispatching it.
type Handler func(ctx context.Context, task *Task) ([]types.UnitTask, *ferrors.Error)

// Dispatch delivers a task's unit-task plan to a chosen worker.
type Dispatch func(ctx context.Context, w types.WorkerInfo, task *Task) error

// Manager owns the task state machine and the scheduling loop.
type Manager struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	notify   map[string][]string // taskID -> dependents waiting on it
	pending  map[string]int      // taskID -> unresolved dependency count
	handlers map[string]Handler

	reg        *registry.Registry
	gw         store.Gateway
	checkCycle time.Duration
	dispatch   Dispatch

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(reg *registry.Registry, gw store.Gateway, checkCycle time.Duration, dispatch Dispatch) *Manager {
	return &Manager{
		tasks:      make(map[string]*Task),
		notify:     make(map[string][]string),
		pending:    make(map[string]int),
		handlers:   make(map[string]Handler),
		reg:        reg,
		gw:         gw,
		checkCycle: checkCycle,
		dispatch:   dispatch,
		stopCh:     make(chan struct{}),
	}
}

// RegisterHandler binds a task type to the Handler that computes its
// unit-task plan.
func (m *Manager) RegisterHandler(taskType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[taskType] = h
}

// NewTask admits a task into the manager. If any dependency has not yet
// finished, the task starts in StatusWaitingDependency and is notified
// once every dependency resolves; otherwise it starts Ready for the
// next scheduling cycle to pick up.
func (m *Manager) NewTask(taskType, taskID string, dependencies []string, isSubTask bool) *ferrors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[taskID]; exists {
		return ferrors.New(ferrors.TaskAlreadyExists, taskID)
	}
	if _, ok := m.handlers[taskType]; !ok {
		return ferrors.New(ferrors.TaskHandlerNotExists, taskType)
	}

	task := &Task{
		ID:           taskID,
		Type:         taskType,
		Dependencies: dependencies,
		CreatedAt:    time.Now(),
		IsSubTask:    isSubTask,
	}

	// A dependency no longer present in m.tasks has already finished and
	// been removed by FinishTask; only still-tracked dependencies count
	// toward the pending total.
	pendingCount := 0
	for _, dep := range dependencies {
		if _, ok := m.tasks[dep]; ok {
			pendingCount++
			m.notify[dep] = append(m.notify[dep], taskID)
		}
	}

	if pendingCount > 0 {
		task.Status = types.StatusWaitingDependency
		m.pending[taskID] = pendingCount
	} else {
		task.Status = types.StatusReady
	}

	m.tasks[taskID] = task
	m.refreshMetric()
	return nil
}

// LiveTask is the read-only view of a task the control API exposes,
// shed of the internal notify/pending bookkeeping.
type LiveTask struct {
	ID           string           `json:"id"`
	Type         string           `json:"type"`
	Status       types.TaskStatus `json:"status"`
	Dependencies []string         `json:"dependencies,omitempty"`
	WorkerID     string           `json:"worker_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// ListLiveTasks returns every tracked root task (sub-tasks excluded)
// in no particular order, the shape GET /task serves.
func (m *Manager) ListLiveTasks() []LiveTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LiveTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.IsSubTask {
			continue
		}
		out = append(out, LiveTask{
			ID: t.ID, Type: t.Type, Status: t.Status,
			Dependencies: t.Dependencies, WorkerID: t.WorkerID, CreatedAt: t.CreatedAt,
		})
	}
	return out
}

// QueryTask reports a task's current status. A dependency-blocked task
// reports StatusWaitingDependency as a distinct typed value rather than
// folding it into a generic success/failure pair.
func (m *Manager) QueryTask(taskID string) (types.TaskStatus, *ferrors.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return "", ferrors.New(ferrors.TaskNotExists, taskID)
	}
	return task.Status, nil
}

// StopTask removes a task from scheduling without recording a finish.
// The control API does not call it; /stop_all goes through StopAll.
func (m *Manager) StopTask(taskID string) *ferrors.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return ferrors.New(ferrors.TaskNotExists, taskID)
	}
	delete(m.tasks, taskID)
	delete(m.pending, taskID)
	delete(m.notify, taskID)
	m.refreshMetric()
	return nil
}

// StopAll clears every tracked task, used by the manager/stop_all
// control route during an operator-initiated drain.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]*Task)
	m.notify = make(map[string][]string)
	m.pending = make(map[string]int)
	m.refreshMetric()
}

// FinishTask records a task's terminal outcome and notifies any
// dependents waiting on it. finishedUnits/abortedUnits are nil when the
// worker's finish callback omitted the counts (e.g. a zero-unit task or
// a malformed callback); the persisted record carries zero in that case
// rather than panicking on a nil dereference.
func (m *Manager) FinishTask(ctx context.Context, taskID string, finishedUnits, abortedUnits *int, workerID string) *ferrors.Error {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return ferrors.New(ferrors.TaskNotExists, taskID)
	}

	finished := valueOrZero(finishedUnits)
	aborted := valueOrZero(abortedUnits)
	finalStatus := types.TaskFinished
	if aborted > 0 && finished == 0 {
		finalStatus = types.TaskAborted
	}

	dependents := append([]string(nil), m.notify[taskID]...)
	delete(m.notify, taskID)
	delete(m.tasks, taskID)

	var ready []string
	for _, dep := range dependents {
		m.pending[dep]--
		if m.pending[dep] <= 0 {
			delete(m.pending, dep)
			if dt, ok := m.tasks[dep]; ok {
				dt.Status = types.StatusReady
				ready = append(ready, dep)
			}
		}
	}
	m.refreshMetric()
	m.mu.Unlock()

	metrics.TasksFinishedTotal.WithLabelValues(string(finalStatus)).Inc()
	log.WithTaskID(taskID).Info().
		Str("final_status", string(finalStatus)).Int("finished_units", finished).Int("aborted_units", aborted).
		Msg("task finished")

	if m.gw != nil {
		record := types.FinishedTask{
			TaskID:        taskID,
			TaskType:      task.Type,
			CommitTS:      task.StartedAt,
			FinishTS:      time.Now(),
			FinalStatus:   finalStatus,
			TotalUnits:    len(task.Units),
			FinishedUnits: finished,
			AbortedUnits:  aborted,
			WorkerID:      workerID,
			IsSubTask:     task.IsSubTask,
			Dependencies:  task.Dependencies,
		}
		if ferr := m.gw.RecordFinishedTask(ctx, record); ferr != nil {
			return ferr
		}
	}
	for _, dep := range ready {
		log.WithTaskID(dep).Debug().Msg("dependency resolved, task now ready")
	}
	return nil
}

func valueOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func (m *Manager) refreshMetric() {
	counts := map[types.TaskStatus]int{}
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	for _, status := range []types.TaskStatus{types.StatusReady, types.StatusWaitingDependency, types.StatusRunning} {
		metrics.TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
