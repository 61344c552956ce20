package taskmgr

import (
	"context"
	"time"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/log"
	"github.com/cuemby/factorial/pkg/metrics"
	"github.com/cuemby/factorial/pkg/types"
)

// Start runs the scheduling loop on a TASK_CHECK_CYCLE ticker until
// Stop is called. Each cycle snapshots the ready tasks under the
// manager's lock, releases the lock, then plans and dispatches them —
// network and handler I/O never happens while the lock is held, so one
// slow dispatch cannot stall heartbeats or new-task admission.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.checkCycle)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.runCycle(ctx)
			}
		}
	}()
}

// Stop signals the scheduling loop to exit and waits for it to drain.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) runCycle(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLoopDuration)

	m.reapDeadWorkers()

	ready := m.snapshotReady()
	for _, task := range ready {
		m.planAndDispatch(ctx, task)
	}
}

// reapDeadWorkers moves every Running task whose worker is no longer
// alive back to Ready with its worker pointer cleared, so the next pass
// of this same cycle redispatches it. A worker is dead either because
// its heartbeat went stale (registry.IsAlive) or because pkg/collector
// already swept it out of the registry entirely — IsAlive reports false
// for an unknown worker ID either way.
func (m *Manager) reapDeadWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.tasks {
		if t.Status != types.StatusRunning {
			continue
		}
		if m.reg.IsAlive(t.WorkerID) {
			continue
		}
		log.WithTaskID(t.ID).Warn().Str("worker_id", t.WorkerID).Msg("worker lost, returning task to ready")
		t.Status = types.StatusReady
		t.WorkerID = ""
		t.StartedAt = time.Time{}
	}
	m.refreshMetric()
}

// snapshotReady copies out every task currently Ready, under lock, so
// the caller can plan and dispatch each one without holding m.mu.
func (m *Manager) snapshotReady() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Status == types.StatusReady {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

func (m *Manager) planAndDispatch(ctx context.Context, task *Task) {
	m.mu.Lock()
	handler, ok := m.handlers[task.Type]
	m.mu.Unlock()
	if !ok {
		log.WithTaskID(task.ID).Error().Str("type", task.Type).Msg("no handler registered for task type")
		return
	}

	// A task that already carries a plan (its last dispatch failed, or
	// reapDeadWorkers returned it to Ready) is redispatched with that plan
	// rather than planned again.
	units := task.Units
	var ferr *ferrors.Error
	if len(units) == 0 {
		units, ferr = handler(ctx, task)
	}
	if ferr != nil {
		if ferrors.Is(ferr, ferrors.TaskHasNothingToBeDone) {
			zero := 0
			_ = m.FinishTask(ctx, task.ID, &zero, &zero, "")
			return
		}
		if ferr.Kind.Retryable() {
			return // stays Ready, the next cycle tries again
		}
		log.WithTaskID(task.ID).Error().Err(ferr).Msg("task planning failed, aborting")
		aborted := 0
		_ = m.FinishTask(ctx, task.ID, nil, &aborted, "")
		return
	}

	m.mu.Lock()
	live, ok := m.tasks[task.ID]
	if !ok || live.Status != types.StatusReady {
		m.mu.Unlock()
		return // task was stopped or already picked up concurrently
	}
	live.Units = units
	task.Units = units
	m.mu.Unlock()

	worker, ferr := m.reg.SendCommand(ctx, nil, func(dctx context.Context, w types.WorkerInfo) error {
		return m.dispatch(dctx, w, task)
	})
	if ferr != nil {
		// Transient (no worker available, or every candidate's send
		// failed) — leave the task Ready so the next cycle retries.
		log.WithTaskID(task.ID).Warn().Err(ferr).Msg("dispatch deferred to next cycle")
		return
	}

	m.mu.Lock()
	if live, ok := m.tasks[task.ID]; ok {
		live.Status = types.StatusRunning
		live.WorkerID = worker.ID
		live.StartedAt = time.Now()
	}
	m.refreshMetric()
	m.mu.Unlock()
	log.WithTaskID(task.ID).Info().Str("worker_id", worker.ID).Int("units", len(units)).Msg("task dispatched")
}
