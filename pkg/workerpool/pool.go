package workerpool

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/localjournal"
	"github.com/cuemby/factorial/pkg/log"
	"github.com/cuemby/factorial/pkg/metrics"
	"github.com/cuemby/factorial/pkg/sandbox"
	"github.com/cuemby/factorial/pkg/types"
)

// MessageKind enumerates what a pool worker reports upstream as it
// drains a task group's units.
type MessageKind string

const (
	MsgProgress  MessageKind = "progress"
	MsgLog       MessageKind = "log"
	MsgFinishAck MessageKind = "finish_ack"
)

// Message is one event a worker emits while running a unit, forwarded
// to the pool's Sink (normally the callback client that reports back to
// the coordinator).
type Message struct {
	Kind          MessageKind
	GroupID       string
	GroupType     string // "factor_update" or "tick_update", lets the Sink pick the right callback
	SubID         int
	CorrelationID string         // traces one unit's run through logs across the lookup/sandbox/callback chain
	Unit          types.UnitTask // set on MsgProgress: the unit that just ran
	Frame         *types.Frame   // set on MsgProgress: the unit's computed day frame
	Aborted       bool           // set on MsgFinishAck: true if the group finished with any aborted units
	Finished      int            // set on MsgFinishAck: the group's final finished count
	AbortedCount  int            // set on MsgFinishAck: the group's final aborted count
	Level         string         // set on MsgLog
	Text          string
}

// Sink receives pool messages. Implementations must not block for long;
// the pool calls Sink synchronously from its worker goroutines.
type Sink func(Message)

// CodeLookup resolves the code blob a unit needs to run. Kept as an
// injected function rather than a store.Gateway dependency so the pool
// never has to know whether code comes from the metadata store or a
// local cache.
type CodeLookup func(ctx context.Context, unit types.UnitTask) ([]byte, error)

// Pool is a fixed-size pool of unit-task workers plus the task groups
// currently in flight.
type Pool struct {
	processorNum int
	sb           sandbox.Sandbox
	journal      *localjournal.Journal
	lookup       CodeLookup
	sink         Sink

	mu     sync.Mutex
	active map[string]*types.TaskGroup
	jobs   chan unitJob
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type unitJob struct {
	groupID string
	unit    types.UnitTask
}

func New(processorNum int, sb sandbox.Sandbox, journal *localjournal.Journal, lookup CodeLookup, sink Sink) *Pool {
	p := &Pool{
		processorNum: processorNum,
		sb:           sb,
		journal:      journal,
		lookup:       lookup,
		sink:         sink,
		active:       make(map[string]*types.TaskGroup),
	}
	p.spawn()
	return p
}

// spawn (re)creates the job channel and launches processorNum worker
// goroutines draining it. Callers must hold no lock related to workers
// when calling this — it is only ever invoked from New and killAll.
func (p *Pool) spawn() {
	p.jobs = make(chan unitJob, p.processorNum*4)
	p.stopCh = make(chan struct{})
	for i := 0; i < p.processorNum; i++ {
		p.wg.Add(1)
		go p.worker(p.jobs, p.stopCh)
	}
}

// Recover reloads any task groups the journal still has on record —
// left behind by a pool crash or process restart — and re-enqueues
// their unfinished units.
func (p *Pool) Recover(ctx context.Context) error {
	if p.journal == nil {
		return nil
	}
	groups, err := p.journal.ListTaskGroups()
	if err != nil {
		return err
	}
	for _, group := range groups {
		p.mu.Lock()
		p.active[group.GroupID] = group
		p.mu.Unlock()
		p.enqueueUnfinished(group)
	}
	return nil
}

// ApplyTaskGroup admits a new task group and enqueues all of its units.
func (p *Pool) ApplyTaskGroup(group *types.TaskGroup) error {
	if group.Empty() {
		return nil
	}
	if group.Running == nil {
		group.Running = make(map[int]struct{}, len(group.Units))
		for _, u := range group.Units {
			group.Running[u.SubID] = struct{}{}
		}
	}
	p.mu.Lock()
	p.active[group.GroupID] = group
	p.mu.Unlock()

	if p.journal != nil {
		if err := p.journal.SaveTaskGroup(group); err != nil {
			return err
		}
	}
	p.enqueueUnfinished(group)
	return nil
}

// enqueueUnfinished enqueues exactly the units still in group.Running —
// the to-do set: every unit not yet finished or aborted. A unit is
// added to Running once, when the group is first admitted, and removed
// only on completion in runJob, so re-calling this (pool restart,
// journal recovery) re-dispatches the in-flight set without rerunning
// anything already done.
func (p *Pool) enqueueUnfinished(group *types.TaskGroup) {
	for _, unit := range group.Units {
		if _, pending := group.Running[unit.SubID]; !pending {
			continue
		}
		select {
		case p.jobs <- unitJob{groupID: group.GroupID, unit: unit}:
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) worker(jobs chan unitJob, stop chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			p.runJob(job)
		}
	}
}

func (p *Pool) runJob(job unitJob) {
	ctx := context.Background()
	group := p.groupOf(job.groupID)
	if group == nil {
		return
	}

	correlationID := uuid.NewString()
	jobLog := log.WithComponent("workerpool").With().
		Str("group_id", job.groupID).Int("sub_id", job.unit.SubID).Str("correlation_id", correlationID).Logger()
	jobLog.Debug().Msg("running unit")

	code, err := p.lookup(ctx, job.unit)
	aborted := false
	if err != nil {
		aborted = true
		jobLog.Warn().Err(err).Msg("code lookup failed")
		p.emit(Message{Kind: MsgLog, GroupID: job.groupID, GroupType: group.Type, SubID: job.unit.SubID, CorrelationID: correlationID, Level: "error", Text: "code lookup failed: " + err.Error()})
	} else {
		result, runErr := p.sb.Run(ctx, job.unit, code)
		if runErr != nil {
			aborted = true
			jobLog.Warn().Err(runErr).Msg("sandbox run failed")
			p.emit(Message{Kind: MsgLog, GroupID: job.groupID, GroupType: group.Type, SubID: job.unit.SubID, CorrelationID: correlationID, Level: "error", Text: runErr.Error()})
		} else {
			if result.Log != "" {
				p.emit(Message{Kind: MsgLog, GroupID: job.groupID, GroupType: group.Type, SubID: job.unit.SubID, CorrelationID: correlationID, Level: "info", Text: result.Log})
			}
			p.emit(Message{Kind: MsgProgress, GroupID: job.groupID, GroupType: group.Type, SubID: job.unit.SubID, CorrelationID: correlationID, Unit: job.unit, Frame: result.Frame})
		}
	}

	outcome := "finished"
	if aborted {
		outcome = "aborted"
	}
	metrics.UnitTasksTotal.WithLabelValues(outcome).Inc()

	p.mu.Lock()
	if aborted {
		group.Aborted++
	} else {
		group.Finished++
	}
	delete(group.Running, job.unit.SubID)
	done := group.Finished+group.Aborted >= group.TaskNum()
	if p.journal != nil {
		_ = p.journal.SaveTaskGroup(group)
	}
	if done {
		delete(p.active, job.groupID)
		if p.journal != nil {
			_ = p.journal.DeleteTaskGroup(job.groupID)
		}
	}
	p.mu.Unlock()

	if done {
		p.emit(Message{Kind: MsgFinishAck, GroupID: job.groupID, GroupType: group.Type, Aborted: group.Aborted > 0, Finished: group.Finished, AbortedCount: group.Aborted})
		log.WithComponent("workerpool").Info().Str("group_id", job.groupID).
			Int("finished", group.Finished).Int("aborted", group.Aborted).Msg("task group finished")
	}
}

func (p *Pool) groupOf(groupID string) *types.TaskGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[groupID]
}

func (p *Pool) emit(msg Message) {
	if p.sink != nil {
		p.sink(msg)
	}
}

// StopTaskGroup aborts groupID specifically and restarts the pool: a
// sandboxed unit has no cooperative cancellation hook, so the only
// reliable way to stop one in-flight group is to kill every worker and
// re-admit the groups that should keep running (StopTaskGroups does this
// through ApplyTaskGroup).
func (p *Pool) StopTaskGroup(groupID string) error {
	return p.StopTaskGroups([]string{groupID})
}

// StopTaskGroups kills and restarts the pool, dropping the named
// groups entirely and re-enqueuing every other still-active group's
// remaining units.
func (p *Pool) StopTaskGroups(groupIDs []string) error {
	drop := make(map[string]struct{}, len(groupIDs))
	for _, id := range groupIDs {
		drop[id] = struct{}{}
	}

	p.mu.Lock()
	var keep []*types.TaskGroup
	for id, g := range p.active {
		if _, dropped := drop[id]; dropped {
			delete(p.active, id)
			if p.journal != nil {
				_ = p.journal.DeleteTaskGroup(id)
			}
			continue
		}
		keep = append(keep, g)
	}
	p.mu.Unlock()

	p.killAll()

	for _, g := range keep {
		if err := p.ApplyTaskGroup(g); err != nil {
			return err
		}
	}
	return nil
}

// killAll stops every worker goroutine and spawns a fresh pool.
func (p *Pool) killAll() {
	close(p.stopCh)
	p.wg.Wait()
	metrics.PoolRestartsTotal.Inc()
	p.spawn()
}

// Close permanently shuts the pool down.
func (p *Pool) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

var errNotFound = ferrors.New(ferrors.TaskNotExists, "task group")

// GroupStatus reports a task group's progress, for the executor's
// /update_factor/status and /update_tick_data/status routes.
func (p *Pool) GroupStatus(groupID string) (finished, aborted, total int, ferr *ferrors.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.active[groupID]
	if !ok {
		return 0, 0, 0, errNotFound
	}
	return g.Finished, g.Aborted, g.TaskNum(), nil
}

// ActiveGroupIDs lists every task group currently tracked, the set
// /stop_all passes to StopTaskGroups to tear down the whole pool.
func (p *Pool) ActiveGroupIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	return ids
}
