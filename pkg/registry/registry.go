package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/log"
	"github.com/cuemby/factorial/pkg/metrics"
	"github.com/cuemby/factorial/pkg/types"
)

// maxDispatchRounds bounds how many distinct candidates send_command
// tries before giving up, so one bad worker can't turn dispatch into an
// unbounded retry loop.
const maxDispatchRounds = 3

// Dispatcher delivers a command to a single worker. Implementations
// make the actual network call; the registry never holds its lock
// while a Dispatcher runs.
type Dispatcher func(ctx context.Context, w types.WorkerInfo) error

// Registry tracks every worker the coordinator knows about.
type Registry struct {
	mu         sync.RWMutex
	workers    map[string]*types.WorkerInfo
	byAddr     map[string]string // "host:port" -> current worker ID
	ackTimeout time.Duration
}

func New(ackTimeout time.Duration) *Registry {
	return &Registry{
		workers:    make(map[string]*types.WorkerInfo),
		byAddr:     make(map[string]string),
		ackTimeout: ackTimeout,
	}
}

// Register admits or re-admits a worker, returning its stable ID
// ("host:port:registration_ts" per the wire protocol).
func (r *Registry) Register(host string, port, cores int) types.WorkerInfo {
	now := time.Now()
	id := fmt.Sprintf("%s:%d:%d", host, port, now.UnixNano())
	addr := addrKey(host, port)

	r.mu.Lock()
	defer r.mu.Unlock()
	w := &types.WorkerInfo{
		ID:        id,
		Host:      host,
		Port:      port,
		Cores:     cores,
		CreateTS:  now,
		UpdateTS:  now,
		ReceiveTS: now,
	}
	r.workers[id] = w
	r.byAddr[addr] = id
	r.refreshMetric()
	log.WithWorkerID(id).Info().Str("host", host).Int("cores", cores).Msg("worker registered")
	return *w
}

func addrKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// HeartbeatByAddr is Heartbeat keyed by (host, port) rather than a
// worker's internal ID, the shape the wire protocol's PUT /worker
// heartbeat carries.
func (r *Registry) HeartbeatByAddr(host string, port int, updateTS time.Time, tasks []string) *ferrors.Error {
	r.mu.RLock()
	id, ok := r.byAddr[addrKey(host, port)]
	r.mu.RUnlock()
	if !ok {
		return ferrors.New(ferrors.WorkerNotExists, addrKey(host, port))
	}
	return r.Heartbeat(id, updateTS, tasks)
}

// Heartbeat records a worker's self-reported update timestamp and its
// current task list. A heartbeat with an updateTS not strictly after
// the worker's last recorded one is dropped: update_ts must advance
// monotonically per worker, out-of-order heartbeats (a retried send
// racing a newer one) must never regress liveness.
func (r *Registry) Heartbeat(workerID string, updateTS time.Time, tasks []string) *ferrors.Error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return ferrors.New(ferrors.WorkerNotExists, workerID)
	}
	if !updateTS.After(w.UpdateTS) {
		return nil
	}
	w.UpdateTS = updateTS
	w.ReceiveTS = time.Now()
	w.Tasks = tasks
	return nil
}

// IsAlive reports whether workerID's last heartbeat is within
// WORKER_ACK_TIMEOUT of now.
func (r *Registry) IsAlive(workerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[workerID]
	if !ok {
		return false
	}
	return time.Since(w.ReceiveTS) <= r.ackTimeout
}

// List returns a snapshot of every registered worker.
func (r *Registry) List() []types.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// Sweep evicts every worker whose last heartbeat is older than
// WORKER_ACK_TIMEOUT and returns their IDs. Callers use this to
// reassign whatever tasks an evicted worker was holding.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	now := time.Now()
	for id, w := range r.workers {
		if now.Sub(w.ReceiveTS) > r.ackTimeout {
			evicted = append(evicted, id)
			delete(r.workers, id)
			delete(r.byAddr, addrKey(w.Host, w.Port))
		}
	}
	if len(evicted) > 0 {
		r.refreshMetric()
		for _, id := range evicted {
			log.WithWorkerID(id).Warn().Msg("worker evicted for missed heartbeat")
		}
	}
	return evicted
}

// aliveSnapshot returns a load-sorted (ascending) snapshot of currently
// alive workers, taken under the read lock and safe to range over after
// it returns.
func (r *Registry) aliveSnapshot() []types.WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var alive []types.WorkerInfo
	for _, w := range r.workers {
		if now.Sub(w.ReceiveTS) <= r.ackTimeout {
			alive = append(alive, *w)
		}
	}
	sort.Slice(alive, func(i, j int) bool { return alive[i].Load() < alive[j].Load() })
	return alive
}

// SendCommand dispatches to the least-loaded alive worker not in
// exclude, retrying against the next-least-loaded candidate (up to
// maxDispatchRounds) if the dispatch itself errors. The network call
// always runs with the registry's lock released.
func (r *Registry) SendCommand(ctx context.Context, exclude map[string]struct{}, dispatch Dispatcher) (*types.WorkerInfo, *ferrors.Error) {
	candidates := r.aliveSnapshot()
	var tried int
	for _, w := range candidates {
		if _, skip := exclude[w.ID]; skip {
			continue
		}
		if tried >= maxDispatchRounds {
			break
		}
		tried++
		if err := dispatch(ctx, w); err != nil {
			metrics.DispatchAttemptsTotal.WithLabelValues("failed").Inc()
			log.WithWorkerID(w.ID).Warn().Err(err).Msg("dispatch attempt failed")
			continue
		}
		metrics.DispatchAttemptsTotal.WithLabelValues("ok").Inc()
		picked := w
		return &picked, nil
	}
	if tried == 0 {
		return nil, ferrors.New(ferrors.NoWorkerToBeAssigned, "no alive worker available")
	}
	return nil, ferrors.New(ferrors.FailedToSendTaskCommand, "all candidates failed")
}

// Broadcast dispatches to every alive worker concurrently and returns
// one error per failed worker (nil slice on full success).
func (r *Registry) Broadcast(ctx context.Context, dispatch Dispatcher) []error {
	candidates := r.aliveSnapshot()
	if len(candidates) == 0 {
		return nil
	}

	errs := make([]error, len(candidates))
	group, gctx := errgroup.WithContext(ctx)
	for i, w := range candidates {
		i, w := i, w
		group.Go(func() error {
			if err := dispatch(gctx, w); err != nil {
				errs[i] = fmt.Errorf("worker %s: %w", w.ID, err)
			}
			return nil
		})
	}
	_ = group.Wait()

	var out []error
	for _, e := range errs {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) refreshMetric() {
	var aliveCount, deadCount int
	now := time.Now()
	for _, w := range r.workers {
		if now.Sub(w.ReceiveTS) <= r.ackTimeout {
			aliveCount++
		} else {
			deadCount++
		}
	}
	metrics.WorkersTotal.WithLabelValues("true").Set(float64(aliveCount))
	metrics.WorkersTotal.WithLabelValues("false").Set(float64(deadCount))
}
