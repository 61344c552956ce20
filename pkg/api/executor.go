package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/metrics"
	"github.com/cuemby/factorial/pkg/protocol"
	"github.com/cuemby/factorial/pkg/types"
	"github.com/cuemby/factorial/pkg/workerpool"
)

// ExecutorServer is a worker node's own HTTP surface: the coordinator
// POSTs task groups to it, and its status routes report their progress
// (the coordinator itself does not poll them); it never talks to
// the metadata store directly, only through the pool's sandboxed units.
type ExecutorServer struct {
	pool *workerpool.Pool
}

func NewExecutorServer(pool *workerpool.Pool) *ExecutorServer {
	return &ExecutorServer{pool: pool}
}

// taskGroupWire mirrors pkg/client's wire shape for a dispatched task
// group: the coordinator posts unit tasks already planned, the
// executor just runs them.
type taskGroupWire struct {
	GroupID string           `json:"group_id"`
	Type    string           `json:"type"`
	Units   []types.UnitTask `json:"units"`
}

func (s *ExecutorServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", metrics.LivenessHandler())
	r.Get("/readyz", metrics.ReadyHandler().ServeHTTP)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Post("/update_factor", s.handleApply)
	r.Post("/update_tick_data", s.handleApply)
	r.Get("/update_factor/status", s.handleStatus)
	r.Get("/update_tick_data/status", s.handleStatus)
	r.Post("/update_factor/stop", s.handleStop)
	r.Post("/stop_all", s.handleStopAll)

	return r
}

func (s *ExecutorServer) handleApply(w http.ResponseWriter, r *http.Request) {
	var wire taskGroupWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		protocol.WriteJSON(w, protocol.FromError(ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "task group", err)))
		return
	}
	group := &types.TaskGroup{GroupID: wire.GroupID, Type: wire.Type, Units: wire.Units}
	if group.Empty() {
		protocol.WriteJSON(w, protocol.FromError(ferrors.New(ferrors.ParameterMissingOrInvalid, "task group has no units")))
		return
	}
	if err := s.pool.ApplyTaskGroup(group); err != nil {
		protocol.WriteJSON(w, protocol.FromError(ferrors.Wrap(ferrors.ServerInternalError, "apply task group", err)))
		return
	}
	resp, _ := protocol.OK(nil)
	protocol.WriteJSON(w, resp)
}

func (s *ExecutorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	groupID := r.FormValue("group_id")
	finished, aborted, total, ferr := s.pool.GroupStatus(groupID)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	resp, _ := protocol.OK(map[string]int{"finished": finished, "aborted": aborted, "total": total})
	protocol.WriteJSON(w, resp)
}

func (s *ExecutorServer) handleStop(w http.ResponseWriter, r *http.Request) {
	groupID := r.FormValue("group_id")
	if err := s.pool.StopTaskGroup(groupID); err != nil {
		protocol.WriteJSON(w, protocol.FromError(ferrors.Wrap(ferrors.ServerInternalError, "stop task group", err)))
		return
	}
	resp, _ := protocol.OK(nil)
	protocol.WriteJSON(w, resp)
}

func (s *ExecutorServer) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.StopTaskGroups(s.pool.ActiveGroupIDs()); err != nil {
		protocol.WriteJSON(w, protocol.FromError(ferrors.Wrap(ferrors.ServerInternalError, "stop all task groups", err)))
		return
	}
	resp, _ := protocol.OK(nil)
	protocol.WriteJSON(w, resp)
}
