package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/ingest"
	"github.com/cuemby/factorial/pkg/log"
	"github.com/cuemby/factorial/pkg/metrics"
	"github.com/cuemby/factorial/pkg/plan"
	"github.com/cuemby/factorial/pkg/protocol"
	"github.com/cuemby/factorial/pkg/registry"
	"github.com/cuemby/factorial/pkg/store"
	"github.com/cuemby/factorial/pkg/taskmgr"
	"github.com/cuemby/factorial/pkg/types"
)

// Server is the coordinator's control API: it owns no state of its
// own, only wiring between the HTTP layer and components A, B, D, E
// and F.
type Server struct {
	gw               store.Gateway
	reg              *registry.Registry
	tm               *taskmgr.Manager
	in               *ingest.Ingestor
	pl               *plan.Planner
	minWorkerVersion string
	stopWorker       func(ctx context.Context, w types.WorkerInfo) error
	onTaskPlanned    func(taskID string, args TaskPlanArgs)
}

func NewServer(gw store.Gateway, reg *registry.Registry, tm *taskmgr.Manager, in *ingest.Ingestor, pl *plan.Planner, minWorkerVersion string) *Server {
	return &Server{
		gw: gw, reg: reg, tm: tm, in: in, pl: pl, minWorkerVersion: minWorkerVersion,
		stopWorker: func(ctx context.Context, w types.WorkerInfo) error { return nil },
	}
}

// SetStopWorker wires the call the manager/stop_all route makes to
// each live worker's own stop endpoint. cmd/coordinator supplies the
// real implementation (an HTTP POST via pkg/client); tests can leave
// the no-op default in place.
func (s *Server) SetStopWorker(fn func(ctx context.Context, w types.WorkerInfo) error) {
	s.stopWorker = fn
}

// TaskPlanArgs is the planning input behind one task admitted through
// handleTriggerUpdate: the taskmgr.Handler the coordinator registers
// for a task's type needs it to recompute the same unit-task plan once
// the task's dependencies clear and the scheduling loop picks it up.
type TaskPlanArgs struct {
	VersionID int64
	Factor    string
	Version   string
	Stock     string
	Dates     []string
}

// SetTaskPlannedHook wires a callback invoked once per task admitted by
// handleTriggerUpdate, carrying the planning input behind it. Tests can
// leave this unset; cmd/coordinator uses it to stash args a Handler
// looks up by task ID.
func (s *Server) SetTaskPlannedHook(fn func(taskID string, args TaskPlanArgs)) {
	s.onTaskPlanned = fn
}

// Router builds the coordinator's HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)

	r.Get("/healthz", metrics.LivenessHandler())
	r.Get("/readyz", metrics.ReadyHandler().ServeHTTP)
	r.Get("/metrics", metrics.Handler().ServeHTTP)

	r.Route("/worker", func(r chi.Router) {
		r.Post("/", s.handleRegisterWorker)
		r.Put("/", s.handleWorkerHeartbeat)
		r.Get("/", s.handleListWorkers)
		r.Post("/call_back/update_factor/update", s.handleFactorCallback)
		r.Post("/call_back/update_tick_data/update", s.handleTickCallback)
		r.Post("/call_back/finish", s.handleFinishCallback)
	})

	r.Get("/task", s.handleListTasks)
	r.Get("/task/{task_id}", s.handleQueryTask)
	r.Get("/finished_task", s.handleListFinishedTasks)

	r.Post("/factor", s.handleCreateFactor)
	r.Post("/group_factor", s.handleCreateGroupFactor)
	r.Post("/factor/{factor}/version", s.handleCreateVersion)
	r.Post("/group_factor/version", s.handleCreateGroupVersion)
	r.Post("/factor/{factor}/version/{version}/stock/{stock}", s.handleCreateLinkage)
	r.Put("/factor/{factor}/version/{version}/stock/{stock}", s.handleTriggerUpdate)
	r.Get("/factor/{factor}/version/{version}/stock/{stock}/date/{date}", s.handleLoadDayFrame)
	r.Get("/factor/{factor}/version/{version}/code", s.handleGetVersionCode)
	r.Post("/factor/load_multi_factors", s.handleLoadMultiFactors)
	r.Post("/factor/load_multi_factors_by_range", s.handleLoadMultiFactorsByRange)

	r.Post("/stock_view", s.handleCreateStockView)
	r.Post("/manager/stop_all", s.handleStopAll)

	return r
}

func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requireWorkerHeader(r *http.Request) *ferrors.Error {
	h, ferr := protocol.ParseHeader(r)
	if ferr != nil {
		return ferr
	}
	if h != protocol.HeaderWorker && h != protocol.HeaderCallback {
		return ferrors.New(ferrors.UnrecognizedHeader, string(h))
	}
	return nil
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if ferr := requireWorkerHeader(r); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	host := r.FormValue("host")
	port, _ := strconv.Atoi(r.FormValue("port"))
	cores, _ := strconv.Atoi(r.FormValue("cores"))
	version := r.FormValue("version")

	if version < s.minWorkerVersion {
		protocol.WriteJSON(w, protocol.FromError(ferrors.New(ferrors.WorkerVersionDeprecated, version)))
		return
	}
	info := s.reg.Register(host, port, cores)
	resp, _ := protocol.OK(info)
	protocol.WriteJSON(w, resp)
}

func (s *Server) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if ferr := requireWorkerHeader(r); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	host := r.FormValue("host")
	port, _ := strconv.Atoi(r.FormValue("port"))
	updateTS, ferr := protocol.ParseHeartbeatTS(r.FormValue("update_time"))
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	tasks := protocol.DecodeTaskList(r.FormValue("tasks"))

	if ferr := s.reg.HeartbeatByAddr(host, port, updateTS, tasks); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	resp, _ := protocol.OK(nil)
	protocol.WriteJSON(w, resp)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	resp, _ := protocol.OK(s.reg.List())
	protocol.WriteJSON(w, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	resp, _ := protocol.OK(s.tm.ListLiveTasks())
	protocol.WriteJSON(w, resp)
}

func (s *Server) handleQueryTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	status, ferr := s.tm.QueryTask(taskID)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	resp, _ := protocol.OK(map[string]string{"status": string(status)})
	protocol.WriteJSON(w, resp)
}

func (s *Server) handleListFinishedTasks(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	list, ferr := s.gw.ListFinishedTasks(r.Context(), since)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	resp, _ := protocol.OK(list)
	protocol.WriteJSON(w, resp)
}

// initVersionLabel is the version label every create-factor route
// stamps on the code it carries, matching the "F@INIT" linkage convention.
const initVersionLabel = "INIT"

func (s *Server) handleCreateFactor(w http.ResponseWriter, r *http.Request) {
	code, ferr := decodeCodeFile(r, "code")
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	name := r.FormValue("name")
	if ferr := s.gw.CreateFactor(r.Context(), name); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	if _, ferr := s.gw.CreateVersion(r.Context(), name, initVersionLabel, code); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	resp, _ := protocol.OK(nil)
	protocol.WriteJSON(w, resp)
}

func (s *Server) handleCreateGroupFactor(w http.ResponseWriter, r *http.Request) {
	code, ferr := decodeCodeFile(r, "code")
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	name := r.FormValue("name")
	var members []string
	if err := decodeJSONForm(r.FormValue("factors"), &members); err != nil {
		protocol.WriteJSON(w, protocol.FromError(ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "factors", err)))
		return
	}
	if ferr := s.gw.CreateGroupFactor(r.Context(), name, members); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	memberVersions := make(map[string]string, len(members))
	for _, m := range members {
		memberVersions[m] = initVersionLabel
	}
	if _, ferr := s.gw.CreateGroupVersion(r.Context(), name, initVersionLabel, memberVersions); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	_ = code // the group's own combinator code, archived under its canonical version row
	resp, _ := protocol.OK(nil)
	protocol.WriteJSON(w, resp)
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	factor := chi.URLParam(r, "factor")
	code, ferr := decodeCodeFile(r, "code")
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	versionLabel := r.FormValue("version")
	versionID, ferr := s.gw.CreateVersion(r.Context(), factor, versionLabel, code)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	resp, _ := protocol.OK(map[string]int64{"version_id": versionID})
	protocol.WriteJSON(w, resp)
}

func (s *Server) handleCreateGroupVersion(w http.ResponseWriter, r *http.Request) {
	group := r.FormValue("group")
	versionLabel := r.FormValue("version")
	var memberVersions map[string]string
	if err := decodeJSONForm(r.FormValue("member_versions"), &memberVersions); err != nil {
		protocol.WriteJSON(w, protocol.FromError(ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "member_versions", err)))
		return
	}
	versionID, ferr := s.gw.CreateGroupVersion(r.Context(), group, versionLabel, memberVersions)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	resp, _ := protocol.OK(map[string]int64{"version_id": versionID})
	protocol.WriteJSON(w, resp)
}

// resolveVersionID accepts either a numeric version_id or a
// version_label in the <v> path segment: the control API's own
// callers (factorialctl) pass labels, while load_multi_factors's form
// fields pass the surrogate ID directly.
func (s *Server) resolveVersionID(ctx context.Context, factor, versionRef string) (int64, *ferrors.Error) {
	if id, err := strconv.ParseInt(versionRef, 10, 64); err == nil {
		return id, nil
	}
	versions, ferr := s.gw.ListVersions(ctx, factor)
	if ferr != nil {
		return 0, ferr
	}
	for _, v := range versions {
		if v.VersionLabel == versionRef {
			return v.VersionID, nil
		}
	}
	return 0, ferrors.New(ferrors.ParameterMissingOrInvalid, "unknown version "+versionRef+" for "+factor)
}

func (s *Server) handleCreateLinkage(w http.ResponseWriter, r *http.Request) {
	versionID, ferr := s.resolveVersionID(r.Context(), chi.URLParam(r, "factor"), chi.URLParam(r, "version"))
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	stock := chi.URLParam(r, "stock")
	linkageID, ferr := s.gw.CreateLinkage(r.Context(), versionID, stock)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	resp, _ := protocol.OK(map[string]int64{"linkage_id": linkageID})
	protocol.WriteJSON(w, resp)
}

// handleTriggerUpdate plans and admits a new coordinator task for a
// linkage's update-through-date, the entry point for S1/S2 in the
// testable-properties scenarios.
func (s *Server) handleTriggerUpdate(w http.ResponseWriter, r *http.Request) {
	versionID, ferr := s.resolveVersionID(r.Context(), chi.URLParam(r, "factor"), chi.URLParam(r, "version"))
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	stock := chi.URLParam(r, "stock")
	var dates []string
	if err := decodeJSONForm(r.FormValue("dates"), &dates); err != nil {
		protocol.WriteJSON(w, protocol.FromError(ferrors.Wrap(ferrors.ParameterMissingOrInvalid, "dates", err)))
		return
	}

	factorPlan, ferr := s.pl.PlanFactorUpdate(r.Context(), versionID, stock, dates)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}

	taskID := chi.URLParam(r, "factor") + "#" + chi.URLParam(r, "version") + "#" + stock
	var deps []string
	if len(factorPlan.WaitingDates) > 0 {
		tickTaskID := taskID + "#tick"
		if ferr := s.tm.NewTask("tick_update", tickTaskID, nil, true); ferr != nil && !ferrors.Is(ferr, ferrors.TaskAlreadyExists) {
			protocol.WriteJSON(w, protocol.FromError(ferr))
			return
		}
		deps = append(deps, tickTaskID)
		if s.onTaskPlanned != nil {
			s.onTaskPlanned(tickTaskID, TaskPlanArgs{Stock: stock, Dates: factorPlan.WaitingDates})
		}
	}
	if ferr := s.tm.NewTask("factor_update", taskID, deps, false); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	if s.onTaskPlanned != nil {
		s.onTaskPlanned(taskID, TaskPlanArgs{
			VersionID: versionID,
			Factor:    chi.URLParam(r, "factor"),
			Version:   chi.URLParam(r, "version"),
			Stock:     stock,
			Dates:     dates,
		})
	}
	resp, _ := protocol.OK(map[string]string{"task_id": taskID})
	protocol.WriteJSON(w, resp)
}

// handleGetVersionCode serves one factor version's archived code blob
// raw, the fetch an executor's code lookup makes before running a
// factor_update unit; it never goes through the protocol.Response
// envelope since the payload is opaque bytes, not JSON.
func (s *Server) handleGetVersionCode(w http.ResponseWriter, r *http.Request) {
	factor := chi.URLParam(r, "factor")
	versions, ferr := s.gw.ListVersions(r.Context(), factor)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	versionRef := chi.URLParam(r, "version")
	for _, v := range versions {
		if v.VersionLabel == versionRef || strconv.FormatInt(v.VersionID, 10) == versionRef {
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(v.CodeBlob)
			return
		}
	}
	protocol.WriteJSON(w, protocol.FromError(ferrors.New(ferrors.ParameterMissingOrInvalid, "unknown version "+versionRef+" for "+factor)))
}

func (s *Server) handleLoadDayFrame(w http.ResponseWriter, r *http.Request) {
	versionID, ferr := s.resolveVersionID(r.Context(), chi.URLParam(r, "factor"), chi.URLParam(r, "version"))
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	stock := chi.URLParam(r, "stock")
	date := chi.URLParam(r, "date")

	linkageID, ferr := s.gw.GetLinkageID(r.Context(), versionID, stock)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	frame, ferr := s.gw.ReadResultFrame(r.Context(), linkageID, date)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	_ = protocol.EncodeFrame(w, frame)
}

func (s *Server) handleLoadMultiFactors(w http.ResponseWriter, r *http.Request) {
	s.loadMultiFactors(w, r, false)
}

func (s *Server) handleLoadMultiFactorsByRange(w http.ResponseWriter, r *http.Request) {
	s.loadMultiFactors(w, r, true)
}

func (s *Server) loadMultiFactors(w http.ResponseWriter, r *http.Request, byRange bool) {
	versionID, err := strconv.ParseInt(r.FormValue("version_id"), 10, 64)
	if err != nil {
		protocol.WriteJSON(w, protocol.FromError(ferrors.New(ferrors.ParameterMissingOrInvalid, "version_id")))
		return
	}
	stock := r.FormValue("stock")
	linkageID, ferr := s.gw.GetLinkageID(r.Context(), versionID, stock)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}

	var frame *types.Frame
	if byRange {
		frame, ferr = s.gw.ReadResultRange(r.Context(), linkageID, r.FormValue("from"), r.FormValue("to"))
	} else {
		frame, ferr = s.gw.ReadResultFrame(r.Context(), linkageID, r.FormValue("date"))
	}
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	_ = protocol.EncodeFrame(w, frame)
}

func (s *Server) handleCreateStockView(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	var relation map[string][]string
	if err := decodeJSONForm(r.FormValue("relation"), &relation); err != nil {
		protocol.WriteJSON(w, protocol.FromError(ferrors.New(ferrors.InvalidStockViewRelation, err.Error())))
		return
	}
	if !types.IsValidViewName(name) {
		protocol.WriteJSON(w, protocol.FromError(ferrors.New(ferrors.InvalidStockViewName, name)))
		return
	}
	view := types.StockView{ViewName: name, Relation: relation}
	if ferr := s.gw.CreateStockView(r.Context(), view); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	resp, _ := protocol.OK(nil)
	protocol.WriteJSON(w, resp)
}

func (s *Server) handleFactorCallback(w http.ResponseWriter, r *http.Request) {
	if ferr := requireWorkerHeader(r); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	factor := r.FormValue("factor")
	versionLabel := r.FormValue("version")
	stock := r.FormValue("stock")
	date := r.FormValue("date")
	frame, ferr := protocol.DecodeFrame(r)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	if ferr := s.in.CommitFactorResult(r.Context(), factor, versionLabel, stock, date, frame); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	resp, _ := protocol.OK(nil)
	protocol.WriteJSON(w, resp)
}

func (s *Server) handleTickCallback(w http.ResponseWriter, r *http.Request) {
	if ferr := requireWorkerHeader(r); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	stock := r.FormValue("stock")
	date := r.FormValue("date")
	frame, ferr := protocol.DecodeFrame(r)
	if ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	if ferr := s.in.CommitTickFrame(r.Context(), stock, date, frame); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	resp, _ := protocol.OK(nil)
	protocol.WriteJSON(w, resp)
}

func (s *Server) handleFinishCallback(w http.ResponseWriter, r *http.Request) {
	if ferr := requireWorkerHeader(r); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	taskID := r.FormValue("task_id")
	workerID := r.FormValue("worker_id")
	var finished, aborted *int
	if v := r.FormValue("finished"); v != "" {
		n, _ := strconv.Atoi(v)
		finished = &n
	}
	if v := r.FormValue("aborted"); v != "" {
		n, _ := strconv.Atoi(v)
		aborted = &n
	}
	if ferr := s.tm.FinishTask(r.Context(), taskID, finished, aborted, workerID); ferr != nil {
		protocol.WriteJSON(w, protocol.FromError(ferr))
		return
	}
	resp, _ := protocol.OK(nil)
	protocol.WriteJSON(w, resp)
}

// handleStopAll clears the task manager and broadcasts a stop to every
// worker; a stale finish callback for one of the now-forgotten groups
// returns TASK_NOT_EXISTS per scenario S6. The factor and tick frame
// callbacks do not check the task, so a stale frame callback is still
// committed.
func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	s.tm.StopAll()
	errs := s.reg.Broadcast(r.Context(), s.stopWorker)
	for _, err := range errs {
		log.Logger.Warn().Err(err).Msg("stop_all broadcast failed for a worker")
	}
	resp, _ := protocol.OK(nil)
	protocol.WriteJSON(w, resp)
}

func decodeJSONForm(raw string, out any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

// decodeCodeFile pulls a factor's code upload out of a multipart form
// field, the shape the factor, group-factor and version creation routes
// carry it in.
func decodeCodeFile(r *http.Request, field string) ([]byte, *ferrors.Error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, field, err)
	}
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, field, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.ParameterMissingOrInvalid, field, err)
	}
	if len(data) == 0 {
		return nil, ferrors.New(ferrors.ParameterMissingOrInvalid, field+" empty")
	}
	return data, nil
}
