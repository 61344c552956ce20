// Command factorial-coordinator runs the coordinator side of a
// factorial cluster: the worker registry, the dependency-aware task
// scheduler, and the HTTP control API executors and factorialctl both
// speak to.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/factorial/pkg/api"
	fclient "github.com/cuemby/factorial/pkg/client"
	"github.com/cuemby/factorial/pkg/collector"
	"github.com/cuemby/factorial/pkg/config"
	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/ingest"
	"github.com/cuemby/factorial/pkg/log"
	"github.com/cuemby/factorial/pkg/metrics"
	"github.com/cuemby/factorial/pkg/plan"
	"github.com/cuemby/factorial/pkg/registry"
	"github.com/cuemby/factorial/pkg/store"
	"github.com/cuemby/factorial/pkg/taskmgr"
	"github.com/cuemby/factorial/pkg/types"
)

// Version is set via ldflags at build time.
var Version = "dev"

var cfg = loadConfigFile()

// loadConfigFile pre-scans argv for --config so the file it names can
// seed every other flag's default before cobra/pflag ever parse the
// command line: factorial-coordinator has no viper-style layered config
// loader, so this is the one bit of manual pre-parsing it needs.
func loadConfigFile() config.Config {
	c, err := config.Load(configFlagValue(os.Args[1:]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return c
}

func configFlagValue(args []string) string {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(a, "--config=") {
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "factorial-coordinator",
	Short:   "Factorial coordinator: task scheduling and the control API",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")
	cobra.OnInitialize(initLogging)
	config.BindCoordinatorFlags(serveCmd.Flags(), &cfg)
	migrateCmd.Flags().StringVar(&cfg.DatabaseDSN, "database-dsn", cfg.DatabaseDSN, "metadata store DSN (sqlite://path or postgres://...)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func initLogging() {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the metadata store's schemas if they don't already exist",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	gw, ferr := store.Open(cfg.DatabaseDSN)
	if ferr != nil {
		return ferr
	}
	defer gw.Close()
	if ferr := gw.Bootstrap(cmd.Context()); ferr != nil {
		return ferr
	}
	fmt.Println("metadata store bootstrapped")
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduling loop and the control API",
	RunE:  runServe,
}

// planArgsStore remembers the planning input behind one task admitted
// through /factor/.../stock/{stock} (PUT): the registered Handler for
// that task's type needs it to recompute the same unit-task plan once
// the scheduling loop picks the task up, since taskmgr.Task itself
// carries only an ID and dependency edges.
type planArgsStore struct {
	mu   sync.Mutex
	args map[string]api.TaskPlanArgs
}

func newPlanArgsStore() *planArgsStore {
	return &planArgsStore{args: make(map[string]api.TaskPlanArgs)}
}

func (s *planArgsStore) set(taskID string, a api.TaskPlanArgs) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.args[taskID] = a
}

func (s *planArgsStore) get(taskID string) (api.TaskPlanArgs, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.args[taskID]
	return a, ok
}

func (s *planArgsStore) delete(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.args, taskID)
}

func factorUpdateHandler(pl *plan.Planner, args *planArgsStore) taskmgr.Handler {
	return func(ctx context.Context, task *taskmgr.Task) ([]types.UnitTask, *ferrors.Error) {
		a, ok := args.get(task.ID)
		if !ok {
			return nil, ferrors.New(ferrors.TaskHasNothingToBeDone, task.ID)
		}
		factorPlan, ferr := pl.PlanFactorUpdate(ctx, a.VersionID, a.Stock, a.Dates)
		if ferr != nil {
			if !ferr.Kind.Retryable() {
				args.delete(task.ID)
			}
			return nil, ferr
		}
		args.delete(task.ID)
		for i := range factorPlan.Units {
			factorPlan.Units[i].Args["factor"] = a.Factor
			factorPlan.Units[i].Args["version"] = a.Version
		}
		return factorPlan.Units, nil
	}
}

func tickUpdateHandler(pl *plan.Planner, args *planArgsStore) taskmgr.Handler {
	return func(ctx context.Context, task *taskmgr.Task) ([]types.UnitTask, *ferrors.Error) {
		a, ok := args.get(task.ID)
		if !ok {
			return nil, ferrors.New(ferrors.TaskHasNothingToBeDone, task.ID)
		}
		units, ferr := pl.PlanTickUpdate(ctx, a.Stock, a.Dates)
		if ferr != nil {
			if !ferr.Kind.Retryable() {
				args.delete(task.ID)
			}
			return nil, ferr
		}
		args.delete(task.ID)
		return units, nil
	}
}

// dispatchTask delivers a task's unit-task plan to the worker send_command
// picked, via that worker's own HTTP surface.
func dispatchTask(ctx context.Context, w types.WorkerInfo, task *taskmgr.Task) error {
	route := "/update_tick_data"
	if task.Type == "factor_update" {
		route = "/update_factor"
	}
	c := fclient.New(fmt.Sprintf("http://%s:%d", w.Host, w.Port))
	if ferr := c.DispatchTaskGroup(ctx, route, task.ID, task.Type, task.Units); ferr != nil {
		return ferr
	}
	return nil
}

// stopWorker is manager/stop_all's broadcast target: it tells one
// executor to tear down its whole process pool.
func stopWorker(ctx context.Context, w types.WorkerInfo) error {
	c := fclient.New(fmt.Sprintf("http://%s:%d", w.Host, w.Port))
	if ferr := c.StopWorker(ctx); ferr != nil {
		return ferr
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw, ferr := store.Open(cfg.DatabaseDSN)
	if ferr != nil {
		return ferr
	}
	defer gw.Close()
	if ferr := gw.Bootstrap(ctx); ferr != nil {
		return ferr
	}

	reg := registry.New(cfg.WorkerAckTimeout)
	pl := plan.New(gw)
	in := ingest.New(gw)
	planArgs := newPlanArgsStore()

	tm := taskmgr.New(reg, gw, cfg.TaskCheckCycle, dispatchTask)
	tm.RegisterHandler("factor_update", factorUpdateHandler(pl, planArgs))
	tm.RegisterHandler("tick_update", tickUpdateHandler(pl, planArgs))

	srv := api.NewServer(gw, reg, tm, in, pl, cfg.MinWorkerNodeVersion)
	srv.SetStopWorker(stopWorker)
	srv.SetTaskPlannedHook(planArgs.set)

	col := collector.New(reg)
	col.Start()
	defer col.Stop()

	tm.Start(ctx)
	defer tm.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "bootstrapped")
	metrics.RegisterComponent("api", true, "ready")

	metricsSrv := startMetricsServer(cfg.MetricsAddr)
	defer shutdownServer(metricsSrv)

	addr := fmt.Sprintf("%s:%d", cfg.CoordinatorHost, cfg.CoordinatorPort)
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("coordinator").Info().Str("addr", addr).Msg("control API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("control API server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("control API server failed")
	}

	shutdownServer(httpServer)
	return nil
}

// startMetricsServer runs /metrics, /health, /ready and /live on their own
// listen address, decoupled from the control API the way the teacher
// keeps its metrics endpoint off the main API address.
func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
