// Command factorial-executor runs one worker node: it registers with a
// coordinator, runs a fixed-size process pool that fans a dispatched
// task group into per-day sandboxed unit tasks, and reports results
// and progress back over the control API's callback routes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/factorial/pkg/api"
	fclient "github.com/cuemby/factorial/pkg/client"
	"github.com/cuemby/factorial/pkg/config"
	"github.com/cuemby/factorial/pkg/ferrors"
	"github.com/cuemby/factorial/pkg/localjournal"
	"github.com/cuemby/factorial/pkg/log"
	"github.com/cuemby/factorial/pkg/metrics"
	"github.com/cuemby/factorial/pkg/sandbox"
	"github.com/cuemby/factorial/pkg/types"
	"github.com/cuemby/factorial/pkg/workerpool"
)

var Version = "dev"

var cfg = loadConfigFile()

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
	Use:     "factorial-executor",
	Short:   "Factorial executor: the worker-node process pool and callback client",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")
	cobra.OnInitialize(initLogging)
	config.BindExecutorFlags(rootCmd.Flags(), &cfg)
}

func initLogging() {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
}

// workerIdentity carries the coordinator-assigned worker ID once
// registration completes; the callback client and heartbeat loop both
// need it, and neither exists until after registration succeeds.
type workerIdentity struct {
	mu sync.RWMutex
	id string
}

func (w *workerIdentity) set(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.id = id
}

func (w *workerIdentity) get() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.id
}

// sandboxCloser is the teardown hook only the containerd backend needs;
// ProcessSandbox has nothing to release.
type sandboxCloser interface {
	Close() error
}

// newSandbox builds the unit-task sandbox per cfg.SandboxBackend.
func newSandbox(cfg config.Config) (sandbox.Sandbox, sandboxCloser, error) {
	if cfg.SandboxBackend == "containerd" {
		cs, err := sandbox.NewContainerSandbox(cfg.ContainerdSocket, cfg.ContainerdNamespace, cfg.ContainerImage)
		if err != nil {
			return nil, nil, fmt.Errorf("containerd sandbox: %w", err)
		}
		return cs, cs, nil
	}
	workDir := filepath.Join(os.TempDir(), "factorial-sandbox")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("sandbox work dir: %w", err)
	}
	return sandbox.NewProcessSandbox(cfg.InterpreterPath, workDir), nil, nil
}

// newCodeLookup resolves a unit's code blob: factor_update units fetch
// their version's archived code from the coordinator (cached by
// factor#version since code never changes under a version label), while
// tick_update units run the locally configured ingestion adapter — an
// external collaborator this system treats as out of scope.
func newCodeLookup(cli *fclient.Client, cfg config.Config) workerpool.CodeLookup {
	var mu sync.Mutex
	cache := make(map[string][]byte)

	return func(ctx context.Context, unit types.UnitTask) ([]byte, error) {
		if unit.Type == "tick_update" {
			if cfg.TickAdapterPath == "" {
				return nil, fmt.Errorf("no tick ingestion adapter configured")
			}
			return os.ReadFile(cfg.TickAdapterPath)
		}

		factor, version := unit.Args["factor"], unit.Args["version"]
		key := factor + "#" + version

		mu.Lock()
		if code, ok := cache[key]; ok {
			mu.Unlock()
			return code, nil
		}
		mu.Unlock()

		code, ferr := cli.FetchVersionCode(ctx, factor, version)
		if ferr != nil {
			return nil, ferr
		}
		mu.Lock()
		cache[key] = code
		mu.Unlock()
		return code, nil
	}
}

// newSink reports a pool worker's progress back to the coordinator: one
// result-frame callback per finished unit, plus a finish callback once a
// task group drains.
func newSink(cli *fclient.Client, self *workerIdentity) workerpool.Sink {
	return func(msg workerpool.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		workerID := self.get()

		switch msg.Kind {
		case workerpool.MsgProgress:
			if msg.Frame == nil {
				return
			}
			date := msg.Unit.Args["date"]
			var ferr *ferrors.Error
			if msg.GroupType == "factor_update" {
				ferr = cli.CommitFactorResult(ctx, msg.GroupID, workerID,
					msg.Unit.Args["factor"], msg.Unit.Args["version"], msg.Unit.Target, date, msg.Frame)
			} else {
				ferr = cli.CommitTickFrame(ctx, msg.GroupID, workerID, msg.Unit.Target, date, msg.Frame)
			}
			if ferr != nil {
				log.WithComponent("executor").Error().Err(ferr).Str("group_id", msg.GroupID).Msg("result callback failed")
			}
		case workerpool.MsgFinishAck:
			if ferr := cli.FinishTask(ctx, msg.GroupID, workerID, msg.Finished, msg.AbortedCount); ferr != nil {
				log.WithComponent("executor").Error().Err(ferr).Str("group_id", msg.GroupID).Msg("finish callback failed")
			}
		case workerpool.MsgLog:
			log.WithComponent("executor").Debug().Str("group_id", msg.GroupID).Str("level", msg.Level).Msg(msg.Text)
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sb, closer, err := newSandbox(cfg)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	journal, err := localjournal.Open(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	coordinatorBase := fmt.Sprintf("http://%s:%d", cfg.CoordinatorHost, cfg.CoordinatorPort)
	cli := fclient.New(coordinatorBase)
	self := &workerIdentity{}

	pool := workerpool.New(cfg.ProcessorNum, sb, journal, newCodeLookup(cli, cfg), newSink(cli, self))
	defer pool.Close()

	if err := pool.Recover(ctx); err != nil {
		log.Logger.Warn().Err(err).Msg("journal recovery failed")
	}

	workerID, ferr := cli.RegisterWorker(ctx, cfg.WorkerHost, cfg.WorkerPort, cfg.ProcessorNum, Version)
	if ferr != nil {
		return ferr
	}
	self.set(workerID)
	log.WithComponent("executor").Info().Str("worker_id", workerID).Msg("registered with coordinator")

	stopHeartbeat := make(chan struct{})
	go heartbeatLoop(cli, pool, stopHeartbeat)
	defer close(stopHeartbeat)

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "n/a on executor, satisfies the shared readiness check")
	metrics.RegisterComponent("api", true, "ready")
	metricsSrv := startMetricsServer(cfg.MetricsAddr)
	defer shutdownServer(metricsSrv)

	srv := api.NewExecutorServer(pool)
	addr := fmt.Sprintf("%s:%d", cfg.WorkerHost, cfg.WorkerPort)
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("executor").Info().Str("addr", addr).Msg("executor surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("executor server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("executor server failed")
	}

	shutdownServer(httpServer)
	return nil
}

// heartbeatLoop reports this executor's liveness and current task-group
// list to the coordinator every cfg.UpdateCycle, the counterpart to the
// coordinator's registry.Sweep eviction.
func heartbeatLoop(cli *fclient.Client, pool *workerpool.Pool, stop chan struct{}) {
	ticker := time.NewTicker(cfg.UpdateCycle)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			ferr := cli.Heartbeat(ctx, cfg.WorkerHost, cfg.WorkerPort, time.Now(), pool.ActiveGroupIDs())
			cancel()
			if ferr != nil {
				log.WithComponent("executor").Warn().Err(ferr).Msg("heartbeat failed")
			}
		case <-stop:
			return
		}
	}
}

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
