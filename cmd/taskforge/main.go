package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Import pprof for profiling endpoints
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	projectsvc "github.com/taskforge/taskforge/pkg/artifact/project"
	artifactstore "github.com/taskforge/taskforge/pkg/artifact/store"
	"github.com/taskforge/taskforge/pkg/config"
	"github.com/taskforge/taskforge/pkg/controlbus"
	"github.com/taskforge/taskforge/pkg/log"
	"github.com/taskforge/taskforge/pkg/logpipeline"
	"github.com/taskforge/taskforge/pkg/master"
	"github.com/taskforge/taskforge/pkg/metrics"
	"github.com/taskforge/taskforge/pkg/receipt"
	"github.com/taskforge/taskforge/pkg/registry"
	"github.com/taskforge/taskforge/pkg/scheduler"
	"github.com/taskforge/taskforge/pkg/store"
	"github.com/taskforge/taskforge/pkg/transport"
	"github.com/taskforge/taskforge/pkg/transport/auth"
	"github.com/taskforge/taskforge/pkg/transport/gateway"
	"github.com/taskforge/taskforge/pkg/transport/intranet"
	"github.com/taskforge/taskforge/pkg/types"
	"github.com/taskforge/taskforge/pkg/worker"
	"github.com/taskforge/taskforge/pkg/wshub"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "Taskforge - distributed task orchestration platform",
	Long: `Taskforge dispatches scheduled tasks to a fleet of Worker agents,
tracks their execution lifecycle, streams their logs in real time, and
enforces retries and concurrency limits — as a single binary hosting both
the Master control plane and the Worker agent.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Taskforge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (environment overrides apply on top)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(nodeCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig() (config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	return config.Load(path)
}

// openBlobs selects the artifact store backend per configuration.
func openBlobs(ctx context.Context, cfg config.Config) (artifactstore.Blobs, error) {
	switch cfg.ObjectStoreBackend {
	case "s3":
		return artifactstore.NewS3Blobs(ctx, artifactstore.S3Config{Bucket: cfg.ObjectStoreBucket})
	default:
		return artifactstore.NewFilesystemBlobs(cfg.ObjectStorePath)
	}
}

// Master commands

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "Run the Master control plane",
}

var masterServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Master: scheduler, gateway transport, log pipeline, WebSocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		st, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer st.Close()

		blobs, err := openBlobs(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open artifact store: %v", err)
		}

		pipeline := logpipeline.New(blobs, logpipeline.Config{
			BatchSize:     cfg.GRPCLogBatchSize,
			FlushInterval: cfg.GRPCLogFlushInterval,
			MaxCacheLines: logpipeline.DefaultConfig.MaxCacheLines,
		})
		defer pipeline.Close()

		hub := wshub.New(wshub.Config{
			QuotaPerExecution: cfg.WebSocketMaxConnPerExecution,
			GlobalQuota:       cfg.WebSocketMaxTotalConn,
			PingInterval:      cfg.GRPCHeartbeatInterval,
			MaxMissedPongs:    3,
			MaxQueueSize:      cfg.GRPCLogBufferMaxSize,
			BatchSize:         cfg.GRPCLogBatchSize,
			SendTimeout:       cfg.GRPCHeartbeatTimeout,
			ShutdownGrace:     3 * time.Second,
		}, log.WithComponent("wshub"))
		defer hub.Shutdown()

		reg := registry.New(st, registry.DefaultConfig)
		reg.Start()
		defer reg.Stop()

		m := master.New(master.DefaultConfig(), st, reg, pipeline, hub)
		m.Start()
		defer m.Stop()

		var bus *controlbus.Bus
		if cfg.NATSURL != "" {
			bus, err = controlbus.Connect(controlbus.Config{
				URL:            cfg.NATSURL,
				MaxLen:         cfg.SchedulerEventMaxlen,
				ConsumerName:   "taskforge-master",
				ConnectTimeout: 5 * time.Second,
			})
			if err != nil {
				return fmt.Errorf("failed to connect control-event bus: %v", err)
			}
			defer bus.Close()
		}

		resolver := scheduler.NewResolver(reg)
		sched, err := scheduler.New(scheduler.Config{
			Role:               scheduler.Role(cfg.SchedulerRole),
			MaxConcurrentTasks: cfg.MaxConcurrentTasks,
			MisfireGrace:       60 * time.Second,
			DispatchStallLimit: 2 * time.Minute,
			AckTimeout:         5 * time.Second,
			Timezone:           cfg.Timezone(),
			DataDir:            cfg.DataDir,
		}, st, resolver, m, nil, bus)
		if err != nil {
			return err
		}
		m.AttachRetrier(sched)
		if err := sched.Start(); err != nil {
			return err
		}
		defer sched.Stop()

		// Gateway transport, authenticated per AUTH_MODE.
		receipts := receipt.New(5*time.Minute, 100_000)
		stopSweeper := make(chan struct{})
		go receipts.RunSweeper(time.Minute, stopSweeper)
		defer close(stopSweeper)

		authn := buildAuthenticator(cfg, st)
		gatewaySrv := gateway.NewServer(m, receipts, authServerOption(authn))
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("failed to listen on grpc port: %v", err)
		}
		go func() {
			if err := gatewaySrv.Serve(lis); err != nil {
				log.Errorf("gateway server stopped: %v", err)
			}
		}()
		defer gatewaySrv.Stop()

		// HTTP surface: WebSocket log streaming, intranet ingest, metrics.
		var jwtAuth *auth.JWT
		if cfg.JWTSecret != "" {
			jwtAuth = &auth.JWT{Secret: []byte(cfg.JWTSecret), Issuer: "taskforge"}
		}
		wsHandler := master.NewWSHandler(m, master.WSConfig{
			JWT:          jwtAuth,
			PingInterval: cfg.GRPCHeartbeatInterval,
			PongTimeout:  cfg.GRPCHeartbeatTimeout,
		})
		ingest := intranet.NewIngestHandler(m, func(workerID string) (string, error) {
			w, err := st.GetWorker(workerID)
			if err != nil {
				return "", err
			}
			return w.APIKey, nil
		})

		mux := http.NewServeMux()
		mux.Handle("/ws/executions/", wsHandler)
		mux.Handle("/api/v1/ingest/", ingest)
		mux.Handle("/metrics", metrics.Handler())
		httpSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: mux}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("http server stopped: %v", err)
			}
		}()

		masterLogger := log.WithComponent("master")
		masterLogger.Info().
			Int("grpc_port", cfg.GRPCPort).
			Int("http_port", cfg.HTTPPort).
			Str("role", cfg.SchedulerRole).
			Msg("master started")

		waitForShutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return nil
	},
}

// Worker commands

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Worker agent",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the Worker agent and connect to the Master",
	RunE: func(cmd *cobra.Command, args []string) error {
		workerID, _ := cmd.Flags().GetString("worker-id")
		masterAddr, _ := cmd.Flags().GetString("master-addr")
		mode, _ := cmd.Flags().GetString("mode")
		apiKey, _ := cmd.Flags().GetString("api-key")
		secretKey, _ := cmd.Flags().GetString("secret-key")
		maxTasks, _ := cmd.Flags().GetInt("max-concurrent-tasks")
		listenPort, _ := cmd.Flags().GetInt("listen-port")
		projectRoot, _ := cmd.Flags().GetString("project-root")

		if workerID == "" {
			workerID = uuid.NewString()
		}
		cfg := worker.DefaultConfig(workerID)
		cfg.MaxConcurrentTasks = maxTasks
		if projectRoot != "" {
			cfg.ProjectRoot = projectRoot
		}

		var agent *worker.Agent
		switch mode {
		case "gateway":
			conn, err := gateway.Dial(context.Background(), gateway.ClientConfig{
				Addr:     masterAddr,
				Insecure: true,
				Extra:    []grpc.DialOption{authClientOption(workerID, apiKey, secretKey)},
			})
			if err != nil {
				return fmt.Errorf("failed to dial gateway: %v", err)
			}
			client := gateway.NewClient(conn)
			adapter := gateway.NewTransportAdapter(client, workerID)
			source := &worker.GatewaySource{Client: client, WorkerID: workerID}
			agent = worker.New(cfg, adapter, source, nil, nil)

		case "intranet":
			uplink := intranet.NewUplinkTransport(masterAddr, workerID, apiKey, 30*time.Second)
			mailbox := worker.NewPushMailbox(16)
			agent = worker.New(cfg, uplink, mailbox, mailbox, nil)
			mailbox.Preflight = func(transport.TaskPayload) (bool, string) {
				if busy, reason := agent.Busy(); busy {
					return false, reason
				}
				return true, ""
			}

			handler := intranet.NewHandler(apiKey, secretKey, 5*time.Minute, mailbox)
			srv := &http.Server{Addr: fmt.Sprintf(":%d", listenPort), Handler: handler}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Errorf("intranet push listener stopped: %v", err)
				}
			}()
			defer srv.Close()

		default:
			return fmt.Errorf("unknown transport mode %q (gateway | intranet)", mode)
		}

		agent.Start()
		workerLogger := log.WithWorkerID(workerID)
		workerLogger.Info().Str("mode", mode).Str("master", masterAddr).Msg("worker started")
		waitForShutdown()
		agent.Stop()
		return nil
	},
}

// Task commands (local administration against the embedded store)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a task template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cronExpr, _ := cmd.Flags().GetString("cron")
		intervalSec, _ := cmd.Flags().GetInt64("interval")
		projectRef, _ := cmd.Flags().GetString("project")
		taskType, _ := cmd.Flags().GetString("type")
		strategy, _ := cmd.Flags().GetString("strategy")
		boundWorker, _ := cmd.Flags().GetString("worker")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		timeoutSec, _ := cmd.Flags().GetInt64("timeout")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		sched := types.Schedule{Kind: types.ScheduleManual}
		switch {
		case cronExpr != "":
			sched = types.Schedule{Kind: types.ScheduleCron, CronExpr: cronExpr}
		case intervalSec > 0:
			sched = types.Schedule{Kind: types.ScheduleInterval, IntervalSec: intervalSec}
		}

		task := &types.Task{
			PublicID:               uuid.NewString(),
			Name:                   args[0],
			ProjectRef:             projectRef,
			TaskType:               types.TaskType(taskType),
			Schedule:               sched,
			MaxConcurrentInstances: 1,
			TimeoutSeconds:         timeoutSec,
			RetryPolicy:            types.RetryPolicy{MaxRetries: maxRetries, InitialDelay: 10 * time.Second, Backoff: "exponential"},
			IsActive:               true,
			ExecutionStrategy:      types.ExecutionStrategy(strategy),
			BoundWorkerRef:         boundWorker,
			CreatedAt:              time.Now().UTC(),
		}
		if err := st.CreateTask(task); err != nil {
			return err
		}
		fmt.Printf("✓ Task created: %s (%s)\n", task.Name, task.PublicID)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		tasks, err := st.ListTasks()
		if err != nil {
			return err
		}
		fmt.Printf("%-36s  %-20s  %-8s  %-10s  %s\n", "ID", "NAME", "TYPE", "ACTIVE", "SCHEDULE")
		for _, t := range tasks {
			fmt.Printf("%-36s  %-20s  %-8s  %-10v  %s\n", t.PublicID, t.Name, t.TaskType, t.IsActive, describeSchedule(t.Schedule))
		}
		return nil
	},
}

var taskTriggerCmd = &cobra.Command{
	Use:   "trigger <task-id>",
	Short: "Publish a task_trigger event for the active master to fire immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.NATSURL == "" {
			return fmt.Errorf("task trigger requires a control-event bus (set NATS_URL)")
		}
		bus, err := controlbus.Connect(controlbus.Config{URL: cfg.NATSURL, MaxLen: cfg.SchedulerEventMaxlen})
		if err != nil {
			return err
		}
		defer bus.Close()
		if err := bus.PublishTaskTrigger(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Trigger published for task %s\n", args[0])
		return nil
	},
}

func describeSchedule(s types.Schedule) string {
	switch s.Kind {
	case types.ScheduleCron:
		return "cron " + s.CronExpr
	case types.ScheduleInterval:
		return fmt.Sprintf("every %ds", s.IntervalSec)
	case types.ScheduleOnce:
		return "once at " + s.At.Format(time.RFC3339)
	default:
		return "manual"
	}
}

// Project commands

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage project artifacts",
}

var projectPublishCmd = &cobra.Command{
	Use:   "publish <project-id>",
	Short: "Freeze the draft into an immutable version (manifest + archive)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		st, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()
		blobs, err := openBlobs(ctx, cfg)
		if err != nil {
			return err
		}

		svc := projectsvc.New(blobs, st, projectsvc.Limits{
			MaxExtractSize:  cfg.MaxExtractSize,
			MaxExtractFiles: cfg.MaxExtractFiles,
		})
		manifest, err := svc.Publish(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Published version %d (%d files, %d bytes)\n", manifest.Version, manifest.FileCount, manifest.TotalSize)
		return nil
	},
}

// Node commands

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage Worker nodes",
}

var nodeRegisterCmd = &cobra.Command{
	Use:   "register <name>",
	Short: "Register a Worker node and print its credentials",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		w := &types.Worker{
			PublicID:  uuid.NewString(),
			Name:      args[0],
			Host:      host,
			Port:      port,
			Status:    types.WorkerOffline,
			APIKey:    uuid.NewString(),
			SecretKey: uuid.NewString(),
			CreatedAt: time.Now().UTC(),
		}
		if err := st.CreateWorker(w); err != nil {
			return err
		}
		fmt.Printf("✓ Worker registered: %s\n", w.PublicID)
		fmt.Printf("  api_key:    %s\n", w.APIKey)
		fmt.Printf("  secret_key: %s\n", w.SecretKey)
		return nil
	},
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List Worker nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.NewBoltStore(cfg.DataDir)
		if err != nil {
			return err
		}
		defer st.Close()

		workers, err := st.ListWorkers()
		if err != nil {
			return err
		}
		fmt.Printf("%-36s  %-16s  %-12s  %-20s  %s\n", "ID", "NAME", "STATUS", "HOST", "LAST HEARTBEAT")
		for _, w := range workers {
			hb := "-"
			if !w.LastHeartbeat.IsZero() {
				hb = w.LastHeartbeat.Format(time.RFC3339)
			}
			fmt.Printf("%-36s  %-16s  %-12s  %-20s  %s\n", w.PublicID, w.Name, w.Status, fmt.Sprintf("%s:%d", w.Host, w.Port), hb)
		}
		return nil
	},
}

func init() {
	masterCmd.AddCommand(masterServeCmd)

	workerCmd.AddCommand(workerRunCmd)
	workerRunCmd.Flags().String("worker-id", "", "Worker id (as registered on the Master)")
	workerRunCmd.Flags().String("master-addr", "localhost:50051", "Master address (gateway: host:port, intranet: base URL)")
	workerRunCmd.Flags().String("mode", "gateway", "Transport mode (gateway | intranet)")
	workerRunCmd.Flags().String("api-key", "", "Worker api_key")
	workerRunCmd.Flags().String("secret-key", "", "Worker secret_key (enables HMAC signatures)")
	workerRunCmd.Flags().Int("max-concurrent-tasks", 4, "Concurrent run capacity")
	workerRunCmd.Flags().Int("listen-port", 8081, "Intranet mode: port the Master pushes dispatches to")
	workerRunCmd.Flags().String("project-root", "", "Directory synced project trees live under")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskTriggerCmd)
	taskCreateCmd.Flags().String("cron", "", "Cron expression trigger")
	taskCreateCmd.Flags().Int64("interval", 0, "Fixed-interval trigger in seconds")
	taskCreateCmd.Flags().String("project", "", "Project public id")
	taskCreateCmd.Flags().String("type", "code", "Task type (file | code | rule | spider)")
	taskCreateCmd.Flags().String("strategy", "auto", "Execution strategy (local | fixed | auto | prefer-bound)")
	taskCreateCmd.Flags().String("worker", "", "Bound worker id (fixed / prefer-bound)")
	taskCreateCmd.Flags().Int("max-retries", 0, "Retry policy: max retries")
	taskCreateCmd.Flags().Int64("timeout", 3600, "Run timeout in seconds")

	projectCmd.AddCommand(projectPublishCmd)

	nodeCmd.AddCommand(nodeRegisterCmd)
	nodeCmd.AddCommand(nodeListCmd)
	nodeRegisterCmd.Flags().String("host", "", "Worker host (intranet mode push target)")
	nodeRegisterCmd.Flags().Int("port", 8081, "Worker port (intranet mode push target)")
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")
}
