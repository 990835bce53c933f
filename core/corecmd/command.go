package corecmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	concourseflag "github.com/concourse/flag/v2"
	"github.com/redis/go-redis/v9"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/grouper"
	"github.com/tedsuo/ifrit/http_server"
	"github.com/tedsuo/ifrit/sigmon"

	"github.com/mellea-dev/playground/core"
	"github.com/mellea-dev/playground/core/api/eventstream"
	"github.com/mellea-dev/playground/core/artifact"
	"github.com/mellea-dev/playground/core/build"
	"github.com/mellea-dev/playground/core/build/clusterbuilder"
	"github.com/mellea-dev/playground/core/build/localbuilder"
	"github.com/mellea-dev/playground/core/cluster"
	"github.com/mellea-dev/playground/core/component"
	"github.com/mellea-dev/playground/core/creds"
	"github.com/mellea-dev/playground/core/environment"
	"github.com/mellea-dev/playground/core/executor"
	"github.com/mellea-dev/playground/core/gc"
	"github.com/mellea-dev/playground/core/llm"
	"github.com/mellea-dev/playground/core/logbus"
	"github.com/mellea-dev/playground/core/metric"
	"github.com/mellea-dev/playground/core/notify"
	"github.com/mellea-dev/playground/core/quota"
	"github.com/mellea-dev/playground/core/store"
	"github.com/mellea-dev/playground/tracing"
)

// RunCommand is the playground core. It owns every background component: the
// run executor, the warm pool, the retention and idle reconcilers, and the
// run log streaming listener. The HTTP CRUD surface lives in the external
// transport and talks to these components through their packages.
type RunCommand struct {
	Logger concourseflag.Lager

	DataDir concourseflag.Dir `long:"data-dir" default:"./data" description:"Root directory for metadata, workspaces, and artifact blobs."`
	APIURL  string            `long:"api-url" default:"http://127.0.0.1:8080" description:"URL run jobs use to reach the playground API."`

	LogStreamingBindIP   string `long:"log-streaming-bind-ip" default:"0.0.0.0" description:"IP the run log streaming endpoints listen on."`
	LogStreamingBindPort uint16 `long:"log-streaming-bind-port" default:"8081" description:"Port for the run log streaming endpoints. 0 disables the listener."`

	BuildBackend string `long:"build-backend" default:"local" choice:"local" choice:"cluster" description:"Image build backend: the local docker daemon or cluster build jobs."`

	Cluster       cluster.Config        `group:"Cluster" namespace:"cluster"`
	ClusterBuilds clusterbuilder.Config `group:"Cluster Builds" namespace:"build"`
	Registry      build.RegistryConfig  `group:"Image Registry" namespace:"registry"`

	RedisURL     string `long:"redis-url" description:"Redis URL backing the log bus. The in-process broadcaster is used when empty."`
	LogQueueSize int    `long:"log-queue-size" default:"64" description:"Per-subscriber queue size for the in-process log broker."`

	Quota struct {
		MaxConcurrentRuns   int     `long:"max-concurrent-runs" default:"5" description:"Concurrent runs allowed per user."`
		MaxRunsPerDay       int     `long:"max-runs-per-day" default:"100" description:"Runs allowed per user per day."`
		MaxCPUHoursPerMonth float64 `long:"max-cpu-hours-per-month" default:"50" description:"CPU-hours allowed per user per month."`
		MaxStorageMB        int64   `long:"max-storage-mb" default:"1024" description:"Artifact storage allowed per user."`
	} `group:"Quotas" namespace:"quota"`

	RunExecutor struct {
		Enabled       bool          `long:"enabled" default:"true" description:"Run the run executor loop."`
		Interval      time.Duration `long:"interval" default:"2s" description:"Executor tick interval."`
		SubmitTimeout time.Duration `long:"submit-timeout" default:"2m" description:"Deadline for one run submission."`
	} `group:"Run Executor" namespace:"run-executor"`

	Warmup struct {
		Enabled          bool          `long:"enabled" description:"Maintain a warm pool of ready environments."`
		Interval         time.Duration `long:"interval" default:"1m" description:"Warm pool tick interval."`
		PoolSize         int           `long:"pool-size" default:"3" description:"Target number of ready environments."`
		MaxAge           time.Duration `long:"max-age" default:"30m" description:"Recycle ready environments older than this."`
		PopularDepsCount int           `long:"popular-deps-count" default:"10" description:"How many top layer cache entries rank programs for warming."`
	} `group:"Warm Pool" namespace:"warmup"`

	IdleController struct {
		Enabled                bool          `long:"enabled" default:"true" description:"Run the idle reconciler."`
		Interval               time.Duration `long:"interval" default:"5m" description:"Idle reconciler tick interval."`
		EnvironmentIdleTimeout time.Duration `long:"environment-idle-timeout" default:"30m" description:"Stop running environments idle for this long."`
		RunRetentionDays       int           `long:"run-retention-days" default:"7" description:"Delete terminal runs older than this many days."`
		StaleJobTimeout        time.Duration `long:"stale-job-timeout" default:"1h" description:"Clean up orphaned cluster jobs older than this."`
	} `group:"Idle Controller" namespace:"idle-controller"`

	RetentionPolicy struct {
		Enabled  bool          `long:"enabled" default:"true" description:"Run the retention policy reconciler."`
		Interval time.Duration `long:"interval" default:"1h" description:"Retention cleanup interval."`
	} `group:"Retention" namespace:"retention-policy"`

	Artifacts struct {
		RetentionDays   int   `long:"retention-days" default:"30" description:"Default artifact expiry in days. 0 never expires."`
		MaxSingleSizeMB int64 `long:"max-single-size-mb" default:"100" description:"Largest accepted artifact."`
	} `group:"Artifacts" namespace:"artifact"`

	LLM struct {
		MetricsRetentionDays int    `long:"metrics-retention-days" default:"90" description:"Delete model usage metrics older than this many days. 0 keeps them forever."`
		PricingFile          string `long:"pricing-file" description:"YAML model pricing table. Built-in defaults when empty."`
	} `group:"Model Usage" namespace:"llm"`

	Metrics tracing.MetricsConfig `group:"Metrics" namespace:"metrics"`
	Tracing tracing.Config        `group:"Tracing" namespace:"tracing"`
}

// Core bundles the constructed components. The external HTTP transport
// mounts its handlers on top of these.
type Core struct {
	Logger lager.Logger
	Clock  clock.Clock

	Store        *store.Store
	Quota        quota.Engine
	Runtime      cluster.Runtime
	BuildEngine  *build.Engine
	Environments environment.Manager
	Bus          *logbus.Bus
	Artifacts    *artifact.Collector
	Executor     *executor.Executor
	WarmPool     *environment.WarmPool
	Retention    *gc.RetentionReconciler
	Idle         *gc.IdleReconciler
	LLM          *llm.Collector
	Streamer     *eventstream.Streamer
}

func (cmd *RunCommand) Execute(args []string) error {
	runner, err := cmd.Runner(args)
	if err != nil {
		return err
	}
	return <-ifrit.Invoke(sigmon.New(runner)).Wait()
}

// Runner constructs the components and assembles the background members.
func (cmd *RunCommand) Runner(args []string) (ifrit.Runner, error) {
	components, err := cmd.Construct()
	if err != nil {
		return nil, err
	}
	return cmd.assembleMembers(components), nil
}

// Construct builds one instance of every component.
func (cmd *RunCommand) Construct() (*Core, error) {
	logger := cmd.constructLogger()
	clk := clock.NewClock()

	if err := cmd.Tracing.Prepare(); err != nil {
		return nil, fmt.Errorf("configuring tracing: %w", err)
	}
	mp, _, err := cmd.Metrics.MeterProvider()
	if err != nil {
		return nil, fmt.Errorf("configuring metrics: %w", err)
	}
	if mp != nil {
		tracing.ConfigureMeterProvider(mp)
		metric.InitOTelMetrics()
	}

	st, err := store.NewStore(cmd.DataDir.Path())
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	limits := core.QuotaLimits{
		MaxConcurrentRuns:   cmd.Quota.MaxConcurrentRuns,
		MaxRunsPerDay:       cmd.Quota.MaxRunsPerDay,
		MaxCPUHoursPerMonth: cmd.Quota.MaxCPUHoursPerMonth,
		MaxStorageMB:        cmd.Quota.MaxStorageMB,
	}
	quotaEngine := quota.NewEngine(logger.Session("quota"), st.Runs, st.QuotaUsage, limits, clk)

	clientset, err := cluster.NewClientset(cmd.Cluster)
	if err != nil {
		return nil, fmt.Errorf("connecting to cluster: %w", err)
	}
	runtime := cluster.NewK8sRuntime(logger.Session("cluster"), clientset, cmd.Cluster)

	backend, err := cmd.constructBuildBackend(logger, runtime, clk)
	if err != nil {
		return nil, err
	}
	buildEngine := build.NewEngine(logger.Session("build"), backend, st.Programs, st.LayerCache, cmd.Registry, cmd.DataDir.Path(), clk)

	environments := environment.NewManager(logger.Session("environments"), st.Environments, st.Programs, clk)

	broker, err := cmd.constructBroker(logger)
	if err != nil {
		return nil, err
	}
	bus := logbus.NewBus(logger.Session("logbus"), broker, clk)

	artifacts := artifact.NewCollector(
		logger.Session("artifacts"),
		st.Artifacts,
		st.ArtifactUsage,
		cmd.DataDir.Path(),
		artifact.Config{
			MaxSingleSizeBytes:   cmd.Artifacts.MaxSingleSizeMB * 1024 * 1024,
			DefaultRetentionDays: cmd.Artifacts.RetentionDays,
		},
		clk,
	)

	resolver := creds.NewCheckedResolver(logger.Session("creds"), st.Credentials, clk, creds.ConventionResolver{})
	notifier := notify.NewLogNotifier(logger.Session("notify"))

	exec := executor.NewExecutor(
		logger.Session("executor"),
		st.Runs,
		st.Programs,
		environments,
		quotaEngine,
		runtime,
		buildEngine,
		bus,
		artifacts,
		resolver,
		notifier,
		limits,
		executor.Config{
			APIURL:        cmd.APIURL,
			SubmitTimeout: cmd.RunExecutor.SubmitTimeout,
		},
		clk,
	)

	warmPool := environment.NewWarmPool(
		logger.Session("warmup"),
		environments,
		buildEngine,
		st.Programs,
		st.LayerCache,
		environment.WarmPoolConfig{
			PoolSize:         cmd.Warmup.PoolSize,
			MaxAge:           cmd.Warmup.MaxAge,
			PopularDepsCount: cmd.Warmup.PopularDepsCount,
		},
		clk,
	)

	retention := gc.NewRetentionReconciler(
		logger.Session("retention"),
		st.RetentionPolicies,
		st.Runs,
		st.Programs,
		st.Artifacts,
		st.LLMMetrics,
		environments,
		artifacts,
		gc.RetentionConfig{
			ArtifactRetentionDays:   cmd.Artifacts.RetentionDays,
			RunRetentionDays:        cmd.IdleController.RunRetentionDays,
			LLMMetricsRetentionDays: cmd.LLM.MetricsRetentionDays,
		},
		clk,
	)
	if err := retention.EnsureSystemPolicies(); err != nil {
		return nil, fmt.Errorf("seeding retention policies: %w", err)
	}

	idle := gc.NewIdleReconciler(
		logger.Session("idle"),
		st.Runs,
		environments,
		st.Artifacts,
		st.LLMMetrics,
		artifacts,
		runtime,
		gc.IdleConfig{
			EnvironmentIdleTimeout: cmd.IdleController.EnvironmentIdleTimeout,
			RunRetentionFloor:      time.Duration(cmd.IdleController.RunRetentionDays) * 24 * time.Hour,
			StaleJobTimeout:        cmd.IdleController.StaleJobTimeout,
		},
		clk,
	)

	// The pricing table is loaded at startup so a malformed file fails fast.
	pricing, err := llm.LoadPricing(cmd.LLM.PricingFile)
	if err != nil {
		return nil, err
	}
	usageCollector := llm.NewCollector(logger.Session("llm"), st.LLMMetrics, pricing, clk)

	return &Core{
		Logger:       logger,
		Clock:        clk,
		Store:        st,
		Quota:        quotaEngine,
		Runtime:      runtime,
		BuildEngine:  buildEngine,
		Environments: environments,
		Bus:          bus,
		Artifacts:    artifacts,
		Executor:     exec,
		WarmPool:     warmPool,
		Retention:    retention,
		Idle:         idle,
		LLM:          usageCollector,
		Streamer:     eventstream.NewStreamer(logger.Session("eventstream"), exec, bus),
	}, nil
}

func (cmd *RunCommand) assembleMembers(c *Core) ifrit.Runner {
	logger := c.Logger
	clk := c.Clock

	var members grouper.Members
	if cmd.RunExecutor.Enabled {
		members = append(members, grouper.Member{
			Name:   "run-executor",
			Runner: component.NewIntervalRunner(logger.Session("run-executor"), clk, cmd.RunExecutor.Interval, c.Executor),
		})
	}
	if cmd.Warmup.Enabled {
		members = append(members, grouper.Member{
			Name:   "warmup",
			Runner: component.NewIntervalRunner(logger.Session("warmup"), clk, cmd.Warmup.Interval, c.WarmPool),
		})
	}
	if cmd.RetentionPolicy.Enabled {
		members = append(members, grouper.Member{
			Name:   "retention",
			Runner: component.NewIntervalRunner(logger.Session("retention"), clk, cmd.RetentionPolicy.Interval, c.Retention),
		})
	}
	if cmd.IdleController.Enabled {
		members = append(members, grouper.Member{
			Name:   "idle-controller",
			Runner: component.NewIntervalRunner(logger.Session("idle-controller"), clk, cmd.IdleController.Interval, c.Idle),
		})
	}
	if cmd.LogStreamingBindPort != 0 {
		members = append(members, grouper.Member{
			Name:   "log-streaming",
			Runner: http_server.New(fmt.Sprintf("%s:%d", cmd.LogStreamingBindIP, cmd.LogStreamingBindPort), streamHandler(c.Streamer)),
		})
	}

	return grouper.NewParallel(os.Interrupt, members)
}

func streamHandler(streamer *eventstream.Streamer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runs/{run_id}/logs", streamer.ServeWebSocket)
	mux.HandleFunc("GET /runs/{run_id}/logs/stream", streamer.ServeSSE)
	return mux
}

func (cmd *RunCommand) constructLogger() lager.Logger {
	logger, _ := cmd.Logger.Logger("playground")
	return logger
}

func (cmd *RunCommand) constructBuildBackend(logger lager.Logger, runtime cluster.Runtime, clk clock.Clock) (build.Backend, error) {
	switch cmd.BuildBackend {
	case "cluster":
		return clusterbuilder.NewBuilder(
			logger.Session("cluster-builder"),
			runtime,
			cmd.Registry,
			cmd.ClusterBuilds,
			cmd.DataDir.Path(),
			clk,
		), nil
	default:
		docker, err := localbuilder.NewDockerClient()
		if err != nil {
			return nil, fmt.Errorf("connecting to docker daemon: %w", err)
		}
		return localbuilder.NewBuilder(logger.Session("local-builder"), docker, cmd.Registry), nil
	}
}

func (cmd *RunCommand) constructBroker(logger lager.Logger) (logbus.Broker, error) {
	if cmd.RedisURL == "" {
		return logbus.NewBroadcaster(cmd.LogQueueSize), nil
	}

	opts, err := redis.ParseURL(cmd.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return logbus.NewRedisBroker(logger.Session("redis"), redis.NewClient(opts)), nil
}
