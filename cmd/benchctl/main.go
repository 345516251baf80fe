// cmd/benchctl/main.go
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/elchinoo/benchctl/internal/aggregator"
	"github.com/elchinoo/benchctl/internal/backend"
	"github.com/elchinoo/benchctl/internal/circuitbreaker"
	"github.com/elchinoo/benchctl/internal/config"
	"github.com/elchinoo/benchctl/internal/controller"
	"github.com/elchinoo/benchctl/internal/lifecycle"
	"github.com/elchinoo/benchctl/internal/logging"
	"github.com/elchinoo/benchctl/internal/paramgen"
	"github.com/elchinoo/benchctl/internal/planner"
	"github.com/elchinoo/benchctl/internal/pool"
	"github.com/elchinoo/benchctl/internal/profiler"
	"github.com/elchinoo/benchctl/internal/sink"
	"github.com/elchinoo/benchctl/internal/worker"
	"github.com/elchinoo/benchctl/pkg/bench"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cliOpts struct {
	configFile   string
	templateFile string

	concurrency int
	targetQPS   float64
	loadMode    string

	enableCircuitBreaker bool
}

func main() {
	root := &cobra.Command{
		Use:   "benchctl",
		Short: "Drives one benchmark Run against a Postgres or Snowflake table",
		RunE:  runBenchmark,
	}
	root.Flags().StringVar(&cliOpts.configFile, "config", "config.yaml", "process configuration file")
	root.Flags().StringVar(&cliOpts.templateFile, "template-file", "", "workload template file (required)")
	root.Flags().IntVar(&cliOpts.concurrency, "concurrency", 0, "override concurrent_connections from the template")
	root.Flags().Float64Var(&cliOpts.targetQPS, "target-qps", 0, "override target_qps from the template")
	root.Flags().StringVar(&cliOpts.loadMode, "load-mode", "", "override load_mode from the template")
	root.Flags().BoolVar(&cliOpts.enableCircuitBreaker, "circuit-breaker", true, "wrap the backend pool in a circuit breaker")
	_ = root.MarkFlagRequired("template-file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("benchctl dev")
		},
	}
	root.AddCommand(versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cliOpts.configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.NewLogger(logging.LoggerConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log = logging.NewDefaultLogger()
	}
	defer log.Sync()

	in, err := loadTemplate(cliOpts.templateFile, cfg.BenchmarkExecutorMaxWorkers)
	if err != nil {
		return fmt.Errorf("loading template: %w", err)
	}
	applyTemplateOverrides(in)

	sc, err := planner.BuildScenario(in)
	if err != nil {
		return fmt.Errorf("building scenario: %w", err)
	}

	connPool, catalog, probe, pgHandle, sfHandle, closePool, err := openBackend(ctx, sc.TargetBackend, cfg, log.Zap())
	if err != nil {
		return fmt.Errorf("opening backend: %w", err)
	}
	defer closePool()

	profile, err := profiler.Profile(ctx, catalog, sc)
	if err != nil {
		return fmt.Errorf("profiling table: %w", err)
	}

	var poolStore bench.ValuePoolStore
	switch {
	case pgHandle != nil:
		poolStore = pool.NewStore(pgHandle, sc, profile)
	case sfHandle != nil:
		poolStore = pool.NewSnowflakeStore(sfHandle, sc, profile)
	default:
		return fmt.Errorf("value pool sampling has no backend handle for %q", sc.TargetBackend)
	}

	if cliOpts.enableCircuitBreaker {
		connPool = circuitbreaker.WrapPool(connPool, circuitbreaker.Config{Logger: log})
	}

	var durable bench.DurableSink
	if cfg.Sink.UsePostgres {
		sinkDB, err := openSinkPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("opening durable sink pool: %w", err)
		}
		defer sinkDB.Close()
		durable, err = sink.NewDurablePostgres(ctx, sinkDB, cfg.Sink.TablePrefix)
		if err != nil {
			return fmt.Errorf("initializing durable sink: %w", err)
		}
	}
	hub := sink.NewLiveHub()

	dep := lifecycle.Deps{
		Pool:      connPool,
		Catalog:   catalog,
		PoolStore: poolStore,
		Probe:     probe,
		Sink:      durable,
		Hub:       hub,
		Log:       log.Zap(),
		NewSupervisor: func(ctx context.Context, factory lifecycle.WorkerFactory) *lifecycle.Supervisor {
			return lifecycle.NewSupervisor(ctx, factory, log, cfg.MaxParallelCreates)
		},
		NewController: func(sc *bench.Scenario, scaler lifecycle.WorkerScaler, agg *aggregator.Aggregator, p bench.WarehouseQueueProbe) lifecycle.Controller {
			return controller.New(sc, scaler, agg, p, log.Zap())
		},
		NewWorker: func(id int, sc *bench.Scenario, pool bench.ConnectionPool, gen *paramgen.Generator, agg *aggregator.Aggregator, phase func() bench.RunPhase, concurrency func() int) lifecycle.Runnable {
			return worker.New(id, sc, pool, gen, agg, phase, concurrency)
		},
	}

	run := lifecycle.NewRun(sc, dep)
	log.Info("starting run", logging.Fields.Run(run.ID, string(sc.LoadMode))...)

	summary, err := run.Execute(ctx)
	if err != nil {
		log.Error("run failed", err)
		return err
	}

	printSummary(summary)

	if ctx.Err() != nil {
		os.Exit(130)
	}
	if summary.Status == bench.RunFailed {
		os.Exit(1)
	}
	return nil
}

// loadTemplate reads a workload template from file via a fresh viper
// instance and binds the process-level worker ceiling onto it.
func loadTemplate(path string, maxWorkersCeiling int) (*planner.TemplateInput, error) {
	if path == "" {
		return nil, fmt.Errorf("--template-file is required")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var in planner.TemplateInput
	if err := v.Unmarshal(&in); err != nil {
		return nil, err
	}
	in.MaxWorkersCeiling = maxWorkersCeiling
	return &in, nil
}

func applyTemplateOverrides(in *planner.TemplateInput) {
	if cliOpts.concurrency > 0 {
		in.ConcurrentConnections = cliOpts.concurrency
	}
	if cliOpts.targetQPS > 0 {
		in.TargetQPS = cliOpts.targetQPS
	}
	if cliOpts.loadMode != "" {
		in.LoadMode = cliOpts.loadMode
	}
}

// openBackend opens the ConnectionPool/TableCatalog pair for b, plus an
// optional WarehouseQueueProbe (Snowflake only) and the raw driver handle
// (pgxpool.Pool or *sql.DB, whichever b resolves to) the Value Pool Store
// samples against directly (sampling is a setup-time concern distinct from
// the per-operation ConnectionPool).
func openBackend(ctx context.Context, b bench.Backend, cfg *config.Config, zlog *zap.Logger) (bench.ConnectionPool, bench.TableCatalog, bench.WarehouseQueueProbe, *pgxpool.Pool, *sql.DB, func(), error) {
	switch b {
	case bench.BackendSnowflake:
		sf, err := backend.NewSnowflake(ctx, cfg.Snowflake, zlog)
		if err != nil {
			return nil, nil, nil, nil, nil, func() {}, err
		}
		return sf, sf, sf, nil, sf.DB(), func() { sf.Close() }, nil
	default:
		pg, err := backend.NewPostgres(ctx, cfg.Postgres, zlog)
		if err != nil {
			return nil, nil, nil, nil, nil, func() {}, err
		}
		return pg, pg, nil, pg.PgxPool(), nil, func() { pg.Close() }, nil
	}
}

func openSinkPool(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	connString := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode,
	)
	return pgxpool.New(ctx, connString)
}

func printSummary(s *bench.TerminalSummary) {
	out, _ := json.MarshalIndent(s, "", "  ")
	fmt.Println(string(out))
}
