package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/flashbots/go-utils/cli"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	redisadapter "github.com/ordermesh/fairorder-node/adapters/redis"
	"github.com/ordermesh/fairorder-node/fairorder"
	"github.com/ordermesh/fairorder-node/jsonrpcserver"
)

const commitmentAuditWindow = 24 * time.Hour

var (
	version = "dev" // is set during build process

	// Default values
	defaultDebug      = os.Getenv("DEBUG") == "1"
	defaultLogProd    = os.Getenv("LOG_PROD") == "1"
	defaultLogService = os.Getenv("LOG_SERVICE")
	defaultPort       = cli.GetEnv("PORT", "8080")
	// metrics and pprof
	defaultMetricsPort = cli.GetEnv("METRICS_PORT", "8088")
	// empty endpoint falls back to the in-memory store, useful for local runs
	defaultRedisEndpoint = cli.GetEnv("REDIS_ENDPOINT", "")
	// empty DSN disables the postgres audit log
	defaultPostgresDSN      = cli.GetEnv("POSTGRES_DSN", "")
	defaultAnalyzerConfig   = cli.GetEnv("ANALYZER_CONFIG", "")
	defaultPipelineWorkers  = cli.GetEnv("PIPELINE_WORKERS", "4")
	defaultAnalyzeRateLimit = cli.GetEnv("ANALYZE_RATE_LIMIT", "5")
	// optional isolated analysis endpoint, see fairorder.JSONRPCEnclaveBackend
	defaultEnclaveEndpoint = cli.GetEnv("ENCLAVE_ENDPOINT", "")

	// Flags
	debugPtr            = flag.Bool("debug", defaultDebug, "print debug output")
	logProdPtr          = flag.Bool("log-prod", defaultLogProd, "log in production mode (json)")
	logServicePtr       = flag.String("log-service", defaultLogService, "'service' tag to logs")
	portPtr             = flag.String("port", defaultPort, "port to listen on")
	redisPtr            = flag.String("redis", defaultRedisEndpoint, "redis url string, empty for in-memory store")
	postgresDSNPtr      = flag.String("postgres-dsn", defaultPostgresDSN, "postgres dsn, empty to disable the audit log")
	analyzerConfigPtr   = flag.String("analyzer-config", defaultAnalyzerConfig, "risk analyzer config file, empty for defaults")
	pipelineWorkersPtr  = flag.String("pipeline-workers", defaultPipelineWorkers, "max batches processed concurrently across pools")
	analyzeRateLimitPtr = flag.String("analyze-rate-limit", defaultAnalyzeRateLimit, "standalone risk analysis rate limit for external users (calls per second)")
	enclavePtr          = flag.String("enclave", defaultEnclaveEndpoint, "isolated analysis endpoint, empty for local analysis")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	if *logProdPtr {
		atom := zap.NewAtomicLevel()
		if *debugPtr {
			atom.SetLevel(zap.DebugLevel)
		}

		encoderCfg := zap.NewProductionEncoderConfig()
		encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.Lock(os.Stdout),
			atom,
		))
	}
	defer func() { _ = logger.Sync() }()
	if *logServicePtr != "" {
		logger = logger.With(zap.String("service", *logServicePtr))
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	logger.Info("Starting fairorder-node", zap.String("version", version))

	var (
		store       fairorder.Store
		commitments fairorder.CommitmentStore
	)
	if *redisPtr != "" {
		redisOpts, err := redis.ParseURL(*redisPtr)
		if err != nil {
			logger.Fatal("Failed to parse redis url", zap.Error(err))
		}
		redisClient := redis.NewClient(redisOpts)
		store = fairorder.NewRedisStore(redisClient, "node/")
		commitments = redisadapter.NewCommitmentCache(redisClient, commitmentAuditWindow, "node-commit/")
	} else {
		logger.Warn("No redis endpoint configured, using in-memory store")
		store = fairorder.NewMemoryStore()
	}

	var dbBackend *fairorder.DBBackend
	if *postgresDSNPtr != "" {
		var err error
		dbBackend, err = fairorder.NewDBBackend(*postgresDSNPtr)
		if err != nil {
			logger.Fatal("Failed to create postgres backend", zap.Error(err))
		}
		defer func() { _ = dbBackend.Close() }()
	}

	analyzerConfig := fairorder.DefaultAnalyzerConfig()
	if *analyzerConfigPtr != "" {
		var err error
		analyzerConfig, err = fairorder.LoadAnalyzerConfig(*analyzerConfigPtr)
		if err != nil {
			logger.Fatal("Failed to load analyzer config", zap.Error(err))
		}
	}
	analyzer := fairorder.NewRiskAnalyzer(analyzerConfig)

	var analysisBackend fairorder.AnalysisBackend = fairorder.NewLocalAnalysisBackend(analyzer)
	if *enclavePtr != "" {
		analysisBackend = fairorder.NewJSONRPCEnclaveBackend(logger, *enclavePtr, analysisBackend)
	}

	var pipelineWorkers int
	if _, err := fmt.Sscanf(*pipelineWorkersPtr, "%d", &pipelineWorkers); err != nil {
		logger.Fatal("Failed to parse pipeline workers", zap.Error(err))
	}
	if pipelineWorkers < 1 {
		logger.Fatal("Pipeline workers must be greater than 0")
	}

	poolManager := fairorder.NewPoolManager(logger, store)
	aggregator := fairorder.NewFairnessAggregator(logger, store)
	processor := fairorder.NewBatchProcessor(logger, poolManager, analysisBackend, fairorder.NewCryptoRandom(), store, aggregator, pipelineWorkers)
	processor.AuditLog = dbBackend
	processor.Commitments = commitments

	processorWg := processor.Start(ctx)

	if err := poolManager.RestorePools(ctx); err != nil {
		logger.Fatal("Failed to restore pools", zap.Error(err))
	}

	rateLimit, err := strconv.ParseFloat(*analyzeRateLimitPtr, 64)
	if err != nil {
		logger.Fatal("Failed to parse analyze rate limit", zap.Error(err))
	}

	api := fairorder.NewAPI(logger, poolManager, processor, analysisBackend, aggregator, store, rate.Limit(rateLimit))

	jsonRPCServer, err := jsonrpcserver.NewHandler(jsonrpcserver.Methods{
		fairorder.CreatePoolEndpointName:         api.CreatePool,
		fairorder.UpdatePoolEndpointName:         api.UpdatePool,
		fairorder.DeletePoolEndpointName:         api.DeletePool,
		fairorder.ListPoolsEndpointName:          api.ListPools,
		fairorder.SubmitTransactionEndpointName:  api.SubmitTransaction,
		fairorder.GetOrderingResultEndpointName:  api.GetOrderingResult,
		fairorder.GetFairnessMetricsEndpointName: api.GetFairnessMetrics,
		fairorder.AnalyzeRiskEndpointName:        api.AnalyzeRisk,
		fairorder.HealthEndpointName:             api.Health,
	})
	if err != nil {
		logger.Fatal("Failed to create jsonrpc server", zap.Error(err))
	}

	http.Handle("/", jsonRPCServer)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", *portPtr),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	go func() {
		metricsMux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		metricsMux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
		metricsMux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
		metricsMux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
		metricsMux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

		metricsServer := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%s", defaultMetricsPort),
			ReadHeaderTimeout: 5 * time.Second,
			Handler:           metricsMux,
		}

		err := metricsServer.ListenAndServe()
		if err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}()

	connectionsClosed := make(chan struct{})
	go func() {
		notifier := make(chan os.Signal, 1)
		signal.Notify(notifier, os.Interrupt, syscall.SIGTERM)
		<-notifier
		logger.Info("Shutting down...")
		ctxCancel()
		if err := server.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
		close(connectionsClosed)
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("ListenAndServe: ", zap.Error(err))
	}

	<-ctx.Done()
	<-connectionsClosed
	// drained batches finish their pipeline before exit
	processorWg.Wait()
}
