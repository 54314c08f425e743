// Copyright 2025 James Ross
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flyingrobots/jono/internal/admin"
	"github.com/flyingrobots/jono/internal/admin-api"
	"github.com/flyingrobots/jono/internal/breaker"
	"github.com/flyingrobots/jono/internal/config"
	"github.com/flyingrobots/jono/internal/consumer"
	"github.com/flyingrobots/jono/internal/harvester"
	"github.com/flyingrobots/jono/internal/inspector"
	"github.com/flyingrobots/jono/internal/janitor"
	"github.com/flyingrobots/jono/internal/obs"
	"github.com/flyingrobots/jono/internal/producer"
	"github.com/flyingrobots/jono/internal/queue"
	"github.com/flyingrobots/jono/internal/redisclient"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var topic string
	var adminCmd string
	var peekStatus string
	var peekN int64
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: producer|consumer|harvester|janitor|all|admin|admin-api")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&topic, "topic", "", "Topic to operate on for single-topic roles (producer|consumer|harvester|janitor|admin); defaults to the first configured topic")
	fs.StringVar(&adminCmd, "admin-cmd", "stats", "Admin CLI command: stats|peek|purge-failed")
	fs.StringVar(&peekStatus, "status", "queued", "State to peek (postponed|queued|running|aborted|completed|failed); purge-failed always targets failed")
	fs.Int64Var(&peekN, "n", 10, "Number of ids for admin peek")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	if role != "admin" {
		readyCheck := func(c context.Context) error {
			_, err := rdb.Ping(c).Result()
			return err
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	if topic == "" && len(cfg.Topics) > 0 {
		topic = cfg.Topics[0]
	}

	switch role {
	case "producer":
		runProducer(ctx, cfg, rdb, logger, topic)
	case "consumer":
		runConsumer(ctx, cfg, rdb, logger, topic)
	case "harvester":
		runHarvester(ctx, cfg, rdb, logger, topic)
	case "janitor":
		runJanitor(ctx, cfg, rdb, logger, topic)
	case "all":
		runAll(ctx, cfg, rdb, logger)
	case "admin":
		runAdminCLI(ctx, cfg, rdb, logger, topic, adminCmd, queue.Status(peekStatus), peekN)
	case "admin-api":
		runAdminAPI(ctx, cfg, rdb, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// runProducer reads newline-delimited JSON payloads from stdin and
// submits one job per line until EOF or ctx is canceled, the stdin
// analogue of the teacher's Producer.Run directory walk.
func runProducer(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, topic string) {
	qc := queue.NewContext(rdb, topic)
	p := producer.New(qc, logger)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := p.Submit(ctx, producer.NewJobPlan(json.RawMessage(line)))
		if err != nil {
			logger.Error("submit failed", obs.Err(err), obs.String("line", line))
			continue
		}
		logger.Info("job submitted", obs.String("id", id))
	}
	if err := scanner.Err(); err != nil {
		logger.Error("stdin scan error", obs.Err(err))
	}
}

// echoWorker is the default job body: it succeeds unless the payload
// carries a truthy "fail" field, the same demo convention the teacher's
// processJob uses to drive deterministic failures in a running instance
// with no real backing task to perform.
type echoPayload struct {
	Fail       bool `json:"fail"`
	DurationMs int  `json:"duration_ms"`
}

func echoWorker(ctx context.Context, w queue.Workload) (consumer.Outcome, error) {
	var p echoPayload
	_ = json.Unmarshal(w.Payload, &p)
	if p.DurationMs > 0 {
		select {
		case <-ctx.Done():
			return consumer.Outcome{Success: false, Reason: "canceled"}, nil
		case <-time.After(time.Duration(p.DurationMs) * time.Millisecond):
		}
	}
	if p.Fail {
		return consumer.Outcome{Success: false, Reason: "payload requested failure"}, nil
	}
	return consumer.Outcome{Success: true, Data: w.Payload}, nil
}

func echoReaper(_ context.Context, r queue.Reapload) (harvester.ReapSummary, error) {
	return harvester.ReapSummary{ID: r.ID, Status: "harvested"}, nil
}

func newBreaker(cfg config.CircuitBreaker) *breaker.CircuitBreaker {
	return breaker.New(cfg.Window, cfg.CooldownPeriod, cfg.FailureThreshold, cfg.MinSamples)
}

// runConsumer starts cfg.Queue.ConsumerCount independent Consumer
// instances against one topic, each with its own breaker, matching the
// teacher's Worker.Run goroutine-per-Worker.Count pool.
func runConsumer(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, topic string) {
	qc := queue.NewContext(rdb, topic)
	count := cfg.Queue.ConsumerCount
	if count < 1 {
		count = 1
	}
	errCh := make(chan error, count)
	for i := 0; i < count; i++ {
		c := consumer.New(qc, consumer.WorkerFunc(echoWorker), logger, newBreaker(cfg.CircuitBreaker),
			cfg.Queue.PollTimeout, cfg.Queue.PollInterval, cfg.Queue.HeartbeatTimeout, cfg.Queue.CompletedTTL)
		go func() { errCh <- c.Run(ctx, cfg.Queue.MaxConsecutiveErrors) }()
	}
	for i := 0; i < count; i++ {
		if err := <-errCh; err != nil {
			logger.Error("consumer error", obs.Err(err))
		}
	}
}

func runHarvester(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, topic string) {
	qc := queue.NewContext(rdb, topic)
	h := harvester.New(qc, harvester.ReaperFunc(echoReaper), logger, newBreaker(cfg.CircuitBreaker),
		cfg.Queue.BatchSize, cfg.Queue.PollInterval)
	if err := h.Run(ctx, cfg.Queue.MaxConsecutiveErrors); err != nil {
		logger.Fatal("harvester error", obs.Err(err))
	}
}

func runJanitor(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, topic string) {
	qc := queue.NewContext(rdb, topic)
	j := janitor.New(qc, logger)
	j.Run(ctx, cfg.Queue.JanitorScanInterval)
}

// runAll starts a consumer, harvester and janitor for every configured
// topic in one process, mirroring the teacher's "all" role wiring
// producer+worker+reaper together.
func runAll(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = []string{"default"}
	}
	count := cfg.Queue.ConsumerCount
	if count < 1 {
		count = 1
	}
	errCh := make(chan error, len(topics)*(count+1))
	for _, t := range topics {
		qc := queue.NewContext(rdb, t)
		for i := 0; i < count; i++ {
			c := consumer.New(qc, consumer.WorkerFunc(echoWorker), logger, newBreaker(cfg.CircuitBreaker),
				cfg.Queue.PollTimeout, cfg.Queue.PollInterval, cfg.Queue.HeartbeatTimeout, cfg.Queue.CompletedTTL)
			go func() { errCh <- c.Run(ctx, cfg.Queue.MaxConsecutiveErrors) }()
		}
		h := harvester.New(qc, harvester.ReaperFunc(echoReaper), logger, newBreaker(cfg.CircuitBreaker),
			cfg.Queue.BatchSize, cfg.Queue.PollInterval)
		j := janitor.New(qc, logger)
		go j.Run(ctx, cfg.Queue.JanitorScanInterval)
		go func() { errCh <- h.Run(ctx, cfg.Queue.MaxConsecutiveErrors) }()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if err != nil {
				logger.Error("component error", obs.Err(err))
			}
		}
	}
}

func runAdminCLI(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, topic, cmd string, status queue.Status, n int64) {
	qc := queue.NewContext(rdb, topic)
	insp := inspector.New(qc)
	prod := producer.New(qc, logger)
	a := admin.New(qc, insp, prod)

	switch cmd {
	case "stats":
		res, err := a.Stats(ctx)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "peek":
		ids, err := a.Peek(ctx, status, n)
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(ids, "", "  ")
		fmt.Println(string(b))
	case "purge-failed":
		removed, err := a.PurgeState(ctx, queue.Failed)
		if err != nil {
			logger.Fatal("admin purge-failed error", obs.Err(err))
		}
		fmt.Printf(`{"removed":%d}`+"\n", removed)
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}

func runAdminAPI(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) {
	topics := cfg.Topics
	if len(topics) == 0 {
		topics = []string{"default"}
	}
	contexts := make(map[string]queue.Context, len(topics))
	for _, t := range topics {
		contexts[t] = queue.NewContext(rdb, t)
	}
	srv := adminapi.NewServer(cfg.AdminAPI, contexts, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("admin api server error", obs.Err(err))
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
