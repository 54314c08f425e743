// Copyright 2025 James Ross
package consumer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flyingrobots/jono/internal/breaker"
	"github.com/flyingrobots/jono/internal/inspector"
	"github.com/flyingrobots/jono/internal/jonoerr"
	"github.com/flyingrobots/jono/internal/obs"
	"github.com/flyingrobots/jono/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Outcome is what a Worker reports back for one job.
type Outcome struct {
	Success bool
	Data    json.RawMessage
	Reason  string
}

// Worker is the user-supplied processing body. Implementations must be
// safe to call repeatedly from one Consumer's run loop; Consumer never
// invokes a Worker concurrently with itself.
type Worker interface {
	Process(ctx context.Context, w queue.Workload) (Outcome, error)
}

// WorkerFunc adapts a plain function to Worker.
type WorkerFunc func(ctx context.Context, w queue.Workload) (Outcome, error)

func (f WorkerFunc) Process(ctx context.Context, w queue.Workload) (Outcome, error) {
	return f(ctx, w)
}

// Consumer owns the queued -> running -> completed walk for one job at
// a time, on behalf of one topic.
type Consumer struct {
	ctx          queue.Context
	insp         *inspector.Inspector
	worker       Worker
	log          *zap.Logger
	cb           *breaker.CircuitBreaker
	pollTimeout  time.Duration
	pollInterval time.Duration
	heartbeatTTL time.Duration
	completedTTL time.Duration
}

// New builds a Consumer bound to a topic Context and a user Worker. cb
// gates RunNext the way the teacher's Worker.runOne gates BRPOPLPUSH:
// RunNext records each worker outcome in it, and once worker failures
// trip it, claiming pauses until a half-open probe is allowed. Backend
// errors are not recorded in the breaker.
func New(ctx queue.Context, worker Worker, log *zap.Logger, cb *breaker.CircuitBreaker, pollTimeout, pollInterval, heartbeatTimeout, completedTTL time.Duration) *Consumer {
	return &Consumer{
		ctx:          ctx,
		insp:         inspector.New(ctx),
		worker:       worker,
		log:          log,
		cb:           cb,
		pollTimeout:  pollTimeout,
		pollInterval: pollInterval,
		heartbeatTTL: heartbeatTimeout,
		completedTTL: completedTTL,
	}
}

// ClaimNext pops the lowest-priority id off queued and marks it running.
// Per §4.6.1, the pop and the follow-up write cannot share one
// server-side transaction (BZPOPMIN's result isn't known until the
// blocking call itself returns), so a crash between them can orphan a
// popped id whose hash is never added to running. The Janitor's stuck-
// running reconciliation does not cover this window by definition
// (the id isn't in running yet); ReclaimOrphans in the janitor package
// closes it by diffing membership of every state set against
// discoverable metadata hashes.
func (c *Consumer) ClaimNext(ctx context.Context) (*queue.Workload, error) {
	keys := c.ctx.Keys
	res, err := c.ctx.RDB.BZPopMin(ctx, c.pollTimeout, keys.Queued).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, jonoerr.Backend("claim_next pop", err)
	}
	id, ok := res.Member.(string)
	if !ok {
		return nil, jonoerr.Backend("claim_next pop", nil)
	}

	now := c.ctx.NowMillis()
	deadline := now + c.heartbeatTTL.Milliseconds()
	_, err = c.ctx.RDB.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, keys.Running, redis.Z{Score: float64(deadline), Member: id})
		pipe.HSet(ctx, keys.JobKey(id), map[string]interface{}{
			"status":     string(queue.Running),
			"started_at": now,
		})
		return nil
	})
	if err != nil {
		return nil, jonoerr.Backend("claim_next mark running", err)
	}

	rec, err := c.insp.Metadata(ctx, id)
	if err != nil {
		return nil, err
	}
	obs.JobsClaimed.WithLabelValues(c.ctx.Topic).Inc()
	wl := rec.ToWorkload()
	return &wl, nil
}

// RunNext claims, pre-checks, executes and resolves one job. Returns
// nil, nil on an empty claim or while the breaker is open.
func (c *Consumer) RunNext(ctx context.Context) (*Outcome, error) {
	if !c.cb.Allow() {
		return nil, nil
	}

	wl, err := c.ClaimNext(ctx)
	if err != nil {
		return nil, err
	}
	if wl == nil {
		return nil, nil
	}

	exists, err := c.insp.Exists(ctx, wl.ID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return &Outcome{Success: false, Reason: "job no longer exists"}, nil
	}
	aborted, err := c.insp.IsAborted(ctx, wl.ID)
	if err != nil {
		return nil, err
	}
	if aborted {
		return &Outcome{Success: false, Reason: "job was canceled"}, nil
	}

	start := time.Now()
	outcome, procErr := c.worker.Process(ctx, *wl)
	obs.JobProcessingDuration.WithLabelValues(c.ctx.Topic).Observe(time.Since(start).Seconds())
	if procErr != nil {
		outcome = Outcome{Success: false, Reason: procErr.Error()}
	}

	prevState := c.cb.State()
	c.cb.Record(outcome.Success)
	if curr := c.cb.State(); prevState != curr && curr == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues(c.ctx.Topic, "consumer").Inc()
	}

	if outcome.Success {
		if err := c.complete(ctx, wl.ID, outcome.Data); err != nil {
			return nil, err
		}
		obs.JobsCompleted.WithLabelValues(c.ctx.Topic).Inc()
		return &outcome, nil
	}

	if err := c.fail(ctx, wl.ID, outcome.Reason); err != nil {
		return nil, err
	}
	return &outcome, nil
}

func (c *Consumer) complete(ctx context.Context, id string, data json.RawMessage) error {
	keys := c.ctx.Keys
	now := c.ctx.NowMillis()
	completedAt := now
	outcomeJSON := data
	if outcomeJSON == nil {
		outcomeJSON = json.RawMessage("null")
	}
	expiry := now + c.completedTTL.Milliseconds()

	_, err := c.ctx.RDB.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, keys.Running, id)
		pipe.ZAdd(ctx, keys.Completed, redis.Z{Score: float64(expiry), Member: id})
		pipe.HSet(ctx, keys.JobKey(id), map[string]interface{}{
			"status":       string(queue.Completed),
			"completed_at": completedAt,
			"outcome":      string(outcomeJSON),
		})
		pipe.Expire(ctx, keys.JobKey(id), c.completedTTL)
		return nil
	})
	if err != nil {
		return jonoerr.Backend("complete", err)
	}
	return nil
}

// fail resolves a Failure outcome per the retry-vs-deadletter decision:
// append {ts, error} to attempt_history; requeue to queued at the
// original priority while len(attempt_history) < max_attempts, else
// move to failed.
func (c *Consumer) fail(ctx context.Context, id, reason string) error {
	keys := c.ctx.Keys
	rec, err := c.insp.Metadata(ctx, id)
	if err != nil {
		return err
	}
	rec.AttemptHistory = append(rec.AttemptHistory, queue.AttemptRecord{Timestamp: c.ctx.NowMillis(), Error: reason})
	historyJSON, err := json.Marshal(rec.AttemptHistory)
	if err != nil {
		return jonoerr.Serialization("encode attempt_history", err)
	}

	retry := len(rec.AttemptHistory) < rec.MaxAttempts
	_, err = c.ctx.RDB.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, keys.Running, id)
		pipe.HSet(ctx, keys.JobKey(id), map[string]interface{}{
			"attempt_history": string(historyJSON),
		})
		if retry {
			pipe.ZAdd(ctx, keys.Queued, redis.Z{Score: float64(rec.InitialPriority), Member: id})
			pipe.HSet(ctx, keys.JobKey(id), "status", string(queue.Queued))
		} else {
			pipe.ZAdd(ctx, keys.Failed, redis.Z{Score: float64(c.ctx.NowMillis()), Member: id})
			pipe.HSet(ctx, keys.JobKey(id), "status", string(queue.Failed))
		}
		return nil
	})
	if err != nil {
		return jonoerr.Backend("fail", err)
	}
	if retry {
		obs.JobsRetried.WithLabelValues(c.ctx.Topic).Inc()
		c.log.Warn("job retried", zap.String("id", id), zap.Int("attempts", len(rec.AttemptHistory)))
	} else {
		obs.JobsFailed.WithLabelValues(c.ctx.Topic).Inc()
		c.log.Error("job failed permanently", zap.String("id", id), zap.Int("attempts", len(rec.AttemptHistory)))
	}
	return nil
}

// Heartbeat refreshes id's running-set score to now + heartbeat_timeout.
// Callers invoke this at heartbeat_interval while a worker runs. XX+GT
// means a lapsed or already-reclaimed id is left alone rather than
// resurrected.
func (c *Consumer) Heartbeat(ctx context.Context, id string) error {
	deadline := c.ctx.NowMillis() + c.heartbeatTTL.Milliseconds()
	res := c.ctx.RDB.ZAddArgs(ctx, c.ctx.Keys.Running, redis.ZAddArgs{
		XX:      true,
		GT:      true,
		Members: []redis.Z{{Score: float64(deadline), Member: id}},
	})
	if err := res.Err(); err != nil {
		return jonoerr.Backend("heartbeat", err)
	}
	return nil
}

// Run repeatedly calls RunNext until ctx is canceled or consecutive
// errors reach maxConsecutiveErrors, per §4.6.4.
func (c *Consumer) Run(ctx context.Context, maxConsecutiveErrors int) error {
	consecutive := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		obs.CircuitBreakerState.WithLabelValues(c.ctx.Topic, "consumer").Set(float64(c.cb.State()))
		outcome, err := c.RunNext(ctx)
		if err != nil {
			consecutive++
			c.log.Warn("run_next error", zap.Error(err), zap.Int("consecutive_errors", consecutive))
			if consecutive >= maxConsecutiveErrors {
				return jonoerr.TooManyErrors(consecutive)
			}
			time.Sleep(c.pollInterval)
			continue
		}
		consecutive = 0
		if outcome == nil {
			time.Sleep(c.pollInterval)
		}
	}
}
