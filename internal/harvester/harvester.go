// Copyright 2025 James Ross
package harvester

import (
	"context"
	"strconv"
	"time"

	"github.com/flyingrobots/jono/internal/breaker"
	"github.com/flyingrobots/jono/internal/inspector"
	"github.com/flyingrobots/jono/internal/jonoerr"
	"github.com/flyingrobots/jono/internal/obs"
	"github.com/flyingrobots/jono/internal/queue"
	"go.uber.org/zap"
)

// ReapSummary is what Reaper.Reap returns for one harvested job.
type ReapSummary struct {
	ID     string
	Status string
}

// Reaper is the user-supplied post-processing body invoked on each
// harvested job.
type Reaper interface {
	Reap(ctx context.Context, r queue.Reapload) (ReapSummary, error)
}

// ReaperFunc adapts a plain function to Reaper.
type ReaperFunc func(ctx context.Context, r queue.Reapload) (ReapSummary, error)

func (f ReaperFunc) Reap(ctx context.Context, r queue.Reapload) (ReapSummary, error) {
	return f(ctx, r)
}

// Harvester drains a topic's completed set, runs the user reaper over
// each record, and prunes entries nobody reaped in time.
type Harvester struct {
	ctx          queue.Context
	insp         *inspector.Inspector
	reaper       Reaper
	log          *zap.Logger
	cb           *breaker.CircuitBreaker
	batchSize    int
	pollInterval time.Duration
}

// New builds a Harvester bound to a topic Context and a user Reaper. cb
// gates ReapNextBatch the same way Consumer.New's breaker gates claims,
// so a reaper that starts erroring against its own backend doesn't spin
// the harvest loop against it.
func New(ctx queue.Context, reaper Reaper, log *zap.Logger, cb *breaker.CircuitBreaker, batchSize int, pollInterval time.Duration) *Harvester {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Harvester{ctx: ctx, insp: inspector.New(ctx), reaper: reaper, log: log, cb: cb, batchSize: batchSize, pollInterval: pollInterval}
}

// Harvest pops up to n ids (lowest score first) off completed and
// fetches each one's metadata, best-effort: ids whose hash already
// vanished (e.g. TTL-expired) are silently dropped rather than erroring.
func (h *Harvester) Harvest(ctx context.Context, n int) ([]queue.JobRecord, error) {
	if n <= 0 {
		return []queue.JobRecord{}, nil
	}
	zs, err := h.ctx.RDB.ZPopMin(ctx, h.ctx.Keys.Completed, int64(n)).Result()
	if err != nil {
		return nil, jonoerr.Backend("harvest", err)
	}
	recs := make([]queue.JobRecord, 0, len(zs))
	for _, z := range zs {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		rec, err := h.insp.Metadata(ctx, id)
		if err != nil {
			if jonoerr.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// ReapNextBatch harvests up to batch_size records and feeds each through
// the user reaper. The first reaper error aborts the batch and
// propagates; records already reaped keep their summaries.
func (h *Harvester) ReapNextBatch(ctx context.Context) ([]ReapSummary, error) {
	if !h.cb.Allow() {
		return nil, nil
	}
	recs, err := h.Harvest(ctx, h.batchSize)
	if err != nil {
		return nil, err
	}
	summaries := make([]ReapSummary, 0, len(recs))
	for _, rec := range recs {
		summary, reapErr := h.reaper.Reap(ctx, rec.ToReapload())
		prevState := h.cb.State()
		h.cb.Record(reapErr == nil)
		if curr := h.cb.State(); prevState != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.WithLabelValues(h.ctx.Topic, "harvester").Inc()
		}
		if reapErr != nil {
			return summaries, reapErr
		}
		summaries = append(summaries, summary)
		obs.JobsHarvested.WithLabelValues(h.ctx.Topic).Inc()
	}
	return summaries, nil
}

// CleanExpired removes completed entries whose harvest-expiry score has
// elapsed. Those records are lost; completed_ttl bounds the reaction
// window for any reaper that is falling behind.
func (h *Harvester) CleanExpired(ctx context.Context) (int, error) {
	now := h.ctx.NowMillis()
	n, err := h.ctx.RDB.ZRemRangeByScore(ctx, h.ctx.Keys.Completed, "-inf", formatExclusiveMax(now)).Result()
	if err != nil {
		return 0, jonoerr.Backend("clean_expired", err)
	}
	if n > 0 {
		obs.JobsExpired.WithLabelValues(h.ctx.Topic).Add(float64(n))
		h.log.Warn("expired completed jobs dropped", zap.Int64("count", n))
	}
	return int(n), nil
}

// Run repeats ReapNextBatch and CleanExpired until ctx is canceled or
// consecutive errors reach maxConsecutiveErrors, the same loop shape as
// the Consumer.
func (h *Harvester) Run(ctx context.Context, maxConsecutiveErrors int) error {
	consecutive := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		obs.CircuitBreakerState.WithLabelValues(h.ctx.Topic, "harvester").Set(float64(h.cb.State()))
		summaries, err := h.ReapNextBatch(ctx)
		if err != nil {
			consecutive++
			h.log.Warn("reap_next_batch error", zap.Error(err), zap.Int("consecutive_errors", consecutive))
			if consecutive >= maxConsecutiveErrors {
				return jonoerr.TooManyErrors(consecutive)
			}
			time.Sleep(h.pollInterval)
			continue
		}
		consecutive = 0
		if _, err := h.CleanExpired(ctx); err != nil {
			h.log.Warn("clean_expired error", zap.Error(err))
		}
		if len(summaries) == 0 {
			time.Sleep(h.pollInterval)
		}
	}
}

// formatExclusiveMax renders `(now` so ZREMRANGEBYSCORE's upper bound
// excludes a record whose expiry is exactly now, matching §4.7's
// "now-1" drop boundary without a separate subtraction.
func formatExclusiveMax(now int64) string {
	return "(" + strconv.FormatInt(now, 10)
}
