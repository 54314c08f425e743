// Copyright 2025 James Ross
package janitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flyingrobots/jono/internal/inspector"
	"github.com/flyingrobots/jono/internal/jonoerr"
	"github.com/flyingrobots/jono/internal/obs"
	"github.com/flyingrobots/jono/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Janitor runs the periodic reconciliation passes no single component
// in §4.4/§4.6 is positioned to perform on its own: promoting due
// postponed jobs, reclaiming stuck running jobs, enforcing the aborted
// grace period, and closing the claim_next orphan window.
type Janitor struct {
	ctx  queue.Context
	insp *inspector.Inspector
	log  *zap.Logger
}

// New builds a Janitor bound to a topic Context.
func New(ctx queue.Context, log *zap.Logger) *Janitor {
	return &Janitor{ctx: ctx, insp: inspector.New(ctx), log: log}
}

// PromotePostponed moves every postponed id whose score has elapsed
// into queued at its original priority.
func (j *Janitor) PromotePostponed(ctx context.Context) (int, error) {
	keys := j.ctx.Keys
	now := j.ctx.NowMillis()
	ids, err := j.ctx.RDB.ZRangeByScore(ctx, keys.Postponed, &redis.ZRangeBy{Min: "-inf", Max: itoa(now)}).Result()
	if err != nil {
		return 0, jonoerr.Backend("promote_postponed scan", err)
	}
	promoted := 0
	for _, id := range ids {
		rec, err := j.insp.Metadata(ctx, id)
		if err != nil {
			if jonoerr.IsNotFound(err) {
				_ = j.ctx.RDB.ZRem(ctx, keys.Postponed, id).Err()
				continue
			}
			return promoted, err
		}
		_, err = j.ctx.RDB.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, keys.Postponed, id)
			pipe.ZAdd(ctx, keys.Queued, redis.Z{Score: float64(rec.InitialPriority), Member: id})
			pipe.HSet(ctx, keys.JobKey(id), "status", string(queue.Queued))
			return nil
		})
		if err != nil {
			return promoted, jonoerr.Backend("promote_postponed write", err)
		}
		promoted++
	}
	if promoted > 0 {
		obs.JobsPromoted.WithLabelValues(j.ctx.Topic).Add(float64(promoted))
		j.log.Info("promoted postponed jobs", zap.Int("count", promoted))
	}
	return promoted, nil
}

// ReclaimStuckRunning moves every running id whose heartbeat deadline
// has elapsed back to queued (if attempts remain) or failed (otherwise),
// appending an attempt_history entry either way.
func (j *Janitor) ReclaimStuckRunning(ctx context.Context) (int, error) {
	keys := j.ctx.Keys
	now := j.ctx.NowMillis()
	ids, err := j.ctx.RDB.ZRangeByScore(ctx, keys.Running, &redis.ZRangeBy{Min: "-inf", Max: itoa(now)}).Result()
	if err != nil {
		return 0, jonoerr.Backend("reclaim_stuck_running scan", err)
	}
	reclaimed := 0
	for _, id := range ids {
		rec, err := j.insp.Metadata(ctx, id)
		if err != nil {
			if jonoerr.IsNotFound(err) {
				_ = j.ctx.RDB.ZRem(ctx, keys.Running, id).Err()
				continue
			}
			return reclaimed, err
		}
		rec.AttemptHistory = append(rec.AttemptHistory, queue.AttemptRecord{Timestamp: now, Error: "heartbeat expired"})
		historyJSON, err := json.Marshal(rec.AttemptHistory)
		if err != nil {
			return reclaimed, jonoerr.Serialization("encode attempt_history", err)
		}
		retry := len(rec.AttemptHistory) < rec.MaxAttempts

		_, err = j.ctx.RDB.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, keys.Running, id)
			pipe.HSet(ctx, keys.JobKey(id), "attempt_history", string(historyJSON))
			if retry {
				pipe.ZAdd(ctx, keys.Queued, redis.Z{Score: float64(rec.InitialPriority), Member: id})
				pipe.HSet(ctx, keys.JobKey(id), "status", string(queue.Queued))
			} else {
				pipe.ZAdd(ctx, keys.Failed, redis.Z{Score: float64(now), Member: id})
				pipe.HSet(ctx, keys.JobKey(id), "status", string(queue.Failed))
			}
			return nil
		})
		if err != nil {
			return reclaimed, jonoerr.Backend("reclaim_stuck_running write", err)
		}
		reclaimed++
	}
	if reclaimed > 0 {
		obs.JobsExpired.WithLabelValues(j.ctx.Topic).Add(float64(reclaimed))
		j.log.Warn("reclaimed stuck running jobs", zap.Int("count", reclaimed))
	}
	return reclaimed, nil
}

// SweepAbortedGrace deletes metadata for every aborted id whose grace
// period has elapsed, resolving the open question of what eventually
// consumes the aborted set's score: nothing else reads it, so apart
// from an explicit Clean (or an admin purge built on it) the Janitor is
// the only path that removes an aborted id.
func (j *Janitor) SweepAbortedGrace(ctx context.Context) (int, error) {
	keys := j.ctx.Keys
	now := j.ctx.NowMillis()
	ids, err := j.ctx.RDB.ZRangeByScore(ctx, keys.Aborted, &redis.ZRangeBy{Min: "-inf", Max: itoa(now)}).Result()
	if err != nil {
		return 0, jonoerr.Backend("sweep_aborted_grace scan", err)
	}
	swept := 0
	for _, id := range ids {
		_, err := j.ctx.RDB.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, keys.Aborted, id)
			pipe.ZRem(ctx, keys.Running, id)
			pipe.Del(ctx, keys.JobKey(id))
			return nil
		})
		if err != nil {
			return swept, jonoerr.Backend("sweep_aborted_grace write", err)
		}
		swept++
	}
	if swept > 0 {
		j.log.Info("swept aborted jobs past grace", zap.Int("count", swept))
	}
	return swept, nil
}

// ReclaimOrphans closes the §4.6.1 window: an id that is discoverable
// (has a metadata hash) but absent from every state set, left behind by
// a consumer that crashed between BZPOPMIN and the follow-up write. It
// is requeued at its original priority. A record with completed_at set
// (a harvested job whose hash is kept until its TTL) is not an orphan
// and is left alone.
func (j *Janitor) ReclaimOrphans(ctx context.Context, candidateIDs []string) (int, error) {
	keys := j.ctx.Keys
	reclaimed := 0
	for _, id := range candidateIDs {
		inAnySet := false
		for _, s := range []queue.Status{queue.Postponed, queue.Queued, queue.Running, queue.Aborted, queue.Completed, queue.Failed} {
			_, err := j.ctx.RDB.ZScore(ctx, keys.StateKey(s), id).Result()
			if err == nil {
				inAnySet = true
				break
			}
			if err != redis.Nil {
				return reclaimed, jonoerr.Backend("reclaim_orphans probe", err)
			}
		}
		if inAnySet {
			continue
		}
		rec, err := j.insp.Metadata(ctx, id)
		if err != nil {
			if jonoerr.IsNotFound(err) {
				continue
			}
			return reclaimed, err
		}
		if rec.CompletedAt != nil {
			continue
		}
		if err := j.ctx.RDB.ZAdd(ctx, keys.Queued, redis.Z{Score: float64(rec.InitialPriority), Member: id}).Err(); err != nil {
			return reclaimed, jonoerr.Backend("reclaim_orphans write", err)
		}
		_ = j.ctx.RDB.HSet(ctx, keys.JobKey(id), "status", string(queue.Queued)).Err()
		reclaimed++
	}
	if reclaimed > 0 {
		obs.JobsReclaimedOrphan.WithLabelValues(j.ctx.Topic).Add(float64(reclaimed))
		j.log.Warn("reclaimed orphaned jobs", zap.Int("count", reclaimed))
	}
	return reclaimed, nil
}

// jobKeyGlob is the SCAN pattern DiscoverOrphanCandidates matches
// against this topic's job hashes; keep in sync with Keys.JobKey's
// format in internal/queue/keys.go.
const jobKeyGlob = "jono:{%s}:job:*"

// DiscoverOrphanCandidates SCANs every job hash key for the topic and
// returns the ids found. It is the production source of the candidate
// list ReclaimOrphans reconciles against the state sets: a metadata
// hash with no matching set member is exactly the window left behind
// by a consumer that crashed between BZPOPMIN and its follow-up write.
// SCAN is unbounded by a single round trip, so this walks the full
// keyspace for the topic in batches rather than a single COUNT.
func (j *Janitor) DiscoverOrphanCandidates(ctx context.Context) ([]string, error) {
	pattern := fmt.Sprintf(jobKeyGlob, j.ctx.Topic)
	prefix := fmt.Sprintf("jono:{%s}:job:", j.ctx.Topic)
	var ids []string
	var cursor uint64
	for {
		keys, cur, err := j.ctx.RDB.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return nil, jonoerr.Backend("discover_orphan_candidates", err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, prefix))
		}
		cursor = cur
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

// Run performs one full reconciliation pass on a fixed interval until
// ctx is canceled.
func (j *Janitor) Run(ctx context.Context, scanInterval time.Duration) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *Janitor) sweepOnce(ctx context.Context) {
	if _, err := j.PromotePostponed(ctx); err != nil {
		j.log.Warn("promote_postponed error", zap.Error(err))
	}
	if _, err := j.ReclaimStuckRunning(ctx); err != nil {
		j.log.Warn("reclaim_stuck_running error", zap.Error(err))
	}
	if _, err := j.SweepAbortedGrace(ctx); err != nil {
		j.log.Warn("sweep_aborted_grace error", zap.Error(err))
	}
	candidates, err := j.DiscoverOrphanCandidates(ctx)
	if err != nil {
		j.log.Warn("discover_orphan_candidates error", zap.Error(err))
		return
	}
	if _, err := j.ReclaimOrphans(ctx, candidates); err != nil {
		j.log.Warn("reclaim_orphans error", zap.Error(err))
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
