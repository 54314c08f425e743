// Copyright 2025 James Ross
package producer

import (
	"context"

	"github.com/flyingrobots/jono/internal/jobid"
	"github.com/flyingrobots/jono/internal/jonoerr"
	"github.com/flyingrobots/jono/internal/obs"
	"github.com/flyingrobots/jono/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// abortScript implements the conditional branch of §4.4 abort that a
// blind MULTI/EXEC pipeline cannot express: the score written to
// `aborted` depends on a read (whether the id is currently in
// `running`) that must be observed atomically with the writes.
//
// KEYS: postponed, queued, running, aborted
// ARGV: id, now_ms, grace_ms
var abortScript = redis.NewScript(`
local removedPostponed = redis.call('ZREM', KEYS[1], ARGV[1])
local removedQueued = redis.call('ZREM', KEYS[2], ARGV[1])
local runningScore = redis.call('ZSCORE', KEYS[3], ARGV[1])
if runningScore then
    redis.call('ZADD', KEYS[4], tonumber(ARGV[2]) + tonumber(ARGV[3]), ARGV[1])
    return 1
end
if removedPostponed == 1 or removedQueued == 1 then
    redis.call('ZADD', KEYS[4], ARGV[2], ARGV[1])
    return 1
end
return 0
`)

// Producer submits, postpones, aborts and purges jobs for one topic.
type Producer struct {
	ctx queue.Context
	log *zap.Logger
}

// New builds a Producer bound to a topic Context.
func New(ctx queue.Context, log *zap.Logger) *Producer {
	return &Producer{ctx: ctx, log: log}
}

// Submit assigns a fresh id, writes the metadata hash and adds the job
// to exactly one of {queued, postponed} in one atomic pipeline.
func (p *Producer) Submit(ctx context.Context, plan *JobPlan) (string, error) {
	if err := plan.validate(); err != nil {
		return "", err
	}

	id := jobid.New()
	now := p.ctx.NowMillis()

	rec := queue.JobRecord{
		ID:              id,
		Payload:         plan.payload,
		MaxAttempts:     plan.maxAttempts,
		InitialPriority: plan.priority,
		CreatedAt:       now,
		Origin:          plan.origin,
	}

	postponed := plan.runAt > now
	if postponed {
		rec.Status = queue.Postponed
	} else {
		rec.Status = queue.Queued
	}

	fields, err := rec.Encode()
	if err != nil {
		return "", err
	}

	keys := p.ctx.Keys
	_, err = p.ctx.RDB.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keys.JobKey(id), fields)
		if postponed {
			pipe.ZAdd(ctx, keys.Postponed, redis.Z{Score: float64(plan.runAt), Member: id})
		} else {
			pipe.ZAdd(ctx, keys.Queued, redis.Z{Score: float64(plan.priority), Member: id})
		}
		return nil
	})
	if err != nil {
		return "", jonoerr.Backend("submit", err)
	}

	obs.JobsSubmitted.WithLabelValues(p.ctx.Topic).Inc()
	p.log.Info("job submitted",
		zap.String("topic", p.ctx.Topic),
		zap.String("id", id),
		zap.Bool("postponed", postponed),
		zap.Int64("priority", plan.priority))
	return id, nil
}

// Abort cooperatively cancels a job. Returns false if the job was
// already terminal (completed, failed, or already aborted).
func (p *Producer) Abort(ctx context.Context, id string, graceMs int64) (bool, error) {
	keys := p.ctx.Keys

	exists, err := p.ctx.RDB.Exists(ctx, keys.JobKey(id)).Result()
	if err != nil {
		return false, jonoerr.Backend("abort exists", err)
	}
	if exists == 0 {
		return false, jonoerr.NotFound(id)
	}

	if graceMs < 0 {
		graceMs = 0
	}
	now := p.ctx.NowMillis()

	res, err := abortScript.Run(ctx, p.ctx.RDB, []string{keys.Postponed, keys.Queued, keys.Running, keys.Aborted}, id, now, graceMs).Int64()
	if err != nil {
		return false, jonoerr.Backend("abort", err)
	}
	if res == 1 {
		obs.JobsAborted.WithLabelValues(p.ctx.Topic).Inc()
		p.log.Info("job aborted", zap.String("topic", p.ctx.Topic), zap.String("id", id))
		return true, nil
	}
	return false, nil
}

// Clean removes a job id from every set and deletes its metadata hash,
// in one atomic pipeline. Returns true iff the hash existed.
func (p *Producer) Clean(ctx context.Context, id string) (bool, error) {
	keys := p.ctx.Keys

	var delCmd *redis.IntCmd
	_, err := p.ctx.RDB.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, keys.Postponed, id)
		pipe.ZRem(ctx, keys.Queued, id)
		pipe.ZRem(ctx, keys.Running, id)
		pipe.ZRem(ctx, keys.Aborted, id)
		pipe.ZRem(ctx, keys.Completed, id)
		pipe.ZRem(ctx, keys.Failed, id)
		delCmd = pipe.Del(ctx, keys.JobKey(id))
		return nil
	})
	if err != nil {
		return false, jonoerr.Backend("clean", err)
	}
	return delCmd.Val() == 1, nil
}
