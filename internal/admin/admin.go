// Copyright 2025 James Ross
package admin

import (
	"context"

	"github.com/flyingrobots/jono/internal/inspector"
	"github.com/flyingrobots/jono/internal/jonoerr"
	"github.com/flyingrobots/jono/internal/producer"
	"github.com/flyingrobots/jono/internal/queue"
	"github.com/redis/go-redis/v9"
)

// StatsResult is the per-topic cardinality of every state set.
type StatsResult struct {
	Topic     string `json:"topic"`
	Postponed int64  `json:"postponed"`
	Queued    int64  `json:"queued"`
	Running   int64  `json:"running"`
	Aborted   int64  `json:"aborted"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// Admin exposes the operator-facing read/purge surface over one topic,
// built on top of Inspector and Producer rather than duplicating their
// Redis calls.
type Admin struct {
	ctx  queue.Context
	insp *inspector.Inspector
	prod *producer.Producer
}

// New builds an Admin bound to a topic Context.
func New(ctx queue.Context, insp *inspector.Inspector, prod *producer.Producer) *Admin {
	return &Admin{ctx: ctx, insp: insp, prod: prod}
}

// Stats returns the cardinality of every state set for the topic.
func (a *Admin) Stats(ctx context.Context) (StatsResult, error) {
	keys := a.ctx.Keys
	res := StatsResult{Topic: a.ctx.Topic}
	counts := []struct {
		key string
		dst *int64
	}{
		{keys.Postponed, &res.Postponed},
		{keys.Queued, &res.Queued},
		{keys.Running, &res.Running},
		{keys.Aborted, &res.Aborted},
		{keys.Completed, &res.Completed},
		{keys.Failed, &res.Failed},
	}
	pipe := a.ctx.RDB.Pipeline()
	cmds := make([]*redis.IntCmd, len(counts))
	for i, c := range counts {
		cmds[i] = pipe.ZCard(ctx, c.key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return res, jonoerr.Backend("stats", err)
	}
	for i, c := range counts {
		n, err := cmds[i].Result()
		if err != nil {
			return res, jonoerr.Backend("stats", err)
		}
		*c.dst = n
	}
	return res, nil
}

// Peek lists up to n ids (lowest score first) currently in a state,
// without removing them.
func (a *Admin) Peek(ctx context.Context, status queue.Status, n int64) ([]string, error) {
	key := a.ctx.Keys.StateKey(status)
	if key == "" {
		return nil, jonoerr.InvalidJob("unknown status")
	}
	if n <= 0 {
		n = 10
	}
	ids, err := a.ctx.RDB.ZRange(ctx, key, 0, n-1).Result()
	if err != nil {
		return nil, jonoerr.Backend("peek", err)
	}
	return ids, nil
}

// PurgeState removes every id in one state set along with its metadata
// hash. Returns the number of ids removed.
func (a *Admin) PurgeState(ctx context.Context, status queue.Status) (int, error) {
	byStatus, err := a.insp.ByStatus(ctx, []queue.Status{status})
	if err != nil {
		return 0, err
	}
	ids := byStatus[status]
	purged := 0
	for _, id := range ids {
		ok, err := a.prod.Clean(ctx, id)
		if err != nil {
			return purged, err
		}
		if ok {
			purged++
		}
	}
	return purged, nil
}

// PurgeAll purges every state set for the topic. Returns the total
// number of jobs removed.
func (a *Admin) PurgeAll(ctx context.Context) (int, error) {
	total := 0
	for _, s := range []queue.Status{queue.Postponed, queue.Queued, queue.Running, queue.Aborted, queue.Completed, queue.Failed} {
		n, err := a.PurgeState(ctx, s)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
