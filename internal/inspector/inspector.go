// Copyright 2025 James Ross
package inspector

import (
	"context"

	"github.com/flyingrobots/jono/internal/jonoerr"
	"github.com/flyingrobots/jono/internal/queue"
	"github.com/redis/go-redis/v9"
)

// Inspector answers read-only questions about a topic's jobs. It never
// mutates state, so it takes no breaker and emits no metrics.
type Inspector struct {
	ctx queue.Context
}

// New builds an Inspector bound to a topic Context.
func New(ctx queue.Context) *Inspector {
	return &Inspector{ctx: ctx}
}

// Exists reports whether a job's metadata hash is present.
func (i *Inspector) Exists(ctx context.Context, id string) (bool, error) {
	n, err := i.ctx.RDB.Exists(ctx, i.ctx.Keys.JobKey(id)).Result()
	if err != nil {
		return false, jonoerr.Backend("exists", err)
	}
	return n == 1, nil
}

// Status fails NotFound if the hash does not exist. Otherwise it probes
// sets in the order running -> queued -> postponed -> aborted -> completed
// -> failed, resolving ambiguity during mid-transition reads; if the id
// is in none (already reaped or hash written but not yet added to a
// set), it falls back to testing completed_at on the hash.
func (i *Inspector) Status(ctx context.Context, id string) (queue.Status, error) {
	exists, err := i.Exists(ctx, id)
	if err != nil {
		return queue.Unknown, err
	}
	if !exists {
		return queue.Unknown, jonoerr.NotFound(id)
	}

	keys := i.ctx.Keys
	order := []queue.Status{queue.Running, queue.Queued, queue.Postponed, queue.Aborted, queue.Completed, queue.Failed}
	for _, s := range order {
		_, err := i.ctx.RDB.ZScore(ctx, keys.StateKey(s), id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return queue.Unknown, jonoerr.Backend("status", err)
		}
		return s, nil
	}

	rec, err := i.Metadata(ctx, id)
	if err != nil {
		return queue.Unknown, err
	}
	if rec.CompletedAt != nil {
		return queue.Completed, nil
	}
	return queue.Failed, nil
}

// Metadata fetches and decodes a job's full record. Returns NotFound if
// the hash does not exist.
func (i *Inspector) Metadata(ctx context.Context, id string) (queue.JobRecord, error) {
	hash, err := i.ctx.RDB.HGetAll(ctx, i.ctx.Keys.JobKey(id)).Result()
	if err != nil {
		return queue.JobRecord{}, jonoerr.Backend("metadata", err)
	}
	if len(hash) == 0 {
		return queue.JobRecord{}, jonoerr.NotFound(id)
	}
	return queue.Decode(hash)
}

// IsAborted reports whether id currently carries an abort signal,
// regardless of whether it is also still present in running.
func (i *Inspector) IsAborted(ctx context.Context, id string) (bool, error) {
	_, err := i.ctx.RDB.ZScore(ctx, i.ctx.Keys.Aborted, id).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, jonoerr.Backend("is_aborted", err)
	}
	return true, nil
}

// ByStatus lists every job id currently in each of the requested states,
// lowest score first per state. Every state's ZRANGE is issued in one
// MULTI/EXEC pipeline, so the snapshot returned is consistent as of a
// single point in time rather than built up across separate calls that
// a concurrent mutation could observe mid-way through. A requested
// status with no backing set comes back with an empty (not missing)
// slice, and a status absent from filter is simply not a key in the
// result.
func (i *Inspector) ByStatus(ctx context.Context, filter []queue.Status) (map[queue.Status][]string, error) {
	result := make(map[queue.Status][]string, len(filter))
	if len(filter) == 0 {
		return result, nil
	}

	cmds := make(map[queue.Status]*redis.StringSliceCmd, len(filter))
	_, err := i.ctx.RDB.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range filter {
			key := i.ctx.Keys.StateKey(s)
			if key == "" {
				continue
			}
			cmds[s] = pipe.ZRange(ctx, key, 0, -1)
		}
		return nil
	})
	if err != nil {
		return nil, jonoerr.Backend("by_status", err)
	}

	for _, s := range filter {
		cmd, ok := cmds[s]
		if !ok {
			result[s] = []string{}
			continue
		}
		ids, err := cmd.Result()
		if err != nil {
			return nil, jonoerr.Backend("by_status", err)
		}
		result[s] = ids
	}
	return result, nil
}

// ByStatusWithMetadata is ByStatus for a single state plus a best-effort
// Metadata fetch per id. A job whose hash vanished between the ZRANGE
// and the HGETALL (a race with Clean) is skipped rather than failing
// the whole call.
func (i *Inspector) ByStatusWithMetadata(ctx context.Context, status queue.Status) ([]queue.JobRecord, error) {
	byStatus, err := i.ByStatus(ctx, []queue.Status{status})
	if err != nil {
		return nil, err
	}
	ids := byStatus[status]
	recs := make([]queue.JobRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := i.Metadata(ctx, id)
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
