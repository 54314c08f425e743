// Copyright 2025 James Ross
package admin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/jono/internal/inspector"
	"github.com/flyingrobots/jono/internal/producer"
	"github.com/flyingrobots/jono/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHarness(t *testing.T) *Admin {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	qc := queue.NewContext(rdb, "t_admin")
	p := producer.New(qc, zap.NewNop())
	insp := inspector.New(qc)
	return New(qc, insp, p)
}

func TestStatsCountsEachSet(t *testing.T) {
	a := newHarness(t)
	ctx := context.Background()
	p := producer.New(a.ctx, zap.NewNop())

	_, err := p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)))
	require.NoError(t, err)
	_, err = p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)).WithRunAt(a.ctx.NowMillis()+100000))
	require.NoError(t, err)

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Queued)
	require.Equal(t, int64(1), stats.Postponed)
	require.Zero(t, stats.Running)
}

func TestPeekListsWithoutRemoving(t *testing.T) {
	a := newHarness(t)
	ctx := context.Background()
	p := producer.New(a.ctx, zap.NewNop())
	id, err := p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)))
	require.NoError(t, err)

	ids, err := a.Peek(ctx, queue.Queued, 10)
	require.NoError(t, err)
	require.Equal(t, []string{id}, ids)

	ids, err = a.Peek(ctx, queue.Queued, 10)
	require.NoError(t, err)
	require.Len(t, ids, 1, "peek must not remove")
}

func TestPurgeAllRemovesEverything(t *testing.T) {
	a := newHarness(t)
	ctx := context.Background()
	p := producer.New(a.ctx, zap.NewNop())
	_, err := p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)))
	require.NoError(t, err)
	_, err = p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)).WithRunAt(a.ctx.NowMillis()+100000))
	require.NoError(t, err)

	n, err := a.PurgeAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	stats, err := a.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Queued)
	require.Zero(t, stats.Postponed)
}
