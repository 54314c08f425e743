// Copyright 2025 James Ross

// Package endtoend exercises Producer, Consumer, Harvester and Janitor
// together against one shared Context, the way a single topic actually
// behaves end to end rather than one component in isolation.
package endtoend

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/jono/internal/breaker"
	"github.com/flyingrobots/jono/internal/consumer"
	"github.com/flyingrobots/jono/internal/harvester"
	"github.com/flyingrobots/jono/internal/inspector"
	"github.com/flyingrobots/jono/internal/janitor"
	"github.com/flyingrobots/jono/internal/jonoerr"
	"github.com/flyingrobots/jono/internal/producer"
	"github.com/flyingrobots/jono/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPermissiveBreaker() *breaker.CircuitBreaker {
	return breaker.New(time.Minute, time.Second, 0.5, 1000)
}

type harness struct {
	qc   queue.Context
	p    *producer.Producer
	insp *inspector.Inspector
	jan  *janitor.Janitor
	now  time.Time
	mu   sync.Mutex
}

func newHarness(t *testing.T, topic string) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	h := &harness{now: time.Unix(1_700_000_000, 0)}
	qc := queue.NewContext(rdb, topic)
	qc.Clock = h.clock
	h.qc = qc
	h.p = producer.New(qc, zap.NewNop())
	h.insp = inspector.New(qc)
	h.jan = janitor.New(qc, zap.NewNop())
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) consumer(w consumer.Worker) *consumer.Consumer {
	return consumer.New(h.qc, w, zap.NewNop(), newPermissiveBreaker(), 50*time.Millisecond, 5*time.Millisecond, 10*time.Second, time.Hour)
}

// Scenario 1: basic completion.
func TestScenarioBasicCompletion(t *testing.T) {
	h := newHarness(t, "t_basic")
	ctx := context.Background()

	id, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{"action":"a"}`)).WithPriority(0))
	require.NoError(t, err)

	status, err := h.insp.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.Queued, status)

	c := h.consumer(consumer.WorkerFunc(func(_ context.Context, w queue.Workload) (consumer.Outcome, error) {
		require.Equal(t, id, w.ID)
		return consumer.Outcome{Success: true, Data: json.RawMessage(`{"processed":true}`)}, nil
	}))
	outcome, err := c.RunNext(ctx)
	require.NoError(t, err)
	require.True(t, outcome.Success)

	status, err = h.insp.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.Completed, status)

	rec, err := h.insp.Metadata(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"processed":true}`, string(rec.Outcome))
}

// Scenario 2: harvest once, then again empty.
func TestScenarioHarvestOnce(t *testing.T) {
	h := newHarness(t, "t_harvest_once")
	ctx := context.Background()

	id, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{"action":"a"}`)))
	require.NoError(t, err)
	c := h.consumer(consumer.WorkerFunc(func(_ context.Context, w queue.Workload) (consumer.Outcome, error) {
		return consumer.Outcome{Success: true, Data: json.RawMessage(`{"ok":true}`)}, nil
	}))
	_, err = c.RunNext(ctx)
	require.NoError(t, err)

	hv := harvester.New(h.qc, harvester.ReaperFunc(func(_ context.Context, r queue.Reapload) (harvester.ReapSummary, error) {
		return harvester.ReapSummary{ID: r.ID, Status: "archived"}, nil
	}), zap.NewNop(), newPermissiveBreaker(), 3, 10*time.Millisecond)

	recs, err := hv.Harvest(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, id, recs[0].ID)
	require.JSONEq(t, `{"action":"a"}`, string(recs[0].Payload))
	require.JSONEq(t, `{"ok":true}`, string(recs[0].Outcome))

	recs, err = hv.Harvest(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, recs)
}

// Scenario 3: postpone, then clean.
func TestScenarioPostponeThenClean(t *testing.T) {
	h := newHarness(t, "t_postpone")
	ctx := context.Background()

	id, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)).WithRunAt(h.qc.NowMillis()+10_000))
	require.NoError(t, err)

	status, err := h.insp.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.Postponed, status)

	ok, err := h.p.Clean(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	exists, err := h.insp.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, exists)
}

// Scenario 3b: postpone until the Janitor promotes it past the deadline.
func TestScenarioPostponeThenPromote(t *testing.T) {
	h := newHarness(t, "t_postpone_promote")
	ctx := context.Background()

	id, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)).WithRunAt(h.qc.NowMillis()+10_000))
	require.NoError(t, err)

	status, err := h.insp.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.Postponed, status)

	h.advance(11 * time.Second)
	promoted, err := h.jan.PromotePostponed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	status, err = h.insp.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.Queued, status)
}

// Scenario 4: abort before run.
func TestScenarioAbortBeforeRun(t *testing.T) {
	h := newHarness(t, "t_abort")
	ctx := context.Background()

	id, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)))
	require.NoError(t, err)

	ok, err := h.p.Abort(ctx, id, 0)
	require.NoError(t, err)
	require.True(t, ok)

	status, err := h.insp.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.Aborted, status)

	aborted, err := h.insp.IsAborted(ctx, id)
	require.NoError(t, err)
	require.True(t, aborted)
}

// Scenario 5: not found.
func TestScenarioNotFound(t *testing.T) {
	h := newHarness(t, "t_notfound")
	ctx := context.Background()

	_, err := h.insp.Metadata(ctx, "bogus-id")
	require.True(t, jonoerr.IsNotFound(err))

	_, err = h.p.Abort(ctx, "bogus-id", 0)
	require.True(t, jonoerr.IsNotFound(err))
}

// Scenario 6: status map across one fixture per state.
func TestScenarioStatusMap(t *testing.T) {
	h := newHarness(t, "t_status_map")
	ctx := context.Background()

	// A higher priority number than the later fixtures, so the consumers
	// below claim those first and this one stays queued.
	queuedID, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)).WithPriority(10))
	require.NoError(t, err)
	postponedID, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)).WithRunAt(h.qc.NowMillis()+60_000))
	require.NoError(t, err)
	abortedID, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)))
	require.NoError(t, err)
	_, err = h.p.Abort(ctx, abortedID, 0)
	require.NoError(t, err)

	runningID, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)))
	require.NoError(t, err)
	// Park it in running directly rather than via ClaimNext, so it stays
	// there without a worker ever resolving it.
	require.NoError(t, h.qc.RDB.ZRem(ctx, h.qc.Keys.Queued, runningID).Err())
	require.NoError(t, h.qc.RDB.ZAdd(ctx, h.qc.Keys.Running, redis.Z{Score: float64(h.qc.NowMillis() + 10_000), Member: runningID}).Err())

	completedID, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)))
	require.NoError(t, err)
	doneC := h.consumer(consumer.WorkerFunc(func(_ context.Context, w queue.Workload) (consumer.Outcome, error) {
		return consumer.Outcome{Success: true}, nil
	}))
	outcome, err := doneC.RunNext(ctx)
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.NotEqual(t, completedID, "")

	failedID, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)).WithMaxAttempts(1))
	require.NoError(t, err)
	failC := h.consumer(consumer.WorkerFunc(func(_ context.Context, w queue.Workload) (consumer.Outcome, error) {
		return consumer.Outcome{Success: false, Reason: "boom"}, nil
	}))
	outcome, err = failC.RunNext(ctx)
	require.NoError(t, err)
	require.False(t, outcome.Success)

	byStatus, err := h.insp.ByStatus(ctx, []queue.Status{
		queue.Queued, queue.Postponed, queue.Aborted, queue.Running, queue.Completed,
	})
	require.NoError(t, err)

	require.ElementsMatch(t, []string{queuedID}, byStatus[queue.Queued])
	require.ElementsMatch(t, []string{postponedID}, byStatus[queue.Postponed])
	require.ElementsMatch(t, []string{abortedID}, byStatus[queue.Aborted])
	require.ElementsMatch(t, []string{runningID}, byStatus[queue.Running])
	require.ElementsMatch(t, []string{completedID}, byStatus[queue.Completed])

	failedStatus, err := h.insp.Status(ctx, failedID)
	require.NoError(t, err)
	require.Equal(t, queue.Failed, failedStatus)
}

// I1/I2: membership is never in more than one state set at once, and
// status() agrees with it.
func TestInvariantSingleStateMembership(t *testing.T) {
	h := newHarness(t, "t_i1")
	ctx := context.Background()

	id, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)))
	require.NoError(t, err)

	count := func() int {
		n := 0
		for _, s := range []queue.Status{queue.Postponed, queue.Queued, queue.Running, queue.Aborted, queue.Completed, queue.Failed} {
			_, err := h.qc.RDB.ZScore(ctx, h.qc.Keys.StateKey(s), id).Result()
			if err == nil {
				n++
			}
		}
		return n
	}
	require.Equal(t, 1, count())

	c := h.consumer(consumer.WorkerFunc(func(_ context.Context, w queue.Workload) (consumer.Outcome, error) {
		return consumer.Outcome{Success: true}, nil
	}))
	outcome, err := c.RunNext(ctx)
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, 1, count())

	status, err := h.insp.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.Completed, status)
}

// I4: clean(id) leaves no trace anywhere.
func TestInvariantCleanRemovesEverything(t *testing.T) {
	h := newHarness(t, "t_i4")
	ctx := context.Background()

	id, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)))
	require.NoError(t, err)

	ok, err := h.p.Clean(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	exists, err := h.insp.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, exists)

	for _, s := range []queue.Status{queue.Postponed, queue.Queued, queue.Running, queue.Aborted, queue.Completed, queue.Failed} {
		_, err := h.qc.RDB.ZScore(ctx, h.qc.Keys.StateKey(s), id).Result()
		require.ErrorIs(t, err, redis.Nil)
	}
}

// I5: two concurrent claim_next calls against the same queue never
// return the same id.
func TestInvariantConcurrentClaimsAreDisjoint(t *testing.T) {
	h := newHarness(t, "t_i5")
	ctx := context.Background()

	const n = 20
	ids := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)))
		require.NoError(t, err)
		ids[id] = true
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := h.consumer(consumer.WorkerFunc(func(_ context.Context, w queue.Workload) (consumer.Outcome, error) {
				return consumer.Outcome{Success: true}, nil
			}))
			for {
				wl, err := c.ClaimNext(ctx)
				if err != nil || wl == nil {
					return
				}
				mu.Lock()
				claimed[wl.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, n, "every submitted id should be claimed exactly once across workers")
	for id, count := range claimed {
		require.True(t, ids[id])
		require.Equal(t, 1, count, "id %s claimed more than once", id)
	}
}

// R1: submit then metadata round-trips every plan field.
func TestRoundTripSubmitThenMetadata(t *testing.T) {
	h := newHarness(t, "t_r1")
	ctx := context.Background()

	id, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{"x":1}`)).
		WithPriority(42).WithMaxAttempts(5).WithOrigin("test-origin"))
	require.NoError(t, err)

	rec, err := h.insp.Metadata(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(rec.Payload))
	require.Equal(t, int64(42), rec.InitialPriority)
	require.Equal(t, 5, rec.MaxAttempts)
	require.Equal(t, "test-origin", rec.Origin)
}

// R3: submit with run_at in the future stays Postponed until the delta
// elapses and the Janitor runs.
func TestRoundTripPostponeUntilPromoted(t *testing.T) {
	h := newHarness(t, "t_r3")
	ctx := context.Background()

	id, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)).WithRunAt(h.qc.NowMillis()+5_000))
	require.NoError(t, err)

	status, err := h.insp.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.Postponed, status)

	_, err = h.jan.PromotePostponed(ctx)
	require.NoError(t, err)
	status, err = h.insp.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.Postponed, status, "promotion before the deadline must be a no-op")

	h.advance(6 * time.Second)
	promoted, err := h.jan.PromotePostponed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	status, err = h.insp.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, queue.Queued, status)
}

// B1: claim_next on an empty queue waits roughly poll_timeout, then
// returns none.
func TestBoundaryClaimNextOnEmptyQueueTimesOut(t *testing.T) {
	h := newHarness(t, "t_b1")
	c := h.consumer(consumer.WorkerFunc(func(_ context.Context, w queue.Workload) (consumer.Outcome, error) {
		t.Fatal("worker should not run on an empty queue")
		return consumer.Outcome{}, nil
	}))
	start := time.Now()
	wl, err := c.ClaimNext(context.Background())
	elapsed := time.Since(start)
	require.NoError(t, err)
	require.Nil(t, wl)
	require.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
}

// B2: harvest(0) returns [].
func TestBoundaryHarvestZero(t *testing.T) {
	h := newHarness(t, "t_b2")
	hv := harvester.New(h.qc, harvester.ReaperFunc(func(_ context.Context, r queue.Reapload) (harvester.ReapSummary, error) {
		t.Fatal("reaper should not run for harvest(0)")
		return harvester.ReapSummary{}, nil
	}), zap.NewNop(), newPermissiveBreaker(), 1, 10*time.Millisecond)
	recs, err := hv.Harvest(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, recs)
}

// B3: a job cleaned out from under an in-flight claim leaves RunNext's
// post-claim existence check seeing nothing, the condition that yields
// Failure("job no longer exists") instead of invoking the worker.
func TestBoundaryCleanBeforeConsumption(t *testing.T) {
	h := newHarness(t, "t_b3")
	ctx := context.Background()

	id, err := h.p.Submit(ctx, producer.NewJobPlan(json.RawMessage(`{}`)))
	require.NoError(t, err)

	c := h.consumer(consumer.WorkerFunc(func(_ context.Context, w queue.Workload) (consumer.Outcome, error) {
		t.Fatal("worker should not run once the hash is gone")
		return consumer.Outcome{}, nil
	}))
	wl, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, wl)

	// A clean racing the claim removes the hash out from under it.
	require.NoError(t, h.qc.RDB.Del(ctx, h.qc.Keys.JobKey(id)).Err())

	exists, err := h.insp.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, exists, "RunNext's post-claim exists check should see the hash gone")
}

// B4: max_consecutive_errors successive backend errors end run() with
// TooManyErrors.
func TestBoundaryTooManyConsecutiveErrors(t *testing.T) {
	h := newHarness(t, "t_b4")
	// Close the client early so every RunNext call hits a backend error.
	require.NoError(t, h.qc.RDB.Close())

	c := h.consumer(consumer.WorkerFunc(func(_ context.Context, w queue.Workload) (consumer.Outcome, error) {
		t.Fatal("worker should not run once the backend is down")
		return consumer.Outcome{}, nil
	}))
	err := c.Run(context.Background(), 3)
	require.ErrorIs(t, err, jonoerr.ErrTooManyErrors)
}
