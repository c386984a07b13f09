package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskconsole/internal/actions"
	"github.com/msageha/taskconsole/internal/events"
	"github.com/msageha/taskconsole/internal/model"
)

// scriptedFetch returns the statuses in order, then repeats the last one.
type scriptedFetch struct {
	mu       sync.Mutex
	statuses []model.Status
	calls    int
	failAt   map[int]bool
}

func (s *scriptedFetch) fetch(_ context.Context, id string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.calls
	s.calls++
	if s.failAt[n] {
		return nil, errors.New("network down")
	}
	i := n
	if i >= len(s.statuses) {
		i = len(s.statuses) - 1
	}
	return &model.Task{
		ID:                id,
		Kind:              model.KindAsync,
		Status:            s.statuses[i],
		ExecutionStrategy: model.StrategyManual,
		Creator:           model.Creator{ID: "alice"},
	}, nil
}

func (s *scriptedFetch) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newResolver(t *testing.T) *actions.Resolver {
	t.Helper()
	tables, err := actions.DefaultTables()
	require.NoError(t, err)
	return actions.NewResolver(tables, actions.Options{})
}

type collector struct {
	mu      sync.Mutex
	updates []Update
}

func (c *collector) add(u Update) {
	c.mu.Lock()
	c.updates = append(c.updates, u)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Update(nil), c.updates...)
}

func TestPoller_StopsOnTerminalStatus(t *testing.T) {
	f := &scriptedFetch{statuses: []model.Status{model.StatusExecuting, model.StatusExecuting, model.StatusExecutionSucceeded}}
	c := &collector{}
	p := New("t-1", f.fetch, newResolver(t), model.ViewingContext{ViewerID: "alice", Mode: model.ModeDetail}, Options{
		Interval: 5 * time.Millisecond,
		OnUpdate: c.add,
	})

	err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, f.count())

	updates := c.snapshot()
	require.Len(t, updates, 3)
	assert.True(t, updates[0].StatusChanged)
	assert.True(t, updates[0].ActionsChanged)
	assert.False(t, updates[1].StatusChanged)
	assert.False(t, updates[1].ActionsChanged)
	assert.True(t, updates[2].StatusChanged)
	assert.Equal(t, model.StatusExecutionSucceeded, updates[2].Task.Status)

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Run returned")
	}
}

func TestPoller_Stop(t *testing.T) {
	f := &scriptedFetch{statuses: []model.Status{model.StatusExecuting}}
	p := New("t-1", f.fetch, newResolver(t), model.ViewingContext{ViewerID: "alice"}, Options{Interval: 5 * time.Millisecond})

	p.Start(context.Background())
	require.Eventually(t, func() bool { return f.count() >= 2 }, time.Second, time.Millisecond)
	p.Stop()
	p.Stop()

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
	calls := f.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, f.count(), "no fetch after Stop")
}

func TestPoller_ContextCancel(t *testing.T) {
	f := &scriptedFetch{statuses: []model.Status{model.StatusWaitForConfirm}}
	p := New("t-1", f.fetch, newResolver(t), model.ViewingContext{ViewerID: "alice"}, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return f.count() >= 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPoller_FetchErrorKeepsPolling(t *testing.T) {
	f := &scriptedFetch{
		statuses: []model.Status{model.StatusExecuting, model.StatusExecuting, model.StatusCompleted},
		failAt:   map[int]bool{1: true},
	}
	c := &collector{}
	p := New("t-1", f.fetch, newResolver(t), model.ViewingContext{ViewerID: "alice"}, Options{
		Interval: 5 * time.Millisecond,
		OnUpdate: c.add,
	})

	require.NoError(t, p.Run(context.Background()))
	updates := c.snapshot()
	require.Len(t, updates, 3)
	assert.Error(t, updates[1].Err)
	assert.Equal(t, model.StatusCompleted, updates[2].Task.Status)
}

func TestPoller_PublishesEvents(t *testing.T) {
	bus := events.NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	statusEvents, actionEvents := 0, 0
	unsub1 := bus.Subscribe(events.EventTaskStatusChanged, func(events.Event) {
		mu.Lock()
		statusEvents++
		mu.Unlock()
	})
	defer unsub1()
	unsub2 := bus.Subscribe(events.EventActionsChanged, func(events.Event) {
		mu.Lock()
		actionEvents++
		mu.Unlock()
	})
	defer unsub2()

	f := &scriptedFetch{statuses: []model.Status{model.StatusApproving, model.StatusApproving, model.StatusRejected}}
	p := New("t-1", f.fetch, newResolver(t), model.ViewingContext{ViewerID: "alice"}, Options{
		Interval: 5 * time.Millisecond,
		Bus:      bus,
	})
	require.NoError(t, p.Run(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return statusEvents == 2 && actionEvents == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPoller_CyclicFailureIsNotFinal(t *testing.T) {
	fetch := func(_ context.Context, id string) (*model.Task, error) {
		return &model.Task{ID: id, Kind: model.KindSQLPlan, Status: model.StatusExecutionFailed, ExecutionStrategy: model.StrategyTimer}, nil
	}
	p := New("t-plan", fetch, newResolver(t), model.ViewingContext{}, Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Run(ctx), context.DeadlineExceeded)
}
