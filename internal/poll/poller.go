// Package poll refreshes one task's snapshot on an interval and re-resolves
// its actions, reporting changes until the task reaches a final status.
package poll

import (
	"context"
	"fmt"
	"io"
	"log"
	"reflect"
	"sync"
	"time"

	"github.com/msageha/taskconsole/internal/actions"
	"github.com/msageha/taskconsole/internal/events"
	"github.com/msageha/taskconsole/internal/model"
)

// FetchFunc returns the current snapshot of task id.
type FetchFunc func(ctx context.Context, id string) (*model.Task, error)

type Resolver interface {
	Resolve(task *model.Task, vc model.ViewingContext) []actions.Action
}

// Update is delivered after every poll. Err is set when the fetch failed;
// the poller keeps going in that case.
type Update struct {
	Task           model.Task
	Actions        []actions.Action
	StatusChanged  bool
	ActionsChanged bool
	Err            error
}

type Options struct {
	Interval time.Duration
	Bus      *events.Bus
	Logger   *log.Logger
	OnUpdate func(Update)
	Clock    func() time.Time
}

// Poller owns a cancellable re-fetch loop for one task. It never changes
// the task; it only observes it.
type Poller struct {
	taskID   string
	fetch    FetchFunc
	resolver Resolver
	vc       model.ViewingContext
	interval time.Duration
	bus      *events.Bus
	logger   *log.Logger
	onUpdate func(Update)
	clock    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	last    *model.Task
	actions []actions.Action
}

func New(taskID string, fetch FetchFunc, resolver Resolver, vc model.ViewingContext, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = model.DefaultPollIntervalSec * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Poller{
		taskID:   taskID,
		fetch:    fetch,
		resolver: resolver,
		vc:       vc,
		interval: opts.Interval,
		bus:      opts.Bus,
		logger:   opts.Logger,
		onUpdate: opts.OnUpdate,
		clock:    opts.Clock,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the loop in a goroutine.
func (p *Poller) Start(ctx context.Context) {
	go func() { _ = p.Run(ctx) }()
}

// Run polls immediately and then every interval. It returns nil when the
// task reaches a final status or Stop is called, and ctx.Err() when ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context) error {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if p.poll(ctx) {
			p.logger.Printf("poll: task %s reached %s, stopping", p.taskID, p.last.Status)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
		}
	}
}

// Stop ends the loop. It is safe to call more than once and before Run.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Done is closed when Run returns.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// poll performs one fetch and reports whether the task is final.
func (p *Poller) poll(ctx context.Context) bool {
	task, err := p.fetch(ctx, p.taskID)
	if err == nil && task == nil {
		err = fmt.Errorf("task %s: empty snapshot", p.taskID)
	}
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Printf("poll: fetch %s: %v", p.taskID, err)
		}
		p.emit(Update{Err: err})
		return false
	}

	vc := p.vc
	vc.Now = p.clock()
	list := p.resolver.Resolve(task, vc)

	u := Update{
		Task:    task.Clone(),
		Actions: list,
	}
	if p.last == nil || p.last.Status != task.Status {
		u.StatusChanged = true
		p.publish(events.EventTaskStatusChanged, map[string]any{
			"task_id": task.ID,
			"status":  string(task.Status),
		})
	}
	if p.last == nil || !reflect.DeepEqual(p.actions, list) {
		u.ActionsChanged = true
		p.publish(events.EventActionsChanged, map[string]any{
			"task_id": task.ID,
			"actions": actions.Keys(list),
		})
	}

	snapshot := task.Clone()
	p.last = &snapshot
	p.actions = list
	p.emit(u)
	return task.IsTerminal()
}

func (p *Poller) publish(t events.EventType, data map[string]any) {
	if p.bus != nil {
		p.bus.Publish(t, data)
	}
}

func (p *Poller) emit(u Update) {
	if p.onUpdate != nil {
		p.onUpdate(u)
	}
}
