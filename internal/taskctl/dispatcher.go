package taskctl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/msageha/taskconsole/internal/actions"
	"github.com/msageha/taskconsole/internal/events"
	"github.com/msageha/taskconsole/internal/model"
)

// ErrNotPermitted is returned when the requested action is not offered to
// the viewer, or is offered but disabled.
var ErrNotPermitted = errors.New("action not permitted")

// Resolver is the part of actions.Resolver the dispatcher needs.
type Resolver interface {
	ResolveBoth(task *model.Task, vc model.ViewingContext) (listRow, detail []actions.Action)
}

// AuditSink records dispatch outcomes.
type AuditSink interface {
	Log(eventType string, details map[string]any) error
}

type Options struct {
	Audit  AuditSink
	Bus    *events.Bus
	Clock  func() time.Time
	// Logger receives audit write failures. Defaults to discarding.
	Logger *log.Logger
}

// Dispatcher re-checks an action against a fresh resolution before handing
// it to the Client. It never changes the task.
type Dispatcher struct {
	resolver Resolver
	client   Client
	audit    AuditSink
	bus      *events.Bus
	clock    func() time.Time
	logger   *log.Logger
}

func NewDispatcher(resolver Resolver, client Client, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return &Dispatcher{
		resolver: resolver,
		client:   client,
		audit:    opts.Audit,
		bus:      opts.Bus,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
}

// Dispatch sends key for task on behalf of the viewer in vc. The action
// must be present and enabled in the list-row or detail resolution.
func (d *Dispatcher) Dispatch(ctx context.Context, task *model.Task, vc model.ViewingContext, key actions.Key) (Request, error) {
	if task == nil {
		return Request{}, fmt.Errorf("dispatch %s: nil task", key)
	}
	now := d.clock()
	if vc.Now.IsZero() {
		vc.Now = now
	}

	if err := d.check(task, vc, key); err != nil {
		d.record(Request{TaskID: task.ID, Action: key, Actor: vc.ViewerID, RequestedAt: now.UTC()}, "denied", err)
		return Request{}, err
	}

	req := NewRequest(task.ID, key, vc.ViewerID, now)
	if err := d.client.Control(ctx, req); err != nil {
		d.record(req, "failed", err)
		return req, fmt.Errorf("dispatch %s on %s: %w", key, task.ID, err)
	}
	d.record(req, "ok", nil)

	if d.bus != nil {
		d.bus.Publish(events.EventActionDispatched, map[string]any{
			"request_id": req.ID,
			"task_id":    req.TaskID,
			"action":     string(req.Action),
			"actor":      req.Actor,
		})
	}
	return req, nil
}

func (d *Dispatcher) check(task *model.Task, vc model.ViewingContext, key actions.Key) error {
	listRow, detail := d.resolver.ResolveBoth(task, vc)
	a, ok := actions.Find(detail, key)
	if !ok {
		a, ok = actions.Find(listRow, key)
	}
	if !ok {
		return fmt.Errorf("%s on %s (%s): %w", key, task.ID, task.Status, ErrNotPermitted)
	}
	if a.Disabled {
		return fmt.Errorf("%s on %s is disabled: %s: %w", key, task.ID, a.Tooltip, ErrNotPermitted)
	}
	return nil
}

func (d *Dispatcher) record(req Request, outcome string, err error) {
	if d.audit == nil {
		return
	}
	details := map[string]any{
		"task_id": req.TaskID,
		"action":  string(req.Action),
		"actor":   req.Actor,
		"outcome": outcome,
	}
	if req.ID != "" {
		details["request_id"] = req.ID
	}
	if err != nil {
		details["error"] = err.Error()
	}
	// The dispatch outcome stands even when the trail cannot be written.
	if aerr := d.audit.Log(string(events.EventActionDispatched), details); aerr != nil {
		d.logger.Printf("taskctl: audit %s on %s (%s): %v", req.Action, req.TaskID, outcome, aerr)
	}
}
