package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/taskconsole/internal/actions"
	"github.com/msageha/taskconsole/internal/model"
	"github.com/msageha/taskconsole/internal/render"
	"github.com/msageha/taskconsole/internal/store"
	"github.com/msageha/taskconsole/internal/taskctl"
	"github.com/msageha/taskconsole/internal/uds"
)

// ResolveParams is the request payload for the resolve command. Exactly one
// of TaskID and Task names the snapshot; Task lets a caller resolve a
// snapshot the daemon does not hold.
type ResolveParams struct {
	TaskID  string               `json:"task_id,omitempty"`
	Task    *model.Task          `json:"task,omitempty"`
	Context model.ViewingContext `json:"context"`
	// Features overrides the configured feature switches when set.
	Features *model.Features `json:"features,omitempty"`
	// Both resolves the list-row and detail lists in one call.
	Both bool `json:"both,omitempty"`
}

// ResolveBothResult is the response of resolve with Both set.
type ResolveBothResult struct {
	TaskID  string           `json:"task_id"`
	Kind    model.TaskKind   `json:"kind"`
	Status  model.Status     `json:"status"`
	ListRow []actions.Action `json:"list_row"`
	Detail  []actions.Action `json:"detail"`
}

// TablesResult is the response of the tables command.
type TablesResult struct {
	Checksum string                          `json:"checksum"`
	Source   string                          `json:"source"`
	OneShot  map[model.Status][]actions.Key `json:"one_shot"`
	Cyclic   map[model.Status][]actions.Key `json:"cyclic"`
}

type TaskGetParams struct {
	TaskID string `json:"task_id"`
}

// DispatchParams is the request payload for the dispatch command.
type DispatchParams struct {
	TaskID   string               `json:"task_id"`
	Action   actions.Key          `json:"action"`
	Context  model.ViewingContext `json:"context"`
	Features *model.Features      `json:"features,omitempty"`
}

// ReloadResult is the response of the reload command.
type ReloadResult struct {
	Loaded         int    `json:"loaded"`
	Quarantined    int    `json:"quarantined"`
	Restored       int    `json:"restored"`
	TablesChecksum string `json:"tables_checksum"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(_ context.Context, _ *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("shutdown", func(_ context.Context, _ *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("resolve", d.handleResolve)
	d.server.Handle("tables", d.handleTables)
	d.server.Handle("task_get", d.handleTaskGet)
	d.server.Handle("task_list", d.handleTaskList)
	d.server.Handle("dispatch", d.handleDispatch)
	d.server.Handle("reload", d.handleReload)
	d.server.Handle("stats", d.handleStats)
}

// viewingContext applies the configured features unless the caller
// overrides them.
func (d *Daemon) viewingContext(vc model.ViewingContext, features *model.Features) model.ViewingContext {
	if features != nil {
		vc.Features = *features
	} else {
		vc.Features = d.config.Features
	}
	return vc
}

func (d *Daemon) handleResolve(_ context.Context, req *uds.Request) *uds.Response {
	var params ResolveParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if (params.TaskID == "") == (params.Task == nil) {
		return uds.ErrorResponse(uds.ErrCodeValidation, "exactly one of task_id or task is required")
	}
	if params.Context.Mode != "" {
		if _, err := model.ParseMode(string(params.Context.Mode)); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}

	var task model.Task
	if params.Task != nil {
		task = *params.Task
	} else {
		t, ok := d.store.Get(params.TaskID)
		if !ok {
			return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("task %q not found", params.TaskID))
		}
		task = t
	}
	vc := d.viewingContext(params.Context, params.Features)

	if params.Both {
		listRow, detail := d.resolver.ResolveBoth(&task, vc)
		return uds.SuccessResponse(ResolveBothResult{
			TaskID:  task.ID,
			Kind:    task.Kind,
			Status:  task.Status,
			ListRow: listRow,
			Detail:  detail,
		})
	}

	if vc.Mode == "" {
		vc.Mode = model.ModeListRow
	}
	list := d.resolver.Resolve(&task, vc)
	d.log(LogLevelDebug, "resolve id=%s status=%s mode=%s actions=%d", task.ID, task.Status, vc.Mode, len(list))
	return uds.SuccessResponse(render.Resolution{
		TaskID:  task.ID,
		Kind:    task.Kind,
		Status:  task.Status,
		Mode:    vc.Mode,
		Actions: list,
	})
}

func (d *Daemon) handleTables(_ context.Context, _ *uds.Request) *uds.Response {
	t := d.resolver.Tables()
	source := "builtin"
	if d.tablesPath != "" {
		source = d.tablesPath
	}
	return uds.SuccessResponse(TablesResult{
		Checksum: t.Checksum(),
		Source:   source,
		OneShot:  t.OneShot,
		Cyclic:   t.Cyclic,
	})
}

func (d *Daemon) handleTaskGet(_ context.Context, req *uds.Request) *uds.Response {
	var params TaskGetParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if err := store.ValidateID(params.TaskID); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	t, ok := d.store.Get(params.TaskID)
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("task %q not found", params.TaskID))
	}
	return uds.SuccessResponse(t)
}

func (d *Daemon) handleTaskList(_ context.Context, _ *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.store.List())
}

func (d *Daemon) handleDispatch(ctx context.Context, req *uds.Request) *uds.Response {
	var params DispatchParams
	if err := req.DecodeParams(&params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.TaskID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "task_id is required")
	}
	key, err := actions.ParseKey(string(params.Action))
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.Context.ViewerID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "context.viewer_id is required")
	}

	task, ok := d.store.Get(params.TaskID)
	if !ok {
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("task %q not found", params.TaskID))
	}
	vc := d.viewingContext(params.Context, params.Features)

	out, err := d.dispatcher.Dispatch(ctx, &task, vc, key)
	if err != nil {
		if errors.Is(err, taskctl.ErrNotPermitted) {
			d.log(LogLevelWarn, "dispatch denied id=%s action=%s viewer=%s", task.ID, key, vc.ViewerID)
			return uds.ErrorResponse(uds.ErrCodeActionNotPermitted, err.Error())
		}
		d.log(LogLevelError, "dispatch id=%s action=%s: %v", task.ID, key, err)
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	d.log(LogLevelInfo, "dispatched id=%s action=%s viewer=%s request=%s", task.ID, key, vc.ViewerID, out.ID)
	return uds.SuccessResponse(out)
}

func (d *Daemon) handleReload(_ context.Context, _ *uds.Request) *uds.Response {
	res, err := d.store.Load()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	if err := d.reloadTables(); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return uds.SuccessResponse(ReloadResult{
		Loaded:         res.Loaded,
		Quarantined:    res.Quarantined,
		Restored:       res.Restored,
		TablesChecksum: d.resolver.Tables().Checksum(),
	})
}

func (d *Daemon) handleStats(_ context.Context, _ *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.resolver.Stats())
}
