package daemon

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskconsole/internal/actions"
	"github.com/msageha/taskconsole/internal/events"
	"github.com/msageha/taskconsole/internal/model"
	"github.com/msageha/taskconsole/internal/render"
	"github.com/msageha/taskconsole/internal/store"
	"github.com/msageha/taskconsole/internal/taskctl"
	"github.com/msageha/taskconsole/internal/uds"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type recordingClient struct {
	mu   sync.Mutex
	reqs []taskctl.Request
	err  error
}

func (c *recordingClient) Control(_ context.Context, req taskctl.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.reqs = append(c.reqs, req)
	return nil
}

func (c *recordingClient) requests() []taskctl.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]taskctl.Request(nil), c.reqs...)
}

func newTestDaemon(t *testing.T, cfg model.Config) (*Daemon, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	d, err := newDaemon(t.TempDir(), cfg, &buf, nil)
	require.NoError(t, err)
	d.clock = func() time.Time { return testNow }
	t.Cleanup(func() { d.ticker.Stop() })
	return d, &buf
}

func executingTask(id string) model.Task {
	return model.Task{
		ID:                id,
		Kind:              model.KindExport,
		Status:            model.StatusExecuting,
		ExecutionStrategy: model.StrategyImmediate,
		Creator:           model.Creator{ID: "alice"},
	}
}

func call(t *testing.T, h uds.HandlerFunc, command string, params any) *uds.Response {
	t.Helper()
	req, err := uds.NewRequest(command, params)
	require.NoError(t, err)
	resp := h(context.Background(), req)
	require.NotNil(t, resp)
	return resp
}

func TestNewDaemon(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.Config{
		Daemon:  model.DaemonConfig{ScanIntervalSec: 5, ShutdownTimeoutSec: 10, ConnTimeoutSec: 7},
		Logging: model.LoggingConfig{Level: "debug"},
	}

	d, err := newDaemon("/tmp/test-taskconsole", cfg, &buf, nil)
	require.NoError(t, err)
	defer d.ticker.Stop()

	assert.Equal(t, "/tmp/test-taskconsole", d.dir)
	assert.Equal(t, LogLevelDebug, d.logLevel)
	assert.Equal(t, 7*time.Second, d.server.ConnTimeout())
	assert.Empty(t, d.tablesPath)

	builtin, err := actions.DefaultTables()
	require.NoError(t, err)
	assert.Equal(t, builtin.Checksum(), d.resolver.Tables().Checksum())
}

func TestNewDaemon_TablesOverride(t *testing.T) {
	dir := t.TempDir()
	data := []byte("schema_version: 1\nfile_type: action_tables\none_shot:\n  executing: [view, stop]\ncyclic:\n  enabled: [view]\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tables.yaml"), data, 0644))

	var buf bytes.Buffer
	cfg := model.Config{Tables: model.TablesConfig{OverrideFile: "tables.yaml"}}
	d, err := newDaemon(dir, cfg, &buf, nil)
	require.NoError(t, err)
	defer d.ticker.Stop()

	assert.Equal(t, filepath.Join(dir, "tables.yaml"), d.tablesPath)
	keys, ok := d.resolver.Tables().Candidates(model.KindExport, model.StatusExecuting)
	require.True(t, ok)
	assert.Equal(t, []actions.Key{actions.KeyView, actions.KeyStop}, keys)
}

func TestNewDaemon_InvalidOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tables.yaml"), []byte("not: [valid"), 0644))

	var buf bytes.Buffer
	cfg := model.Config{Tables: model.TablesConfig{OverrideFile: filepath.Join(dir, "tables.yaml")}}
	_, err := newDaemon(dir, cfg, &buf, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load status tables")
}

func TestDaemonShutdownIdempotent(t *testing.T) {
	d, _ := newTestDaemon(t, model.Config{Daemon: model.DaemonConfig{ShutdownTimeoutSec: 1}})

	d.Shutdown()
	d.Shutdown() // second call should not panic
	assert.Error(t, d.ctx.Err())
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"unknown", LogLevelInfo},
		{"", LogLevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLogLevel(tt.input); got != tt.expected {
				t.Errorf("parseLogLevel(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestDaemonLog(t *testing.T) {
	d, buf := newTestDaemon(t, model.Config{Logging: model.LoggingConfig{Level: "warn"}})

	d.log(LogLevelInfo, "should not appear")
	assert.Zero(t, buf.Len())

	d.log(LogLevelWarn, "warning message")
	assert.Contains(t, buf.String(), "WARN daemon: warning message")
}

func TestDaemonNew_CreatesLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".taskconsole")
	require.NoError(t, os.MkdirAll(dir, 0755))

	d, err := New(dir, model.Config{})
	require.NoError(t, err)
	d.ticker.Stop()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}

	_, err = os.Stat(filepath.Join(dir, "logs", "daemon.log"))
	assert.NoError(t, err)
}

func TestHandleResolve_ByID(t *testing.T) {
	d, _ := newTestDaemon(t, model.Config{})
	require.NoError(t, d.store.Put(executingTask("t-1")))

	resp := call(t, d.handleResolve, "resolve", ResolveParams{
		TaskID:  "t-1",
		Context: model.ViewingContext{ViewerID: "alice"},
	})
	var got render.Resolution
	require.NoError(t, resp.Decode(&got))

	assert.Equal(t, "t-1", got.TaskID)
	assert.Equal(t, model.ModeListRow, got.Mode)
	assert.Equal(t, []actions.Key{actions.KeyView, actions.KeyStop, actions.KeyAgain}, actions.Keys(got.Actions))
}

func TestHandleResolve_InlineTaskBoth(t *testing.T) {
	d, _ := newTestDaemon(t, model.Config{})
	task := executingTask("inline")

	resp := call(t, d.handleResolve, "resolve", ResolveParams{
		Task:    &task,
		Context: model.ViewingContext{ViewerID: "alice"},
		Both:    true,
	})
	var got ResolveBothResult
	require.NoError(t, resp.Decode(&got))

	assert.Equal(t, []actions.Key{actions.KeyView, actions.KeyStop, actions.KeyAgain}, actions.Keys(got.ListRow))
	assert.Equal(t, []actions.Key{actions.KeyStop, actions.KeyAgain, actions.KeyClone, actions.KeyShare}, actions.Keys(got.Detail))
	assert.Zero(t, d.store.Len(), "inline tasks are not stored")
}

func TestHandleResolve_ConfiguredFeatures(t *testing.T) {
	complete := testNow.Add(-time.Hour)
	task := model.Task{
		ID:                "t-dl",
		Kind:              model.KindExport,
		Status:            model.StatusExecutionSucceeded,
		ExecutionStrategy: model.StrategyImmediate,
		Creator:           model.Creator{ID: "alice"},
		CompleteTime:      &complete,
	}
	vc := model.ViewingContext{ViewerID: "alice", Mode: model.ModeDetail}

	on, _ := newTestDaemon(t, model.Config{Features: model.Features{ResultSetDownload: true}})
	var got render.Resolution
	require.NoError(t, call(t, on.handleResolve, "resolve", ResolveParams{Task: &task, Context: vc}).Decode(&got))
	assert.Contains(t, actions.Keys(got.Actions), actions.KeyDownload)

	off := model.Features{}
	require.NoError(t, call(t, on.handleResolve, "resolve", ResolveParams{Task: &task, Context: vc, Features: &off}).Decode(&got))
	assert.NotContains(t, actions.Keys(got.Actions), actions.KeyDownload)
}

func TestHandleResolve_Errors(t *testing.T) {
	d, _ := newTestDaemon(t, model.Config{})
	task := executingTask("t-1")

	tests := []struct {
		name   string
		params ResolveParams
		code   string
	}{
		{"neither", ResolveParams{}, uds.ErrCodeValidation},
		{"both", ResolveParams{TaskID: "t-1", Task: &task}, uds.ErrCodeValidation},
		{"bad mode", ResolveParams{Task: &task, Context: model.ViewingContext{Mode: "grid"}}, uds.ErrCodeValidation},
		{"missing", ResolveParams{TaskID: "nope"}, uds.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, d.handleResolve, "resolve", tt.params)
			require.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestHandleTaskGetAndList(t *testing.T) {
	d, _ := newTestDaemon(t, model.Config{})
	require.NoError(t, d.store.Put(executingTask("t-2")))
	require.NoError(t, d.store.Put(executingTask("t-1")))

	var got model.Task
	require.NoError(t, call(t, d.handleTaskGet, "task_get", TaskGetParams{TaskID: "t-1"}).Decode(&got))
	assert.Equal(t, model.StatusExecuting, got.Status)

	resp := call(t, d.handleTaskGet, "task_get", TaskGetParams{TaskID: "missing"})
	assert.Equal(t, uds.ErrCodeNotFound, resp.Error.Code)
	resp = call(t, d.handleTaskGet, "task_get", TaskGetParams{TaskID: "../etc"})
	assert.Equal(t, uds.ErrCodeValidation, resp.Error.Code)

	var list []model.Task
	require.NoError(t, call(t, d.handleTaskList, "task_list", nil).Decode(&list))
	require.Len(t, list, 2)
	assert.Equal(t, "t-1", list[0].ID)
}

func TestHandleTables(t *testing.T) {
	d, _ := newTestDaemon(t, model.Config{})

	var got TablesResult
	require.NoError(t, call(t, d.handleTables, "tables", nil).Decode(&got))
	assert.Equal(t, "builtin", got.Source)
	assert.Equal(t, d.resolver.Tables().Checksum(), got.Checksum)
	assert.Equal(t, d.resolver.Tables().OneShot[model.StatusExecuting], got.OneShot[model.StatusExecuting])
	assert.NotEmpty(t, got.Cyclic)
}

func TestHandleDispatch(t *testing.T) {
	d, _ := newTestDaemon(t, model.Config{})
	client := &recordingClient{}
	d.SetClient(client)
	require.NoError(t, d.store.Put(executingTask("t-1")))

	dispatched := make(chan events.Event, 1)
	d.bus.Subscribe(events.EventActionDispatched, func(e events.Event) { dispatched <- e })

	var req taskctl.Request
	resp := call(t, d.handleDispatch, "dispatch", DispatchParams{
		TaskID:  "t-1",
		Action:  actions.KeyStop,
		Context: model.ViewingContext{ViewerID: "alice"},
	})
	require.NoError(t, resp.Decode(&req))
	assert.Equal(t, "t-1", req.TaskID)
	assert.Equal(t, actions.KeyStop, req.Action)
	assert.Equal(t, "alice", req.Actor)
	require.Len(t, client.requests(), 1)

	select {
	case e := <-dispatched:
		assert.Equal(t, req.ID, e.Data["request_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no action_dispatched event")
	}

	got, ok := d.store.Get("t-1")
	require.True(t, ok)
	assert.Equal(t, model.StatusExecuting, got.Status, "dispatch never mutates the snapshot")
}

func TestHandleDispatch_Errors(t *testing.T) {
	d, _ := newTestDaemon(t, model.Config{})
	client := &recordingClient{}
	d.SetClient(client)
	require.NoError(t, d.store.Put(executingTask("t-1")))

	tests := []struct {
		name   string
		params DispatchParams
		code   string
	}{
		{"no task id", DispatchParams{Action: actions.KeyStop, Context: model.ViewingContext{ViewerID: "alice"}}, uds.ErrCodeValidation},
		{"unknown action", DispatchParams{TaskID: "t-1", Action: "explode", Context: model.ViewingContext{ViewerID: "alice"}}, uds.ErrCodeValidation},
		{"no viewer", DispatchParams{TaskID: "t-1", Action: actions.KeyStop}, uds.ErrCodeValidation},
		{"missing task", DispatchParams{TaskID: "t-9", Action: actions.KeyStop, Context: model.ViewingContext{ViewerID: "alice"}}, uds.ErrCodeNotFound},
		{"not owner", DispatchParams{TaskID: "t-1", Action: actions.KeyStop, Context: model.ViewingContext{ViewerID: "bob"}}, uds.ErrCodeActionNotPermitted},
		{"not in table", DispatchParams{TaskID: "t-1", Action: actions.KeyRollback, Context: model.ViewingContext{ViewerID: "alice"}}, uds.ErrCodeActionNotPermitted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, d.handleDispatch, "dispatch", tt.params)
			require.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
	assert.Empty(t, client.requests())

	client.err = errors.New("server unavailable")
	resp := call(t, d.handleDispatch, "dispatch", DispatchParams{
		TaskID:  "t-1",
		Action:  actions.KeyStop,
		Context: model.ViewingContext{ViewerID: "alice"},
	})
	require.False(t, resp.Success)
	assert.Equal(t, uds.ErrCodeInternal, resp.Error.Code)
}

func TestHandleFileEvent_TaskSnapshots(t *testing.T) {
	d, _ := newTestDaemon(t, model.Config{})
	writer := store.New(d.dir, nil)

	changed := make(chan events.Event, 4)
	removed := make(chan events.Event, 4)
	d.bus.Subscribe(events.EventTaskStatusChanged, func(e events.Event) { changed <- e })
	d.bus.Subscribe(events.EventTaskRemoved, func(e events.Event) { removed <- e })

	task := executingTask("t-1")
	require.NoError(t, writer.Put(task))
	d.handleFileEvent(fsnotify.Event{Name: writer.PathFor("t-1"), Op: fsnotify.Create})

	_, ok := d.store.Get("t-1")
	require.True(t, ok)
	e := waitEvent(t, changed)
	assert.Equal(t, "", e.Data["from"])
	assert.Equal(t, string(model.StatusExecuting), e.Data["to"])

	task.Status = model.StatusExecutionSucceeded
	require.NoError(t, writer.Put(task))
	d.handleFileEvent(fsnotify.Event{Name: writer.PathFor("t-1"), Op: fsnotify.Write})
	e = waitEvent(t, changed)
	assert.Equal(t, string(model.StatusExecuting), e.Data["from"])
	assert.Equal(t, string(model.StatusExecutionSucceeded), e.Data["to"])

	require.NoError(t, writer.Remove("t-1"))
	d.handleFileEvent(fsnotify.Event{Name: writer.PathFor("t-1"), Op: fsnotify.Remove})
	_, ok = d.store.Get("t-1")
	assert.False(t, ok)
	e = waitEvent(t, removed)
	assert.Equal(t, "t-1", e.Data["task_id"])
}

func TestHandleFileEvent_IgnoresOtherFiles(t *testing.T) {
	d, _ := newTestDaemon(t, model.Config{})
	tasksDir := d.store.Dir()
	require.NoError(t, os.MkdirAll(tasksDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tasksDir, "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tasksDir, ".t-1.yaml.tmp"), []byte("x"), 0644))

	d.handleFileEvent(fsnotify.Event{Name: filepath.Join(tasksDir, "notes.txt"), Op: fsnotify.Write})
	d.handleFileEvent(fsnotify.Event{Name: filepath.Join(tasksDir, ".t-1.yaml.tmp"), Op: fsnotify.Create})
	d.handleFileEvent(fsnotify.Event{Name: filepath.Join(tasksDir, "t-1.yaml"), Op: fsnotify.Chmod})
	assert.Zero(t, d.store.Len())
}

func TestHandleFileEvent_TablesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tables.yaml")
	first := []byte("schema_version: 1\nfile_type: action_tables\none_shot:\n  executing: [view, stop]\ncyclic:\n  enabled: [view]\n")
	require.NoError(t, os.WriteFile(path, first, 0644))

	var buf bytes.Buffer
	d, err := newDaemon(dir, model.Config{Tables: model.TablesConfig{OverrideFile: "tables.yaml"}}, &buf, nil)
	require.NoError(t, err)
	defer d.ticker.Stop()
	before := d.resolver.Tables().Checksum()

	reloaded := make(chan events.Event, 1)
	d.bus.Subscribe(events.EventTablesReloaded, func(e events.Event) { reloaded <- e })

	second := []byte("schema_version: 1\nfile_type: action_tables\none_shot:\n  executing: [view]\ncyclic:\n  enabled: [view]\n")
	require.NoError(t, os.WriteFile(path, second, 0644))
	d.handleFileEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})

	e := waitEvent(t, reloaded)
	assert.Equal(t, before, e.Data["previous"])
	assert.NotEqual(t, before, d.resolver.Tables().Checksum())
	keys, _ := d.resolver.Tables().Candidates(model.KindExport, model.StatusExecuting)
	assert.Equal(t, []actions.Key{actions.KeyView}, keys)

	// A broken edit keeps the last good tables.
	current := d.resolver.Tables().Checksum()
	require.NoError(t, os.WriteFile(path, []byte("one_shot: {executing: [explode]}\n"), 0644))
	d.handleFileEvent(fsnotify.Event{Name: path, Op: fsnotify.Write})
	assert.Equal(t, current, d.resolver.Tables().Checksum())
	assert.Contains(t, buf.String(), "reload status tables")
}

func TestHandleReload(t *testing.T) {
	d, _ := newTestDaemon(t, model.Config{})
	writer := store.New(d.dir, nil)
	require.NoError(t, writer.Put(executingTask("t-1")))
	require.NoError(t, writer.Put(executingTask("t-2")))

	var got ReloadResult
	require.NoError(t, call(t, d.handleReload, "reload", nil).Decode(&got))
	assert.Equal(t, 2, got.Loaded)
	assert.Equal(t, d.resolver.Tables().Checksum(), got.TablesChecksum)
	assert.Equal(t, 2, d.store.Len())
}

func TestDaemonRun_ServesAndShutsDown(t *testing.T) {
	// Unix socket paths are length limited; keep the directory short.
	dir, err := os.MkdirTemp("/tmp", "tcd-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	require.NoError(t, store.New(dir, nil).Put(executingTask("t-1")))

	var buf safeBuffer
	d, err := newDaemon(dir, model.Config{
		Daemon: model.DaemonConfig{ShutdownTimeoutSec: 2},
		Audit:  model.AuditConfig{Checksum: true},
	}, &buf, nil)
	require.NoError(t, err)
	d.SetClient(&recordingClient{})

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(2 * time.Second)
	require.Eventually(t, func() bool {
		resp, err := client.SendCommand("ping", nil)
		return err == nil && resp.Success
	}, 5*time.Second, 20*time.Millisecond)

	var res render.Resolution
	require.NoError(t, client.Call(context.Background(), "resolve", ResolveParams{
		TaskID:  "t-1",
		Context: model.ViewingContext{ViewerID: "alice", Mode: model.ModeDetail},
	}, &res))
	assert.Equal(t, []actions.Key{actions.KeyStop, actions.KeyAgain, actions.KeyClone, actions.KeyShare}, actions.Keys(res.Actions))

	var req taskctl.Request
	require.NoError(t, client.Call(context.Background(), "dispatch", DispatchParams{
		TaskID:  "t-1",
		Action:  actions.KeyStop,
		Context: model.ViewingContext{ViewerID: "alice"},
	}, &req))

	resp, err := client.SendCommand("shutdown", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}
	_, err = os.Stat(filepath.Join(dir, uds.DefaultSocketName))
	assert.True(t, os.IsNotExist(err), "socket removed on shutdown")
	assert.Contains(t, buf.String(), "daemon stopped")

	auditPath := filepath.Join(dir, "logs", "audit.jsonl")
	data, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"checksum":`)
	total, valid, err := events.VerifyLogIntegrity(auditPath)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, total, valid)
}

func TestDaemonRun_SecondInstanceFails(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "tcd-")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	var buf bytes.Buffer
	first, err := newDaemon(dir, model.Config{}, &buf, nil)
	require.NoError(t, err)
	defer first.ticker.Stop()
	require.NoError(t, first.fileLock.TryLock())
	defer func() { _ = first.fileLock.Unlock() }()

	second, err := newDaemon(dir, model.Config{}, &buf, nil)
	require.NoError(t, err)
	defer second.ticker.Stop()
	err = second.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
}

func waitEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

// safeBuffer is a bytes.Buffer safe for the daemon's concurrent log writes.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
