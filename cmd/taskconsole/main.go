package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msageha/taskconsole/internal/actions"
	"github.com/msageha/taskconsole/internal/daemon"
	"github.com/msageha/taskconsole/internal/model"
	"github.com/msageha/taskconsole/internal/notify"
	"github.com/msageha/taskconsole/internal/poll"
	"github.com/msageha/taskconsole/internal/render"
	"github.com/msageha/taskconsole/internal/setup"
	"github.com/msageha/taskconsole/internal/status"
	"github.com/msageha/taskconsole/internal/taskctl"
	"github.com/msageha/taskconsole/internal/trigger"
	"github.com/msageha/taskconsole/internal/uds"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "resolve":
		runResolve(os.Args[2:])
	case "tables":
		runTables(os.Args[2:])
	case "tasks":
		runTasks(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "dispatch":
		runDispatch(os.Args[2:])
	case "trigger":
		runTrigger(os.Args[2:])
	case "reload":
		runReload(os.Args[2:])
	case "version":
		fmt.Printf("taskconsole %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: taskconsole setup <project_dir> [--name <project_name>]")
		os.Exit(1)
	}
	projectDir := args[0]
	var name string
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case "--name":
			name = flagValue(rest, &i)
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", rest[i])
			os.Exit(1)
		}
	}

	if err := setup.Run(projectDir, name); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized %s/ in %s\n", setup.DirName, absDir)
}

func runDaemon(_ []string) {
	dir := mustFindDir()
	cfg := mustLoadConfig(dir)

	d, err := daemon.New(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: taskconsole status [--json]\n", a)
			os.Exit(1)
		}
	}

	if err := status.Run(mustFindDir(), os.Stdout, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

// viewFlags are the viewing-context flags shared by resolve, watch and
// dispatch.
type viewFlags struct {
	vc   model.ViewingContext
	both bool
	json bool
}

// parse consumes the flag at args[*i] if it is a viewing-context flag.
func (f *viewFlags) parse(args []string, i *int) bool {
	switch args[*i] {
	case "--viewer":
		f.vc.ViewerID = flagValue(args, i)
	case "--roles":
		roles, err := parseRoles(flagValue(args, i))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --roles: %v\n", err)
			os.Exit(1)
		}
		f.vc.ProjectRoles = roles
	case "--approver":
		f.vc.Approver = true
	case "--mode":
		v := flagValue(args, i)
		if v == "both" {
			f.both = true
			return true
		}
		mode, err := model.ParseMode(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --mode: %v\n", err)
			os.Exit(1)
		}
		f.vc.Mode = mode
	case "--private":
		f.vc.PrivateSpace = true
	case "--desktop":
		f.vc.Desktop = true
	case "--now":
		v := flagValue(args, i)
		now, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --now value: %s (want RFC3339)\n", v)
			os.Exit(1)
		}
		f.vc.Now = now
	case "--json":
		f.json = true
	default:
		return false
	}
	return true
}

func parseRoles(s string) (model.RoleSet, error) {
	var roles []model.Role
	for _, part := range strings.Split(s, ",") {
		r := model.Role(strings.TrimSpace(part))
		if r == "" {
			continue
		}
		if !model.IsKnownRole(r) {
			return nil, fmt.Errorf("unknown role %q", r)
		}
		roles = append(roles, r)
	}
	return model.NewRoleSet(roles...), nil
}

const resolveUsage = "usage: taskconsole resolve <task_id> | --file <snapshot.yaml> --viewer <id> " +
	"[--roles r1,r2] [--approver] [--mode list_row|detail|both] [--private] [--desktop] [--now RFC3339] [--local] [--json]"

func runResolve(args []string) {
	var flags viewFlags
	var taskID, file string
	local := false
	for i := 0; i < len(args); i++ {
		if flags.parse(args, &i) {
			continue
		}
		switch args[i] {
		case "--file":
			file = flagValue(args, &i)
		case "--local":
			local = true
		default:
			if strings.HasPrefix(args[i], "--") || taskID != "" {
				fmt.Fprintf(os.Stderr, "unexpected argument: %s\n%s\n", args[i], resolveUsage)
				os.Exit(1)
			}
			taskID = args[i]
		}
	}
	if (taskID == "") == (file == "") {
		fmt.Fprintln(os.Stderr, resolveUsage)
		os.Exit(1)
	}
	if local && file == "" {
		fmt.Fprintln(os.Stderr, "--local requires --file")
		os.Exit(1)
	}

	dir := mustFindDir()
	params := daemon.ResolveParams{TaskID: taskID, Context: flags.vc, Both: flags.both}
	if file != "" {
		task, err := readSnapshot(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolve: %v\n", err)
			os.Exit(1)
		}
		params.Task = &task
	}

	if local {
		resolveLocal(dir, params, flags.json)
		return
	}

	if flags.both {
		var res daemon.ResolveBothResult
		mustCall(dir, "resolve", params, &res)
		if flags.json {
			mustRender(render.JSON(os.Stdout, res))
			return
		}
		printBoth(res)
		return
	}
	var res render.Resolution
	mustCall(dir, "resolve", params, &res)
	printResolution(res, flags.json)
}

// resolveLocal resolves without the daemon, using the same configuration.
func resolveLocal(dir string, params daemon.ResolveParams, jsonOutput bool) {
	cfg := mustLoadConfig(dir)
	resolver, err := newLocalResolver(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve: %v\n", err)
		os.Exit(1)
	}
	vc := params.Context
	vc.Features = cfg.Features
	task := params.Task

	if params.Both {
		listRow, detail := resolver.ResolveBoth(task, vc)
		res := daemon.ResolveBothResult{TaskID: task.ID, Kind: task.Kind, Status: task.Status, ListRow: listRow, Detail: detail}
		if jsonOutput {
			mustRender(render.JSON(os.Stdout, res))
			return
		}
		printBoth(res)
		return
	}
	if vc.Mode == "" {
		vc.Mode = model.ModeListRow
	}
	printResolution(render.Resolution{
		TaskID:  task.ID,
		Kind:    task.Kind,
		Status:  task.Status,
		Mode:    vc.Mode,
		Actions: resolver.Resolve(task, vc),
	}, jsonOutput)
}

func printResolution(res render.Resolution, jsonOutput bool) {
	if jsonOutput {
		mustRender(render.JSON(os.Stdout, res))
		return
	}
	mustRender(render.Actions(os.Stdout, res))
}

func printBoth(res daemon.ResolveBothResult) {
	base := render.Resolution{TaskID: res.TaskID, Kind: res.Kind, Status: res.Status}
	base.Mode, base.Actions = model.ModeListRow, res.ListRow
	mustRender(render.Actions(os.Stdout, base))
	base.Mode, base.Actions = model.ModeDetail, res.Detail
	mustRender(render.Actions(os.Stdout, base))
}

func runTables(args []string) {
	jsonOutput, local := false, false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		case "--local":
			local = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: taskconsole tables [--local] [--json]\n", a)
			os.Exit(1)
		}
	}

	dir := mustFindDir()
	var res daemon.TablesResult
	if local {
		tables, source, err := loadTables(dir, mustLoadConfig(dir))
		if err != nil {
			fmt.Fprintf(os.Stderr, "tables: %v\n", err)
			os.Exit(1)
		}
		res = daemon.TablesResult{Checksum: tables.Checksum(), Source: source, OneShot: tables.OneShot, Cyclic: tables.Cyclic}
	} else {
		mustCall(dir, "tables", nil, &res)
	}

	if jsonOutput {
		mustRender(render.JSON(os.Stdout, res))
		return
	}
	fmt.Printf("source: %s\n", res.Source)
	mustRender(render.TableSet(os.Stdout, res.Checksum, res.OneShot, res.Cyclic))
}

func runTasks(args []string) {
	jsonOutput := false
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: taskconsole tasks [--json]\n", a)
			os.Exit(1)
		}
	}

	var tasks []model.Task
	mustCall(mustFindDir(), "task_list", nil, &tasks)
	if jsonOutput {
		mustRender(render.JSON(os.Stdout, tasks))
		return
	}
	mustRender(render.TaskList(os.Stdout, tasks))
}

func runWatch(args []string) {
	var flags viewFlags
	var taskID string
	var interval time.Duration
	desktop := false
	for i := 0; i < len(args); i++ {
		if flags.parse(args, &i) {
			continue
		}
		switch args[i] {
		case "--notify":
			desktop = true
		case "--interval":
			v := flagValue(args, &i)
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "invalid --interval value: %s\n", v)
				os.Exit(1)
			}
			interval = time.Duration(n) * time.Second
		default:
			if strings.HasPrefix(args[i], "--") || taskID != "" {
				fmt.Fprintf(os.Stderr, "unexpected argument: %s\n", args[i])
				os.Exit(1)
			}
			taskID = args[i]
		}
	}
	if taskID == "" {
		fmt.Fprintln(os.Stderr, "usage: taskconsole watch <task_id> --viewer <id> [--roles r1,r2] [--approver] [--mode list_row|detail] [--interval sec] [--notify]")
		os.Exit(1)
	}

	dir := mustFindDir()
	cfg := mustLoadConfig(dir)
	if interval == 0 {
		interval = time.Duration(cfg.Poll.IntervalSec) * time.Second
	}
	resolver, err := newLocalResolver(dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
	vc := flags.vc
	vc.Features = cfg.Features
	if vc.Mode == "" {
		vc.Mode = model.ModeListRow
	}

	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	fetch := func(ctx context.Context, id string) (*model.Task, error) {
		var t model.Task
		if err := client.Call(ctx, "task_get", daemon.TaskGetParams{TaskID: id}, &t); err != nil {
			return nil, err
		}
		return &t, nil
	}

	var notifier notify.Notifier
	if desktop {
		notifier = notify.Desktop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := poll.New(taskID, fetch, resolver, vc, poll.Options{
		Interval: interval,
		OnUpdate: func(u poll.Update) {
			ts := time.Now().Format("15:04:05")
			switch {
			case u.Err != nil:
				fmt.Fprintf(os.Stderr, "%s poll error: %v\n", ts, u.Err)
			case flags.json:
				_ = render.JSON(os.Stdout, render.Resolution{
					TaskID: u.Task.ID, Kind: u.Task.Kind, Status: u.Task.Status, Mode: vc.Mode, Actions: u.Actions,
				})
			case u.StatusChanged || u.ActionsChanged:
				fmt.Printf("%s %s %s\n", ts, u.Task.Status, render.Inline(u.Actions))
			}
			if notifier != nil && u.Err == nil && u.StatusChanged && u.Task.IsTerminal() {
				title, msg := notify.StatusMessage(u.Task, u.Actions)
				if err := notifier.Notify(title, msg); err != nil {
					fmt.Fprintf(os.Stderr, "%s notify: %v\n", ts, err)
				}
			}
		},
	})
	if err := p.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
}

func runDispatch(args []string) {
	var flags viewFlags
	var positional []string
	for i := 0; i < len(args); i++ {
		if flags.parse(args, &i) {
			continue
		}
		if strings.HasPrefix(args[i], "--") {
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			os.Exit(1)
		}
		positional = append(positional, args[i])
	}
	if len(positional) != 2 || flags.vc.ViewerID == "" {
		fmt.Fprintln(os.Stderr, "usage: taskconsole dispatch <task_id> <action> --viewer <id> [--roles r1,r2] [--approver] [--private] [--desktop]")
		os.Exit(1)
	}
	key, err := actions.ParseKey(positional[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dispatch: %v\n", err)
		os.Exit(1)
	}

	var req taskctl.Request
	err = call(mustFindDir(), "dispatch", daemon.DispatchParams{
		TaskID:  positional[0],
		Action:  key,
		Context: flags.vc,
	}, &req)
	if err != nil {
		var detail *uds.ErrorDetail
		if errors.As(err, &detail) && detail.Code == uds.ErrCodeActionNotPermitted {
			fmt.Fprintf(os.Stderr, "dispatch refused: %s\n", detail.Message)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "dispatch: %v\n", err)
		os.Exit(1)
	}
	if flags.json {
		mustRender(render.JSON(os.Stdout, req))
		return
	}
	fmt.Printf("queued %s on %s (request %s)\n", req.Action, req.TaskID, req.ID)
}

func runTrigger(args []string) {
	var t model.Trigger
	count := 5
	jsonOutput := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--mode":
			t.Mode = model.TriggerMode(flagValue(args, &i))
		case "--hour":
			t.Hour = intFlag(args, &i)
		case "--minute":
			t.Minute = intFlag(args, &i)
		case "--days":
			for _, part := range strings.Split(flagValue(args, &i), ",") {
				n, err := strconv.Atoi(strings.TrimSpace(part))
				if err != nil {
					fmt.Fprintf(os.Stderr, "invalid --days entry: %q\n", part)
					os.Exit(1)
				}
				t.Days = append(t.Days, n)
			}
		case "--cron":
			t.Cron = flagValue(args, &i)
		case "--count":
			count = intFlag(args, &i)
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", args[i])
			fmt.Fprintln(os.Stderr, "usage: taskconsole trigger --mode daily|weekly|monthly|custom [--hour H] [--minute M] [--days d1,d2] [--cron expr] [--count N] [--json]")
			os.Exit(1)
		}
	}

	if err := trigger.ValidateCount(count); err != nil {
		fmt.Fprintf(os.Stderr, "invalid --count: %v\n", err)
		os.Exit(1)
	}
	sched, err := trigger.Parse(t)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trigger: %v\n", err)
		os.Exit(1)
	}
	times := sched.NextN(time.Now(), count)
	if jsonOutput {
		mustRender(render.JSON(os.Stdout, map[string]any{"cron": sched.String(), "next": times}))
		return
	}
	mustRender(render.Schedule(os.Stdout, sched.String(), times))
}

func runReload(_ []string) {
	var res daemon.ReloadResult
	mustCall(mustFindDir(), "reload", nil, &res)
	fmt.Printf("loaded=%d quarantined=%d restored=%d tables=%s\n", res.Loaded, res.Quarantined, res.Restored, res.TablesChecksum)
}

func newLocalResolver(dir string, cfg model.Config) (*actions.Resolver, error) {
	tables, _, err := loadTables(dir, cfg)
	if err != nil {
		return nil, err
	}
	return actions.NewResolver(tables, actions.Options{
		Retention: time.Duration(cfg.Download.RetentionDays) * 24 * time.Hour,
		CacheSize: cfg.Cache.MaxEntries,
		CacheTTL:  time.Duration(cfg.Cache.TTLSec) * time.Second,
	}), nil
}

func loadTables(dir string, cfg model.Config) (*actions.Tables, string, error) {
	f := cfg.Tables.OverrideFile
	if f == "" {
		t, err := actions.DefaultTables()
		return t, "builtin", err
	}
	if !filepath.IsAbs(f) {
		f = filepath.Join(dir, f)
	}
	t, err := actions.LoadTablesFile(f)
	return t, f, err
}

func readSnapshot(path string) (model.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Task{}, fmt.Errorf("read snapshot: %w", err)
	}
	var t model.Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return model.Task{}, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return t, nil
}

func call(dir, command string, params, out any) error {
	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	return client.Call(context.Background(), command, params, out)
}

func mustCall(dir, command string, params, out any) {
	if err := call(dir, command, params, out); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
}

func mustRender(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "write output: %v\n", err)
		os.Exit(1)
	}
}

// flagValue returns the value following the flag at args[*i] and advances i.
func flagValue(args []string, i *int) string {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", args[*i])
		os.Exit(1)
	}
	*i++
	return args[*i]
}

func intFlag(args []string, i *int) int {
	name := args[*i]
	v := flagValue(args, i)
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s value: %s\n", name, v)
		os.Exit(1)
	}
	return n
}

func findDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, setup.DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func mustFindDir() string {
	dir := findDir()
	if dir == "" {
		fmt.Fprintf(os.Stderr, "error: %s/ directory not found. Run 'taskconsole setup <dir>' first.\n", setup.DirName)
		os.Exit(1)
	}
	return dir
}

func loadConfig(dir string) (model.Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return model.Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	var cfg model.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse config.yaml: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

func mustLoadConfig(dir string) model.Config {
	cfg, err := loadConfig(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `taskconsole %s: task action resolver

Usage: taskconsole <command> [options]

Workspace:
  setup <dir> [--name N]     Initialize .taskconsole/ directory
  daemon                     Run daemon process
  status [--json]            Show daemon, task and outbox status
  reload                     Rescan snapshots and status tables

Actions (CLI -> Daemon):
  resolve <task_id>          Resolve actions for a stored task
  resolve --file <path>      Resolve actions for a snapshot file (--local skips the daemon)
  tables [--local]           Show status tables in effect
  tasks                      List stored task snapshots
  watch <task_id> [--notify] Poll a task and print action changes
  dispatch <task_id> <key>   Queue an action after re-checking it

Viewing context flags:
  --viewer <id>  --roles r1,r2  --approver  --mode list_row|detail|both
  --private  --desktop  --now RFC3339  --json

Utilities:
  trigger [flags]            Preview the next fire times of a schedule
  version                    Show version
  help                       Show this help
`, version)
}
