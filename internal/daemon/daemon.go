// Package daemon serves task action resolutions over a Unix socket. It keeps
// the task snapshot index in sync with the tasks directory and hot-reloads
// the status tables when their override file changes.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/taskconsole/internal/actions"
	"github.com/msageha/taskconsole/internal/events"
	"github.com/msageha/taskconsole/internal/lock"
	"github.com/msageha/taskconsole/internal/model"
	"github.com/msageha/taskconsole/internal/store"
	"github.com/msageha/taskconsole/internal/taskctl"
	"github.com/msageha/taskconsole/internal/uds"
)

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Daemon is the taskconsole daemon process.
type Daemon struct {
	dir      string
	config   model.Config
	logLevel LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	store      *store.Store
	resolver   *actions.Resolver
	bus        *events.Bus
	audit      *events.AuditLogger
	client     taskctl.Client
	dispatcher *taskctl.Dispatcher
	// tablesPath is the absolute override file, empty for the built-in tables.
	tablesPath string
	clock      func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a Daemon that logs to <dir>/logs/daemon.log.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	d, err := newDaemon(dir, cfg, logFile, logFile)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}
	return d, nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg.ApplyDefaults()
	logger := log.New(w, "", 0)

	d := &Daemon{
		dir:      dir,
		config:   cfg,
		logLevel: parseLogLevel(cfg.Logging.Level),
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(dir, uds.DefaultSocketName), logger),
		ticker:   time.NewTicker(time.Duration(cfg.Daemon.ScanIntervalSec) * time.Second),
		store:    store.New(dir, logger),
		bus:      events.NewBus(0),
		client:   taskctl.NewOutboxClient(dir),
		clock:    time.Now,
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.server.SetConnTimeout(time.Duration(cfg.Daemon.ConnTimeoutSec) * time.Second)

	if f := cfg.Tables.OverrideFile; f != "" {
		if filepath.IsAbs(f) {
			d.tablesPath = f
		} else {
			d.tablesPath = filepath.Join(dir, f)
		}
	}
	tables, err := d.loadTables()
	if err != nil {
		d.ticker.Stop()
		return nil, err
	}
	d.resolver = actions.NewResolver(tables, actions.Options{
		Retention: time.Duration(cfg.Download.RetentionDays) * 24 * time.Hour,
		CacheSize: cfg.Cache.MaxEntries,
		CacheTTL:  time.Duration(cfg.Cache.TTLSec) * time.Second,
		Clock:     func() time.Time { return d.clock() },
	})
	d.wireDispatcher()
	return d, nil
}

// SetClient replaces the task control client. Must be called before Run.
func (d *Daemon) SetClient(c taskctl.Client) {
	d.client = c
	d.wireDispatcher()
}

func (d *Daemon) wireDispatcher() {
	opts := taskctl.Options{Bus: d.bus, Logger: d.logger, Clock: func() time.Time { return d.clock() }}
	if d.audit != nil {
		opts.Audit = d.audit
	}
	d.dispatcher = taskctl.NewDispatcher(d.resolver, d.client, opts)
}

func (d *Daemon) loadTables() (*actions.Tables, error) {
	if d.tablesPath == "" {
		return actions.DefaultTables()
	}
	t, err := actions.LoadTablesFile(d.tablesPath)
	if err != nil {
		return nil, fmt.Errorf("load status tables: %w", err)
	}
	return t, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: Open the audit trail
	audit, err := events.NewAuditLogger(filepath.Join(d.dir, "logs", "audit.jsonl"), d.config.Audit.MaxSizeBytes)
	if err != nil {
		_ = d.fileLock.Unlock()
		return fmt.Errorf("open audit log: %w", err)
	}
	audit.EnableChecksum(d.config.Audit.Checksum)
	d.audit = audit
	d.wireDispatcher()

	// Step 3: Init fsnotify watcher on tasks/ and the tables override dir
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	watchDirs := []string{d.store.Dir()}
	if d.tablesPath != "" {
		watchDirs = append(watchDirs, filepath.Dir(d.tablesPath))
	}
	for _, dir := range watchDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			d.cleanup()
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
		if err := watcher.Add(dir); err != nil {
			d.cleanup()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	// Step 4: Register UDS handlers
	d.registerHandlers()

	// Step 5: Start UDS server
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(LogLevelInfo, "UDS server listening on %s", filepath.Join(d.dir, uds.DefaultSocketName))

	// Step 6: Start background loops
	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	// Step 7: Run initial scan
	d.scan()
	d.log(LogLevelInfo, "daemon ready tasks=%d tables=%s", d.store.Len(), shortChecksum(d.resolver.Tables().Checksum()))

	// Step 8: Wait for signals or a shutdown request
	d.waitSignals()

	return nil
}

// fsnotifyLoop processes filesystem change events.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			d.handleFileEvent(event)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(LogLevelError, "fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) handleFileEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	d.log(LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)

	if d.tablesPath != "" && filepath.Clean(event.Name) == filepath.Clean(d.tablesPath) {
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			d.log(LogLevelWarn, "status tables file %s removed, keeping current tables", event.Name)
			return
		}
		if err := d.reloadTables(); err != nil {
			d.log(LogLevelError, "reload status tables: %v", err)
		}
		return
	}

	if filepath.Dir(event.Name) != d.store.Dir() || !strings.HasSuffix(event.Name, ".yaml") ||
		strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}
	change, err := d.store.Reload(event.Name)
	if err != nil {
		d.log(LogLevelWarn, "reload %s: %v", filepath.Base(event.Name), err)
		return
	}
	d.publishChange(change)
}

// publishChange announces a status change or a removal from the store.
func (d *Daemon) publishChange(c store.Change) {
	switch {
	case c.Current == nil && c.Previous != nil:
		d.log(LogLevelInfo, "task removed id=%s", c.TaskID)
		d.bus.Publish(events.EventTaskRemoved, map[string]any{"task_id": c.TaskID})
	case c.StatusChanged() && c.Current != nil:
		from := model.Status("")
		if c.Previous != nil {
			from = c.Previous.Status
		}
		d.log(LogLevelInfo, "task status id=%s %s -> %s", c.TaskID, from, c.Current.Status)
		d.bus.Publish(events.EventTaskStatusChanged, map[string]any{
			"task_id": c.TaskID,
			"from":    string(from),
			"to":      string(c.Current.Status),
		})
	}
}

// reloadTables swaps in the override file's tables. On error the current
// tables stay in effect.
func (d *Daemon) reloadTables() error {
	tables, err := d.loadTables()
	if err != nil {
		return err
	}
	prev := d.resolver.Tables().Checksum()
	if tables.Checksum() == prev {
		return nil
	}
	d.resolver.SetTables(tables)
	d.log(LogLevelInfo, "status tables reloaded checksum=%s", shortChecksum(tables.Checksum()))
	d.bus.Publish(events.EventTablesReloaded, map[string]any{
		"previous": prev,
		"checksum": tables.Checksum(),
	})
	return nil
}

// tickerLoop triggers periodic rescans at configured intervals.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.log(LogLevelDebug, "periodic scan triggered")
			d.scan()
		}
	}
}

func (d *Daemon) scan() store.LoadResult {
	res, err := d.store.Load()
	if err != nil {
		d.log(LogLevelError, "scan tasks: %v", err)
		return res
	}
	if res.Quarantined > 0 || res.Restored > 0 {
		d.log(LogLevelWarn, "scan tasks loaded=%d quarantined=%d restored=%d", res.Loaded, res.Quarantined, res.Restored)
	}
	return res
}

// waitSignals blocks until a shutdown signal is received or shutdown was
// requested over the socket.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log(LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)
		// Second signal forces exit
		go func() {
			<-sigCh
			d.log(LogLevelWarn, "received second signal, forcing exit")
			d.forceExit.Store(true)
			os.Exit(1)
		}()
	case <-d.ctx.Done():
	}

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()

		// 2. Stop producers
		d.ticker.Stop()
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		if d.server != nil {
			_ = d.server.Stop()
		}

		// 3. Drain in-flight with timeout
		timeout := d.config.Daemon.ShutdownTimeoutSec
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		// 4. Cleanup
		d.bus.Close()
		d.log(LogLevelInfo, "daemon stopped")
		d.cleanup()
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	_ = os.Remove(filepath.Join(d.dir, uds.DefaultSocketName))
	if d.audit != nil {
		_ = d.audit.Close()
	}
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}

func (d *Daemon) log(level LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}

func shortChecksum(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
