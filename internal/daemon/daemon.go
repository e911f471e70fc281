// Package daemon hosts the intent queue process: it wires the queue, lock
// manager, rate governor, and dispatcher together and exposes them over the
// UDS control socket and the inbox directory.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/tempvoice/internal/dispatcher"
	"github.com/msageha/tempvoice/internal/events"
	"github.com/msageha/tempvoice/internal/governor"
	"github.com/msageha/tempvoice/internal/lock"
	"github.com/msageha/tempvoice/internal/logging"
	"github.com/msageha/tempvoice/internal/model"
	"github.com/msageha/tempvoice/internal/queue"
	"github.com/msageha/tempvoice/internal/uds"
)

const (
	eventBufferSize  = 256
	auditMaxSize     = 10 * 1024 * 1024
	inboxDirName     = "inbox"
	metricsFileName  = "metrics.yaml"
	dashboardName    = "dashboard.md"
	auditLogFileName = "intents.jsonl"
)

type daemonPaths struct {
	base      string
	socket    string
	pidLock   string
	dump      string
	metrics   string
	dashboard string
	inbox     string
	audit     string
}

func newPaths(baseDir string, cfg model.Config) daemonPaths {
	dump := cfg.Queue.DumpFile
	if !filepath.IsAbs(dump) {
		dump = filepath.Join(baseDir, dump)
	}
	return daemonPaths{
		base:      baseDir,
		socket:    filepath.Join(baseDir, uds.DefaultSocketName),
		pidLock:   filepath.Join(baseDir, "locks", "daemon.lock"),
		dump:      dump,
		metrics:   filepath.Join(baseDir, "state", metricsFileName),
		dashboard: filepath.Join(baseDir, dashboardName),
		inbox:     filepath.Join(baseDir, inboxDirName),
		audit:     filepath.Join(baseDir, "logs", auditLogFileName),
	}
}

// Daemon is the long-running tempvoice process.
type Daemon struct {
	paths     daemonPaths
	config    model.Config
	logger    *logging.Logger
	logFile   io.Closer
	startedAt time.Time

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher

	locks      *lock.Manager
	queue      *queue.Queue
	governor   *governor.Governor
	dispatcher *dispatcher.Dispatcher
	bus        *events.Bus
	audit      *events.AuditLogger
	inbox      *InboxHandler

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	dispatchDone chan struct{}
	stopped      chan struct{}
	shutdown     sync.Once
}

// New creates a Daemon rooted at baseDir, logging to logs/daemon.log.
func New(baseDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(baseDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(baseDir, cfg, logFile, logFile), nil
}

// newDaemon is the internal constructor for testing.
func newDaemon(baseDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	paths := newPaths(baseDir, cfg)
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level))

	locks := lock.NewManager(model.Millis(cfg.Locks.CleanupIntervalMs), logger)
	q := queue.New(queue.OptionsFromConfig(cfg.Queue), locks, logger)
	gov := governor.New(governor.OptionsFromConfig(cfg.Governor), logger)
	q.SetEmergencySignal(gov)

	var fallback dispatcher.Executor
	if cfg.Executor.Mode == "webhook" {
		fallback = dispatcher.NewWebhookExecutor(cfg.Executor.WebhookURL, cfg.Executor.AuthToken, nil, gov, logger)
	} else {
		fallback = dispatcher.NewLogExecutor(logger)
	}
	disp := dispatcher.New(q, locks, dispatcher.NewRegistry(fallback), dispatcher.OptionsFromConfig(cfg), logger)
	disp.SetRecorder(gov)

	bus := events.NewBus(eventBufferSize, logger)
	q.SetSink(queue.MultiSink{events.NewQueueSink(bus), disp.Sink()})

	server := uds.NewServer(paths.socket, uds.ServerOptions{
		ConnTimeout: model.Millis(cfg.Daemon.RequestTimeoutMs),
		MaxConns:    cfg.Daemon.MaxConnections,
	}, logger)

	d := &Daemon{
		paths:      paths,
		config:     cfg,
		logger:     logger.With("daemon"),
		logFile:    closer,
		fileLock:   lock.NewFileLock(paths.pidLock),
		server:     server,
		locks:      locks,
		queue:      q,
		governor:   gov,
		dispatcher: disp,
		bus:        bus,
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}
	d.inbox = NewInboxHandler(paths.inbox, d, lock.NewMutexMap(), logger)
	return d
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings every component up without blocking.
func (d *Daemon) Start() error {
	for _, dir := range []string{filepath.Dir(d.paths.pidLock), filepath.Dir(d.paths.metrics), d.paths.inbox} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}

	// Step 1: single instance
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	fail := func(err error) error {
		d.queue.Stop()
		d.locks.Stop()
		d.cleanup()
		return err
	}
	d.startedAt = time.Now()
	d.logger.Infof("starting pid=%d base=%s executor=%s", os.Getpid(), d.paths.base, d.config.Executor.Mode)

	// Step 2: audit trail
	audit, err := events.NewAuditLogger(d.paths.audit, auditMaxSize, d.logger)
	if err != nil {
		return fail(fmt.Errorf("open audit log: %w", err))
	}
	d.audit = audit
	audit.EnableChecksum(true)
	audit.Attach(d.bus)
	d.logger.Infof("audit path=%s size=%d", audit.Path(), audit.Size())

	// Step 3: restore the previous run's queue
	if n, err := d.queue.LoadFromFile(d.paths.dump); err != nil {
		d.logger.Errorf("restore_failed path=%s err=%v", d.paths.dump, err)
	} else if n > 0 {
		d.logger.Infof("restored intents=%d", n)
	}
	d.locks.Start()
	d.queue.Start()

	// Step 4: inbox watcher
	if d.config.Inbox.Enabled {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fail(fmt.Errorf("create fsnotify watcher: %w", err))
		}
		if err := watcher.Add(d.paths.inbox); err != nil {
			watcher.Close()
			return fail(fmt.Errorf("watch %s: %w", d.paths.inbox, err))
		}
		d.watcher = watcher
	}

	// Step 5: control socket
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		if d.watcher != nil {
			d.watcher.Close()
		}
		return fail(fmt.Errorf("start UDS server: %w", err))
	}

	// Step 6: background loops
	d.dispatchDone = make(chan struct{})
	go func() {
		defer close(d.dispatchDone)
		if err := d.dispatcher.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Errorf("dispatcher_exit err=%v", err)
		}
	}()
	if d.watcher != nil {
		d.wg.Add(1)
		go d.fsnotifyLoop()
	}
	d.wg.Add(1)
	go d.tickerLoop()

	// Step 7: pick up files dropped while we were down
	if d.config.Inbox.Enabled {
		d.inbox.Scan()
	}
	if err := d.writeMetrics(); err != nil {
		d.logger.Warnf("metrics_failed err=%v", err)
	}
	d.logger.Infof("ready")
	return nil
}

// fsnotifyLoop feeds inbox file events to the inbox handler.
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
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
				d.inbox.HandleFile(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Errorf("fsnotify error=%v", err)
		}
	}
}

// tickerLoop saves snapshots and refreshes metrics at the configured
// intervals. The metrics tick also rescans the inbox for missed events.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	snapshot := time.NewTicker(time.Duration(d.config.Daemon.SnapshotIntervalSec) * time.Second)
	defer snapshot.Stop()
	metrics := time.NewTicker(time.Duration(d.config.Daemon.MetricsIntervalSec) * time.Second)
	defer metrics.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-snapshot.C:
			_ = d.queue.SaveToFile(d.paths.dump)
		case <-metrics.C:
			if d.config.Inbox.Enabled {
				d.inbox.Scan()
			}
			if err := d.writeMetrics(); err != nil {
				d.logger.Warnf("metrics_failed err=%v", err)
			}
		}
	}
}

// waitSignals blocks until a signal arrives or shutdown finishes by other means.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("signal=%s, initiating graceful shutdown", sig)
		go func() {
			<-sigCh
			d.logger.Warnf("second signal, forcing exit")
			os.Exit(1)
		}()
		d.Shutdown()
	case <-d.stopped:
	}
}

// Done is closed once Shutdown has finished.
func (d *Daemon) Done() <-chan struct{} {
	return d.stopped
}

// Shutdown stops intake, lets in-flight intents settle, and saves the queue
// so the next start resumes it. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		defer close(d.stopped)
		d.logger.Infof("shutdown started")

		// 1. Stop producers
		d.cancel()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if err := d.server.Stop(); err != nil {
			d.logger.Warnf("server_stop err=%v", err)
		}

		// 2. Drain workers; interrupted intents go back to the queue
		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			if d.dispatchDone != nil {
				<-d.dispatchDone
			}
			close(done)
		}()
		select {
		case <-done:
			d.logger.Infof("all goroutines drained")
		case <-time.After(timeout):
			d.logger.Warnf("shutdown timeout after %s, some intents may be mid-flight", timeout)
		}

		// 3. Persist
		_ = d.queue.SaveToFile(d.paths.dump)
		if err := d.writeMetrics(); err != nil {
			d.logger.Warnf("metrics_failed err=%v", err)
		}

		// 4. Cleanup
		d.queue.Stop()
		d.locks.Stop()
		// Drains the audit subscriber before cleanup closes its file.
		d.bus.Close()
		d.cleanup()
		d.logger.Infof("daemon stopped")
	})
}

// cleanup releases resources acquired by Start.
func (d *Daemon) cleanup() {
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.logger.Warnf("audit_close err=%v", err)
		}
	}
	_ = os.Remove(d.paths.socket)
	_ = d.fileLock.Unlock()
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
