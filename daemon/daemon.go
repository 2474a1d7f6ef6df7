// Package daemon implements the runnerd scheduler and process supervisor:
// a single tick loop that reaps finished children, enforces timeouts and the
// failure circuit breaker, and dispatches due jobs, plus the control-plane
// method handlers.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vireo/runnerd/config"
	"github.com/vireo/runnerd/control"
	"github.com/vireo/runnerd/db"
	"github.com/vireo/runnerd/errors"
	"github.com/vireo/runnerd/store"
)

// runningProc is one supervised child. The in-memory tracker of these is
// the sole source of truth for worker-slot occupancy; it is rebuilt empty
// at startup because RUNNING rows from a previous daemon cannot be trusted.
type runningProc struct {
	runID     int64
	jobID     int64
	jobName   string
	pid       int
	startedAt time.Time
	timeout   time.Duration
	logPath   string

	// Timeout escalation state. The run row goes TIMEOUT as soon as the
	// deadline passes; the child is then terminated across later ticks
	// (SIGTERM, grace, SIGKILL) and the entry stays tracked until reaped.
	timedOut bool
	termAt   time.Time
	killSent bool
}

// Daemon owns the scheduling loop, the running-process tracker and every
// control-plane operation. One mutex serializes all state mutation: the
// tick loop and every control handler funnel through it, so there is a
// single logical writer to the store at any time.
type Daemon struct {
	cfg        *config.Config
	store      *store.Store
	server     *control.Server
	logger     *zap.SugaredLogger
	instanceID string
	startedAt  time.Time

	mu      sync.Mutex
	running map[int64]*runningProc // run_id -> process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// New opens the store, sweeps stale runs and wires the control server.
// Run must be called to start ticking.
func New(cfg *config.Config, logger *zap.SugaredLogger) (*Daemon, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, errors.Wrap(err, "create state directories")
	}

	conn, err := db.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, logger); err != nil {
		conn.Close()
		return nil, err
	}

	st := store.NewStore(conn)

	// Any run still RUNNING belonged to a previous daemon process; its
	// supervisor is gone, so the outcome is unknowable.
	swept, err := st.MarkStaleRunningRunsAborted("aborted: daemon restarted while run was in flight")
	if err != nil {
		st.Close()
		return nil, err
	}
	if swept > 0 {
		logger.Warnw("Swept stale runs from previous daemon", "aborted", swept)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		cfg:        cfg,
		store:      st,
		logger:     logger,
		instanceID: uuid.NewString(),
		startedAt:  time.Now(),
		running:    make(map[int64]*runningProc),
		ctx:        ctx,
		cancel:     cancel,
	}
	d.server = control.NewServer(cfg.SocketPath(), d, logger)
	return d, nil
}

// Run starts the control server and blocks in the scheduling loop until a
// termination signal arrives or Shutdown is called over the control plane.
func (d *Daemon) Run() error {
	if err := d.server.Start(); err != nil {
		d.store.Close()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	d.wg.Add(1)
	go d.loop()

	d.logger.Infow("Daemon started",
		"instance", d.instanceID,
		"pid", os.Getpid(),
		"tick_interval", d.cfg.TickInterval(),
		"max_workers", d.cfg.Daemon.MaxWorkers,
		"socket", d.cfg.SocketPath(),
	)

	select {
	case sig := <-sigChan:
		d.logger.Infow("Termination signal received", "signal", sig.String())
	case <-d.ctx.Done():
	}
	signal.Stop(sigChan)

	d.stop()
	return nil
}

// Shutdown begins a graceful stop. Idempotent; safe to call from control
// handlers while the loop is mid-tick.
func (d *Daemon) Shutdown() {
	d.cancel()
}

// stop tears down in reverse startup order: control server first so no new
// requests arrive, then best-effort termination of children, then the store.
func (d *Daemon) stop() {
	d.shutdownOnce.Do(func() {
		d.cancel()
		d.server.Stop()
		d.wg.Wait()

		d.mu.Lock()
		for _, p := range d.running {
			d.logger.Warnw("Terminating child at shutdown",
				"job", p.jobName, "run_id", p.runID, "pid", p.pid)
			// Whole process group; the run row stays RUNNING and the next
			// daemon's startup sweep resolves it to ABORTED.
			syscall.Kill(-p.pid, syscall.SIGTERM)
		}
		d.mu.Unlock()

		if err := d.store.Close(); err != nil {
			d.logger.Errorw("Failed to close store", "error", err)
		}
		d.logger.Infow("Daemon stopped", "instance", d.instanceID)
	})
}

// loop drives ticking. A panic or error inside one tick is logged and the
// loop continues: no single bad job may take the scheduler down.
func (d *Daemon) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case now := <-ticker.C:
			d.safeTick(now)
		}
	}
}

func (d *Daemon) safeTick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("Tick panicked", "panic", r)
		}
	}()

	if err := d.tick(now); err != nil {
		d.logger.Warnw("Tick error", "error", err)
	}
}
