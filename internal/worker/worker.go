package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mcfleet/mcfleet/internal/backup"
	"github.com/mcfleet/mcfleet/internal/dispatch"
	"github.com/mcfleet/mcfleet/internal/gameserver"
	"github.com/mcfleet/mcfleet/internal/history"
	"github.com/mcfleet/mcfleet/internal/metrics"
	"github.com/mcfleet/mcfleet/internal/proc"
	"github.com/mcfleet/mcfleet/internal/reconcile"
	"github.com/mcfleet/mcfleet/internal/record"
	"github.com/mcfleet/mcfleet/internal/statestore"
	"github.com/mcfleet/mcfleet/internal/tunnel"
)

// State names the worker's position in its lifecycle. Transitions only ever
// move forward except for the POLLING/BACKING_UP pair and RESTARTING.
type State string

const (
	StateStarting     State = "STARTING"
	StateReady        State = "READY"
	StatePolling      State = "POLLING"
	StateBackingUp    State = "BACKING_UP"
	StateRestarting   State = "RESTARTING"
	StateShuttingDown State = "SHUTTING_DOWN"
	StateTerminated   State = "TERMINATED"
)

// RestartPolicy decides what happens when the runtime budget runs out.
type RestartPolicy string

const (
	// RestartInPlace bounces the game server process inside the same
	// worker, keeping the tunnel up.
	RestartInPlace RestartPolicy = "inplace"
	// RestartRelaunch shuts this worker down and asks the dispatcher for a
	// fresh one.
	RestartRelaunch RestartPolicy = "relaunch"
)

// Options carries everything tunable about a worker run. Zero values pick
// up the documented defaults.
type Options struct {
	ServerID       string
	Flavor         gameserver.Flavor
	InitializeOnly bool

	// ServerDir is the working directory holding the server files.
	ServerDir string
	Port      int

	PollInterval time.Duration // default 5s
	ReadyTimeout time.Duration // default 300s
	StopGrace    time.Duration // default 30s

	// WarnCheckpoints are remaining-runtime marks at which players get a
	// broadcast, each fired once. Default 30, 15, 5 and 1 minutes.
	WarnCheckpoints []time.Duration
	// CountdownFrom is the length of the final per-second countdown.
	CountdownFrom int // default 10

	RestartPolicy RestartPolicy // default inplace
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 300 * time.Second
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 30 * time.Second
	}
	if o.WarnCheckpoints == nil {
		o.WarnCheckpoints = []time.Duration{30 * time.Minute, 15 * time.Minute, 5 * time.Minute, time.Minute}
	}
	if o.CountdownFrom == 0 {
		o.CountdownFrom = 10
	}
	if o.RestartPolicy == "" {
		o.RestartPolicy = RestartInPlace
	}
	if o.Port == 0 {
		o.Port = gameserver.DefaultPort
	}
}

// Worker supervises one game server for the lifetime of one dispatcher job.
// It owns every mutable field of the server document except pending_command
// and shutdown_request, which the control plane sets and the worker clears.
type Worker struct {
	opts Options

	store      statestore.Docs
	provider   tunnel.Provider
	backups    *backup.Manager
	sink       history.Sink
	dispatcher dispatch.Dispatcher
	reconciler *reconcile.Reconciler
	log        *slog.Logger
	console    io.Writer

	// launch is swappable so tests can supervise a stand-in child.
	launch func(rec *record.ServerRecord) (*proc.Proc, error)
	now    func() time.Time
	sleep  func(time.Duration)

	child     *proc.Proc
	state     State
	startedAt time.Time
	warned    map[time.Duration]bool
	tunnelUp  bool
}

// Deps bundles the worker's collaborators.
type Deps struct {
	Store      statestore.Docs
	Provider   tunnel.Provider
	Backups    *backup.Manager
	Sink       history.Sink
	Dispatcher dispatch.Dispatcher
	Reconciler *reconcile.Reconciler
	Log        *slog.Logger
	Console    io.Writer
}

func New(opts Options, d Deps) *Worker {
	opts.setDefaults()
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Sink == nil {
		d.Sink = history.Nop{}
	}
	if d.Dispatcher == nil {
		d.Dispatcher = dispatch.Nop{}
	}
	w := &Worker{
		opts:       opts,
		store:      d.Store,
		provider:   d.Provider,
		backups:    d.Backups,
		sink:       d.Sink,
		dispatcher: d.Dispatcher,
		reconciler: d.Reconciler,
		log:        d.Log.With("server", opts.ServerID),
		console:    d.Console,
		now:        time.Now,
		sleep:      time.Sleep,
		warned:     map[time.Duration]bool{},
	}
	w.launch = func(rec *record.ServerRecord) (*proc.Proc, error) {
		spec := gameserver.Spec(opts.Flavor, opts.ServerDir, rec)
		return proc.Start(proc.Spec{
			Argv:   spec.Argv,
			Dir:    opts.ServerDir,
			Env:    spec.Env,
			Ready:  spec.Ready,
			Output: w.console,
		})
	}
	return w
}

// Run drives the full lifecycle and blocks until TERMINATED. The finalizer
// runs on every exit path, including signals.
func (w *Worker) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer w.finalize()

	rec, err := w.loadRecord()
	if err != nil {
		return fmt.Errorf("worker: load record: %w", err)
	}

	if w.opts.InitializeOnly && gameserver.WorldExists(w.opts.ServerDir) {
		w.log.Info("world already initialized, nothing to do")
		return nil
	}

	if err := w.start(ctx, rec); err != nil {
		return err
	}
	if w.opts.InitializeOnly {
		w.log.Info("initialization complete, stopping")
		return w.child.Stop(gameserver.StopCommand, w.opts.StopGrace)
	}

	// Registered before ready so an established tunnel is torn down even
	// when a later step of ready fails.
	defer func() {
		if w.tunnelUp {
			_ = w.provider.Teardown()
		}
	}()
	if err := w.ready(ctx, rec); err != nil {
		w.stopChild()
		return err
	}

	reason := w.poll(ctx)
	w.shutdown(ctx, reason)
	return nil
}

func (w *Worker) loadRecord() (*record.ServerRecord, error) {
	var rec record.ServerRecord
	if err := w.store.Load(record.Key(w.opts.ServerID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// start covers STARTING: prepare the directory, launch the child and wait
// for the readiness marker.
func (w *Worker) start(ctx context.Context, rec *record.ServerRecord) error {
	w.transition(StateStarting)
	if err := gameserver.PrepareDir(w.opts.ServerDir, rec, w.opts.Port); err != nil {
		return fmt.Errorf("worker: prepare dir: %w", err)
	}
	child, err := w.launch(rec)
	if err != nil {
		return fmt.Errorf("worker: launch: %w", err)
	}
	w.child = child
	if err := child.WaitReady(ctx, w.opts.ReadyTimeout); err != nil {
		w.stopChild()
		return fmt.Errorf("worker: %w", err)
	}
	w.startedAt = w.now()
	w.event(ctx, history.EventStarted, string(w.opts.Flavor))
	return nil
}

// ready covers READY: bring up the tunnel and publish liveness.
func (w *Worker) ready(ctx context.Context, rec *record.ServerRecord) error {
	w.transition(StateReady)
	if rec.Subdomain != "" && w.reconciler != nil {
		// Heal this server's DNS entry before trusting the mapping.
		if _, err := w.reconciler.Validate(ctx, rec.Subdomain); err != nil {
			w.log.Warn("startup reconciliation failed", "err", err)
		}
	}
	if rec.Subdomain != "" && w.provider != nil {
		mapping, err := w.poolMapping()
		if err != nil {
			return fmt.Errorf("worker: load pool mapping: %w", err)
		}
		tid, ok := mapping[rec.Subdomain]
		if !ok {
			return fmt.Errorf("worker: %s not in pool mapping", rec.Subdomain)
		}
		if err := w.provider.Establish(ctx, tid, rec.Subdomain, w.opts.Port); err != nil {
			return fmt.Errorf("worker: establish tunnel: %w", err)
		}
		w.tunnelUp = true
	}
	rec.IsActive = true
	rec.LastStarted = w.now().Unix()
	if err := w.saveRecord(rec, "Worker up for "+w.opts.ServerID); err != nil {
		return err
	}
	metrics.SetWorkerActive(w.opts.ServerID, true)
	w.event(ctx, history.EventReady, rec.Subdomain)
	w.log.Info("server ready", "subdomain", rec.Subdomain)
	return nil
}

func (w *Worker) poolMapping() (map[string]string, error) {
	var m map[string]string
	if err := w.store.Load(record.PoolKey, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// stopReason says why the poll loop ended.
type stopReason string

const (
	reasonRequested  stopReason = "shutdown_request"
	reasonMissing    stopReason = "record_missing"
	reasonMaxRuntime stopReason = "max_runtime"
	reasonExited     stopReason = "process_exited"
	reasonSignal     stopReason = "signal"
)

// poll covers POLLING and its excursions into BACKING_UP and RESTARTING.
// It returns when the worker must shut down.
func (w *Worker) poll(ctx context.Context) stopReason {
	w.transition(StatePolling)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return reasonSignal
		case <-w.child.Done():
			w.log.Warn("game server exited on its own", "err", w.child.ExitErr())
			return reasonExited
		case <-ticker.C:
		}
		metrics.IncPollTick(w.opts.ServerID)

		rec, err := w.loadRecord()
		if errors.Is(err, statestore.ErrNotFound) {
			// Deleting the document is an implicit shutdown request.
			w.log.Info("record gone, shutting down")
			return reasonMissing
		}
		if err != nil {
			w.log.Warn("resync failed, keeping previous view", "err", err)
			continue
		}

		if rec.PendingCommand != "" {
			w.deliverCommand(ctx, rec)
		}
		if rec.ShutdownRequest {
			return reasonRequested
		}

		if max := rec.MaxRuntime(); max > 0 {
			elapsed := w.now().Sub(w.startedAt)
			w.warnCheckpoints(max - elapsed)
			if elapsed >= max {
				if w.opts.RestartPolicy == RestartInPlace {
					if err := w.restartInPlace(ctx, rec); err != nil {
						w.log.Error("in-place restart failed", "err", err)
						return reasonMaxRuntime
					}
					continue
				}
				if err := w.dispatcher.Launch(ctx, w.opts.ServerID, w.opts.Flavor); err != nil {
					w.log.Error("relaunch dispatch failed", "err", err)
				}
				return reasonMaxRuntime
			}
		}

		if rec.BackupDue(w.now()) {
			w.backupNow(ctx, rec, backup.ReasonScheduled)
		}
	}
}

// deliverCommand forwards one pending command and clears it, exactly once.
func (w *Worker) deliverCommand(ctx context.Context, rec *record.ServerRecord) {
	cmd := gameserver.FormatCommand(rec.PendingCommand)
	if err := w.child.Send(cmd); err != nil {
		w.log.Error("command delivery failed", "command", cmd, "err", err)
		return
	}
	rec.LastCommandResponse = "Sent: " + rec.PendingCommand
	rec.PendingCommand = ""
	if err := w.saveRecord(rec, fmt.Sprintf("Cleared pending command for %s", w.opts.ServerID)); err != nil {
		w.log.Error("command clear failed", "err", err)
		return
	}
	metrics.IncCommandDelivered(w.opts.ServerID)
	w.event(ctx, history.EventCommand, cmd)
	w.log.Info("command delivered", "command", cmd)
}

// warnCheckpoints broadcasts each configured remaining-runtime warning once.
func (w *Worker) warnCheckpoints(remaining time.Duration) {
	for _, cp := range w.opts.WarnCheckpoints {
		if remaining <= cp && !w.warned[cp] {
			w.warned[cp] = true
			minutes := int(cp / time.Minute)
			w.broadcast(fmt.Sprintf("Server will shut down in %d minute(s). Your progress will be saved.", minutes))
		}
	}
}

// backupNow covers BACKING_UP: snapshot and publish the bookkeeping.
func (w *Worker) backupNow(ctx context.Context, rec *record.ServerRecord, reason backup.Reason) {
	w.transition(StateBackingUp)
	defer w.transition(StatePolling)

	w.broadcast("Backup starting now. Server may lag for a few seconds.")
	_ = w.child.Send("save-all flush")
	_ = w.child.Send("save-off")
	path, err := w.backups.Snapshot(w.opts.ServerDir, w.opts.ServerID, reason)
	_ = w.child.Send("save-on")
	if err != nil {
		if errors.Is(err, backup.ErrNothingToBackup) {
			w.log.Info("nothing to back up yet")
		} else {
			w.log.Error("backup failed", "err", err)
		}
		return
	}
	w.broadcast("Backup completed successfully!")

	rec.LastBackup = w.now().Unix()
	rec.LastBackupFile = filepath.Base(path)
	if err := w.saveRecord(rec, fmt.Sprintf("Backup for %s", w.opts.ServerID)); err != nil {
		w.log.Error("backup bookkeeping failed", "err", err)
		return
	}
	metrics.IncBackup(w.opts.ServerID, string(reason))
	w.event(ctx, history.EventBackup, path)
}

// restartInPlace covers RESTARTING with the inplace policy: bounce the game
// server while keeping the worker and tunnel alive, resetting the runtime
// budget.
func (w *Worker) restartInPlace(ctx context.Context, rec *record.ServerRecord) error {
	w.transition(StateRestarting)
	w.countdown("restarting")
	w.broadcast("Saving world and restarting now. Please reconnect in a moment.")
	_ = w.child.Send("save-all flush")
	if err := w.child.Stop(gameserver.StopCommand, w.opts.StopGrace); err != nil {
		w.log.Warn("stop during restart", "err", err)
	}
	w.backupNow(ctx, rec, backup.ReasonMaxRuntime)

	child, err := w.launch(rec)
	if err != nil {
		return fmt.Errorf("relaunch: %w", err)
	}
	w.child = child
	if err := child.WaitReady(ctx, w.opts.ReadyTimeout); err != nil {
		w.stopChild()
		return err
	}
	w.startedAt = w.now()
	w.warned = map[time.Duration]bool{}
	w.transition(StatePolling)
	w.log.Info("restarted in place")
	return nil
}

// shutdown covers SHUTTING_DOWN: countdown, graceful stop with bounded
// escalation, final backup, and publishing the inactive record.
func (w *Worker) shutdown(ctx context.Context, reason stopReason) {
	w.transition(StateShuttingDown)
	if !w.child.Exited() {
		w.countdown("shutting down")
		w.broadcast("Saving world and shutting down now.")
		_ = w.child.Send("save-all flush")
		if err := w.child.Stop(gameserver.StopCommand, w.opts.StopGrace); err != nil {
			w.log.Warn("forced termination", "err", err)
		}
	}

	backupReason := backup.ReasonShutdown
	if reason == reasonMaxRuntime {
		backupReason = backup.ReasonMaxRuntime
	}
	if _, err := w.backups.Snapshot(w.opts.ServerDir, w.opts.ServerID, backupReason); err != nil && !errors.Is(err, backup.ErrNothingToBackup) {
		w.log.Error("final backup failed", "err", err)
	}

	w.event(ctx, history.EventStopped, string(reason))
	w.transition(StateTerminated)
	w.log.Info("worker terminated", "reason", string(reason))
}

// countdown runs the final per-second broadcast before a stop or restart.
func (w *Worker) countdown(verb string) {
	for i := w.opts.CountdownFrom; i >= 1; i-- {
		w.broadcast(fmt.Sprintf("Server %s in %d second(s)!", verb, i))
		w.sleep(time.Second)
	}
}

func (w *Worker) broadcast(msg string) {
	if w.child == nil || w.child.Exited() {
		return
	}
	_ = w.child.Send("say [SERVER] " + msg)
}

// finalize publishes the inactive document. It is idempotent and runs on
// every exit path; a record that is already inactive with no pending
// shutdown request is left untouched, and a deleted record stays deleted.
func (w *Worker) finalize() {
	metrics.SetWorkerActive(w.opts.ServerID, false)
	rec, err := w.loadRecord()
	if errors.Is(err, statestore.ErrNotFound) {
		return
	}
	if err != nil {
		w.log.Error("finalizer could not load record", "err", err)
		return
	}
	if !rec.IsActive && !rec.ShutdownRequest {
		return
	}
	rec.IsActive = false
	rec.ShutdownRequest = false
	rec.LastStopped = w.now().Unix()
	if err := w.saveRecord(rec, fmt.Sprintf("Worker down for %s", w.opts.ServerID)); err != nil {
		w.log.Error("finalizer save failed", "err", err)
	}
}

func (w *Worker) saveRecord(rec *record.ServerRecord, msg string) error {
	if err := w.store.Save(record.Key(w.opts.ServerID), rec, msg); err != nil {
		return fmt.Errorf("worker: save record: %w", err)
	}
	return nil
}

func (w *Worker) stopChild() {
	if w.child != nil {
		_ = w.child.Terminate(5 * time.Second)
	}
}

func (w *Worker) transition(to State) {
	if w.state == to {
		return
	}
	w.log.Debug("state transition", "from", string(w.state), "to", string(to))
	w.state = to
}

func (w *Worker) event(ctx context.Context, t history.EventType, detail string) {
	e := history.Event{Type: t, ServerID: w.opts.ServerID, Detail: detail, OccurredAt: w.now()}
	if err := w.sink.Send(ctx, e); err != nil {
		w.log.Debug("history append failed", "err", err)
	}
}
