package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/wardend/warden/internal/api"
	"github.com/wardend/warden/internal/app"
	"github.com/wardend/warden/internal/cgroups"
	"github.com/wardend/warden/internal/config"
	"github.com/wardend/warden/internal/events"
	"github.com/wardend/warden/internal/fault"
	"github.com/wardend/warden/internal/ledger"
	"github.com/wardend/warden/internal/proc"
	"github.com/wardend/warden/internal/reslim"
	"github.com/wardend/warden/internal/sandbox"
	"github.com/wardend/warden/internal/smack"
	"github.com/wardend/warden/internal/users"
	"github.com/wardend/warden/internal/version"
)

// appsCfgBase is where application config subtrees live in the tree.
const appsCfgBase = "/apps"

// cfgNodeStartManual marks apps excluded from boot-time autostart.
const cfgNodeStartManual = "startManual"

// ErrAppNotFound reports an app name with no config and no registry entry.
var ErrAppNotFound = errors.New("application not found")

// appObj pairs a registered application with the supervisor-level stop
// handler used by the restart-app fault path.
type appObj struct {
	app         *app.App
	stopHandler func(*appObj)
}

// Config configures a supervisor. Collaborators left nil get their real
// Linux implementations; tests inject fakes.
type Config struct {
	Tree       *config.Tree
	Settings   *config.Settings
	ConfigPath string
	Logger     *slog.Logger
	Bus        *events.Bus

	Sandbox sandbox.Manager
	ResLim  reslim.Manager
	Smack   smack.Ruler
	Freezer cgroups.Freezer
	Users   users.DB
	Spawner proc.Spawner
	Ledger  *ledger.Ledger
	Clock   proc.Clock

	// RebootFn replaces the system reboot, for tests.
	RebootFn func() error
}

// Supervisor is the application registry and event dispatcher. All state
// is owned by the run loop goroutine; external entry points post onto the
// loop and wait.
type Supervisor struct {
	tree     *config.Tree
	settings *config.Settings
	cfgPath  string

	apps  map[string]*appObj
	order []string

	deps     app.Deps
	ledger   *ledger.Ledger
	bus      *events.Bus
	logger   *slog.Logger
	signals  *SignalQueue
	rebootFn func() error

	cmdCh      chan func()
	shutdownCh chan struct{}
	doneCh     chan struct{}
	shutting   bool
}

// New creates a supervisor.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}

	if cfg.Sandbox == nil {
		cfg.Sandbox = sandbox.NewDirManager()
	}
	if cfg.ResLim == nil {
		cfg.ResLim = reslim.NewCgroupManager()
	}
	if cfg.Smack == nil {
		cfg.Smack = smack.NewKernelRuler()
	}
	if cfg.Freezer == nil {
		cfg.Freezer = cgroups.NewFreezerFS()
	}
	if cfg.Users == nil {
		cfg.Users = users.SystemDB{}
	}
	if cfg.Spawner == nil {
		cfg.Spawner = &proc.ExecSpawner{}
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.New(cfg.Settings.LedgerPath, logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = proc.RealClock()
	}
	if cfg.RebootFn == nil {
		cfg.RebootFn = systemReboot
	}

	s := &Supervisor{
		tree:       cfg.Tree,
		settings:   cfg.Settings,
		cfgPath:    cfg.ConfigPath,
		apps:       make(map[string]*appObj),
		ledger:     cfg.Ledger,
		bus:        bus,
		logger:     logger,
		rebootFn:   cfg.RebootFn,
		cmdCh:      make(chan func(), 64),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	s.deps = app.Deps{
		Tree:     cfg.Tree,
		AppsRoot: cfg.Settings.AppsRoot,
		Sandbox:  cfg.Sandbox,
		ResLim:   cfg.ResLim,
		Smack:    cfg.Smack,
		Freezer:  cfg.Freezer,
		Users:    cfg.Users,
		Spawner:  cfg.Spawner,
		Ledger:   cfg.Ledger,
		Bus:      bus,
		Logger:   logger,
		Clock:    cfg.Clock,
		After:    s.loopAfter,
	}

	return s
}

// Bus returns the event bus.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// loopAfter is the timer factory handed to applications: the callback is
// deferred onto the event loop so timer expiry never races a handler.
func (s *Supervisor) loopAfter(d time.Duration, fn func()) proc.Timer {
	return time.AfterFunc(d, func() { s.post(fn) })
}

// post enqueues fn onto the event loop. Posts after shutdown are dropped.
func (s *Supervisor) post(fn func()) {
	select {
	case s.cmdCh <- fn:
	case <-s.doneCh:
	}
}

// call runs fn on the event loop and waits for it to finish.
func (s *Supervisor) call(fn func()) {
	done := make(chan struct{})
	s.post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-s.doneCh:
	}
}

// startApp constructs the app on first use, then starts it. Runs on the
// event loop.
func (s *Supervisor) startApp(name string) error {
	ao, registered := s.apps[name]
	if !registered {
		cfgPath := config.Join(appsCfgBase, name)

		txn := s.tree.ReadTxn(cfgPath)
		exists := txn.Exists("")
		txn.Close()
		if !exists {
			return fmt.Errorf("app %s: %w", name, ErrAppNotFound)
		}

		a, err := app.New(s.deps, cfgPath)
		if err != nil {
			return err
		}
		ao = &appObj{app: a}
		s.apps[name] = ao
		s.order = append(s.order, name)
	}

	if err := ao.app.Start(); err != nil {
		if !registered {
			s.unregister(name)
		}
		return err
	}
	return nil
}

// stopApp stops a registered app. Runs on the event loop.
func (s *Supervisor) stopApp(name string) error {
	ao, ok := s.apps[name]
	if !ok {
		return fmt.Errorf("app %s: %w", name, ErrAppNotFound)
	}
	// A stop command cancels any pending fault-driven restart.
	ao.stopHandler = nil
	ao.app.Stop()
	return nil
}

// removeApp deletes a stopped app from the registry. Runs on the event
// loop.
func (s *Supervisor) removeApp(name string) error {
	ao, ok := s.apps[name]
	if !ok {
		return fmt.Errorf("app %s: %w", name, ErrAppNotFound)
	}
	if err := ao.app.Delete(); err != nil {
		return err
	}
	s.unregister(name)
	return nil
}

func (s *Supervisor) unregister(name string) {
	delete(s.apps, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// routeSigchild finds the app owning the exited PID and enacts the fault
// action it returns. Unknown PIDs are ignored.
func (s *Supervisor) routeSigchild(pid int, status syscall.WaitStatus) {
	for _, name := range s.order {
		ao := s.apps[name]

		action, claimed := ao.app.SigChild(pid, status)
		if !claimed {
			continue
		}

		s.enact(ao, action)

		// The app may have finished stopping; run any pending
		// supervisor-level stop handler (fault-driven restart).
		if ao.app.State() == app.Stopped && ao.stopHandler != nil {
			handler := ao.stopHandler
			ao.stopHandler = nil
			handler(ao)
		}
		return
	}

	s.logger.Debug("reaped unknown child", "pid", pid)
}

// enact applies an application fault action.
func (s *Supervisor) enact(ao *appObj, action fault.AppAction) {
	switch action {
	case fault.AppIgnore:
		// Nothing to do.

	case fault.AppRestartApp:
		if ao.app.State() != app.Stopped {
			ao.app.Stop()
		}
		ao.stopHandler = s.restartApp

	case fault.AppStopApp:
		if ao.app.State() != app.Stopped {
			ao.app.Stop()
		}

	case fault.AppReboot:
		s.reboot()
	}
}

// restartApp is the supervisor-level stop handler for RestartApp faults.
func (s *Supervisor) restartApp(ao *appObj) {
	if err := ao.app.Start(); err != nil {
		s.logger.Error("could not restart app after fault", "app", ao.app.Name(), "error", err)
	}
}

// routeWatchdog finds the app owning the PID whose watchdog expired and
// enacts any escalated action. Returns ErrAppNotFound for unknown PIDs.
func (s *Supervisor) routeWatchdog(pid int) error {
	for _, name := range s.order {
		ao := s.apps[name]

		action, found := ao.app.WatchdogExpired(pid)
		if !found {
			continue
		}

		switch action {
		case fault.WatchdogRestartApp:
			if ao.app.State() != app.Stopped {
				ao.app.Stop()
			}
			ao.stopHandler = s.restartApp

		case fault.WatchdogStopApp:
			if ao.app.State() != app.Stopped {
				ao.app.Stop()
			}

		case fault.WatchdogReboot:
			s.reboot()
		}
		return nil
	}

	return fmt.Errorf("watchdog pid %d: %w", pid, ErrAppNotFound)
}

// reboot initiates a system reboot.
func (s *Supervisor) reboot() {
	s.logger.Error("rebooting the system due to an application fault")
	s.bus.Publish(events.Event{Type: events.RebootRequested, Data: map[string]string{}})

	if err := s.rebootFn(); err != nil {
		s.logger.Error("could not reboot the system; shutting down instead", "error", err)
		s.shutdown()
	}
}

func (s *Supervisor) shutdown() {
	if !s.shutting {
		s.shutting = true
		close(s.shutdownCh)
	}
}

// --- external entry points; safe to call from any goroutine ---

// StartApp starts an application by name, constructing it on first use.
func (s *Supervisor) StartApp(name string) error {
	var err error
	s.call(func() { err = s.startApp(name) })
	return err
}

// StopApp stops an application by name. The stop is asynchronous.
func (s *Supervisor) StopApp(name string) error {
	var err error
	s.call(func() { err = s.stopApp(name) })
	return err
}

// RemoveApp deletes a stopped application from the registry.
func (s *Supervisor) RemoveApp(name string) error {
	var err error
	s.call(func() { err = s.removeApp(name) })
	return err
}

// WatchdogExpired reports a watchdog timeout for a PID. Called by the
// watchdog daemon's IPC surface.
func (s *Supervisor) WatchdogExpired(pid int) error {
	var err error
	s.call(func() { err = s.routeWatchdog(pid) })
	return err
}

// Shutdown triggers a graceful daemon shutdown.
func (s *Supervisor) Shutdown() {
	s.post(func() { s.shutdown() })
}

// Done returns a channel that closes when the run loop has finished.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }

// List returns info for all registered applications, in registration
// order.
func (s *Supervisor) List() []api.AppInfo {
	var infos []api.AppInfo
	s.call(func() {
		for _, name := range s.order {
			infos = append(infos, s.appInfo(s.apps[name]))
		}
	})
	return infos
}

// Get returns info for a single application.
func (s *Supervisor) Get(name string) (api.AppInfo, error) {
	var info api.AppInfo
	var err error
	s.call(func() {
		ao, ok := s.apps[name]
		if !ok {
			err = fmt.Errorf("app %s: %w", name, ErrAppNotFound)
			return
		}
		info = s.appInfo(ao)
	})
	return info, err
}

// Start implements api.Controller.
func (s *Supervisor) Start(name string) error { return s.StartApp(name) }

// Stop implements api.Controller.
func (s *Supervisor) Stop(name string) error { return s.StopApp(name) }

// Remove implements api.Controller.
func (s *Supervisor) Remove(name string) error { return s.RemoveApp(name) }

// Version implements api.Controller.
func (s *Supervisor) Version() map[string]string {
	return map[string]string{
		"version": version.Version,
		"commit":  version.Commit,
	}
}

func (s *Supervisor) appInfo(ao *appObj) api.AppInfo {
	a := ao.app
	info := api.AppInfo{
		Name:        a.Name(),
		State:       a.State().String(),
		Sandboxed:   a.IsSandboxed(),
		UID:         a.UID(),
		GID:         a.GID(),
		InstallPath: a.InstallPath(),
		SandboxPath: a.SandboxPath(),
	}
	for _, procName := range a.ProcNames() {
		info.Procs = append(info.Procs, api.ProcInfo{
			Name:  procName,
			State: a.ProcState(procName).String(),
		})
	}
	return info
}
