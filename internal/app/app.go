// Package app implements the application class the supervisor
// creates/starts/stops. An application is a named bundle of processes with
// a common identity, sandbox, and configuration; this package owns the
// two-level lifecycle state machine, the two-phase termination protocol,
// and the fault-limit accounting.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"syscall"
	"time"

	"github.com/wardend/warden/internal/cgroups"
	"github.com/wardend/warden/internal/config"
	"github.com/wardend/warden/internal/events"
	"github.com/wardend/warden/internal/ledger"
	"github.com/wardend/warden/internal/proc"
	"github.com/wardend/warden/internal/reslim"
	"github.com/wardend/warden/internal/sandbox"
	"github.com/wardend/warden/internal/smack"
	"github.com/wardend/warden/internal/users"
)

// Config node names under an application's config path.
const (
	cfgNodeSandboxed      = "sandboxed"
	cfgNodeGroups         = "groups"
	cfgNodeProcs          = "procs"
	cfgNodeBindings       = "bindings"
	cfgNodeWatchdogAction = "watchdogAction"
)

// KillTimeout is the grace period between the soft and hard kill.
const KillTimeout = 300 * time.Millisecond

// RestartFaultWindow is the interval within which a second Restart or
// RestartApp fault reaches the fault limit.
const RestartFaultWindow = 10 * time.Second

// MaxSupplementaryGroups caps an app's supplementary group list.
const MaxSupplementaryGroups = 32

// freezePollLimit bounds the freeze-confirmation spin in the kill path.
const freezePollLimit = 1000

// Sentinel errors for lifecycle operations.
var (
	ErrAlreadyRunning = errors.New("application is already running")
	ErrNotStopped     = errors.New("application is not stopped")
	ErrTooManyGroups  = errors.New("too many supplementary groups")
)

// State is an application's lifecycle state. There is no intermediate
// stopping state: an app is Running until all of its monitored processes
// have been reaped.
type State int

const (
	Stopped State = iota
	Running
)

var stateNames = [...]string{"STOPPED", "RUNNING"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// ProcState is an application's view of one of its processes.
type ProcState int

const (
	ProcStopped ProcState = iota
	ProcRunning
	ProcPaused
)

var procStateNames = [...]string{"STOPPED", "RUNNING", "PAUSED"}

func (s ProcState) String() string {
	if int(s) < len(procStateNames) {
		return procStateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// procObj pairs a launcher process record with the app-side stop handler
// slot. The stop handler is set only by the watchdog path and is invoked
// when the process next stops without fault.
type procObj struct {
	proc        *proc.Proc
	stopHandler func() error
}

// Deps bundles the collaborators an application drives. All fields are
// required except Bus, Clock and After; New defaults a nil Clock to the
// real clock and a nil After to time.AfterFunc.
type Deps struct {
	Tree     *config.Tree
	AppsRoot string
	Sandbox  sandbox.Manager
	ResLim   reslim.Manager
	Smack    smack.Ruler
	Freezer  cgroups.Freezer
	Users    users.DB
	Spawner  proc.Spawner
	Ledger   *ledger.Ledger
	Bus      *events.Bus
	Logger   *slog.Logger
	Clock    proc.Clock
	After    proc.AfterFunc
}

// App is one application: its identity, its sandbox, and its processes.
type App struct {
	name    string
	cfgPath string

	sandboxed      bool
	installPath    string
	sandboxPath    string
	uid            uint32
	gid            uint32
	supplementGids []uint32

	state State
	procs []*procObj

	killTimer      proc.Timer
	killTimerArmed bool

	deps   Deps
	logger *slog.Logger
}

// New creates an application object from its path in the config tree. The
// application name is the basename of the path. Any failure abandons
// construction; no partial state is retained.
func New(deps Deps, cfgPath string) (*App, error) {
	name := config.Basename(cfgPath)
	if name == "" {
		return nil, fmt.Errorf("app config path %q has no name", cfgPath)
	}

	a := &App{
		name:    name,
		cfgPath: config.Join(cfgPath),
		state:   Stopped,
		deps:    deps,
		logger:  deps.Logger.With("app", name),
	}
	if a.deps.Clock == nil {
		a.deps.Clock = proc.RealClock()
	}
	if a.deps.After == nil {
		a.deps.After = proc.StdAfter
	}

	txn := deps.Tree.ReadTxn(a.cfgPath)
	defer txn.Close()

	a.sandboxed = txn.GetBool(cfgNodeSandboxed, true)

	if err := a.resolveIdentity(txn); err != nil {
		return nil, err
	}

	a.installPath = filepath.Join(deps.AppsRoot, name)

	if a.sandboxed {
		path, err := deps.Sandbox.GetPath(name)
		if err != nil {
			return nil, fmt.Errorf("app %s: %w", name, err)
		}
		a.sandboxPath = path
	}

	for _, child := range txn.Children(cfgNodeProcs) {
		p, err := proc.New(deps.Tree, child.Path(), name, deps.Spawner, a.deps.Clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app %s: %w", name, err)
		}
		a.procs = append(a.procs, &procObj{proc: p})
	}

	return a, nil
}

// resolveIdentity sets the app's uid, primary gid, and supplementary
// groups. Sandboxed apps get a dedicated user and the groups listed under
// the groups config node; unsandboxed apps run as root with no
// supplementary groups.
func (a *App) resolveIdentity(txn *config.Txn) error {
	if !a.sandboxed {
		a.uid = 0
		a.gid = 0
		return nil
	}

	username, err := users.AppUserName(a.name)
	if err != nil {
		return fmt.Errorf("app %s: %w", a.name, err)
	}

	uid, gid, err := a.deps.Users.IDs(username)
	if err != nil {
		return fmt.Errorf("app %s: %w", a.name, err)
	}
	a.uid = uid
	a.gid = gid

	for _, child := range txn.Children(cfgNodeGroups) {
		if len(a.supplementGids) >= MaxSupplementaryGroups {
			return fmt.Errorf("app %s: %w", a.name, ErrTooManyGroups)
		}
		groupGid, err := a.deps.Users.CreateGroup(child.NodeName())
		if err != nil {
			return fmt.Errorf("app %s: cannot create group %s: %w", a.name, child.NodeName(), err)
		}
		a.supplementGids = append(a.supplementGids, groupGid)
	}

	return nil
}

// Start starts every process of the application, in config order. Fails
// if the app is already running. A per-process launch failure stops the
// app again and reports the failure.
func (a *App) Start() error {
	if a.state == Running {
		a.logger.Error("already running")
		return fmt.Errorf("app %s: %w", a.name, ErrAlreadyRunning)
	}

	if a.sandboxed {
		if err := a.deps.Sandbox.Setup(a.sandboxInfo()); err != nil {
			a.logger.Error("could not create sandbox", "error", err)
			return fmt.Errorf("app %s: %w", a.name, err)
		}
	}

	if err := a.deps.ResLim.Apply(a.reslimInfo()); err != nil {
		a.logger.Error("could not set resource limits", "error", err)
		return fmt.Errorf("app %s: %w", a.name, err)
	}

	if err := a.installSmackRules(); err != nil {
		a.logger.Error("could not install smack rules", "error", err)
		return fmt.Errorf("app %s: %w", a.name, err)
	}

	for _, po := range a.procs {
		if err := a.launchProc(po); err != nil {
			a.logger.Error("could not start all processes; stopping the application", "error", err)
			// Partially started; drive the normal stop path.
			a.state = Running
			a.Stop()
			return fmt.Errorf("app %s: launch failed: %w", a.name, err)
		}
	}

	a.state = Running
	a.publish(events.AppStateRunning, nil)

	return nil
}

// launchProc starts one process with the appropriate entrypoint.
func (a *App) launchProc(po *procObj) error {
	if a.sandboxed {
		return po.proc.StartSandboxed("/", a.uid, a.gid, a.supplementGids, a.sandboxPath)
	}
	return po.proc.Start(a.installPath)
}

// Stop stops the application. The call is asynchronous: it returns
// immediately, and the app transitions to Stopped when all of its
// processes have been reaped. A soft kill is issued first; if processes
// survive the grace period the kill timer escalates to a hard kill.
func (a *App) Stop() {
	if a.state == Stopped {
		a.logger.Warn("already stopped")
		return
	}

	if err := a.killProcs(syscall.SIGTERM); err != nil {
		// Nothing to kill; go straight to cleanup.
		a.toStopped()
		return
	}

	if !a.killTimerArmed {
		a.killTimerArmed = true
		a.killTimer = a.deps.After(KillTimeout, a.hardKill)
	}
}

// hardKill runs on kill timer expiry and repeats the kill with SIGKILL.
func (a *App) hardKill() {
	a.killTimerArmed = false

	if a.state == Stopped {
		return
	}

	a.logger.Warn("hard killing app")

	if err := a.killProcs(syscall.SIGKILL); err != nil {
		// Processes exited between the soft kill and now; their exit
		// events finish the transition.
		a.logger.Debug("no processes left to hard kill")
	}
}

// errNothingToKill reports a group signal that found no processes.
var errNothingToKill = errors.New("no processes to kill")

// killProcs performs one phase of the two-phase termination: freeze the
// group, mark live processes as deliberately stopped, signal the whole
// group, thaw. Freezer faults are logged and the sequence continues.
func (a *App) killProcs(sig syscall.Signal) error {
	if err := a.deps.Freezer.Freeze(a.name); err != nil {
		a.logger.Error("could not freeze processes", "error", err)
	} else {
		a.waitFrozen()
	}

	// Tell the process objects we are about to kill them.
	for _, po := range a.procs {
		if po.proc.State() != proc.Stopped {
			po.stopHandler = nil
			po.proc.Stopping()
		}
	}

	count, err := a.deps.Freezer.SendSignal(a.name, sig)
	if err != nil {
		a.logger.Error("could not signal processes", "error", err)
		return errNothingToKill
	}
	if count == 0 {
		return errNothingToKill
	}

	// Thaw so processes can run and observe the signal.
	if err := a.deps.Freezer.Thaw(a.name); err != nil {
		a.logger.Error("could not thaw processes", "error", err)
	}

	return nil
}

// waitFrozen spins until the freezer confirms the group is frozen. The
// spin is bounded; a fault or timeout is logged and the kill proceeds.
func (a *App) waitFrozen() {
	for i := 0; i < freezePollLimit; i++ {
		switch a.deps.Freezer.State(a.name) {
		case cgroups.Frozen:
			a.logger.Debug("frozen")
			return
		case cgroups.Fault:
			a.logger.Error("could not get freeze state")
			return
		}
	}
	a.logger.Error("timed out waiting for freeze")
}

// toStopped finishes the transition to Stopped: cancel the kill timer,
// clean up, flip the state.
func (a *App) toStopped() {
	if a.killTimerArmed {
		a.killTimer.Stop()
		a.killTimerArmed = false
	}

	a.logger.Info("app stopped")
	a.cleanup()
	a.state = Stopped
	a.publish(events.AppStateStopped, nil)
}

// cleanup releases everything Start acquired so a subsequent Start
// re-reads config: SMACK rules, the sandbox, resource limits. Runs on
// every transition to Stopped; errors are logged, never raised.
func (a *App) cleanup() {
	if err := a.deps.Smack.RevokeSubject(smack.Label(a.name)); err != nil {
		a.logger.Error("could not revoke smack rules", "error", err)
	}

	if a.sandboxed {
		if err := a.deps.Sandbox.Remove(a.sandboxInfo()); err != nil {
			a.logger.Error("could not remove sandbox", "error", err)
		}
	}

	if err := a.deps.ResLim.Clear(a.reslimInfo()); err != nil {
		a.logger.Error("could not clear resource limits", "error", err)
	}
}

// Delete frees the application. The app must be stopped.
func (a *App) Delete() error {
	if a.state != Stopped {
		return fmt.Errorf("app %s: %w", a.name, ErrNotStopped)
	}
	if a.killTimerArmed {
		a.killTimer.Stop()
		a.killTimerArmed = false
	}
	a.procs = nil
	return nil
}

// State returns the application's lifecycle state.
func (a *App) State() State { return a.state }

// ProcState returns the app's view of one process. A stopped app reports
// every process stopped.
func (a *App) ProcState(procName string) ProcState {
	if a.state != Running {
		return ProcStopped
	}
	for _, po := range a.procs {
		if po.proc.Name() != procName {
			continue
		}
		switch po.proc.State() {
		case proc.Running:
			return ProcRunning
		case proc.Paused:
			return ProcPaused
		}
		return ProcStopped
	}
	return ProcStopped
}

// ProcNames returns the names of the app's processes in config order.
func (a *App) ProcNames() []string {
	names := make([]string, 0, len(a.procs))
	for _, po := range a.procs {
		names = append(names, po.proc.Name())
	}
	return names
}

// Name returns the application's name.
func (a *App) Name() string { return a.name }

// UID returns the application's user ID.
func (a *App) UID() uint32 { return a.uid }

// GID returns the application's primary group ID.
func (a *App) GID() uint32 { return a.gid }

// SupplementaryGids returns the app's supplementary group IDs.
func (a *App) SupplementaryGids() []uint32 { return a.supplementGids }

// IsSandboxed reports whether the app runs sandboxed.
func (a *App) IsSandboxed() bool { return a.sandboxed }

// InstallPath returns the app's install directory.
func (a *App) InstallPath() string { return a.installPath }

// SandboxPath returns the app's sandbox root, empty for unsandboxed apps.
func (a *App) SandboxPath() string { return a.sandboxPath }

// ConfigPath returns the app's path in the config tree.
func (a *App) ConfigPath() string { return a.cfgPath }

func (a *App) sandboxInfo() sandbox.AppInfo {
	return sandbox.AppInfo{
		Name:        a.name,
		InstallPath: a.installPath,
		SandboxPath: a.sandboxPath,
		UID:         a.uid,
		GID:         a.gid,
	}
}

func (a *App) reslimInfo() reslim.AppInfo {
	return reslim.AppInfo{Name: a.name, CfgPath: a.cfgPath}
}

func (a *App) publish(t events.EventType, data map[string]string) {
	if a.deps.Bus == nil {
		return
	}
	if data == nil {
		data = make(map[string]string)
	}
	data["app"] = a.name
	data["state"] = a.state.String()
	a.deps.Bus.Publish(events.Event{Type: t, Data: data})
}
