// Package proc implements the low-level per-process launcher: it builds
// the child's command line and identity from the config tree, forks and
// execs through a Spawner, and classifies exits against the process's
// configured fault policy.
package proc

import (
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/wardend/warden/internal/config"
	"github.com/wardend/warden/internal/fault"
)

// Config node names under a process's config path.
const (
	cfgNodeArgs           = "args"
	cfgNodeEnvVars        = "envVars"
	cfgNodeFaultAction    = "faultAction"
	cfgNodeWatchdogAction = "watchdogAction"
)

// MaxActionLen bounds fault and watchdog action strings.
const MaxActionLen = 32

// MaxArgLen bounds a single command-line argument.
const MaxArgLen = 512

// State is the launcher's view of a process.
type State int

const (
	Stopped State = iota
	Running
	Paused
)

var stateNames = [...]string{"STOPPED", "RUNNING", "PAUSED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// Proc is the launcher-side record of one monitored process.
type Proc struct {
	name    string
	appName string
	cfgPath string

	tree    *config.Tree
	spawner Spawner
	clock   Clock
	logger  *slog.Logger

	spawned   SpawnedProcess
	pid       int
	paused    bool
	cmdKill   bool // true if the process was killed deliberately
	faultTime time.Time
}

// New creates a process record from its config path. The process name is
// the basename of the path.
func New(tree *config.Tree, cfgPath, appName string, spawner Spawner, clock Clock, logger *slog.Logger) (*Proc, error) {
	name := config.Basename(cfgPath)
	if name == "" {
		return nil, fmt.Errorf("process config path %q has no name", cfgPath)
	}

	return &Proc{
		name:    name,
		appName: appName,
		cfgPath: cfgPath,
		tree:    tree,
		spawner: spawner,
		clock:   clock,
		logger:  logger.With("process", name),
		pid:     -1,
	}, nil
}

// Name returns the process name.
func (p *Proc) Name() string { return p.name }

// AppName returns the name of the owning application.
func (p *Proc) AppName() string { return p.appName }

// ConfigPath returns the process's path in the config tree.
func (p *Proc) ConfigPath() string { return p.cfgPath }

// Pid returns the current PID, or -1 if not running.
func (p *Proc) Pid() int { return p.pid }

// FaultTime returns the time of the last fault, zero if none.
func (p *Proc) FaultTime() time.Time { return p.faultTime }

// State returns the launcher's view of the process.
func (p *Proc) State() State {
	switch {
	case p.pid <= 0:
		return Stopped
	case p.paused:
		return Paused
	}
	return Running
}

// Start launches the process unsandboxed with the app's install directory
// as its working directory.
func (p *Proc) Start(installPath string) error {
	return p.start(SpawnConfig{Dir: installPath})
}

// StartSandboxed launches the process chrooted into the sandbox with the
// app's identity.
func (p *Proc) StartSandboxed(root string, uid, gid uint32, supplementGids []uint32, sandboxPath string) error {
	return p.start(SpawnConfig{
		Dir: root,
		SysProcAttr: &syscall.SysProcAttr{
			Chroot: sandboxPath,
			Credential: &syscall.Credential{
				Uid:    uid,
				Gid:    gid,
				Groups: supplementGids,
			},
		},
	})
}

func (p *Proc) start(cfg SpawnConfig) error {
	if p.State() != Stopped {
		return fmt.Errorf("process %s is already running", p.name)
	}

	args, err := p.readArgs()
	if err != nil {
		return err
	}
	cfg.Command = args[0]
	cfg.Args = args[1:]
	cfg.Env = p.readEnv()

	spawned, err := p.spawner.Spawn(cfg)
	if err != nil {
		return fmt.Errorf("cannot start process %s: %w", p.name, err)
	}

	p.spawned = spawned
	p.pid = spawned.Pid()
	p.paused = false
	p.logger.Info("started", "pid", p.pid)

	return nil
}

// readArgs reads the command line from the config, in config order. The
// first argument is the executable.
func (p *Proc) readArgs() ([]string, error) {
	txn := p.tree.ReadTxn(p.cfgPath)
	defer txn.Close()

	var args []string
	for _, child := range txn.Children(cfgNodeArgs) {
		arg, err := child.GetString("", MaxArgLen, "")
		if err != nil {
			return nil, fmt.Errorf("argument for process %s too long: %w", p.name, err)
		}
		args = append(args, arg)
	}

	if len(args) == 0 || args[0] == "" {
		return nil, fmt.Errorf("process %s has no executable configured", p.name)
	}
	return args, nil
}

func (p *Proc) readEnv() []string {
	txn := p.tree.ReadTxn(p.cfgPath)
	defer txn.Close()

	env := []string{"PATH=/usr/local/bin:/usr/bin:/bin"}
	for _, child := range txn.Children(cfgNodeEnvVars) {
		val, err := child.GetString("", MaxArgLen, "")
		if err != nil {
			p.logger.Warn("environment variable too long", "name", child.NodeName())
			continue
		}
		env = append(env, child.NodeName()+"="+val)
	}
	return env
}

// Stopping marks the process as deliberately killed so that its next exit
// is classified as NoFault.
func (p *Proc) Stopping() { p.cmdKill = true }

// Kill sends a signal directly to the process.
func (p *Proc) Kill(sig syscall.Signal) error {
	if p.spawned == nil {
		return fmt.Errorf("process %s is not running", p.name)
	}
	return p.spawned.Signal(sig)
}

// SigChild classifies a wait status for this process and returns the
// configured fault action. Stop/continue notifications toggle the paused
// flag and are never faults. A faulty exit stamps the fault time.
func (p *Proc) SigChild(status syscall.WaitStatus) fault.ProcAction {
	switch {
	case status.Stopped():
		p.paused = true
		p.logger.Info("paused", "pid", p.pid)
		return fault.ProcNoFault

	case status.Continued():
		p.paused = false
		p.logger.Info("continued", "pid", p.pid)
		return fault.ProcNoFault
	}

	// The process died.
	action := fault.ProcNoFault

	switch {
	case status.Exited():
		p.logger.Info("exited", "pid", p.pid, "exit_code", status.ExitStatus())
		if status.ExitStatus() != 0 {
			action = p.faultAction()
		} else {
			// A clean exit still consumes a pending deliberate-kill mark.
			p.cmdKill = false
		}

	case status.Signaled():
		p.logger.Info("exited on signal", "pid", p.pid, "signal", int(status.Signal()))
		action = p.faultAction()
	}

	p.spawned = nil
	p.pid = -1
	p.paused = false

	return action
}

// faultAction resolves the fault action for a faulty exit. A deliberate
// kill is not a fault. Otherwise the fault time is recorded and the
// configured faultAction node decides; missing or unknown values mean
// ignore.
func (p *Proc) faultAction() fault.ProcAction {
	if p.cmdKill {
		// Reset so faults are caught again after a restart.
		p.cmdKill = false
		return fault.ProcNoFault
	}

	p.faultTime = p.clock.Now()

	txn := p.tree.ReadTxn(p.cfgPath)
	defer txn.Close()

	actionStr, err := txn.GetString(cfgNodeFaultAction, MaxActionLen, "")
	if err != nil {
		p.logger.Error("fault action string too long; assuming ignore")
		return fault.ProcIgnore
	}
	if actionStr == "" {
		return fault.ProcIgnore
	}

	action, ok := fault.ProcActionFromString(actionStr)
	if !ok {
		p.logger.Warn("unrecognized fault action; assuming ignore", "value", actionStr)
	}
	return action
}

// WatchdogAction reads the process's configured watchdog action. Returns
// WatchdogNotFound when unconfigured and WatchdogError when unreadable or
// unknown.
func (p *Proc) WatchdogAction() fault.WatchdogAction {
	txn := p.tree.ReadTxn(p.cfgPath)
	defer txn.Close()

	actionStr, err := txn.GetString(cfgNodeWatchdogAction, MaxActionLen, "")
	if err != nil {
		p.logger.Error("watchdog action string too long")
		return fault.WatchdogError
	}

	action := fault.WatchdogActionFromString(actionStr)
	if action == fault.WatchdogError {
		p.logger.Warn("unrecognized watchdog action", "value", actionStr)
	}
	return action
}
