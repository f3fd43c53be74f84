package app

import (
	"syscall"
	"time"

	"github.com/wardend/warden/internal/events"
	"github.com/wardend/warden/internal/fault"
	"github.com/wardend/warden/internal/proc"
)

// SigChild handles the exit of a child process belonging to this app. It
// returns the fault action the supervisor must enact and whether the PID
// belonged to this app. The handler never fails; internal errors are
// logged and folded into the returned action.
func (a *App) SigChild(pid int, status syscall.WaitStatus) (fault.AppAction, bool) {
	action := fault.AppIgnore

	po := a.findByPid(pid)
	if po != nil {
		action = a.handleExit(po, status)
	}

	// The exit may have emptied the app's process group; if so the stop
	// transition completes here.
	if a.state == Running && a.deps.Freezer.IsEmpty(a.name) {
		a.toStopped()
	}

	return action, po != nil
}

func (a *App) handleExit(po *procObj, status syscall.WaitStatus) fault.AppAction {
	p := po.proc

	// Remember the previous fault time before classification updates it.
	prevFaultTime := p.FaultTime()

	procAction := p.SigChild(status)

	if a.reachedFaultLimit(p, procAction, prevFaultTime) {
		a.logger.Error("fault limit reached; stopping the application instead of the configured fault action",
			"process", p.Name(), "action", procAction.String())
		a.publish(events.FaultLimitReached, map[string]string{"process": p.Name()})
		return fault.AppStopApp
	}

	switch procAction {
	case fault.ProcNoFault:
		// Deliberate kill, pause, or resume. The watchdog may have left a
		// stop handler to relaunch the process.
		if po.stopHandler != nil {
			handler := po.stopHandler
			po.stopHandler = nil
			if err := handler(); err != nil {
				a.logger.Error("could not restart process after watchdog stop",
					"process", p.Name(), "error", err)
				return fault.AppStopApp
			}
		}

	case fault.ProcIgnore:
		a.logger.Error("process faulted and will be ignored per its fault policy", "process", p.Name())
		a.publishFault(p, procAction)

	case fault.ProcRestart:
		a.logger.Error("process faulted and will be restarted per its fault policy", "process", p.Name())
		a.publishFault(p, procAction)
		if err := a.launchProc(po); err != nil {
			a.logger.Error("could not restart process", "process", p.Name(), "error", err)
			return fault.AppStopApp
		}

	case fault.ProcRestartApp:
		a.logger.Error("process faulted and the app will be restarted per its fault policy", "process", p.Name())
		a.publishFault(p, procAction)
		return fault.AppRestartApp

	case fault.ProcStopApp:
		a.logger.Error("process faulted and the app will be stopped per its fault policy", "process", p.Name())
		a.publishFault(p, procAction)
		return fault.AppStopApp

	case fault.ProcReboot:
		a.logger.Error("process faulted and the system will be rebooted per its fault policy", "process", p.Name())
		a.publishFault(p, procAction)
		// Write the record first so recovery after the reboot observes it.
		if err := a.deps.Ledger.Write(a.name, p.Name()); err != nil {
			a.logger.Error("could not write reboot fault record; the reboot fault limit will not be enforced correctly",
				"error", err)
		}
		return fault.AppReboot
	}

	return fault.AppIgnore
}

// reachedFaultLimit reports whether the process has faulted too often.
// Restart-class actions are limited to one fault per window; reboot-class
// actions are limited by the persistent reboot fault record.
func (a *App) reachedFaultLimit(p *proc.Proc, action fault.ProcAction, prevFaultTime time.Time) bool {
	switch action {
	case fault.ProcRestart, fault.ProcRestartApp:
		now := p.FaultTime()
		return !now.IsZero() && now.Sub(prevFaultTime) <= RestartFaultWindow

	case fault.ProcReboot:
		return a.deps.Ledger.IsFor(a.name, p.Name())
	}
	return false
}

// WatchdogExpired handles a watchdog timeout for the process with the
// given PID. The returned action is either Handled (the app dealt with
// it) or an app-level action for the supervisor; found reports whether
// the PID belongs to this app.
func (a *App) WatchdogExpired(pid int) (action fault.WatchdogAction, found bool) {
	po := a.findByPid(pid)
	if po == nil {
		return fault.WatchdogNotFound, false
	}
	p := po.proc

	wdAction := p.WatchdogAction()

	// No per-process policy; give ourselves a second chance at app level.
	if wdAction == fault.WatchdogNotFound || wdAction == fault.WatchdogError {
		wdAction = a.appWatchdogAction()
	}

	a.publish(events.ProcWatchdogTimeout, map[string]string{
		"process": p.Name(),
		"action":  wdAction.String(),
	})

	switch wdAction {
	case fault.WatchdogNotFound:
		a.logger.Error("watchdog timed out but there is no policy; restarting the process by default",
			"process", p.Name())
		po.stopHandler = func() error { return a.launchProc(po) }
		a.stopProc(po)
		return fault.WatchdogHandled, true

	case fault.WatchdogIgnore:
		a.logger.Error("watchdog timed out and will be ignored per its timeout policy", "process", p.Name())
		return fault.WatchdogHandled, true

	case fault.WatchdogStop:
		a.logger.Error("watchdog timed out and the process will be terminated per its timeout policy",
			"process", p.Name())
		a.stopProc(po)
		return fault.WatchdogHandled, true

	case fault.WatchdogRestart:
		a.logger.Error("watchdog timed out and the process will be restarted per its timeout policy",
			"process", p.Name())
		po.stopHandler = func() error { return a.launchProc(po) }
		a.stopProc(po)
		return fault.WatchdogHandled, true

	case fault.WatchdogRestartApp, fault.WatchdogStopApp, fault.WatchdogReboot:
		a.logger.Error("watchdog timed out; escalating per its timeout policy",
			"process", p.Name(), "action", wdAction.String())
		return wdAction, true
	}

	a.logger.Error("could not determine watchdog action", "process", p.Name())
	return fault.WatchdogHandled, true
}

// appWatchdogAction reads the app-level watchdogAction config key.
func (a *App) appWatchdogAction() fault.WatchdogAction {
	txn := a.deps.Tree.ReadTxn(a.cfgPath)
	defer txn.Close()

	actionStr, err := txn.GetString(cfgNodeWatchdogAction, proc.MaxActionLen, "")
	if err != nil {
		a.logger.Error("app watchdog action string too long")
		return fault.WatchdogError
	}
	if actionStr == "" {
		return fault.WatchdogNotFound
	}

	action := fault.WatchdogActionFromString(actionStr)
	if action == fault.WatchdogError {
		a.logger.Warn("unrecognized app watchdog action", "value", actionStr)
	}
	return action
}

// stopProc marks one process as deliberately stopped and kills it hard.
func (a *App) stopProc(po *procObj) {
	po.proc.Stopping()
	if err := po.proc.Kill(syscall.SIGKILL); err != nil {
		a.logger.Error("could not kill process", "process", po.proc.Name(), "error", err)
	}
}

func (a *App) findByPid(pid int) *procObj {
	for _, po := range a.procs {
		if po.proc.Pid() == pid {
			return po
		}
	}
	return nil
}

func (a *App) publishFault(p *proc.Proc, action fault.ProcAction) {
	a.publish(events.ProcFault, map[string]string{
		"process": p.Name(),
		"action":  action.String(),
	})
}
