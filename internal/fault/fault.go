// Package fault defines the fault and watchdog remediation actions the
// supervisor can take when a managed process dies or misses its watchdog
// deadline, and the mapping from their config-tree string values.
package fault

import "fmt"

// ProcAction is the remediation configured for a single process fault.
type ProcAction int

const (
	ProcNoFault    ProcAction = iota // exit was deliberate or clean
	ProcIgnore                       // log the fault, take no action
	ProcRestart                      // restart the process
	ProcRestartApp                   // restart the whole application
	ProcStopApp                      // stop the whole application
	ProcReboot                       // reboot the system
)

var procActionNames = [...]string{
	"NO_FAULT", "IGNORE", "RESTART", "RESTART_APP", "STOP_APP", "REBOOT",
}

func (a ProcAction) String() string {
	if int(a) < len(procActionNames) {
		return procActionNames[a]
	}
	return fmt.Sprintf("UNKNOWN(%d)", a)
}

// AppAction is what an application hands back to the supervisor after
// handling a process exit. The supervisor enacts it; the application does
// not restart or stop itself for app-level actions.
type AppAction int

const (
	AppIgnore AppAction = iota
	AppRestartApp
	AppStopApp
	AppReboot
)

var appActionNames = [...]string{"IGNORE", "RESTART_APP", "STOP_APP", "REBOOT"}

func (a AppAction) String() string {
	if int(a) < len(appActionNames) {
		return appActionNames[a]
	}
	return fmt.Sprintf("UNKNOWN(%d)", a)
}

// WatchdogAction is the remediation for a watchdog timeout. NotFound and
// Error are sentinel results of the config lookup; Handled reports that the
// application dealt with the timeout itself.
type WatchdogAction int

const (
	WatchdogNotFound WatchdogAction = iota // no action configured
	WatchdogIgnore
	WatchdogStop
	WatchdogRestart
	WatchdogRestartApp
	WatchdogStopApp
	WatchdogReboot
	WatchdogError   // the configured value could not be read or is unknown
	WatchdogHandled // already dealt with, no further action required
)

var watchdogActionNames = [...]string{
	"NOT_FOUND", "IGNORE", "STOP", "RESTART", "RESTART_APP", "STOP_APP",
	"REBOOT", "ERROR", "HANDLED",
}

func (a WatchdogAction) String() string {
	if int(a) < len(watchdogActionNames) {
		return watchdogActionNames[a]
	}
	return fmt.Sprintf("UNKNOWN(%d)", a)
}

// Config-tree string values for fault and watchdog actions.
const (
	ignoreStr     = "ignore"
	restartStr    = "restart"
	restartAppStr = "restartApp"
	stopStr       = "stop"
	stopAppStr    = "stopApp"
	rebootStr     = "reboot"
)

// ProcActionFromString maps a faultAction config value to a ProcAction.
// An unrecognized or empty value maps to ProcIgnore with ok=false so the
// caller can log it.
func ProcActionFromString(s string) (ProcAction, bool) {
	switch s {
	case ignoreStr:
		return ProcIgnore, true
	case restartStr:
		return ProcRestart, true
	case restartAppStr:
		return ProcRestartApp, true
	case stopAppStr:
		return ProcStopApp, true
	case rebootStr:
		return ProcReboot, true
	}
	return ProcIgnore, false
}

// WatchdogActionFromString maps a watchdogAction config value to a
// WatchdogAction. An empty value maps to WatchdogNotFound; an unrecognized
// one maps to WatchdogError.
func WatchdogActionFromString(s string) WatchdogAction {
	switch s {
	case "":
		return WatchdogNotFound
	case ignoreStr:
		return WatchdogIgnore
	case stopStr:
		return WatchdogStop
	case restartStr:
		return WatchdogRestart
	case restartAppStr:
		return WatchdogRestartApp
	case stopAppStr:
		return WatchdogStopApp
	case rebootStr:
		return WatchdogReboot
	}
	return WatchdogError
}
