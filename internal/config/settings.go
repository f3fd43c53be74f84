package config

import (
	"fmt"
	"strings"
)

// Settings holds the daemon's own configuration from the [warden] table.
// Application configuration lives in the tree, not here.
type Settings struct {
	Socket       string `toml:"socket"`        // control API unix socket path
	SocketMode   string `toml:"socket_mode"`   // octal file mode for the socket
	PIDFile      string `toml:"pid_file"`      // daemon PID file; empty disables
	LogLevel     string `toml:"log_level"`     // debug, info, warn, error
	LogFormat    string `toml:"log_format"`    // json or text
	AppsRoot     string `toml:"apps_root"`     // where applications are installed
	LedgerPath   string `toml:"ledger_path"`   // reboot fault record file
	Metrics      bool   `toml:"metrics"`       // expose /metrics on the control API
	AuthUser     string `toml:"auth_user"`     // optional basic auth user
	AuthPassword string `toml:"auth_password"` // bcrypt hash of the password
	ShutdownSecs int    `toml:"shutdown_secs"` // grace period for daemon shutdown
}

// Defaults applied when the corresponding [warden] key is absent.
const (
	DefaultSocket     = "/var/run/warden.sock"
	DefaultAppsRoot   = "/opt/warden/apps"
	DefaultLedgerPath = "/opt/warden/appRebootFault"
)

// ApplyDefaults fills in zero-valued settings.
func ApplyDefaults(s *Settings) {
	if s.Socket == "" {
		s.Socket = DefaultSocket
	}
	if s.SocketMode == "" {
		s.SocketMode = "0600"
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.LogFormat == "" {
		s.LogFormat = "json"
	}
	if s.AppsRoot == "" {
		s.AppsRoot = DefaultAppsRoot
	}
	if s.LedgerPath == "" {
		s.LedgerPath = DefaultLedgerPath
	}
	if s.ShutdownSecs == 0 {
		s.ShutdownSecs = 10
	}
}

// Validate checks settings for inconsistencies.
func Validate(s *Settings) []error {
	var errs []error

	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", s.LogLevel))
	}

	switch strings.ToLower(s.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not one of json, text", s.LogFormat))
	}

	for _, c := range s.SocketMode {
		if c < '0' || c > '7' {
			errs = append(errs, fmt.Errorf("socket_mode %q is not an octal mode", s.SocketMode))
			break
		}
	}

	if s.AuthPassword != "" && s.AuthUser == "" {
		errs = append(errs, fmt.Errorf("auth_password set without auth_user"))
	}

	return errs
}
