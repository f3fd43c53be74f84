//go:build !linux

package supervisor

import "errors"

func systemReboot() error {
	return errors.New("system reboot is not supported on this platform")
}
