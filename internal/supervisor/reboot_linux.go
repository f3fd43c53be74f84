//go:build linux

package supervisor

import "syscall"

// systemReboot reboots the machine. Filesystems are synced first.
func systemReboot() error {
	syscall.Sync()
	return syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART)
}
