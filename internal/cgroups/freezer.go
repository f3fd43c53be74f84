// Package cgroups provides the freezer collaborator: freezing, thawing,
// and signalling all processes of an application as a group.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// FreezeState is the freezer state of an application's cgroup.
type FreezeState int

const (
	Thawed FreezeState = iota
	Freezing
	Frozen
	Fault
)

var freezeStateNames = [...]string{"THAWED", "FREEZING", "FROZEN", "FAULT"}

func (s FreezeState) String() string {
	if int(s) < len(freezeStateNames) {
		return freezeStateNames[s]
	}
	return fmt.Sprintf("UNKNOWN(%d)", s)
}

// Freezer manages the freezer cgroup of each application. Freezing before
// signalling guarantees no process misses the signal or reacts mid-flight.
type Freezer interface {
	Freeze(appName string) error
	Thaw(appName string) error
	State(appName string) FreezeState
	// SendSignal delivers sig to every process in the group and returns how
	// many were signalled. Zero means there was nothing to kill.
	SendSignal(appName string, sig syscall.Signal) (int, error)
	// IsEmpty reports whether the group has no processes.
	IsEmpty(appName string) bool
}

// FreezerFS drives the kernel freezer cgroup filesystem.
type FreezerFS struct {
	// Root of the freezer hierarchy, normally /sys/fs/cgroup/freezer.
	Root string
}

// NewFreezerFS returns a freezer over the default hierarchy root.
func NewFreezerFS() *FreezerFS {
	return &FreezerFS{Root: "/sys/fs/cgroup/freezer"}
}

func (f *FreezerFS) dir(appName string) string {
	return filepath.Join(f.Root, appName)
}

// Freeze asks the kernel to freeze all processes in the app's cgroup.
func (f *FreezerFS) Freeze(appName string) error {
	return f.writeState(appName, "FROZEN")
}

// Thaw resumes all processes in the app's cgroup.
func (f *FreezerFS) Thaw(appName string) error {
	return f.writeState(appName, "THAWED")
}

func (f *FreezerFS) writeState(appName, state string) error {
	path := filepath.Join(f.dir(appName), "freezer.state")
	if err := os.WriteFile(path, []byte(state), 0o644); err != nil {
		return fmt.Errorf("cannot set freezer state for %s: %w", appName, err)
	}
	return nil
}

// State reads the app's current freezer state.
func (f *FreezerFS) State(appName string) FreezeState {
	data, err := os.ReadFile(filepath.Join(f.dir(appName), "freezer.state"))
	if err != nil {
		return Fault
	}
	switch strings.TrimSpace(string(data)) {
	case "THAWED":
		return Thawed
	case "FREEZING":
		return Freezing
	case "FROZEN":
		return Frozen
	}
	return Fault
}

// SendSignal signals every process listed in the app's cgroup.procs.
func (f *FreezerFS) SendSignal(appName string, sig syscall.Signal) (int, error) {
	pids, err := f.pids(appName)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, pid := range pids {
		if err := syscall.Kill(pid, sig); err == nil {
			count++
		}
	}
	return count, nil
}

// IsEmpty reports whether the app's cgroup has no processes. A missing
// cgroup counts as empty.
func (f *FreezerFS) IsEmpty(appName string) bool {
	pids, err := f.pids(appName)
	if err != nil {
		return true
	}
	return len(pids) == 0
}

func (f *FreezerFS) pids(appName string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(f.dir(appName), "cgroup.procs"))
	if err != nil {
		return nil, fmt.Errorf("cannot read cgroup procs for %s: %w", appName, err)
	}
	var pids []int
	for _, line := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// FakeFreezer is a test double that tracks group membership in memory.
type FakeFreezer struct {
	// Procs maps app name to live PIDs.
	Procs map[string][]int
	// Frozen maps app name to frozen flag.
	Frozen map[string]bool
	// Signals records every SendSignal call.
	Signals []SignalCall
	// FailSignal forces SendSignal to report a fault.
	FailSignal bool
}

// SignalCall records one SendSignal invocation.
type SignalCall struct {
	App string
	Sig syscall.Signal
}

// NewFakeFreezer creates an empty fake freezer.
func NewFakeFreezer() *FakeFreezer {
	return &FakeFreezer{
		Procs:  make(map[string][]int),
		Frozen: make(map[string]bool),
	}
}

// Add registers a PID in the app's group.
func (f *FakeFreezer) Add(appName string, pid int) {
	f.Procs[appName] = append(f.Procs[appName], pid)
}

// Remove drops a PID from the app's group.
func (f *FakeFreezer) Remove(appName string, pid int) {
	procs := f.Procs[appName]
	for i, p := range procs {
		if p == pid {
			f.Procs[appName] = append(procs[:i], procs[i+1:]...)
			return
		}
	}
}

func (f *FakeFreezer) Freeze(appName string) error {
	f.Frozen[appName] = true
	return nil
}

func (f *FakeFreezer) Thaw(appName string) error {
	f.Frozen[appName] = false
	return nil
}

func (f *FakeFreezer) State(appName string) FreezeState {
	if f.Frozen[appName] {
		return Frozen
	}
	return Thawed
}

func (f *FakeFreezer) SendSignal(appName string, sig syscall.Signal) (int, error) {
	f.Signals = append(f.Signals, SignalCall{App: appName, Sig: sig})
	if f.FailSignal {
		return 0, fmt.Errorf("freezer fault for %s", appName)
	}
	return len(f.Procs[appName]), nil
}

func (f *FakeFreezer) IsEmpty(appName string) bool {
	return len(f.Procs[appName]) == 0
}
