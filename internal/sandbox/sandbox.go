// Package sandbox provides the filesystem sandbox collaborator. The
// supervisor only assembles and removes sandboxes through this interface;
// the chroot contents are built elsewhere.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
)

// MaxPathLen bounds sandbox paths.
const MaxPathLen = 512

// AppInfo is the narrow view of an application the sandbox layer needs.
type AppInfo struct {
	Name        string
	InstallPath string
	SandboxPath string
	UID         uint32
	GID         uint32
}

// Manager assembles and tears down application sandboxes.
type Manager interface {
	// GetPath returns the sandbox root for an app, or an error if the
	// resulting path exceeds the path bound.
	GetPath(appName string) (string, error)
	Setup(app AppInfo) error
	Remove(app AppInfo) error
}

// DirManager implements Manager with plain directories under a fixed root.
type DirManager struct {
	Root string
}

// NewDirManager returns a manager rooted at the default sandboxes dir.
func NewDirManager() *DirManager {
	return &DirManager{Root: "/tmp/warden/sandboxes"}
}

func (m *DirManager) GetPath(appName string) (string, error) {
	path := filepath.Join(m.Root, appName)
	if len(path) > MaxPathLen {
		return "", fmt.Errorf("sandbox path for %s is too long", appName)
	}
	return path, nil
}

func (m *DirManager) Setup(app AppInfo) error {
	if err := os.MkdirAll(app.SandboxPath, 0o755); err != nil {
		return fmt.Errorf("cannot create sandbox for %s: %w", app.Name, err)
	}
	if err := os.Chown(app.SandboxPath, int(app.UID), int(app.GID)); err != nil {
		return fmt.Errorf("cannot chown sandbox for %s: %w", app.Name, err)
	}
	return nil
}

func (m *DirManager) Remove(app AppInfo) error {
	if app.SandboxPath == "" {
		return nil
	}
	if err := os.RemoveAll(app.SandboxPath); err != nil {
		return fmt.Errorf("cannot remove sandbox for %s: %w", app.Name, err)
	}
	return nil
}

// FakeManager is a test double that records setup/remove calls.
type FakeManager struct {
	Root      string
	SetupFor  []string
	RemoveFor []string
	FailSetup bool
	FailPath  bool
}

// NewFakeManager creates a fake rooted at a synthetic path.
func NewFakeManager() *FakeManager {
	return &FakeManager{Root: "/sandboxes"}
}

func (m *FakeManager) GetPath(appName string) (string, error) {
	if m.FailPath {
		return "", fmt.Errorf("sandbox path for %s is too long", appName)
	}
	return filepath.Join(m.Root, appName), nil
}

func (m *FakeManager) Setup(app AppInfo) error {
	if m.FailSetup {
		return fmt.Errorf("sandbox setup failed for %s", app.Name)
	}
	m.SetupFor = append(m.SetupFor, app.Name)
	return nil
}

func (m *FakeManager) Remove(app AppInfo) error {
	m.RemoveFor = append(m.RemoveFor, app.Name)
	return nil
}
