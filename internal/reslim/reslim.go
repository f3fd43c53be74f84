// Package reslim provides the per-application resource limit collaborator.
package reslim

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// AppInfo is the view of an application the resource limit layer needs.
type AppInfo struct {
	Name    string
	CfgPath string
}

// Manager applies and clears per-application resource caps.
type Manager interface {
	Apply(app AppInfo) error
	Clear(app AppInfo) error
}

// CgroupManager implements Manager over the memory cgroup hierarchy,
// creating one group per application.
type CgroupManager struct {
	Root string
	// Limits maps app name to a memory byte cap; apps without an entry get
	// no cap. NewCgroupManager starts with an empty map.
	Limits map[string]int64
}

// NewCgroupManager returns a manager over the default hierarchy root.
func NewCgroupManager() *CgroupManager {
	return &CgroupManager{
		Root:   "/sys/fs/cgroup/memory",
		Limits: make(map[string]int64),
	}
}

func (m *CgroupManager) Apply(app AppInfo) error {
	dir := filepath.Join(m.Root, app.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create resource group for %s: %w", app.Name, err)
	}
	if limit, ok := m.Limits[app.Name]; ok {
		path := filepath.Join(dir, "memory.limit_in_bytes")
		if err := os.WriteFile(path, []byte(strconv.FormatInt(limit, 10)), 0o644); err != nil {
			return fmt.Errorf("cannot set memory limit for %s: %w", app.Name, err)
		}
	}
	return nil
}

func (m *CgroupManager) Clear(app AppInfo) error {
	dir := filepath.Join(m.Root, app.Name)
	if err := os.RemoveAll(dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove resource group for %s: %w", app.Name, err)
	}
	return nil
}

// FakeManager is a test double that records apply/clear calls.
type FakeManager struct {
	Applied   []string
	Cleared   []string
	FailApply bool
}

func (m *FakeManager) Apply(app AppInfo) error {
	if m.FailApply {
		return fmt.Errorf("resource limits failed for %s", app.Name)
	}
	m.Applied = append(m.Applied, app.Name)
	return nil
}

func (m *FakeManager) Clear(app AppInfo) error {
	m.Cleared = append(m.Cleared, app.Name)
	return nil
}
