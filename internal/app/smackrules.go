package app

import (
	"fmt"

	"github.com/wardend/warden/internal/smack"
)

// selfPermissions is every non-empty subset of {r, w, x}; each grants the
// app that permission on its matching permission-tagged folders.
var selfPermissions = [...]string{"x", "w", "wx", "r", "rx", "rw", "rwx"}

// MaxBindingAppLen bounds server app names read from bindings.
const MaxBindingAppLen = 64

// installSmackRules installs the app's mandatory-access-control rules:
// access to its own folders, the framework pair, and the peer rules for
// each configured binding.
func (a *App) installSmackRules() error {
	label := smack.Label(a.name)

	for _, perm := range selfPermissions {
		object := smack.AccessLabel(a.name, perm)
		if err := a.deps.Smack.SetRule(label, perm, object); err != nil {
			return fmt.Errorf("cannot set smack rule for %s: %w", a.name, err)
		}
	}

	// Default permissions between the app and the framework.
	if err := a.deps.Smack.SetRule("framework", "w", label); err != nil {
		return fmt.Errorf("cannot set framework rule for %s: %w", a.name, err)
	}
	if err := a.deps.Smack.SetRule(label, "rw", "framework"); err != nil {
		return fmt.Errorf("cannot set framework rule for %s: %w", a.name, err)
	}

	return a.installBindingRules(label)
}

// installBindingRules grants mutual read/write between the app and every
// server application it binds to.
func (a *App) installBindingRules(label string) error {
	txn := a.deps.Tree.ReadTxn(a.cfgPath)
	defer txn.Close()

	for _, binding := range txn.Children(cfgNodeBindings) {
		server, err := binding.GetString("app", MaxBindingAppLen, "")
		if err != nil {
			a.logger.Warn("binding server name too long", "binding", binding.NodeName())
			continue
		}
		if server == "" {
			continue
		}

		serverLabel := smack.Label(server)
		if err := a.deps.Smack.SetRule(label, "rw", serverLabel); err != nil {
			return fmt.Errorf("cannot set binding rule for %s: %w", a.name, err)
		}
		if err := a.deps.Smack.SetRule(serverLabel, "rw", label); err != nil {
			return fmt.Errorf("cannot set binding rule for %s: %w", a.name, err)
		}
	}

	return nil
}
