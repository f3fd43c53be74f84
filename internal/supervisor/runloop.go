package supervisor

import (
	"os"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wardend/warden/internal/app"
	"github.com/wardend/warden/internal/config"
	"github.com/wardend/warden/internal/events"
)

// Run starts the supervisor event loop. Blocks until shutdown. Every
// application callback executes on this goroutine; no two are ever in
// flight concurrently.
func (s *Supervisor) Run() error {
	defer close(s.doneCh)

	if err := WritePIDFile(s.settings.PIDFile); err != nil {
		return err
	}
	defer RemovePIDFile(s.settings.PIDFile)

	s.signals = NewSignalQueue(s.logger)
	defer s.signals.Stop()

	// The reboot grace timer runs from supervisor init; a fault record
	// that survives it no longer counts toward the fault limit.
	s.ledger.StartGraceTimer()
	defer s.ledger.StopGraceTimer()

	watcher := s.startConfigWatcher()
	if watcher != nil {
		defer watcher.Close()
	}
	var watchEvents chan fsnotify.Event
	if watcher != nil {
		watchEvents = make(chan fsnotify.Event, 8)
		go forwardWatchEvents(watcher, watchEvents)
	}

	s.bus.Publish(events.Event{Type: events.SupervisorRunning, Data: map[string]string{}})
	s.logger.Info("supervisor running", "pid", os.Getpid())

	s.autostart()

	for {
		select {
		case sig := <-s.signals.C:
			if s.handleSignal(sig) {
				goto shutdown
			}
		case fn := <-s.cmdCh:
			fn()
		case ev := <-watchEvents:
			s.handleConfigChange(ev)
		case <-s.shutdownCh:
			goto shutdown
		}
	}

shutdown:
	s.logger.Info("shutting down")
	s.shutting = true
	s.bus.Publish(events.Event{Type: events.SupervisorStopping, Data: map[string]string{}})

	for _, name := range s.order {
		if s.apps[name].app.State() != app.Stopped {
			s.apps[name].stopHandler = nil
			s.apps[name].app.Stop()
		}
	}

	s.waitForShutdown()
	s.logger.Info("shutdown complete")
	return nil
}

// autostart launches every configured app not marked startManual.
func (s *Supervisor) autostart() {
	txn := s.tree.ReadTxn(appsCfgBase)
	defer txn.Close()

	for _, child := range txn.Children("") {
		if child.GetBool(cfgNodeStartManual, false) {
			continue
		}
		name := child.NodeName()
		if err := s.startApp(name); err != nil {
			s.logger.Error("autostart failed", "app", name, "error", err)
		}
	}
}

// handleSignal processes a signal and reports whether shutdown should
// begin.
func (s *Supervisor) handleSignal(sig os.Signal) bool {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
		s.logger.Info("received signal", "signal", sig.String())
		return true

	case syscall.SIGHUP:
		s.reloadConfig()
		return false

	case syscall.SIGCHLD:
		s.handleSigchld()
		return false
	}

	s.logger.Warn("unhandled signal", "signal", sig.String())
	return false
}

// handleSigchld reaps all exited children in a loop to handle coalesced
// SIGCHLD, routing each to its owning app. Stopped and continued children
// are reported too so pause states stay accurate.
func (s *Supervisor) handleSigchld() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG|syscall.WUNTRACED|syscall.WCONTINUED, nil)
		if err != nil || pid <= 0 {
			return
		}
		s.routeSigchild(pid, ws)
	}
}

// reloadConfig re-reads the config file and swaps the tree. Every later
// config read sees the new tree, including existing apps at their next
// start or exit; running apps keep their lifecycle state.
func (s *Supervisor) reloadConfig() {
	if s.cfgPath == "" {
		return
	}

	s.logger.Info("reloading config", "path", s.cfgPath)

	newTree, _, warnings, err := config.Load(s.cfgPath)
	if err != nil {
		s.logger.Error("reload failed", "error", err)
		return
	}
	for _, w := range warnings {
		s.logger.Warn("config warning", "warning", w)
	}

	s.tree.Replace(newTree)
}

func (s *Supervisor) startConfigWatcher() *fsnotify.Watcher {
	if s.cfgPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("cannot watch config file", "error", err)
		return nil
	}
	if err := watcher.Add(s.cfgPath); err != nil {
		s.logger.Warn("cannot watch config file", "path", s.cfgPath, "error", err)
		watcher.Close()
		return nil
	}
	return watcher
}

// forwardWatchEvents funnels fsnotify events into the run loop's select.
func forwardWatchEvents(watcher *fsnotify.Watcher, out chan<- fsnotify.Event) {
	for ev := range watcher.Events {
		select {
		case out <- ev:
		default:
		}
	}
}

func (s *Supervisor) handleConfigChange(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	s.reloadConfig()
}

// waitForShutdown keeps processing exit events until every app is
// stopped or the grace period elapses.
func (s *Supervisor) waitForShutdown() {
	deadline := time.After(time.Duration(s.settings.ShutdownSecs) * time.Second)

	for !s.allStopped() {
		select {
		case sig := <-s.signals.C:
			if sig == syscall.SIGCHLD {
				s.handleSigchld()
			}
		case fn := <-s.cmdCh:
			fn()
		case <-deadline:
			s.logger.Warn("shutdown timeout exceeded")
			return
		}
	}
}

func (s *Supervisor) allStopped() bool {
	for _, ao := range s.apps {
		if ao.app.State() != app.Stopped {
			return false
		}
	}
	return true
}
