package supervisor

import (
	"syscall"
	"testing"
	"time"

	"github.com/wardend/warden/internal/testutil"
)

const manualAppDoc = `
[apps.web]
startManual = true

[apps.web.procs.server]
args = ["/bin/server"]
faultAction = "restart"
`

func TestRunLoopLifecycle(t *testing.T) {
	h := newSupHarness(t, manualAppDoc)

	go h.sup.Run()
	defer func() {
		h.sup.Shutdown()
		select {
		case <-h.sup.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("run loop did not shut down")
		}
	}()

	if err := h.sup.StartApp("web"); err != nil {
		t.Fatal(err)
	}

	infos := h.sup.List()
	if len(infos) != 1 || infos[0].Name != "web" || infos[0].State != "RUNNING" {
		t.Fatalf("List() = %+v", infos)
	}

	if err := h.sup.StopApp("web"); err != nil {
		t.Fatal(err)
	}

	// Simulate the kernel delivering the exits on the loop.
	h.sup.call(func() {
		for _, pid := range h.pids("web") {
			h.freezer.Remove("web", pid)
			h.sup.routeSigchild(pid, testutil.ExitStatus(0))
		}
	})

	info, err := h.sup.Get("web")
	if err != nil {
		t.Fatal(err)
	}
	if info.State != "STOPPED" {
		t.Errorf("state = %s, want STOPPED", info.State)
	}
}

func TestRunLoopAutostart(t *testing.T) {
	h := newSupHarness(t, docWithFault("restart"))

	go h.sup.Run()
	defer func() {
		h.sup.Shutdown()

		// Let the shutdown's soft kill finish by reaping the process.
		h.sup.call(func() {
			for _, pid := range h.pids("web") {
				h.freezer.Remove("web", pid)
				h.sup.routeSigchild(pid, testutil.ExitStatus(0))
			}
		})

		select {
		case <-h.sup.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("run loop did not shut down")
		}
	}()

	testutil.WaitFor(t, 2*time.Second, func() bool {
		info, err := h.sup.Get("web")
		return err == nil && info.State == "RUNNING"
	})
}

func TestWatchdogExpiredExternalEntry(t *testing.T) {
	h := newSupHarness(t, manualAppDoc)

	go h.sup.Run()
	defer func() {
		h.sup.Shutdown()
		<-h.sup.Done()
	}()

	if err := h.sup.StartApp("web"); err != nil {
		t.Fatal(err)
	}

	if err := h.sup.WatchdogExpired(99999); err == nil {
		t.Error("unknown watchdog pid accepted")
	}

	var pid int
	h.sup.call(func() { pid = h.pids("web")[0] })

	// No watchdog policy configured for this proc beyond faultAction;
	// the default handling kills and relaunches without error.
	if err := h.sup.WatchdogExpired(pid); err != nil {
		t.Fatal(err)
	}
}

func TestHandleSignalShutdownSignals(t *testing.T) {
	h := newSupHarness(t, manualAppDoc)

	for _, sig := range []syscall.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT} {
		if !h.sup.handleSignal(sig) {
			t.Errorf("signal %v did not request shutdown", sig)
		}
	}
	if h.sup.handleSignal(syscall.SIGHUP) {
		t.Error("SIGHUP requested shutdown")
	}
}
