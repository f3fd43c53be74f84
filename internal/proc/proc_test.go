package proc_test

import (
	"syscall"
	"testing"

	"github.com/wardend/warden/internal/fault"
	"github.com/wardend/warden/internal/logging"
	"github.com/wardend/warden/internal/proc"
	"github.com/wardend/warden/internal/testutil"
)

const procDoc = `
[apps.web.procs.server]
args = ["/bin/server", "--port", "80"]
faultAction = "restart"
watchdogAction = "stop"

[apps.web.procs.worker]
args = ["/bin/worker"]

[apps.web.procs.broken]
faultAction = "explode"
`

func newProc(t *testing.T, name string, spawner proc.Spawner, clock proc.Clock) *proc.Proc {
	t.Helper()
	tree := testutil.MustParseTree(t, procDoc)
	p, err := proc.New(tree, "/apps/web/procs/"+name, "web", spawner, clock, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewDerivesNameFromPath(t *testing.T) {
	p := newProc(t, "server", &proc.MockSpawner{}, testutil.NewMockClock())

	if p.Name() != "server" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.AppName() != "web" {
		t.Errorf("AppName() = %q", p.AppName())
	}
	if p.State() != proc.Stopped {
		t.Errorf("initial state = %s", p.State())
	}
}

func TestStartSpawnsConfiguredCommand(t *testing.T) {
	spawner := &proc.MockSpawner{}
	p := newProc(t, "server", spawner, testutil.NewMockClock())

	if err := p.Start("/opt/warden/apps/web"); err != nil {
		t.Fatal(err)
	}

	if len(spawner.SpawnCalls) != 1 {
		t.Fatalf("spawn calls = %d", len(spawner.SpawnCalls))
	}
	call := spawner.SpawnCalls[0]
	if call.Command != "/bin/server" {
		t.Errorf("command = %q", call.Command)
	}
	if len(call.Args) != 2 || call.Args[0] != "--port" || call.Args[1] != "80" {
		t.Errorf("args = %v", call.Args)
	}
	if call.Dir != "/opt/warden/apps/web" {
		t.Errorf("dir = %q", call.Dir)
	}

	if p.State() != proc.Running {
		t.Errorf("state = %s, want RUNNING", p.State())
	}
	if p.Pid() <= 0 {
		t.Errorf("pid = %d", p.Pid())
	}
}

func TestStartSandboxedSetsIdentity(t *testing.T) {
	spawner := &proc.MockSpawner{}
	p := newProc(t, "server", spawner, testutil.NewMockClock())

	gids := []uint32{5001, 5002}
	if err := p.StartSandboxed("/", 1200, 1200, gids, "/sandboxes/web"); err != nil {
		t.Fatal(err)
	}

	attr := spawner.SpawnCalls[0].SysProcAttr
	if attr == nil || attr.Credential == nil {
		t.Fatal("no credential on sandboxed spawn")
	}
	if attr.Chroot != "/sandboxes/web" {
		t.Errorf("chroot = %q", attr.Chroot)
	}
	if attr.Credential.Uid != 1200 || attr.Credential.Gid != 1200 {
		t.Errorf("uid/gid = %d/%d", attr.Credential.Uid, attr.Credential.Gid)
	}
	if len(attr.Credential.Groups) != 2 {
		t.Errorf("groups = %v", attr.Credential.Groups)
	}
	if spawner.SpawnCalls[0].Dir != "/" {
		t.Errorf("dir = %q", spawner.SpawnCalls[0].Dir)
	}
}

func TestStartWithoutExecutableFails(t *testing.T) {
	p := newProc(t, "broken", &proc.MockSpawner{}, testutil.NewMockClock())

	if err := p.Start("/opt"); err == nil {
		t.Fatal("start succeeded with no args configured")
	}
}

func TestStartWhileRunningFails(t *testing.T) {
	p := newProc(t, "server", &proc.MockSpawner{}, testutil.NewMockClock())

	if err := p.Start("/opt"); err != nil {
		t.Fatal(err)
	}
	if err := p.Start("/opt"); err == nil {
		t.Fatal("second start succeeded")
	}
}

func TestCleanExitIsNoFault(t *testing.T) {
	clock := testutil.NewMockClock()
	p := newProc(t, "server", &proc.MockSpawner{}, clock)

	if err := p.Start("/opt"); err != nil {
		t.Fatal(err)
	}

	action := p.SigChild(testutil.ExitStatus(0))
	if action != fault.ProcNoFault {
		t.Errorf("action = %s, want NO_FAULT", action)
	}
	if p.State() != proc.Stopped {
		t.Errorf("state = %s, want STOPPED", p.State())
	}
	if !p.FaultTime().IsZero() {
		t.Error("clean exit stamped a fault time")
	}
}

func TestFaultyExitReadsConfiguredAction(t *testing.T) {
	clock := testutil.NewMockClock()
	p := newProc(t, "server", &proc.MockSpawner{}, clock)

	if err := p.Start("/opt"); err != nil {
		t.Fatal(err)
	}

	action := p.SigChild(testutil.ExitStatus(1))
	if action != fault.ProcRestart {
		t.Errorf("action = %s, want RESTART", action)
	}
	if p.FaultTime() != clock.Now() {
		t.Errorf("fault time = %v, want %v", p.FaultTime(), clock.Now())
	}
}

func TestSignaledExitIsFault(t *testing.T) {
	p := newProc(t, "server", &proc.MockSpawner{}, testutil.NewMockClock())

	if err := p.Start("/opt"); err != nil {
		t.Fatal(err)
	}

	action := p.SigChild(testutil.SignalStatus(syscall.SIGSEGV))
	if action != fault.ProcRestart {
		t.Errorf("action = %s, want RESTART", action)
	}
}

func TestMissingFaultActionMeansIgnore(t *testing.T) {
	p := newProc(t, "worker", &proc.MockSpawner{}, testutil.NewMockClock())

	if err := p.Start("/opt"); err != nil {
		t.Fatal(err)
	}

	action := p.SigChild(testutil.ExitStatus(3))
	if action != fault.ProcIgnore {
		t.Errorf("action = %s, want IGNORE", action)
	}
}

func TestDeliberateKillIsNoFault(t *testing.T) {
	p := newProc(t, "server", &proc.MockSpawner{}, testutil.NewMockClock())

	if err := p.Start("/opt"); err != nil {
		t.Fatal(err)
	}

	p.Stopping()
	action := p.SigChild(testutil.SignalStatus(syscall.SIGKILL))
	if action != fault.ProcNoFault {
		t.Errorf("action = %s, want NO_FAULT", action)
	}

	// The mark is consumed; the next faulty exit is caught again.
	if err := p.Start("/opt"); err != nil {
		t.Fatal(err)
	}
	action = p.SigChild(testutil.SignalStatus(syscall.SIGSEGV))
	if action != fault.ProcRestart {
		t.Errorf("action after restart = %s, want RESTART", action)
	}
}

func TestStopAndContinueTogglePaused(t *testing.T) {
	p := newProc(t, "server", &proc.MockSpawner{}, testutil.NewMockClock())

	if err := p.Start("/opt"); err != nil {
		t.Fatal(err)
	}

	if action := p.SigChild(testutil.StopStatus(syscall.SIGSTOP)); action != fault.ProcNoFault {
		t.Errorf("stop action = %s", action)
	}
	if p.State() != proc.Paused {
		t.Errorf("state = %s, want PAUSED", p.State())
	}

	if action := p.SigChild(testutil.ContinueStatus()); action != fault.ProcNoFault {
		t.Errorf("continue action = %s", action)
	}
	if p.State() != proc.Running {
		t.Errorf("state = %s, want RUNNING", p.State())
	}
}

func TestWatchdogActionFromConfig(t *testing.T) {
	p := newProc(t, "server", &proc.MockSpawner{}, testutil.NewMockClock())
	if got := p.WatchdogAction(); got != fault.WatchdogStop {
		t.Errorf("WatchdogAction() = %s, want STOP", got)
	}

	p = newProc(t, "worker", &proc.MockSpawner{}, testutil.NewMockClock())
	if got := p.WatchdogAction(); got != fault.WatchdogNotFound {
		t.Errorf("WatchdogAction() = %s, want NOT_FOUND", got)
	}
}

func TestKillSignalsSpawnedProcess(t *testing.T) {
	var mock *proc.MockProcess
	spawner := &proc.MockSpawner{
		SpawnFn: func(cfg proc.SpawnConfig) (proc.SpawnedProcess, error) {
			mock = proc.NewMockProcess(4242)
			return mock, nil
		},
	}
	p := newProc(t, "server", spawner, testutil.NewMockClock())

	if err := p.Start("/opt"); err != nil {
		t.Fatal(err)
	}

	if err := p.Kill(syscall.SIGKILL); err != nil {
		t.Fatal(err)
	}
	if len(mock.Signals) != 1 || mock.Signals[0] != syscall.SIGKILL {
		t.Errorf("signals = %v", mock.Signals)
	}
}

func TestKillWhileStoppedFails(t *testing.T) {
	p := newProc(t, "server", &proc.MockSpawner{}, testutil.NewMockClock())
	if err := p.Kill(syscall.SIGKILL); err == nil {
		t.Fatal("kill succeeded on a stopped process")
	}
}
