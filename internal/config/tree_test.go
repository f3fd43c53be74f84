package config

import (
	"fmt"
	"strings"
	"testing"
)

func mustLoad(t *testing.T, doc string) *Tree {
	t.Helper()
	tree, _, _, err := LoadBytes([]byte(doc), "test.toml")
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

const sampleDoc = `
[warden]
log_level = "debug"

[apps.web]
sandboxed = true

[apps.web.procs.server]
args = ["/bin/server", "--port", "80"]
faultAction = "restart"

[apps.web.procs.worker]
args = ["/bin/worker"]

[apps.web.bindings.svc1]
app = "db"
`

func TestGetBool(t *testing.T) {
	tree := mustLoad(t, sampleDoc)

	txn := tree.ReadTxn("/apps/web")
	defer txn.Close()

	if !txn.GetBool("sandboxed", false) {
		t.Error("sandboxed = false, want true")
	}
	if !txn.GetBool("missing", true) {
		t.Error("missing bool did not yield default")
	}
}

func TestGetString(t *testing.T) {
	tree := mustLoad(t, sampleDoc)

	txn := tree.ReadTxn("/apps/web/procs/server")
	defer txn.Close()

	got, err := txn.GetString("faultAction", 32, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "restart" {
		t.Errorf("faultAction = %q, want restart", got)
	}

	got, err = txn.GetString("missing", 32, "fallback")
	if err != nil {
		t.Fatal(err)
	}
	if got != "fallback" {
		t.Errorf("missing string = %q, want fallback", got)
	}
}

func TestGetStringOverflow(t *testing.T) {
	tree := mustLoad(t, sampleDoc)

	txn := tree.ReadTxn("/apps/web/procs/server")
	defer txn.Close()

	got, err := txn.GetString("faultAction", 3, "def")
	if err != ErrOverflow {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
	if got != "def" {
		t.Errorf("overflowed value = %q, want default", got)
	}
}

func TestChildrenPreserveDocumentOrder(t *testing.T) {
	tree := mustLoad(t, sampleDoc)

	txn := tree.ReadTxn("/apps/web")
	defer txn.Close()

	var names []string
	for _, child := range txn.Children("procs") {
		names = append(names, child.NodeName())
	}
	if len(names) != 2 || names[0] != "server" || names[1] != "worker" {
		t.Errorf("procs order = %v, want [server worker]", names)
	}
}

func TestArrayChildrenOrdered(t *testing.T) {
	tree := mustLoad(t, sampleDoc)

	txn := tree.ReadTxn("/apps/web/procs/server")
	defer txn.Close()

	var args []string
	for _, child := range txn.Children("args") {
		v, err := child.GetString("", 128, "")
		if err != nil {
			t.Fatal(err)
		}
		args = append(args, v)
	}
	want := []string{"/bin/server", "--port", "80"}
	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", args, want)
	}
}

func TestManyChildrenPreserveOrder(t *testing.T) {
	var doc strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&doc, "[apps.a.procs.p%02d]\nargs = [\"/bin/p\"]\n", i)
	}
	tree := mustLoad(t, doc.String())

	txn := tree.ReadTxn("/apps/a")
	defer txn.Close()

	children := txn.Children("procs")
	if len(children) != 20 {
		t.Fatalf("children = %d, want 20", len(children))
	}
	for i, child := range children {
		want := fmt.Sprintf("p%02d", i)
		if child.NodeName() != want {
			t.Fatalf("child %d = %s, want %s", i, child.NodeName(), want)
		}
	}
}

func TestMissingScopeYieldsDefaults(t *testing.T) {
	tree := mustLoad(t, sampleDoc)

	txn := tree.ReadTxn("/apps/nope")
	defer txn.Close()

	if txn.Exists("") {
		t.Error("missing scope reported as existing")
	}
	if got := txn.GetBool("sandboxed", true); !got {
		t.Error("missing scope bool did not yield default")
	}
	if kids := txn.Children("procs"); kids != nil {
		t.Errorf("missing scope children = %v, want nil", kids)
	}
}

func TestTxnPathAndNodeName(t *testing.T) {
	tree := mustLoad(t, sampleDoc)

	txn := tree.ReadTxn("apps/web/")
	defer txn.Close()

	if txn.Path() != "/apps/web" {
		t.Errorf("Path() = %q", txn.Path())
	}
	if txn.NodeName() != "web" {
		t.Errorf("NodeName() = %q", txn.NodeName())
	}

	for _, child := range txn.Children("bindings") {
		if child.Path() != "/apps/web/bindings/svc1" {
			t.Errorf("child Path() = %q", child.Path())
		}
	}
}

func TestReplaceAffectsNewTransactions(t *testing.T) {
	tree := mustLoad(t, sampleDoc)
	other := mustLoad(t, "[apps.other]\nsandboxed = false\n")

	tree.Replace(other)

	txn := tree.ReadTxn("/apps/web")
	defer txn.Close()
	if txn.Exists("") {
		t.Error("old subtree still visible after Replace")
	}

	txn2 := tree.ReadTxn("/apps/other")
	defer txn2.Close()
	if txn2.GetBool("sandboxed", true) {
		t.Error("new subtree not visible after Replace")
	}
}

func TestBasename(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/apps/web", "web"},
		{"web", "web"},
		{"/apps/web/", "web"},
		{"/", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Basename(tt.in); got != tt.want {
			t.Errorf("Basename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestJoin(t *testing.T) {
	if got := Join("/apps", "web"); got != "/apps/web" {
		t.Errorf("Join = %q", got)
	}
	if got := Join("apps/", "/web/"); got != "/apps/web" {
		t.Errorf("Join = %q", got)
	}
}
