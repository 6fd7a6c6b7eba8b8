package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/safetygraph/engine/domain"
	"github.com/WessleyAI/safetygraph/engine/graph"
	"github.com/WessleyAI/safetygraph/engine/persist"
	"github.com/WessleyAI/safetygraph/engine/project"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// writeProject saves a braking analysis rated S3/C3/E4 and returns its path.
func writeProject(t *testing.T) string {
	t.Helper()
	p := project.New(project.Options{Logger: quiet(), Clock: func() time.Time { return t0 }})
	_, err := p.Store.Update(context.Background(), func(tx *graph.Tx) error {
		return errors.Join(
			tx.PutHazopDoc(domain.HazopDoc{ID: "hz-1", Name: "Braking HAZOP"}),
			tx.PutFunction(domain.Function{ID: "fn-1", Name: "braking"}),
			tx.PutMalfunction(domain.Malfunction{ID: "mf-1", HazopID: "hz-1", FunctionID: "fn-1", Guideword: domain.GuidewordNoNot, SafetyRelevant: true, Hazard: "No deceleration"}),
			tx.PutHaraDoc(domain.HaraDoc{ID: "ha-1", Name: "Vehicle HARA", HazopIDs: []string{"hz-1"}}),
			tx.PutSafetyGoal(domain.SafetyGoal{ID: "sg-1", Name: "Avoid loss of braking"}),
			tx.PutHaraRow(domain.HaraRow{ID: "row-1", HaraID: "ha-1", MalfunctionID: "mf-1", Severity: 3, Controllability: 3, Exposure: 4, SafetyGoalID: "sg-1"}),
			tx.PutComponent(domain.Component{ID: "c-1", Name: "Shunt", Passive: true, BaseFIT: 4}),
			tx.PutFailureMode(domain.FailureMode{ID: "fm-1", ComponentID: "c-1", FaultFraction: 0.5, SafetyGoalID: "sg-1"}),
			tx.PutRequirement(domain.Requirement{ID: "req-1", Type: domain.RequirementVehicle, Text: "Detect open circuit", ASIL: domain.QM, Status: domain.StatusDraft, SafetyGoalIDs: []string{"sg-1"}}),
			tx.PutFaultTreeNode(domain.FaultTreeNode{ID: "be-1", Name: "Shunt open", Type: domain.NodeBasicEvent, FailureModeID: "fm-1", RequirementIDs: []string{"req-1"}}),
			tx.PutFaultTreeNode(domain.FaultTreeNode{ID: "te-1", Name: "Loss of braking", Type: domain.NodeTopEvent, Gate: domain.GateOR, Children: []string{"be-1"}, SafetyGoalID: "sg-1"}),
		)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "brake.json")
	if err := p.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	return path
}

func testApp() *app {
	a := newApp(quiet(), nil)
	a.now = func() time.Time { return t0 }
	return a
}

// run executes one command line and returns its standard output.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := testApp()
	root := a.rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if cerr := a.close(); cerr != nil {
		t.Fatalf("close: %v", cerr)
	}
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("%s: %v", strings.Join(args, " "), err)
	}
	return out
}

func load(t *testing.T, path string) *domain.Model {
	t.Helper()
	doc, err := persist.LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("load %s: %v", path, err)
	}
	return doc.Model
}

func TestInspect(t *testing.T) {
	clearEnv(t)
	path := writeProject(t)

	out := mustRun(t, "--project", path, "inspect")
	for _, want := range []string{"Safety goals", "Avoid loss of braking", "req-1", "Loss of braking", "undefined"} {
		if !strings.Contains(out, want) {
			t.Fatalf("inspect output missing %q:\n%s", want, out)
		}
	}

	out = mustRun(t, "--project", path, "inspect", "--json")
	var in inspection
	if err := json.Unmarshal([]byte(out), &in); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(in.Goals) != 1 || in.Goals[0].ASIL != domain.ASILD {
		t.Fatalf("expected one ASIL D goal, got %+v", in.Goals)
	}
	if len(in.TopEvents) != 1 || in.TopEvents[0].Probability != nil {
		t.Fatalf("expected one top event without probability, got %+v", in.TopEvents)
	}

	prom := filepath.Join(t.TempDir(), "safety.prom")
	mustRun(t, "--project", path, "inspect", "--metrics-file", prom)
	b, err := os.ReadFile(prom)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "graph_revision") {
		t.Fatalf("metrics file missing graph_revision:\n%s", b)
	}
}

func TestMissingProject(t *testing.T) {
	clearEnv(t)
	_, err := run(t, "inspect")
	if err == nil || !strings.Contains(err.Error(), "no project") {
		t.Fatalf("expected missing project error, got %v", err)
	}
}

func TestPairsAndDecompose(t *testing.T) {
	clearEnv(t)
	path := writeProject(t)

	out := mustRun(t, "-p", path, "pairs", "req-1")
	if !strings.Contains(out, "B+B") {
		t.Fatalf("expected B+B among pairs:\n%s", out)
	}

	mustRun(t, "-p", path, "decompose", "req-1", "b+b")
	m := load(t, path)
	parent := m.Requirements["req-1"]
	if len(parent.DecomposedInto) != 2 {
		t.Fatalf("expected two children, got %v", parent.DecomposedInto)
	}
	for _, id := range parent.DecomposedInto {
		if m.Requirements[id].ASIL != domain.ASILB {
			t.Fatalf("child %s: expected ASIL B, got %s", id, m.Requirements[id].ASIL)
		}
	}

	if _, err := run(t, "-p", path, "decompose", "req-1", "D+D"); err == nil {
		t.Fatal("expected error decomposing twice")
	}
	if _, err := run(t, "-p", path, "decompose", "req-1", "B"); err == nil {
		t.Fatal("expected error for malformed pair")
	}
}

func TestReviewLifecycle(t *testing.T) {
	clearEnv(t)
	path := writeProject(t)

	out := mustRun(t, "-p", path, "review", "create", "Braking peer", "te-1",
		"--participant", "mod:moderator:mod@example.com",
		"--participant", "alice:reviewer:alice@example.com",
		"--due", "72h")
	if !strings.Contains(out, "opened") {
		t.Fatalf("unexpected create output: %s", out)
	}
	m := load(t, path)
	if len(m.Reviews) != 1 {
		t.Fatalf("expected one review, got %d", len(m.Reviews))
	}
	var id string
	for id = range m.Reviews {
	}

	out = mustRun(t, "-p", path, "review", "comment", id, "alice", "req-1", "Name the detection time")
	if !strings.Contains(out, "comment 1 on req-1") {
		t.Fatalf("unexpected comment output: %s", out)
	}
	if _, err := run(t, "-p", path, "review", "comment", id, "alice", "nowhere", "x"); err == nil {
		t.Fatal("expected error commenting outside scope")
	}
	mustRun(t, "-p", path, "review", "resolve", id, "1", "mod", "Added 10 ms")

	out = mustRun(t, "-p", path, "review", "list")
	if !strings.Contains(out, "Braking peer") {
		t.Fatalf("review list missing review:\n%s", out)
	}

	out = mustRun(t, "-p", path, "diff", "--review", id)
	if !strings.Contains(out, "live") {
		t.Fatalf("unexpected diff output: %s", out)
	}
	out = mustRun(t, "-p", path, "diff", "--review", id, "--dot")
	if !strings.HasPrefix(out, "digraph") {
		t.Fatalf("expected a DOT figure, got %s", out)
	}

	out = mustRun(t, "-p", path, "email", id, "--from", "safety@example.com")
	for _, want := range []string{"Subject: Review: Braking peer", "To: mod@example.com, alice@example.com", "requirements.csv"} {
		if !strings.Contains(out, want) {
			t.Fatalf("mail missing %q", want)
		}
	}

	out = mustRun(t, "-p", path, "review", "done", id, "alice")
	if !strings.Contains(out, id+": closed") {
		t.Fatalf("unexpected done output: %s", out)
	}
	m = load(t, path)
	if !m.Reviews[id].Completed {
		t.Fatal("expected review completed once every reviewer is done")
	}
	if got := m.Requirements["req-1"].Status; got != domain.StatusPeerReviewed {
		t.Fatalf("expected req-1 peer reviewed, got %s", got)
	}
	if _, err := run(t, "-p", path, "review", "approve", id, "mod"); !errors.Is(err, domain.ErrPermission) {
		t.Fatalf("expected permission error approving as moderator, got %v", err)
	}
}

func TestSnapshotsAndArchive(t *testing.T) {
	clearEnv(t)
	path := writeProject(t)
	t.Setenv("SAFETYGRAPH_ARCHIVE_DIR", filepath.Join(t.TempDir(), "archive"))

	out := mustRun(t, "-p", path, "snapshot", "take", "v1")
	v1 := strings.Fields(out)[0]
	out = mustRun(t, "-p", path, "snapshot", "take", "v2", "req-1")
	v2 := strings.Fields(out)[0]

	out = mustRun(t, "-p", path, "diff", v1, v2)
	if !strings.Contains(out, v1) {
		t.Fatalf("unexpected diff output: %s", out)
	}

	out = mustRun(t, "-p", path, "archive", "sync")
	if !strings.Contains(out, "2 snapshots archived") {
		t.Fatalf("unexpected sync output: %s", out)
	}

	mustRun(t, "-p", path, "snapshot", "prune", "--keep", "0")
	if n := len(load(t, path).Snapshots); n != 0 {
		t.Fatalf("expected snapshots pruned, %d left", n)
	}
	if _, err := run(t, "-p", path, "diff", v1, v2); !errors.Is(err, domain.ErrStaleSnapshot) {
		t.Fatalf("expected stale snapshot error, got %v", err)
	}

	out = mustRun(t, "-p", path, "archive", "list")
	if !strings.Contains(out, v1) || !strings.Contains(out, v2) {
		t.Fatalf("archive list missing snapshots:\n%s", out)
	}
	mustRun(t, "-p", path, "archive", "restore", v1)
	if _, ok := load(t, path).Snapshots[v1]; !ok {
		t.Fatalf("%s not restored", v1)
	}
}

func TestArchiveNeedsDir(t *testing.T) {
	clearEnv(t)
	path := writeProject(t)
	if _, err := run(t, "-p", path, "archive", "list"); err == nil {
		t.Fatal("expected error without archive dir")
	}
}

func TestExport(t *testing.T) {
	clearEnv(t)
	path := writeProject(t)
	dir := t.TempDir()
	out := mustRun(t, "-p", path, "export", "--dir", dir)
	if !strings.Contains(out, filepath.Join(dir, "hazards.csv")) {
		t.Fatalf("unexpected export output: %s", out)
	}
}

func TestActivateUnknownProfile(t *testing.T) {
	clearEnv(t)
	path := writeProject(t)
	if _, err := run(t, "-p", path, "activate", "mp-missing"); err == nil {
		t.Fatal("expected error for unknown mission profile")
	}
	mustRun(t, "-p", path, "activate")
}

func TestHTTPServer(t *testing.T) {
	clearEnv(t)
	path := writeProject(t)
	a := testApp()
	a.cfg = defaultConfig()
	a.cfg.Project = path
	p, err := a.open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(a.httpServer(p).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/model")
	if err != nil {
		t.Fatal(err)
	}
	doc, err := persist.Decode(context.Background(), resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode model: %v", err)
	}
	if doc.Revision != p.Store.Revision() {
		t.Fatalf("expected revision %d, got %d", p.Store.Revision(), doc.Revision)
	}

	resp, err = http.Post(srv.URL+"/model", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "graph_") {
		t.Fatalf("expected store metrics, got:\n%s", body)
	}
}

func TestWatchFileReloads(t *testing.T) {
	clearEnv(t)
	path := writeProject(t)
	a := testApp()
	a.cfg = defaultConfig()
	a.cfg.Project = path
	a.cfg.Debounce = 10 * time.Millisecond
	p, err := a.open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	reloaded := make(chan graph.ChangeSet, 8)
	p.Store.Subscribe(func(cs graph.ChangeSet) {
		if cs.Full {
			reloaded <- cs
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.watchFile(ctx, p) }()

	doc, err := persist.LoadFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	row := doc.Model.HaraRows["row-1"]
	row.Severity = 1
	doc.Model.HaraRows["row-1"] = row

	// the watcher may not be registered yet; keep writing until it reacts
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(5 * time.Second)
wait:
	for {
		select {
		case <-reloaded:
			break wait
		case <-tick.C:
			if err := persist.SaveFile(path, doc); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no reload after file change")
		}
	}
	g, err := p.Store.SafetyGoal("sg-1")
	if err != nil {
		t.Fatal(err)
	}
	if g.ASIL != domain.ASILB {
		t.Fatalf("expected ASIL B after reload, got %s", g.ASIL)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExpireLoopClosesOverdueReviews(t *testing.T) {
	clearEnv(t)
	path := writeProject(t)
	mustRun(t, "-p", path, "review", "create", "Braking peer", "te-1",
		"--participant", "mod:moderator", "--participant", "alice:reviewer", "--due", "1h")

	a := testApp()
	a.now = func() time.Time { return t0.Add(2 * time.Hour) }
	a.cfg = defaultConfig()
	a.cfg.Project = path
	p, err := a.open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := a.expireLoop(ctx, p, 10*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	for _, r := range load(t, path).Reviews {
		if r.Status != domain.ReviewClosedReadOnly {
			t.Fatalf("expected review closed, got %s", r.Status)
		}
	}
}
