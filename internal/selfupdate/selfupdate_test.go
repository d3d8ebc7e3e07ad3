package selfupdate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/state"
	"github.com/haasonsaas/warden/internal/storage"
)

const simpleDiff = `--- a/internal/foo.go
+++ b/internal/foo.go
@@ -1,2 +1,2 @@
 package foo
-var x = 1
+var x = 2
`

const governanceDiff = `--- a/agents/primary/identity.md
+++ b/agents/primary/identity.md
@@ -1,2 +1,2 @@
 ---
-risk_tier: low
+risk_tier: high
`

// fakeRunner simulates git against an in-memory file model. Worktrees
// are real temp dirs; apply writes the scripted post-apply content.
type fakeRunner struct {
	baseline   map[string]string
	applied    map[string]string
	failCheck  bool
	flaky      bool // second apply diverges, for replay tests
	cmdErrs    map[string]error
	gitLog     []string
	cmdLog     []string
	applyCount int
}

func (r *fakeRunner) Git(_ context.Context, dir string, args ...string) (string, error) {
	r.gitLog = append(r.gitLog, strings.Join(args, " "))
	switch args[0] {
	case "worktree":
		if args[1] == "add" {
			return "", writeFiles(args[3], r.baseline)
		}
		return "", nil
	case "apply":
		if args[1] == "--check" {
			if r.failCheck {
				return "", errors.New("patch does not apply")
			}
			return "", nil
		}
		r.applyCount++
		content := r.applied
		if r.flaky && r.applyCount%2 == 0 {
			content = map[string]string{}
			for k, v := range r.applied {
				content[k] = v + "// divergent\n"
			}
		}
		return "", writeFiles(dir, content)
	case "checkout":
		if len(args) > 1 && args[1] == "--" {
			return "", writeFiles(dir, r.baseline)
		}
		return "", nil
	default:
		return "", nil
	}
}

func (r *fakeRunner) Command(_ context.Context, _ string, argv []string) (string, error) {
	r.cmdLog = append(r.cmdLog, strings.Join(argv, " "))
	if err := r.cmdErrs[argv[0]]; err != nil {
		return "boom", err
	}
	return "", nil
}

func writeFiles(dir string, files map[string]string) error {
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func goodEvidence() *Evidence {
	return &Evidence{
		FileRefs:        []string{"internal/foo.go"},
		LineRefs:        []string{"internal/foo.go:2"},
		PolicyRefs:      []string{"path_allowlist"},
		InvariantChecks: []string{"events_ordered"},
		BaselineRef:     "known-good",
	}
}

type fixture struct {
	pipe  *Pipeline
	store *storage.Store
	evs   *events.MemoryStore
	sys   *state.Manager
	run   *fakeRunner
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	evs := events.NewMemoryStore()
	log := events.NewLog(evs)
	sys, err := state.NewManager(context.Background(), state.NewMemoryStore(), log)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	run := &fakeRunner{
		baseline: map[string]string{"internal/foo.go": "package foo\nvar x = 1\n"},
		applied:  map[string]string{"internal/foo.go": "package foo\nvar x = 2\n"},
		cmdErrs:  map[string]error{},
	}
	cfg := Config{
		RepoRoot:       t.TempDir(),
		MirrorDir:      t.TempDir(),
		PathAllowlist:  []string{"internal"},
		IdentityFiles:  []string{"agents/primary/identity.md"},
		VerifyChecks:   2,
		VerifyInterval: time.Millisecond,
		VerifyWindow:   100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{store: storage.NewStore(db), evs: evs, sys: sys, run: run}
	f.pipe = New(cfg, f.store, log, sys, WithRunner(run))
	return f
}

func (f *fixture) mustState(t *testing.T, traceID string, want State, wantCode string) {
	t.Helper()
	rec, err := f.pipe.mirror.load(traceID)
	if err != nil {
		t.Fatalf("load mirror: %v", err)
	}
	if rec.State != want || rec.FailureCode != wantCode {
		t.Fatalf("disk state = %s/%s, want %s/%s", rec.State, rec.FailureCode, want, wantCode)
	}
	stored, err := f.store.GetPatch(context.Background(), traceID)
	if err != nil {
		t.Fatalf("GetPatch: %v", err)
	}
	if stored.State != string(want) {
		t.Fatalf("store state = %s, want %s", stored.State, want)
	}
}

func (f *fixture) advance(t *testing.T, traceID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.pipe.Propose(ctx, traceID, []byte(simpleDiff), goodEvidence()); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := f.pipe.Validate(ctx, traceID); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := f.pipe.Test(ctx, traceID); err != nil {
		t.Fatalf("Test: %v", err)
	}
	if err := f.pipe.Approve(ctx, traceID, ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := f.pipe.Apply(ctx, traceID); err != nil {
		t.Fatalf("Apply: %v", err)
	}
}

func TestProposeRejectsMissingEvidence(t *testing.T) {
	f := newFixture(t, nil)
	ev := goodEvidence()
	ev.InvariantChecks = nil

	rec, err := f.pipe.Propose(context.Background(), "trc_e1", []byte(simpleDiff), ev)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if rec.State != StateRejected {
		t.Fatalf("state = %s", rec.State)
	}
	f.mustState(t, "trc_e1", StateRejected, CodeEvidenceMissing)

	evs, _ := f.evs.Search(context.Background(), events.Filter{Types: []events.Type{events.SelfUpdateRejected}})
	if len(evs) != 1 || evs[0].PayloadRedacted["failure_code"] != CodeEvidenceMissing {
		t.Errorf("rejection events = %+v", evs)
	}
}

func TestProposeRejectsGovernanceEditWithoutPersistingPatch(t *testing.T) {
	f := newFixture(t, nil)

	rec, err := f.pipe.Propose(context.Background(), "trc_g1", []byte(governanceDiff), goodEvidence())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if rec.State != StateRejected {
		t.Fatalf("state = %s", rec.State)
	}
	f.mustState(t, "trc_g1", StateRejected, CodeGovernanceIdentityEdits)

	if _, err := f.pipe.mirror.readPatch("trc_g1"); errdef.KindOf(err) != errdef.PermanentNotFound {
		t.Error("governance-rejected patch content was persisted")
	}

	// Only the rejection record itself survives on disk.
	entries, err := os.ReadDir(f.pipe.mirror.dir("trc_g1"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		switch entry.Name() {
		case "state.json", "log.jsonl":
		default:
			t.Errorf("unexpected file persisted for governance rejection: %s", entry.Name())
		}
	}
}

func TestHappyPathToVerified(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.advance(t, "trc_h1")
	f.mustState(t, "trc_h1", StateApplied, "")
	if !f.sys.Snapshot().Restarting {
		t.Error("restarting flag not set after apply")
	}

	ready := func(context.Context) error { return nil }
	if err := f.pipe.Verify(ctx, "trc_h1", ready); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	f.mustState(t, "trc_h1", StateVerified, "")
	if f.sys.Snapshot().Restarting {
		t.Error("restarting flag not cleared after verify")
	}

	// Every transition emitted its dot-named event, in order.
	want := []events.Type{
		events.SelfUpdateProposed, events.SelfUpdateValidated, events.SelfUpdateTested,
		events.SelfUpdateApproved, events.SelfUpdateApplied, events.SelfUpdateVerified,
	}
	var got []events.Type
	evs, _ := f.evs.Search(ctx, events.Filter{Component: "selfupdate"})
	for _, ev := range evs {
		got = append(got, ev.Type)
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestValidatePathDenied(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PathAllowlist = []string{"docs"} })
	ctx := context.Background()

	if _, err := f.pipe.Propose(ctx, "trc_p1", []byte(simpleDiff), goodEvidence()); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := f.pipe.Validate(ctx, "trc_p1"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	f.mustState(t, "trc_p1", StateFailed, CodePathDenied)
}

func TestValidateApplyConflict(t *testing.T) {
	f := newFixture(t, nil)
	f.run.failCheck = true
	ctx := context.Background()

	if _, err := f.pipe.Propose(ctx, "trc_c1", []byte(simpleDiff), goodEvidence()); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := f.pipe.Validate(ctx, "trc_c1"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	f.mustState(t, "trc_c1", StateFailed, CodeApplyConflict)
}

func TestValidateReplayMismatch(t *testing.T) {
	f := newFixture(t, nil)
	f.run.flaky = true
	ctx := context.Background()

	if _, err := f.pipe.Propose(ctx, "trc_r1", []byte(simpleDiff), goodEvidence()); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := f.pipe.Validate(ctx, "trc_r1"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	f.mustState(t, "trc_r1", StateFailed, CodeReplayMismatch)
}

func TestSmokeEnforceBlocksApply(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.SmokeCommands = [][]string{{"make", "smoke"}}
	})
	f.run.cmdErrs["make"] = errors.New("exit 2")
	ctx := context.Background()

	if _, err := f.pipe.Propose(ctx, "trc_s1", []byte(simpleDiff), goodEvidence()); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := f.pipe.Validate(ctx, "trc_s1"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := f.pipe.Test(ctx, "trc_s1"); err != nil {
		t.Fatalf("Test: %v", err)
	}
	f.mustState(t, "trc_s1", StateFailed, CodeSmokeFailed)
}

func TestSmokeWarnModePasses(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.TestGate = "warn"
		c.SmokeCommands = [][]string{{"make", "smoke"}}
	})
	f.run.cmdErrs["make"] = errors.New("exit 2")
	ctx := context.Background()

	if _, err := f.pipe.Propose(ctx, "trc_w1", []byte(simpleDiff), goodEvidence()); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := f.pipe.Validate(ctx, "trc_w1"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := f.pipe.Test(ctx, "trc_w1"); err != nil {
		t.Fatalf("Test: %v", err)
	}
	f.mustState(t, "trc_w1", StateTested, "")
}

func TestProductionRequiresApprover(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Profile = "production" })
	ctx := context.Background()

	if _, err := f.pipe.Propose(ctx, "trc_a1", []byte(simpleDiff), goodEvidence()); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := f.pipe.Validate(ctx, "trc_a1"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := f.pipe.Test(ctx, "trc_a1"); err != nil {
		t.Fatalf("Test: %v", err)
	}

	if err := f.pipe.Approve(ctx, "trc_a1", ""); errdef.KindOf(err) != errdef.PermanentValidation {
		t.Fatalf("anonymous approve: %v", err)
	}
	f.mustState(t, "trc_a1", StateTested, "")

	if err := f.pipe.Approve(ctx, "trc_a1", "usr_admin"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	rec, _ := f.pipe.mirror.load("trc_a1")
	if rec.ApprovedBy != "usr_admin" {
		t.Errorf("approved_by = %s", rec.ApprovedBy)
	}
}

func TestGuardrailRiskScore(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Guardrails.MaxRiskScore = 0.5 })
	ctx := context.Background()

	ev := goodEvidence()
	ev.RiskScore = 0.9
	if _, err := f.pipe.Propose(ctx, "trc_gr1", []byte(simpleDiff), ev); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := f.pipe.Validate(ctx, "trc_gr1"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := f.pipe.Test(ctx, "trc_gr1"); err != nil {
		t.Fatalf("Test: %v", err)
	}
	if err := f.pipe.Approve(ctx, "trc_gr1", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if err := f.pipe.Apply(ctx, "trc_gr1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	f.mustState(t, "trc_gr1", StateFailed, CodeGuardrailTripped)
}

func TestTaskOrderEnforced(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.pipe.Propose(ctx, "trc_o1", []byte(simpleDiff), goodEvidence()); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	// Skipping validate: every later task requires its predecessor's
	// terminal state.
	if err := f.pipe.Test(ctx, "trc_o1"); errdef.KindOf(err) != errdef.PermanentValidation {
		t.Errorf("Test out of order: %v", err)
	}
	if err := f.pipe.Approve(ctx, "trc_o1", ""); errdef.KindOf(err) != errdef.PermanentValidation {
		t.Errorf("Approve out of order: %v", err)
	}
	if err := f.pipe.Apply(ctx, "trc_o1"); errdef.KindOf(err) != errdef.PermanentValidation {
		t.Errorf("Apply out of order: %v", err)
	}
}

func TestVerifyRollsBackAndSecondRollbackLocksDown(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	failing := func(context.Context) error { return errors.New("not ready") }

	f.advance(t, "trc_v1")
	if err := f.pipe.Verify(ctx, "trc_v1", failing); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	f.mustState(t, "trc_v1", StateRolledBack, CodeReadinessFailed)
	if f.sys.Snapshot().Lockdown {
		t.Fatal("locked down after a single rollback")
	}

	rb, _ := f.evs.Search(ctx, events.Filter{Types: []events.Type{events.SelfUpdateRollback}})
	if len(rb) != 1 {
		t.Fatalf("rollback events = %d", len(rb))
	}

	f.advance(t, "trc_v2")
	if err := f.pipe.Verify(ctx, "trc_v2", failing); err != nil {
		t.Fatalf("Verify second: %v", err)
	}
	if !f.sys.Snapshot().Lockdown {
		t.Fatal("second rollback within window did not trigger lockdown")
	}
}

func TestRecoverReconcilesStoreFromDisk(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.pipe.Propose(ctx, "trc_rc1", []byte(simpleDiff), goodEvidence()); err != nil {
		t.Fatalf("Propose: %v", err)
	}
	// Simulate a crash between the disk write and the store update.
	rec, _ := f.pipe.mirror.load("trc_rc1")
	rec.State = StateValidated
	if err := f.pipe.mirror.writeState(rec); err != nil {
		t.Fatalf("writeState: %v", err)
	}

	if err := f.pipe.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	stored, err := f.store.GetPatch(ctx, "trc_rc1")
	if err != nil {
		t.Fatalf("GetPatch: %v", err)
	}
	if stored.State != string(StateValidated) {
		t.Errorf("store state = %s, want validated", stored.State)
	}
}
