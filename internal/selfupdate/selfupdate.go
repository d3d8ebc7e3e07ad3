// Package selfupdate drives the patch pipeline: a state machine from
// proposal through validation, testing, approval, apply, and
// post-restart verification, with typed failure codes and a disk
// mirror per patch that is the recovery source of truth. The disk
// state is always written before the transition event is emitted.
package selfupdate

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/state"
	"github.com/haasonsaas/warden/internal/storage"
	"github.com/haasonsaas/warden/internal/trace"
)

// State is one node of the patch state machine.
type State string

const (
	StateProposed   State = "proposed"
	StateValidated  State = "validated"
	StateTested     State = "tested"
	StateApproved   State = "approved"
	StateApplied    State = "applied"
	StateVerified   State = "verified"
	StateRejected   State = "rejected"
	StateFailed     State = "failed"
	StateRolledBack State = "rolled_back"
)

// Typed failure codes.
const (
	CodeEvidenceMissing         = "evidence_missing"
	CodeGovernanceIdentityEdits = "governance_identity_edits"
	CodePatchParse              = "patch_parse"
	CodePathDenied              = "path_denied"
	CodeApplyConflict           = "apply_conflict"
	CodeReplayMismatch          = "replay_mismatch"
	CodeSmokeFailed             = "smoke_failed"
	CodeApprovalRequired        = "approval_required"
	CodeGuardrailTripped        = "guardrail_tripped"
	CodeReadinessFailed         = "readiness_failed"
)

// transitions is the allowed edge set. Anything else is an invariant
// violation.
var transitions = map[State][]State{
	StateProposed:  {StateValidated, StateRejected, StateFailed},
	StateValidated: {StateTested, StateFailed},
	StateTested:    {StateApproved, StateFailed},
	StateApproved:  {StateApplied, StateFailed},
	StateApplied:   {StateVerified, StateRolledBack},
}

// "" is the pre-proposal pseudo-state: a new trace may only become
// proposed or rejected.
var initialTargets = []State{StateProposed, StateRejected}

func allowed(from, to State) bool {
	targets := initialTargets
	if from != "" {
		targets = transitions[from]
	}
	for _, t := range targets {
		if t == to {
			return true
		}
	}
	return false
}

// stateEvents maps each state onto its transition event.
var stateEvents = map[State]events.Type{
	StateProposed:   events.SelfUpdateProposed,
	StateValidated:  events.SelfUpdateValidated,
	StateTested:     events.SelfUpdateTested,
	StateApproved:   events.SelfUpdateApproved,
	StateApplied:    events.SelfUpdateApplied,
	StateVerified:   events.SelfUpdateVerified,
	StateRejected:   events.SelfUpdateRejected,
	StateFailed:     events.SelfUpdateFailed,
	StateRolledBack: events.SelfUpdateRolledBack,
}

// Evidence is the proposal packet. Every slice must be non-empty and
// BaselineRef set, or the proposal is rejected at ingestion.
type Evidence struct {
	FileRefs        []string `json:"file_refs"`
	LineRefs        []string `json:"line_refs"`
	PolicyRefs      []string `json:"policy_refs"`
	InvariantChecks []string `json:"invariant_checks"`
	BaselineRef     string   `json:"baseline_ref"`
	RiskScore       float64  `json:"risk_score"`
}

func (e *Evidence) complete() bool {
	return e != nil &&
		len(e.FileRefs) > 0 &&
		len(e.LineRefs) > 0 &&
		len(e.PolicyRefs) > 0 &&
		len(e.InvariantChecks) > 0 &&
		e.BaselineRef != ""
}

// Guardrails bound apply-phase work.
type Guardrails struct {
	MaxFilesPerPatch       int
	MaxRiskScore           float64
	MaxPatchAttemptsPerDay int
	MaxPRsPerDay           int
}

func (g *Guardrails) fill() {
	if g.MaxFilesPerPatch <= 0 {
		g.MaxFilesPerPatch = 10
	}
	if g.MaxRiskScore <= 0 {
		g.MaxRiskScore = 0.7
	}
	if g.MaxPatchAttemptsPerDay <= 0 {
		g.MaxPatchAttemptsPerDay = 10
	}
	if g.MaxPRsPerDay <= 0 {
		g.MaxPRsPerDay = 3
	}
}

// Config tunes the pipeline.
type Config struct {
	// RepoRoot is the repository the pipeline operates on.
	RepoRoot string

	// MirrorDir is where each trace's state.json, log.jsonl,
	// patch.diff, and evidence.json live.
	MirrorDir string

	// PathAllowlist restricts which repo-relative path prefixes a
	// patch may touch. Empty denies everything.
	PathAllowlist []string

	// IdentityFiles are the repo-relative agent identity documents
	// whose governance frontmatter a patch may never edit.
	IdentityFiles []string

	// Profile is "development" (auto-approve) or "production"
	// (explicit approval record required).
	Profile string

	// TestGate is "warn" or "enforce".
	TestGate string

	// SmokeCommands run in the validation worktree during the test
	// phase, each as one argv.
	SmokeCommands [][]string

	// RestartCommand triggers the process restart after apply.
	RestartCommand []string

	Guardrails Guardrails

	// VerifyChecks is K: consecutive readiness passes required.
	VerifyChecks int

	// VerifyInterval spaces readiness polls; VerifyWindow bounds the
	// whole verification.
	VerifyInterval time.Duration
	VerifyWindow   time.Duration

	// RollbackWindow is the period within which a second rollback
	// triggers lockdown.
	RollbackWindow time.Duration
}

func (c *Config) fill() {
	if c.Profile == "" {
		c.Profile = "development"
	}
	if c.TestGate == "" {
		c.TestGate = "enforce"
	}
	if c.VerifyChecks <= 0 {
		c.VerifyChecks = 3
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = 2 * time.Second
	}
	if c.VerifyWindow <= 0 {
		c.VerifyWindow = time.Minute
	}
	if c.RollbackWindow <= 0 {
		c.RollbackWindow = 24 * time.Hour
	}
	c.Guardrails.fill()
}

// Readiness reports whether the restarted process is healthy.
type Readiness func(ctx context.Context) error

// Pipeline owns the patch state machine.
type Pipeline struct {
	cfg    Config
	store  *storage.Store
	log    *events.Log
	sys    *state.Manager
	run    Runner
	mirror *mirror
	logger *slog.Logger
	now    func() time.Time
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithRunner overrides the git/command runner, for tests.
func WithRunner(r Runner) Option {
	return func(p *Pipeline) { p.run = r }
}

// WithLogger configures the slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger.With("component", "selfupdate")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New wires a pipeline.
func New(cfg Config, store *storage.Store, log *events.Log, sys *state.Manager, opts ...Option) *Pipeline {
	cfg.fill()
	p := &Pipeline{
		cfg:    cfg,
		store:  store,
		log:    log,
		sys:    sys,
		run:    ExecRunner{},
		mirror: &mirror{root: cfg.MirrorDir},
		logger: slog.Default().With("component", "selfupdate"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// transition moves a record to the target state: disk mirror first,
// then the store row, then the event. An edge outside the machine is a
// fatal invariant and emits selfupdate.invariant_violation instead.
func (p *Pipeline) transition(ctx context.Context, rec *Record, to State, code string, extra map[string]any) error {
	if !allowed(rec.State, to) {
		p.emit(ctx, events.SelfUpdateInvariantViolation, rec.TraceID, map[string]any{
			"from": string(rec.State),
			"to":   string(to),
		})
		return errdef.Newf(errdef.FatalInvariant, "illegal transition %s -> %s for %s", rec.State, to, rec.TraceID)
	}
	from := rec.State
	rec.State = to
	rec.FailureCode = code
	rec.UpdatedAt = p.now().UTC()

	if err := p.mirror.writeState(rec); err != nil {
		return err
	}
	p.mirror.appendLog(rec.TraceID, map[string]any{
		"from":         string(from),
		"to":           string(to),
		"failure_code": code,
		"at":           rec.UpdatedAt.Format(time.RFC3339Nano),
	})

	if from == "" {
		err := p.store.InsertPatch(ctx, &storage.Patch{
			TraceID:      rec.TraceID,
			State:        string(to),
			BaselineRef:  rec.BaselineRef,
			EvidenceJSON: rec.EvidenceJSON,
			FailureCode:  code,
		})
		if err != nil {
			return err
		}
	} else if err := p.store.UpdatePatchState(ctx, rec.TraceID, string(to), code); err != nil {
		return err
	}

	payload := map[string]any{"state": string(to)}
	if code != "" {
		payload["failure_code"] = code
	}
	for k, v := range extra {
		payload[k] = v
	}
	p.emit(ctx, stateEvents[to], rec.TraceID, payload)
	return nil
}

func (p *Pipeline) emit(ctx context.Context, typ events.Type, traceID string, payload map[string]any) {
	if trace.TraceID(ctx) == "" {
		ctx, _ = trace.NewRoot(ctx)
	}
	payload["patch_trace_id"] = traceID
	if _, err := p.log.Emit(ctx, typ, "selfupdate",
		events.Actor{Kind: events.ActorSystem, ID: "selfupdate"}, payload); err != nil {
		p.logger.Error("failed to record transition", "type", string(typ), "error", err)
	}
}

// load reads the disk record and requires the given state.
func (p *Pipeline) load(traceID string, want State) (*Record, error) {
	rec, err := p.mirror.load(traceID)
	if err != nil {
		return nil, err
	}
	if rec.State != want {
		return nil, errdef.Newf(errdef.PermanentValidation,
			"patch %s is %s, not %s", traceID, rec.State, want)
	}
	return rec, nil
}

// Recover reconciles store rows with the disk mirrors after a crash.
// Disk wins: the mirror is written before any event is emitted.
func (p *Pipeline) Recover(ctx context.Context) error {
	recs, err := p.mirror.loadAll()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		stored, err := p.store.GetPatch(ctx, rec.TraceID)
		if err != nil {
			if errdef.KindOf(err) == errdef.PermanentNotFound {
				insErr := p.store.InsertPatch(ctx, &storage.Patch{
					TraceID:      rec.TraceID,
					State:        string(rec.State),
					BaselineRef:  rec.BaselineRef,
					EvidenceJSON: rec.EvidenceJSON,
					FailureCode:  rec.FailureCode,
				})
				if insErr != nil {
					return insErr
				}
				continue
			}
			return err
		}
		if stored.State != string(rec.State) {
			p.logger.Warn("reconciling patch state from disk",
				"trace_id", rec.TraceID, "disk", string(rec.State), "store", stored.State)
			if err := p.store.UpdatePatchState(ctx, rec.TraceID, string(rec.State), rec.FailureCode); err != nil {
				return err
			}
		}
	}
	return nil
}

// dayStart returns the current UTC day boundary, the guardrail counter
// reset point.
func (p *Pipeline) dayStart() time.Time {
	now := p.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
