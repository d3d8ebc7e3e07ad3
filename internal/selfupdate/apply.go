package selfupdate

import (
	"context"
	"fmt"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/haasonsaas/warden/internal/backoff"
	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/events"
	"github.com/haasonsaas/warden/internal/trace"
)

// Approve records the approval decision. The development profile
// auto-approves when the prior states are terminal-good; production
// requires an explicit actor id, persisted with the transition.
func (p *Pipeline) Approve(ctx context.Context, traceID, actorID string) error {
	rec, err := p.load(traceID, StateTested)
	if err != nil {
		return err
	}
	if p.cfg.Profile == "production" && actorID == "" {
		return errdef.New(errdef.PermanentValidation, "production profile requires an admin approval actor")
	}
	if actorID == "" {
		actorID = "auto"
	}
	rec.ApprovedBy = actorID
	return p.transition(ctx, rec, StateApproved, "", map[string]any{
		"approved_by": actorID,
		"profile":     p.cfg.Profile,
	})
}

// Apply enforces the apply-phase guardrails, commits the patch on a
// fresh auto/ branch, and triggers the configured restart.
func (p *Pipeline) Apply(ctx context.Context, traceID string) error {
	rec, err := p.load(traceID, StateApproved)
	if err != nil {
		return err
	}

	if tripped, detail := p.guardrailTripped(ctx, traceID); tripped {
		return p.transition(ctx, rec, StateFailed, CodeGuardrailTripped, map[string]any{
			"guardrail": detail,
		})
	}

	branch := fmt.Sprintf("auto/%d", p.now().UTC().Unix())
	root := p.cfg.RepoRoot
	if _, err := p.run.Git(ctx, root, "checkout", "-b", branch, rec.BaselineRef); err != nil {
		return errdef.Wrap(errdef.PermanentValidation, err)
	}
	if _, err := p.run.Git(ctx, root, "apply", p.mirror.patchPath(traceID)); err != nil {
		return p.transition(ctx, rec, StateFailed, CodeApplyConflict, nil)
	}
	if _, err := p.run.Git(ctx, root, "add", "-A"); err != nil {
		return errdef.Wrap(errdef.PermanentValidation, err)
	}
	msg := fmt.Sprintf("automated patch %s", traceID)
	if _, err := p.run.Git(ctx, root, "commit", "-m", msg); err != nil {
		return errdef.Wrap(errdef.PermanentValidation, err)
	}

	rec.Branch = branch
	if err := p.transition(ctx, rec, StateApplied, "", map[string]any{"branch": branch}); err != nil {
		return err
	}

	if err := p.sys.SetRestarting(ctx, true); err != nil {
		p.logger.Error("failed to flag restart", "error", err)
	}
	if len(p.cfg.RestartCommand) > 0 {
		if _, err := p.run.Command(ctx, root, p.cfg.RestartCommand); err != nil {
			p.logger.Error("restart command failed", "error", err)
		}
	}
	return nil
}

// guardrailTripped evaluates the bounded apply guardrails. The daily
// counters reset on the UTC day boundary.
func (p *Pipeline) guardrailTripped(ctx context.Context, traceID string) (bool, string) {
	g := p.cfg.Guardrails

	if patch, err := p.mirror.readPatch(traceID); err == nil {
		if files, err := godiff.ParseMultiFileDiff(patch); err == nil && len(files) > g.MaxFilesPerPatch {
			return true, fmt.Sprintf("max_files_per_patch: %d > %d", len(files), g.MaxFilesPerPatch)
		}
	}

	var ev Evidence
	if rec, err := p.mirror.load(traceID); err == nil && rec.EvidenceJSON != "" {
		if err := unmarshalEvidence(rec.EvidenceJSON, &ev); err == nil && ev.RiskScore > g.MaxRiskScore {
			return true, fmt.Sprintf("max_risk_score: %.2f > %.2f", ev.RiskScore, g.MaxRiskScore)
		}
	}

	day := p.dayStart()
	if n, err := p.store.CountPatchAttemptsSince(ctx, day); err == nil && n > g.MaxPatchAttemptsPerDay {
		return true, fmt.Sprintf("max_patch_attempts_per_day: %d > %d", n, g.MaxPatchAttemptsPerDay)
	}
	if n, err := p.store.CountPatchAppliesSince(ctx, day); err == nil && n >= g.MaxPRsPerDay {
		return true, fmt.Sprintf("max_prs_per_day: %d >= %d", n, g.MaxPRsPerDay)
	}
	return false, ""
}

// Verify polls readiness after the restart. K consecutive passes
// within the window verify the patch; anything else rolls back. A
// second rollback inside the rollback window triggers lockdown.
func (p *Pipeline) Verify(ctx context.Context, traceID string, ready Readiness) error {
	rec, err := p.load(traceID, StateApplied)
	if err != nil {
		return err
	}

	deadline := p.now().Add(p.cfg.VerifyWindow)
	consecutive := 0
	for p.now().Before(deadline) {
		if err := ready(ctx); err != nil {
			consecutive = 0
			p.logger.Warn("readiness check failed", "trace_id", traceID, "error", err)
		} else {
			consecutive++
			if consecutive >= p.cfg.VerifyChecks {
				if err := p.sys.SetRestarting(ctx, false); err != nil {
					p.logger.Error("failed to clear restart flag", "error", err)
				}
				return p.transition(ctx, rec, StateVerified, "", map[string]any{
					"checks": consecutive,
				})
			}
		}
		if err := backoff.Sleep(ctx, p.cfg.VerifyInterval); err != nil {
			break
		}
	}
	return p.rollback(ctx, rec)
}

// rollback reverts to the baseline, restarts, and records the
// rollback. Two rollbacks within the window lock the system down.
func (p *Pipeline) rollback(ctx context.Context, rec *Record) error {
	root := p.cfg.RepoRoot
	if _, err := p.run.Git(ctx, root, "checkout", rec.BaselineRef); err != nil {
		p.logger.Error("rollback checkout failed", "trace_id", rec.TraceID, "error", err)
	}
	if len(p.cfg.RestartCommand) > 0 {
		if _, err := p.run.Command(ctx, root, p.cfg.RestartCommand); err != nil {
			p.logger.Error("rollback restart failed", "error", err)
		}
	}

	p.emit(ctx, events.SelfUpdateRollback, rec.TraceID, map[string]any{
		"baseline_ref": rec.BaselineRef,
	})
	if err := p.transition(ctx, rec, StateRolledBack, CodeReadinessFailed, nil); err != nil {
		return err
	}
	if err := p.sys.SetRestarting(ctx, false); err != nil {
		p.logger.Error("failed to clear restart flag", "error", err)
	}

	since := p.now().Add(-p.cfg.RollbackWindow)
	evs, err := p.log.Search(ctx, events.Filter{
		Types: []events.Type{events.SelfUpdateRolledBack},
		Since: since,
	})
	if err == nil && len(evs) >= 2 {
		lockCtx := ctx
		if trace.TraceID(lockCtx) == "" {
			lockCtx, _ = trace.NewRoot(lockCtx)
		}
		if err := p.sys.TriggerLockdown(lockCtx,
			fmt.Sprintf("%d selfupdate rollbacks within %s", len(evs), p.cfg.RollbackWindow),
			events.Actor{Kind: events.ActorSystem, ID: "selfupdate"}); err != nil {
			p.logger.Error("failed to trigger lockdown", "error", err)
		}
	}
	return nil
}
