package selfupdate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/identity"
)

// Propose ingests a patch proposal. The evidence contract and the
// governance guardrail are enforced here; a proposal that fails either
// lands terminally in rejected. A governance rejection never persists
// the patch content or its evidence.
func (p *Pipeline) Propose(ctx context.Context, traceID string, patch []byte, ev *Evidence) (*Record, error) {
	if _, err := p.mirror.load(traceID); err == nil {
		return nil, errdef.Newf(errdef.PermanentValidation, "patch %s already proposed", traceID)
	}

	rec := &Record{TraceID: traceID}
	if ev != nil {
		rec.BaselineRef = ev.BaselineRef
	}

	if !ev.complete() {
		if ev != nil {
			rec.EvidenceJSON, _ = p.mirror.writeEvidence(traceID, ev)
		}
		if err := p.transition(ctx, rec, StateRejected, CodeEvidenceMissing, nil); err != nil {
			return nil, err
		}
		return rec, nil
	}

	if p.editsGovernance(patch) {
		// Only the rejection record survives: neither the patch nor its
		// evidence is persisted for a governance edit attempt.
		if err := p.transition(ctx, rec, StateRejected, CodeGovernanceIdentityEdits, nil); err != nil {
			return nil, err
		}
		return rec, nil
	}

	evJSON, err := p.mirror.writeEvidence(traceID, ev)
	if err != nil {
		return nil, err
	}
	rec.EvidenceJSON = evJSON
	if err := p.mirror.writePatch(traceID, patch); err != nil {
		return nil, err
	}
	if err := p.transition(ctx, rec, StateProposed, "", map[string]any{
		"baseline_ref": ev.BaselineRef,
	}); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks the proposed patch: parse, path allowlist, clean
// dry-apply at the baseline, and deterministic replay.
func (p *Pipeline) Validate(ctx context.Context, traceID string) error {
	rec, err := p.load(traceID, StateProposed)
	if err != nil {
		return err
	}
	patch, err := p.mirror.readPatch(traceID)
	if err != nil {
		return err
	}

	files, err := godiff.ParseMultiFileDiff(patch)
	if err != nil || len(files) == 0 {
		return p.transition(ctx, rec, StateFailed, CodePatchParse, nil)
	}
	paths := touchedPaths(files)
	if bad := p.deniedPath(paths); bad != "" {
		return p.transition(ctx, rec, StateFailed, CodePathDenied, map[string]any{"path": bad})
	}

	worktree, cleanup, err := p.worktree(ctx, rec.BaselineRef)
	if err != nil {
		return err
	}
	defer cleanup()

	if _, err := p.run.Git(ctx, worktree, "apply", "--check", p.mirror.patchPath(traceID)); err != nil {
		return p.transition(ctx, rec, StateFailed, CodeApplyConflict, nil)
	}

	// Deterministic replay: apply twice from the same baseline and
	// compare the touched-file hash sets.
	first, err := p.applyAndHash(ctx, worktree, traceID, paths)
	if err != nil {
		return p.transition(ctx, rec, StateFailed, CodeApplyConflict, nil)
	}
	if _, err := p.run.Git(ctx, worktree, "checkout", "--", "."); err != nil {
		return err
	}
	second, err := p.applyAndHash(ctx, worktree, traceID, paths)
	if err != nil || !sameHashes(first, second) {
		return p.transition(ctx, rec, StateFailed, CodeReplayMismatch, nil)
	}

	return p.transition(ctx, rec, StateValidated, "", map[string]any{"files": len(paths)})
}

// Test runs the configured smoke suite in a fresh worktree with the
// patch applied. Gate mode warn lets failures through; enforce fails
// the pipeline.
func (p *Pipeline) Test(ctx context.Context, traceID string) error {
	rec, err := p.load(traceID, StateValidated)
	if err != nil {
		return err
	}

	worktree, cleanup, err := p.worktree(ctx, rec.BaselineRef)
	if err != nil {
		return err
	}
	defer cleanup()
	if _, err := p.run.Git(ctx, worktree, "apply", p.mirror.patchPath(traceID)); err != nil {
		return p.transition(ctx, rec, StateFailed, CodeApplyConflict, nil)
	}

	for _, argv := range p.cfg.SmokeCommands {
		out, err := p.run.Command(ctx, worktree, argv)
		if err == nil {
			continue
		}
		if p.cfg.TestGate == "warn" {
			p.logger.Warn("smoke check failed in warn mode",
				"trace_id", traceID, "command", strings.Join(argv, " "), "error", err)
			continue
		}
		return p.transition(ctx, rec, StateFailed, CodeSmokeFailed, map[string]any{
			"command": strings.Join(argv, " "),
			"output":  truncateOutput(out),
		})
	}
	return p.transition(ctx, rec, StateTested, "", map[string]any{"gate": p.cfg.TestGate})
}

// worktree checks out a detached temp worktree at ref.
func (p *Pipeline) worktree(ctx context.Context, ref string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "warden-patch-*")
	if err != nil {
		return "", nil, err
	}
	if _, err := p.run.Git(ctx, p.cfg.RepoRoot, "worktree", "add", "--detach", dir, ref); err != nil {
		os.RemoveAll(dir)
		return "", nil, errdef.Wrap(errdef.PermanentValidation, err)
	}
	cleanup := func() {
		p.run.Git(context.Background(), p.cfg.RepoRoot, "worktree", "remove", "--force", dir)
		os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

func (p *Pipeline) applyAndHash(ctx context.Context, worktree, traceID string, paths []string) (map[string]string, error) {
	if _, err := p.run.Git(ctx, worktree, "apply", p.mirror.patchPath(traceID)); err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(paths))
	for _, rel := range paths {
		raw, err := os.ReadFile(filepath.Join(worktree, rel))
		if err != nil {
			if os.IsNotExist(err) {
				hashes[rel] = "deleted"
				continue
			}
			return nil, err
		}
		sum := sha256.Sum256(raw)
		hashes[rel] = hex.EncodeToString(sum[:])
	}
	return hashes, nil
}

// deniedPath returns the first touched path outside the allowlist, or
// "".
func (p *Pipeline) deniedPath(paths []string) string {
	for _, path := range paths {
		if filepath.IsAbs(path) || strings.Contains(path, "..") {
			return path
		}
		ok := false
		for _, prefix := range p.cfg.PathAllowlist {
			if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
				ok = true
				break
			}
		}
		if !ok {
			return path
		}
	}
	return ""
}

// governanceLine matches an added or removed governance frontmatter
// key.
var governanceLine = regexp.MustCompile(
	`(?m)^[+-]\s*(` + strings.Join(identity.GovernanceKeys, "|") + `)\s*:`)

// editsGovernance reports whether the patch modifies a governance key
// inside a guarded identity document.
func (p *Pipeline) editsGovernance(patch []byte) bool {
	files, err := godiff.ParseMultiFileDiff(patch)
	if err != nil {
		return false // validation will reject the parse failure
	}
	for _, f := range files {
		if !p.guardedIdentity(stripPrefix(f.NewName), stripPrefix(f.OrigName)) {
			continue
		}
		for _, h := range f.Hunks {
			if governanceLine.Match(h.Body) {
				return true
			}
		}
	}
	return false
}

func (p *Pipeline) guardedIdentity(paths ...string) bool {
	for _, path := range paths {
		for _, guarded := range p.cfg.IdentityFiles {
			if path == guarded {
				return true
			}
		}
	}
	return false
}

// touchedPaths extracts the repo-relative path set from a parsed diff.
func touchedPaths(files []*godiff.FileDiff) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, f := range files {
		for _, name := range []string{stripPrefix(f.NewName), stripPrefix(f.OrigName)} {
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			paths = append(paths, name)
		}
	}
	return paths
}

// stripPrefix removes the a/ or b/ diff prefix and maps /dev/null to
// empty.
func stripPrefix(name string) string {
	if name == "/dev/null" || name == "" {
		return ""
	}
	if len(name) > 2 && (name[:2] == "a/" || name[:2] == "b/") {
		return name[2:]
	}
	return name
}

func sameHashes(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func truncateOutput(out string) string {
	const max = 2048
	if len(out) <= max {
		return out
	}
	return out[:max] + "\n[truncated]"
}
