package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/warden/internal/errdef"
	"github.com/haasonsaas/warden/internal/policy"
)

// ExecHostConfig controls the host-execution tool.
type ExecHostConfig struct {
	// EnvAllowlist names the only environment variables passed through.
	EnvAllowlist []string

	// DenyPatterns are regular expressions; a command matching any is
	// refused before it runs.
	DenyPatterns []string

	// CwdAllowlist are the directory prefixes a working directory may
	// resolve under. The first entry is the default cwd.
	CwdAllowlist []string

	// Sandbox selects resource limiting: "none" runs the command bare,
	// anything else wraps it in prlimit with the caps below.
	Sandbox string

	MemoryLimitMB int
	CPULimitSecs  int

	Timeout time.Duration
}

type execHostArgs struct {
	Command string `json:"command" jsonschema:"description=Shell command to run"`
	Cwd     string `json:"cwd,omitempty" jsonschema:"description=Working directory, must resolve under an allowed prefix"`
}

type execHost struct {
	cfg  ExecHostConfig
	deny []*regexp.Regexp
}

// NewExecHostTool builds the host-execution tool. It is high tier and
// mutating; the command and cwd are checked against the configured
// deny patterns and directory allowlist before anything runs.
func NewExecHostTool(cfg ExecHostConfig) (*Tool, error) {
	if len(cfg.CwdAllowlist) == 0 {
		return nil, errdef.New(errdef.PermanentValidation, "exec_host requires at least one allowed working directory")
	}
	h := &execHost{cfg: cfg}
	for _, pattern := range cfg.DenyPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", pattern, err)
		}
		h.deny = append(h.deny, re)
	}
	return &Tool{
		Name:          "exec_host",
		Description:   "Run a shell command on the host under sandbox limits.",
		Schema:        MustCompileSchema(&execHostArgs{}),
		MinTier:       policy.TierHigh,
		Timeout:       cfg.Timeout,
		SideEffect:    SideEffectMutating,
		PathArgs:      []string{"cwd"},
		PersistOutput: true,
		Handler:       h.run,
	}, nil
}

func (h *execHost) run(ctx context.Context, args map[string]any) (*Result, error) {
	command, _ := args["command"].(string)
	for _, re := range h.deny {
		if re.MatchString(command) {
			return nil, errdef.Newf(errdef.PermanentValidation, "command matches deny pattern %q", re.String())
		}
	}

	cwd, err := h.resolveCwd(args)
	if err != nil {
		return nil, err
	}

	argv := []string{"sh", "-c", command}
	if h.cfg.Sandbox != "" && h.cfg.Sandbox != "none" {
		argv = append(h.prlimitArgs(), argv...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = h.filteredEnv()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		result.Summary = fmt.Sprintf("command failed: %v", runErr)
		result.Output = map[string]any{"exit_error": runErr.Error()}
		return result, nil
	}
	result.Summary = "command completed"
	result.Output = map[string]any{"exit_code": 0}
	return result, nil
}

func (h *execHost) resolveCwd(args map[string]any) (string, error) {
	cwd, _ := args["cwd"].(string)
	if cwd == "" {
		return h.cfg.CwdAllowlist[0], nil
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", errdef.Newf(errdef.PermanentValidation, "resolve cwd %q: %v", cwd, err)
	}
	for _, prefix := range h.cfg.CwdAllowlist {
		clean := filepath.Clean(prefix)
		if abs == clean || strings.HasPrefix(abs, clean+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", errdef.Newf(errdef.PermanentValidation, "cwd %q outside allowed prefixes", cwd)
}

func (h *execHost) prlimitArgs() []string {
	argv := []string{"prlimit"}
	if h.cfg.MemoryLimitMB > 0 {
		argv = append(argv, fmt.Sprintf("--as=%d", h.cfg.MemoryLimitMB*1024*1024))
	}
	if h.cfg.CPULimitSecs > 0 {
		argv = append(argv, fmt.Sprintf("--cpu=%d", h.cfg.CPULimitSecs))
	}
	argv = append(argv, "--")
	return argv
}

func (h *execHost) filteredEnv() []string {
	allowed := make(map[string]bool, len(h.cfg.EnvAllowlist))
	for _, name := range h.cfg.EnvAllowlist {
		allowed[name] = true
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if ok && allowed[name] {
			env = append(env, kv)
		}
	}
	return env
}
