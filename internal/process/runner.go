package process

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"nightpilot/internal/errors"
	"nightpilot/internal/job"
	logx "nightpilot/pkg/logx"
)

// Invocation is one call of the external CLI.
type Invocation struct {
	Prompt          string
	WorkingDir      string
	Env             map[string]string
	ExtraArgs       string
	SkipPermissions bool
}

// Output is what the CLI printed. On a non-zero exit Text holds stderr
// followed by stdout.
type Output struct {
	Text     string
	Usage    *job.Usage
	ExitCode int
}

// Runner executes one invocation to completion. Implementations must stop
// the subprocess when ctx is done.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Output, error)
}

const DefaultBinary = "claude"

// CLIRunner runs the assistant CLI in print mode with JSON output.
type CLIRunner struct {
	Binary string
	// ExtraArgs are prepended to every invocation's own extra args.
	ExtraArgs string
	// SkipPermissions forces --dangerously-skip-permissions on every run.
	SkipPermissions bool
	Log             logx.Logger
}

func NewCLIRunner(binary, extraArgs string, log logx.Logger) *CLIRunner {
	if strings.TrimSpace(binary) == "" {
		binary = DefaultBinary
	}
	return &CLIRunner{Binary: binary, ExtraArgs: extraArgs, Log: log}
}

// cliResponse is the --output-format json envelope.
type cliResponse struct {
	Result    string  `json:"result"`
	Message   string  `json:"message"`
	Type      string  `json:"type"`
	IsError   bool    `json:"is_error"`
	Model     string  `json:"model"`
	TotalCost float64 `json:"total_cost_usd"`
	Usage     struct {
		InputTokens     int64 `json:"input_tokens"`
		OutputTokens    int64 `json:"output_tokens"`
		CacheReadTokens int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

// Args builds the argument vector for inv.
func (r *CLIRunner) Args(inv Invocation) ([]string, error) {
	args := []string{"-p", inv.Prompt, "--output-format", "json"}
	if inv.SkipPermissions || r.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	for _, raw := range []string{r.ExtraArgs, inv.ExtraArgs} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		extra, err := shellquote.Split(raw)
		if err != nil {
			return nil, errors.NoRetry(errors.Wrapf(err, "split extra args %q", raw))
		}
		args = append(args, extra...)
	}
	return args, nil
}

func (r *CLIRunner) Run(ctx context.Context, inv Invocation) (Output, error) {
	if strings.TrimSpace(inv.Prompt) == "" {
		return Output{}, errors.NoRetry(errors.New("prompt is empty"))
	}
	args, err := r.Args(inv)
	if err != nil {
		return Output{}, err
	}
	stdout, stderr, code, err := r.exec(ctx, inv.WorkingDir, inv.Env, args)
	if err != nil {
		return Output{Text: combine(stderr, stdout), ExitCode: code}, err
	}
	if code != 0 {
		text := combine(stderr, stdout)
		return Output{Text: text, ExitCode: code}, errors.Mark(
			errors.Newf("%s exited with code %d: %s", r.Binary, code, firstLine(text)),
			errors.ErrExecutionFailed)
	}
	return parseOutput(stdout)
}

// RunCommand runs the binary with raw args and returns stdout.
func (r *CLIRunner) RunCommand(ctx context.Context, args ...string) ([]byte, error) {
	stdout, stderr, code, err := r.exec(ctx, "", nil, args)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return []byte(stdout), errors.Newf("%s %s exited with code %d: %s", r.Binary, strings.Join(args, " "), code, firstLine(stderr))
	}
	return []byte(stdout), nil
}

func (r *CLIRunner) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := r.RunCommand(ctx, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *CLIRunner) exec(ctx context.Context, dir string, env map[string]string, args []string) (stdout, stderr string, code int, err error) {
	cmd := exec.Command(r.Binary, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), envList(env)...)
	}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err := cmd.Start(); err != nil {
		return "", "", -1, errors.NoRetry(errors.Wrapf(err, "start %s", r.Binary))
	}
	pid := cmd.Process.Pid
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case werr := <-waitCh:
		if werr != nil {
			var ee *exec.ExitError
			if errors.As(werr, &ee) {
				return outBuf.String(), errBuf.String(), ee.ExitCode(), nil
			}
			return outBuf.String(), errBuf.String(), -1, errors.Wrapf(werr, "wait %s", r.Binary)
		}
		return outBuf.String(), errBuf.String(), 0, nil
	case <-ctx.Done():
		if kerr := killTree(pid); kerr != nil && !r.Log.IsZero() {
			r.Log.Warn("process.kill_failed", logx.Int("pid", pid), logx.Err(kerr))
		}
		<-waitCh
		cause := ctx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			return outBuf.String(), errBuf.String(), -1, errors.Timeout(errors.Wrapf(cause, "%s pid %d", r.Binary, pid))
		}
		return outBuf.String(), errBuf.String(), -1, errors.Wrapf(cause, "%s pid %d", r.Binary, pid)
	}
}

// parseOutput reads the JSON envelope. Plain text output is passed through.
// An envelope flagged is_error becomes an execution error so its text reaches
// the cooldown detector.
func parseOutput(stdout string) (Output, error) {
	trimmed := strings.TrimSpace(stdout)
	if !strings.HasPrefix(trimmed, "{") {
		return Output{Text: stdout}, nil
	}
	var resp cliResponse
	if err := json.Unmarshal([]byte(trimmed), &resp); err != nil {
		return Output{Text: stdout}, nil
	}
	text := resp.Result
	if text == "" {
		text = resp.Message
	}
	out := Output{
		Text: text,
		Usage: &job.Usage{
			InputTokens:     resp.Usage.InputTokens,
			OutputTokens:    resp.Usage.OutputTokens,
			CacheReadTokens: resp.Usage.CacheReadTokens,
			CostUSD:         resp.TotalCost,
			Model:           resp.Model,
		},
	}
	if resp.IsError {
		return out, errors.Mark(errors.Newf("cli reported error: %s", firstLine(text)), errors.ErrExecutionFailed)
	}
	return out, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func combine(stderr, stdout string) string {
	stderr, stdout = strings.TrimSpace(stderr), strings.TrimSpace(stdout)
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	}
	return stderr + "\n" + stdout
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
