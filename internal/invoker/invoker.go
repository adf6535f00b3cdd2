package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/g960059/ctrmux/internal/config"
	"github.com/g960059/ctrmux/internal/model"
)

const defaultWaitDelay = 2 * time.Second

type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// OK reports a zero exit status.
func (r Result) OK() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Output is what a Runner captured from one finished process.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner starts a process and waits for it. A non-zero exit is reported via
// Output.ExitCode; err is reserved for processes that could not be started
// or were interrupted by ctx.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

// Observer receives one sample per invocation.
type Observer interface {
	ObserveInvocation(verb, outcome string, d time.Duration)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd, unix.SIGKILL)
	}
	cmd.WaitDelay = defaultWaitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	return out, err
}

// killGroup signals the whole process group so grandchildren spawned by the
// runtime are not orphaned.
func killGroup(cmd *exec.Cmd, sig unix.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := unix.Kill(-cmd.Process.Pid, sig); err != nil {
		return cmd.Process.Signal(sig)
	}
	return nil
}

type Invoker struct {
	cfg       config.Config
	runner    Runner
	observers []Observer
}

type Option func(*Invoker)

func WithRunner(runner Runner) Option {
	return func(iv *Invoker) {
		if runner != nil {
			iv.runner = runner
		}
	}
}

// WithObserver adds obs to the observers notified after every attempt.
func WithObserver(obs Observer) Option {
	return func(iv *Invoker) {
		if obs != nil {
			iv.observers = append(iv.observers, obs)
		}
	}
}

func New(cfg config.Config, opts ...Option) *Invoker {
	iv := &Invoker{
		cfg:    cfg,
		runner: OSRunner{},
	}
	for _, opt := range opts {
		opt(iv)
	}
	return iv
}

// Command returns the argument vector passed to the runtime binary.
func (iv *Invoker) Command(args ...string) []string {
	out := make([]string, 0, len(iv.cfg.RuntimeArgs)+len(args))
	out = append(out, iv.cfg.RuntimeArgs...)
	out = append(out, args...)
	return out
}

func (iv *Invoker) Binary() string {
	return iv.cfg.RuntimeBinary
}

// Invoke runs the runtime with args and waits at most timeout (the configured
// command timeout when timeout <= 0).
func (iv *Invoker) Invoke(ctx context.Context, args []string, timeout time.Duration) (Result, error) {
	if len(args) == 0 {
		return Result{}, fmt.Errorf("empty command")
	}
	if timeout <= 0 {
		timeout = iv.cfg.CommandTimeout
	}
	verb := commandVerb(args)
	argv := iv.Command(args...)

	maxAttempts := 1
	if isRetryableCommand(args) {
		maxAttempts += len(iv.cfg.RetryBackoff)
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		out, err := iv.runner.Run(runCtx, iv.cfg.RuntimeBinary, argv...)
		timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		elapsed := time.Since(start)

		res := Result{
			ExitCode: out.ExitCode,
			Stdout:   string(out.Stdout),
			Stderr:   string(out.Stderr),
			Duration: elapsed,
		}
		if timedOut {
			res.TimedOut = true
			res.ExitCode = -1
			iv.observe(verb, "timeout", elapsed)
			return res, fmt.Errorf("%w: %s %s after %s", model.ErrTimeout, iv.cfg.RuntimeBinary, verb, timeout)
		}
		if err == nil {
			outcome := "ok"
			if res.ExitCode != 0 {
				outcome = "nonzero"
			}
			iv.observe(verb, outcome, elapsed)
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			iv.observe(verb, "canceled", elapsed)
			return res, ctxErr
		}
		lastErr = err
		iv.observe(verb, "launch_failed", elapsed)

		if attempt < maxAttempts {
			backoff := iv.cfg.RetryBackoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}
	return Result{}, fmt.Errorf("%w: %s: %v", model.ErrLaunchFailed, iv.cfg.RuntimeBinary, lastErr)
}

func (iv *Invoker) observe(verb, outcome string, d time.Duration) {
	for _, obs := range iv.observers {
		obs.ObserveInvocation(verb, outcome, d)
	}
}

func commandVerb(args []string) string {
	for _, arg := range args {
		if arg == "" || strings.HasPrefix(arg, "-") {
			continue
		}
		return strings.ToLower(arg)
	}
	return "unknown"
}

// Read-only verbs are safe to repeat after a launch failure.
func isRetryableCommand(args []string) bool {
	switch commandVerb(args) {
	case "ls", "list", "inspect", "logs", "info":
		return true
	case "volume":
		return len(args) > 1 && (args[1] == "ls" || args[1] == "list")
	default:
		return false
	}
}
