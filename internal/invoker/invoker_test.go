package invoker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/g960059/ctrmux/internal/config"
	"github.com/g960059/ctrmux/internal/model"
)

type fakeRunner struct {
	calls   []runnerCall
	results []runnerResult
}

type runnerCall struct {
	name string
	args []string
}

type runnerResult struct {
	out Output
	err error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (Output, error) {
	f.calls = append(f.calls, runnerCall{name: name, args: append([]string(nil), args...)})
	if len(f.results) == 0 {
		return Output{Stdout: []byte("ok")}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r.out, r.err
}

type recordingObserver struct {
	outcomes []string
}

func (r *recordingObserver) ObserveInvocation(verb, outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, verb+":"+outcome)
}

func TestInvokePrependsRuntimeArgs(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RuntimeBinary = "servin"
	cfg.RuntimeArgs = []string{"--dev"}
	r := &fakeRunner{}
	iv := New(cfg, WithRunner(r))

	res, err := iv.Invoke(context.Background(), InspectArgs("c1"), time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !res.OK() || res.Stdout != "ok" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(r.calls) != 1 || r.calls[0].name != "servin" {
		t.Fatalf("unexpected calls: %#v", r.calls)
	}
	if strings.Join(r.calls[0].args, " ") != "--dev inspect c1" {
		t.Fatalf("unexpected args: %#v", r.calls[0].args)
	}
}

func TestInvokeNonZeroExitIsNotAnError(t *testing.T) {
	r := &fakeRunner{results: []runnerResult{{out: Output{Stderr: []byte("no such container"), ExitCode: 1}}}}
	obs := &recordingObserver{}
	iv := New(config.DefaultConfig(), WithRunner(r), WithObserver(obs))

	res, err := iv.Invoke(context.Background(), StopArgs("c1"), time.Second)
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if res.ExitCode != 1 || res.OK() {
		t.Fatalf("unexpected result: %+v", res)
	}
	if !IsNotFound(res) {
		t.Fatalf("expected not-found classification")
	}
	if len(obs.outcomes) != 1 || obs.outcomes[0] != "stop:nonzero" {
		t.Fatalf("unexpected observations: %#v", obs.outcomes)
	}
}

func TestInvokeRetriesReadOnlyLaunchFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = []time.Duration{time.Millisecond}
	r := &fakeRunner{results: []runnerResult{
		{err: errors.New("text file busy")},
		{out: Output{Stdout: []byte("line")}},
	}}
	iv := New(cfg, WithRunner(r))

	res, err := iv.Invoke(context.Background(), LogsArgs("c1", 10), time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Stdout != "line" || len(r.calls) != 2 {
		t.Fatalf("expected retry, calls=%d res=%+v", len(r.calls), res)
	}
}

func TestInvokeDoesNotRetryMutatingVerb(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = []time.Duration{time.Millisecond}
	r := &fakeRunner{results: []runnerResult{{err: errors.New("permission denied")}}}
	iv := New(cfg, WithRunner(r))

	_, err := iv.Invoke(context.Background(), []string{"run", "alpine"}, time.Second)
	if !errors.Is(err, model.ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
	if len(r.calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(r.calls))
	}
}

func TestInvokeRejectsEmptyCommand(t *testing.T) {
	iv := New(config.DefaultConfig(), WithRunner(&fakeRunner{}))
	if _, err := iv.Invoke(context.Background(), nil, time.Second); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestOSRunnerMissingBinaryIsLaunchFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RuntimeBinary = filepath.Join(t.TempDir(), "does-not-exist")
	cfg.RuntimeArgs = nil
	cfg.RetryBackoff = nil
	iv := New(cfg)

	_, err := iv.Invoke(context.Background(), InspectArgs("c1"), time.Second)
	if !errors.Is(err, model.ErrLaunchFailed) {
		t.Fatalf("expected ErrLaunchFailed, got %v", err)
	}
}

func TestOSRunnerTimeoutKillsChild(t *testing.T) {
	bin := writeScript(t, "#!/bin/sh\nsleep 30\n")
	cfg := config.DefaultConfig()
	cfg.RuntimeBinary = bin
	cfg.RuntimeArgs = nil
	iv := New(cfg)

	start := time.Now()
	res, err := iv.Invoke(context.Background(), []string{"stop", "c1"}, 150*time.Millisecond)
	if !errors.Is(err, model.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected TimedOut result: %+v", res)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timed out invocation was not reaped promptly: %s", elapsed)
	}
}

func TestOSRunnerCapturesStreamsAndExitCode(t *testing.T) {
	bin := writeScript(t, "#!/bin/sh\necho \"out:$1\"\necho err >&2\nexit 3\n")
	cfg := config.DefaultConfig()
	cfg.RuntimeBinary = bin
	cfg.RuntimeArgs = nil
	iv := New(cfg)

	res, err := iv.Invoke(context.Background(), []string{"inspect"}, 2*time.Second)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("unexpected exit code: %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "out:inspect" || strings.TrimSpace(res.Stderr) != "err" {
		t.Fatalf("unexpected streams: %+v", res)
	}
}

func TestLogsArgsOmitsTailWhenUnbounded(t *testing.T) {
	if got := strings.Join(LogsArgs("c1", 0), " "); got != "logs c1" {
		t.Fatalf("unexpected args: %s", got)
	}
	if got := strings.Join(LogsArgs("c1", 100), " "); got != "logs --tail 100 c1" {
		t.Fatalf("unexpected args: %s", got)
	}
}

func TestVerbArgsMatchRuntimeFlags(t *testing.T) {
	cases := []struct {
		got  []string
		want string
	}{
		{ListArgs(), "ls --detailed"},
		{InspectArgs("c1"), "inspect c1"},
		{FollowLogsArgs("c1"), "logs --follow --tail 0 c1"},
		{ExecArgs("c1", "/bin/sh"), "exec --interactive c1 /bin/sh"},
		{StopArgs("c1"), "stop c1"},
		{RemoveArgs("c1", true), "rm --force c1"},
		{VolumeListArgs(), "volume ls"},
		{VolumeRemoveArgs("data", true), "volume rm --force data"},
	}
	for _, tc := range cases {
		if got := strings.Join(tc.got, " "); got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, got)
		}
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh unavailable")
	}
	path := filepath.Join(t.TempDir(), "fake-runtime")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}
