// Package relaunch recreates stopped units. The runtime cannot resume a unit
// in place, so "start" means rebuilding the original run command from the
// persisted launch record and running it again.
package relaunch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/ctrmux/internal/invoker"
	"github.com/g960059/ctrmux/internal/logging"
	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/security"
)

const (
	defaultNetworkMode = "bridge"
	defaultWorkDir     = "/"
)

// BuildRunArgs translates rec into the runtime's run argument vector. Flags
// are emitted only for non-default fields; the image follows the flags and
// the original command and arguments come last, verbatim.
func BuildRunArgs(rec model.LaunchRecord) []string {
	args := []string{"run"}
	if v := strings.TrimSpace(rec.Name); v != "" {
		args = append(args, "--name", v)
	}
	if v := strings.TrimSpace(rec.Hostname); v != "" {
		args = append(args, "--hostname", v)
	}
	if v := strings.TrimSpace(rec.WorkDir); v != "" && v != defaultWorkDir {
		args = append(args, "--workdir", v)
	}
	for _, key := range sortedKeys(rec.Env) {
		args = append(args, "--env", key+"="+rec.Env[key])
	}
	for _, host := range sortedKeys(rec.Volumes) {
		args = append(args, "--volume", host+":"+rec.Volumes[host])
	}
	for _, pm := range rec.PortMappings {
		if spec := publishSpec(pm); spec != "" {
			args = append(args, "--publish", spec)
		}
	}
	if v := strings.TrimSpace(rec.NetworkMode); v != "" && v != defaultNetworkMode {
		args = append(args, "--network", v)
	}
	if v := strings.TrimSpace(rec.Memory); v != "" {
		args = append(args, "--memory", v)
	}
	if v := strings.TrimSpace(rec.CPUs); v != "" {
		args = append(args, "--cpus", v)
	}
	args = append(args, rec.Image)
	if rec.Command != "" {
		args = append(args, rec.Command)
	}
	// Args without a command still follow the image, as the runtime would
	// pass them to the image's entrypoint.
	return append(args, rec.Args...)
}

func publishSpec(pm model.PortMapping) string {
	if pm.ContainerPort <= 0 {
		return ""
	}
	host := pm.HostPort
	if host <= 0 {
		host = pm.ContainerPort
	}
	spec := strconv.Itoa(host) + ":" + strconv.Itoa(pm.ContainerPort)
	if ip := strings.TrimSpace(pm.HostIP); ip != "" {
		spec = ip + ":" + spec
	}
	if proto := strings.ToLower(strings.TrimSpace(pm.Protocol)); proto != "" && proto != "tcp" {
		spec += "/" + proto
	}
	return spec
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RecordSource resolves a possibly truncated unit reference to its record.
type RecordSource interface {
	Resolve(ref string) (model.LaunchRecord, error)
}

type Invoker interface {
	Invoke(ctx context.Context, args []string, timeout time.Duration) (invoker.Result, error)
}

// Observer counts relaunch outcomes.
type Observer interface {
	ObserveRelaunch(outcome string)
}

type Plan struct {
	Record model.LaunchRecord
	Args   []string
}

// Redacted renders the plan's argument vector with secret env values masked.
func (p Plan) Redacted() []string {
	return security.RedactArgs(p.Args)
}

type Outcome struct {
	Plan   Plan
	Result invoker.Result
}

type Reconstructor struct {
	source   RecordSource
	invoker  Invoker
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
}

func NewReconstructor(source RecordSource, iv Invoker, timeout time.Duration, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reconstructor{
		source:  source,
		invoker: iv,
		timeout: timeout,
		logger:  logger,
	}
}

func (r *Reconstructor) SetObserver(obs Observer) {
	r.observer = obs
}

// Reconstruct locates the record for ref and builds the run arguments for an
// equivalent new unit.
func (r *Reconstructor) Reconstruct(_ context.Context, ref string) (Plan, error) {
	rec, err := r.source.Resolve(ref)
	if err != nil {
		return Plan{}, err
	}
	if strings.TrimSpace(rec.Image) == "" {
		return Plan{}, fmt.Errorf("%w: record %s has no image", model.ErrStateNotFound, rec.ID)
	}
	return Plan{Record: rec, Args: BuildRunArgs(rec)}, nil
}

// Relaunch reconstructs ref and runs the result detached. A record that
// cannot be found is never launched.
func (r *Reconstructor) Relaunch(ctx context.Context, ref string) (Outcome, error) {
	plan, err := r.Reconstruct(ctx, ref)
	if err != nil {
		r.observe("state_error")
		return Outcome{}, err
	}
	args := make([]string, 0, len(plan.Args)+1)
	args = append(args, plan.Args[0], "--detach")
	args = append(args, plan.Args[1:]...)

	r.logger.Info("relaunching unit", "ref", ref, "id", plan.Record.ID, "args", strings.Join(security.RedactArgs(args), " "))
	res, err := r.invoker.Invoke(ctx, args, r.timeout)
	out := Outcome{Plan: plan, Result: res}
	if err != nil {
		r.observe("invoke_error")
		return out, err
	}
	if res.ExitCode != 0 {
		r.observe("nonzero")
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return out, fmt.Errorf("%w: exit %d: %s", model.ErrRelaunchFailed, res.ExitCode, msg)
	}
	r.observe("ok")
	return out, nil
}

func (r *Reconstructor) observe(outcome string) {
	if r.observer != nil {
		r.observer.ObserveRelaunch(outcome)
	}
}
