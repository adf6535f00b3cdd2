package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/g960059/ctrmux/internal/invoker"
	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/proc"
)

// runLog drives Starting -> Replaying-History -> Following. Stopped is
// handled by teardown.
func (w *worker) runLog(ctx context.Context) {
	unit := w.s.Key.UnitID

	res, err := w.invoke(ctx, invoker.InspectArgs(unit))
	if w.s.Stopped() {
		return
	}
	if err != nil {
		w.fail(fmt.Sprintf("inspect %s: %v", unit, err))
		return
	}
	if res.ExitCode != 0 {
		w.fail(fmt.Sprintf("%v: %s (%s)", model.ErrUnitNotFound, unit, commandFailure(res)))
		return
	}

	res, err = w.invoke(ctx, invoker.LogsArgs(unit, w.s.Tail))
	if w.s.Stopped() {
		return
	}
	if err != nil {
		w.fail(fmt.Sprintf("read logs %s: %v", unit, err))
		return
	}
	if res.ExitCode != 0 {
		w.fail(fmt.Sprintf("read logs %s: %s", unit, commandFailure(res)))
		return
	}
	if !w.emit(model.MessageInitial, joinStreams(res.Stdout, res.Stderr)) {
		return
	}

	child, err := w.m.spawner.Spawn(w.m.ctx, invoker.FollowLogsArgs(unit), proc.Options{Mode: proc.Lines})
	if err != nil {
		w.fail(fmt.Sprintf("%v: follow logs %s: %v", model.ErrLaunchFailed, unit, err))
		return
	}
	w.child = child
	w.follow(child)
}

// follow polls the follower: one line per iteration when available,
// otherwise an idle wait of one poll interval that a stop cuts short.
func (w *worker) follow(child Process) {
	out := child.Output()
	poll := w.m.cfg.LogPollInterval
	for {
		if w.s.Stopped() {
			return
		}
		select {
		case <-child.Exited():
			w.drain(out, model.MessageStream)
			if err := child.ExitErr(); err != nil {
				w.fail(fmt.Sprintf("log follower exited: %v", err))
			} else {
				w.exited()
			}
			return
		default:
		}
		if out != nil {
			select {
			case chunk, ok := <-out:
				if !ok {
					out = nil
					continue
				}
				w.emit(model.MessageStream, chunk.Data)
				continue
			default:
			}
		}
		idle := time.NewTimer(poll)
		select {
		case <-w.s.Done():
		case <-child.Exited():
		case <-idle.C:
		}
		idle.Stop()
	}
}

// drain forwards output that was buffered before the child exited. Output
// held open by a grandchild is abandoned after the stop grace period.
func (w *worker) drain(out <-chan proc.Chunk, typ model.MessageType) {
	if out == nil {
		return
	}
	deadline := time.NewTimer(w.m.cfg.StopGrace)
	defer deadline.Stop()
	for {
		select {
		case chunk, ok := <-out:
			if !ok {
				return
			}
			if !w.emit(typ, chunk.Data) {
				return
			}
		case <-w.s.Done():
			return
		case <-deadline.C:
			return
		}
	}
}

func joinStreams(stdout, stderr string) string {
	stdout = strings.TrimRight(stdout, "\n")
	stderr = strings.TrimRight(stderr, "\n")
	switch {
	case stderr == "":
		return stdout
	case stdout == "":
		return stderr
	default:
		return stdout + "\n" + stderr
	}
}
