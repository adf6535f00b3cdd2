package session

import (
	"fmt"
	"time"

	"github.com/g960059/ctrmux/internal/invoker"
	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/proc"
)

// runExec drives Starting -> Interactive. Each loop iteration checks for
// stop or exit, forwards at most one queued input and then waits a bounded
// time for output.
func (w *worker) runExec() {
	unit := w.s.Key.UnitID
	shell := w.s.Shell

	child, err := w.m.spawner.Spawn(w.m.ctx, invoker.ExecArgs(unit, shell), proc.Options{Stdin: true, Mode: proc.Chunks})
	if err != nil {
		w.fail(fmt.Sprintf("%v: exec %s in %s: %v", model.ErrLaunchFailed, shell, unit, err))
		return
	}
	w.child = child
	if !w.emit(model.MessageSystem, "exec session started: "+shell) {
		return
	}
	w.emit(model.MessagePrompt, unit+":"+shell+"$ ")

	ctx, cancel := w.s.stopContext(w.m.ctx)
	defer cancel()

	out := child.Output()
	wait := w.m.cfg.ExecReadWait
	for {
		if w.s.Stopped() {
			return
		}
		select {
		case <-child.Exited():
			w.drain(out, model.MessageOutput)
			if err := child.ExitErr(); err != nil {
				w.fail(fmt.Sprintf("shell exited: %v", err))
			} else {
				w.exited()
			}
			return
		default:
		}

		if text, ok := w.s.dequeue(); ok {
			if err := child.Write(ctx, text+"\n"); err != nil {
				if !w.s.Stopped() {
					w.fail(fmt.Sprintf("write input: %v", err))
				}
				return
			}
			// The echo goes out before the next read so it precedes any
			// output the input produced.
			w.emit(model.MessageInput, text)
		}

		timer := time.NewTimer(wait)
		select {
		case chunk, ok := <-out:
			if !ok {
				out = nil
			} else {
				w.emit(model.MessageOutput, chunk.Data)
			}
		case <-w.s.inputCh:
		case <-w.s.Done():
		case <-child.Exited():
		case <-timer.C:
		}
		timer.Stop()
	}
}
