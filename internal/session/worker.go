package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/g960059/ctrmux/internal/invoker"
	"github.com/g960059/ctrmux/internal/model"
)

// worker owns one session's child process and emits its messages. It is
// the only reader of the child's output.
type worker struct {
	m      *Multiplexer
	s      *Session
	child  Process
	logger *slog.Logger

	failMsg   string
	endReason string
}

// emit sends a non-terminal message. It reports false once the session is
// stopping or the client can no longer be reached.
func (w *worker) emit(typ model.MessageType, data string) bool {
	err := w.s.send(w.s.message(typ, data))
	if err == nil {
		if w.m.metrics != nil {
			w.m.metrics.MessageSent(typ)
		}
		return true
	}
	if !errors.Is(err, errStopped) {
		w.logger.Debug("sink send failed", "type", string(typ), "error", err)
		w.s.requestStop(model.EndReasonDisconnect)
	}
	return false
}

// fail marks the session as ended by an error; the message becomes the
// terminal error push.
func (w *worker) fail(msg string) {
	if w.failMsg == "" {
		w.failMsg = msg
	}
}

func (w *worker) exited() {
	if w.endReason == "" {
		w.endReason = model.EndReasonExited
	}
}

// teardown terminates the child, removes the session from the registry and
// emits exactly one terminal message.
func (w *worker) teardown() {
	if w.child != nil {
		if err := w.child.Terminate(w.m.cfg.StopGrace); err != nil {
			w.logger.Debug("child terminated", "error", err)
		}
	}

	reason := w.endReason
	final := w.s.message(model.MessageSystem, w.stoppedText())
	switch {
	case w.s.Stopped() && w.s.StopReason() != "":
		reason = w.s.StopReason()
	case w.failMsg != "":
		reason = model.EndReasonError
		final = w.s.message(model.MessageError, w.failMsg)
	case reason == "":
		reason = model.EndReasonExited
	}
	w.s.requestStop(reason)
	w.m.registry.Remove(w.s)

	if err := w.s.sendFinal(final); err != nil {
		w.logger.Debug("terminal message not delivered", "error", err)
	} else if w.m.metrics != nil {
		w.m.metrics.MessageSent(final.Type)
	}
	w.logger.Info("session ended", "reason", reason)
	w.m.recordEnd(w.s, reason)
}

func (w *worker) stoppedText() string {
	if w.s.Key.Kind == model.SessionKindExec {
		return "session ended"
	}
	return "log stream stopped"
}

func (w *worker) invoke(ctx context.Context, args []string) (invoker.Result, error) {
	return w.m.invoker.Invoke(ctx, args, 0)
}

func commandFailure(res invoker.Result) string {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	if msg == "" {
		return fmt.Sprintf("exit %d", res.ExitCode)
	}
	return fmt.Sprintf("exit %d: %s", res.ExitCode, msg)
}
