package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/ctrmux/internal/appclient"
	"github.com/g960059/ctrmux/internal/model"
	"github.com/g960059/ctrmux/internal/streamproto"
)

const (
	streamClientName = "ctrmux-cli"
	stopGrace        = 3 * time.Second
)

func (r *Runner) logsCmd() *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <unit>",
		Short: "Follow a unit's logs until interrupted",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unit := args[0]
			var tailPtr *int
			if cmd.Flags().Changed("tail") {
				tailPtr = &tail
			}
			return r.attach(cmd.Context(), unit, attachOps{
				start: func(s *appclient.Stream) error {
					_, err := s.StartLog(unit, tailPtr)
					return err
				},
				stop: func(s *appclient.Stream) error {
					_, err := s.StopLog(unit)
					return err
				},
			})
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "history lines sent before following (0 sends all, negative uses the daemon default)")
	return cmd
}

func (r *Runner) execCmd() *cobra.Command {
	var shell string
	cmd := &cobra.Command{
		Use:   "exec <unit>",
		Short: "Run shell commands in a unit, one per input line",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unit := args[0]
			return r.attach(cmd.Context(), unit, attachOps{
				start: func(s *appclient.Stream) error {
					_, err := s.StartExec(unit, shell)
					return err
				},
				stop: func(s *appclient.Stream) error {
					_, err := s.StopExec(unit)
					return err
				},
				ready: func(s *appclient.Stream) {
					go r.pumpInput(s, unit)
				},
			})
		},
	}
	cmd.Flags().StringVar(&shell, "shell", "", "shell to start in the unit (daemon default when empty)")
	return cmd
}

// pumpInput forwards stdin lines as exec input and stops the session at EOF.
func (r *Runner) pumpInput(s *appclient.Stream, unit string) {
	sc := bufio.NewScanner(r.in)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := s.ExecInput(unit, line); err != nil {
			return
		}
	}
	_, _ = s.StopExec(unit)
}

type attachOps struct {
	start func(*appclient.Stream) error
	stop  func(*appclient.Stream) error
	ready func(*appclient.Stream)
}

// attach opens a stream, starts one session and prints its messages until the
// session's final message. Cancelling ctx requests a stop and waits up to
// stopGrace for the final message.
func (r *Runner) attach(ctx context.Context, unit string, ops attachOps) error {
	stream, _, err := r.client.OpenStream(ctx, streamClientName)
	if err != nil {
		return err
	}
	defer stream.Close() //nolint:errcheck

	if err := ops.start(stream); err != nil {
		return err
	}
	if ops.ready != nil {
		ops.ready(stream)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		_ = ops.stop(stream)
		select {
		case <-done:
		case <-time.After(stopGrace):
			_ = stream.Close()
		}
	}()

	for {
		env, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return errors.New("daemon closed the stream")
			}
			return fmt.Errorf("read stream: %w", err)
		}
		switch env.Type {
		case streamproto.TypeMessage:
			var msg streamproto.MessagePayload
			if err := env.DecodePayload(&msg); err != nil {
				return err
			}
			if msg.UnitID != unit {
				continue
			}
			r.printMessage(msg)
			if msg.Final {
				if msg.Type == model.MessageError {
					return exitStatus(1)
				}
				return nil
			}
		case streamproto.TypeError:
			var payload streamproto.ErrorPayload
			if err := env.DecodePayload(&payload); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(r.errOut, "error: %s: %s\n", payload.Code, payload.Message)
			if !payload.Recoverable || payload.UnitID == unit {
				return exitStatus(1)
			}
		}
	}
}

func (r *Runner) printMessage(msg streamproto.MessagePayload) {
	switch msg.Type {
	case model.MessageInitial:
		if msg.Data != "" {
			_, _ = fmt.Fprintln(r.out, strings.TrimRight(msg.Data, "\n"))
		}
	case model.MessageStream, model.MessageOutput:
		_, _ = io.WriteString(r.out, msg.Data)
	case model.MessagePrompt:
		_, _ = io.WriteString(r.errOut, msg.Data)
	case model.MessageInput:
		// Echo of our own input.
	default:
		_, _ = fmt.Fprintf(r.errOut, "[%s] %s\n", msg.Type, strings.TrimRight(msg.Data, "\n"))
	}
}
