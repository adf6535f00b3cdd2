package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/g960059/ctrmux/internal/appclient"
)

type Runner struct {
	client   *appclient.Client
	onSocket bool
	in       io.Reader
	out      io.Writer
	errOut   io.Writer
	format   string
}

// usageError marks failures that exit with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	r := newRunner(appclient.New(socketPath), out, errOut)
	r.onSocket = true
	return r
}

func NewRunnerWithClient(baseURL string, client *http.Client, out, errOut io.Writer) *Runner {
	return newRunner(appclient.NewWithClient(baseURL, client), out, errOut)
}

func newRunner(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, in: os.Stdin, out: out, errOut: errOut, format: formatText}
}

// SetInput replaces stdin for interactive exec sessions.
func (r *Runner) SetInput(in io.Reader) {
	if in != nil {
		r.in = in
	}
}

// Run executes one command line and returns the process exit status.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.newRootCmd()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exit exitStatus
	if errors.As(err, &exit) {
		return int(exit)
	}
	var ue usageError
	if errors.As(err, &ue) || isCobraUsageError(err) {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		_, _ = fmt.Fprintln(r.errOut, root.UsageString())
		return 2
	}
	return r.handleErr(err)
}

// exitStatus carries a session outcome that has already been reported.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func isCobraUsageError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag")
}

func (r *Runner) newRootCmd() *cobra.Command {
	var socketPath string
	root := &cobra.Command{
		Use:           "ctrmux",
		Short:         "Client for the ctrmuxd container session daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch r.format {
			case formatText, formatJSON, formatYAML:
			default:
				return usageError{fmt.Errorf("unsupported output format %q", r.format)}
			}
			if cmd.Flags().Changed("socket") && r.onSocket {
				r.client = appclient.New(socketPath)
			}
			return nil
		},
		RunE: func(*cobra.Command, []string) error {
			return usageError{errors.New("missing command")}
		},
	}
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon unix socket path")
	root.PersistentFlags().StringVarP(&r.format, "output", "o", formatText, "output format: text, json or yaml")

	root.AddCommand(
		r.healthCmd(),
		r.unitsCmd(),
		r.inspectCmd(),
		r.startCmd(),
		r.stopCmd(),
		r.rmCmd(),
		r.volumesCmd(),
		r.sessionsCmd(),
		r.historyCmd(),
		r.relaunchesCmd(),
		r.logsCmd(),
		r.execCmd(),
	)
	return root
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%s expects %d argument(s), got %d", cmd.Name(), n, len(args))}
		}
		if n > 0 && strings.TrimSpace(args[0]) == "" {
			return usageError{fmt.Errorf("%s: argument must not be blank", cmd.Name())}
		}
		return nil
	}
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// render writes v as JSON or YAML, or calls text for the default format.
func (r *Runner) render(v any, text func(w io.Writer) error) error {
	switch r.format {
	case formatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return text(r.out)
	}
}
