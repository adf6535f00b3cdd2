package proc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/g960059/ctrmux/internal/config"
)

const (
	defaultOutputBuffer = 512
	chunkSize           = 16 * 1024
)

// Mode selects how child output is framed before it is handed to the owner.
type Mode int

const (
	// Lines delivers newline-terminated lines with the terminator removed.
	Lines Mode = iota
	// Chunks delivers whatever a single read returned.
	Chunks
)

type Options struct {
	Stdin  bool
	Mode   Mode
	Env    []string
	Buffer int
}

type Chunk struct {
	Data   string
	Stderr bool
}

// Child is a long-lived runtime subprocess. Its output is read by two
// goroutines into a buffered channel so the owner can poll without blocking.
type Child struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File

	stdinMu sync.Mutex
	output  chan Chunk
	quit    chan struct{}
	done    chan struct{}
	readers sync.WaitGroup

	waitErr   error
	terminate sync.Once
	termErr   error
}

type Launcher struct {
	binary string
	prefix []string
}

func NewLauncher(cfg config.Config) *Launcher {
	return &Launcher{
		binary: cfg.RuntimeBinary,
		prefix: append([]string(nil), cfg.RuntimeArgs...),
	}
}

// Launch starts the runtime binary with args appended to the configured
// global runtime arguments.
func (l *Launcher) Launch(ctx context.Context, args []string, opts Options) (*Child, error) {
	argv := make([]string, 0, len(l.prefix)+len(args))
	argv = append(argv, l.prefix...)
	argv = append(argv, args...)
	return Start(ctx, l.binary, argv, opts)
}

func Start(ctx context.Context, name string, args []string, opts Options) (*Child, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	// os.Pipe ends are pollable, so writes to stdin honour deadlines.
	var stdinR, stdin *os.File
	if opts.Stdin {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdinR, stdin = r, w
		cmd.Stdin = stdinR
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeFiles(stdinR, stdin)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeFiles(stdinR, stdin, stdoutR, stdoutW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeFiles(stdinR, stdin, stdoutR, stdoutW, stderrR, stderrW)
		return nil, err
	}
	// The child holds its own copies of these ends.
	closeFiles(stdinR, stdoutW, stderrW)

	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultOutputBuffer
	}
	c := &Child{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: stderrR,
		output: make(chan Chunk, buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.readers.Add(2)
	go c.readStream(stdoutR, false, opts.Mode)
	go c.readStream(stderrR, true, opts.Mode)
	go func() {
		c.readers.Wait()
		close(c.output)
	}()
	go func() {
		c.waitErr = cmd.Wait()
		close(c.done)
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = c.Terminate(0)
	})
	go func() {
		<-c.done
		stop()
	}()
	return c, nil
}

func (c *Child) Pid() int {
	if c == nil || c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Output is closed once both output streams reach EOF.
func (c *Child) Output() <-chan Chunk {
	return c.output
}

// Exited is closed after the process has been reaped.
func (c *Child) Exited() <-chan struct{} {
	return c.done
}

// ExitErr is only meaningful after Exited is closed.
func (c *Child) ExitErr() error {
	select {
	case <-c.done:
		return c.waitErr
	default:
		return nil
	}
}

// Write sends data to the child's stdin. A child that stops reading can
// fill the pipe; Write then blocks until ctx is done or the child is
// terminated, and returns ctx.Err() or an error wrapping os.ErrClosed.
func (c *Child) Write(ctx context.Context, data string) error {
	if c.stdin == nil {
		return errors.New("stdin not attached")
	}
	select {
	case <-c.done:
		return errors.New("process exited")
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	_ = c.stdin.SetWriteDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.stdin.SetWriteDeadline(time.Now())
	})
	defer stop()
	_, err := io.WriteString(c.stdin, data)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Terminate closes stdin, sends SIGTERM to the process group, waits up to
// grace, then escalates to SIGKILL. The process is always reaped before
// Terminate returns.
func (c *Child) Terminate(grace time.Duration) error {
	c.terminate.Do(func() {
		c.termErr = c.shutdown(grace)
	})
	return c.termErr
}

func (c *Child) shutdown(grace time.Duration) error {
	// Close without stdinMu: it unblocks a Write stuck on a full pipe.
	if c.stdin != nil {
		_ = c.stdin.Close()
	}
	exited := false
	select {
	case <-c.done:
		exited = true
	default:
	}
	if !exited {
		_ = c.signalGroup(unix.SIGTERM)
		if grace > 0 {
			select {
			case <-c.done:
				exited = true
			case <-time.After(grace):
			}
		}
		if !exited {
			_ = c.signalGroup(unix.SIGKILL)
			<-c.done
		}
	}
	close(c.quit)
	// Closing the read ends unblocks readers if a grandchild still holds
	// the write ends open.
	_ = c.stdout.Close()
	_ = c.stderr.Close()
	c.readers.Wait()
	return c.waitErr
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close() //nolint:errcheck
		}
	}
}

func (c *Child) signalGroup(sig unix.Signal) error {
	pid := c.Pid()
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return c.cmd.Process.Signal(sig)
	}
	return nil
}

func (c *Child) readStream(r io.Reader, stderr bool, mode Mode) {
	defer c.readers.Done()
	if mode == Chunks {
		buf := make([]byte, chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 && !c.deliver(Chunk{Data: string(buf[:n]), Stderr: stderr}) {
				return
			}
			if err != nil {
				return
			}
		}
	}
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if !c.deliver(Chunk{Data: line, Stderr: stderr}) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Child) deliver(chunk Chunk) bool {
	select {
	case c.output <- chunk:
		return true
	case <-c.quit:
		return false
	}
}
