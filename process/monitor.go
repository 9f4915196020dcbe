package process

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

	"mediascribe/task"

	"go.uber.org/zap"
)

const (
	defaultTick  = time.Second
	defaultGrace = 10 * time.Second
	tailLines    = 40
	maxLineBytes = 16 << 20
)

// Spec describes one child process run.
type Spec struct {
	Name    string
	Binary  string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration

	// OnEvent receives every structured event from either stream.
	OnEvent func(Event)
	// OnTick is called on every monitor tick with the time since start.
	OnTick func(elapsed time.Duration)
}

// Result is what the child produced. It is returned alongside errors too.
type Result struct {
	Stdout     string
	StderrTail string
	ExitCode   int
	Duration   time.Duration
}

// Monitor runs child processes under cooperative cancellation. Each child
// gets its own process group so termination reaches its descendants.
type Monitor struct {
	log   *zap.Logger
	Tick  time.Duration
	Grace time.Duration
}

func NewMonitor(log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{log: log, Tick: defaultTick, Grace: defaultGrace}
}

type stream int

const (
	streamStdout stream = iota
	streamStderr
)

type line struct {
	stream stream
	text   string
}

// Run starts the child and blocks until it exits or is stopped. A cancel
// request on rep terminates the child and returns task.ErrCanceled.
func (m *Monitor) Run(ctx context.Context, spec Spec, rep task.Reporter) (*Result, error) {
	name := spec.Name
	if name == "" {
		name = spec.Binary
	}
	log := m.log.With(zap.String("process", name), zap.String("task_id", rep.TaskID()))

	if err := rep.Check(); err != nil {
		return &Result{}, err
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Result{}, task.Wrap(task.KindInternal, err, "%s stdout pipe", name)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &Result{}, task.Wrap(task.KindInternal, err, "%s stderr pipe", name)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		kind := task.KindProcess
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			kind = task.KindConfiguration
		}
		return &Result{}, task.Wrap(kind, err, "failed to start %s", name)
	}
	log.Debug("process started", zap.Int("pid", cmd.Process.Pid), zap.Strings("args", spec.Args))

	lines := make(chan line, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	go scan(stdout, streamStdout, lines, &readers)
	go scan(stderr, streamStderr, lines, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	tick := m.Tick
	if tick <= 0 {
		tick = defaultTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var out strings.Builder
	var tail []string
	handle := func(l line) {
		if ev, ok := ParseEvent(l.text); ok {
			if spec.OnEvent != nil {
				spec.OnEvent(ev)
			}
			return
		}
		if l.stream == streamStdout {
			out.WriteString(l.text)
			out.WriteByte('\n')
			return
		}
		if strings.TrimSpace(l.text) == "" {
			return
		}
		log.Debug("process stderr", zap.String("line", l.text))
		tail = append(tail, l.text)
		if len(tail) > tailLines {
			tail = tail[len(tail)-tailLines:]
		}
	}
	result := func() *Result {
		return &Result{
			Stdout:     strings.TrimSpace(out.String()),
			StderrTail: strings.Join(tail, "\n"),
			ExitCode:   -1,
			Duration:   time.Since(start),
		}
	}
	stop := func(reason string) {
		log.Info("terminating process", zap.String("reason", reason))
		m.terminate(cmd, lines, handle)
		_ = cmd.Wait()
	}

	for lines != nil {
		select {
		case l, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			handle(l)
		case <-ticker.C:
			if spec.OnTick != nil && !rep.Canceled() {
				spec.OnTick(time.Since(start))
			}
		case <-ctx.Done():
			stop("context done")
			if rep.Canceled() {
				return result(), task.ErrCanceled
			}
			return result(), task.Wrap(task.KindOf(ctx.Err()), ctx.Err(), "%s interrupted", name)
		case <-deadline:
			stop("timeout")
			return result(), task.Errorf(task.KindTimeout, "%s timed out after %s", name, spec.Timeout)
		}
		if rep.Canceled() {
			stop("cancel requested")
			return result(), task.ErrCanceled
		}
	}

	waitErr := cmd.Wait()
	res := result()
	res.ExitCode = cmd.ProcessState.ExitCode()
	log.Debug("process exited", zap.Int("exit_code", res.ExitCode), zap.Duration("duration", res.Duration))

	if rep.Canceled() {
		return res, task.ErrCanceled
	}
	if waitErr != nil {
		detail := res.StderrTail
		if detail == "" {
			detail = "unknown error"
		}
		return res, task.Errorf(task.KindProcess, "%s exited with code %d: %s", name, res.ExitCode, detail)
	}
	return res, nil
}

// terminate sends SIGTERM to the child's group, waits up to Grace for its
// streams to close, then sends SIGKILL. Remaining output is drained.
func (m *Monitor) terminate(cmd *exec.Cmd, lines <-chan line, handle func(line)) {
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	grace := m.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	for {
		select {
		case l, ok := <-lines:
			if !ok {
				return
			}
			handle(l)
		case <-timer.C:
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			for l := range lines {
				handle(l)
			}
			return
		}
	}
}

func scan(r io.Reader, s stream, out chan<- line, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		out <- line{stream: s, text: strings.TrimRight(sc.Text(), "\r")}
	}
	// Keep the pipe drained so the child never blocks on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}

// String renders a command line for logs.
func (s Spec) String() string {
	return fmt.Sprintf("%s %s", s.Binary, strings.Join(s.Args, " "))
}
