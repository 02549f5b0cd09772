package backend

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const (
	stderrTailBytes  = 4096
	defaultStopGrace = 2 * time.Second
)

// ProcessSpec describes a service process to launch.
type ProcessSpec struct {
	Binary string
	Args   []string
	// Env entries are appended to the current environment.
	Env []string
}

// Process is a launched service process. A single goroutine waits on it so
// exit is observable through Exited without racing other waiters.
type Process struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
	log    zerolog.Logger

	exited  chan struct{}
	waitErr error

	stopOnce sync.Once
}

// StartProcess launches spec. The process is not tied to any context; it
// runs until Stop or until it exits on its own.
func StartProcess(spec ProcessSpec, log zerolog.Logger) (*Process, error) {
	if spec.Binary == "" {
		return nil, errors.New("process binary is empty")
	}
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	tail := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = tail
	hideWindow(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Binary, err)
	}
	p := &Process{cmd: cmd, stderr: tail, log: log, exited: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	log.Info().Str("binary", spec.Binary).Int("pid", cmd.Process.Pid).Msg("process started")
	return p, nil
}

func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Exited is closed once the process has exited.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitErr is the result of Wait. Only valid after Exited is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.exited:
		return p.waitErr
	default:
		return nil
	}
}

// StderrTail returns the last bytes the process wrote to stderr.
func (p *Process) StderrTail() string { return p.stderr.String() }

// Stop sends SIGTERM, waits up to grace for exit and kills the process
// afterwards. A process that already exited is not an error.
func (p *Process) Stop(grace time.Duration) error {
	if grace <= 0 {
		grace = defaultStopGrace
	}
	var err error
	p.stopOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		if serr := p.cmd.Process.Signal(syscall.SIGTERM); serr != nil && !errors.Is(serr, os.ErrProcessDone) {
			// no SIGTERM on this platform; fall through to Kill
			p.log.Debug().Err(serr).Int("pid", p.Pid()).Msg("terminate signal failed")
		}
		select {
		case <-p.exited:
		case <-time.After(grace):
			p.log.Warn().Int("pid", p.Pid()).Dur("grace", grace).Msg("process did not exit, killing")
			if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				err = fmt.Errorf("kill pid %d: %w", p.Pid(), kerr)
				return
			}
			<-p.exited
		}
		p.log.Info().Int("pid", p.Pid()).Msg("process stopped")
	})
	return err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
