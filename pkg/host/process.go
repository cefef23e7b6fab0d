package host

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// process is one spawned worker: the child, its channel and the
// goroutines that reap it and forward its stderr.
type process struct {
	cmd  *exec.Cmd
	conn net.Conn
	dir  string
	pid  int

	logger zerolog.Logger

	done     chan struct{}
	exitCode int
	waitErr  error

	killOnce sync.Once
}

// spawnSpec describes how to start a worker.
type spawnSpec struct {
	path       string
	args       []string
	env        map[string]string
	dir        string
	namespaces bool
}

func (s spawnSpec) environ() []string {
	env := make([]string, 0, len(s.env))
	for k, v := range s.env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// startProcess spawns the worker with the child end of a fresh socket
// pair as file descriptor 3. The environment contains only spec.env.
func startProcess(spec spawnSpec, logger zerolog.Logger) (*process, error) {
	hostFile, childFile, err := socketPair()
	if err != nil {
		return nil, err
	}
	defer childFile.Close()

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		hostFile.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd := exec.Command(spec.path, spec.args...)
	cmd.Env = spec.environ()
	cmd.Dir = "/"
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = stderrW
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.SysProcAttr = sysProcAttr(spec.namespaces)

	err = cmd.Start()
	stderrW.Close()
	if err != nil {
		hostFile.Close()
		stderrR.Close()
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	conn, err := net.FileConn(hostFile)
	hostFile.Close()
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		stderrR.Close()
		return nil, fmt.Errorf("failed to wrap worker channel: %w", err)
	}

	p := &process{
		cmd:    cmd,
		conn:   conn,
		dir:    spec.dir,
		pid:    cmd.Process.Pid,
		logger: logger.With().Int("pid", cmd.Process.Pid).Logger(),
		done:   make(chan struct{}),
	}
	go p.captureLogs(stderrR)
	go p.reap()
	return p, nil
}

func (p *process) reap() {
	p.waitErr = p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	if p.dir != "" {
		_ = os.Remove(p.dir)
	}
	close(p.done)
}

// kill terminates the worker with SIGKILL and waits until it is reaped.
// Workers are never asked to stop cooperatively.
func (p *process) kill() {
	p.killOnce.Do(func() {
		p.conn.Close()
		select {
		case <-p.done:
			return
		default:
		}
		if err := p.cmd.Process.Signal(syscall.SIGKILL); err != nil {
			p.logger.Debug().Err(err).Msg("Kill signal failed")
		}
	})
	<-p.done
}

// exited reports whether the process has been reaped, and its exit code.
func (p *process) exited() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// awaitExit waits up to grace for the worker to exit on its own, then
// kills it. It returns the exit code, -1 when killed by a signal.
func (p *process) awaitExit(grace time.Duration) int {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
	}
	p.kill()
	return p.exitCode
}

// captureLogs forwards each stderr line of the worker to the host log.
// Lines that are zerolog JSON keep their level and message.
func (p *process) captureLogs(r io.ReadCloser) {
	defer r.Close()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()

		var rec struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			p.logger.Info().Str("line", string(line)).Msg("Worker output")
			continue
		}
		level, err := zerolog.ParseLevel(rec.Level)
		if err != nil || level == zerolog.NoLevel {
			level = zerolog.InfoLevel
		}
		p.logger.WithLevel(level).RawJSON("worker_record", append([]byte(nil), line...)).Msg(rec.Message)
	}
}
