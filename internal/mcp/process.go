package mcp

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process is one spawned tool-server subprocess serving JSON-RPC over HTTP
// on its configured port.
type Process struct {
	Name string
	Port int

	cmd    *exec.Cmd
	logger *slog.Logger

	mu     sync.Mutex
	exited bool
}

// SpawnProcess starts the server binary with PORT injected into its
// environment. Stderr is drained to the log in the background.
func SpawnProcess(name, command string, args []string, env map[string]string, port int, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := exec.LookPath(command); err != nil {
		return nil, fmt.Errorf("server %s: binary %q not found: %w", name, command, err)
	}

	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	cmd.Env = append(cmd.Env, fmt.Sprintf("PORT=%d", port))
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("server %s: stderr pipe: %w", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("server %s: start %q: %w", name, command, err)
	}

	p := &Process{Name: name, Port: port, cmd: cmd, logger: logger}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Debug("mcp stderr", "server", name, "msg", scanner.Text())
		}
	}()
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		if err != nil {
			logger.Warn("mcp server exited", "server", name, "error", err)
		}
	}()

	return p, nil
}

// PID returns the subprocess pid.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Alive reports whether the subprocess is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// Stop terminates the subprocess: SIGTERM first, SIGKILL after the grace
// period if it has not exited.
func (p *Process) Stop(grace time.Duration) {
	if !p.Alive() {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !p.Alive() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	p.logger.Warn("mcp server did not exit, killing", "server", p.Name)
	_ = p.cmd.Process.Kill()
}

// pidAlive reports whether any process with the given pid exists. Signal 0
// performs the existence check without delivering a signal.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// terminatePid sends SIGTERM then SIGKILL to a pid this supervisor does not
// own, used to clear a configured port before spawning.
func terminatePid(pid int, grace time.Duration) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	_ = proc.Kill()
}
