package session

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// StartSpec describes a child process to launch for a session.
type StartSpec struct {
	Command string
	Args    []string
	Dir     string
	// Env entries are appended to the parent environment. Credential
	// values ride here for fresh spawns; swaps use a sourced temp file
	// instead so the secret never appears in our own process state
	// longer than needed.
	Env []string
}

// Process is a handle on a running session child.
type Process interface {
	// Send writes text to the child's stdin.
	Send(text string) error
	// Interrupt delivers the platform interrupt signal.
	Interrupt() error
	// Kill terminates the child immediately.
	Kill() error
	// Output yields stdout/stderr chunks in arrival order. The channel
	// closes when the child exits.
	Output() <-chan string
}

// Runner starts session child processes. The exec-backed implementation is
// used in production; tests substitute a fake so swap sequences can be
// verified without spawning anything.
type Runner interface {
	Start(spec StartSpec) (Process, error)
}

// ExecRunner starts real child processes.
type ExecRunner struct{}

func (ExecRunner) Start(spec StartSpec) (Process, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("session.Start: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("session.Start: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("session.Start: %w", err)
	}

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		output: make(chan string, 64),
	}
	go p.pump(stdout)
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output chan string

	mu   sync.Mutex
	done bool
}

func (p *execProcess) pump(r io.Reader) {
	reader := bufio.NewReader(r)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			p.output <- string(buf[:n])
		}
		if err != nil {
			break
		}
	}
	// Reap the child so it doesn't linger as a zombie.
	_ = p.cmd.Wait()
	p.mu.Lock()
	p.done = true
	p.mu.Unlock()
	close(p.output)
}

func (p *execProcess) Send(text string) error {
	if _, err := io.WriteString(p.stdin, text); err != nil {
		return fmt.Errorf("session.Send: %w", err)
	}
	return nil
}

func (p *execProcess) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Output() <-chan string {
	return p.output
}
