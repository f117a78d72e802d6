package parserpool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Channel is the parent's handle to one worker child: a bidirectional frame
// stream plus lifetime control.
type Channel interface {
	Send(req Request) error
	Recv() (Response, error)
	// Shutdown asks the child to exit and waits up to timeout; a child still
	// alive afterwards is killed.
	Shutdown(timeout time.Duration) error
}

// Launcher spawns worker children. The process launcher is used in
// production; tests substitute in-memory channels.
type Launcher interface {
	Launch(ctx context.Context, workerID int) (Channel, error)
}

// ProcessLauncher launches worker children with os/exec.
type ProcessLauncher struct {
	command []string
	log     zerolog.Logger
}

var _ Launcher = (*ProcessLauncher)(nil)

// NewProcessLauncher creates a launcher running the given argv for each
// worker.
func NewProcessLauncher(command []string, log zerolog.Logger) *ProcessLauncher {
	return &ProcessLauncher{command: command, log: log}
}

// Launch starts one worker child and returns its channel.
func (l *ProcessLauncher) Launch(ctx context.Context, workerID int) (Channel, error) {
	if len(l.command) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}

	cmd := exec.Command(l.command[0], l.command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %d: %w", workerID, err)
	}

	// Anything the child writes outside the protocol surfaces as error logs.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			l.log.Error().Int("worker", workerID).Msg(scanner.Text())
		}
	}()

	return newProcessChannel(cmd, stdin, stdout), nil
}

// processChannel speaks the frame protocol over a child's stdio.
type processChannel struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	scanner *bufio.Scanner

	sendMu sync.Mutex
}

func newProcessChannel(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader) *processChannel {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &processChannel{cmd: cmd, stdin: stdin, scanner: scanner}
}

func (c *processChannel) Send(req Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	payload = append(payload, '\n')

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.stdin.Write(payload); err != nil {
		return fmt.Errorf("failed to write to worker: %w", err)
	}
	return nil
}

func (c *processChannel) Recv() (Response, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Response{}, fmt.Errorf("failed to read from worker: %w", err)
		}
		return Response{}, io.EOF
	}
	var resp Response
	if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("failed to decode worker frame: %w", err)
	}
	return resp, nil
}

// Shutdown asks the child to exit, closes its stdin, and kills it if it does
// not exit within timeout.
func (c *processChannel) Shutdown(timeout time.Duration) error {
	_ = c.Send(Request{Cmd: CmdShutdown})

	c.sendMu.Lock()
	_ = c.stdin.Close()
	c.sendMu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = c.cmd.Process.Kill()
		<-done
		return fmt.Errorf("worker did not exit within %s and was killed", timeout)
	}
}
