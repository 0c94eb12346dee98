package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/machinefabric/altport-go/port"
	"github.com/machinefabric/altport-go/worker"
)

// Worker is an isolated execution context running one command.
type Worker interface {
	// Kill terminates the worker and waits for it to exit. Safe to call
	// more than once.
	Kill() error
	// Exited is closed when the worker has stopped.
	Exited() <-chan struct{}
	// ExitErr is the reason the worker stopped, valid after Exited.
	ExitErr() error
}

// Spawner creates workers. stderr, when non-nil, receives diagnostic lines
// the worker writes outside the port protocol.
type Spawner interface {
	Spawn(ctx context.Context, payload Payload, stderr func(line string)) (Worker, port.Channel, error)
}

// ProcessSpawner runs each execution in a fresh child process speaking
// length-prefixed CBOR on stdin and stdout.
type ProcessSpawner struct {
	Path   string
	Args   []string
	Env    []string
	Limits port.Limits
}

func (s *ProcessSpawner) Spawn(ctx context.Context, payload Payload, stderr func(string)) (Worker, port.Channel, error) {
	if s.Path == "" {
		return nil, nil, errors.New("worker path not configured")
	}
	cmd := exec.Command(s.Path, s.Args...)
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// own the read ends so Wait does not close them under the port reader
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			f.Close()
		}
		return nil, nil, fmt.Errorf("failed to start worker: %w", err)
	}
	stdoutW.Close()
	stderrW.Close()

	w := &processWorker{cmd: cmd, exited: make(chan struct{})}
	go w.forwardStderr(stderrR, stderr)
	go w.wait()

	ch := port.NewStreamChannel(stdoutR, stdin, multiCloser{stdin, stdoutR})
	if s.Limits.MaxFrame > 0 {
		ch.SetLimits(s.Limits)
	}
	return w, ch, nil
}

type processWorker struct {
	cmd      *exec.Cmd
	killOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

func (w *processWorker) wait() {
	w.exitErr = w.cmd.Wait()
	close(w.exited)
}

func (w *processWorker) forwardStderr(r io.ReadCloser, sink func(string)) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if sink != nil {
			sink(scanner.Text())
		}
	}
}

func (w *processWorker) Kill() error {
	var err error
	w.killOnce.Do(func() {
		select {
		case <-w.exited:
			return
		default:
		}
		if kerr := w.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = kerr
		}
		<-w.exited
	})
	return err
}

func (w *processWorker) Exited() <-chan struct{} { return w.exited }
func (w *processWorker) ExitErr() error          { return w.exitErr }

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var result *multierror.Error
	for _, c := range m {
		if err := c.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// InProcessSpawner runs each execution on a goroutine over an in-memory
// channel. Extension panics are contained by the worker runtime.
type InProcessSpawner struct {
	Runtime *worker.Runtime
}

func (s *InProcessSpawner) Spawn(_ context.Context, _ Payload, _ func(string)) (Worker, port.Channel, error) {
	if s.Runtime == nil {
		return nil, nil, errors.New("no worker runtime")
	}
	hostEnd, workerEnd := port.NewMessageChannel()
	ctx, cancel := context.WithCancel(context.Background())
	w := &goroutineWorker{cancel: cancel, ch: workerEnd, exited: make(chan struct{})}
	go func() {
		w.exitErr = s.Runtime.Serve(ctx, workerEnd)
		close(w.exited)
	}()
	return w, hostEnd, nil
}

type goroutineWorker struct {
	cancel  context.CancelFunc
	ch      port.Channel
	exited  chan struct{}
	exitErr error
}

func (w *goroutineWorker) Kill() error {
	w.cancel()
	err := w.ch.Close()
	<-w.exited
	return err
}

func (w *goroutineWorker) Exited() <-chan struct{} { return w.exited }
func (w *goroutineWorker) ExitErr() error          { return w.exitErr }
