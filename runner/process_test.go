package runner

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "ALTPORT_WORKER_HELPER"

// TestHelperProcess is not a real test: it is the worker binary for the
// process spawner tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	rt := worker.NewRuntime()
	worker.Builtins(rt)
	rt.Register("crash", func(context.Context, *worker.API) error {
		fmt.Fprintln(os.Stderr, "about to die")
		os.Exit(3)
		return nil
	})
	if err := rt.ServeStdio(context.Background()); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func processHost(t *testing.T) (*Host, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	h := NewHost(&ProcessSpawner{
		Path: os.Args[0],
		Args: []string{"-test.run=TestHelperProcess"},
		Env:  []string{helperEnv + "=1"},
	}, WithSink(sink))
	t.Cleanup(func() { h.Close() })
	return h, sink
}

// TEST320: a script that throws in a child process reports one console
// error, finishes errored and the process is gone
func Test320_process_script_throws(t *testing.T) {
	h, sink := processHost(t)
	e, err := h.Execute(testCtx(t), Payload{ExtensionId: "ext", CommandId: "throw", CommandType: events.CommandScript})
	require.NoError(t, err)

	out, err := e.Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateErrored, out.State)

	console, _ := sink.snapshot()
	errorsSeen := 0
	for _, msg := range console {
		if msg.Level == events.LevelError {
			errorsSeen++
		}
	}
	assert.Equal(t, 1, errorsSeen)

	e.mu.Lock()
	w := e.worker
	e.mu.Unlock()
	select {
	case <-w.Exited():
	default:
		t.Fatal("worker process still running after finish")
	}
}

// TEST321: a worker that exits mid-command is reported as crashed
func Test321_process_crash(t *testing.T) {
	h, _ := processHost(t)
	e, err := h.Execute(testCtx(t), Payload{ExtensionId: "ext", CommandId: "crash"})
	require.NoError(t, err)

	out, err := e.Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateErrored, out.State)
	assert.Equal(t, CrashMessage, out.Error)
}

// TEST322: a successful child process run finishes cleanly
func Test322_process_finishes(t *testing.T) {
	h, _ := processHost(t)
	e, err := h.Execute(testCtx(t), Payload{ExtensionId: "ext", CommandId: "hello", Arguments: map[string]string{"name": "proc"}})
	require.NoError(t, err)

	out, err := e.Wait(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateFinished, out.State)
	require.NotEmpty(t, out.Console)
	assert.Equal(t, []string{"hello,", "proc"}, out.Console[0].Args)
}
