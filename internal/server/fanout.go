package server

import (
	"sync"

	"github.com/machinefabric/altport-go/events"
	"github.com/machinefabric/altport-go/runner"
)

// Fanout is the runner sink of a served host. It routes console output and
// outcomes to the session that launched each execution and passes everything
// to a fallback sink as well.
type Fanout struct {
	fallback runner.Sink

	mu     sync.Mutex
	owners map[string]*session
}

// NewFanout creates a fanout. fallback may be nil.
func NewFanout(fallback runner.Sink) *Fanout {
	return &Fanout{
		fallback: fallback,
		owners:   make(map[string]*session),
	}
}

// claim records s as the owner of id. It fails when id is already owned.
func (f *Fanout) claim(id string, s *session) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.owners[id]; taken {
		return false
	}
	f.owners[id] = s
	return true
}

func (f *Fanout) owner(id string) *session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[id]
}

func (f *Fanout) release(id string) *session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.owners[id]
	delete(f.owners, id)
	return s
}

// owned returns the executions launched by s.
func (f *Fanout) owned(s *session) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, owner := range f.owners {
		if owner == s {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *Fanout) Console(e *runner.Execution, msg events.ConsoleMessage) {
	msg.ExecutionId = e.ID()
	if f.fallback != nil {
		f.fallback.Console(e, msg)
	}
	s := f.owner(e.ID())
	if s == nil {
		return
	}
	if err := events.Emit(s.port, events.Console, msg); err != nil {
		getLog().Debug().Err(err).Str("execution", e.ID()).Msg("console not delivered")
	}
}

func (f *Fanout) Finished(e *runner.Execution, out runner.Outcome) {
	if f.fallback != nil {
		f.fallback.Finished(e, out)
	}
	s := f.release(e.ID())
	if s == nil {
		return
	}
	msg := events.Finished{Status: out.State.String(), Error: out.Error, ExecutionId: e.ID()}
	if err := events.Emit(s.port, events.Finish, msg); err != nil {
		getLog().Debug().Err(err).Str("execution", e.ID()).Msg("outcome not delivered")
	}
}
