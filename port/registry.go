package port

import (
	"time"

	"github.com/samber/lo"
)

type outcome struct {
	reply *Reply
	err   error
}

// pendingCall is resolved by whoever removes it from the table; done is
// buffered so the resolver never blocks.
type pendingCall struct {
	name  string
	done  chan outcome
	timer *time.Timer
}

func (pc *pendingCall) stop() {
	if pc.timer != nil {
		pc.timer.Stop()
	}
}

// pendingTable maps messageIds to outstanding calls. Callers hold Port.mu.
type pendingTable struct {
	calls map[string]*pendingCall
}

func newPendingTable() pendingTable {
	return pendingTable{calls: make(map[string]*pendingCall)}
}

func (t *pendingTable) add(id string, pc *pendingCall) {
	t.calls[id] = pc
}

func (t *pendingTable) take(id string) *pendingCall {
	pc, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	return pc
}

func (t *pendingTable) drain() []*pendingCall {
	calls := lo.Values(t.calls)
	t.calls = make(map[string]*pendingCall)
	return calls
}

func (t *pendingTable) len() int { return len(t.calls) }

type listenerEntry struct {
	id uint64
	fn Listener
}

// listenerRegistry keeps listeners per name in registration order. Callers
// hold Port.mu.
type listenerRegistry struct {
	next   uint64
	byName map[string][]listenerEntry
}

func newListenerRegistry() listenerRegistry {
	return listenerRegistry{byName: make(map[string][]listenerEntry)}
}

func (r *listenerRegistry) add(name string, fn Listener) uint64 {
	r.next++
	r.byName[name] = append(r.byName[name], listenerEntry{id: r.next, fn: fn})
	return r.next
}

func (r *listenerRegistry) remove(name string, id uint64) {
	entries, ok := r.byName[name]
	if !ok {
		return
	}
	kept := lo.Reject(entries, func(e listenerEntry, _ int) bool { return e.id == id })
	if len(kept) == 0 {
		delete(r.byName, name)
		return
	}
	r.byName[name] = kept
}

func (r *listenerRegistry) snapshot(name string) []Listener {
	return lo.Map(r.byName[name], func(e listenerEntry, _ int) Listener { return e.fn })
}

func (r *listenerRegistry) count(name string) int {
	return len(r.byName[name])
}

func (r *listenerRegistry) clear() {
	r.byName = make(map[string][]listenerEntry)
}
