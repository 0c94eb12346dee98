// Package events gives the raw port a typed surface: every event name is
// bound to one argument type and one result type, so callers and handlers
// cannot disagree about payload shapes.
package events

import (
	"context"
	"fmt"

	"github.com/machinefabric/altport-go/port"
	"github.com/xeipuuv/gojsonschema"
)

// None is the payload of events that carry no arguments or no result.
type None struct{}

// Event binds a name to its argument type A and result type R.
type Event[A, R any] struct {
	name   string
	schema *gojsonschema.Schema
}

// Define declares an event.
func Define[A, R any](name string) Event[A, R] {
	if port.IsReserved(name) {
		panic(fmt.Sprintf("events: %q is a reserved control name", name))
	}
	return Event[A, R]{name: name}
}

// WithSchema returns a copy of the event whose arguments are checked against
// the given JSON schema on both the calling and the handling side. It panics
// if the schema does not compile.
func (e Event[A, R]) WithSchema(schema string) Event[A, R] {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("events: schema for %q: %v", e.name, err))
	}
	e.schema = compiled
	return e
}

// Name returns the wire name.
func (e Event[A, R]) Name() string { return e.name }

func (e Event[A, R]) validate(args A) error {
	if e.schema == nil {
		return nil
	}
	return validateValue(e.name, e.schema, args)
}

// Call sends a request and decodes its typed result.
func Call[A, R any](ctx context.Context, p *port.Port, ev Event[A, R], args A) (R, error) {
	var out R
	if err := ev.validate(args); err != nil {
		return out, err
	}
	reply, err := p.SendMessage(ctx, ev.name, args)
	if err != nil {
		return out, err
	}
	if err := reply.Decode(&out); err != nil {
		return out, fmt.Errorf("%s: decode result: %w", ev.name, err)
	}
	return out, nil
}

// Emit sends a notification.
func Emit[A, R any](p *port.Port, ev Event[A, R], args A) error {
	if err := ev.validate(args); err != nil {
		return err
	}
	return p.Emit(ev.name, args)
}

// Handle registers the typed handler for ev on p. Arguments failing the
// schema are rejected before fn runs.
func Handle[A, R any](p *port.Port, ev Event[A, R], fn func(ctx context.Context, args A) (R, error)) (func(), error) {
	return p.Handle(ev.name, func(ctx context.Context, call *port.Call) (interface{}, error) {
		args, err := decodeArgs(ev, call)
		if err != nil {
			return nil, err
		}
		return fn(ctx, args)
	})
}

// Listen subscribes fn to notifications of ev. Notifications whose payload
// does not decode or validate are logged on the port's logger and skipped.
func Listen[A, R any](p *port.Port, ev Event[A, R], fn func(args A)) port.Subscription {
	return p.On(ev.name, func(call *port.Call) {
		args, err := decodeArgs(ev, call)
		if err != nil {
			p.Logger().Warn().Err(err).Str("name", ev.name).Msg("malformed notification dropped")
			return
		}
		fn(args)
	})
}

func decodeArgs[A, R any](ev Event[A, R], call *port.Call) (A, error) {
	var args A
	if call.NumArgs() > 0 {
		if err := call.Arg(0, &args); err != nil {
			return args, err
		}
	}
	if err := ev.validate(args); err != nil {
		return args, err
	}
	return args, nil
}
