package dispatch

import (
	"context"
	"sync"

	"github.com/prismai/automod/automod/rules"
)

// Connector for tests. Records every call, and returns scripted errors in order per action (nil once the script runs out).
type FakeConnector struct {
	lk     sync.Mutex
	calls  []Command
	script map[rules.Action][]error
	// if set, called on every invocation before the scripted error is returned
	Hook func(ctx context.Context, cmd Command) error
}

func NewFakeConnector() *FakeConnector {
	return &FakeConnector{script: make(map[rules.Action][]error)}
}

// Queues errors to be returned by successive calls for the action.
func (f *FakeConnector) Fail(action rules.Action, errs ...error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.script[action] = append(f.script[action], errs...)
}

func (f *FakeConnector) Calls() []Command {
	f.lk.Lock()
	defer f.lk.Unlock()
	out := make([]Command, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeConnector) CallCount(action rules.Action) int {
	f.lk.Lock()
	defer f.lk.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}

func (f *FakeConnector) Reset() {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.calls = nil
	f.script = make(map[rules.Action][]error)
}

func (f *FakeConnector) call(ctx context.Context, cmd Command) error {
	f.lk.Lock()
	f.calls = append(f.calls, cmd)
	var err error
	if q := f.script[cmd.Action]; len(q) > 0 {
		err = q[0]
		f.script[cmd.Action] = q[1:]
	}
	hook := f.Hook
	f.lk.Unlock()
	if hook != nil {
		if herr := hook(ctx, cmd); herr != nil {
			return herr
		}
	}
	return err
}

func (f *FakeConnector) Warn(ctx context.Context, cmd Command) error          { return f.call(ctx, cmd) }
func (f *FakeConnector) Mute(ctx context.Context, cmd Command) error          { return f.call(ctx, cmd) }
func (f *FakeConnector) Kick(ctx context.Context, cmd Command) error          { return f.call(ctx, cmd) }
func (f *FakeConnector) Ban(ctx context.Context, cmd Command) error           { return f.call(ctx, cmd) }
func (f *FakeConnector) DeleteMessage(ctx context.Context, cmd Command) error { return f.call(ctx, cmd) }
