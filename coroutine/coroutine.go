// Package coroutine provides stackful coroutines that hand control to each
// other synchronously.
//
// Every Context runs on its own goroutine, but a Scheduler lets exactly one
// of its contexts execute at any time: SwitchTo parks the caller and wakes
// the target in one step. From the point of view of the code running inside
// the contexts, execution is sequential, as if all of them shared one thread.
//
// A Scheduler takes the place of a per-thread coroutine registry. It must
// only be used from the context that is currently running on it, and
// contexts must not be handed to another Scheduler.
package coroutine

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"

	"github.com/rs/xid"
)

// State is the lifecycle state of a Context.
type State int

// The states of a Context.
const (
	Created State = iota
	Running
	Suspended
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Action tells a resumed context why it was resumed.
type Action int

// The actions carried by a switch.
const (
	ActionYield Action = iota + 1
	ActionTerminate
	ActionEnter
)

func (a Action) String() string {
	switch a {
	case ActionYield:
		return "yield"
	case ActionTerminate:
		return "terminate"
	case ActionEnter:
		return "enter"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// EntryFunc is the body of a coroutine. It receives the scheduler it runs on
// so that it can yield, and the argument given to Create.
type EntryFunc func(s *Scheduler, arg any)

// Context is one suspendable unit of execution.
type Context struct {
	id     xid.ID
	sched  *Scheduler
	entry  EntryFunc
	arg    any
	caller *Context
	state  State
	leader bool

	stack   stack
	deleted bool

	// Set when the coroutine terminates through SwitchTo rather than by
	// returning from its entry function.
	exitTo *Context
}

// ID returns a unique identifier of the context.
func (c *Context) ID() string {
	return c.id.String()
}

// State returns the lifecycle state.
func (c *Context) State() State {
	return c.state
}

// Arg returns the argument given to Create.
func (c *Context) Arg() any {
	return c.arg
}

// Caller returns the context that is resumed when c yields or terminates.
func (c *Context) Caller() *Context {
	return c.caller
}

// IsLeader reports whether c stands for the goroutine that owns the
// scheduler rather than for a coroutine.
func (c *Context) IsLeader() bool {
	return c.leader
}

// Scheduler tracks the running context of one thread of coroutines.
type Scheduler struct {
	logger  *slog.Logger
	leader  *Context
	current *Context

	// A panic raised inside a coroutine, waiting to be re-raised in the
	// context that gets control back.
	pending any
}

// SchedulerOption is a functional option for configuring the Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// NewScheduler creates a scheduler. The goroutine calling it becomes the
// leader context on first use.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Current returns the running context. Before any coroutine has run, it is
// the leader.
func (s *Scheduler) Current() *Context {
	if s.current == nil {
		s.leader = &Context{
			id:     xid.New(),
			sched:  s,
			state:  Running,
			leader: true,
			stack:  newLeaderStack(),
		}
		s.current = s.leader
	}

	return s.current
}

// Leader returns the context of the goroutine that owns the scheduler.
func (s *Scheduler) Leader() *Context {
	s.Current()
	return s.leader
}

// InCoroutine reports whether the running context is a coroutine, as
// opposed to the leader.
func (s *Scheduler) InCoroutine() bool {
	return s.Current().caller != nil
}

// Create allocates a coroutine that will run entry(s, arg) when first
// switched to. It does not start executing.
func (s *Scheduler) Create(entry EntryFunc, arg any) *Context {
	if entry == nil {
		panic("coroutine: nil entry function")
	}

	c := &Context{
		id:    xid.New(),
		sched: s,
		entry: entry,
		arg:   arg,
		state: Created,
	}
	c.stack = newStack(func(first Action) { s.run(c, first) })

	s.logger.Debug("coroutine created", slog.String("id", c.ID()))

	return c
}

// SwitchTo suspends the running context and runs target. It returns when
// some context switches back, with the action that context passed.
//
// Switching with ActionTerminate ends the running coroutine: its deferred
// calls run, then target resumes, and the call never returns.
func (s *Scheduler) SwitchTo(target *Context, action Action) Action {
	from := s.Current()
	s.mustBeSwitchable(from, target, action)

	if action == ActionTerminate {
		from.exitTo = target
		runtime.Goexit()
	}

	s.transfer(from, target, action)

	resumed := from.stack.wait()

	if p := s.pending; p != nil {
		s.pending = nil
		panic(p)
	}

	return resumed
}

// Enter runs c until it yields or terminates, making the running context
// its caller.
func (s *Scheduler) Enter(c *Context) Action {
	from := s.Current()
	s.mustBeEnterable(c)
	s.mustBeSwitchable(from, c, ActionEnter)

	c.caller = from
	return s.SwitchTo(c, ActionEnter)
}

// transfer hands the scheduler from one context to another and wakes the
// target. It does not park from.
func (s *Scheduler) transfer(from, target *Context, action Action) {
	if target.state == Created && target.caller == nil {
		target.caller = from
	}

	if action == ActionTerminate {
		from.state = Terminated
	} else {
		from.state = Suspended
	}
	target.state = Running
	s.current = target

	target.stack.wake(action)
}

// Yield switches from the running coroutine back to its caller.
func (s *Scheduler) Yield() Action {
	self := s.Current()
	if self.caller == nil {
		panic("coroutine: yield outside of a coroutine")
	}

	return s.SwitchTo(self.caller, ActionYield)
}

// Delete releases a coroutine that has terminated or never run.
func (s *Scheduler) Delete(c *Context) {
	switch {
	case c == nil:
		panic("coroutine: delete of nil context")
	case c.sched != s:
		panic("coroutine: delete of a context owned by another scheduler")
	case c.leader:
		panic("coroutine: delete of the leader context")
	case c.deleted:
		panic("coroutine: context deleted twice")
	case c.state == Running || c.state == Suspended:
		panic(fmt.Sprintf("coroutine: delete of a %s context", c.state))
	}

	c.stack.release()
	c.stack = nil
	c.deleted = true
	c.caller = nil

	s.logger.Debug("coroutine deleted", slog.String("id", c.ID()))
}

func (s *Scheduler) mustBeEnterable(c *Context) {
	if c == nil {
		panic("coroutine: switch to nil context")
	}
	if c.leader {
		panic("coroutine: enter of the leader context")
	}
}

func (s *Scheduler) mustBeSwitchable(from, target *Context, action Action) {
	switch {
	case target == nil:
		panic("coroutine: switch to nil context")
	case target.sched != s:
		panic("coroutine: switch to a context owned by another scheduler")
	case target.deleted:
		panic("coroutine: switch to a deleted context")
	case target.state == Terminated:
		panic("coroutine: switch to a terminated context")
	case target == from:
		panic("coroutine: switch to the running context")
	case action == ActionTerminate && from.leader:
		panic("coroutine: the leader context cannot terminate")
	case action == ActionTerminate && target.state == Created:
		panic("coroutine: terminate into a context that has not started")
	}
}

// run is the body of every coroutine goroutine. The terminating switch
// happens here, after every deferred call of the entry function.
func (s *Scheduler) run(c *Context, _ Action) {
	defer func() {
		if p := recover(); p != nil {
			s.pending = p
		}

		target := c.caller
		if c.exitTo != nil {
			target = c.exitTo
		}

		s.logger.Debug("coroutine terminated", slog.String("id", c.ID()))
		s.transfer(c, target, ActionTerminate)
	}()

	c.entry(s, c.arg)
}
