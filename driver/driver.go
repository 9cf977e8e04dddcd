// Package driver couples an emulated CPU to the cache models and runs its
// step function inside a coroutine, so that execution can be handed back to
// the control loop at every retired instruction.
package driver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sarchlab/akita/v4/sim"

	"github.com/sarchlab/qflex/coroutine"
	"github.com/sarchlab/qflex/timing/cache"
)

// Mode tells the CPU why it is being stepped.
type Mode int

// Step modes.
const (
	ModeSingleStep Mode = iota
	ModePrologue
)

func (m Mode) String() string {
	switch m {
	case ModeSingleStep:
		return "singlestep"
	case ModePrologue:
		return "prologue"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Magic instruction operands understood by the driver.
const (
	MagicStartProfiling = 103
	MagicStopProfiling  = 104
)

// ErrClosed is returned when stepping a closed driver.
var ErrClosed = errors.New("driver closed")

// errUnwind unwinds the step coroutine through the CPU when the driver is
// closed while an instruction is pending.
var errUnwind = errors.New("driver: unwind step coroutine")

// HookPosInstCommit triggers after every retired instruction. The hook item
// is the PC of the instruction.
var HookPosInstCommit = &sim.HookPos{Name: "InstCommit"}

// CPU is the emulated processor. Step executes guest code and reports what
// it retires through the Driver's notification methods. Step may return
// without retiring anything; it is called again.
type CPU interface {
	Step(mode Mode) error
	PC() uint64
}

// StatsRecorder persists cache model statistics.
type StatsRecorder interface {
	Record(stats []cache.LevelStats) error
}

// Driver owns the step coroutine of one CPU.
type Driver struct {
	*sim.HookableBase

	cpu      CPU
	models   *cache.Hierarchy
	sched    *coroutine.Scheduler
	logger   *slog.Logger
	recorder StatsRecorder

	stepper *coroutine.Context
	mode    Mode
	stepErr error
	closed  bool

	instDone     bool
	prologueDone bool
	prologuePC   uint64
	committed    uint64
}

// Option is a functional option for configuring the Driver.
type Option func(*Driver)

// WithHierarchy sets the cache models fed by the driver.
func WithHierarchy(h *cache.Hierarchy) Option {
	return func(d *Driver) {
		d.models = h
	}
}

// WithScheduler sets the scheduler the step coroutine runs on.
func WithScheduler(s *coroutine.Scheduler) Option {
	return func(d *Driver) {
		d.sched = s
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		d.logger = logger
	}
}

// WithStatsRecorder sets where statistics go when profiling stops.
func WithStatsRecorder(r StatsRecorder) Option {
	return func(d *Driver) {
		d.recorder = r
	}
}

// New creates a driver for cpu. The step coroutine is created but does not
// run until the first step.
func New(cpu CPU, opts ...Option) *Driver {
	d := &Driver{
		HookableBase: sim.NewHookableBase(),
		cpu:          cpu,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.models == nil {
		d.models = cache.NewHierarchy(cache.WithLogger(d.logger))
	}
	if d.sched == nil {
		d.sched = coroutine.NewScheduler(coroutine.WithLogger(d.logger))
	}

	d.stepper = d.sched.Create(d.stepLoop, nil)

	return d
}

// Hierarchy returns the cache models fed by the driver.
func (d *Driver) Hierarchy() *cache.Hierarchy {
	return d.models
}

// Committed returns the number of retired instructions.
func (d *Driver) Committed() uint64 {
	return d.committed
}

// IsProfiling reports whether the cache models are running.
func (d *Driver) IsProfiling() bool {
	return d.models.IsRunning()
}

// SingleStep runs the CPU until exactly one instruction retires.
func (d *Driver) SingleStep() error {
	return d.step(ModeSingleStep)
}

// Run retires n instructions.
func (d *Driver) Run(n uint64) error {
	for i := uint64(0); i < n; i++ {
		if err := d.SingleStep(); err != nil {
			return err
		}
	}
	return nil
}

// Prologue runs the CPU until it returns from an exception to the PC it had
// when Prologue was called. This skips the interrupt routine that runs
// right after a snapshot is restored.
func (d *Driver) Prologue() error {
	d.prologuePC = d.cpu.PC()
	d.prologueDone = false

	d.logger.Info("prologue start", slog.String("pc", fmt.Sprintf("%#x", d.prologuePC)))

	for !d.prologueDone {
		if err := d.step(ModePrologue); err != nil {
			return err
		}
	}

	d.logger.Info("prologue end", slog.String("pc", fmt.Sprintf("%#x", d.cpu.PC())))

	return nil
}

func (d *Driver) step(mode Mode) error {
	if d.closed {
		return ErrClosed
	}

	d.mode = mode
	d.instDone = false

	for !d.instDone {
		d.sched.Enter(d.stepper)

		if err := d.stepErr; err != nil {
			d.stepErr = nil
			return fmt.Errorf("cpu step failed: %w", err)
		}
	}

	return nil
}

func (d *Driver) stepLoop(s *coroutine.Scheduler, _ any) {
	defer func() {
		if p := recover(); p != nil && p != errUnwind {
			panic(p)
		}
	}()

	for !d.closed {
		d.stepErr = d.cpu.Step(d.mode)
		s.Yield()
	}
}

// inStepper reports whether the caller runs on the step coroutine.
func (d *Driver) inStepper() bool {
	return d.sched.Current() == d.stepper
}

// InstructionCommitted is called by the CPU when the instruction at pc
// retires. It feeds the instruction side of the cache models and hands
// control back to the stepping loop.
func (d *Driver) InstructionCommitted(pc uint64) {
	d.committed++
	d.instDone = true
	d.models.Access(pc, false)

	if d.NumHooks() > 0 {
		d.InvokeHook(sim.HookCtx{
			Domain: d,
			Pos:    HookPosInstCommit,
			Item:   pc,
		})
	}

	if !d.inStepper() {
		return
	}

	d.sched.Yield()

	if d.closed {
		panic(errUnwind)
	}
}

// MemoryAccess is called by the CPU for every data reference.
func (d *Driver) MemoryAccess(addr uint64, isStore bool) {
	d.models.Access(addr, true)
}

// ExceptionReturn is called by the CPU after it returns from an exception.
func (d *Driver) ExceptionReturn() {
	if d.cpu.PC() == d.prologuePC {
		d.prologueDone = true
	}
}

// MagicInstruction is called by the CPU when it retires a magic no-op.
func (d *Driver) MagicInstruction(op int) {
	d.logger.Debug("magic instruction", slog.Int("op", op))

	var err error
	switch op {
	case MagicStartProfiling:
		err = d.StartProfiling()
	case MagicStopProfiling:
		err = d.StopProfiling()
	}

	if err != nil {
		d.logger.Warn("magic instruction ignored",
			slog.Int("op", op), slog.Any("error", err))
	}
}

// StartProfiling starts a cache model session.
func (d *Driver) StartProfiling() error {
	return d.models.Start()
}

// StopProfiling reports and records the statistics of the current cache
// model session and stops it.
func (d *Driver) StopProfiling() error {
	if !d.models.IsRunning() {
		return cache.ErrNotRunning
	}

	d.models.LogStats()

	var recErr error
	if d.recorder != nil {
		recErr = d.recorder.Record(d.models.Stats())
	}

	return errors.Join(recErr, d.models.Stop())
}

// Close terminates the step coroutine. An instruction the CPU was retiring
// is abandoned.
func (d *Driver) Close() error {
	if d.closed {
		return ErrClosed
	}
	d.closed = true

	if d.stepper.State() == coroutine.Suspended {
		d.sched.Enter(d.stepper)
	}
	d.sched.Delete(d.stepper)

	return nil
}
