package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Limits
// ---------------------------------------------------------------------------

// Default resource limits.
const (
	DefaultMaxValueStack = 10000
	DefaultMaxCallDepth  = 1000
	DefaultMemoryLimit   = 1 * 1024 * 1024 * 1024 // 1 GiB
	DefaultMaxAllocation = 100 * 1024 * 1024      // 100 MiB
)

// Limits bounds the resources a single VM instance may consume.
type Limits struct {
	MaxValueStack int    // maximum value stack slots
	MaxCallDepth  int    // maximum concurrent call frames
	MemoryLimit   uint64 // total tracked heap bytes
	MaxAllocation uint64 // largest single tracked allocation
}

// DefaultLimits returns the standard untrusted-plugin limits.
func DefaultLimits() Limits {
	return Limits{
		MaxValueStack: DefaultMaxValueStack,
		MaxCallDepth:  DefaultMaxCallDepth,
		MemoryLimit:   DefaultMemoryLimit,
		MaxAllocation: DefaultMaxAllocation,
	}
}

// ---------------------------------------------------------------------------
// Runtime fault errors
// ---------------------------------------------------------------------------

var (
	ErrStackOverflow       = errors.New("value stack overflow")
	ErrStackUnderflow      = errors.New("value stack underflow")
	ErrCallStackOverflow   = errors.New("call stack overflow")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrUnexpectedEndOfCode = errors.New("unexpected end of bytecode")
	ErrVmRunning           = errors.New("vm is already running")
	ErrVmFaulted           = errors.New("vm has faulted and must be reset")
	ErrInternal            = errors.New("internal vm error")
)

// TypeMismatchError reports an operation applied to a value of the wrong
// type.
type TypeMismatchError struct {
	Expected Type
	Got      Type
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch: expected %s, got %s", e.Expected, e.Got)
}

// FfiNotFoundError reports an imported FFI function with no registered
// host implementation.
type FfiNotFoundError struct {
	Name string
}

func (e *FfiNotFoundError) Error() string {
	return fmt.Sprintf("ffi function %q is not registered", e.Name)
}

// FaultError wraps a runtime fault with its bytecode location. The
// underlying cause unwraps with errors.Is / errors.As.
type FaultError struct {
	Function string
	Offset   int
	Cause    error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("fault in %q at offset %d: %v", e.Function, e.Offset, e.Cause)
}

func (e *FaultError) Unwrap() error {
	return e.Cause
}

// ---------------------------------------------------------------------------
// Execution state
// ---------------------------------------------------------------------------

// State is the lifecycle state of a VM instance.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateHalted
	StateFaulted
)

var stateNames = [...]string{"idle", "running", "halted", "faulted"}

// String implements the Stringer interface.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ExecStats accumulates execution counters for one run.
type ExecStats struct {
	Instructions       uint64 // instructions dispatched
	FfiCalls           uint64 // FFI invocations completed
	MaxValueStackDepth int    // high-water mark of the value stack
	MaxCallDepth       int    // high-water mark of the call stack
	BytesAllocated     uint64 // peak tracked heap bytes
}

// Frame is one call stack entry.
type Frame struct {
	fn   *Function
	pc   int // offset of the next instruction within fn.Code
	base int // value stack index of local slot 0
}

// ---------------------------------------------------------------------------
// Vm
// ---------------------------------------------------------------------------

// Vm is a single-threaded execution engine over a validated Container.
//
// A Vm owns its stacks, sandbox and stats, and must not be shared between
// goroutines. The Container and FfiRegistry it references are read-only
// and may back any number of concurrent instances.
type Vm struct {
	id        uuid.UUID
	container *Container
	registry  *FfiRegistry
	sandbox   *Sandbox
	limits    Limits
	log       commonlog.Logger

	stack  []Value
	frames []Frame
	state  State
	stats  ExecStats
}

// Option configures a Vm at construction time.
type Option func(*Vm)

// WithLimits overrides the default resource limits.
func WithLimits(limits Limits) Option {
	return func(m *Vm) { m.limits = limits }
}

// WithPolicy installs the capability policy consulted before each
// gated FFI call. Without a policy every capability is denied.
func WithPolicy(policy *CapabilityPolicy) Option {
	return func(m *Vm) { m.sandbox.policy = policy }
}

// WithLogger overrides the default logger.
func WithLogger(log commonlog.Logger) Option {
	return func(m *Vm) { m.log = log }
}

// New creates a VM instance over a validated container.
func New(container *Container, registry *FfiRegistry, opts ...Option) (*Vm, error) {
	if container == nil {
		return nil, errors.New("nil container")
	}
	if !container.Validated() {
		return nil, ErrNotValidated
	}
	if registry == nil {
		registry = NewFfiRegistry()
	}

	m := &Vm{
		id:        uuid.New(),
		container: container,
		registry:  registry,
		limits:    DefaultLimits(),
		log:       commonlog.GetLogger("fusabi.vm"),
	}
	m.sandbox = NewSandbox(DefaultLimits())
	for _, opt := range opts {
		opt(m)
	}
	m.sandbox.limits = m.limits
	m.sandbox.log = m.log
	m.stack = make([]Value, 0, 64)
	return m, nil
}

// ID returns the instance identifier attached to audit log records.
func (m *Vm) ID() uuid.UUID {
	return m.id
}

// State returns the current lifecycle state.
func (m *Vm) State() State {
	return m.state
}

// Stats returns a copy of the execution counters.
func (m *Vm) Stats() ExecStats {
	stats := m.stats
	stats.BytesAllocated = m.sandbox.Peak()
	return stats
}

// Sandbox returns the instance's sandbox for inspection.
func (m *Vm) Sandbox() *Sandbox {
	return m.sandbox
}

// Reset clears the stacks, sandbox accounting and stats, returning the
// instance to Idle. Required after a fault before the instance can run
// again.
func (m *Vm) Reset() {
	m.discardTo(0)
	m.frames = m.frames[:0]
	m.stats = ExecStats{}
	m.sandbox.reset()
	m.state = StateIdle
}

// Execute runs the container's entry-point function to completion and
// returns the result value.
func (m *Vm) Execute() (Value, error) {
	return m.ExecuteFunction(m.container.EntryPoint())
}

// ExecuteFunction runs the function at the given index to completion.
//
// Allowed from Idle or Halted; a faulted instance must be Reset first.
// On a fault the instance transitions to Faulted and the returned error
// wraps the cause with its bytecode location.
func (m *Vm) ExecuteFunction(idx uint32) (result Value, err error) {
	switch m.state {
	case StateRunning:
		return Unit, ErrVmRunning
	case StateFaulted:
		return Unit, ErrVmFaulted
	}
	if int(idx) >= m.container.NumFunctions() {
		return Unit, &IndexOutOfBoundsError{
			Kind: IndexFunction, Function: -1, Offset: -1,
			Index: idx, Limit: m.container.NumFunctions(),
		}
	}

	fn := m.container.Function(idx)
	if len(fn.Params) > 0 {
		return Unit, fmt.Errorf("entry function %q requires %d arguments", fn.Name, len(fn.Params))
	}

	m.state = StateRunning

	defer func() {
		if r := recover(); r != nil {
			err = m.fault(fmt.Errorf("%w: %v", ErrInternal, r))
			result = Unit
		}
	}()

	if err := m.pushFrame(fn); err != nil {
		return Unit, m.fault(err)
	}
	return m.run()
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

func (m *Vm) run() (Value, error) {
	for {
		frame := &m.frames[len(m.frames)-1]
		fn := frame.fn

		if frame.pc >= len(fn.Code) {
			return Unit, m.fault(ErrUnexpectedEndOfCode)
		}

		op := Opcode(fn.Code[frame.pc])
		var operand uint32
		if info := opcodeTable[op]; info.OperandBytes > 0 {
			operand = binary.LittleEndian.Uint32(fn.Code[frame.pc+1:])
		}
		opPc := frame.pc
		frame.pc += op.Size()
		m.stats.Instructions++

		switch op {
		case OpNop:

		case OpPush:
			if err := m.push(m.container.Constant(operand)); err != nil {
				return Unit, m.fault(err)
			}

		case OpPop:
			if _, err := m.pop(); err != nil {
				return Unit, m.fault(err)
			}

		case OpDup:
			top, err := m.peek()
			if err != nil {
				return Unit, m.fault(err)
			}
			if err := m.push(top); err != nil {
				return Unit, m.fault(err)
			}

		case OpLoad:
			if err := m.push(m.stack[frame.base+int(operand)]); err != nil {
				return Unit, m.fault(err)
			}

		case OpStore:
			v, err := m.popKeep()
			if err != nil {
				return Unit, m.fault(err)
			}
			slot := frame.base + int(operand)
			m.sandbox.ReleaseAllocation(uint64(m.stack[slot].HeapBytes()))
			m.stack[slot] = v

		case OpCall:
			if err := m.pushFrame(m.container.Function(operand)); err != nil {
				return Unit, m.fault(err)
			}

		case OpCallFfi:
			if err := m.callFfi(operand); err != nil {
				return Unit, m.fault(err)
			}

		case OpRet:
			done, result, err := m.ret()
			if err != nil {
				return Unit, m.fault(err)
			}
			if done {
				return result, nil
			}

		case OpJump:
			frame.pc = opPc + int(int32(operand))

		case OpJumpIf, OpJumpIfNot:
			cond, err := m.popBool()
			if err != nil {
				return Unit, m.fault(err)
			}
			if cond == (op == OpJumpIf) {
				frame.pc = opPc + int(int32(operand))
			}

		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			if err := m.arith(op); err != nil {
				return Unit, m.fault(err)
			}

		case OpNeg:
			if err := m.neg(); err != nil {
				return Unit, m.fault(err)
			}

		case OpEq, OpNe:
			b, err := m.pop()
			if err != nil {
				return Unit, m.fault(err)
			}
			a, err := m.pop()
			if err != nil {
				return Unit, m.fault(err)
			}
			if err := m.push(BoolValue(a.Equal(b) == (op == OpEq))); err != nil {
				return Unit, m.fault(err)
			}

		case OpLt, OpLe, OpGt, OpGe:
			if err := m.compare(op); err != nil {
				return Unit, m.fault(err)
			}

		case OpAnd, OpOr:
			b, err := m.popBool()
			if err != nil {
				return Unit, m.fault(err)
			}
			a, err := m.popBool()
			if err != nil {
				return Unit, m.fault(err)
			}
			var r bool
			if op == OpAnd {
				r = a && b
			} else {
				r = a || b
			}
			if err := m.push(BoolValue(r)); err != nil {
				return Unit, m.fault(err)
			}

		case OpNot:
			a, err := m.popBool()
			if err != nil {
				return Unit, m.fault(err)
			}
			if err := m.push(BoolValue(!a)); err != nil {
				return Unit, m.fault(err)
			}

		case OpHalt:
			return m.halt(), nil

		default:
			return Unit, m.fault(&UnknownOpcodeError{Function: -1, Offset: opPc, Byte: byte(op)})
		}
	}
}

// fault transitions to Faulted, wrapping the cause with the current
// bytecode location.
func (m *Vm) fault(cause error) error {
	m.state = StateFaulted
	if len(m.frames) == 0 {
		return cause
	}
	frame := &m.frames[len(m.frames)-1]
	return &FaultError{Function: frame.fn.Name, Offset: frame.pc, Cause: cause}
}

// halt clears the call stack and drains the value stack. The result is
// top-of-stack if present, Unit otherwise.
func (m *Vm) halt() Value {
	var result Value = Unit
	if len(m.stack) > 0 {
		result = m.stack[len(m.stack)-1]
	}
	m.discardTo(0)
	m.frames = m.frames[:0]
	m.state = StateHalted
	return result
}

// ---------------------------------------------------------------------------
// Call mechanics
// ---------------------------------------------------------------------------

// pushFrame enters fn. The callee's base pointer aliases the pushed
// arguments; the remaining local slots are initialized to Unit.
func (m *Vm) pushFrame(fn *Function) error {
	if len(m.frames) >= m.limits.MaxCallDepth {
		return ErrCallStackOverflow
	}
	if len(m.stack)-m.operandFloor() < len(fn.Params) {
		return ErrStackUnderflow
	}

	m.frames = append(m.frames, Frame{
		fn:   fn,
		base: len(m.stack) - len(fn.Params),
	})
	if len(m.frames) > m.stats.MaxCallDepth {
		m.stats.MaxCallDepth = len(m.frames)
	}

	for i := len(fn.Params); i < int(fn.Locals); i++ {
		if err := m.push(Unit); err != nil {
			return err
		}
	}
	return nil
}

// ret leaves the current frame. On the outermost frame it halts with the
// popped return value.
func (m *Vm) ret() (done bool, result Value, err error) {
	frame := &m.frames[len(m.frames)-1]
	floor := frame.base + int(frame.fn.Locals)

	retVal := Unit
	if len(m.stack) > floor {
		retVal, err = m.popKeep()
		if err != nil {
			return false, Unit, err
		}
	}

	m.discardTo(frame.base)
	m.frames = m.frames[:len(m.frames)-1]

	if len(m.frames) == 0 {
		m.sandbox.ReleaseAllocation(uint64(retVal.HeapBytes()))
		m.state = StateHalted
		return true, retVal, nil
	}
	return false, Unit, m.pushTracked(retVal)
}

// callFfi resolves an FFI import, enforces its capability, pops its
// arguments and pushes its result.
func (m *Vm) callFfi(idx uint32) error {
	name := m.container.FFIImportName(idx)
	sig, ok := m.registry.Signature(name)
	if !ok {
		return &FfiNotFoundError{Name: name}
	}

	if sig.Capability != "" {
		if err := m.sandbox.CheckCapability(sig.Capability, name, m.id); err != nil {
			return err
		}
	}

	args := make([]Value, len(sig.Params))
	for i := len(args) - 1; i >= 0; i-- {
		v, err := m.pop()
		if err != nil {
			return err
		}
		args[i] = v
	}

	result, err := m.registry.Invoke(name, args)
	if err != nil {
		return err
	}
	m.stats.FfiCalls++
	return m.push(result)
}

// ---------------------------------------------------------------------------
// Arithmetic, comparison
// ---------------------------------------------------------------------------

func (m *Vm) arith(op Opcode) error {
	b, err := m.pop()
	if err != nil {
		return err
	}
	a, err := m.pop()
	if err != nil {
		return err
	}
	if a.Kind() != b.Kind() {
		return &TypeMismatchError{Expected: a.Kind(), Got: b.Kind()}
	}

	var r Value
	switch a.Kind() {
	case TypeI32:
		x, y := a.I32(), b.I32()
		switch op {
		case OpAdd:
			r = I32Value(x + y)
		case OpSub:
			r = I32Value(x - y)
		case OpMul:
			r = I32Value(x * y)
		case OpDiv:
			if y == 0 {
				return ErrDivisionByZero
			}
			r = I32Value(x / y)
		case OpMod:
			if y == 0 {
				return ErrDivisionByZero
			}
			r = I32Value(x % y)
		}
	case TypeI64:
		x, y := a.I64(), b.I64()
		switch op {
		case OpAdd:
			r = I64Value(x + y)
		case OpSub:
			r = I64Value(x - y)
		case OpMul:
			r = I64Value(x * y)
		case OpDiv:
			if y == 0 {
				return ErrDivisionByZero
			}
			r = I64Value(x / y)
		case OpMod:
			if y == 0 {
				return ErrDivisionByZero
			}
			r = I64Value(x % y)
		}
	case TypeF32:
		x, y := a.F32(), b.F32()
		switch op {
		case OpAdd:
			r = F32Value(x + y)
		case OpSub:
			r = F32Value(x - y)
		case OpMul:
			r = F32Value(x * y)
		case OpDiv:
			r = F32Value(x / y)
		case OpMod:
			r = F32Value(float32(math.Mod(float64(x), float64(y))))
		}
	case TypeF64:
		x, y := a.F64(), b.F64()
		switch op {
		case OpAdd:
			r = F64Value(x + y)
		case OpSub:
			r = F64Value(x - y)
		case OpMul:
			r = F64Value(x * y)
		case OpDiv:
			r = F64Value(x / y)
		case OpMod:
			r = F64Value(math.Mod(x, y))
		}
	default:
		return &TypeMismatchError{Expected: TypeI32, Got: a.Kind()}
	}
	return m.push(r)
}

func (m *Vm) neg() error {
	a, err := m.pop()
	if err != nil {
		return err
	}
	switch a.Kind() {
	case TypeI32:
		return m.push(I32Value(-a.I32()))
	case TypeI64:
		return m.push(I64Value(-a.I64()))
	case TypeF32:
		return m.push(F32Value(-a.F32()))
	case TypeF64:
		return m.push(F64Value(-a.F64()))
	default:
		return &TypeMismatchError{Expected: TypeI32, Got: a.Kind()}
	}
}

func (m *Vm) compare(op Opcode) error {
	b, err := m.pop()
	if err != nil {
		return err
	}
	a, err := m.pop()
	if err != nil {
		return err
	}
	if a.Kind() != b.Kind() {
		return &TypeMismatchError{Expected: a.Kind(), Got: b.Kind()}
	}

	var lt, eq bool
	switch a.Kind() {
	case TypeI32:
		lt, eq = a.I32() < b.I32(), a.I32() == b.I32()
	case TypeI64:
		lt, eq = a.I64() < b.I64(), a.I64() == b.I64()
	case TypeF32:
		lt, eq = a.F32() < b.F32(), a.F32() == b.F32()
	case TypeF64:
		lt, eq = a.F64() < b.F64(), a.F64() == b.F64()
	case TypeChar:
		lt, eq = a.Char() < b.Char(), a.Char() == b.Char()
	case TypeString:
		lt, eq = a.Str() < b.Str(), a.Str() == b.Str()
	default:
		return &TypeMismatchError{Expected: TypeI32, Got: a.Kind()}
	}

	var r bool
	switch op {
	case OpLt:
		r = lt
	case OpLe:
		r = lt || eq
	case OpGt:
		r = !lt && !eq
	case OpGe:
		r = !lt
	}
	return m.push(BoolValue(r))
}

// ---------------------------------------------------------------------------
// Stack primitives
// ---------------------------------------------------------------------------
//
// String payload bytes are tracked by the sandbox while resident on the
// value stack: push tracks, pop and discard release. Accounting is exact
// at every instruction boundary, so a memory cap faults at the crossing
// push.

// operandFloor returns the lowest stack index the current frame may pop.
// Slots below it are the frame's locals and its callers' data.
func (m *Vm) operandFloor() int {
	if len(m.frames) == 0 {
		return 0
	}
	frame := &m.frames[len(m.frames)-1]
	return frame.base + int(frame.fn.Locals)
}

// push tracks the value's heap bytes and appends it.
func (m *Vm) push(v Value) error {
	if heap := v.HeapBytes(); heap > 0 {
		if err := m.sandbox.TrackAllocation(uint64(heap)); err != nil {
			return err
		}
	}
	return m.pushTracked(v)
}

// pushTracked appends a value whose heap bytes are already accounted for.
func (m *Vm) pushTracked(v Value) error {
	if len(m.stack) >= m.limits.MaxValueStack {
		m.sandbox.ReleaseAllocation(uint64(v.HeapBytes()))
		return ErrStackOverflow
	}
	m.stack = append(m.stack, v)
	if len(m.stack) > m.stats.MaxValueStackDepth {
		m.stats.MaxValueStackDepth = len(m.stack)
	}
	return nil
}

// pop removes and returns the top value, releasing its heap bytes.
func (m *Vm) pop() (Value, error) {
	v, err := m.popKeep()
	if err != nil {
		return Unit, err
	}
	m.sandbox.ReleaseAllocation(uint64(v.HeapBytes()))
	return v, nil
}

// popKeep removes the top value without releasing its heap bytes. The
// caller owns the accounting.
func (m *Vm) popKeep() (Value, error) {
	if len(m.stack) <= m.operandFloor() {
		return Unit, ErrStackUnderflow
	}
	v := m.stack[len(m.stack)-1]
	m.stack[len(m.stack)-1] = Unit
	m.stack = m.stack[:len(m.stack)-1]
	return v, nil
}

func (m *Vm) peek() (Value, error) {
	if len(m.stack) <= m.operandFloor() {
		return Unit, ErrStackUnderflow
	}
	return m.stack[len(m.stack)-1], nil
}

func (m *Vm) popBool() (bool, error) {
	v, err := m.pop()
	if err != nil {
		return false, err
	}
	if v.Kind() != TypeBool {
		return false, &TypeMismatchError{Expected: TypeBool, Got: v.Kind()}
	}
	return v.Bool(), nil
}

// discardTo truncates the stack to n slots, releasing the heap bytes of
// every discarded value.
func (m *Vm) discardTo(n int) {
	for i := n; i < len(m.stack); i++ {
		m.sandbox.ReleaseAllocation(uint64(m.stack[i].HeapBytes()))
		m.stack[i] = Unit
	}
	m.stack = m.stack[:n]
}
