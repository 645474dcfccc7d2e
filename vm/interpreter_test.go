package vm

import (
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Execution engine tests
// ---------------------------------------------------------------------------
//
// These tests assemble containers with the builders and run them through
// the engine, covering:
// - Straight-line arithmetic and the result value
// - Conditional jumps (forward and backward)
// - Function calls, locals and return value plumbing
// - Runtime faults: division by zero, underflow, overflow, missing Ret
// - The Idle/Running/Halted/Faulted lifecycle and Reset
// ---------------------------------------------------------------------------

func mustBuild(t *testing.T, b *ContainerBuilder) *Container {
	t.Helper()
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	return c
}

func newTestVm(t *testing.T, c *Container, opts ...Option) *Vm {
	t.Helper()
	m, err := New(c, nil, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return m
}

// TestArithmeticProgram runs ((10 + 20) * 3 - 5) / 17 and checks the
// returned value.
func TestArithmeticProgram(t *testing.T) {
	b := NewContainerBuilder()
	c10 := b.AddConstant(I32Value(10))
	c20 := b.AddConstant(I32Value(20))
	c3 := b.AddConstant(I32Value(3))
	c5 := b.AddConstant(I32Value(5))
	c17 := b.AddConstant(I32Value(17))

	code := NewBytecodeBuilder()
	code.EmitU32(OpPush, c10)
	code.EmitU32(OpPush, c20)
	code.Emit(OpAdd)
	code.EmitU32(OpPush, c3)
	code.Emit(OpMul)
	code.EmitU32(OpPush, c5)
	code.Emit(OpSub)
	code.EmitU32(OpPush, c17)
	code.Emit(OpDiv)
	code.Emit(OpRet)

	b.AddFunction(Function{Name: "main", Return: TypeI32, Code: code.Bytes()})

	m := newTestVm(t, mustBuild(t, b))
	result, err := m.Execute()
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Kind() != TypeI32 || result.I32() != 5 {
		t.Errorf("result = %v, want 5", result)
	}
	if m.State() != StateHalted {
		t.Errorf("state = %v, want halted", m.State())
	}
}

// TestConditionalSelectsString compares two integers and returns one of
// two strings, exercising JumpIfNot with a forward label.
func TestConditionalSelectsString(t *testing.T) {
	build := func(a, b int32) *Container {
		cb := NewContainerBuilder()
		ca := cb.AddConstant(I32Value(a))
		cbv := cb.AddConstant(I32Value(b))
		cLess := cb.AddConstant(StringValue("less"))
		cGeq := cb.AddConstant(StringValue("not less"))

		code := NewBytecodeBuilder()
		elseLabel := code.NewLabel()
		doneLabel := code.NewLabel()
		code.EmitU32(OpPush, ca)
		code.EmitU32(OpPush, cbv)
		code.Emit(OpLt)
		code.EmitJump(OpJumpIfNot, elseLabel)
		code.EmitU32(OpPush, cLess)
		code.EmitJump(OpJump, doneLabel)
		code.Mark(elseLabel)
		code.EmitU32(OpPush, cGeq)
		code.Mark(doneLabel)
		code.Emit(OpRet)

		cb.AddFunction(Function{Name: "main", Return: TypeString, Code: code.Bytes()})
		return mustBuild(t, cb)
	}

	tests := []struct {
		a, b int32
		want string
	}{
		{1, 2, "less"},
		{2, 1, "not less"},
		{2, 2, "not less"},
	}
	for _, tt := range tests {
		m := newTestVm(t, build(tt.a, tt.b))
		result, err := m.Execute()
		if err != nil {
			t.Fatalf("Execute(%d < %d) failed: %v", tt.a, tt.b, err)
		}
		if result.Kind() != TypeString || result.Str() != tt.want {
			t.Errorf("(%d < %d) = %v, want %q", tt.a, tt.b, result, tt.want)
		}
	}
}

// TestLoopWithLocals sums 1..5 with a counter and accumulator in local
// slots, exercising Load, Store and a backward jump.
func TestLoopWithLocals(t *testing.T) {
	b := NewContainerBuilder()
	c1 := b.AddConstant(I32Value(1))
	c5 := b.AddConstant(I32Value(5))

	// local 0 = i, local 1 = acc
	code := NewBytecodeBuilder()
	code.EmitU32(OpPush, c1)
	code.EmitU32(OpStore, 0) // i = 1

	top := code.NewLabel()
	done := code.NewLabel()
	code.Mark(top)
	code.EmitU32(OpLoad, 0)
	code.EmitU32(OpPush, c5)
	code.Emit(OpGt)
	code.EmitJump(OpJumpIf, done) // while i <= 5

	code.EmitU32(OpLoad, 1)
	code.EmitU32(OpLoad, 0)
	code.Emit(OpAdd)
	code.EmitU32(OpStore, 1) // acc += i

	code.EmitU32(OpLoad, 0)
	code.EmitU32(OpPush, c1)
	code.Emit(OpAdd)
	code.EmitU32(OpStore, 0) // i += 1
	code.EmitJump(OpJump, top)

	code.Mark(done)
	code.EmitU32(OpLoad, 1)
	code.Emit(OpRet)

	b.AddFunction(Function{Name: "main", Return: TypeI32, Locals: 2, Code: code.Bytes()})

	m := newTestVm(t, mustBuild(t, b))
	result, err := m.Execute()
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Kind() != TypeI32 || result.I32() != 15 {
		t.Errorf("sum 1..5 = %v, want 15", result)
	}
}

// TestFunctionCallAndReturn calls square(7) and checks that arguments
// become callee locals and the return value lands on the caller's stack.
func TestFunctionCallAndReturn(t *testing.T) {
	b := NewContainerBuilder()
	c7 := b.AddConstant(I32Value(7))

	square := NewBytecodeBuilder()
	square.EmitU32(OpLoad, 0)
	square.EmitU32(OpLoad, 0)
	square.Emit(OpMul)
	square.Emit(OpRet)
	squareIdx := b.AddFunction(Function{
		Name: "square", Params: []Type{TypeI32}, Return: TypeI32,
		Locals: 1, Code: square.Bytes(),
	})

	main := NewBytecodeBuilder()
	main.EmitU32(OpPush, c7)
	main.EmitU32(OpCall, squareIdx)
	main.Emit(OpRet)
	mainIdx := b.AddFunction(Function{Name: "main", Return: TypeI32, Code: main.Bytes()})
	b.SetEntryPoint(mainIdx)

	m := newTestVm(t, mustBuild(t, b))
	result, err := m.Execute()
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Kind() != TypeI32 || result.I32() != 49 {
		t.Errorf("square(7) = %v, want 49", result)
	}

	stats := m.Stats()
	if stats.MaxCallDepth != 2 {
		t.Errorf("MaxCallDepth = %d, want 2", stats.MaxCallDepth)
	}
}

// TestDivisionByZeroFaults verifies the fault, the Faulted state, the
// refusal to run again, and recovery via Reset.
func TestDivisionByZeroFaults(t *testing.T) {
	b := NewContainerBuilder()
	c1 := b.AddConstant(I32Value(1))
	c0 := b.AddConstant(I32Value(0))

	code := NewBytecodeBuilder()
	code.EmitU32(OpPush, c1)
	code.EmitU32(OpPush, c0)
	code.Emit(OpDiv)
	code.Emit(OpRet)
	b.AddFunction(Function{Name: "main", Return: TypeI32, Code: code.Bytes()})

	m := newTestVm(t, mustBuild(t, b))
	_, err := m.Execute()
	if !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("Execute() error = %v, want ErrDivisionByZero", err)
	}
	if m.State() != StateFaulted {
		t.Errorf("state = %v, want faulted", m.State())
	}

	// The fault location is reported.
	var fault *FaultError
	if !errors.As(err, &fault) {
		t.Fatalf("error %v is not a FaultError", err)
	}
	if fault.Function != "main" {
		t.Errorf("fault function = %q, want %q", fault.Function, "main")
	}

	// A faulted instance refuses to run until Reset.
	if _, err := m.Execute(); !errors.Is(err, ErrVmFaulted) {
		t.Errorf("Execute() on faulted vm = %v, want ErrVmFaulted", err)
	}
	m.Reset()
	if m.State() != StateIdle {
		t.Errorf("state after Reset = %v, want idle", m.State())
	}
}

// TestPopEmptyStackFaults verifies that popping past the operand floor
// is an underflow fault.
func TestPopEmptyStackFaults(t *testing.T) {
	b := NewContainerBuilder()
	code := NewBytecodeBuilder()
	code.Emit(OpPop)
	code.Emit(OpRet)
	b.AddFunction(Function{Name: "main", Return: TypeUnit, Code: code.Bytes()})

	m := newTestVm(t, mustBuild(t, b))
	if _, err := m.Execute(); !errors.Is(err, ErrStackUnderflow) {
		t.Errorf("Execute() error = %v, want ErrStackUnderflow", err)
	}
}

// TestUnboundedRecursionOverflows runs countdown(2000) without a tail
// call and expects a call stack overflow at exactly the depth limit.
func TestUnboundedRecursionOverflows(t *testing.T) {
	b := NewContainerBuilder()
	c0 := b.AddConstant(I32Value(0))
	c1 := b.AddConstant(I32Value(1))
	cn := b.AddConstant(I32Value(2000))

	// countdown(n): if n == 0 { return 0 } return countdown(n - 1)
	countdown := NewBytecodeBuilder()
	recurse := countdown.NewLabel()
	countdown.EmitU32(OpLoad, 0)
	countdown.EmitU32(OpPush, c0)
	countdown.Emit(OpEq)
	countdown.EmitJump(OpJumpIfNot, recurse)
	countdown.EmitU32(OpPush, c0)
	countdown.Emit(OpRet)
	countdown.Mark(recurse)
	countdown.EmitU32(OpLoad, 0)
	countdown.EmitU32(OpPush, c1)
	countdown.Emit(OpSub)
	countdown.EmitU32(OpCall, 0) // self
	countdown.Emit(OpRet)
	b.AddFunction(Function{
		Name: "countdown", Params: []Type{TypeI32}, Return: TypeI32,
		Locals: 1, Code: countdown.Bytes(),
	})

	main := NewBytecodeBuilder()
	main.EmitU32(OpPush, cn)
	main.EmitU32(OpCall, 0)
	main.Emit(OpRet)
	mainIdx := b.AddFunction(Function{Name: "main", Return: TypeI32, Code: main.Bytes()})
	b.SetEntryPoint(mainIdx)

	m := newTestVm(t, mustBuild(t, b))
	_, err := m.Execute()
	if !errors.Is(err, ErrCallStackOverflow) {
		t.Fatalf("Execute() error = %v, want ErrCallStackOverflow", err)
	}
	if depth := m.Stats().MaxCallDepth; depth != DefaultMaxCallDepth {
		t.Errorf("MaxCallDepth = %d, want %d", depth, DefaultMaxCallDepth)
	}

	// Within the limit the same function runs fine.
	m.Reset()
	shallow := newTestVm(t, mustBuild(t, func() *ContainerBuilder {
		b2 := NewContainerBuilder()
		c0 := b2.AddConstant(I32Value(0))
		c1 := b2.AddConstant(I32Value(1))
		cn := b2.AddConstant(I32Value(50))

		countdown2 := NewBytecodeBuilder()
		recurse2 := countdown2.NewLabel()
		countdown2.EmitU32(OpLoad, 0)
		countdown2.EmitU32(OpPush, c0)
		countdown2.Emit(OpEq)
		countdown2.EmitJump(OpJumpIfNot, recurse2)
		countdown2.EmitU32(OpPush, c0)
		countdown2.Emit(OpRet)
		countdown2.Mark(recurse2)
		countdown2.EmitU32(OpLoad, 0)
		countdown2.EmitU32(OpPush, c1)
		countdown2.Emit(OpSub)
		countdown2.EmitU32(OpCall, 0)
		countdown2.Emit(OpRet)
		b2.AddFunction(Function{
			Name: "countdown", Params: []Type{TypeI32}, Return: TypeI32,
			Locals: 1, Code: countdown2.Bytes(),
		})

		main2 := NewBytecodeBuilder()
		main2.EmitU32(OpPush, cn)
		main2.EmitU32(OpCall, 0)
		main2.Emit(OpRet)
		b2.SetEntryPoint(b2.AddFunction(Function{Name: "main", Return: TypeI32, Code: main2.Bytes()}))
		return b2
	}()))
	result, err := shallow.Execute()
	if err != nil {
		t.Fatalf("countdown(50) failed: %v", err)
	}
	if result.I32() != 0 {
		t.Errorf("countdown(50) = %v, want 0", result)
	}
}

// TestValueStackOverflow pushes past a tightened stack limit via Dup.
func TestValueStackOverflow(t *testing.T) {
	b := NewContainerBuilder()
	c1 := b.AddConstant(I32Value(1))

	code := NewBytecodeBuilder()
	code.EmitU32(OpPush, c1)
	for i := 0; i < 10; i++ {
		code.Emit(OpDup)
	}
	code.Emit(OpHalt)
	b.AddFunction(Function{Name: "main", Return: TypeI32, Code: code.Bytes()})

	limits := DefaultLimits()
	limits.MaxValueStack = 8
	m := newTestVm(t, mustBuild(t, b), WithLimits(limits))
	if _, err := m.Execute(); !errors.Is(err, ErrStackOverflow) {
		t.Errorf("Execute() error = %v, want ErrStackOverflow", err)
	}
	if depth := m.Stats().MaxValueStackDepth; depth != 8 {
		t.Errorf("MaxValueStackDepth = %d, want 8", depth)
	}
}

// TestHaltInsideCallClearsCallStack halts from a nested function and
// checks the result is the callee's top-of-stack.
func TestHaltInsideCallClearsCallStack(t *testing.T) {
	b := NewContainerBuilder()
	c42 := b.AddConstant(I32Value(42))

	inner := NewBytecodeBuilder()
	inner.EmitU32(OpPush, c42)
	inner.Emit(OpHalt)
	innerIdx := b.AddFunction(Function{Name: "inner", Return: TypeI32, Code: inner.Bytes()})

	main := NewBytecodeBuilder()
	main.EmitU32(OpCall, innerIdx)
	main.Emit(OpRet)
	b.SetEntryPoint(b.AddFunction(Function{Name: "main", Return: TypeI32, Code: main.Bytes()}))

	m := newTestVm(t, mustBuild(t, b))
	result, err := m.Execute()
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Kind() != TypeI32 || result.I32() != 42 {
		t.Errorf("result = %v, want 42", result)
	}
	if m.State() != StateHalted {
		t.Errorf("state = %v, want halted", m.State())
	}
}

// TestHaltOnEmptyStackYieldsUnit checks the Halt result when nothing is
// on the stack.
func TestHaltOnEmptyStackYieldsUnit(t *testing.T) {
	b := NewContainerBuilder()
	code := NewBytecodeBuilder()
	code.Emit(OpHalt)
	b.AddFunction(Function{Name: "main", Return: TypeUnit, Code: code.Bytes()})

	m := newTestVm(t, mustBuild(t, b))
	result, err := m.Execute()
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Kind() != TypeUnit {
		t.Errorf("result = %v, want ()", result)
	}
}

// TestRunningOffCodeEndFaults executes a function whose code ends
// without Ret or Halt.
func TestRunningOffCodeEndFaults(t *testing.T) {
	b := NewContainerBuilder()
	c1 := b.AddConstant(I32Value(1))
	code := NewBytecodeBuilder()
	code.EmitU32(OpPush, c1)
	b.AddFunction(Function{Name: "main", Return: TypeI32, Code: code.Bytes()})

	m := newTestVm(t, mustBuild(t, b))
	if _, err := m.Execute(); !errors.Is(err, ErrUnexpectedEndOfCode) {
		t.Errorf("Execute() error = %v, want ErrUnexpectedEndOfCode", err)
	}
}

// TestOperandTypeMismatchFaults adds an I32 to a Bool.
func TestOperandTypeMismatchFaults(t *testing.T) {
	b := NewContainerBuilder()
	c1 := b.AddConstant(I32Value(1))
	cTrue := b.AddConstant(BoolValue(true))

	code := NewBytecodeBuilder()
	code.EmitU32(OpPush, c1)
	code.EmitU32(OpPush, cTrue)
	code.Emit(OpAdd)
	code.Emit(OpRet)
	b.AddFunction(Function{Name: "main", Return: TypeI32, Code: code.Bytes()})

	m := newTestVm(t, mustBuild(t, b))
	_, err := m.Execute()
	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Execute() error = %v, want TypeMismatchError", err)
	}
	if mismatch.Expected != TypeI32 || mismatch.Got != TypeBool {
		t.Errorf("mismatch = %v, want expected I32 got Bool", mismatch)
	}
}

// TestInstanceReuse runs the same instance twice with a Reset between
// and checks the stats are per-run.
func TestInstanceReuse(t *testing.T) {
	b := NewContainerBuilder()
	c2 := b.AddConstant(I32Value(2))
	code := NewBytecodeBuilder()
	code.EmitU32(OpPush, c2)
	code.EmitU32(OpPush, c2)
	code.Emit(OpMul)
	code.Emit(OpRet)
	b.AddFunction(Function{Name: "main", Return: TypeI32, Code: code.Bytes()})

	m := newTestVm(t, mustBuild(t, b))
	for run := 0; run < 3; run++ {
		result, err := m.Execute()
		if err != nil {
			t.Fatalf("run %d failed: %v", run, err)
		}
		if result.I32() != 4 {
			t.Errorf("run %d = %v, want 4", run, result)
		}
		if got := m.Stats().Instructions; got != 4 {
			t.Errorf("run %d Instructions = %d, want 4", run, got)
		}
		m.Reset()
	}
}

// TestNewRejectsUnvalidatedContainer checks the engine refuses a
// container that has not passed Validate.
func TestNewRejectsUnvalidatedContainer(t *testing.T) {
	b := NewContainerBuilder()
	code := NewBytecodeBuilder()
	code.Emit(OpHalt)
	b.AddFunction(Function{Name: "main", Return: TypeUnit, Code: code.Bytes()})
	c := mustBuild(t, b)

	// Round-trip through the wire format drops the validated mark.
	loaded, err := Load(c.Serialize())
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if _, err := New(loaded, nil); !errors.Is(err, ErrNotValidated) {
		t.Errorf("New() error = %v, want ErrNotValidated", err)
	}

	if err := loaded.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if _, err := New(loaded, nil); err != nil {
		t.Errorf("New() after Validate failed: %v", err)
	}
}

// TestExecuteFunctionByIndex overrides the entry point.
func TestExecuteFunctionByIndex(t *testing.T) {
	b := NewContainerBuilder()
	c1 := b.AddConstant(I32Value(1))
	c2 := b.AddConstant(I32Value(2))

	one := NewBytecodeBuilder()
	one.EmitU32(OpPush, c1)
	one.Emit(OpRet)
	b.AddFunction(Function{Name: "one", Return: TypeI32, Code: one.Bytes()})

	two := NewBytecodeBuilder()
	two.EmitU32(OpPush, c2)
	two.Emit(OpRet)
	twoIdx := b.AddFunction(Function{Name: "two", Return: TypeI32, Code: two.Bytes()})

	c := mustBuild(t, b)
	m := newTestVm(t, c)

	result, err := m.ExecuteFunction(twoIdx)
	if err != nil {
		t.Fatalf("ExecuteFunction(%d) failed: %v", twoIdx, err)
	}
	if result.I32() != 2 {
		t.Errorf("result = %v, want 2", result)
	}

	idx, ok := c.FunctionIndexByName("one")
	if !ok {
		t.Fatal("FunctionIndexByName(one) not found")
	}
	m.Reset()
	result, err = m.ExecuteFunction(idx)
	if err != nil {
		t.Fatalf("ExecuteFunction(one) failed: %v", err)
	}
	if result.I32() != 1 {
		t.Errorf("result = %v, want 1", result)
	}
}
