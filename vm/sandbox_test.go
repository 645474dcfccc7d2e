package vm

import (
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Sandbox accounting and capability policy tests
// ---------------------------------------------------------------------------

// TestTrackAllocationLimits exercises the total cap at its exact
// boundary: reaching the limit succeeds, crossing it fails, and a
// rejected allocation leaves the accounting untouched.
func TestTrackAllocationLimits(t *testing.T) {
	limits := DefaultLimits()
	limits.MemoryLimit = 100
	limits.MaxAllocation = 100
	s := NewSandbox(limits)

	if err := s.TrackAllocation(60); err != nil {
		t.Fatalf("TrackAllocation(60) failed: %v", err)
	}
	if err := s.TrackAllocation(40); err != nil {
		t.Fatalf("TrackAllocation(40) at exact limit failed: %v", err)
	}
	if s.InUse() != 100 {
		t.Errorf("InUse = %d, want 100", s.InUse())
	}

	err := s.TrackAllocation(1)
	var exceeded *MemoryLimitExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("TrackAllocation(1) error = %v, want MemoryLimitExceededError", err)
	}
	if exceeded.Requested != 1 || exceeded.Current != 100 || exceeded.Limit != 100 {
		t.Errorf("error fields = %+v, want requested 1 current 100 limit 100", exceeded)
	}
	if s.InUse() != 100 {
		t.Errorf("InUse after rejection = %d, want 100", s.InUse())
	}

	s.ReleaseAllocation(50)
	if err := s.TrackAllocation(10); err != nil {
		t.Errorf("TrackAllocation(10) after release failed: %v", err)
	}
	if s.Peak() != 100 {
		t.Errorf("Peak = %d, want 100", s.Peak())
	}
	if s.Allocations() != 3 {
		t.Errorf("Allocations = %d, want 3", s.Allocations())
	}
}

// TestSingleAllocationCap rejects one allocation larger than the
// per-allocation limit even when the total budget has room.
func TestSingleAllocationCap(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxAllocation = 10
	s := NewSandbox(limits)

	err := s.TrackAllocation(11)
	var tooLarge *AllocationTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("TrackAllocation(11) error = %v, want AllocationTooLargeError", err)
	}
	if tooLarge.Requested != 11 || tooLarge.Limit != 10 {
		t.Errorf("error fields = %+v, want requested 11 limit 10", tooLarge)
	}
	if err := s.TrackAllocation(10); err != nil {
		t.Errorf("TrackAllocation(10) failed: %v", err)
	}
}

// TestReleaseClampsToZero releases more than is in use.
func TestReleaseClampsToZero(t *testing.T) {
	s := NewSandbox(DefaultLimits())
	if err := s.TrackAllocation(5); err != nil {
		t.Fatalf("TrackAllocation(5) failed: %v", err)
	}
	s.ReleaseAllocation(50)
	if s.InUse() != 0 {
		t.Errorf("InUse = %d, want 0", s.InUse())
	}
}

// TestCapabilityPolicySemantics covers the allow-all default, the
// restricted allow list, and deny-list precedence.
func TestCapabilityPolicySemantics(t *testing.T) {
	permissive := NewPermissivePolicy()
	if !permissive.Allows("anything.at.all") {
		t.Error("permissive policy denied a capability")
	}

	restricted := NewRestrictedPolicy([]string{"fs.read"})
	if !restricted.Allows("fs.read") {
		t.Error("restricted policy denied a listed capability")
	}
	if restricted.Allows("fs.write") {
		t.Error("restricted policy allowed an unlisted capability")
	}
	restricted.Allow("fs.write")
	if !restricted.Allows("fs.write") {
		t.Error("Allow() did not take effect")
	}

	permissive.Deny("net.fetch")
	if permissive.Allows("net.fetch") {
		t.Error("deny list did not override allow-all")
	}
}

// TestStringPushesChargeTheSandbox runs bytecode under a tiny memory
// limit. Each String push is charged while resident; the fault happens
// at the exact crossing push.
func TestStringPushesChargeTheSandbox(t *testing.T) {
	b := NewContainerBuilder()
	cs := b.AddConstant(StringValue("12345678")) // 8 bytes

	code := NewBytecodeBuilder()
	code.EmitU32(OpPush, cs) // 8 in use
	code.Emit(OpDup)         // 16 in use, at the limit
	code.Emit(OpDup)         // crossing: fault
	code.Emit(OpHalt)
	b.AddFunction(Function{Name: "main", Return: TypeUnit, Code: code.Bytes()})

	limits := DefaultLimits()
	limits.MemoryLimit = 16
	m := newTestVm(t, mustBuild(t, b), WithLimits(limits))

	_, err := m.Execute()
	var exceeded *MemoryLimitExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("Execute() error = %v, want MemoryLimitExceededError", err)
	}
	if exceeded.Requested != 8 || exceeded.Current != 16 {
		t.Errorf("error fields = %+v, want requested 8 current 16", exceeded)
	}
	if got := m.Stats().BytesAllocated; got != 16 {
		t.Errorf("BytesAllocated = %d, want 16", got)
	}
}

// TestPopsReleaseTheCharge verifies a popped String returns its bytes
// to the budget, so push/pop cycling never accumulates.
func TestPopsReleaseTheCharge(t *testing.T) {
	b := NewContainerBuilder()
	cs := b.AddConstant(StringValue("abcdefgh")) // 8 bytes

	code := NewBytecodeBuilder()
	for i := 0; i < 10; i++ {
		code.EmitU32(OpPush, cs)
		code.Emit(OpPop)
	}
	code.Emit(OpHalt)
	b.AddFunction(Function{Name: "main", Return: TypeUnit, Code: code.Bytes()})

	limits := DefaultLimits()
	limits.MemoryLimit = 8
	m := newTestVm(t, mustBuild(t, b), WithLimits(limits))

	if _, err := m.Execute(); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if got := m.Sandbox().InUse(); got != 0 {
		t.Errorf("InUse after halt = %d, want 0", got)
	}
	if got := m.Stats().BytesAllocated; got != 8 {
		t.Errorf("BytesAllocated = %d, want 8", got)
	}
}

// TestStoreReleasesOverwrittenString overwrites a String local and
// checks the old payload's charge is released.
func TestStoreReleasesOverwrittenString(t *testing.T) {
	b := NewContainerBuilder()
	cBig := b.AddConstant(StringValue("aaaaaaaa")) // 8 bytes
	cSmall := b.AddConstant(StringValue("bb"))     // 2 bytes

	code := NewBytecodeBuilder()
	code.EmitU32(OpPush, cBig)
	code.EmitU32(OpStore, 0)
	code.EmitU32(OpPush, cSmall)
	code.EmitU32(OpStore, 0) // the 8-byte payload leaves the stack here
	code.EmitU32(OpPush, cBig)
	code.Emit(OpHalt)
	b.AddFunction(Function{Name: "main", Return: TypeUnit, Locals: 1, Code: code.Bytes()})

	limits := DefaultLimits()
	limits.MemoryLimit = 10
	m := newTestVm(t, mustBuild(t, b), WithLimits(limits))

	if _, err := m.Execute(); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if got := m.Sandbox().InUse(); got != 0 {
		t.Errorf("InUse after halt = %d, want 0", got)
	}
}

// TestReturnReleasesCalleeStrings calls a function that fills locals
// with Strings; returning must release everything but the returned
// value.
func TestReturnReleasesCalleeStrings(t *testing.T) {
	b := NewContainerBuilder()
	cs := b.AddConstant(StringValue("xxxxxxxx")) // 8 bytes

	callee := NewBytecodeBuilder()
	callee.EmitU32(OpPush, cs)
	callee.EmitU32(OpStore, 0)
	callee.EmitU32(OpPush, cs)
	callee.Emit(OpRet)
	calleeIdx := b.AddFunction(Function{Name: "callee", Return: TypeString, Locals: 1, Code: callee.Bytes()})

	main := NewBytecodeBuilder()
	main.EmitU32(OpCall, calleeIdx)
	main.Emit(OpPop)
	main.EmitU32(OpCall, calleeIdx) // would exceed 16 if the first call leaked
	main.Emit(OpRet)
	b.SetEntryPoint(b.AddFunction(Function{Name: "main", Return: TypeString, Code: main.Bytes()}))

	limits := DefaultLimits()
	limits.MemoryLimit = 16
	m := newTestVm(t, mustBuild(t, b), WithLimits(limits))

	result, err := m.Execute()
	if err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if result.Str() != "xxxxxxxx" {
		t.Errorf("result = %v, want the callee's string", result)
	}
	if got := m.Sandbox().InUse(); got != 0 {
		t.Errorf("InUse after run = %d, want 0", got)
	}
}

// TestDeniedCapabilityMessage checks the denial error names both the
// capability and the FFI function, which is what lands in audit logs.
func TestDeniedCapabilityMessage(t *testing.T) {
	err := &CapabilityDeniedError{Capability: "net.fetch", Function: "fetch"}
	msg := err.Error()
	if !strings.Contains(msg, "net.fetch") || !strings.Contains(msg, "fetch") {
		t.Errorf("message %q should name the capability and function", msg)
	}
}
