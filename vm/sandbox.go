package vm

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Sandbox errors
// ---------------------------------------------------------------------------

// MemoryLimitExceededError reports a tracked allocation that would push
// total usage past the sandbox's memory limit.
type MemoryLimitExceededError struct {
	Requested uint64
	Current   uint64
	Limit     uint64
}

func (e *MemoryLimitExceededError) Error() string {
	return fmt.Sprintf("memory limit exceeded: %d bytes requested, %d in use, limit %d",
		e.Requested, e.Current, e.Limit)
}

// AllocationTooLargeError reports a single tracked allocation larger
// than the sandbox permits.
type AllocationTooLargeError struct {
	Requested uint64
	Limit     uint64
}

func (e *AllocationTooLargeError) Error() string {
	return fmt.Sprintf("allocation too large: %d bytes requested, limit %d", e.Requested, e.Limit)
}

// CapabilityDeniedError reports an FFI call blocked by the capability
// policy.
type CapabilityDeniedError struct {
	Capability string
	Function   string
}

func (e *CapabilityDeniedError) Error() string {
	return fmt.Sprintf("capability %q denied for ffi %q", e.Capability, e.Function)
}

// ---------------------------------------------------------------------------
// Capability policy
// ---------------------------------------------------------------------------

// CapabilityPolicy controls which capabilities a plugin may exercise.
// A nil AllowedCapabilities map means "allow all"; the deny list always
// wins over the allow list.
type CapabilityPolicy struct {
	AllowedCapabilities map[string]bool // nil = allow all
	DeniedCapabilities  map[string]bool
}

// NewPermissivePolicy creates a policy that allows all capabilities.
func NewPermissivePolicy() *CapabilityPolicy {
	return &CapabilityPolicy{}
}

// NewRestrictedPolicy creates a policy that only allows the specified
// capabilities.
func NewRestrictedPolicy(allowed []string) *CapabilityPolicy {
	m := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		m[c] = true
	}
	return &CapabilityPolicy{AllowedCapabilities: m}
}

// Allows reports whether the policy permits a capability.
func (p *CapabilityPolicy) Allows(capability string) bool {
	if p.DeniedCapabilities != nil && p.DeniedCapabilities[capability] {
		return false
	}
	if p.AllowedCapabilities != nil && !p.AllowedCapabilities[capability] {
		return false
	}
	return true
}

// Allow adds a capability to the allow list, narrowing a previously
// allow-all policy to listed capabilities only.
func (p *CapabilityPolicy) Allow(capability string) {
	if p.AllowedCapabilities == nil {
		p.AllowedCapabilities = make(map[string]bool)
	}
	p.AllowedCapabilities[capability] = true
}

// Deny adds a capability to the deny list.
func (p *CapabilityPolicy) Deny(capability string) {
	if p.DeniedCapabilities == nil {
		p.DeniedCapabilities = make(map[string]bool)
	}
	p.DeniedCapabilities[capability] = true
}

// ---------------------------------------------------------------------------
// Sandbox
// ---------------------------------------------------------------------------

// Sandbox enforces per-instance resource and capability limits. It
// tracks heap allocations attributed to plugin execution and gates
// capability-protected FFI calls.
//
// A Sandbox belongs to exactly one Vm and is not safe for concurrent
// use, matching the engine's single-threaded execution model.
type Sandbox struct {
	limits Limits
	policy *CapabilityPolicy // nil = deny all gated calls
	log    commonlog.Logger

	current uint64 // tracked bytes currently in use
	peak    uint64 // high-water mark of current
	allocs  uint64 // total TrackAllocation calls
}

// NewSandbox creates a sandbox with the given limits and no policy.
func NewSandbox(limits Limits) *Sandbox {
	return &Sandbox{
		limits: limits,
		log:    commonlog.GetLogger("fusabi.sandbox"),
	}
}

// TrackAllocation records size bytes of plugin-attributed heap usage.
// The caps are checked before the total is updated, so a rejected
// allocation leaves the accounting untouched.
func (s *Sandbox) TrackAllocation(size uint64) error {
	if size > s.limits.MaxAllocation {
		return &AllocationTooLargeError{Requested: size, Limit: s.limits.MaxAllocation}
	}
	if s.current+size > s.limits.MemoryLimit {
		return &MemoryLimitExceededError{Requested: size, Current: s.current, Limit: s.limits.MemoryLimit}
	}
	s.current += size
	s.allocs++
	if s.current > s.peak {
		s.peak = s.current
	}
	return nil
}

// ReleaseAllocation returns size bytes to the budget. Releasing more
// than is in use clamps to zero rather than underflowing.
func (s *Sandbox) ReleaseAllocation(size uint64) {
	if size > s.current {
		s.current = 0
		return
	}
	s.current -= size
}

// InUse returns the tracked bytes currently in use.
func (s *Sandbox) InUse() uint64 {
	return s.current
}

// Peak returns the high-water mark of tracked bytes.
func (s *Sandbox) Peak() uint64 {
	return s.peak
}

// Allocations returns the number of tracked allocations.
func (s *Sandbox) Allocations() uint64 {
	return s.allocs
}

// CheckCapability gates a capability-protected FFI call. Denials are
// logged with the calling instance's id for auditing.
func (s *Sandbox) CheckCapability(capability, function string, instance uuid.UUID) error {
	if s.policy != nil && s.policy.Allows(capability) {
		return nil
	}
	s.log.Warningf("capability %q denied for ffi %q (instance %s)", capability, function, instance)
	return &CapabilityDeniedError{Capability: capability, Function: function}
}

func (s *Sandbox) reset() {
	s.current = 0
	s.peak = 0
	s.allocs = 0
}
