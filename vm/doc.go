// Package vm implements the Fusabi plugin virtual machine.
//
// This package contains:
//   - Tagged value representation
//   - The .fzb bytecode container (load, validate, serialize)
//   - Stack-based bytecode interpreter
//   - FFI registry bridging bytecode to host functions
//   - Security sandbox with memory accounting and capability checks
package vm
