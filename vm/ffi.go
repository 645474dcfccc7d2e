package vm

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// FFI registry
// ---------------------------------------------------------------------------

// FfiFunc is a host function callable from bytecode. Arguments arrive
// already validated against the registered signature.
type FfiFunc func(args []Value) (Value, error)

// Signature declares an FFI function's parameter types, return type and
// the capability (if any) a plugin must hold to call it.
type Signature struct {
	Params     []Type
	Return     Type
	Capability string // empty means ungated
}

// ArityMismatchError reports an FFI invocation with the wrong number of
// arguments.
type ArityMismatchError struct {
	Name     string
	Expected int
	Got      int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("ffi %q expects %d arguments, got %d", e.Name, e.Expected, e.Got)
}

// ArgTypeMismatchError reports an FFI argument of the wrong type. The
// host callback is never invoked when this occurs.
type ArgTypeMismatchError struct {
	Name     string
	Index    int
	Expected Type
	Got      Type
}

func (e *ArgTypeMismatchError) Error() string {
	return fmt.Sprintf("ffi %q argument %d: expected %s, got %s", e.Name, e.Index, e.Expected, e.Got)
}

type ffiEntry struct {
	sig Signature
	fn  FfiFunc
}

// FfiRegistry maps import names to typed host functions.
//
// Registries are read-mostly: register everything during setup, then
// share one registry across any number of VM instances. Lookups take a
// read lock only.
type FfiRegistry struct {
	mu      sync.RWMutex
	entries map[string]ffiEntry
}

// NewFfiRegistry creates an empty registry.
func NewFfiRegistry() *FfiRegistry {
	return &FfiRegistry{entries: make(map[string]ffiEntry)}
}

// Register binds a host function under a name, replacing any existing
// entry. Replacement supports host customization and test doubles, but
// must happen before instances start executing against the registry.
func (r *FfiRegistry) Register(name string, sig Signature, fn FfiFunc) error {
	if fn == nil {
		return fmt.Errorf("ffi %q: nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = ffiEntry{sig: sig, fn: fn}
	return nil
}

// Signature returns the registered signature for a name.
func (r *FfiRegistry) Signature(name string) (Signature, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry.sig, ok
}

// Names returns the registered import names in unspecified order.
func (r *FfiRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Invoke validates args against the registered signature and calls the
// host function. Arity or argument type mismatches fail before the
// callback runs.
func (r *FfiRegistry) Invoke(name string, args []Value) (Value, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Unit, &FfiNotFoundError{Name: name}
	}

	if len(args) != len(entry.sig.Params) {
		return Unit, &ArityMismatchError{Name: name, Expected: len(entry.sig.Params), Got: len(args)}
	}
	for i, want := range entry.sig.Params {
		if args[i].Kind() != want {
			return Unit, &ArgTypeMismatchError{Name: name, Index: i, Expected: want, Got: args[i].Kind()}
		}
	}

	result, err := entry.fn(args)
	if err != nil {
		return Unit, fmt.Errorf("ffi %q: %w", name, err)
	}
	if result.Kind() != entry.sig.Return {
		return Unit, fmt.Errorf("ffi %q returned %s, declared %s", name, result.Kind(), entry.sig.Return)
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Standard host functions
// ---------------------------------------------------------------------------

// CapabilityPrint gates host functions that write to the host's output.
const CapabilityPrint = "io.print"

// NewStandardRegistry creates a registry preloaded with the standard
// host functions. Only print is capability-gated; the rest are pure.
func NewStandardRegistry() *FfiRegistry {
	r := NewFfiRegistry()

	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}

	must(r.Register("print",
		Signature{Params: []Type{TypeString}, Return: TypeUnit, Capability: CapabilityPrint},
		func(args []Value) (Value, error) {
			if _, err := fmt.Fprintln(os.Stdout, args[0].Str()); err != nil {
				return Unit, err
			}
			return Unit, nil
		}))

	must(r.Register("string_concat",
		Signature{Params: []Type{TypeString, TypeString}, Return: TypeString},
		func(args []Value) (Value, error) {
			return StringValue(args[0].Str() + args[1].Str()), nil
		}))

	must(r.Register("string_contains",
		Signature{Params: []Type{TypeString, TypeString}, Return: TypeBool},
		func(args []Value) (Value, error) {
			return BoolValue(strings.Contains(args[0].Str(), args[1].Str())), nil
		}))

	must(r.Register("string_len",
		Signature{Params: []Type{TypeString}, Return: TypeI32},
		func(args []Value) (Value, error) {
			return I32Value(int32(len(args[0].Str()))), nil
		}))

	must(r.Register("i32_to_string",
		Signature{Params: []Type{TypeI32}, Return: TypeString},
		func(args []Value) (Value, error) {
			return StringValue(strconv.FormatInt(int64(args[0].I32()), 10)), nil
		}))

	must(r.Register("abs",
		Signature{Params: []Type{TypeI32}, Return: TypeI32},
		func(args []Value) (Value, error) {
			n := args[0].I32()
			if n < 0 {
				n = -n
			}
			return I32Value(n), nil
		}))

	must(r.Register("sqrt",
		Signature{Params: []Type{TypeF64}, Return: TypeF64},
		func(args []Value) (Value, error) {
			return F64Value(math.Sqrt(args[0].F64())), nil
		}))

	return r
}
