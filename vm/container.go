package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// Magic is the 4-byte tag at the start of every .fzb file.
var Magic = [4]byte{'F', 'Z', 'B', 0}

// Version is the current bytecode container version.
const Version uint32 = 1

// Structural limits enforced at load/validation time.
const (
	MaxNameLen      = 256             // maximum function name length (bytes)
	MaxConstants    = 65536           // maximum constants per container
	MaxFunctions    = 4096            // maximum functions per container
	MaxFunctionSize = 1 * 1024 * 1024 // maximum bytecode per function (bytes)
)

// ---------------------------------------------------------------------------
// Load and validation errors
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic       = errors.New("invalid magic number: expected FZB\\0")
	ErrUnsupportedVersion = errors.New("unsupported bytecode version")
	ErrTruncated          = errors.New("unexpected end of container data")
	ErrMalformedValue     = errors.New("malformed constant value")
	ErrTooManyConstants   = errors.New("too many constants")
	ErrTooManyFunctions   = errors.New("too many functions")
	ErrNameTooLong        = errors.New("function name too long")
	ErrFunctionTooLarge   = errors.New("function bytecode too large")
	ErrTrailingData       = errors.New("trailing data after entry point")
	ErrNotValidated       = errors.New("container has not been validated")
)

// IndexKind names the table an out-of-bounds index referred to.
type IndexKind string

const (
	IndexConstant   IndexKind = "constant"
	IndexFunction   IndexKind = "function"
	IndexFfiImport  IndexKind = "ffi import"
	IndexLocal      IndexKind = "local"
	IndexEntryPoint IndexKind = "entry point"
)

// IndexOutOfBoundsError reports an instruction or header operand that
// references past the end of its target table.
type IndexOutOfBoundsError struct {
	Kind     IndexKind
	Function int // function containing the instruction, -1 for the header
	Offset   int // instruction offset within the function, -1 for the header
	Index    uint32
	Limit    int
}

func (e *IndexOutOfBoundsError) Error() string {
	if e.Function < 0 {
		return fmt.Sprintf("%s index %d out of bounds (limit %d)", e.Kind, e.Index, e.Limit)
	}
	return fmt.Sprintf("%s index %d out of bounds (limit %d) in function %d at offset %d",
		e.Kind, e.Index, e.Limit, e.Function, e.Offset)
}

// UnknownOpcodeError reports an unrecognized opcode byte.
type UnknownOpcodeError struct {
	Function int
	Offset   int
	Byte     byte
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("unknown opcode 0x%02X in function %d at offset %d", e.Byte, e.Function, e.Offset)
}

// InvalidJumpTargetError reports a jump whose target is outside its
// function or not on an instruction boundary.
type InvalidJumpTargetError struct {
	Function int
	Offset   int
	Target   int
}

func (e *InvalidJumpTargetError) Error() string {
	return fmt.Sprintf("invalid jump target %d in function %d at offset %d", e.Target, e.Function, e.Offset)
}

// ---------------------------------------------------------------------------
// Function: a single compiled function
// ---------------------------------------------------------------------------

// Function is one entry of a container's function table.
//
// Locals is the TOTAL local-slot count; parameters occupy the first
// len(Params) slots. Code aliases the buffer the container was loaded
// from and must not be mutated.
type Function struct {
	Name   string
	Params []Type
	Return Type
	Locals uint32
	Code   []byte
}

// ---------------------------------------------------------------------------
// Container: a loaded .fzb bytecode module
// ---------------------------------------------------------------------------

// Container is a parsed, read-only .fzb bytecode module. After a
// successful Validate it is safe to share across any number of
// concurrently executing VM instances.
type Container struct {
	version    uint32
	constants  []Value
	ffiImports []string
	functions  []Function
	entryPoint uint32
	validated  bool
}

// Load parses a .fzb byte buffer into a Container.
//
// The parse is a single forward pass; function bodies alias bytes rather
// than being copied. Load performs only structural framing checks — call
// Validate before handing the container to a VM.
func Load(data []byte) (*Container, error) {
	r := &containerReader{data: data}

	magic, err := r.bytes(4)
	if err != nil {
		return nil, err
	}
	if [4]byte(magic) != Magic {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidMagic, magic)
	}

	version, err := r.u32()
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	c := &Container{version: version}

	// Constant pool
	constCount, err := r.count()
	if err != nil {
		return nil, fmt.Errorf("constant count: %w", err)
	}
	if constCount > MaxConstants {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyConstants, constCount, MaxConstants)
	}
	c.constants = make([]Value, constCount)
	for i := range c.constants {
		v, err := r.value()
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		c.constants[i] = v
	}

	// FFI import table
	ffiCount, err := r.count()
	if err != nil {
		return nil, fmt.Errorf("ffi import count: %w", err)
	}
	c.ffiImports = make([]string, ffiCount)
	for i := range c.ffiImports {
		s, err := r.str()
		if err != nil {
			return nil, fmt.Errorf("ffi import %d: %w", i, err)
		}
		c.ffiImports[i] = s
	}

	// Function table
	fnCount, err := r.count()
	if err != nil {
		return nil, fmt.Errorf("function count: %w", err)
	}
	if fnCount > MaxFunctions {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrTooManyFunctions, fnCount, MaxFunctions)
	}
	c.functions = make([]Function, fnCount)
	for i := range c.functions {
		fn, err := r.function()
		if err != nil {
			return nil, fmt.Errorf("function %d: %w", i, err)
		}
		c.functions[i] = fn
	}

	// Entry point
	c.entryPoint, err = r.u32()
	if err != nil {
		return nil, fmt.Errorf("entry point: %w", err)
	}
	if r.pos != len(r.data) {
		return nil, fmt.Errorf("%w: %d extra bytes", ErrTrailingData, len(r.data)-r.pos)
	}

	return c, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks every instruction of every function: opcode bytes must
// be recognized, operands must be complete, and every index operand
// (constant, function, FFI import, local slot) and jump target must be
// in bounds. The execution engine refuses containers that have not passed
// Validate.
func (c *Container) Validate() error {
	if int(c.entryPoint) >= len(c.functions) {
		return &IndexOutOfBoundsError{
			Kind: IndexEntryPoint, Function: -1, Offset: -1,
			Index: c.entryPoint, Limit: len(c.functions),
		}
	}

	for i := range c.functions {
		if err := c.validateFunction(i); err != nil {
			return err
		}
	}

	c.validated = true
	return nil
}

// Validated reports whether Validate has succeeded on this container.
func (c *Container) Validated() bool {
	return c.validated
}

func (c *Container) validateFunction(fnIdx int) error {
	fn := &c.functions[fnIdx]

	if len(fn.Name) > MaxNameLen {
		return fmt.Errorf("%w: function %d (%d bytes)", ErrNameTooLong, fnIdx, len(fn.Name))
	}
	if len(fn.Code) > MaxFunctionSize {
		return fmt.Errorf("%w: function %d (%d bytes)", ErrFunctionTooLarge, fnIdx, len(fn.Code))
	}
	if int(fn.Locals) < len(fn.Params) {
		return &IndexOutOfBoundsError{
			Kind: IndexLocal, Function: fnIdx, Offset: -1,
			Index: uint32(len(fn.Params)), Limit: int(fn.Locals),
		}
	}

	// First pass: decode instructions, record boundaries, check index
	// operands.
	boundaries := make(map[int]bool, len(fn.Code)/2)
	type pendingJump struct {
		offset int
		target int
	}
	var jumps []pendingJump

	pc := 0
	for pc < len(fn.Code) {
		boundaries[pc] = true
		op := Opcode(fn.Code[pc])
		info, ok := opcodeTable[op]
		if !ok {
			return &UnknownOpcodeError{Function: fnIdx, Offset: pc, Byte: byte(op)}
		}
		if pc+1+info.OperandBytes > len(fn.Code) {
			return fmt.Errorf("%w: function %d at offset %d", ErrTruncated, fnIdx, pc)
		}

		if info.OperandBytes > 0 {
			raw := binary.LittleEndian.Uint32(fn.Code[pc+1:])
			switch info.operand {
			case operandConst:
				if int(raw) >= len(c.constants) {
					return &IndexOutOfBoundsError{Kind: IndexConstant, Function: fnIdx,
						Offset: pc, Index: raw, Limit: len(c.constants)}
				}
			case operandLocal:
				if raw >= fn.Locals {
					return &IndexOutOfBoundsError{Kind: IndexLocal, Function: fnIdx,
						Offset: pc, Index: raw, Limit: int(fn.Locals)}
				}
			case operandFunction:
				if int(raw) >= len(c.functions) {
					return &IndexOutOfBoundsError{Kind: IndexFunction, Function: fnIdx,
						Offset: pc, Index: raw, Limit: len(c.functions)}
				}
			case operandFfi:
				if int(raw) >= len(c.ffiImports) {
					return &IndexOutOfBoundsError{Kind: IndexFfiImport, Function: fnIdx,
						Offset: pc, Index: raw, Limit: len(c.ffiImports)}
				}
			case operandOffset:
				jumps = append(jumps, pendingJump{offset: pc, target: pc + int(int32(raw))})
			}
		}

		pc += 1 + info.OperandBytes
	}

	// Second pass: jump targets must land on an instruction boundary.
	for _, j := range jumps {
		if j.target < 0 || j.target >= len(fn.Code) || !boundaries[j.target] {
			return &InvalidJumpTargetError{Function: fnIdx, Offset: j.offset, Target: j.target}
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------
//
// Accessors index directly: once a container has validated, every index
// the engine derives from its own tables is in bounds, so an
// out-of-range argument here is an internal invariant violation rather
// than a user-facing error.

// Constant returns the constant at index i.
func (c *Container) Constant(i uint32) Value {
	return c.constants[i]
}

// NumConstants returns the size of the constant pool.
func (c *Container) NumConstants() int {
	return len(c.constants)
}

// Function returns the function definition at index i.
func (c *Container) Function(i uint32) *Function {
	return &c.functions[i]
}

// NumFunctions returns the size of the function table.
func (c *Container) NumFunctions() int {
	return len(c.functions)
}

// FFIImportName returns the FFI import name at index i.
func (c *Container) FFIImportName(i uint32) string {
	return c.ffiImports[i]
}

// NumFFIImports returns the size of the FFI import table.
func (c *Container) NumFFIImports() int {
	return len(c.ffiImports)
}

// EntryPoint returns the entry-point function index.
func (c *Container) EntryPoint() uint32 {
	return c.entryPoint
}

// Version returns the container format version.
func (c *Container) Version() uint32 {
	return c.version
}

// FunctionIndexByName returns the index of the first function with the
// given name, or false if none exists.
func (c *Container) FunctionIndexByName(name string) (uint32, bool) {
	for i := range c.functions {
		if c.functions[i].Name == name {
			return uint32(i), true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Serialization
// ---------------------------------------------------------------------------

// Serialize encodes the container back into the .fzb wire format. It is
// the exact inverse of Load: Load(c.Serialize()) yields an observably
// equal container.
func (c *Container) Serialize() []byte {
	w := &containerWriter{buf: make([]byte, 0, 256)}

	w.raw(Magic[:])
	w.u32(c.version)

	w.count(len(c.constants))
	for _, v := range c.constants {
		w.value(v)
	}

	w.count(len(c.ffiImports))
	for _, s := range c.ffiImports {
		w.str(s)
	}

	w.count(len(c.functions))
	for i := range c.functions {
		fn := &c.functions[i]
		w.str(fn.Name)
		w.u32(uint32(len(fn.Params)))
		for _, p := range fn.Params {
			w.byte(byte(p))
		}
		w.byte(byte(fn.Return))
		w.u32(fn.Locals)
		w.u32(uint32(len(fn.Code)))
		w.raw(fn.Code)
	}

	w.u32(c.entryPoint)
	return w.buf
}

// ---------------------------------------------------------------------------
// ContainerBuilder: programmatic container construction
// ---------------------------------------------------------------------------

// ContainerBuilder assembles a Container in memory. It is the boundary
// handed to compiler front-ends and is used heavily by tests.
type ContainerBuilder struct {
	constants  []Value
	ffiImports []string
	functions  []Function
	entryPoint uint32
}

// NewContainerBuilder creates an empty builder with entry point 0.
func NewContainerBuilder() *ContainerBuilder {
	return &ContainerBuilder{}
}

// AddConstant appends a constant and returns its pool index.
func (b *ContainerBuilder) AddConstant(v Value) uint32 {
	b.constants = append(b.constants, v)
	return uint32(len(b.constants) - 1)
}

// AddFFIImport appends an FFI import name and returns its index.
func (b *ContainerBuilder) AddFFIImport(name string) uint32 {
	b.ffiImports = append(b.ffiImports, name)
	return uint32(len(b.ffiImports) - 1)
}

// AddFunction appends a function definition and returns its index.
func (b *ContainerBuilder) AddFunction(fn Function) uint32 {
	b.functions = append(b.functions, fn)
	return uint32(len(b.functions) - 1)
}

// SetEntryPoint selects the entry-point function index.
func (b *ContainerBuilder) SetEntryPoint(idx uint32) {
	b.entryPoint = idx
}

// Build assembles and validates the container.
func (b *ContainerBuilder) Build() (*Container, error) {
	c := &Container{
		version:    Version,
		constants:  b.constants,
		ffiImports: b.ffiImports,
		functions:  b.functions,
		entryPoint: b.entryPoint,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Wire-format reader/writer
// ---------------------------------------------------------------------------

type containerReader struct {
	data []byte
	pos  int
}

func (r *containerReader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, ErrTruncated
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *containerReader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, ErrTruncated
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *containerReader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *containerReader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// count reads a usize table count (u64 little-endian on the wire) and
// bounds it against the remaining input so a hostile count cannot force
// a huge allocation.
func (r *containerReader) count() (int, error) {
	n, err := r.u64()
	if err != nil {
		return 0, err
	}
	if n > uint64(len(r.data)-r.pos) {
		return 0, ErrTruncated
	}
	return int(n), nil
}

// str reads a length-prefixed UTF-8 string (u32 length).
func (r *containerReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: invalid UTF-8", ErrMalformedValue)
	}
	return string(b), nil
}

// value reads a tagged constant pool entry.
func (r *containerReader) value() (Value, error) {
	tag, err := r.byte()
	if err != nil {
		return Unit, err
	}
	switch Type(tag) {
	case TypeUnit:
		return Unit, nil
	case TypeBool:
		b, err := r.byte()
		if err != nil {
			return Unit, err
		}
		if b > 1 {
			return Unit, fmt.Errorf("%w: bool byte 0x%02X", ErrMalformedValue, b)
		}
		return BoolValue(b == 1), nil
	case TypeI32:
		n, err := r.u32()
		if err != nil {
			return Unit, err
		}
		return I32Value(int32(n)), nil
	case TypeI64:
		n, err := r.u64()
		if err != nil {
			return Unit, err
		}
		return I64Value(int64(n)), nil
	case TypeF32:
		n, err := r.u32()
		if err != nil {
			return Unit, err
		}
		return F32Value(math.Float32frombits(n)), nil
	case TypeF64:
		n, err := r.u64()
		if err != nil {
			return Unit, err
		}
		return F64Value(math.Float64frombits(n)), nil
	case TypeChar:
		n, err := r.u32()
		if err != nil {
			return Unit, err
		}
		if !utf8.ValidRune(rune(n)) {
			return Unit, fmt.Errorf("%w: invalid Unicode scalar 0x%X", ErrMalformedValue, n)
		}
		return CharValue(rune(n)), nil
	case TypeString:
		s, err := r.str()
		if err != nil {
			return Unit, err
		}
		return StringValue(s), nil
	default:
		return Unit, fmt.Errorf("%w: unknown tag 0x%02X", ErrMalformedValue, tag)
	}
}

// function reads one function table entry. The code slice aliases the
// input buffer.
func (r *containerReader) function() (Function, error) {
	var fn Function
	var err error

	fn.Name, err = r.str()
	if err != nil {
		return fn, fmt.Errorf("name: %w", err)
	}

	paramCount, err := r.u32()
	if err != nil {
		return fn, fmt.Errorf("param count: %w", err)
	}
	if uint64(paramCount) > uint64(len(r.data)-r.pos) {
		return fn, ErrTruncated
	}
	fn.Params = make([]Type, paramCount)
	for i := range fn.Params {
		b, err := r.byte()
		if err != nil {
			return fn, err
		}
		if !Type(b).IsValid() {
			return fn, fmt.Errorf("%w: param type 0x%02X", ErrMalformedValue, b)
		}
		fn.Params[i] = Type(b)
	}

	ret, err := r.byte()
	if err != nil {
		return fn, err
	}
	if !Type(ret).IsValid() {
		return fn, fmt.Errorf("%w: return type 0x%02X", ErrMalformedValue, ret)
	}
	fn.Return = Type(ret)

	fn.Locals, err = r.u32()
	if err != nil {
		return fn, err
	}

	codeLen, err := r.u32()
	if err != nil {
		return fn, err
	}
	fn.Code, err = r.bytes(int(codeLen))
	if err != nil {
		return fn, err
	}

	return fn, nil
}

type containerWriter struct {
	buf []byte
}

func (w *containerWriter) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *containerWriter) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *containerWriter) u32(n uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], n)
	w.buf = append(w.buf, buf[:]...)
}

func (w *containerWriter) u64(n uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	w.buf = append(w.buf, buf[:]...)
}

func (w *containerWriter) count(n int) {
	w.u64(uint64(n))
}

func (w *containerWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *containerWriter) value(v Value) {
	w.byte(byte(v.Kind()))
	switch v.Kind() {
	case TypeUnit:
	case TypeBool:
		if v.Bool() {
			w.byte(1)
		} else {
			w.byte(0)
		}
	case TypeI32:
		w.u32(uint32(v.I32()))
	case TypeI64:
		w.u64(uint64(v.I64()))
	case TypeF32:
		w.u32(math.Float32bits(v.F32()))
	case TypeF64:
		w.u64(math.Float64bits(v.F64()))
	case TypeChar:
		w.u32(uint32(v.Char()))
	case TypeString:
		w.str(v.Str())
	}
}
