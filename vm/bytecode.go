package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack operations
const (
	OpNop  Opcode = 0x00 // no operation
	OpPush Opcode = 0x01 // push constant from pool (u32 index)
	OpPop  Opcode = 0x02 // discard top of stack
	OpDup  Opcode = 0x03 // duplicate top of stack
)

// Local variables
const (
	OpLoad  Opcode = 0x04 // push local variable (u32 slot)
	OpStore Opcode = 0x05 // pop into local variable (u32 slot)
)

// Control flow
const (
	OpCall      Opcode = 0x10 // call function by index (u32)
	OpCallFfi   Opcode = 0x11 // call FFI import by index (u32)
	OpRet       Opcode = 0x12 // return from function
	OpJump      Opcode = 0x13 // unconditional jump (i32 offset)
	OpJumpIf    Opcode = 0x14 // pop Bool, jump if true (i32 offset)
	OpJumpIfNot Opcode = 0x15 // pop Bool, jump if false (i32 offset)
)

// Arithmetic
const (
	OpAdd Opcode = 0x20 // pop b, a; push a + b
	OpSub Opcode = 0x21 // pop b, a; push a - b
	OpMul Opcode = 0x22 // pop b, a; push a * b
	OpDiv Opcode = 0x23 // pop b, a; push a / b
	OpMod Opcode = 0x24 // pop b, a; push a % b
	OpNeg Opcode = 0x25 // pop a; push -a
)

// Comparison
const (
	OpEq Opcode = 0x30 // pop b, a; push a == b
	OpNe Opcode = 0x31 // pop b, a; push a != b
	OpLt Opcode = 0x32 // pop b, a; push a < b
	OpLe Opcode = 0x33 // pop b, a; push a <= b
	OpGt Opcode = 0x34 // pop b, a; push a > b
	OpGe Opcode = 0x35 // pop b, a; push a >= b
)

// Logical
const (
	OpAnd Opcode = 0x40 // pop b, a; push a && b
	OpOr  Opcode = 0x41 // pop b, a; push a || b
	OpNot Opcode = 0x42 // pop a; push !a
)

// Special
const (
	OpHalt Opcode = 0xFF // stop execution
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// operandKind describes how an opcode's operand is interpreted.
type operandKind int

const (
	operandNone     operandKind = iota
	operandConst                // u32 constant pool index
	operandLocal                // u32 local slot
	operandFunction             // u32 function index
	operandFfi                  // u32 FFI import index
	operandOffset               // i32 offset relative to the opcode byte
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes (0 or 4)
	operand      operandKind
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:  {"NOP", 0, operandNone},
	OpPush: {"PUSH", 4, operandConst},
	OpPop:  {"POP", 0, operandNone},
	OpDup:  {"DUP", 0, operandNone},

	OpLoad:  {"LOAD", 4, operandLocal},
	OpStore: {"STORE", 4, operandLocal},

	OpCall:      {"CALL", 4, operandFunction},
	OpCallFfi:   {"CALL_FFI", 4, operandFfi},
	OpRet:       {"RET", 0, operandNone},
	OpJump:      {"JUMP", 4, operandOffset},
	OpJumpIf:    {"JUMP_IF", 4, operandOffset},
	OpJumpIfNot: {"JUMP_IF_NOT", 4, operandOffset},

	OpAdd: {"ADD", 0, operandNone},
	OpSub: {"SUB", 0, operandNone},
	OpMul: {"MUL", 0, operandNone},
	OpDiv: {"DIV", 0, operandNone},
	OpMod: {"MOD", 0, operandNone},
	OpNeg: {"NEG", 0, operandNone},

	OpEq: {"EQ", 0, operandNone},
	OpNe: {"NE", 0, operandNone},
	OpLt: {"LT", 0, operandNone},
	OpLe: {"LE", 0, operandNone},
	OpGt: {"GT", 0, operandNone},
	OpGe: {"GE", 0, operandNone},

	OpAnd: {"AND", 0, operandNone},
	OpOr:  {"OR", 0, operandNone},
	OpNot: {"NOT", 0, operandNone},

	OpHalt: {"HALT", 0, operandNone},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	return info, ok
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	if info, ok := opcodeTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("UNKNOWN_%02X", byte(op))
}

// Size returns the encoded size of the instruction in bytes, including
// the opcode byte itself.
func (op Opcode) Size() int {
	if info, ok := opcodeTable[op]; ok {
		return 1 + info.OperandBytes
	}
	return 1
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: helper for constructing instruction streams
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences for a single function.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operand.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitU32 appends an opcode with a 32-bit unsigned operand (little-endian).
func (b *BytecodeBuilder) EmitU32(op Opcode, operand uint32) {
	b.bytes = append(b.bytes, byte(op))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], operand)
	b.bytes = append(b.bytes, buf[:]...)
}

// EmitI32 appends an opcode with a 32-bit signed operand (little-endian).
func (b *BytecodeBuilder) EmitI32(op Opcode, operand int32) {
	b.EmitU32(op, uint32(operand))
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target that may not be resolved yet.
//
// Jump offsets are relative to the address of the jump instruction's own
// opcode byte.
type Label struct {
	resolved bool
	position int   // target position (once resolved)
	refs     []int // opcode-byte positions of jumps referencing this label
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position and patches all forward
// references to it.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("vm: label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, at := range label.refs {
		offset := int32(label.position - at)
		binary.LittleEndian.PutUint32(b.bytes[at+1:], uint32(offset))
	}
	label.refs = nil
}

// EmitJump emits a jump-family instruction targeting a label. Forward
// references are patched when the label is marked.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	at := len(b.bytes)
	if label.resolved {
		b.EmitI32(op, int32(label.position-at))
		return
	}
	label.refs = append(label.refs, at)
	b.EmitI32(op, 0) // placeholder
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders the instruction at offset pc in code and
// returns its string form plus the offset of the next instruction. Unknown
// opcodes and truncated operands are rendered rather than rejected, so the
// disassembler is usable on invalid input.
func DisassembleInstruction(code []byte, pc int) (string, int) {
	op := Opcode(code[pc])
	info, ok := opcodeTable[op]
	if !ok {
		return fmt.Sprintf("%04d  .byte 0x%02X", pc, byte(op)), pc + 1
	}
	if info.OperandBytes == 0 {
		return fmt.Sprintf("%04d  %s", pc, info.Name), pc + 1
	}
	if pc+5 > len(code) {
		return fmt.Sprintf("%04d  %s <truncated>", pc, info.Name), len(code)
	}
	raw := binary.LittleEndian.Uint32(code[pc+1:])
	if info.operand == operandOffset {
		offset := int32(raw)
		return fmt.Sprintf("%04d  %s %+d (-> %04d)", pc, info.Name, offset, pc+int(offset)), pc + 5
	}
	return fmt.Sprintf("%04d  %s %d", pc, info.Name, raw), pc + 5
}

// Disassemble returns a full disassembly of an instruction stream.
func Disassemble(code []byte) string {
	var sb strings.Builder
	pc := 0
	for pc < len(code) {
		line, next := DisassembleInstruction(code, pc)
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(line)
		pc = next
	}
	return sb.String()
}
