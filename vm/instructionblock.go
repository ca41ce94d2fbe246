package vm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction tag. Operands follow the
// tag with fixed widths (little-endian); instructionLength gives the total
// encoded size per opcode.
type Opcode byte

const (
	// Load/store locals
	OpReadLocal    Opcode = 0x00 // u32 index, u32 level
	OpSetLocal     Opcode = 0x01 // u32 index, u32 level
	OpSetLocalPush Opcode = 0x02 // u32 index, u32 level

	// Member/index access
	OpReadMemberSymbol    Opcode = 0x03 // u64 symbol
	OpSetMemberSymbol     Opcode = 0x04 // u64 symbol
	OpSetMemberSymbolPush Opcode = 0x05 // u64 symbol
	OpReadMemberValue     Opcode = 0x06
	OpSetMemberValue      Opcode = 0x07
	OpSetMemberValuePush  Opcode = 0x08
	OpReadArrayIndex      Opcode = 0x09 // u32 index
	OpSetArrayIndex       Opcode = 0x0a // u32 index
	OpSetArrayIndexPush   Opcode = 0x0b // u32 index

	// Globals
	OpReadGlobal    Opcode = 0x0c // u64 symbol
	OpSetGlobal     Opcode = 0x0d // u64 symbol
	OpSetGlobalPush Opcode = 0x0e // u64 symbol

	// Constants
	OpPutSelf        Opcode = 0x0f
	OpPutSuper       Opcode = 0x10
	OpPutSuperMember Opcode = 0x11 // u64 symbol
	OpPutValue       Opcode = 0x12 // u64 immediate value bits
	OpPutString      Opcode = 0x13 // u32 static-data offset, u32 length
	OpPutFunction    Opcode = 0x14 // u64 symbol, i32 body offset, u8 flags, u32 argc, u32 minargc, u32 lvarcount
	OpPutCFunction   Opcode = 0x15 // u64 symbol, u32 internals index, u32 argc
	OpPutGenerator   Opcode = 0x16 // u64 symbol, i32 resume offset
	OpPutClass       Opcode = 0x17 // u64 symbol, u32 propcount, u32 staticpropcount, u32 methodcount, u32 staticmethodcount, u8 flags
	OpPutArray       Opcode = 0x18 // u32 count
	OpPutHash        Opcode = 0x19 // u32 count

	// Stack
	OpPop  Opcode = 0x1a
	OpDup  Opcode = 0x1b
	OpDupN Opcode = 0x1c // u32 count
	OpSwap Opcode = 0x1d

	// Call/return
	OpCall       Opcode = 0x1e // u32 argc
	OpCallMember Opcode = 0x1f // u64 symbol, u32 argc
	OpNew        Opcode = 0x20 // u32 argc
	OpReturn     Opcode = 0x21
	OpYield      Opcode = 0x22

	// Exceptions
	OpThrow              Opcode = 0x23
	OpRegisterCatchTable Opcode = 0x24 // i32 offset
	OpPopCatchTable      Opcode = 0x25

	// Control flow; offsets are relative to the branch opcode's address
	OpBranch       Opcode = 0x26 // i32 offset
	OpBranchIf     Opcode = 0x27 // i32 offset
	OpBranchUnless Opcode = 0x28 // i32 offset
	OpBranchLt     Opcode = 0x29 // i32 offset
	OpBranchGt     Opcode = 0x2a // i32 offset
	OpBranchLe     Opcode = 0x2b // i32 offset
	OpBranchGe     Opcode = 0x2c // i32 offset
	OpBranchEq     Opcode = 0x2d // i32 offset
	OpBranchNeq    Opcode = 0x2e // i32 offset

	// Binary and unary operators
	OpAdd   Opcode = 0x2f
	OpSub   Opcode = 0x30
	OpMul   Opcode = 0x31
	OpDiv   Opcode = 0x32
	OpMod   Opcode = 0x33
	OpPow   Opcode = 0x34
	OpUAdd  Opcode = 0x35
	OpUSub  Opcode = 0x36
	OpUNot  Opcode = 0x37
	OpEq    Opcode = 0x38
	OpNeq   Opcode = 0x39
	OpLt    Opcode = 0x3a
	OpGt    Opcode = 0x3b
	OpLe    Opcode = 0x3c
	OpGe    Opcode = 0x3d
	OpShl   Opcode = 0x3e
	OpShr   Opcode = 0x3f
	OpBAnd  Opcode = 0x40
	OpBOr   Opcode = 0x41
	OpBXor  Opcode = 0x42
	OpUBNot Opcode = 0x43

	// Typing
	OpTypeof Opcode = 0x44

	// Machine control
	OpHalt Opcode = 0x45

	// OpcodeCount is the number of defined opcodes.
	OpcodeCount = 0x46
)

// PutFunction flag bits
const (
	FuncFlagAnonymous      = 1 << 0
	FuncFlagNeedsArguments = 1 << 1
)

// PutClass flag bits
const (
	ClassFlagHasParent      = 1 << 0
	ClassFlagHasConstructor = 1 << 1
)

// instructionLength holds the encoded size (tag + operands) per opcode.
// Branch-free dispatch uses it to skip to the next instruction.
var instructionLength = [OpcodeCount]int{
	OpReadLocal:    9,
	OpSetLocal:     9,
	OpSetLocalPush: 9,

	OpReadMemberSymbol:    9,
	OpSetMemberSymbol:     9,
	OpSetMemberSymbolPush: 9,
	OpReadMemberValue:     1,
	OpSetMemberValue:      1,
	OpSetMemberValuePush:  1,
	OpReadArrayIndex:      5,
	OpSetArrayIndex:       5,
	OpSetArrayIndexPush:   5,

	OpReadGlobal:    9,
	OpSetGlobal:     9,
	OpSetGlobalPush: 9,

	OpPutSelf:        1,
	OpPutSuper:       1,
	OpPutSuperMember: 9,
	OpPutValue:       9,
	OpPutString:      9,
	OpPutFunction:    26,
	OpPutCFunction:   17,
	OpPutGenerator:   13,
	OpPutClass:       26,
	OpPutArray:       5,
	OpPutHash:        5,

	OpPop:  1,
	OpDup:  1,
	OpDupN: 5,
	OpSwap: 1,

	OpCall:       5,
	OpCallMember: 13,
	OpNew:        5,
	OpReturn:     1,
	OpYield:      1,

	OpThrow:              1,
	OpRegisterCatchTable: 5,
	OpPopCatchTable:      1,

	OpBranch:       5,
	OpBranchIf:     5,
	OpBranchUnless: 5,
	OpBranchLt:     5,
	OpBranchGt:     5,
	OpBranchLe:     5,
	OpBranchGe:     5,
	OpBranchEq:     5,
	OpBranchNeq:    5,

	OpAdd:   1,
	OpSub:   1,
	OpMul:   1,
	OpDiv:   1,
	OpMod:   1,
	OpPow:   1,
	OpUAdd:  1,
	OpUSub:  1,
	OpUNot:  1,
	OpEq:    1,
	OpNeq:   1,
	OpLt:    1,
	OpGt:    1,
	OpLe:    1,
	OpGe:    1,
	OpShl:   1,
	OpShr:   1,
	OpBAnd:  1,
	OpBOr:   1,
	OpBXor:  1,
	OpUBNot: 1,

	OpTypeof: 1,
	OpHalt:   1,
}

var opcodeNames = [OpcodeCount]string{
	OpReadLocal: "ReadLocal", OpSetLocal: "SetLocal", OpSetLocalPush: "SetLocalPush",
	OpReadMemberSymbol: "ReadMemberSymbol", OpSetMemberSymbol: "SetMemberSymbol",
	OpSetMemberSymbolPush: "SetMemberSymbolPush", OpReadMemberValue: "ReadMemberValue",
	OpSetMemberValue: "SetMemberValue", OpSetMemberValuePush: "SetMemberValuePush",
	OpReadArrayIndex: "ReadArrayIndex", OpSetArrayIndex: "SetArrayIndex",
	OpSetArrayIndexPush: "SetArrayIndexPush",
	OpReadGlobal:        "ReadGlobal", OpSetGlobal: "SetGlobal", OpSetGlobalPush: "SetGlobalPush",
	OpPutSelf: "PutSelf", OpPutSuper: "PutSuper", OpPutSuperMember: "PutSuperMember",
	OpPutValue: "PutValue", OpPutString: "PutString", OpPutFunction: "PutFunction",
	OpPutCFunction: "PutCFunction", OpPutGenerator: "PutGenerator", OpPutClass: "PutClass",
	OpPutArray: "PutArray", OpPutHash: "PutHash",
	OpPop:      "Pop", OpDup: "Dup", OpDupN: "DupN", OpSwap: "Swap",
	OpCall: "Call", OpCallMember: "CallMember", OpNew: "New", OpReturn: "Return", OpYield: "Yield",
	OpThrow: "Throw", OpRegisterCatchTable: "RegisterCatchTable", OpPopCatchTable: "PopCatchTable",
	OpBranch: "Branch", OpBranchIf: "BranchIf", OpBranchUnless: "BranchUnless",
	OpBranchLt: "BranchLt", OpBranchGt: "BranchGt", OpBranchLe: "BranchLe",
	OpBranchGe: "BranchGe", OpBranchEq: "BranchEq", OpBranchNeq: "BranchNeq",
	OpAdd: "Add", OpSub: "Sub", OpMul: "Mul", OpDiv: "Div", OpMod: "Mod", OpPow: "Pow",
	OpUAdd: "UAdd", OpUSub: "USub", OpUNot: "UNot",
	OpEq: "Eq", OpNeq: "Neq", OpLt: "Lt", OpGt: "Gt", OpLe: "Le", OpGe: "Ge",
	OpShl: "Shl", OpShr: "Shr", OpBAnd: "BAnd", OpBOr: "BOr", OpBXor: "BXor", OpUBNot: "UBNot",
	OpTypeof: "Typeof", OpHalt: "Halt",
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	if int(op) < len(opcodeNames) && opcodeNames[op] != "" {
		return opcodeNames[op]
	}
	return fmt.Sprintf("Unknown_%02x", byte(op))
}

// Length returns the encoded size of an instruction starting with op.
func (op Opcode) Length() int {
	if int(op) < len(instructionLength) && instructionLength[op] != 0 {
		return instructionLength[op]
	}
	return 1
}

// ---------------------------------------------------------------------------
// InstructionBlock: linear bytecode buffer with a write cursor
// ---------------------------------------------------------------------------

// InstructionBlock is the unit the compiler hands to the runtime: a linear
// byte buffer of instructions plus a static-data segment for string
// constants, and the local-variable count of the module's entry body.
type InstructionBlock struct {
	data       []byte
	staticData []byte

	// LVarCount is the local-variable slot count of the module body.
	LVarCount uint32

	// SymbolNames lists the symbol constants the block's opcodes refer to.
	// Registration interns them so diagnostics can recover the text.
	SymbolNames []string
}

// NewInstructionBlock creates an empty block.
func NewInstructionBlock() *InstructionBlock {
	return &InstructionBlock{data: make([]byte, 0, 256)}
}

// Len returns the current write cursor.
func (b *InstructionBlock) Len() int { return len(b.data) }

// Data returns the raw instruction bytes.
func (b *InstructionBlock) Data() []byte { return b.data }

// StaticData returns the raw static-data segment.
func (b *InstructionBlock) StaticData() []byte { return b.staticData }

func (b *InstructionBlock) writeByte(v byte) { b.data = append(b.data, v) }

func (b *InstructionBlock) writeU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.data = append(b.data, buf[:]...)
}

func (b *InstructionBlock) writeI32(v int32) { b.writeU32(uint32(v)) }

func (b *InstructionBlock) writeU64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	b.data = append(b.data, buf[:]...)
}

// WriteSimple emits an opcode with no operands.
func (b *InstructionBlock) WriteSimple(op Opcode) {
	b.writeByte(byte(op))
}

// WriteReadLocal emits ReadLocal index,level.
func (b *InstructionBlock) WriteReadLocal(index, level uint32) {
	b.writeByte(byte(OpReadLocal))
	b.writeU32(index)
	b.writeU32(level)
}

// WriteSetLocal emits SetLocal index,level.
func (b *InstructionBlock) WriteSetLocal(index, level uint32) {
	b.writeByte(byte(OpSetLocal))
	b.writeU32(index)
	b.writeU32(level)
}

// WriteSetLocalPush emits SetLocalPush index,level.
func (b *InstructionBlock) WriteSetLocalPush(index, level uint32) {
	b.writeByte(byte(OpSetLocalPush))
	b.writeU32(index)
	b.writeU32(level)
}

// writeSymbolOp emits an opcode followed by a symbol operand.
func (b *InstructionBlock) writeSymbolOp(op Opcode, sym Value) {
	b.writeByte(byte(op))
	b.writeU64(uint64(sym))
}

// WriteReadMemberSymbol emits ReadMemberSymbol sym.
func (b *InstructionBlock) WriteReadMemberSymbol(sym Value) {
	b.writeSymbolOp(OpReadMemberSymbol, sym)
}

// WriteSetMemberSymbol emits SetMemberSymbol sym.
func (b *InstructionBlock) WriteSetMemberSymbol(sym Value) {
	b.writeSymbolOp(OpSetMemberSymbol, sym)
}

// WriteSetMemberSymbolPush emits SetMemberSymbolPush sym.
func (b *InstructionBlock) WriteSetMemberSymbolPush(sym Value) {
	b.writeSymbolOp(OpSetMemberSymbolPush, sym)
}

// WriteReadArrayIndex emits ReadArrayIndex index.
func (b *InstructionBlock) WriteReadArrayIndex(index uint32) {
	b.writeByte(byte(OpReadArrayIndex))
	b.writeU32(index)
}

// WriteSetArrayIndex emits SetArrayIndex index.
func (b *InstructionBlock) WriteSetArrayIndex(index uint32) {
	b.writeByte(byte(OpSetArrayIndex))
	b.writeU32(index)
}

// WriteReadGlobal emits ReadGlobal sym.
func (b *InstructionBlock) WriteReadGlobal(sym Value) {
	b.writeSymbolOp(OpReadGlobal, sym)
}

// WriteSetGlobal emits SetGlobal sym.
func (b *InstructionBlock) WriteSetGlobal(sym Value) {
	b.writeSymbolOp(OpSetGlobal, sym)
}

// WriteSetGlobalPush emits SetGlobalPush sym.
func (b *InstructionBlock) WriteSetGlobalPush(sym Value) {
	b.writeSymbolOp(OpSetGlobalPush, sym)
}

// WritePutSuperMember emits PutSuperMember sym.
func (b *InstructionBlock) WritePutSuperMember(sym Value) {
	b.writeSymbolOp(OpPutSuperMember, sym)
}

// WritePutValue emits an immediate value constant. Heap pointers cannot be
// embedded in bytecode.
func (b *InstructionBlock) WritePutValue(v Value) {
	if v.IsPointer() {
		panic("rook: cannot embed heap pointer in bytecode")
	}
	b.writeByte(byte(OpPutValue))
	b.writeU64(uint64(v))
}

// WritePutString copies s into the static-data segment and emits a
// PutString referencing it.
func (b *InstructionBlock) WritePutString(s string) {
	offset := uint32(len(b.staticData))
	b.staticData = append(b.staticData, s...)
	b.writeByte(byte(OpPutString))
	b.writeU32(offset)
	b.writeU32(uint32(len(s)))
}

// WritePutFunction emits a function literal whose body starts at label.
func (b *InstructionBlock) WritePutFunction(sym Value, body *Label, flags byte, argc, minargc, lvarcount uint32) {
	base := b.Len()
	b.writeByte(byte(OpPutFunction))
	b.writeU64(uint64(sym))
	patchAt := b.Len()
	b.writeI32(0)
	body.ref(b, base, patchAt)
	b.writeByte(flags)
	b.writeU32(argc)
	b.writeU32(minargc)
	b.writeU32(lvarcount)
}

// WritePutCFunction emits a host-function literal referencing the VM's
// internals registry by index.
func (b *InstructionBlock) WritePutCFunction(sym Value, index, argc uint32) {
	b.writeByte(byte(OpPutCFunction))
	b.writeU64(uint64(sym))
	b.writeU32(index)
	b.writeU32(argc)
}

// WritePutGenerator emits a generator literal. The boot function is popped
// from the stack; resume marks the body entry the first call starts from.
func (b *InstructionBlock) WritePutGenerator(sym Value, resume *Label) {
	base := b.Len()
	b.writeByte(byte(OpPutGenerator))
	b.writeU64(uint64(sym))
	patchAt := b.Len()
	b.writeI32(0)
	resume.ref(b, base, patchAt)
}

// WritePutClass emits a class literal. The interpreter pops, in order:
// methodcount prototype methods, staticmethodcount static methods,
// propcount member-property symbols, staticpropcount static-property
// symbols, the constructor (if flagged) and the parent class (if flagged).
func (b *InstructionBlock) WritePutClass(sym Value, propcount, staticpropcount, methodcount, staticmethodcount uint32, flags byte) {
	b.writeByte(byte(OpPutClass))
	b.writeU64(uint64(sym))
	b.writeU32(propcount)
	b.writeU32(staticpropcount)
	b.writeU32(methodcount)
	b.writeU32(staticmethodcount)
	b.writeByte(flags)
}

// WritePutArray emits PutArray count.
func (b *InstructionBlock) WritePutArray(count uint32) {
	b.writeByte(byte(OpPutArray))
	b.writeU32(count)
}

// WritePutHash emits PutHash count.
func (b *InstructionBlock) WritePutHash(count uint32) {
	b.writeByte(byte(OpPutHash))
	b.writeU32(count)
}

// WriteDupN emits DupN count.
func (b *InstructionBlock) WriteDupN(count uint32) {
	b.writeByte(byte(OpDupN))
	b.writeU32(count)
}

// WriteCall emits Call argc.
func (b *InstructionBlock) WriteCall(argc uint32) {
	b.writeByte(byte(OpCall))
	b.writeU32(argc)
}

// WriteCallMember emits CallMember sym,argc.
func (b *InstructionBlock) WriteCallMember(sym Value, argc uint32) {
	b.writeByte(byte(OpCallMember))
	b.writeU64(uint64(sym))
	b.writeU32(argc)
}

// WriteNew emits New argc.
func (b *InstructionBlock) WriteNew(argc uint32) {
	b.writeByte(byte(OpNew))
	b.writeU32(argc)
}

// WriteBranch emits a branch-family opcode targeting label.
func (b *InstructionBlock) WriteBranch(op Opcode, target *Label) {
	base := b.Len()
	b.writeByte(byte(op))
	patchAt := b.Len()
	b.writeI32(0)
	target.ref(b, base, patchAt)
}

// WriteRegisterCatchTable emits RegisterCatchTable targeting label.
func (b *InstructionBlock) WriteRegisterCatchTable(handler *Label) {
	b.WriteBranch(OpRegisterCatchTable, handler)
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

// Label is a forward or backward reference inside a block. Offsets are
// encoded relative to the referencing opcode's address.
type Label struct {
	resolved bool
	position int
	refs     []labelRef
}

type labelRef struct {
	opcodeAddress int
	patchAt       int
}

// NewLabel creates an unresolved label.
func (b *InstructionBlock) NewLabel() *Label {
	return &Label{}
}

// Mark resolves the label to the current write cursor and patches every
// recorded reference.
func (b *InstructionBlock) Mark(l *Label) {
	if l.resolved {
		panic("rook: label already resolved")
	}
	l.resolved = true
	l.position = b.Len()
	for _, ref := range l.refs {
		binary.LittleEndian.PutUint32(b.data[ref.patchAt:], uint32(int32(l.position-ref.opcodeAddress)))
	}
	l.refs = nil
}

// ref records a reference at patchAt belonging to the instruction at
// opcodeAddress. Resolved labels patch immediately (backward reference);
// unresolved ones are patched by Mark.
func (l *Label) ref(b *InstructionBlock, opcodeAddress, patchAt int) {
	if l.resolved {
		binary.LittleEndian.PutUint32(b.data[patchAt:], uint32(int32(l.position-opcodeAddress)))
		return
	}
	l.refs = append(l.refs, labelRef{opcodeAddress, patchAt})
}
