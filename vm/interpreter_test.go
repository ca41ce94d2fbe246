package vm

import (
	"testing"

	_ "github.com/tliron/commonlog/simple"
)

// ---------------------------------------------------------------------------
// Basic execution
// ---------------------------------------------------------------------------

func TestReturnImmediate(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.WritePutValue(FromInt(42))
	b.WriteSimple(OpReturn)

	result := vm.RunModule(b)
	if !result.IsInt() || result.Int() != 42 {
		t.Errorf("result = %v, want 42", result)
	}
	if vm.StackSize() != 0 {
		t.Errorf("stack not empty after module: %d", vm.StackSize())
	}
}

func TestArithmeticPromotion(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	// 2 ** 40 * 2
	b.WritePutValue(FromInt(2))
	b.WritePutValue(FromInt(40))
	b.WriteSimple(OpPow)
	b.WritePutValue(FromInt(2))
	b.WriteSimple(OpMul)
	b.WriteSimple(OpReturn)

	result := vm.RunModule(b)
	if !result.IsFloat() {
		t.Fatalf("2**40*2 should be encoded as double")
	}
	if result.Float() != 2199023255552 {
		t.Errorf("result = %v, want 2199023255552", result.Float())
	}
	if got := vm.formatValue(result); got != "2199023255552" {
		t.Errorf("printed form = %q, want 2199023255552", got)
	}
}

func TestDupPopLeavesStackUnchanged(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.WritePutValue(FromInt(5))
	b.WriteSimple(OpDup)
	b.WriteSimple(OpPop)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 5 {
		t.Errorf("Pop(Dup(x)) changed the stack: %v", result)
	}
}

func TestSwap(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.WritePutValue(FromInt(1))
	b.WritePutValue(FromInt(2))
	b.WriteSimple(OpSwap)
	b.WriteSimple(OpReturn) // returns the new top

	if result := vm.RunModule(b); result.Int() != 1 {
		t.Errorf("swap top = %v, want 1", result)
	}
}

func TestTypeofOpcode(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.WritePutValue(FromInt(3))
	b.WriteSimple(OpTypeof)
	b.WriteSimple(OpReturn)

	result := vm.RunModule(b)
	if string(StringData(result)) != "number" {
		t.Errorf("typeof 3 = %q", StringData(result))
	}
}

func TestBranchComparisonFusion(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	thenL := b.NewLabel()
	endL := b.NewLabel()
	b.WritePutValue(FromInt(1))
	b.WritePutValue(FromInt(2))
	b.WriteBranch(OpBranchLt, thenL)
	b.WritePutValue(FromInt(20))
	b.WriteBranch(OpBranch, endL)
	b.Mark(thenL)
	b.WritePutValue(FromInt(10))
	b.Mark(endL)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 10 {
		t.Errorf("1 < 2 branch picked %v, want 10", result)
	}
}

func TestBranchUnlessLoop(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 1
	loop := b.NewLabel()
	done := b.NewLabel()

	// local0 = 0; while local0 < 5 { local0 = local0 + 1 }; return local0
	b.WritePutValue(FromInt(0))
	b.WriteSetLocal(0, 0)
	b.Mark(loop)
	b.WriteReadLocal(0, 0)
	b.WritePutValue(FromInt(5))
	b.WriteSimple(OpLt)
	b.WriteBranch(OpBranchUnless, done)
	b.WriteReadLocal(0, 0)
	b.WritePutValue(FromInt(1))
	b.WriteSimple(OpAdd)
	b.WriteSetLocal(0, 0)
	b.WriteBranch(OpBranch, loop)
	b.Mark(done)
	b.WriteReadLocal(0, 0)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 5 {
		t.Errorf("loop result = %v, want 5", result)
	}
}

// ---------------------------------------------------------------------------
// Functions & closures
// ---------------------------------------------------------------------------

func TestClosureSharesLexicalEnvironment(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 2
	fnL := b.NewLabel()

	// let c = 0; let f = -> { c = c + 1; c }; [f(), f(), f()]
	b.WritePutValue(FromInt(0))
	b.WriteSetLocal(0, 0)
	b.WritePutFunction(vm.Intern("f"), fnL, FuncFlagAnonymous, 0, 0, 0)
	b.WriteSetLocal(1, 0)
	for i := 0; i < 3; i++ {
		b.WriteReadLocal(1, 0)
		b.WriteCall(0)
	}
	b.WritePutArray(3)
	b.WriteSimple(OpReturn)

	b.Mark(fnL)
	b.WriteReadLocal(0, 1)
	b.WritePutValue(FromInt(1))
	b.WriteSimple(OpAdd)
	b.WriteSetLocalPush(0, 1)
	b.WriteSimple(OpReturn)

	result := vm.RunModule(b)
	if !result.IsArray() {
		t.Fatalf("result is not an array")
	}
	data := result.Cell().Array().Data
	for i, want := range []int64{1, 2, 3} {
		if data[i].Int() != want {
			t.Errorf("call %d = %v, want %d", i+1, data[i], want)
		}
	}
	if vm.StackSize() != 0 {
		t.Errorf("stack not balanced after calls: %d", vm.StackSize())
	}
}

func TestSurplusArgumentsAreDropped(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	fnL := b.NewLabel()

	b.WritePutValue(FromInt(7))
	b.WritePutValue(FromInt(8))
	b.WritePutValue(FromInt(9))
	b.WritePutFunction(vm.Intern("first"), fnL, 0, 1, 0, 1)
	b.WriteCall(3)
	b.WriteSimple(OpReturn)

	b.Mark(fnL)
	b.WriteReadLocal(0, 0)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 7 {
		t.Errorf("first declared argument = %v, want 7", result)
	}
}

func TestArgumentsBundle(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	fnL := b.NewLabel()

	b.WritePutValue(FromInt(1))
	b.WritePutValue(FromInt(2))
	b.WritePutValue(FromInt(3))
	b.WritePutFunction(vm.Intern("varargs"), fnL, FuncFlagNeedsArguments, 1, 0, 2)
	b.WriteCall(3)
	b.WriteReadMemberSymbol(vm.Intern("length"))
	b.WriteSimple(OpReturn)

	// Slot 1 (right after the declared argument) holds the bundle.
	b.Mark(fnL)
	b.WriteReadLocal(1, 0)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 3 {
		t.Errorf("arguments bundle length = %v, want 3", result)
	}
}

func TestMinimumArityIsEnforced(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	fnL := b.NewLabel()
	handler := b.NewLabel()

	b.WriteRegisterCatchTable(handler)
	b.WritePutValue(FromInt(1))
	b.WritePutFunction(vm.Intern("strict"), fnL, 0, 2, 2, 2)
	b.WriteCall(1)
	b.WriteSimple(OpReturn)
	b.Mark(handler)
	b.WriteSimple(OpReturn) // returns the error payload

	b.Mark(fnL)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	result := vm.RunModule(b)
	if !result.IsObject() || result.Cell().Object().Klass != vm.internalErrorClass {
		t.Errorf("under-arity call should raise an internal error, got %v", vm.formatValue(result))
	}
}

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

func TestThrowCatchBindsPayload(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	handler := b.NewLabel()

	b.WriteRegisterCatchTable(handler)
	b.WritePutString("oops")
	b.WriteSimple(OpThrow)
	b.WritePutValue(FromInt(99)) // skipped
	b.WriteSimple(OpReturn)
	b.Mark(handler)
	b.WriteSimple(OpReturn) // the payload is on top

	result := vm.RunModule(b)
	if string(StringData(result)) != "oops" {
		t.Errorf("caught payload = %q, want oops", StringData(result))
	}
	if vm.StackSize() != 0 {
		t.Errorf("stack size after catch differs: %d", vm.StackSize())
	}
	if vm.catchstack != nil {
		t.Errorf("catch-stack not restored")
	}
}

func TestThrowUnwindsNestedFrames(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 1
	fnL := b.NewLabel()
	handler := b.NewLabel()

	b.WritePutFunction(vm.Intern("thrower"), fnL, 0, 0, 0, 0)
	b.WriteSetLocal(0, 0)
	b.WriteRegisterCatchTable(handler)
	b.WriteReadLocal(0, 0)
	b.WriteCall(0)
	b.WriteSimple(OpPop)
	b.WritePutValue(FromInt(0))
	b.WriteSimple(OpReturn)
	b.Mark(handler)
	b.WriteSimple(OpReturn)

	b.Mark(fnL)
	b.WritePutValue(FromInt(7))
	b.WriteSimple(OpThrow)

	result := vm.RunModule(b)
	if result.Int() != 7 {
		t.Errorf("payload across frames = %v, want 7", result)
	}
	if vm.frames != nil {
		t.Errorf("frame chain not unwound")
	}
}

func TestCatchTableBalance(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	handler := b.NewLabel()

	b.WriteRegisterCatchTable(handler)
	b.WriteSimple(OpPopCatchTable)
	b.WritePutValue(FromInt(1))
	b.WriteSimple(OpReturn)
	b.Mark(handler)
	b.WritePutValue(FromInt(2))
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 1 {
		t.Errorf("balanced catch block result = %v, want 1", result)
	}
	if vm.catchstack != nil {
		t.Errorf("catch-stack top differs from pre-registration value")
	}
}

func TestUncaughtExceptionHandler(t *testing.T) {
	vm := NewVM(nil)
	var captured Value = Null
	vm.RegisterInternal("capture_exception", 1, PolicyMain, true, func(vm *VM, args []Value) Value {
		if len(args) > 0 {
			captured = args[0]
		}
		return Null
	})
	handler, _ := vm.Internal("capture_exception")
	vm.SetUncaughtExceptionHandler(handler)

	b := NewInstructionBlock()
	b.WritePutString("boom")
	b.WriteSimple(OpThrow)

	vm.RunModule(b)
	if string(StringData(captured)) != "boom" {
		t.Errorf("uncaught handler received %q, want boom", vm.formatValue(captured))
	}
}

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

func TestGeneratorYieldsThenFinishes(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 1
	bootL := b.NewLabel()

	b.WritePutFunction(vm.Intern("counter"), bootL, 0, 0, 0, 0)
	b.WritePutGenerator(vm.Intern("counter"), bootL)
	b.WriteSetLocal(0, 0)
	for i := 0; i < 4; i++ {
		b.WriteReadLocal(0, 0)
		b.WriteCall(0)
	}
	b.WriteReadLocal(0, 0)
	b.WriteReadMemberSymbol(vm.Intern("finished"))
	b.WritePutArray(5)
	b.WriteSimple(OpReturn)

	b.Mark(bootL)
	for i := int64(1); i <= 3; i++ {
		b.WritePutValue(FromInt(i))
		b.WriteSimple(OpYield)
		b.WriteSimple(OpPop) // discard the resume argument
	}
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	result := vm.RunModule(b)
	if !result.IsArray() {
		t.Fatalf("result is not an array: %v", vm.formatValue(result))
	}
	data := result.Cell().Array().Data
	for i, want := range []int64{1, 2, 3} {
		if !data[i].IsInt() || data[i].Int() != want {
			t.Errorf("call %d = %v, want %d", i+1, vm.formatValue(data[i]), want)
		}
	}
	if !data[3].IsNull() {
		t.Errorf("fourth call = %v, want null", vm.formatValue(data[3]))
	}
	if data[4] != True {
		t.Errorf("finished = %v, want true", vm.formatValue(data[4]))
	}
	if vm.StackSize() != 0 {
		t.Errorf("stack not balanced after generator runs: %d", vm.StackSize())
	}
}

func TestGeneratorSnapshotEmptyWhileRunning(t *testing.T) {
	vm := NewVM(nil)
	var observed = -1
	vm.RegisterInternal("observe_gen", 1, PolicyMain, true, func(vm *VM, args []Value) Value {
		if len(args) > 0 && args[0].IsGenerator() {
			observed = len(args[0].Cell().Generator().Stack)
		}
		return Null
	})
	index, _ := vm.InternalIndex("observe_gen")

	b := NewInstructionBlock()
	b.LVarCount = 1
	bootL := b.NewLabel()

	b.WritePutFunction(vm.Intern("g"), bootL, 0, 0, 0, 0)
	b.WritePutGenerator(vm.Intern("g"), bootL)
	b.WriteSetLocal(0, 0)
	b.WriteReadLocal(0, 0)
	b.WriteCall(0)
	b.WriteSimple(OpReturn)

	// Inside the generator: observe our own snapshot while running.
	b.Mark(bootL)
	b.WriteReadLocal(0, 1)
	b.WritePutCFunction(vm.Intern("observe_gen"), index, 1)
	b.WriteCall(1)
	b.WriteSimple(OpPop)
	b.WritePutValue(FromInt(1))
	b.WriteSimple(OpYield)
	b.WriteSimple(OpPop)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	vm.RunModule(b)
	if observed != 0 {
		t.Errorf("snapshot while running has %d values, want 0", observed)
	}
}

// ---------------------------------------------------------------------------
// Classes, members, super
// ---------------------------------------------------------------------------

func TestClassConstructionAndDispatch(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 1
	ctorL := b.NewLabel()
	sumL := b.NewLabel()
	symX := vm.Intern("x")
	symY := vm.Intern("y")

	// class Point { property x, y; constructor(a, b) { ... }; sum() { x+y } }
	b.WritePutFunction(vm.Intern("constructor"), ctorL, 0, 2, 0, 2)
	b.WritePutValue(symX)
	b.WritePutValue(symY)
	b.WritePutFunction(vm.Intern("sum"), sumL, 0, 0, 0, 0)
	b.WritePutClass(vm.Intern("Point"), 2, 0, 1, 0, ClassFlagHasConstructor)
	b.WriteSetLocal(0, 0)

	// p = new Point(3, 4); p.sum() + p.x
	b.WritePutValue(FromInt(3))
	b.WritePutValue(FromInt(4))
	b.WriteReadLocal(0, 0)
	b.WriteNew(2)
	b.WriteSimple(OpDup)
	b.WriteCallMember(vm.Intern("sum"), 0)
	b.WriteSimple(OpSwap)
	b.WriteReadMemberSymbol(symX)
	b.WriteSimple(OpAdd)
	b.WriteSimple(OpReturn)

	b.Mark(ctorL)
	b.WriteSimple(OpPutSelf)
	b.WriteReadLocal(0, 0)
	b.WriteSetMemberSymbol(symX)
	b.WriteSimple(OpPutSelf)
	b.WriteReadLocal(1, 0)
	b.WriteSetMemberSymbol(symY)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	b.Mark(sumL)
	b.WriteSimple(OpPutSelf)
	b.WriteReadMemberSymbol(symX)
	b.WriteSimple(OpPutSelf)
	b.WriteReadMemberSymbol(symY)
	b.WriteSimple(OpAdd)
	b.WriteSimple(OpReturn)

	result := vm.RunModule(b)
	if !result.IsInt() || result.Int() != 10 {
		t.Errorf("p.sum() + p.x = %v, want 10", vm.formatValue(result))
	}
}

func TestConstructorLeavesInstanceOnStack(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 1
	ctorL := b.NewLabel()

	b.WritePutFunction(vm.Intern("constructor"), ctorL, 0, 0, 0, 0)
	b.WritePutClass(vm.Intern("Thing"), 0, 0, 0, 0, ClassFlagHasConstructor)
	b.WriteSetLocal(0, 0)
	b.WriteReadLocal(0, 0)
	b.WriteNew(0)
	b.WriteSimple(OpReturn)

	// The constructor returns a number, which must be discarded.
	b.Mark(ctorL)
	b.WritePutValue(FromInt(1234))
	b.WriteSimple(OpReturn)

	result := vm.RunModule(b)
	if !result.IsObject() {
		t.Errorf("new should leave the instance on the stack, got %v", vm.formatValue(result))
	}
}

func TestMemberPropertiesPreInstalledNull(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 1
	symX := vm.Intern("x")

	b.WritePutValue(symX)
	b.WritePutClass(vm.Intern("Holder"), 1, 0, 0, 0, 0)
	b.WriteSetLocal(0, 0)
	b.WriteReadLocal(0, 0)
	b.WriteNew(0)
	b.WriteSimple(OpReturn)

	result := vm.RunModule(b)
	if !result.IsObject() {
		t.Fatalf("not an object")
	}
	v, present := result.Cell().Object().Container[symX]
	if !present || !v.IsNull() {
		t.Errorf("member property x should be pre-installed as null")
	}
}

func TestMissingMemberReadsNull(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.WritePutHash(0)
	b.WriteReadMemberSymbol(vm.Intern("nope"))
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); !result.IsNull() {
		t.Errorf("missing member read %v, want null", vm.formatValue(result))
	}
}

func TestSetMemberWritesOwnContainer(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 1
	sym := vm.Intern("field")

	b.WritePutHash(0)
	b.WriteSetLocal(0, 0)
	b.WriteReadLocal(0, 0)
	b.WritePutValue(FromInt(5))
	b.WriteSetMemberSymbol(sym)
	b.WriteReadLocal(0, 0)
	b.WriteReadMemberSymbol(sym)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 5 {
		t.Errorf("member write/read = %v, want 5", vm.formatValue(result))
	}
}

func TestSuperMemberResolvesThroughHostClass(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 2
	greetBase := b.NewLabel()
	greetDerived := b.NewLabel()
	symGreet := vm.Intern("greet")

	// class Base { greet() { 1 } }
	b.WritePutFunction(symGreet, greetBase, 0, 0, 0, 0)
	b.WritePutClass(vm.Intern("Base"), 0, 0, 1, 0, 0)
	b.WriteSetLocal(0, 0)

	// class Derived extends Base { greet() { super.greet() + 1 } }
	b.WriteReadLocal(0, 0)
	b.WritePutFunction(symGreet, greetDerived, 0, 0, 0, 0)
	b.WritePutClass(vm.Intern("Derived"), 0, 0, 1, 0, ClassFlagHasParent)
	b.WriteSetLocal(1, 0)

	b.WriteReadLocal(1, 0)
	b.WriteNew(0)
	b.WriteCallMember(symGreet, 0)
	b.WriteSimple(OpReturn)

	b.Mark(greetBase)
	b.WritePutValue(FromInt(1))
	b.WriteSimple(OpReturn)

	b.Mark(greetDerived)
	b.WritePutSuperMember(symGreet)
	b.WriteCall(0)
	b.WritePutValue(FromInt(1))
	b.WriteSimple(OpAdd)
	b.WriteSimple(OpReturn)

	result := vm.RunModule(b)
	if !result.IsInt() || result.Int() != 2 {
		t.Errorf("derived greet = %v, want 2", vm.formatValue(result))
	}
}

func TestSuperOnRootClassIsNull(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 1
	methodL := b.NewLabel()

	b.WritePutFunction(vm.Intern("m"), methodL, 0, 0, 0, 0)
	b.WritePutClass(vm.Intern("Root"), 0, 0, 1, 0, 0)
	b.WriteSetLocal(0, 0)
	b.WriteReadLocal(0, 0)
	b.WriteNew(0)
	b.WriteCallMember(vm.Intern("m"), 0)
	b.WriteSimple(OpReturn)

	b.Mark(methodL)
	b.WritePutSuperMember(vm.Intern("anything"))
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); !result.IsNull() {
		t.Errorf("super member without a parent class = %v, want null", vm.formatValue(result))
	}
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

func TestGlobalRoundTrip(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	sym := vm.Intern("counter")

	b.WritePutValue(FromInt(5))
	b.WriteSetGlobal(sym)
	b.WriteReadGlobal(sym)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 5 {
		t.Errorf("global round-trip = %v, want 5", vm.formatValue(result))
	}
}

func TestUnknownGlobalThrowsInternalError(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	handler := b.NewLabel()

	b.WriteRegisterCatchTable(handler)
	b.WriteReadGlobal(vm.Intern("never_defined"))
	b.WriteSimple(OpReturn)
	b.Mark(handler)
	b.WriteSimple(OpReturn)

	result := vm.RunModule(b)
	if !result.IsObject() || result.Cell().Object().Klass != vm.internalErrorClass {
		t.Errorf("unknown global should raise an internal error, got %v", vm.formatValue(result))
	}
}

// ---------------------------------------------------------------------------
// Indexing & dynamic members
// ---------------------------------------------------------------------------

func TestArrayIndexing(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 1

	b.WritePutValue(FromInt(1))
	b.WritePutValue(FromInt(2))
	b.WritePutArray(2)
	b.WriteSetLocal(0, 0)

	// arr[0] via dynamic member + arr[1] via static index
	b.WriteReadLocal(0, 0)
	b.WritePutValue(FromInt(0))
	b.WriteSimple(OpReadMemberValue)
	b.WriteReadLocal(0, 0)
	b.WriteReadArrayIndex(1)
	b.WriteSimple(OpAdd)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 3 {
		t.Errorf("arr[0] + arr[1] = %v, want 3", vm.formatValue(result))
	}
}

func TestOutOfRangeIndexReadsNull(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.WritePutValue(FromInt(1))
	b.WritePutArray(1)
	b.WriteReadArrayIndex(9)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); !result.IsNull() {
		t.Errorf("out-of-range read = %v, want null", vm.formatValue(result))
	}
}

func TestSetArrayIndex(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 1

	b.WritePutValue(FromInt(1))
	b.WritePutValue(FromInt(2))
	b.WritePutArray(2)
	b.WriteSetLocal(0, 0)
	b.WriteReadLocal(0, 0)
	b.WritePutValue(FromInt(42))
	b.WriteSetArrayIndex(1)
	b.WriteReadLocal(0, 0)
	b.WriteReadArrayIndex(1)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 42 {
		t.Errorf("arr[1] after write = %v, want 42", vm.formatValue(result))
	}
}

func TestCallMemberOnPrimitive(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.WritePutString("0x2a")
	b.WriteCallMember(vm.Intern("to_i"), 0)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 42 {
		t.Errorf("\"0x2a\".to_i() = %v, want 42", vm.formatValue(result))
	}
}

func TestLengthMember(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.WritePutString("hello")
	b.WriteReadMemberSymbol(vm.Intern("length"))
	b.WritePutValue(FromInt(1))
	b.WritePutValue(FromInt(2))
	b.WritePutValue(FromInt(3))
	b.WritePutArray(3)
	b.WriteReadMemberSymbol(vm.Intern("length"))
	b.WriteSimple(OpAdd)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 8 {
		t.Errorf("string length + array length = %v, want 8", vm.formatValue(result))
	}
}

// ---------------------------------------------------------------------------
// Push-variant stores
// ---------------------------------------------------------------------------

func TestSetLocalPushLeavesValue(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 1
	b.WritePutValue(FromInt(9))
	b.WriteSetLocalPush(0, 0)
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 9 {
		t.Errorf("SetLocalPush result = %v, want 9", vm.formatValue(result))
	}
}

func TestSetMemberSymbolPushLeavesValue(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.WritePutHash(0)
	b.WritePutValue(FromInt(11))
	b.WriteSetMemberSymbolPush(vm.Intern("k"))
	b.WriteSimple(OpReturn)

	if result := vm.RunModule(b); result.Int() != 11 {
		t.Errorf("SetMemberSymbolPush result = %v, want 11", vm.formatValue(result))
	}
}

// ---------------------------------------------------------------------------
// Frame-depth limit
// ---------------------------------------------------------------------------

func TestRunawayRecursionRaisesInternalError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interpreter.FrameLimit = 64
	vm := NewVM(cfg)
	b := NewInstructionBlock()
	b.LVarCount = 1
	fnL := b.NewLabel()
	handler := b.NewLabel()

	b.WritePutFunction(vm.Intern("recurse"), fnL, 0, 0, 0, 0)
	b.WriteSetLocal(0, 0)
	b.WriteRegisterCatchTable(handler)
	b.WriteReadLocal(0, 0)
	b.WriteCall(0)
	b.WriteSimple(OpReturn)
	b.Mark(handler)
	b.WriteSimple(OpReturn)

	b.Mark(fnL)
	b.WriteReadLocal(0, 1)
	b.WriteCall(0)
	b.WriteSimple(OpReturn)

	result := vm.RunModule(b)
	if !result.IsObject() || result.Cell().Object().Klass != vm.internalErrorClass {
		t.Errorf("runaway recursion should raise a catchable internal error, got %v", vm.formatValue(result))
	}
}
