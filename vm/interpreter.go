package vm

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// MaxCFunctionArgs is the most arguments a host function can receive;
// surplus arguments beyond the declared arity are dropped before that.
const MaxCFunctionArgs = 20

// primitiveSet holds the per-type classes consulted for method lookup when
// the receiver is not a heap object.
type primitiveSet struct {
	array     Value
	boolean   Value
	class     Value
	function  Value
	generator Value
	null      Value
	number    Value
	object    Value
	str       Value
	value     Value
}

// VM is the Rook virtual machine: value space, heap, interpreter state and
// scheduler in one structure. A VM owns all of its collaborators (symbol
// table included) so multiple runtimes can coexist in a process.
type VM struct {
	Symbols *SymbolTable

	config *Config
	heap   *Heap
	logger commonlog.Logger

	// Code segment: registered instruction blocks concatenated
	code       []byte
	staticData []byte

	// Running fiber state
	stack      []Value
	frames     *Cell
	catchstack *Cell
	ip         int
	halted     bool
	frameDepth int
	uid        uint64

	// Values popped by the current instruction; rooted so multi-step
	// allocations inside one opcode cannot lose them to a collection.
	scratch []Value

	// Pending effects raised by host functions
	pendingThrow   bool
	throwPayload   Value
	pendingSuspend bool

	inUncaughtHandler bool

	globals                  Value
	primitives               primitiveSet
	internalErrorClass       Value
	uncaughtExceptionHandler Value

	// Host-function registry, indexed by PutCFunction operands
	internals     []Value
	internalNames map[string]uint32

	// Well-known symbols
	symLength    Value
	symFinished  Value
	symMessage   Value
	symName      Value
	symArguments Value

	// Scheduler state (scheduler.go)
	running      bool
	statusCode   uint8
	nextFiberID  uint64
	nextTimerID  uint64
	taskMu       sync.Mutex
	taskQueue    []VMTask
	wake         chan struct{}
	timers       map[uint64]*timerEntry
	pausedFibers map[uint64]*VMFiber

	// Worker state (worker.go)
	workerMu         sync.Mutex
	workerThreads    map[uuid.UUID]*WorkerThread
	workerGoroutines map[int64]bool

	instructionCounter uint64
	profile            *InstructionProfile

	out    io.Writer
	errOut io.Writer

	// Visited stack for the pretty printer's cycle guard.
	prettyPrintStack []Value

	startTime time.Time
}

// InstructionProfile counts opcode frequency and cumulative execution time.
type InstructionProfile struct {
	Encountered [OpcodeCount]uint64
	TotalNanos  [OpcodeCount]uint64
}

// NewVM creates and bootstraps a virtual machine. A nil config uses the
// defaults.
func NewVM(cfg *Config) *VM {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()
	vm := &VM{
		Symbols:          NewSymbolTable(),
		config:           cfg,
		logger:           commonlog.GetLogger("rook.vm"),
		wake:             make(chan struct{}, 1),
		timers:           make(map[uint64]*timerEntry),
		pausedFibers:     make(map[uint64]*VMFiber),
		workerThreads:    make(map[uuid.UUID]*WorkerThread),
		workerGoroutines: make(map[int64]bool),
		out:              os.Stdout,
		errOut:           os.Stderr,
		startTime:        time.Now(),
	}
	vm.heap = newHeap(cfg)
	if cfg.Interpreter.InstructionProfile {
		vm.profile = &InstructionProfile{}
	}

	vm.symLength = vm.Intern("length")
	vm.symFinished = vm.Intern("finished")
	vm.symMessage = vm.Intern("message")
	vm.symName = vm.Intern("name")
	vm.symArguments = vm.Intern("arguments")

	vm.globals = vm.createObject(Null, 32)
	vm.bootstrapPrimitiveClasses()
	vm.bootstrapInternalErrorClass()
	vm.registerDefaultInternals()
	return vm
}

// SetOutput redirects the print stream.
func (vm *VM) SetOutput(w io.Writer) { vm.out = w }

// SetErrorOutput redirects the diagnostic stream.
func (vm *VM) SetErrorOutput(w io.Writer) { vm.errOut = w }

// Profile returns the instruction profile, or nil when profiling is off.
func (vm *VM) Profile() *InstructionProfile { return vm.profile }

// Heap exposes the heap, mainly so host code can register temporaries.
func (vm *VM) Heap() *Heap { return vm.heap }

// Globals returns the globals object.
func (vm *VM) Globals() Value { return vm.globals }

// SetUncaughtExceptionHandler registers the function called with payloads
// that escape every catch-table.
func (vm *VM) SetUncaughtExceptionHandler(fn Value) {
	vm.uncaughtExceptionHandler = fn
}

// fatal reports a broken invariant and terminates. Fatal faults bypass the
// catch-table machinery by design.
func (vm *VM) fatal(msg string) {
	vm.logger.Criticalf("fatal fault: %s", msg)
	panic("rook: " + msg)
}

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

func (vm *VM) push(v Value) {
	if len(vm.stack) >= vm.config.Interpreter.StackLimit {
		vm.fatal("operand stack limit exceeded")
	}
	vm.stack = append(vm.stack, v)
}

func (vm *VM) pop() Value {
	if len(vm.stack) == 0 {
		vm.fatal("operand stack underflow")
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	vm.scratch = append(vm.scratch, v)
	return v
}

func (vm *VM) popN(n int) []Value {
	if len(vm.stack) < n {
		vm.fatal("operand stack underflow")
	}
	values := make([]Value, n)
	copy(values, vm.stack[len(vm.stack)-n:])
	vm.stack = vm.stack[:len(vm.stack)-n]
	vm.scratch = append(vm.scratch, values...)
	return values
}

func (vm *VM) top() Value {
	if len(vm.stack) == 0 {
		vm.fatal("operand stack underflow")
	}
	return vm.stack[len(vm.stack)-1]
}

// StackSize returns the current operand-stack depth.
func (vm *VM) StackSize() int { return len(vm.stack) }

// ---------------------------------------------------------------------------
// Code registration
// ---------------------------------------------------------------------------

// RegisterModule appends a compiled instruction block to the VM's code
// segment and returns the function value for its entry body. PutString
// offsets are relocated against the merged static-data segment.
func (vm *VM) RegisterModule(block *InstructionBlock) Value {
	for _, name := range block.SymbolNames {
		vm.Symbols.Intern(name)
	}

	base := len(vm.code)
	staticBase := len(vm.staticData)
	vm.staticData = append(vm.staticData, block.StaticData()...)

	code := append([]byte(nil), block.Data()...)
	if staticBase > 0 {
		for pos := 0; pos < len(code); {
			op := Opcode(code[pos])
			if op == OpPutString {
				offset := binary.LittleEndian.Uint32(code[pos+1:])
				binary.LittleEndian.PutUint32(code[pos+1:], offset+uint32(staticBase))
			}
			pos += op.Length()
		}
	}
	vm.code = append(vm.code, code...)

	return vm.createFunctionAt(base, vm.Intern("main"), block.LVarCount)
}

// createFunctionAt builds a module-entry function value.
func (vm *VM) createFunctionAt(address int, name Value, lvarcount uint32) Value {
	c := vm.heap.allocate(vm, CellFunction)
	*c.Function() = Function{
		Name:        name,
		LVarCount:   lvarcount,
		BodyAddress: address,
		BoundSelf:   Null,
		Container:   make(map[Value]Value),
	}
	return FromCell(c)
}

// ---------------------------------------------------------------------------
// Synchronous execution
// ---------------------------------------------------------------------------

// CallFunction runs a callable to completion on the caller's goroutine and
// returns its result. The activation gets a halt-after-return frame, so the
// interpreter returns here rather than to the scheduler.
func (vm *VM) CallFunction(callee Value, args []Value) Value {
	prevHalted := vm.halted
	vm.halted = false
	for _, a := range args {
		vm.push(a)
	}
	vm.push(callee)
	vm.call(uint32(len(args)), true)
	if !vm.halted {
		vm.runInterpreter()
	}
	vm.halted = prevHalted

	if len(vm.stack) == 0 {
		return Null
	}
	result := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return result
}

// RunModule registers a block and runs its entry function synchronously.
func (vm *VM) RunModule(block *InstructionBlock) Value {
	return vm.CallFunction(vm.RegisterModule(block), nil)
}

// ---------------------------------------------------------------------------
// Operand readers
// ---------------------------------------------------------------------------

func (vm *VM) operandU32(at int) uint32 {
	return binary.LittleEndian.Uint32(vm.code[at:])
}

func (vm *VM) operandI32(at int) int32 {
	return int32(binary.LittleEndian.Uint32(vm.code[at:]))
}

func (vm *VM) operandU64(at int) uint64 {
	return binary.LittleEndian.Uint64(vm.code[at:])
}

func (vm *VM) operandValue(at int) Value {
	return Value(vm.operandU64(at))
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

// runInterpreter executes instructions until the running fiber halts,
// suspends, or completes. Control then returns to the caller (normally the
// scheduler loop).
func (vm *VM) runInterpreter() {
	trace := vm.config.Interpreter.TraceOpcodes
	slice := vm.config.Interpreter.TimeSliceInstructions

	for !vm.halted {
		if vm.ip < 0 || vm.ip >= len(vm.code) {
			vm.fatal("instruction pointer out of range")
		}

		opAddr := vm.ip
		op := Opcode(vm.code[opAddr])
		if int(op) >= OpcodeCount {
			vm.fatal("unknown opcode")
		}

		vm.scratch = vm.scratch[:0]
		vm.instructionCounter++
		if slice > 0 && vm.instructionCounter%uint64(slice) == 0 && vm.tasksPending() {
			// Time-slice preemption: requeue this fiber behind waiting
			// tasks and return to the scheduler.
			vm.preemptCurrentFiber()
			if vm.halted {
				break
			}
		}

		if trace {
			vm.logger.Debugf("%06d %s", opAddr, op)
		}
		var began time.Time
		if vm.profile != nil {
			began = time.Now()
		}

		// The instruction pointer is advanced before execution; control
		// transfers overwrite it.
		vm.ip = opAddr + op.Length()
		vm.execute(op, opAddr)

		if vm.profile != nil {
			vm.profile.Encountered[op]++
			vm.profile.TotalNanos[op] += uint64(time.Since(began))
		}
	}
}

// execute dispatches one instruction. opAddr is the address of the opcode
// tag; relative offsets resolve against it.
func (vm *VM) execute(op Opcode, opAddr int) {
	switch op {
	// --- Locals ---
	case OpReadLocal:
		vm.push(vm.readLocal(vm.operandU32(opAddr+1), vm.operandU32(opAddr+5)))

	case OpSetLocal:
		vm.writeLocal(vm.operandU32(opAddr+1), vm.operandU32(opAddr+5), vm.pop())

	case OpSetLocalPush:
		v := vm.pop()
		vm.writeLocal(vm.operandU32(opAddr+1), vm.operandU32(opAddr+5), v)
		vm.push(v)

	// --- Member access ---
	case OpReadMemberSymbol:
		source := vm.pop()
		vm.push(vm.readMemberSymbol(source, vm.operandValue(opAddr+1)))

	case OpSetMemberSymbol:
		value := vm.pop()
		target := vm.pop()
		vm.setMemberSymbol(target, vm.operandValue(opAddr+1), value)

	case OpSetMemberSymbolPush:
		value := vm.pop()
		target := vm.pop()
		vm.setMemberSymbol(target, vm.operandValue(opAddr+1), value)
		vm.push(value)

	case OpReadMemberValue:
		member := vm.pop()
		source := vm.pop()
		vm.push(vm.readMemberValue(source, member))

	case OpSetMemberValue:
		value := vm.pop()
		member := vm.pop()
		target := vm.pop()
		vm.setMemberValue(target, member, value)

	case OpSetMemberValuePush:
		value := vm.pop()
		member := vm.pop()
		target := vm.pop()
		vm.setMemberValue(target, member, value)
		vm.push(value)

	case OpReadArrayIndex:
		source := vm.pop()
		vm.push(vm.readIndex(source, int64(vm.operandU32(opAddr+1))))

	case OpSetArrayIndex:
		value := vm.pop()
		target := vm.pop()
		vm.writeIndex(target, int64(vm.operandU32(opAddr+1)), value)

	case OpSetArrayIndexPush:
		value := vm.pop()
		target := vm.pop()
		vm.writeIndex(target, int64(vm.operandU32(opAddr+1)), value)
		vm.push(value)

	// --- Globals ---
	case OpReadGlobal:
		sym := vm.operandValue(opAddr + 1)
		container := vm.globals.Cell().Object().Container
		if v, ok := container[sym]; ok {
			vm.push(v)
		} else {
			vm.throwInternalError("unknown global symbol: " + vm.Symbols.NameOrPlaceholder(sym))
		}

	case OpSetGlobal:
		vm.globals.Cell().Object().Container[vm.operandValue(opAddr+1)] = vm.pop()

	case OpSetGlobalPush:
		v := vm.pop()
		vm.globals.Cell().Object().Container[vm.operandValue(opAddr+1)] = v
		vm.push(v)

	// --- Constants ---
	case OpPutSelf:
		if vm.frames != nil {
			vm.push(vm.frames.Frame().Self)
		} else {
			vm.push(Null)
		}

	case OpPutSuper:
		vm.push(vm.superClass())

	case OpPutSuperMember:
		vm.push(vm.superMember(vm.operandValue(opAddr + 1)))

	case OpPutValue:
		v := vm.operandValue(opAddr + 1)
		if v.IsPointer() {
			vm.fatal("heap pointer embedded in bytecode")
		}
		vm.push(v)

	case OpPutString:
		offset := int(vm.operandU32(opAddr + 1))
		length := int(vm.operandU32(opAddr + 5))
		if offset+length > len(vm.staticData) {
			vm.fatal("static data reference out of range")
		}
		vm.push(vm.createString(vm.staticData[offset : offset+length]))

	case OpPutFunction:
		sym := vm.operandValue(opAddr + 1)
		body := opAddr + int(vm.operandI32(opAddr+9))
		flags := vm.code[opAddr+13]
		argc := vm.operandU32(opAddr + 14)
		minargc := vm.operandU32(opAddr + 18)
		lvarcount := vm.operandU32(opAddr + 22)
		vm.push(vm.createFunction(sym, body, argc, minargc, lvarcount,
			flags&FuncFlagAnonymous != 0, flags&FuncFlagNeedsArguments != 0))

	case OpPutCFunction:
		index := vm.operandU32(opAddr + 9)
		if int(index) >= len(vm.internals) {
			vm.fatal("cfunction registry index out of range")
		}
		vm.push(vm.internals[index])

	case OpPutGenerator:
		sym := vm.operandValue(opAddr + 1)
		resume := opAddr + int(vm.operandI32(opAddr+9))
		boot := vm.pop()
		if !boot.IsFunction() {
			vm.throwInternalError("generator boot target is not a function")
			return
		}
		vm.push(vm.createGenerator(sym, resume, boot.Cell()))

	case OpPutClass:
		vm.putClass(opAddr)

	case OpPutArray:
		count := int(vm.operandU32(opAddr + 1))
		values := vm.popN(count)
		array := vm.createArray(count)
		array.Cell().Array().Data = append(array.Cell().Array().Data, values...)
		vm.push(array)

	case OpPutHash:
		count := int(vm.operandU32(opAddr + 1))
		obj := vm.createObject(Null, count)
		container := obj.Cell().Object().Container
		for i := 0; i < count; i++ {
			value := vm.pop()
			key := vm.pop()
			container[vm.memberKey(key)] = value
		}
		vm.push(obj)

	// --- Stack ---
	case OpPop:
		vm.pop()

	case OpDup:
		vm.push(vm.top())

	case OpDupN:
		count := int(vm.operandU32(opAddr + 1))
		if len(vm.stack) < count {
			vm.fatal("operand stack underflow")
		}
		base := len(vm.stack) - count
		for i := 0; i < count; i++ {
			vm.push(vm.stack[base+i])
		}

	case OpSwap:
		a := vm.pop()
		b := vm.pop()
		vm.push(a)
		vm.push(b)

	// --- Calls ---
	case OpCall:
		vm.call(vm.operandU32(opAddr+1), false)

	case OpCallMember:
		vm.callMember(vm.operandValue(opAddr+1), vm.operandU32(opAddr+9))

	case OpNew:
		vm.opNew(vm.operandU32(opAddr + 1))

	case OpReturn:
		vm.opReturn()

	case OpYield:
		vm.opYield()

	// --- Exceptions ---
	case OpThrow:
		vm.unwindCatchStack(vm.pop())

	case OpRegisterCatchTable:
		vm.createCatchTable(opAddr + int(vm.operandI32(opAddr+1)))

	case OpPopCatchTable:
		vm.popCatchTable()

	// --- Control flow ---
	case OpBranch:
		vm.ip = opAddr + int(vm.operandI32(opAddr+1))

	case OpBranchIf:
		if vm.pop().Truthy() {
			vm.ip = opAddr + int(vm.operandI32(opAddr+1))
		}

	case OpBranchUnless:
		if !vm.pop().Truthy() {
			vm.ip = opAddr + int(vm.operandI32(opAddr+1))
		}

	case OpBranchLt, OpBranchGt, OpBranchLe, OpBranchGe, OpBranchEq, OpBranchNeq:
		right := vm.pop()
		left := vm.pop()
		var hit Value
		switch op {
		case OpBranchLt:
			hit = vm.lt(left, right)
		case OpBranchGt:
			hit = vm.gt(left, right)
		case OpBranchLe:
			hit = vm.le(left, right)
		case OpBranchGe:
			hit = vm.ge(left, right)
		case OpBranchEq:
			hit = vm.eq(left, right)
		default:
			hit = vm.neq(left, right)
		}
		if hit.Truthy() {
			vm.ip = opAddr + int(vm.operandI32(opAddr+1))
		}

	// --- Operators ---
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow,
		OpEq, OpNeq, OpLt, OpGt, OpLe, OpGe,
		OpShl, OpShr, OpBAnd, OpBOr, OpBXor:
		right := vm.pop()
		left := vm.pop()
		vm.push(vm.binaryOp(op, left, right))

	case OpUAdd:
		vm.push(vm.uadd(vm.pop()))
	case OpUSub:
		vm.push(vm.usub(vm.pop()))
	case OpUNot:
		vm.push(vm.unot(vm.pop()))
	case OpUBNot:
		vm.push(vm.ubnot(vm.pop()))

	case OpTypeof:
		vm.push(vm.CreateString(vm.pop().TypeName()))

	case OpHalt:
		vm.halted = true

	default:
		vm.fatal("unhandled opcode: " + op.String())
	}
}

// binaryOp dispatches the two-operand operator set.
func (vm *VM) binaryOp(op Opcode, left, right Value) Value {
	switch op {
	case OpAdd:
		return vm.add(left, right)
	case OpSub:
		return vm.sub(left, right)
	case OpMul:
		return vm.mul(left, right)
	case OpDiv:
		return vm.div(left, right)
	case OpMod:
		return vm.mod(left, right)
	case OpPow:
		return vm.pow(left, right)
	case OpEq:
		return vm.eq(left, right)
	case OpNeq:
		return vm.neq(left, right)
	case OpLt:
		return vm.lt(left, right)
	case OpGt:
		return vm.gt(left, right)
	case OpLe:
		return vm.le(left, right)
	case OpGe:
		return vm.ge(left, right)
	case OpShl:
		return vm.shl(left, right)
	case OpShr:
		return vm.shr(left, right)
	case OpBAnd:
		return vm.band(left, right)
	case OpBOr:
		return vm.bor(left, right)
	default:
		return vm.bxor(left, right)
	}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// call pops argc arguments and the callee and transfers control.
func (vm *VM) call(argc uint32, haltAfterReturn bool) {
	callee := vm.pop()
	args := vm.popN(int(argc))

	switch {
	case callee.IsFunction():
		vm.callInterpretedFunction(callee.Cell(), args, vm.functionSelf(callee.Cell()), haltAfterReturn, false)
	case callee.IsCFunction():
		vm.callCFunction(callee.Cell(), args, haltAfterReturn)
	case callee.IsClass():
		vm.callClass(callee.Cell(), args, haltAfterReturn)
	case callee.IsGenerator():
		arg := Null
		if len(args) > 0 {
			arg = args[0]
		}
		vm.resumeGenerator(callee.Cell(), arg, haltAfterReturn)
	default:
		vm.throwInternalError("value of type " + callee.TypeName() + " is not callable")
	}
}

// callMember pops argc arguments and the receiver, resolves the method
// through the receiver's class prototype chain (or the primitive classes)
// and calls it with self bound to the receiver.
func (vm *VM) callMember(sym Value, argc uint32) {
	args := vm.popN(int(argc))
	receiver := vm.pop()

	method := vm.readMemberSymbol(receiver, sym)
	switch {
	case method.IsFunction():
		vm.callInterpretedFunction(method.Cell(), args, receiver, false, false)
	case method.IsCFunction():
		// Host methods receive the receiver as their first argument.
		vm.callCFunction(method.Cell(), append([]Value{receiver}, args...), false)
	case method.IsGenerator():
		arg := Null
		if len(args) > 0 {
			arg = args[0]
		}
		vm.resumeGenerator(method.Cell(), arg, false)
	default:
		vm.throwInternalError(vm.Symbols.NameOrPlaceholder(sym) + " is not a method of " + receiver.TypeName())
	}
}

// opNew pops argc arguments and the callee, which must be a class.
func (vm *VM) opNew(argc uint32) {
	callee := vm.pop()
	args := vm.popN(int(argc))
	if !callee.IsClass() {
		vm.throwInternalError("new target of type " + callee.TypeName() + " is not a class")
		return
	}
	vm.callClass(callee.Cell(), args, false)
}

// functionSelf resolves the self value an ordinary call binds: the bound
// receiver when set, otherwise the calling frame's self.
func (vm *VM) functionSelf(function *Cell) Value {
	fn := function.Function()
	if fn.BoundSelfSet {
		return fn.BoundSelf
	}
	if vm.frames != nil {
		return vm.frames.Frame().Self
	}
	return Null
}

// callInterpretedFunction pushes a frame for function and enters its body.
// Surplus arguments are dropped unless the function requests the arguments
// array; missing arguments below the strict minimum raise an internal error.
func (vm *VM) callInterpretedFunction(function *Cell, args []Value, self Value, haltAfterReturn, discardReturn bool) {
	fn := function.Function()

	if uint32(len(args)) < fn.MinimumArgC {
		vm.throwInternalError("missing required arguments for " + vm.Symbols.NameOrPlaceholder(fn.Name))
		return
	}
	if vm.frameDepth >= vm.config.Interpreter.FrameLimit {
		vm.throwInternalError("stack overflow")
		return
	}

	frame := vm.createFrame(self, function, vm.ip, haltAfterReturn)
	f := frame.Frame()
	f.DiscardReturn = discardReturn
	vm.frameDepth++

	locals := f.Locals()
	copied := len(args)
	if copied > int(fn.ArgC) {
		copied = int(fn.ArgC)
	}
	if copied > len(locals) {
		copied = len(locals)
	}
	copy(locals, args[:copied])

	if fn.NeedsArguments && int(fn.ArgC) < len(locals) {
		bundle := vm.createArray(len(args))
		bundle.Cell().Array().Data = append(bundle.Cell().Array().Data, args...)
		locals[fn.ArgC] = bundle
	}

	vm.ip = fn.BodyAddress
}

// callCFunction invokes a host function, honoring its thread policy:
// worker-policy functions called on the main thread are offloaded with
// their trailing continuation argument, and main-policy functions called
// from a worker goroutine are marshalled back as a task.
func (vm *VM) callCFunction(function *Cell, args []Value, haltAfterReturn bool) {
	cf := function.CFunction()

	if len(args) > MaxCFunctionArgs {
		args = args[:MaxCFunctionArgs]
	}
	if len(args) > int(cf.ArgC) {
		args = args[:cf.ArgC]
	}

	onWorker := vm.onWorkerGoroutine()
	switch {
	case cf.ThreadPolicy == PolicyWorker && !onWorker:
		// Offload: the final argument is the interpreted continuation.
		var callback Value = Null
		if len(args) > 0 {
			callback = args[len(args)-1]
			args = args[:len(args)-1]
		}
		vm.startWorkerThread(function, args, callback)
		vm.push(Null)
		return
	case cf.ThreadPolicy == PolicyMain && onWorker:
		vm.enqueueTask(callbackTask(FromCell(function), args))
		return
	}

	// Host code may call back into the interpreter; pin the arguments so a
	// collection during the nested run cannot reclaim them.
	for _, a := range args {
		vm.heap.RegisterTemporary(a)
	}
	result := cf.Function(vm, args)
	vm.heap.RegisterTemporary(result)
	for _, a := range args {
		vm.heap.ReleaseTemporary(a)
	}
	defer vm.heap.ReleaseTemporary(result)

	if vm.pendingThrow {
		vm.pendingThrow = false
		payload := vm.throwPayload
		vm.throwPayload = Null
		vm.unwindCatchStack(payload)
		return
	}
	if vm.pendingSuspend {
		vm.pendingSuspend = false
		vm.suspendCurrentFiber()
		return
	}
	if cf.PushReturn {
		vm.push(result)
	}
	if cf.HaltAfterReturn || haltAfterReturn {
		vm.halted = true
	}
}

// callClass allocates an instance, pre-installs the member properties of
// the class chain as null, and runs the first constructor found walking up
// the parent chain with self bound to the new object. The object, not the
// constructor result, remains on the stack.
func (vm *VM) callClass(class *Cell, args []Value, haltAfterReturn bool) {
	propCount := 0
	for c := class; c != nil; {
		propCount += len(c.Class().MemberProperties)
		c = c.Class().ParentClass.Cell()
	}

	object := vm.createObject(FromCell(class), propCount)
	container := object.Cell().Object().Container
	for c := class; c != nil; {
		for _, sym := range c.Class().MemberProperties {
			if _, present := container[sym]; !present {
				container[sym] = Null
			}
		}
		c = c.Class().ParentClass.Cell()
	}

	constructor := Null
	for c := class; c != nil; {
		if !c.Class().Constructor.IsNull() {
			constructor = c.Class().Constructor
			break
		}
		c = c.Class().ParentClass.Cell()
	}

	if !constructor.IsFunction() {
		vm.push(object)
		if haltAfterReturn {
			vm.halted = true
		}
		return
	}

	vm.push(object)
	vm.callInterpretedFunction(constructor.Cell(), args, object, haltAfterReturn, true)
}

// opReturn pops the frame and hands the return value to the caller. Entry
// frames halt the interpreter; generator frames finish their generator.
func (vm *VM) opReturn() {
	value := vm.pop()
	frame := vm.frames
	if frame == nil {
		vm.fatal("return without a frame")
	}
	f := frame.Frame()

	if f.Generator != nil {
		vm.finishGenerator(frame, value)
		return
	}

	vm.popFrame()
	vm.frameDepth--
	if f.StackSize > len(vm.stack) {
		vm.fatal("frame records larger stack than present")
	}
	vm.stack = vm.stack[:f.StackSize]
	if !f.DiscardReturn {
		vm.push(value)
	}

	if f.HaltAfterReturn {
		vm.halted = true
		return
	}
	vm.ip = f.ReturnAddress
}

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

// resumeGenerator reinstalls a generator's saved machine state on top of
// the current state and transfers control into it.
func (vm *VM) resumeGenerator(genCell *Cell, arg Value, haltAfterReturn bool) {
	g := genCell.Generator()

	if g.Finished {
		vm.push(Null)
		if haltAfterReturn {
			vm.halted = true
		}
		return
	}
	if g.Running {
		vm.throwInternalError("generator is already running")
		return
	}

	if !g.Started {
		g.Started = true
		g.Running = true
		self := Null
		if g.BoundSelfSet {
			self = g.BoundSelf
		}
		frame := vm.createFrame(self, g.BootFunction, vm.ip, haltAfterReturn)
		frame.Frame().Generator = genCell
		vm.frameDepth++
		g.Frame = frame
		// The initial resume address is the body entry; every Yield
		// overwrites it with the instruction after the yield.
		vm.ip = g.ResumeAddress
		return
	}

	// Subsequent resume: reinstall the saved frame chain, catch chain and
	// operand snapshot, then push the resume argument as the result of the
	// suspended yield expression.
	owner := generatorOwnerFrame(g.Frame, genCell)
	if owner == nil {
		vm.fatal("generator frame chain lost its owner")
	}
	of := owner.Frame()
	of.Parent = vm.frames
	of.CatchTable = vm.catchstack
	of.StackSize = len(vm.stack)
	of.ReturnAddress = vm.ip
	of.HaltAfterReturn = haltAfterReturn

	vm.frames = g.Frame
	if g.CatchTable != nil {
		vm.catchstack = g.CatchTable
	}
	vm.stack = append(vm.stack, g.Stack...)
	g.Stack = nil
	g.Running = true
	vm.frameDepth = frameChainDepth(vm.frames)

	vm.push(arg)
	vm.ip = g.ResumeAddress
}

// opYield snapshots the owning generator's live state and returns the
// yielded value to the resumer, leaving the generator runnable.
func (vm *VM) opYield() {
	value := vm.pop()

	owner := generatorOwnerFrame(vm.frames, nil)
	if owner == nil {
		vm.throwInternalError("yield outside of a generator")
		return
	}
	of := owner.Frame()
	genCell := of.Generator
	g := genCell.Generator()

	if of.StackSize > len(vm.stack) {
		vm.fatal("generator frame records larger stack than present")
	}
	g.Stack = append([]Value(nil), vm.stack[of.StackSize:]...)
	g.Frame = vm.frames
	g.CatchTable = vm.catchstack
	g.ResumeAddress = vm.ip
	g.Running = false

	vm.stack = vm.stack[:of.StackSize]
	vm.frames = of.Parent
	vm.catchstack = of.CatchTable
	vm.frameDepth = frameChainDepth(vm.frames)
	vm.push(value)

	if of.HaltAfterReturn {
		vm.halted = true
		return
	}
	vm.ip = of.ReturnAddress
}

// finishGenerator handles Return inside a generator frame: the generator is
// marked finished and later calls yield null.
func (vm *VM) finishGenerator(frame *Cell, value Value) {
	f := frame.Frame()
	genCell := f.Generator
	g := genCell.Generator()

	g.Finished = true
	g.Running = false
	g.Stack = nil
	g.Frame = nil
	g.CatchTable = nil

	if f.StackSize > len(vm.stack) {
		vm.fatal("generator frame records larger stack than present")
	}
	vm.stack = vm.stack[:f.StackSize]
	vm.frames = f.Parent
	vm.catchstack = f.CatchTable
	vm.frameDepth = frameChainDepth(vm.frames)
	vm.push(value)

	if f.HaltAfterReturn {
		vm.halted = true
		return
	}
	vm.ip = f.ReturnAddress
}

// generatorOwnerFrame walks the dynamic chain for the frame owned by gen,
// or for the nearest generator frame when gen is nil.
func generatorOwnerFrame(frame *Cell, gen *Cell) *Cell {
	for c := frame; c != nil; c = c.Frame().Parent {
		owner := c.Frame().Generator
		if owner != nil && (gen == nil || owner == gen) {
			return c
		}
	}
	return nil
}

// frameChainDepth counts the dynamic chain length.
func frameChainDepth(frame *Cell) int {
	depth := 0
	for c := frame; c != nil; c = c.Frame().Parent {
		depth++
	}
	return depth
}

// ---------------------------------------------------------------------------
// Member resolution
// ---------------------------------------------------------------------------

// memberKey normalizes hash keys: strings intern to symbols, symbols pass
// through, anything else keeps its value identity.
func (vm *VM) memberKey(key Value) Value {
	if key.IsSymbol() {
		return key
	}
	if key.IsString() {
		return vm.Symbols.Intern(string(StringData(key)))
	}
	return key
}

// readMemberSymbol implements ReadMemberSymbol: container hit, then the
// class prototype chain, then the primitive classes. Missing members read
// as null.
func (vm *VM) readMemberSymbol(source, sym Value) Value {
	switch {
	case source.IsObject():
		o := source.Cell().Object()
		if v, ok := o.Container[sym]; ok {
			return v
		}
		if v, ok := vm.lookupPrototypeChain(o.Klass, sym); ok {
			return v
		}
		if v, ok := vm.findPrimitiveValue(vm.primitives.object, sym); ok {
			return v
		}
		return Null

	case source.IsClass():
		for c := source.Cell(); c != nil; {
			if v, ok := c.Class().Container[sym]; ok {
				return v
			}
			c = c.Class().ParentClass.Cell()
		}
		if v, ok := vm.findPrimitiveValue(vm.primitives.class, sym); ok {
			return v
		}
		return Null

	case source.IsFunction():
		if sym == vm.symName {
			return vm.CreateString(vm.Symbols.NameOrPlaceholder(source.Cell().Function().Name))
		}
		if v, ok := source.Cell().Function().Container[sym]; ok {
			return v
		}
		if v, ok := vm.findPrimitiveValue(vm.primitives.function, sym); ok {
			return v
		}
		return Null

	case source.IsCFunction():
		if sym == vm.symName {
			return vm.CreateString(vm.Symbols.NameOrPlaceholder(source.Cell().CFunction().Name))
		}
		if v, ok := source.Cell().CFunction().Container[sym]; ok {
			return v
		}
		if v, ok := vm.findPrimitiveValue(vm.primitives.function, sym); ok {
			return v
		}
		return Null

	case source.IsGenerator():
		if sym == vm.symFinished {
			return FromBool(source.Cell().Generator().Finished)
		}
		if v, ok := vm.findPrimitiveValue(vm.primitives.generator, sym); ok {
			return v
		}
		return Null

	case source.IsArray():
		if sym == vm.symLength {
			return FromInt(int64(len(source.Cell().Array().Data)))
		}
		if v, ok := vm.findPrimitiveValue(vm.primitives.array, sym); ok {
			return v
		}
		return Null

	case source.IsString():
		if sym == vm.symLength {
			return FromInt(int64(StringLength(source)))
		}
		if v, ok := vm.findPrimitiveValue(vm.primitives.str, sym); ok {
			return v
		}
		return Null

	default:
		var class Value
		switch {
		case source.IsNumeric():
			class = vm.primitives.number
		case source.IsBool():
			class = vm.primitives.boolean
		case source.IsNull():
			class = vm.primitives.null
		default:
			class = vm.primitives.value
		}
		if v, ok := vm.findPrimitiveValue(class, sym); ok {
			return v
		}
		return Null
	}
}

// lookupPrototypeChain searches class prototypes up the parent chain.
func (vm *VM) lookupPrototypeChain(class Value, sym Value) (Value, bool) {
	for c := class.Cell(); c != nil && c.ctype == CellClass; {
		proto := c.Class().Prototype
		if proto.IsObject() {
			if v, ok := proto.Cell().Object().Container[sym]; ok {
				return v, true
			}
		}
		c = c.Class().ParentClass.Cell()
	}
	return Null, false
}

// findPrimitiveValue searches a primitive class's prototype chain,
// falling through to the shared value class.
func (vm *VM) findPrimitiveValue(class Value, sym Value) (Value, bool) {
	if v, ok := vm.lookupPrototypeChain(class, sym); ok {
		return v, true
	}
	if class != vm.primitives.value {
		return vm.lookupPrototypeChain(vm.primitives.value, sym)
	}
	return Null, false
}

// setMemberSymbol writes a member. Objects always write directly into their
// own container; classes and functions expose their containers too.
func (vm *VM) setMemberSymbol(target, sym, value Value) {
	switch {
	case target.IsObject():
		target.Cell().Object().Container[sym] = value
	case target.IsClass():
		target.Cell().Class().Container[sym] = value
	case target.IsFunction():
		target.Cell().Function().Container[sym] = value
	case target.IsCFunction():
		target.Cell().CFunction().Container[sym] = value
	default:
		vm.throwInternalError("cannot assign member on value of type " + target.TypeName())
	}
}

// readMemberValue resolves a dynamic member: numeric members index arrays
// and strings, anything else normalizes to a symbol lookup.
func (vm *VM) readMemberValue(source, member Value) Value {
	if member.IsNumeric() && (source.IsArray() || source.IsString()) {
		return vm.readIndex(source, member.ToInt64())
	}
	return vm.readMemberSymbol(source, vm.memberKey(member))
}

// setMemberValue is the write counterpart of readMemberValue.
func (vm *VM) setMemberValue(target, member, value Value) {
	if member.IsNumeric() && target.IsArray() {
		vm.writeIndex(target, member.ToInt64(), value)
		return
	}
	vm.setMemberSymbol(target, vm.memberKey(member), value)
}

// readIndex reads arrays by element and strings by UTF-8 code point.
// Out-of-range indices yield null.
func (vm *VM) readIndex(source Value, index int64) Value {
	switch {
	case source.IsArray():
		data := source.Cell().Array().Data
		if index < 0 || index >= int64(len(data)) {
			return Null
		}
		return data[index]
	case source.IsString():
		return vm.stringCodePointAt(source, index)
	default:
		return Null
	}
}

// writeIndex writes an array element, extending the array when the index is
// one past the end. Strings are immutable, so writes to them throw.
func (vm *VM) writeIndex(target Value, index int64, value Value) {
	if !target.IsArray() {
		vm.throwInternalError("cannot index-assign value of type " + target.TypeName())
		return
	}
	a := target.Cell().Array()
	switch {
	case index >= 0 && index < int64(len(a.Data)):
		a.Data[index] = value
	case index == int64(len(a.Data)):
		a.Data = append(a.Data, value)
	default:
		vm.throwInternalError("array index out of range")
	}
}

// ---------------------------------------------------------------------------
// Super resolution
// ---------------------------------------------------------------------------

// activeFunction returns the function of the innermost interpreted frame.
func (vm *VM) activeFunction() *Cell {
	for c := vm.frames; c != nil; c = c.Frame().Parent {
		caller := c.Frame().Caller
		if caller.IsFunction() {
			return caller.Cell()
		}
	}
	return nil
}

// superClass resolves the parent of the currently-executing function's host
// class, not of self's runtime class.
func (vm *VM) superClass() Value {
	fn := vm.activeFunction()
	if fn == nil || fn.Function().HostClass == nil {
		return Null
	}
	return fn.Function().HostClass.Class().ParentClass
}

// superMember resolves a method in the parent of the active function's host
// class. A class with no parent yields null.
func (vm *VM) superMember(sym Value) Value {
	parent := vm.superClass()
	if !parent.IsClass() {
		return Null
	}
	if v, ok := vm.lookupPrototypeChain(parent, sym); ok {
		return v
	}
	return Null
}

// ---------------------------------------------------------------------------
// Class construction
// ---------------------------------------------------------------------------

// putClass materializes a class literal. The operand order mirrors the
// writer: the interpreter pops prototype methods, static methods, member
// property symbols, static property symbols, then the optional constructor
// and parent class.
func (vm *VM) putClass(opAddr int) {
	sym := vm.operandValue(opAddr + 1)
	propcount := int(vm.operandU32(opAddr + 9))
	staticpropcount := int(vm.operandU32(opAddr + 13))
	methodcount := int(vm.operandU32(opAddr + 17))
	staticmethodcount := int(vm.operandU32(opAddr + 21))
	flags := vm.code[opAddr+25]

	methods := vm.popN(methodcount)
	staticMethods := vm.popN(staticmethodcount)
	propSyms := vm.popN(propcount)
	staticPropSyms := vm.popN(staticpropcount)

	constructor := Null
	if flags&ClassFlagHasConstructor != 0 {
		constructor = vm.pop()
	}
	parent := Null
	if flags&ClassFlagHasParent != 0 {
		parent = vm.pop()
		if !parent.IsClass() {
			vm.throwInternalError("class parent of type " + parent.TypeName() + " is not a class")
			return
		}
	}

	classValue := vm.createClass(sym)
	vm.heap.RegisterTemporary(classValue)
	defer vm.heap.ReleaseTemporary(classValue)

	classCell := classValue.Cell()
	k := classCell.Class()
	k.ParentClass = parent
	k.MemberProperties = append(k.MemberProperties, propSyms...)
	for _, s := range staticPropSyms {
		k.Container[s] = Null
	}

	prototype := vm.createObject(Null, methodcount)
	k.Prototype = prototype
	protoContainer := prototype.Cell().Object().Container
	for _, m := range methods {
		if !m.IsFunction() {
			vm.throwInternalError("class method is not a function")
			return
		}
		fn := m.Cell().Function()
		fn.HostClass = classCell
		protoContainer[fn.Name] = m
	}
	for _, m := range staticMethods {
		if !m.IsFunction() {
			vm.throwInternalError("class static method is not a function")
			return
		}
		fn := m.Cell().Function()
		fn.HostClass = classCell
		k.Container[fn.Name] = m
	}
	if constructor.IsFunction() {
		constructor.Cell().Function().HostClass = classCell
		k.Constructor = constructor
	}

	vm.push(classValue)
}
