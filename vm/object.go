package vm

// ---------------------------------------------------------------------------
// Heap cell layout
// ---------------------------------------------------------------------------

// CellType identifies the heap type stored in a cell. It occupies the 5-bit
// type tag of the cell header.
type CellType uint8

const (
	CellDead CellType = iota
	CellClass
	CellObject
	CellArray
	CellString
	CellFunction
	CellCFunction
	CellGenerator
	CellFrame
	CellCatchTable
	CellCPointer
)

// Cell is the uniform allocation unit of the heap. Go has no unions, so the
// cell carries one payload struct per heap type; the header's type tag
// selects the active one. Dead cells chain through nextFree to form the
// intrusive free-list.
type Cell struct {
	ctype CellType
	mark  bool
	// Two user flags the type may repurpose. Strings use flagA to
	// discriminate the short representation.
	flagA bool
	flagB bool

	nextFree *Cell

	object     Object
	array      Array
	str        String
	class      Class
	function   Function
	cfunction  CFunction
	generator  Generator
	frame      Frame
	catchtable CatchTable
	cpointer   CPointer
}

// Type returns the cell's heap type.
func (c *Cell) Type() CellType { return c.ctype }

// Accessors for the active payload. The caller is responsible for having
// checked the type tag.

func (c *Cell) Object() *Object         { return &c.object }
func (c *Cell) Array() *Array           { return &c.array }
func (c *Cell) String() *String         { return &c.str }
func (c *Cell) Class() *Class           { return &c.class }
func (c *Cell) Function() *Function     { return &c.function }
func (c *Cell) CFunction() *CFunction   { return &c.cfunction }
func (c *Cell) Generator() *Generator   { return &c.generator }
func (c *Cell) Frame() *Frame           { return &c.frame }
func (c *Cell) CatchTable() *CatchTable { return &c.catchtable }
func (c *Cell) CPointer() *CPointer     { return &c.cpointer }

// ---------------------------------------------------------------------------
// Heap type payloads
// ---------------------------------------------------------------------------

// Object is a class instance: a reference to its class plus a symbol-keyed
// member mapping.
type Object struct {
	Klass     Value
	Container map[Value]Value
}

// Array is a growable ordered sequence of values.
type Array struct {
	Data []Value
}

// ShortStringMaxSize is the inline capacity of heap strings. Longer strings
// own a separate buffer.
const ShortStringMaxSize = 118

// String is a heap string in either the short (inline) or the long (owned
// buffer) representation. The owning cell's flagA is set for short strings.
type String struct {
	inline   [ShortStringMaxSize]byte
	shortLen uint8
	lbuf     []byte
}

// Class describes a user-defined class.
type Class struct {
	Name             Value
	Constructor      Value
	MemberProperties []Value
	Prototype        Value
	ParentClass      Value
	Container        map[Value]Value
}

// Function is an interpreted function literal.
type Function struct {
	Name           Value
	ArgC           uint32
	MinimumArgC    uint32
	LVarCount      uint32
	Context        *Cell // frame captured at definition time
	BodyAddress    int
	BoundSelf      Value
	BoundSelfSet   bool
	HostClass      *Cell // class the function was defined in, for super
	Container      map[Value]Value
	Anonymous      bool
	NeedsArguments bool
}

// ThreadPolicy restricts where a host function may execute.
type ThreadPolicy uint8

const (
	PolicyMain ThreadPolicy = iota
	PolicyWorker
	PolicyBoth
)

// HostFunction is the calling convention for host code: the VM plus the
// argument slice, truncated by the caller to the declared arity.
type HostFunction func(vm *VM, args []Value) Value

// CFunction wraps a host function for use as a call target.
type CFunction struct {
	Name            Value
	Function        HostFunction
	ArgC            uint32
	ThreadPolicy    ThreadPolicy
	PushReturn      bool
	HaltAfterReturn bool
	Container       map[Value]Value
}

// Generator is a reified suspended function. While the generator runs its
// snapshot is empty; the values live on the interpreter's stack.
// ResumeAddress starts at the body entry and is rewritten by each Yield.
type Generator struct {
	Name          Value
	Frame         *Cell
	CatchTable    *Cell
	Stack         []Value
	ResumeAddress int
	BootFunction  *Cell
	Running       bool
	Started       bool
	Finished      bool
	BoundSelf     Value
	BoundSelfSet  bool
}

// FrameInlineLocals is the local-variable count up to which frames store
// their environment inline instead of in a heap vector.
const FrameInlineLocals = 5

// Frame is an activation record. Parent is the dynamic link (return and
// unwinding); Environment is the lexical link (variable lookup).
type Frame struct {
	Parent          *Cell
	Environment     *Cell
	CatchTable      *Cell // catch-table top at entry
	Caller          Value // the function being executed
	Generator       *Cell // owning generator, nil outside generator frames
	StackSize       int   // operand-stack size at entry
	Self            Value
	OriginAddress   int
	ReturnAddress   int
	HaltAfterReturn bool
	DiscardReturn   bool // constructor frames leave the instance on the stack

	LocalCount int
	inline     [FrameInlineLocals]Value
	heap       []Value
}

// Locals returns the frame's local-variable storage.
func (f *Frame) Locals() []Value {
	if f.LocalCount <= FrameInlineLocals {
		return f.inline[:f.LocalCount]
	}
	return f.heap
}

// CatchTable describes where to resume after a throw and how much operand
// stack to restore.
type CatchTable struct {
	Address   int
	StackSize int
	Frame     *Cell
	Parent    *Cell
}

// CPointer wraps an opaque host resource with an optional destructor that
// runs when the collector reclaims the cell.
type CPointer struct {
	Data       any
	Destructor func(any)
}

// ---------------------------------------------------------------------------
// Allocation helpers
// ---------------------------------------------------------------------------

// createObject allocates an object of the given class with an empty
// container sized for capacity members.
func (vm *VM) createObject(klass Value, capacity int) Value {
	c := vm.heap.allocate(vm, CellObject)
	*c.Object() = Object{
		Klass:     klass,
		Container: make(map[Value]Value, capacity),
	}
	return FromCell(c)
}

// createArray allocates an array with the given capacity.
func (vm *VM) createArray(capacity int) Value {
	c := vm.heap.allocate(vm, CellArray)
	*c.Array() = Array{Data: make([]Value, 0, capacity)}
	return FromCell(c)
}

// createClass allocates an empty class with the given name symbol.
func (vm *VM) createClass(name Value) Value {
	c := vm.heap.allocate(vm, CellClass)
	*c.Class() = Class{
		Name:        name,
		Constructor: Null,
		Prototype:   Null,
		ParentClass: Null,
		Container:   make(map[Value]Value),
	}
	return FromCell(c)
}

// createFunction allocates an interpreted function closing over the current
// frame.
func (vm *VM) createFunction(name Value, bodyAddress int, argc, minimumArgc, lvarcount uint32, anonymous, needsArguments bool) Value {
	c := vm.heap.allocate(vm, CellFunction)
	*c.Function() = Function{
		Name:           name,
		ArgC:           argc,
		MinimumArgC:    minimumArgc,
		LVarCount:      lvarcount,
		Context:        vm.frames,
		BodyAddress:    bodyAddress,
		BoundSelf:      Null,
		Container:      make(map[Value]Value),
		Anonymous:      anonymous,
		NeedsArguments: needsArguments,
	}
	return FromCell(c)
}

// createCFunction allocates a host-function value.
func (vm *VM) createCFunction(name Value, fn HostFunction, argc uint32, policy ThreadPolicy) Value {
	c := vm.heap.allocate(vm, CellCFunction)
	*c.CFunction() = CFunction{
		Name:         name,
		Function:     fn,
		ArgC:         argc,
		ThreadPolicy: policy,
		PushReturn:   true,
		Container:    make(map[Value]Value),
	}
	return FromCell(c)
}

// createGenerator allocates a generator around its boot function.
func (vm *VM) createGenerator(name Value, resumeAddress int, boot *Cell) Value {
	c := vm.heap.allocate(vm, CellGenerator)
	*c.Generator() = Generator{
		Name:          name,
		ResumeAddress: resumeAddress,
		BootFunction:  boot,
		BoundSelf:     Null,
	}
	return FromCell(c)
}

// createCPointer wraps a host resource.
func (vm *VM) createCPointer(data any, destructor func(any)) Value {
	c := vm.heap.allocate(vm, CellCPointer)
	*c.CPointer() = CPointer{Data: data, Destructor: destructor}
	return FromCell(c)
}
