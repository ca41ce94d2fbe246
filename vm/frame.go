package vm

// ---------------------------------------------------------------------------
// Frame stack
// ---------------------------------------------------------------------------

// createFrame pushes a fresh activation record for function. The dynamic
// parent is the current frame; the lexical parent is the function's captured
// environment. Functions with at most FrameInlineLocals locals keep their
// environment inline in the cell.
func (vm *VM) createFrame(self Value, function *Cell, returnAddress int, haltAfterReturn bool) *Cell {
	fn := function.Function()

	c := vm.heap.allocate(vm, CellFrame)
	f := c.Frame()
	*f = Frame{
		Parent:          vm.frames,
		Environment:     fn.Context,
		CatchTable:      vm.catchstack,
		Caller:          FromCell(function),
		StackSize:       len(vm.stack),
		Self:            self,
		OriginAddress:   fn.BodyAddress,
		ReturnAddress:   returnAddress,
		HaltAfterReturn: haltAfterReturn,
		LocalCount:      int(fn.LVarCount),
	}
	if f.LocalCount > FrameInlineLocals {
		f.heap = make([]Value, f.LocalCount)
	}
	for i := range f.Locals() {
		f.Locals()[i] = Null
	}

	vm.frames = c
	return c
}

// popFrame removes the top frame. Catch-tables owned by the popped frame
// are popped with it.
func (vm *VM) popFrame() *Cell {
	c := vm.frames
	if c == nil {
		vm.fatal("frame stack underflow")
	}
	f := c.Frame()
	for vm.catchstack != nil && vm.catchstack.CatchTable().Frame == c {
		vm.catchstack = vm.catchstack.CatchTable().Parent
	}
	vm.frames = f.Parent
	return c
}

// environmentFrame walks the lexical chain level steps from the current
// frame. Overflowing the chain is a fatal runtime fault.
func (vm *VM) environmentFrame(level uint32) *Frame {
	c := vm.frames
	for i := uint32(0); i < level; i++ {
		if c == nil {
			break
		}
		c = c.Frame().Environment
	}
	if c == nil {
		vm.fatal("lexical level overflows environment chain")
	}
	return c.Frame()
}

// readLocal reads slot index after walking level lexical parents.
func (vm *VM) readLocal(index, level uint32) Value {
	f := vm.environmentFrame(level)
	locals := f.Locals()
	if int(index) >= len(locals) {
		vm.fatal("local index out of range")
	}
	return locals[index]
}

// writeLocal writes slot index after walking level lexical parents.
func (vm *VM) writeLocal(index, level uint32, v Value) {
	f := vm.environmentFrame(level)
	locals := f.Locals()
	if int(index) >= len(locals) {
		vm.fatal("local index out of range")
	}
	locals[index] = v
}

// ---------------------------------------------------------------------------
// Catch-table stack
// ---------------------------------------------------------------------------

// createCatchTable pushes a handler resuming at address. It records the
// operand-stack size so the unwinder can restore it.
func (vm *VM) createCatchTable(address int) *Cell {
	c := vm.heap.allocate(vm, CellCatchTable)
	*c.CatchTable() = CatchTable{
		Address:   address,
		StackSize: len(vm.stack),
		Frame:     vm.frames,
		Parent:    vm.catchstack,
	}
	vm.catchstack = c
	return c
}

// popCatchTable removes the top handler. An unbalanced pop is a fatal
// fault: pushes and pops are emitted pairwise by the compiler.
func (vm *VM) popCatchTable() *Cell {
	c := vm.catchstack
	if c == nil {
		vm.fatal("catch-table stack underflow")
	}
	vm.catchstack = c.CatchTable().Parent
	return c
}

// unwindCatchStack handles a thrown payload: it finds the innermost
// catch-table owned by the current frame or a dynamic ancestor, pops frames
// down to that owner, restores the recorded operand-stack size, pushes the
// payload and jumps to the handler. With no handler installed the payload
// goes to the uncaught-exception handler.
func (vm *VM) unwindCatchStack(payload Value) {
	table := vm.catchstack
	if table == nil {
		vm.handleUncaughtException(payload)
		return
	}
	t := table.CatchTable()
	vm.catchstack = t.Parent

	for vm.frames != nil && vm.frames != t.Frame {
		vm.frames = vm.frames.Frame().Parent
	}
	if vm.frames == nil {
		vm.fatal("catch-table owner missing from frame chain")
	}

	if t.StackSize > len(vm.stack) {
		vm.fatal("catch-table records larger stack than present")
	}
	vm.stack = vm.stack[:t.StackSize]
	vm.push(payload)
	vm.ip = t.Address
	vm.frameDepth = frameChainDepth(vm.frames)
}
