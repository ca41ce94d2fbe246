package vm

// ---------------------------------------------------------------------------
// Mark & sweep collector
// ---------------------------------------------------------------------------

// collect runs a stop-the-world precise mark-and-sweep cycle. The caller
// holds the heap mutex; every other allocation site blocks on it for the
// duration, which is what makes marking safe against worker threads.
func (h *Heap) collect(vm *VM) {
	h.collections++
	freedBefore := h.freeCount

	h.markRoots(vm)
	h.sweep()

	h.logger.Debugf("cycle %d reclaimed %d cells (%d free of %d)",
		h.collections, h.freeCount-freedBefore, h.freeCount, h.cellCount)
}

// Collect triggers a collection cycle on explicit request.
func (vm *VM) Collect() {
	vm.heap.mu.Lock()
	defer vm.heap.mu.Unlock()
	vm.heap.collect(vm)
}

// markRoots enumerates every root the specification names: the running
// fiber's operand stack and frame/catch chains, the task queue, timers and
// tickers, paused fibers, worker inboxes, the interpreter's primitives,
// globals and handlers, and the persistent-temporary set.
func (h *Heap) markRoots(vm *VM) {
	// Running fiber
	for _, v := range vm.stack {
		h.markValue(v)
	}
	for _, v := range vm.scratch {
		h.markValue(v)
	}
	h.markCell(vm.frames)
	h.markCell(vm.catchstack)

	// Scheduler state. The collector is the one place that acquires the
	// task-queue and worker-table locks while holding the heap lock,
	// inverting the mutator order (task queue ≺ worker table ≺ heap).
	// This cannot cycle because no critical section under taskMu or
	// workerMu ever allocates: the heap lock is never requested while
	// either is held. See the lock-ordering note in DESIGN.md.
	vm.taskMu.Lock()
	for i := range vm.taskQueue {
		h.markTask(&vm.taskQueue[i])
	}
	for _, t := range vm.timers {
		h.markTask(&t.task)
	}
	for _, fib := range vm.pausedFibers {
		for _, v := range fib.Stack {
			h.markValue(v)
		}
		h.markCell(fib.Frame)
		h.markCell(fib.CatchStack)
	}
	vm.taskMu.Unlock()

	vm.workerMu.Lock()
	for _, w := range vm.workerThreads {
		h.markCell(w.CFunc)
		for _, v := range w.Arguments {
			h.markValue(v)
		}
		h.markValue(w.Callback)
	}
	vm.workerMu.Unlock()

	// Interpreter globals and primitives
	h.markValue(vm.globals)
	h.markValue(vm.internalErrorClass)
	h.markValue(vm.uncaughtExceptionHandler)
	for _, p := range vm.primitiveClasses() {
		h.markValue(p)
	}
	for _, fn := range vm.internals {
		h.markValue(fn)
	}

	for v := range h.temporaries {
		h.markValue(v)
	}
}

// markTask marks the values a scheduler task keeps alive.
func (h *Heap) markTask(t *VMTask) {
	if t.IsThread {
		h.markValue(t.Argument)
		return
	}
	h.markValue(t.Callback)
	for _, a := range t.Arguments {
		h.markValue(a)
	}
	h.markValue(t.ThrowPayload)
}

// markValue marks the cell behind a pointer value, if any.
func (h *Heap) markValue(v Value) {
	if v.IsPointer() {
		h.markCell(v.Cell())
	}
}

// markCell marks a cell and recurses into its contained references.
func (h *Heap) markCell(c *Cell) {
	if c == nil || c.mark || c.ctype == CellDead {
		return
	}
	c.mark = true

	switch c.ctype {
	case CellObject:
		o := c.Object()
		h.markValue(o.Klass)
		for k, v := range o.Container {
			h.markValue(k)
			h.markValue(v)
		}

	case CellArray:
		for _, v := range c.Array().Data {
			h.markValue(v)
		}

	case CellString, CellCPointer:
		// No contained references.

	case CellClass:
		k := c.Class()
		h.markValue(k.Name)
		h.markValue(k.Constructor)
		for _, p := range k.MemberProperties {
			h.markValue(p)
		}
		h.markValue(k.Prototype)
		h.markValue(k.ParentClass)
		for mk, mv := range k.Container {
			h.markValue(mk)
			h.markValue(mv)
		}

	case CellFunction:
		f := c.Function()
		h.markValue(f.Name)
		h.markCell(f.Context)
		h.markValue(f.BoundSelf)
		h.markCell(f.HostClass)
		for mk, mv := range f.Container {
			h.markValue(mk)
			h.markValue(mv)
		}

	case CellCFunction:
		cf := c.CFunction()
		h.markValue(cf.Name)
		for mk, mv := range cf.Container {
			h.markValue(mk)
			h.markValue(mv)
		}

	case CellGenerator:
		g := c.Generator()
		h.markValue(g.Name)
		h.markCell(g.Frame)
		h.markCell(g.CatchTable)
		for _, v := range g.Stack {
			h.markValue(v)
		}
		h.markCell(g.BootFunction)
		h.markValue(g.BoundSelf)

	case CellFrame:
		f := c.Frame()
		h.markCell(f.Parent)
		h.markCell(f.Environment)
		h.markCell(f.CatchTable)
		h.markValue(f.Caller)
		h.markCell(f.Generator)
		h.markValue(f.Self)
		for _, v := range f.Locals() {
			h.markValue(v)
		}

	case CellCatchTable:
		t := c.CatchTable()
		h.markCell(t.Frame)
		h.markCell(t.Parent)
	}
}

// sweep visits every cell of every arena. Marked cells survive with the
// mark cleared; unmarked live cells are finalized, zeroed and pushed back
// onto the free-list.
func (h *Heap) sweep() {
	for _, arena := range h.arenas {
		for i := range arena {
			c := &arena[i]
			if c.mark {
				c.mark = false
				continue
			}
			if c.ctype == CellDead {
				continue
			}
			h.finalize(c)
			*c = Cell{ctype: CellDead, nextFree: h.free}
			h.free = c
			h.freeCount++
		}
	}
}

// finalize runs the type-specific destructor before a cell is reclaimed.
// Containers and buffers are dropped for the host allocator to reclaim;
// cpointers run their registered destructor.
func (h *Heap) finalize(c *Cell) {
	switch c.ctype {
	case CellObject:
		c.Object().Container = nil
	case CellArray:
		c.Array().Data = nil
	case CellString:
		c.String().lbuf = nil
	case CellClass:
		c.Class().Container = nil
		c.Class().MemberProperties = nil
	case CellFunction:
		c.Function().Container = nil
	case CellCFunction:
		c.CFunction().Container = nil
		c.CFunction().Function = nil
	case CellGenerator:
		c.Generator().Stack = nil
	case CellFrame:
		c.Frame().heap = nil
	case CellCPointer:
		p := c.CPointer()
		if p.Destructor != nil {
			p.Destructor(p.Data)
		}
		p.Data = nil
		p.Destructor = nil
	}
}
