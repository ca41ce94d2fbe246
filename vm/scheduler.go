package vm

import (
	"sort"
	"time"
)

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// VMTask is a scheduler work-item: resume a paused fiber with a value, or
// invoke a callback on a fresh fiber. Worker-thread failures travel as
// callback tasks with a throw payload.
type VMTask struct {
	IsThread bool

	// Fiber resume
	ThreadID uint64
	Argument Value

	// Callback invocation
	Callback  Value
	Arguments []Value

	// Throw payload delivered inside the callback's activation
	Throw        bool
	ThrowPayload Value
}

// threadTask builds a task resuming fiber uid with argument.
func threadTask(uid uint64, argument Value) VMTask {
	return VMTask{IsThread: true, ThreadID: uid, Argument: argument}
}

// callbackTask builds a task invoking a callback with arguments.
func callbackTask(callback Value, arguments []Value) VMTask {
	return VMTask{Callback: callback, Arguments: arguments}
}

// throwTask builds a task that throws payload inside callback's activation.
func throwTask(callback Value, payload Value) VMTask {
	return VMTask{Callback: callback, Throw: true, ThrowPayload: payload}
}

// VMFiber is a paused cooperative execution context: operand stack, frame
// and catch chains, and the address to resume at.
type VMFiber struct {
	UID           uint64
	Stack         []Value
	Frame         *Cell
	CatchStack    *Cell
	ResumeAddress int

	// Preempted fibers resume mid-instruction-stream; no value is pushed.
	NoResumeValue bool
}

// timerEntry is a pending timer or ticker.
type timerEntry struct {
	id       uint64
	deadline time.Time
	interval time.Duration
	ticker   bool
	task     VMTask
}

// ---------------------------------------------------------------------------
// Task queue
// ---------------------------------------------------------------------------

// enqueueTask appends a task and wakes the scheduler. Tasks dispatch in
// enqueue order.
//
// Nothing may allocate while taskMu is held: the collector walks the queue
// under the heap lock, and an allocation here would close a lock cycle.
func (vm *VM) enqueueTask(task VMTask) {
	vm.taskMu.Lock()
	vm.taskQueue = append(vm.taskQueue, task)
	vm.taskMu.Unlock()
	select {
	case vm.wake <- struct{}{}:
	default:
	}
}

// tasksPending reports whether a task is waiting.
func (vm *VM) tasksPending() bool {
	vm.taskMu.Lock()
	defer vm.taskMu.Unlock()
	return len(vm.taskQueue) > 0
}

// drainDueTimers moves every due timer into the task queue, earliest
// deadline first, and re-arms tickers. Returns the earliest remaining
// deadline, if any.
func (vm *VM) drainDueTimers(now time.Time) (time.Time, bool) {
	vm.taskMu.Lock()
	defer vm.taskMu.Unlock()

	var due []*timerEntry
	for _, t := range vm.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		vm.taskQueue = append(vm.taskQueue, t.task)
		if t.ticker {
			t.deadline = now.Add(t.interval)
		} else {
			delete(vm.timers, t.id)
		}
	}

	var earliest time.Time
	found := false
	for _, t := range vm.timers {
		if !found || t.deadline.Before(earliest) {
			earliest = t.deadline
			found = true
		}
	}
	return earliest, found
}

// popTask returns the next runnable task. With an empty queue it blocks
// until a timer fires, a worker or fiber enqueues, or nothing can ever
// arrive again, in which case ok is false and the runtime is done.
func (vm *VM) popTask() (VMTask, bool) {
	for vm.running {
		deadline, hasDeadline := vm.drainDueTimers(time.Now())

		vm.taskMu.Lock()
		if len(vm.taskQueue) > 0 {
			task := vm.taskQueue[0]
			vm.taskQueue = vm.taskQueue[1:]
			vm.taskMu.Unlock()
			return task, true
		}
		vm.taskMu.Unlock()

		if !hasDeadline && !vm.workersActive() {
			return VMTask{}, false
		}

		if hasDeadline {
			wait := time.Until(deadline)
			if wait < 0 {
				continue
			}
			timer := time.NewTimer(wait)
			select {
			case <-vm.wake:
				timer.Stop()
			case <-timer.C:
			}
		} else {
			<-vm.wake
		}
	}
	return VMTask{}, false
}

// ---------------------------------------------------------------------------
// Timers & tickers
// ---------------------------------------------------------------------------

// RegisterTimer schedules task to fire once after delay and returns its id.
func (vm *VM) RegisterTimer(delay time.Duration, task VMTask) uint64 {
	vm.taskMu.Lock()
	vm.nextTimerID++
	id := vm.nextTimerID
	vm.timers[id] = &timerEntry{
		id:       id,
		deadline: time.Now().Add(delay),
		task:     task,
	}
	vm.taskMu.Unlock()
	select {
	case vm.wake <- struct{}{}:
	default:
	}
	return id
}

// RegisterTicker schedules task to fire every interval and returns its id.
func (vm *VM) RegisterTicker(interval time.Duration, task VMTask) uint64 {
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	vm.taskMu.Lock()
	vm.nextTimerID++
	id := vm.nextTimerID
	vm.timers[id] = &timerEntry{
		id:       id,
		deadline: time.Now().Add(interval),
		interval: interval,
		ticker:   true,
		task:     task,
	}
	vm.taskMu.Unlock()
	select {
	case vm.wake <- struct{}{}:
	default:
	}
	return id
}

// ClearTimer cancels a pending timer. A fiber whose resume hung off the
// timer stays paused forever and is reclaimed once nothing else roots it.
func (vm *VM) ClearTimer(id uint64) {
	vm.taskMu.Lock()
	if t, ok := vm.timers[id]; ok && !t.ticker {
		delete(vm.timers, id)
	}
	vm.taskMu.Unlock()
}

// ClearTicker cancels a ticker.
func (vm *VM) ClearTicker(id uint64) {
	vm.taskMu.Lock()
	if t, ok := vm.timers[id]; ok && t.ticker {
		delete(vm.timers, id)
	}
	vm.taskMu.Unlock()
}

// ---------------------------------------------------------------------------
// Fibers
// ---------------------------------------------------------------------------

// ThreadUID returns the uid of the running fiber.
func (vm *VM) ThreadUID() uint64 { return vm.uid }

// suspendCurrentFiber parks the running fiber in the paused table. The
// interpreter halts; the scheduler takes over.
func (vm *VM) suspendCurrentFiber() *VMFiber {
	fib := &VMFiber{
		UID:           vm.uid,
		Stack:         append([]Value(nil), vm.stack...),
		Frame:         vm.frames,
		CatchStack:    vm.catchstack,
		ResumeAddress: vm.ip,
	}
	vm.taskMu.Lock()
	vm.pausedFibers[fib.UID] = fib
	vm.taskMu.Unlock()

	vm.stack = vm.stack[:0]
	vm.frames = nil
	vm.catchstack = nil
	vm.frameDepth = 0
	vm.halted = true
	return fib
}

// preemptCurrentFiber suspends the running fiber and requeues it behind
// whatever is already waiting. The fiber resumes exactly where it left off,
// with no resume value injected.
func (vm *VM) preemptCurrentFiber() {
	uid := vm.uid
	fib := vm.suspendCurrentFiber()
	fib.NoResumeValue = true
	vm.enqueueTask(threadTask(uid, Null))
}

// ResumeThread enqueues a task restoring fiber uid with value pushed as the
// result of its suspension point.
func (vm *VM) ResumeThread(uid uint64, value Value) {
	vm.enqueueTask(threadTask(uid, value))
}

// SuspendThread is the host-facing suspension request. The actual snapshot
// happens once the current host call unwinds back into the interpreter.
func (vm *VM) SuspendThread() {
	vm.pendingSuspend = true
}

// ---------------------------------------------------------------------------
// Scheduler loop
// ---------------------------------------------------------------------------

// Start enqueues the entry function as the first fiber and runs the
// scheduler loop to completion, returning the exit status.
func (vm *VM) Start(entry Value, args ...Value) uint8 {
	vm.enqueueTask(callbackTask(entry, args))
	return vm.run()
}

// StartModule registers a block and runs it under the scheduler.
func (vm *VM) StartModule(block *InstructionBlock) uint8 {
	return vm.Start(vm.RegisterModule(block))
}

// run picks runnable tasks until the queue drains with no timers or
// workers outstanding, or until an exit request stops the loop.
func (vm *VM) run() uint8 {
	vm.running = true
	for vm.running {
		task, ok := vm.popTask()
		if !ok {
			break
		}
		vm.executeTask(task)
	}
	vm.running = false
	return vm.statusCode
}

// Exit stops the scheduler with the given status code.
func (vm *VM) Exit(status uint8) {
	vm.statusCode = status
	vm.running = false
	vm.halted = true
	vm.taskMu.Lock()
	vm.taskQueue = nil
	vm.taskMu.Unlock()
	select {
	case vm.wake <- struct{}{}:
	default:
	}
}

// executeTask installs a task as the running fiber and interprets until it
// returns control.
func (vm *VM) executeTask(task VMTask) {
	vm.inUncaughtHandler = false
	vm.halted = false

	if task.IsThread {
		vm.taskMu.Lock()
		fib, ok := vm.pausedFibers[task.ThreadID]
		if ok {
			delete(vm.pausedFibers, task.ThreadID)
		}
		vm.taskMu.Unlock()
		if !ok {
			// Cancelled or already resumed; nothing to run.
			return
		}
		vm.uid = fib.UID
		vm.stack = append(vm.stack[:0], fib.Stack...)
		vm.frames = fib.Frame
		vm.catchstack = fib.CatchStack
		vm.frameDepth = frameChainDepth(vm.frames)
		vm.ip = fib.ResumeAddress
		if !fib.NoResumeValue {
			vm.push(task.Argument)
		}
		vm.runInterpreter()
		return
	}

	// Callback task: fresh fiber with a halt-after-return entry frame.
	vm.nextFiberID++
	vm.uid = vm.nextFiberID
	vm.stack = vm.stack[:0]
	vm.frames = nil
	vm.catchstack = nil
	vm.frameDepth = 0

	for _, a := range task.Arguments {
		vm.push(a)
	}
	vm.push(task.Callback)
	vm.call(uint32(len(task.Arguments)), true)

	if task.Throw {
		// Worker-thread failure: the payload throws inside the freshly
		// created activation, reaching its handlers or the uncaught hook.
		vm.unwindCatchStack(task.ThrowPayload)
	}
	if !vm.halted {
		vm.runInterpreter()
	}
}
