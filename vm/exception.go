package vm

import "fmt"

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------
//
// Interpreted exceptions are arbitrary thrown values. Internal runtime
// errors are instances of a well-known class raised by the runtime itself;
// both propagate through the catch-table chain. Fatal faults bypass it and
// terminate the process.

// bootstrapInternalErrorClass creates the class the runtime wraps its own
// errors in.
func (vm *VM) bootstrapInternalErrorClass() {
	name := vm.Intern("InternalError")
	class := vm.createClass(name)
	class.Cell().Class().MemberProperties = []Value{vm.symMessage}
	vm.internalErrorClass = class
	vm.globals.Cell().Object().Container[name] = class
}

// createInternalError builds an instance of the internal error class
// carrying a message member.
func (vm *VM) createInternalError(message string) Value {
	obj := vm.createObject(vm.internalErrorClass, 1)
	vm.heap.RegisterTemporary(obj)
	defer vm.heap.ReleaseTemporary(obj)
	obj.Cell().Object().Container[vm.symMessage] = vm.CreateString(message)
	return obj
}

// throwInternalError raises a runtime error through the normal unwinding
// machinery. Only safe on the interpreter's own goroutine.
func (vm *VM) throwInternalError(message string) {
	vm.unwindCatchStack(vm.createInternalError(message))
}

// Throw is the entry point host functions use to report failure. The
// pending payload unwinds after the host function returns; on a worker
// goroutine the payload travels back to the main thread as a task instead.
func (vm *VM) Throw(payload Value) {
	if vm.onWorkerGoroutine() {
		panic(workerThrow{payload})
	}
	vm.pendingThrow = true
	vm.throwPayload = payload
}

// ThrowString wraps a message into an internal error and throws it.
func (vm *VM) ThrowString(message string) {
	vm.Throw(vm.createInternalError(message))
}

// handleUncaughtException runs when a payload escapes every catch-table.
// The registered handler gets the payload; a handler that itself throws
// terminates the fiber with an error status.
func (vm *VM) handleUncaughtException(payload Value) {
	if vm.inUncaughtHandler || !vm.uncaughtExceptionHandler.IsCallable() {
		fmt.Fprintf(vm.errOut, "uncaught exception: %s\n", vm.formatValue(payload))
		vm.terminateFiber(1)
		return
	}

	vm.inUncaughtHandler = true
	vm.stack = vm.stack[:0]
	vm.frames = nil
	vm.catchstack = nil
	vm.frameDepth = 0
	vm.push(payload)
	vm.push(vm.uncaughtExceptionHandler)
	vm.call(1, true)
}

// terminateFiber abandons the running fiber with the given status.
func (vm *VM) terminateFiber(status uint8) {
	vm.stack = vm.stack[:0]
	vm.frames = nil
	vm.catchstack = nil
	vm.frameDepth = 0
	vm.statusCode = status
	vm.halted = true
}
