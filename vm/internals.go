package vm

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Host-function registry
// ---------------------------------------------------------------------------
//
// Internals are the host functions the runtime exposes to compiled code.
// Each registration creates a CFunction value, files it under an index the
// PutCFunction opcode can reference, and installs it as a global so scripts
// reach it by name. A host function receives the VM plus at most twenty
// arguments; surplus arguments beyond the declared arity are dropped by the
// caller. Failure is reported through the VM's throw entry point.

// RegisterInternal files a host function and returns its registry index.
func (vm *VM) RegisterInternal(name string, argc uint32, policy ThreadPolicy, pushReturn bool, fn HostFunction) uint32 {
	if argc > MaxCFunctionArgs {
		argc = MaxCFunctionArgs
	}
	sym := vm.Intern(name)
	value := vm.createCFunction(sym, fn, argc, policy)
	value.Cell().CFunction().PushReturn = pushReturn

	if vm.internalNames == nil {
		vm.internalNames = make(map[string]uint32)
	}
	index := uint32(len(vm.internals))
	vm.internals = append(vm.internals, value)
	vm.internalNames[name] = index
	vm.globals.Cell().Object().Container[sym] = value
	return index
}

// InternalIndex returns the PutCFunction index for a registered internal.
func (vm *VM) InternalIndex(name string) (uint32, bool) {
	index, ok := vm.internalNames[name]
	return index, ok
}

// Internal returns a registered internal's function value.
func (vm *VM) Internal(name string) (Value, bool) {
	index, ok := vm.internalNames[name]
	if !ok {
		return Null, false
	}
	return vm.internals[index], true
}

// ---------------------------------------------------------------------------
// Seed internals
// ---------------------------------------------------------------------------

// registerDefaultInternals installs the host functions the runtime itself
// provides: console output, scheduler control, timers and the worker-backed
// sleep.
func (vm *VM) registerDefaultInternals() {
	vm.RegisterInternal("print", MaxCFunctionArgs, PolicyBoth, true, func(vm *VM, args []Value) Value {
		for i, a := range args {
			if i > 0 {
				fmt.Fprint(vm.out, " ")
			}
			fmt.Fprint(vm.out, vm.formatValue(a))
		}
		fmt.Fprintln(vm.out)
		return Null
	})

	vm.RegisterInternal("write", MaxCFunctionArgs, PolicyBoth, true, func(vm *VM, args []Value) Value {
		for _, a := range args {
			fmt.Fprint(vm.out, vm.formatValue(a))
		}
		return Null
	})

	vm.RegisterInternal("to_s", 1, PolicyBoth, true, func(vm *VM, args []Value) Value {
		if len(args) == 0 {
			return vm.CreateString("null")
		}
		return vm.CreateString(vm.formatValue(args[0]))
	})

	vm.RegisterInternal("exit", 1, PolicyMain, false, func(vm *VM, args []Value) Value {
		status := uint8(0)
		if len(args) > 0 {
			status = uint8(args[0].ToInt64())
		}
		vm.Exit(status)
		return Null
	})

	vm.RegisterInternal("gc_collect", 0, PolicyMain, true, func(vm *VM, args []Value) Value {
		vm.Collect()
		return Null
	})

	// sleep blocks a worker thread for its argument in milliseconds and
	// resolves to the slept duration.
	vm.RegisterInternal("sleep", 2, PolicyWorker, true, func(vm *VM, args []Value) Value {
		ms := int64(0)
		if len(args) > 0 {
			ms = args[0].ToInt64()
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return FromNumber(ms)
	})

	// spawn enqueues a callback as a new fiber: spawn(fn, args...)
	vm.RegisterInternal("spawn", MaxCFunctionArgs, PolicyMain, true, func(vm *VM, args []Value) Value {
		if len(args) == 0 || !args[0].IsCallable() {
			vm.ThrowString("spawn requires a callable")
			return Null
		}
		vm.enqueueTask(callbackTask(args[0], append([]Value(nil), args[1:]...)))
		return Null
	})

	// yield parks the running fiber and requeues it behind waiting tasks.
	// Resolves to null once the fiber is resumed.
	vm.RegisterInternal("yield", 0, PolicyMain, false, func(vm *VM, args []Value) Value {
		vm.ResumeThread(vm.uid, Null)
		vm.SuspendThread()
		return Null
	})

	vm.RegisterInternal("get_thread_uid", 0, PolicyMain, true, func(vm *VM, args []Value) Value {
		return FromNumber(int64(vm.uid))
	})

	// suspend_thread parks the fiber until a matching resume_thread.
	vm.RegisterInternal("suspend_thread", 0, PolicyMain, false, func(vm *VM, args []Value) Value {
		vm.SuspendThread()
		return Null
	})

	vm.RegisterInternal("resume_thread", 2, PolicyMain, true, func(vm *VM, args []Value) Value {
		if len(args) == 0 {
			vm.ThrowString("resume_thread requires a thread uid")
			return Null
		}
		value := Null
		if len(args) > 1 {
			value = args[1]
		}
		vm.ResumeThread(uint64(args[0].ToInt64()), value)
		return Null
	})

	// timer(fn, ms, args...) fires fn once after ms milliseconds.
	vm.RegisterInternal("timer", MaxCFunctionArgs, PolicyMain, true, func(vm *VM, args []Value) Value {
		if len(args) < 2 || !args[0].IsCallable() {
			vm.ThrowString("timer requires a callable and a delay")
			return Null
		}
		delay := time.Duration(args[1].ToInt64()) * time.Millisecond
		id := vm.RegisterTimer(delay, callbackTask(args[0], append([]Value(nil), args[2:]...)))
		return FromNumber(int64(id))
	})

	// ticker(fn, ms, args...) fires fn every ms milliseconds.
	vm.RegisterInternal("ticker", MaxCFunctionArgs, PolicyMain, true, func(vm *VM, args []Value) Value {
		if len(args) < 2 || !args[0].IsCallable() {
			vm.ThrowString("ticker requires a callable and an interval")
			return Null
		}
		interval := time.Duration(args[1].ToInt64()) * time.Millisecond
		id := vm.RegisterTicker(interval, callbackTask(args[0], append([]Value(nil), args[2:]...)))
		return FromNumber(int64(id))
	})

	vm.RegisterInternal("clear_timer", 1, PolicyMain, true, func(vm *VM, args []Value) Value {
		if len(args) > 0 {
			vm.ClearTimer(uint64(args[0].ToInt64()))
		}
		return Null
	})

	vm.RegisterInternal("clear_ticker", 1, PolicyMain, true, func(vm *VM, args []Value) Value {
		if len(args) > 0 {
			vm.ClearTicker(uint64(args[0].ToInt64()))
		}
		return Null
	})
}
