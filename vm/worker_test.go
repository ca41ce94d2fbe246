package vm

import (
	"testing"
	"time"
)

func TestWorkerOffloadRunsOtherTasksDuringWait(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	otherL := b.NewLabel()
	cbL := b.NewLabel()
	symEvents := vm.Intern("events")
	symPush := vm.Intern("push")

	// events = []; events.push("start")
	b.WritePutArray(0)
	b.WriteSetGlobal(symEvents)
	b.WriteReadGlobal(symEvents)
	b.WritePutString("start")
	b.WriteCallMember(symPush, 1)
	b.WriteSimple(OpPop)

	// spawn(other)
	b.WritePutFunction(vm.Intern("other"), otherL, 0, 0, 0, 0)
	b.WriteReadGlobal(vm.Intern("spawn"))
	b.WriteCall(1)
	b.WriteSimple(OpPop)

	// sleep(60, done) -- worker-only, so the call offloads
	b.WritePutValue(FromInt(60))
	b.WritePutFunction(vm.Intern("done"), cbL, 0, 1, 0, 1)
	b.WriteReadGlobal(vm.Intern("sleep"))
	b.WriteCall(2)
	b.WriteSimple(OpPop)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	// other: events.push("other")
	b.Mark(otherL)
	b.WriteReadGlobal(symEvents)
	b.WritePutString("other")
	b.WriteCallMember(symPush, 1)
	b.WriteSimple(OpPop)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	// done(result): events.push(result)
	b.Mark(cbL)
	b.WriteReadGlobal(symEvents)
	b.WriteReadLocal(0, 0)
	b.WriteCallMember(symPush, 1)
	b.WriteSimple(OpPop)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	started := time.Now()
	if status := vm.StartModule(b); status != 0 {
		t.Fatalf("status = %d", status)
	}
	if time.Since(started) < 50*time.Millisecond {
		t.Fatalf("scheduler returned before the worker could have slept")
	}

	events := sharedArray(vm, "events")
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if got := string(StringData(events[0])); got != "start" {
		t.Errorf("event 0 = %q, want start", got)
	}
	if got := string(StringData(events[1])); got != "other" {
		t.Errorf("event 1 = %q: another task must run during the blocking wait", got)
	}
	if !events[2].IsInt() || events[2].Int() != 60 {
		t.Errorf("event 2 = %v: continuation must receive the worker result", vm.formatValue(events[2]))
	}
	if vm.WorkerCount() != 0 {
		t.Errorf("worker record not torn down")
	}
}

func TestWorkerExceptionReachesMainThread(t *testing.T) {
	vm := NewVM(nil)
	vm.RegisterInternal("explode", 1, PolicyWorker, true, func(vm *VM, args []Value) Value {
		vm.ThrowString("worker exploded")
		return Null
	})

	var captured Value = Null
	vm.RegisterInternal("capture", 1, PolicyMain, true, func(vm *VM, args []Value) Value {
		if len(args) > 0 {
			captured = args[0]
		}
		return Null
	})
	handler, _ := vm.Internal("capture")
	vm.SetUncaughtExceptionHandler(handler)

	b := NewInstructionBlock()
	cbL := b.NewLabel()
	b.WritePutFunction(vm.Intern("cont"), cbL, 0, 1, 0, 1)
	b.WriteReadGlobal(vm.Intern("explode"))
	b.WriteCall(1)
	b.WriteSimple(OpPop)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)
	b.Mark(cbL)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	vm.StartModule(b)

	if !captured.IsObject() || captured.Cell().Object().Klass != vm.internalErrorClass {
		t.Fatalf("worker exception did not surface, got %v", vm.formatValue(captured))
	}
	msg := captured.Cell().Object().Container[vm.symMessage]
	if string(StringData(msg)) != "worker exploded" {
		t.Errorf("message = %q", vm.formatValue(msg))
	}
	if vm.WorkerCount() != 0 {
		t.Errorf("failed worker record not torn down")
	}
}

func TestWorkerArgumentsStayRooted(t *testing.T) {
	cfg := smallHeapConfig()
	vm := NewVM(cfg)

	vm.RegisterInternal("slow_echo", 2, PolicyWorker, true, func(vm *VM, args []Value) Value {
		time.Sleep(30 * time.Millisecond)
		return args[0]
	})

	b := NewInstructionBlock()
	cbL := b.NewLabel()
	symOut := vm.Intern("out")

	b.WritePutString("a payload string long enough to require a heap cell")
	b.WritePutFunction(vm.Intern("cont"), cbL, 0, 1, 0, 1)
	b.WriteReadGlobal(vm.Intern("slow_echo"))
	b.WriteCall(2)
	b.WriteSimple(OpPop)
	// Churn the heap so a collection happens while the worker holds the
	// string as its only reference.
	b.WriteReadGlobal(vm.Intern("gc_collect"))
	b.WriteCall(0)
	b.WriteSimple(OpPop)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	b.Mark(cbL)
	b.WriteReadLocal(0, 0)
	b.WriteSetGlobal(symOut)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	if status := vm.StartModule(b); status != 0 {
		t.Fatalf("status = %d", status)
	}
	out := vm.globals.Cell().Object().Container[symOut]
	if got := string(StringData(out)); got != "a payload string long enough to require a heap cell" {
		t.Errorf("worker argument corrupted across a collection: %q", got)
	}
}
