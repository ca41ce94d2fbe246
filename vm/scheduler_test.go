package vm

import (
	"testing"
	"time"
)

// sharedArray fetches a global array's elements after a scheduler run.
func sharedArray(vm *VM, name string) []Value {
	v, ok := vm.globals.Cell().Object().Container[vm.Intern(name)]
	if !ok || !v.IsArray() {
		return nil
	}
	return v.Cell().Array().Data
}

func TestSchedulerFairness(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	b.LVarCount = 1
	fiberL := b.NewLabel()
	symResults := vm.Intern("results")
	symPush := vm.Intern("push")

	b.WritePutArray(0)
	b.WriteSetGlobal(symResults)
	b.WritePutFunction(vm.Intern("fiber"), fiberL, 0, 1, 0, 1)
	b.WriteSetLocal(0, 0)
	for id := int64(1); id <= 2; id++ {
		b.WriteReadLocal(0, 0)
		b.WritePutValue(FromInt(id))
		b.WriteReadGlobal(vm.Intern("spawn"))
		b.WriteCall(2)
		b.WriteSimple(OpPop)
	}
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	// fiber(id): three rounds of results.push(id); yield()
	b.Mark(fiberL)
	for i := 0; i < 3; i++ {
		b.WriteReadGlobal(symResults)
		b.WriteReadLocal(0, 0)
		b.WriteCallMember(symPush, 1)
		b.WriteSimple(OpPop)
		b.WriteReadGlobal(vm.Intern("yield"))
		b.WriteCall(0)
		b.WriteSimple(OpPop)
	}
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	if status := vm.StartModule(b); status != 0 {
		t.Fatalf("status = %d", status)
	}

	results := sharedArray(vm, "results")
	if len(results) != 6 {
		t.Fatalf("got %d entries, want 6", len(results))
	}
	want := []int64{1, 2, 1, 2, 1, 2}
	for i, w := range want {
		if results[i].Int() != w {
			t.Errorf("entry %d = %d, want %d (interleaving broken)", i, results[i].Int(), w)
		}
	}
}

func TestTaskQueueOrdering(t *testing.T) {
	vm := NewVM(nil)
	var order []int64
	vm.RegisterInternal("record", 1, PolicyMain, true, func(vm *VM, args []Value) Value {
		order = append(order, args[0].ToInt64())
		return Null
	})
	recorder, _ := vm.Internal("record")

	for i := int64(1); i <= 4; i++ {
		vm.enqueueTask(callbackTask(recorder, []Value{FromInt(i)}))
	}
	vm.run()

	if len(order) != 4 {
		t.Fatalf("ran %d tasks, want 4", len(order))
	}
	for i, got := range order {
		if got != int64(i+1) {
			t.Errorf("task %d ran as %d; enqueue order not preserved", i+1, got)
		}
	}
}

func TestTimersFireInDeadlineOrder(t *testing.T) {
	vm := NewVM(nil)
	var order []string
	mark := func(tag string) Value {
		vm.RegisterInternal("mark_"+tag, 0, PolicyMain, true, func(vm *VM, args []Value) Value {
			order = append(order, tag)
			return Null
		})
		v, _ := vm.Internal("mark_" + tag)
		return v
	}
	slow := mark("slow")
	fast := mark("fast")
	gone := mark("gone")

	vm.RegisterTimer(60*time.Millisecond, callbackTask(slow, nil))
	vm.RegisterTimer(10*time.Millisecond, callbackTask(fast, nil))
	cancelled := vm.RegisterTimer(30*time.Millisecond, callbackTask(gone, nil))
	vm.ClearTimer(cancelled)

	vm.run()

	if len(order) != 2 || order[0] != "fast" || order[1] != "slow" {
		t.Errorf("timer order = %v, want [fast slow]", order)
	}
}

func TestTickerReArmsUntilCleared(t *testing.T) {
	vm := NewVM(nil)
	fires := 0
	var id uint64
	vm.RegisterInternal("tick", 0, PolicyMain, true, func(vm *VM, args []Value) Value {
		fires++
		if fires == 3 {
			vm.ClearTicker(id)
		}
		return Null
	})
	tick, _ := vm.Internal("tick")
	id = vm.RegisterTicker(5*time.Millisecond, callbackTask(tick, nil))

	vm.run()

	if fires != 3 {
		t.Errorf("ticker fired %d times, want 3", fires)
	}
}

func TestSuspendAndTimerResume(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	resumerL := b.NewLabel()
	symUID := vm.Intern("myuid")
	symResult := vm.Intern("result")

	// myuid = get_thread_uid(); timer(resumer, 20); result = suspend_thread()
	b.WriteReadGlobal(vm.Intern("get_thread_uid"))
	b.WriteCall(0)
	b.WriteSetGlobal(symUID)
	b.WritePutFunction(vm.Intern("resumer"), resumerL, 0, 0, 0, 0)
	b.WritePutValue(FromInt(20))
	b.WriteReadGlobal(vm.Intern("timer"))
	b.WriteCall(2)
	b.WriteSimple(OpPop)
	b.WriteReadGlobal(vm.Intern("suspend_thread"))
	b.WriteCall(0)
	b.WriteSetGlobal(symResult)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	// resumer: resume_thread(myuid, 99)
	b.Mark(resumerL)
	b.WriteReadGlobal(symUID)
	b.WritePutValue(FromInt(99))
	b.WriteReadGlobal(vm.Intern("resume_thread"))
	b.WriteCall(2)
	b.WriteSimple(OpPop)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	if status := vm.StartModule(b); status != 0 {
		t.Fatalf("status = %d", status)
	}
	result, ok := vm.globals.Cell().Object().Container[symResult]
	if !ok || !result.IsInt() || result.Int() != 99 {
		t.Errorf("resume value = %v, want 99", vm.formatValue(result))
	}
}

func TestCancelledFiberStaysPaused(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()

	// The fiber suspends with nobody scheduled to resume it; the runtime
	// must drain and exit rather than hang.
	b.WriteReadGlobal(vm.Intern("suspend_thread"))
	b.WriteCall(0)
	b.WriteSimple(OpPop)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	done := make(chan uint8, 1)
	go func() { done <- vm.StartModule(b) }()
	select {
	case status := <-done:
		if status != 0 {
			t.Errorf("status = %d", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler hung on an abandoned fiber")
	}

	vm.taskMu.Lock()
	paused := len(vm.pausedFibers)
	vm.taskMu.Unlock()
	if paused != 1 {
		t.Errorf("paused fiber count = %d, want 1", paused)
	}
}

func TestExitStopsScheduler(t *testing.T) {
	vm := NewVM(nil)
	b := NewInstructionBlock()
	neverL := b.NewLabel()

	// exit(3) with a pending timer that must never fire
	b.WritePutFunction(vm.Intern("never"), neverL, 0, 0, 0, 0)
	b.WritePutValue(FromInt(1000))
	b.WriteReadGlobal(vm.Intern("timer"))
	b.WriteCall(2)
	b.WriteSimple(OpPop)
	b.WritePutValue(FromInt(3))
	b.WriteReadGlobal(vm.Intern("exit"))
	b.WriteCall(1)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)
	b.Mark(neverL)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	start := time.Now()
	status := vm.StartModule(b)
	if status != 3 {
		t.Errorf("status = %d, want 3", status)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("exit did not stop the scheduler promptly")
	}
}

func TestTimeSlicePreemption(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interpreter.TimeSliceInstructions = 50
	vm := NewVM(cfg)

	var firstDone bool
	var sawPreemption bool
	vm.RegisterInternal("spin_done", 0, PolicyMain, true, func(vm *VM, args []Value) Value {
		firstDone = true
		return Null
	})
	vm.RegisterInternal("quick", 0, PolicyMain, true, func(vm *VM, args []Value) Value {
		if !firstDone {
			sawPreemption = true
		}
		return Null
	})
	quick, _ := vm.Internal("quick")

	b := NewInstructionBlock()
	b.LVarCount = 1
	loop := b.NewLabel()
	done := b.NewLabel()

	// A long non-yielding loop; a quick task is queued behind it.
	b.WritePutValue(FromInt(0))
	b.WriteSetLocal(0, 0)
	b.Mark(loop)
	b.WriteReadLocal(0, 0)
	b.WritePutValue(FromInt(2000))
	b.WriteBranch(OpBranchGe, done)
	b.WriteReadLocal(0, 0)
	b.WritePutValue(FromInt(1))
	b.WriteSimple(OpAdd)
	b.WriteSetLocal(0, 0)
	b.WriteBranch(OpBranch, loop)
	b.Mark(done)
	b.WriteReadGlobal(vm.Intern("spin_done"))
	b.WriteCall(0)
	b.WriteSimple(OpPop)
	b.WritePutValue(Null)
	b.WriteSimple(OpReturn)

	entry := vm.RegisterModule(b)
	vm.enqueueTask(callbackTask(entry, nil))
	vm.enqueueTask(callbackTask(quick, nil))
	vm.run()

	if !firstDone {
		t.Fatalf("spinner never finished")
	}
	if !sawPreemption {
		t.Errorf("quick task should have run while the spinner was preempted")
	}
}
