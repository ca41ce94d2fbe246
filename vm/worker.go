package vm

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Worker threads
// ---------------------------------------------------------------------------
//
// A worker executes a single blocking host function off the main thread and
// marshals its result (or failure) back into the scheduler as a task.
// Workers never interpret bytecode and touch the heap only through the
// allocator, whose mutex serializes them against the collector.

// WorkerThread records one in-flight offloaded host call. Records are keyed
// by a minted uuid, the stand-in for an OS thread id, and torn down when the
// call completes.
type WorkerThread struct {
	ID        uuid.UUID
	CFunc     *Cell
	Arguments []Value
	Callback  Value
	Started   time.Time
}

// workerThrow carries a payload thrown by host code on a worker goroutine.
type workerThrow struct {
	payload Value
}

// Nothing may allocate while workerMu is held: the collector walks the
// registry under the heap lock, and an allocation here would close a lock
// cycle. Worker bodies allocate freely; the registry critical sections do
// not.

// workersActive reports whether any worker is still running.
func (vm *VM) workersActive() bool {
	vm.workerMu.Lock()
	defer vm.workerMu.Unlock()
	return len(vm.workerThreads) > 0
}

// onWorkerGoroutine reports whether the calling goroutine belongs to a
// worker.
func (vm *VM) onWorkerGoroutine() bool {
	gid := getGoroutineID()
	vm.workerMu.Lock()
	defer vm.workerMu.Unlock()
	return vm.workerGoroutines[gid]
}

// WorkerCount returns the number of live workers.
func (vm *VM) WorkerCount() int {
	vm.workerMu.Lock()
	defer vm.workerMu.Unlock()
	return len(vm.workerThreads)
}

// startWorkerThread spawns a worker running cfunc with args, continuing
// into callback once the call returns.
func (vm *VM) startWorkerThread(cfunc *Cell, args []Value, callback Value) *WorkerThread {
	w := &WorkerThread{
		ID:        uuid.New(),
		CFunc:     cfunc,
		Arguments: append([]Value(nil), args...),
		Callback:  callback,
		Started:   time.Now(),
	}

	vm.workerMu.Lock()
	vm.workerThreads[w.ID] = w
	vm.workerMu.Unlock()

	go vm.runWorker(w)
	return w
}

// runWorker is the worker goroutine body.
func (vm *VM) runWorker(w *WorkerThread) {
	gid := getGoroutineID()
	vm.workerMu.Lock()
	vm.workerGoroutines[gid] = true
	vm.workerMu.Unlock()

	defer func() {
		vm.workerMu.Lock()
		delete(vm.workerGoroutines, gid)
		vm.workerMu.Unlock()

		if r := recover(); r != nil {
			if wt, ok := r.(workerThrow); ok {
				vm.handleWorkerThreadException(w, wt.payload)
				return
			}
			vm.handleWorkerThreadException(w, vm.createInternalError(fmt.Sprint(r)))
		}
	}()

	result := w.CFunc.CFunction().Function(vm, w.Arguments)
	vm.closeWorkerThread(w, result)
}

// closeWorkerThread marshals a worker result back as a callback task and
// tears the record down. The result is pinned until the queue roots it.
func (vm *VM) closeWorkerThread(w *WorkerThread, result Value) {
	vm.heap.RegisterTemporary(result)
	if w.Callback.IsCallable() {
		vm.enqueueTask(callbackTask(w.Callback, []Value{result}))
	}
	vm.heap.ReleaseTemporary(result)
	vm.removeWorker(w)
}

// handleWorkerThreadException converts a host failure on a worker into a
// task that throws inside the interpreted continuation on the main thread.
func (vm *VM) handleWorkerThreadException(w *WorkerThread, payload Value) {
	vm.heap.RegisterTemporary(payload)
	if w.Callback.IsCallable() {
		vm.enqueueTask(throwTask(w.Callback, payload))
	} else {
		vm.logger.Errorf("worker %s failed with no continuation: %s", w.ID, vm.formatValue(payload))
	}
	vm.heap.ReleaseTemporary(payload)
	vm.removeWorker(w)
}

// removeWorker drops the registry entry and wakes the scheduler so it can
// re-check whether anything remains to wait for.
func (vm *VM) removeWorker(w *WorkerThread) {
	vm.workerMu.Lock()
	delete(vm.workerThreads, w.ID)
	vm.workerMu.Unlock()
	select {
	case vm.wake <- struct{}{}:
	default:
	}
}
