package vm

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Pretty printing
// ---------------------------------------------------------------------------

// formatValue renders a value for diagnostics and the print internal. A
// visited stack guards against cyclic structures.
func (vm *VM) formatValue(v Value) string {
	var b strings.Builder
	vm.writeValue(&b, v)
	vm.prettyPrintStack = vm.prettyPrintStack[:0]
	return b.String()
}

func (vm *VM) writeValue(w io.Writer, v Value) {
	for _, seen := range vm.prettyPrintStack {
		if seen == v {
			fmt.Fprint(w, "...")
			return
		}
	}

	switch {
	case v.IsInt():
		fmt.Fprintf(w, "%d", v.Int())

	case v.IsFloat():
		f := v.Float()
		// Integral doubles print without a fractional part.
		if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
			fmt.Fprint(w, strconv.FormatFloat(f, 'f', -1, 64))
		} else {
			fmt.Fprint(w, strconv.FormatFloat(f, 'g', -1, 64))
		}

	case v == True:
		fmt.Fprint(w, "true")
	case v == False:
		fmt.Fprint(w, "false")
	case v == Null:
		fmt.Fprint(w, "null")

	case v.IsString():
		w.Write(StringData(v))

	case v.IsSymbol():
		fmt.Fprint(w, vm.Symbols.NameOrPlaceholder(v))

	case v.IsArray():
		vm.prettyPrintStack = append(vm.prettyPrintStack, v)
		fmt.Fprint(w, "[")
		for i, e := range v.Cell().Array().Data {
			if i > 0 {
				fmt.Fprint(w, ", ")
			}
			vm.writeValue(w, e)
		}
		fmt.Fprint(w, "]")
		vm.prettyPrintStack = vm.prettyPrintStack[:len(vm.prettyPrintStack)-1]

	case v.IsObject():
		vm.prettyPrintStack = append(vm.prettyPrintStack, v)
		o := v.Cell().Object()
		fmt.Fprint(w, "{")
		keys := make([]Value, 0, len(o.Container))
		for k := range o.Container {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			return vm.Symbols.NameOrPlaceholder(keys[i]) < vm.Symbols.NameOrPlaceholder(keys[j])
		})
		for i, k := range keys {
			if i > 0 {
				fmt.Fprint(w, ", ")
			}
			fmt.Fprintf(w, "%s: ", vm.Symbols.NameOrPlaceholder(k))
			vm.writeValue(w, o.Container[k])
		}
		fmt.Fprint(w, "}")
		vm.prettyPrintStack = vm.prettyPrintStack[:len(vm.prettyPrintStack)-1]

	case v.IsClass():
		fmt.Fprintf(w, "<class %s>", vm.Symbols.NameOrPlaceholder(v.Cell().Class().Name))

	case v.IsFunction():
		fmt.Fprintf(w, "<function %s>", vm.Symbols.NameOrPlaceholder(v.Cell().Function().Name))

	case v.IsCFunction():
		fmt.Fprintf(w, "<cfunction %s>", vm.Symbols.NameOrPlaceholder(v.Cell().CFunction().Name))

	case v.IsGenerator():
		fmt.Fprintf(w, "<generator %s>", vm.Symbols.NameOrPlaceholder(v.Cell().Generator().Name))

	case v.IsCPointer():
		fmt.Fprint(w, "<cpointer>")

	default:
		fmt.Fprintf(w, "<%s>", v.TypeName())
	}
}

// Stackdump writes the operand stack and frame chain for diagnostics.
func (vm *VM) Stackdump(w io.Writer) {
	fmt.Fprintf(w, "stack (%d):\n", len(vm.stack))
	for i := len(vm.stack) - 1; i >= 0; i-- {
		fmt.Fprintf(w, "  %4d  %s\n", i, vm.formatValue(vm.stack[i]))
	}
	fmt.Fprint(w, "frames:\n")
	for c := vm.frames; c != nil; c = c.Frame().Parent {
		f := c.Frame()
		name := "<entry>"
		if f.Caller.IsFunction() {
			name = vm.Symbols.NameOrPlaceholder(f.Caller.Cell().Function().Name)
		}
		fmt.Fprintf(w, "  %s origin=%06d return=%06d locals=%d\n",
			name, f.OriginAddress, f.ReturnAddress, f.LocalCount)
	}
}

// ---------------------------------------------------------------------------
// Heap census & snapshot
// ---------------------------------------------------------------------------

// Snapshot is a point-in-time diagnostic summary of the machine, encodable
// as canonical CBOR for external tooling.
type Snapshot struct {
	Cells        map[string]int `cbor:"cells"`
	FreeCells    int            `cbor:"free_cells"`
	TotalCells   int            `cbor:"total_cells"`
	Collections  uint64         `cbor:"collections"`
	PausedFibers int            `cbor:"paused_fibers"`
	PendingTasks int            `cbor:"pending_tasks"`
	PendingTimer int            `cbor:"pending_timers"`
	Workers      int            `cbor:"workers"`
	Symbols      int            `cbor:"symbols"`
	Instructions uint64         `cbor:"instructions"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// HeapCensus counts live cells per heap type.
func (vm *VM) HeapCensus() map[string]int {
	h := vm.heap
	h.mu.Lock()
	defer h.mu.Unlock()

	census := make(map[string]int)
	for _, arena := range h.arenas {
		for i := range arena {
			c := &arena[i]
			if c.ctype != CellDead {
				census[heapTypeNames[c.ctype]]++
			}
		}
	}
	return census
}

// TakeSnapshot gathers the diagnostic summary.
func (vm *VM) TakeSnapshot() *Snapshot {
	s := &Snapshot{
		Cells:        vm.HeapCensus(),
		FreeCells:    vm.heap.FreeCells(),
		TotalCells:   vm.heap.CellCount(),
		Collections:  vm.heap.Collections(),
		Workers:      vm.WorkerCount(),
		Symbols:      vm.Symbols.Count(),
		Instructions: vm.instructionCounter,
	}
	vm.taskMu.Lock()
	s.PausedFibers = len(vm.pausedFibers)
	s.PendingTasks = len(vm.taskQueue)
	s.PendingTimer = len(vm.timers)
	vm.taskMu.Unlock()
	return s
}

// MarshalSnapshot serializes a snapshot to canonical CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
