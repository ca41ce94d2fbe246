package vm

import (
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Recursive heap mutex
// ---------------------------------------------------------------------------

// getGoroutineID returns the current goroutine's ID by parsing the stack.
// This is a workaround since Go doesn't expose goroutine IDs directly.
func getGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Stack starts with "goroutine <id> [...]"
	s := string(buf[:n])
	s = strings.TrimPrefix(s, "goroutine ")
	idx := strings.Index(s, " ")
	if idx > 0 {
		s = s[:idx]
	}
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}

// RecursiveMutex is a re-entrant lock. The heap needs one so a collection
// can be triggered from inside a host function that is already holding
// allocations.
type RecursiveMutex struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner int64
	depth int
}

// NewRecursiveMutex creates an unlocked recursive mutex.
func NewRecursiveMutex() *RecursiveMutex {
	m := &RecursiveMutex{owner: -1}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock acquires the mutex, re-entering if the calling goroutine already
// holds it.
func (m *RecursiveMutex) Lock() {
	gid := getGoroutineID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner == gid {
		m.depth++
		return
	}
	for m.depth > 0 {
		m.cond.Wait()
	}
	m.owner = gid
	m.depth = 1
}

// Unlock releases one level of the mutex.
func (m *RecursiveMutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth--
	if m.depth == 0 {
		m.owner = -1
		m.cond.Signal()
	}
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// Heap manages the VM's cell storage: a list of fixed-size arenas of uniform
// cells, with dead cells chained into an intrusive free-list. Allocation
// pops the free-list head; when the free count drops below the low-water
// mark a collection runs, and if that doesn't raise it back above the mark a
// new arena is appended.
type Heap struct {
	mu *RecursiveMutex

	arenas    [][]Cell
	free      *Cell
	freeCount int
	cellCount int

	arenaCellCount int
	lowWater       int
	growthFactor   float64

	collections uint64
	logger      commonlog.Logger

	// Persistent temporaries: values host code registers so multi-step
	// allocations survive a collection triggered mid-sequence. Counted so
	// nested registrations balance.
	temporaries map[Value]int
}

// newHeap creates a heap with the given configuration and allocates the
// initial arenas.
func newHeap(cfg *Config) *Heap {
	h := &Heap{
		mu:             NewRecursiveMutex(),
		arenaCellCount: cfg.Heap.ArenaCellCount,
		lowWater:       cfg.Heap.LowWaterCells,
		growthFactor:   cfg.Heap.GrowthFactor,
		logger:         commonlog.GetLogger("rook.gc"),
		temporaries:    make(map[Value]int),
	}
	for i := 0; i < cfg.Heap.InitialArenaCount; i++ {
		h.addArena()
	}
	return h
}

// addArena appends one arena of uniform cells and threads every cell onto
// the free-list. Allocation failure of the backing slice is fatal (the Go
// runtime aborts the process), which matches the failure contract.
func (h *Heap) addArena() {
	arena := make([]Cell, h.arenaCellCount)
	h.arenas = append(h.arenas, arena)
	for i := range arena {
		c := &arena[i]
		c.ctype = CellDead
		c.nextFree = h.free
		h.free = c
	}
	h.freeCount += len(arena)
	h.cellCount += len(arena)
}

// grow expands the heap by the configured growth factor, at least one arena.
func (h *Heap) grow() {
	target := int(float64(h.cellCount) * h.growthFactor)
	added := 0
	for h.cellCount < target || added == 0 {
		h.addArena()
		added++
	}
	h.logger.Infof("heap grown to %d cells (%d arenas)", h.cellCount, len(h.arenas))
}

// allocate hands out a cell of the requested type. The heap mutex is
// re-entrant, so host functions holding it may allocate and still trigger a
// collection.
func (h *Heap) allocate(vm *VM, t CellType) *Cell {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.freeCount < h.lowWater {
		h.collect(vm)
		if h.freeCount < h.lowWater {
			h.grow()
		}
	}
	if h.free == nil {
		// The low-water mark is always positive, so this indicates a
		// corrupted free-list.
		vm.fatal("heap free-list exhausted")
	}

	c := h.free
	h.free = c.nextFree
	h.freeCount--
	c.nextFree = nil
	c.ctype = t
	c.mark = false
	c.flagA = false
	c.flagB = false
	return c
}

// RegisterTemporary pins v against collection until a balancing
// ReleaseTemporary. Host code performing multi-step allocations uses this
// so a collection triggered mid-sequence cannot reclaim intermediates.
func (h *Heap) RegisterTemporary(v Value) {
	if !v.IsPointer() {
		return
	}
	h.mu.Lock()
	h.temporaries[v]++
	h.mu.Unlock()
}

// ReleaseTemporary undoes one RegisterTemporary.
func (h *Heap) ReleaseTemporary(v Value) {
	if !v.IsPointer() {
		return
	}
	h.mu.Lock()
	if n := h.temporaries[v]; n <= 1 {
		delete(h.temporaries, v)
	} else {
		h.temporaries[v] = n - 1
	}
	h.mu.Unlock()
}

// FreeCells returns the current free-cell count.
func (h *Heap) FreeCells() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freeCount
}

// CellCount returns the total number of cells across all arenas.
func (h *Heap) CellCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cellCount
}

// Collections returns the number of completed collection cycles.
func (h *Heap) Collections() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.collections
}
