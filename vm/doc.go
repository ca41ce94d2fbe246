// Package vm implements the Rook runtime: a stack-based virtual machine
// for a dynamically-typed, class-based scripting language.
//
// Values are NaN-boxed 64-bit words; heap values live in arena-backed cells
// reclaimed by a precise mark-and-sweep collector. The interpreter executes
// linear instruction blocks produced by an external compiler, supporting
// closures, single-inheritance classes, catch-table exceptions and reified
// generators. Concurrency is cooperative: fibers run one at a time under a
// task-queue scheduler with timers and tickers, while blocking host
// functions offload to worker goroutines that marshal their results back as
// tasks.
package vm
