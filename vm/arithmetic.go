package vm

import (
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Numeric core
// ---------------------------------------------------------------------------
//
// When both operands are immediate integers the operation runs in 64-bit
// signed space and the result is re-encoded, promoting to double when it
// leaves the 48-bit range. Any other numeric pairing widens both sides to
// double. Division always runs in double space; modulo by zero yields NaN.
// Bitwise and shift operators truncate to 32-bit signed integers, clamping
// negative shift amounts to zero.

// add also concatenates when both operands are strings.
func (vm *VM) add(left, right Value) Value {
	if left.IsString() && right.IsString() {
		return vm.concatStrings(left, right)
	}
	if left.IsInt() && right.IsInt() {
		return FromNumber(left.Int() + right.Int())
	}
	return FromFloat(left.ToFloat() + right.ToFloat())
}

func (vm *VM) sub(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		return FromNumber(left.Int() - right.Int())
	}
	return FromFloat(left.ToFloat() - right.ToFloat())
}

func (vm *VM) mul(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		a, b := left.Int(), right.Int()
		p := a * b
		if a != 0 && p/a != b {
			// The product overflowed 64 bits, so compute it in double space.
			return FromFloat(float64(a) * float64(b))
		}
		return FromNumber(p)
	}
	return FromFloat(left.ToFloat() * right.ToFloat())
}

// div always runs in double space.
func (vm *VM) div(left, right Value) Value {
	return FromFloat(left.ToFloat() / right.ToFloat())
}

func (vm *VM) mod(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		r := right.Int()
		if r == 0 {
			return NaN
		}
		return FromNumber(left.Int() % r)
	}
	return FromFloat(math.Mod(left.ToFloat(), right.ToFloat()))
}

// pow always produces a double, even for integer operands.
func (vm *VM) pow(left, right Value) Value {
	return FromFloat(math.Pow(left.ToFloat(), right.ToFloat()))
}

func (vm *VM) uadd(v Value) Value {
	return v
}

func (vm *VM) usub(v Value) Value {
	if v.IsInt() {
		return FromNumber(-v.Int())
	}
	return FromFloat(-v.ToFloat())
}

func (vm *VM) unot(v Value) Value {
	return FromBool(!v.Truthy())
}

// ---------------------------------------------------------------------------
// Comparisons
// ---------------------------------------------------------------------------

func (vm *VM) lt(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		return FromBool(left.Int() < right.Int())
	}
	if left.IsString() && right.IsString() {
		return FromBool(string(StringData(left)) < string(StringData(right)))
	}
	lf, rf := left.ToFloat(), right.ToFloat()
	return FromBool(!math.IsNaN(lf) && !math.IsNaN(rf) && lf < rf)
}

func (vm *VM) gt(left, right Value) Value {
	return vm.lt(right, left)
}

func (vm *VM) le(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		return FromBool(left.Int() <= right.Int())
	}
	if left.IsString() && right.IsString() {
		return FromBool(string(StringData(left)) <= string(StringData(right)))
	}
	lf, rf := left.ToFloat(), right.ToFloat()
	return FromBool(!math.IsNaN(lf) && !math.IsNaN(rf) && lf <= rf)
}

func (vm *VM) ge(left, right Value) Value {
	return vm.le(right, left)
}

func (vm *VM) eq(left, right Value) Value {
	return FromBool(ValuesEqual(left, right))
}

func (vm *VM) neq(left, right Value) Value {
	return FromBool(!ValuesEqual(left, right))
}

// ---------------------------------------------------------------------------
// Bitwise operators
// ---------------------------------------------------------------------------

// shiftAmount clamps negative shift counts to zero.
func shiftAmount(v Value) uint {
	n := v.ToInt32()
	if n < 0 {
		n = 0
	}
	return uint(n)
}

func (vm *VM) shl(left, right Value) Value {
	return FromNumber(int64(left.ToInt32() << shiftAmount(right)))
}

func (vm *VM) shr(left, right Value) Value {
	return FromNumber(int64(left.ToInt32() >> shiftAmount(right)))
}

func (vm *VM) band(left, right Value) Value {
	return FromNumber(int64(left.ToInt32() & right.ToInt32()))
}

func (vm *VM) bor(left, right Value) Value {
	return FromNumber(int64(left.ToInt32() | right.ToInt32()))
}

func (vm *VM) bxor(left, right Value) Value {
	return FromNumber(int64(left.ToInt32() ^ right.ToInt32()))
}

func (vm *VM) ubnot(v Value) Value {
	return FromNumber(int64(^v.ToInt32()))
}

// ---------------------------------------------------------------------------
// String-to-number parsing
// ---------------------------------------------------------------------------

// ParseStringToInt parses a string with base-aware integer syntax (0x, 0o,
// 0b prefixes). Failed parses yield 0.
func ParseStringToInt(v Value) int64 {
	s := strings.TrimSpace(string(StringData(v)))
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0
	}
	return n
}

// ParseStringToFloat parses a string as a double. Failed parses yield NaN.
func ParseStringToFloat(v Value) float64 {
	s := strings.TrimSpace(string(StringData(v)))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}
