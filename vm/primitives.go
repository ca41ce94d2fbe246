package vm

import (
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Primitive classes
// ---------------------------------------------------------------------------
//
// When member lookup misses on a non-object receiver, the per-type
// primitive class is consulted. Primitive methods are host functions that
// receive the receiver as their first argument.

// primitiveClasses lists every primitive class for the collector's roots.
func (vm *VM) primitiveClasses() []Value {
	p := &vm.primitives
	return []Value{
		p.array, p.boolean, p.class, p.function, p.generator,
		p.null, p.number, p.object, p.str, p.value,
	}
}

// addPrimitiveMethod installs a host method on a primitive class's
// prototype. The declared arity includes the receiver slot.
func (vm *VM) addPrimitiveMethod(class Value, name string, argc uint32, fn HostFunction) {
	sym := vm.Intern(name)
	method := vm.createCFunction(sym, fn, argc, PolicyBoth)
	class.Cell().Class().Prototype.Cell().Object().Container[sym] = method
}

// newPrimitiveClass creates a class with an empty prototype object.
func (vm *VM) newPrimitiveClass(name string) Value {
	class := vm.createClass(vm.Intern(name))
	vm.heap.RegisterTemporary(class)
	defer vm.heap.ReleaseTemporary(class)
	class.Cell().Class().Prototype = vm.createObject(Null, 8)
	return class
}

func (vm *VM) bootstrapPrimitiveClasses() {
	p := &vm.primitives
	p.value = vm.newPrimitiveClass("Value")
	p.array = vm.newPrimitiveClass("Array")
	p.boolean = vm.newPrimitiveClass("Boolean")
	p.class = vm.newPrimitiveClass("Class")
	p.function = vm.newPrimitiveClass("Function")
	p.generator = vm.newPrimitiveClass("Generator")
	p.null = vm.newPrimitiveClass("Null")
	p.number = vm.newPrimitiveClass("Number")
	p.object = vm.newPrimitiveClass("Object")
	p.str = vm.newPrimitiveClass("String")

	vm.registerValuePrimitives()
	vm.registerNumberPrimitives()
	vm.registerStringPrimitives()
	vm.registerArrayPrimitives()
	vm.registerFunctionPrimitives()
	vm.registerObjectPrimitives()
	vm.registerClassPrimitives()

	// Primitive classes are reachable as globals too.
	container := vm.globals.Cell().Object().Container
	for _, class := range vm.primitiveClasses() {
		container[class.Cell().Class().Name] = class
	}
}

func (vm *VM) registerValuePrimitives() {
	vm.addPrimitiveMethod(vm.primitives.value, "to_s", 1, func(vm *VM, args []Value) Value {
		return vm.CreateString(vm.formatValue(args[0]))
	})
	vm.addPrimitiveMethod(vm.primitives.value, "typeof", 1, func(vm *VM, args []Value) Value {
		return vm.CreateString(args[0].TypeName())
	})
}

func (vm *VM) registerNumberPrimitives() {
	n := vm.primitives.number

	vm.addPrimitiveMethod(n, "to_i", 1, func(vm *VM, args []Value) Value {
		return FromNumber(args[0].ToInt64())
	})
	vm.addPrimitiveMethod(n, "to_f", 1, func(vm *VM, args []Value) Value {
		return FromFloat(args[0].ToFloat())
	})
	vm.addPrimitiveMethod(n, "abs", 1, func(vm *VM, args []Value) Value {
		v := args[0]
		if v.IsInt() {
			n := v.Int()
			if n < 0 {
				n = -n
			}
			return FromNumber(n)
		}
		return FromFloat(math.Abs(v.ToFloat()))
	})
	vm.addPrimitiveMethod(n, "floor", 1, func(vm *VM, args []Value) Value {
		return FromFloat(math.Floor(args[0].ToFloat()))
	})
	vm.addPrimitiveMethod(n, "ceil", 1, func(vm *VM, args []Value) Value {
		return FromFloat(math.Ceil(args[0].ToFloat()))
	})
	vm.addPrimitiveMethod(n, "is_nan", 1, func(vm *VM, args []Value) Value {
		return FromBool(args[0].IsFloat() && math.IsNaN(args[0].Float()))
	})
}

func (vm *VM) registerStringPrimitives() {
	s := vm.primitives.str

	vm.addPrimitiveMethod(s, "to_i", 1, func(vm *VM, args []Value) Value {
		return FromNumber(ParseStringToInt(args[0]))
	})
	vm.addPrimitiveMethod(s, "to_f", 1, func(vm *VM, args []Value) Value {
		return FromFloat(ParseStringToFloat(args[0]))
	})
	vm.addPrimitiveMethod(s, "upcase", 1, func(vm *VM, args []Value) Value {
		return vm.CreateString(strings.ToUpper(string(StringData(args[0]))))
	})
	vm.addPrimitiveMethod(s, "downcase", 1, func(vm *VM, args []Value) Value {
		return vm.CreateString(strings.ToLower(string(StringData(args[0]))))
	})
	vm.addPrimitiveMethod(s, "codepoint_count", 1, func(vm *VM, args []Value) Value {
		return FromInt(int64(stringCodePointCount(args[0])))
	})
	vm.addPrimitiveMethod(s, "codepoint_at", 2, func(vm *VM, args []Value) Value {
		if len(args) < 2 {
			return Null
		}
		return vm.stringCodePointAt(args[0], args[1].ToInt64())
	})
}

func (vm *VM) registerArrayPrimitives() {
	a := vm.primitives.array

	vm.addPrimitiveMethod(a, "push", 2, func(vm *VM, args []Value) Value {
		if !args[0].IsArray() {
			return Null
		}
		value := Null
		if len(args) > 1 {
			value = args[1]
		}
		arr := args[0].Cell().Array()
		arr.Data = append(arr.Data, value)
		return args[0]
	})
	vm.addPrimitiveMethod(a, "pop", 1, func(vm *VM, args []Value) Value {
		if !args[0].IsArray() {
			return Null
		}
		arr := args[0].Cell().Array()
		if len(arr.Data) == 0 {
			return Null
		}
		last := arr.Data[len(arr.Data)-1]
		arr.Data = arr.Data[:len(arr.Data)-1]
		return last
	})
	vm.addPrimitiveMethod(a, "first", 1, func(vm *VM, args []Value) Value {
		if !args[0].IsArray() || len(args[0].Cell().Array().Data) == 0 {
			return Null
		}
		return args[0].Cell().Array().Data[0]
	})
	vm.addPrimitiveMethod(a, "last", 1, func(vm *VM, args []Value) Value {
		if !args[0].IsArray() || len(args[0].Cell().Array().Data) == 0 {
			return Null
		}
		data := args[0].Cell().Array().Data
		return data[len(data)-1]
	})
}

func (vm *VM) registerFunctionPrimitives() {
	f := vm.primitives.function

	// bind returns a copy of the function with a fixed receiver.
	vm.addPrimitiveMethod(f, "bind", 2, func(vm *VM, args []Value) Value {
		if !args[0].IsFunction() {
			vm.ThrowString("bind requires a function receiver")
			return Null
		}
		receiver := Null
		if len(args) > 1 {
			receiver = args[1]
		}
		bound := vm.heap.allocate(vm, CellFunction)
		*bound.Function() = *args[0].Cell().Function()
		bound.Function().BoundSelf = receiver
		bound.Function().BoundSelfSet = true
		return FromCell(bound)
	})
}

func (vm *VM) registerObjectPrimitives() {
	o := vm.primitives.object

	vm.addPrimitiveMethod(o, "keys", 1, func(vm *VM, args []Value) Value {
		if !args[0].IsObject() {
			return Null
		}
		container := args[0].Cell().Object().Container
		array := vm.createArray(len(container))
		vm.heap.RegisterTemporary(array)
		defer vm.heap.ReleaseTemporary(array)
		data := &array.Cell().Array().Data
		for key := range container {
			if key.IsSymbol() {
				*data = append(*data, vm.CreateString(vm.Symbols.NameOrPlaceholder(key)))
			}
		}
		return array
	})
}

func (vm *VM) registerClassPrimitives() {
	c := vm.primitives.class

	vm.addPrimitiveMethod(c, "name", 1, func(vm *VM, args []Value) Value {
		if !args[0].IsClass() {
			return Null
		}
		return vm.CreateString(vm.Symbols.NameOrPlaceholder(args[0].Cell().Class().Name))
	})
}
