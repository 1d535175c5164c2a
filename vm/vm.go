// Package vm implements the stack-based virtual machine that executes
// bytecode produced by the compiler package.
//
// The machine holds an operand stack, a global variable store, and a stack of
// call frames (one per active function invocation). Run executes a fetch-
// decode-execute loop over fixed-width code.WordSize instructions until the
// outermost frame's instructions are exhausted, then reports the last value
// popped off the stack — the result of the last top-level expression
// statement.
package vm

import (
	"errors"
	"fmt"

	"github.com/dr8co/kong/code"
	"github.com/dr8co/kong/compiler"
	"github.com/dr8co/kong/object"
)

const (
	// StackSize is the maximum number of values the operand stack can hold.
	StackSize = 2048

	// GlobalsSize is the number of slots in the global variable store.
	GlobalsSize = 65536

	// MaxFrames is the maximum depth of nested function calls.
	MaxFrames = 1024
)

// Errors returned by the virtual machine. Each names a distinct failure mode
// so callers (REPL, CLI, tests) can react without parsing error text.
var (
	ErrUnknownOpCode       = errors.New("unknown opcode")
	ErrStackOverflow       = errors.New("stack overflow")
	ErrStackUnderflow      = errors.New("stack underflow")
	ErrEmptyStack          = errors.New("empty stack")
	ErrFrameStackOverflow  = errors.New("frame stack overflow")
	ErrFrameStackUnderflow = errors.New("frame stack underflow")
	ErrIncompatibleTypes   = errors.New("incompatible types")
	ErrUnhashableKey       = errors.New("unusable as hash key")
	ErrIndexNotSupported   = errors.New("index operator not supported")
	ErrCallingNonFunction  = errors.New("calling non-function and non-built-in")
	ErrWrongArguments      = errors.New("wrong number of arguments")
)

// VM is the bytecode virtual machine. It owns the operand stack, the global
// variable store, and the active call frames.
type VM struct {
	constants []object.Object

	stack []object.Object
	sp    int // stack pointer: always points to the next free slot; top of stack is stack[sp-1]

	globals []object.Object

	frames      []*Frame
	framesIndex int

	everPopped bool
}

// New creates a VM ready to run the given bytecode, with a fresh (all-nil)
// global variable store.
func New(bytecode *compiler.Bytecode) *VM {
	mainFn := &object.CompiledFunction{Instructions: bytecode.Instructions}
	mainClosure := &object.Closure{Fn: mainFn}
	mainFrame := NewFrame(mainClosure, 0)

	frames := make([]*Frame, MaxFrames)
	frames[0] = mainFrame

	return &VM{
		constants: bytecode.Constants,

		stack: make([]object.Object, StackSize),
		sp:    0,

		globals: make([]object.Object, GlobalsSize),

		frames:      frames,
		framesIndex: 1,
	}
}

// NewWithGlobalsStore creates a VM that reuses an existing global variable
// store, so a REPL can persist globals defined by earlier lines across
// separate Run invocations.
func NewWithGlobalsStore(bytecode *compiler.Bytecode, globals []object.Object) *VM {
	vm := New(bytecode)
	vm.globals = globals
	return vm
}

// LastPoppedStackItem returns the most recently popped stack value — the
// result of the last top-level expression statement executed. It's intended
// for tests and REPL/CLI output, not for use while the VM is running.
//
// Returns ErrEmptyStack if Run completed without ever executing OpPop (a
// program consisting only of let statements and declarations, say).
func (vm *VM) LastPoppedStackItem() (object.Object, error) {
	if !vm.everPopped {
		return nil, ErrEmptyStack
	}
	return vm.stack[vm.sp], nil
}

// currentFrame returns the call frame currently executing.
func (vm *VM) currentFrame() *Frame {
	return vm.frames[vm.framesIndex-1]
}

// pushFrame pushes a new call frame, entering a function call.
func (vm *VM) pushFrame(f *Frame) error {
	if vm.framesIndex == MaxFrames {
		return ErrFrameStackOverflow
	}
	vm.frames[vm.framesIndex] = f
	vm.framesIndex++
	return nil
}

// popFrame pops and returns the current call frame, returning to the caller.
func (vm *VM) popFrame() (*Frame, error) {
	if vm.framesIndex == 0 {
		return nil, ErrFrameStackUnderflow
	}
	vm.framesIndex--
	return vm.frames[vm.framesIndex], nil
}

// push pushes a value onto the operand stack.
func (vm *VM) push(obj object.Object) error {
	if vm.sp >= StackSize {
		return ErrStackOverflow
	}
	vm.stack[vm.sp] = obj
	vm.sp++
	return nil
}

// pop pops and returns the top value on the operand stack.
func (vm *VM) pop() (object.Object, error) {
	if vm.sp == 0 {
		return nil, ErrStackUnderflow
	}
	obj := vm.stack[vm.sp-1]
	vm.sp--
	return obj, nil
}

// Run executes the bytecode loaded into the VM until the outermost frame is
// exhausted, returning the first error encountered, if any.
func (vm *VM) Run() error {
	var ip int
	var ins code.Instructions
	var op code.Opcode

	for vm.currentFrame().ip < len(vm.currentFrame().Instructions()) {
		ip = vm.currentFrame().ip
		ins = vm.currentFrame().Instructions()

		op = code.Opcode(ins[ip])

		switch op {
		case code.OpConstant:
			constIndex := code.ReadUint16(ins[ip+1:])
			if err := vm.push(vm.constants[constIndex]); err != nil {
				return err
			}

		case code.OpAdd, code.OpSub, code.OpMul, code.OpDiv,
			code.OpEqual, code.OpNotEqual, code.OpGreaterThan,
			code.OpAnd, code.OpOr:
			if err := vm.executeBinaryOperation(op); err != nil {
				return err
			}

		case code.OpTrue:
			if err := vm.push(object.TrueValue); err != nil {
				return err
			}

		case code.OpFalse:
			if err := vm.push(object.FalseValue); err != nil {
				return err
			}

		case code.OpNull:
			if err := vm.push(object.NullValue); err != nil {
				return err
			}

		case code.OpPop:
			if _, err := vm.pop(); err != nil {
				return err
			}
			vm.everPopped = true

		case code.OpBang:
			if err := vm.executeBangOperator(); err != nil {
				return err
			}

		case code.OpMinus:
			if err := vm.executeMinusOperator(); err != nil {
				return err
			}

		case code.OpJump:
			pos := int(code.ReadUint16(ins[ip+1:]))
			vm.currentFrame().ip = pos
			continue

		case code.OpJumpNotTruthy:
			pos := int(code.ReadUint16(ins[ip+1:]))
			condition, err := vm.pop()
			if err != nil {
				return err
			}
			if !isTruthy(condition) {
				vm.currentFrame().ip = pos
				continue
			}

		case code.OpSetGlobal:
			globalIndex := code.ReadUint16(ins[ip+1:])
			val, err := vm.pop()
			if err != nil {
				return err
			}
			vm.globals[globalIndex] = val

		case code.OpGetGlobal:
			globalIndex := code.ReadUint16(ins[ip+1:])
			if err := vm.push(vm.globals[globalIndex]); err != nil {
				return err
			}

		case code.OpArray:
			numElements := int(code.ReadUint16(ins[ip+1:]))
			array, err := vm.buildArray(vm.sp-numElements, vm.sp)
			if err != nil {
				return err
			}
			vm.sp -= numElements
			if err := vm.push(array); err != nil {
				return err
			}

		case code.OpHash:
			numElements := int(code.ReadUint16(ins[ip+1:]))
			hash, err := vm.buildHash(vm.sp-numElements, vm.sp)
			if err != nil {
				return err
			}
			vm.sp -= numElements
			if err := vm.push(hash); err != nil {
				return err
			}

		case code.OpIndex:
			index, err := vm.pop()
			if err != nil {
				return err
			}
			left, err := vm.pop()
			if err != nil {
				return err
			}
			if err := vm.executeIndexExpression(left, index); err != nil {
				return err
			}

		case code.OpCall:
			numArgs := int(code.ReadUint8(ins[ip+1:]))
			pushedFrame, err := vm.executeCall(numArgs)
			if err != nil {
				return err
			}
			// A closure call pushed a new frame already sitting at ip 0; the
			// calling frame's ip is left exactly where OpCall was fetched and
			// only advances past it once that new frame returns. A builtin
			// call pushes no frame, so it falls through to the ordinary
			// end-of-loop advance below.
			if pushedFrame {
				continue
			}

		case code.OpReturnValue:
			returnValue, err := vm.pop()
			if err != nil {
				return err
			}
			frame, err := vm.popFrame()
			if err != nil {
				return err
			}
			vm.sp = frame.basePointer - 1
			if err := vm.push(returnValue); err != nil {
				return err
			}

		case code.OpReturn:
			frame, err := vm.popFrame()
			if err != nil {
				return err
			}
			vm.sp = frame.basePointer - 1
			if err := vm.push(object.NullValue); err != nil {
				return err
			}

		case code.OpSetLocal:
			localIndex := int(code.ReadUint8(ins[ip+1:]))
			frame := vm.currentFrame()
			val, err := vm.pop()
			if err != nil {
				return err
			}
			vm.stack[frame.basePointer+localIndex] = val

		case code.OpGetLocal:
			localIndex := int(code.ReadUint8(ins[ip+1:]))
			frame := vm.currentFrame()
			if err := vm.push(vm.stack[frame.basePointer+localIndex]); err != nil {
				return err
			}

		case code.OpGetBuiltin:
			builtinIndex := int(code.ReadUint8(ins[ip+1:]))
			definition := object.Builtins[builtinIndex]
			if err := vm.push(definition.Builtin); err != nil {
				return err
			}

		case code.OpClosure:
			constIndex := code.ReadUint16(ins[ip+1:])
			numFree := int(code.ReadUint8(ins[ip+3:]))
			if err := vm.pushClosure(int(constIndex), numFree); err != nil {
				return err
			}

		case code.OpGetFree:
			freeIndex := int(code.ReadUint8(ins[ip+1:]))
			currentClosure := vm.currentFrame().cl
			if err := vm.push(currentClosure.Free[freeIndex]); err != nil {
				return err
			}

		case code.OpCurrentClosure:
			currentClosure := vm.currentFrame().cl
			if err := vm.push(currentClosure); err != nil {
				return err
			}

		default:
			return fmt.Errorf("%w: %d", ErrUnknownOpCode, ins[ip])
		}

		vm.currentFrame().ip += code.WordSize
	}

	return nil
}

// executeCall dispatches a call to either a closure or a builtin. It reports
// whether a new frame was pushed, since the caller's ip must not advance past
// the Call instruction in that case (see the OpCall case in Run).
func (vm *VM) executeCall(numArgs int) (bool, error) {
	callee := vm.stack[vm.sp-1-numArgs]

	switch callee := callee.(type) {
	case *object.Closure:
		if err := vm.callClosure(callee, numArgs); err != nil {
			return false, err
		}
		return true, nil
	case *object.Builtin:
		if err := vm.callBuiltin(callee, numArgs); err != nil {
			return false, err
		}
		return false, nil
	default:
		return false, ErrCallingNonFunction
	}
}

// callClosure pushes a new frame for the given closure, binding the top
// numArgs stack values as its parameters and null-filling the rest of its
// local slots.
func (vm *VM) callClosure(cl *object.Closure, numArgs int) error {
	if numArgs != cl.Fn.NumParameters {
		return fmt.Errorf("%w: want=%d, got=%d", ErrWrongArguments, cl.Fn.NumParameters, numArgs)
	}

	frame := NewFrame(cl, vm.sp-numArgs)
	if frame.basePointer+cl.Fn.NumLocals > StackSize {
		return ErrStackOverflow
	}
	if err := vm.pushFrame(frame); err != nil {
		return err
	}

	for i := vm.sp; i < frame.basePointer+cl.Fn.NumLocals; i++ {
		vm.stack[i] = object.NullValue
	}
	vm.sp = frame.basePointer + cl.Fn.NumLocals
	return nil
}

// callBuiltin invokes a builtin function directly with the top numArgs stack
// values as arguments, replacing the callee and its arguments with the result.
func (vm *VM) callBuiltin(builtin *object.Builtin, numArgs int) error {
	args := vm.stack[vm.sp-numArgs : vm.sp]

	result, err := builtin.Fn(args...)
	if err != nil {
		if errors.Is(err, object.ErrWrongArguments) {
			return fmt.Errorf("%w: %w", ErrWrongArguments, err)
		}
		return fmt.Errorf("%w: %w", ErrIncompatibleTypes, err)
	}

	vm.sp = vm.sp - numArgs - 1

	if result == nil {
		result = object.NullValue
	}
	return vm.push(result)
}

// pushClosure constructs a closure from the compiled function at constIndex,
// capturing the top numFree stack values as its free variables.
func (vm *VM) pushClosure(constIndex, numFree int) error {
	constant := vm.constants[constIndex]
	function, ok := constant.(*object.CompiledFunction)
	if !ok {
		return fmt.Errorf("%w: not a function: %+v", ErrCallingNonFunction, constant)
	}

	free := make([]object.Object, numFree)
	for i := 0; i < numFree; i++ {
		free[i] = vm.stack[vm.sp-numFree+i]
	}
	vm.sp -= numFree

	closure := &object.Closure{Fn: function, Free: free}
	return vm.push(closure)
}

// buildArray collects stack items in [startIndex, endIndex) into an Array.
func (vm *VM) buildArray(startIndex, endIndex int) (object.Object, error) {
	elements := make([]object.Object, endIndex-startIndex)
	for i := startIndex; i < endIndex; i++ {
		elements[i-startIndex] = vm.stack[i]
	}
	return &object.Array{Elements: elements}, nil
}

// buildHash collects stack items in [startIndex, endIndex), interpreted as
// alternating key/value pairs, into a Hash.
func (vm *VM) buildHash(startIndex, endIndex int) (object.Object, error) {
	hashedPairs := make(map[object.HashKey]object.HashPair)

	for i := startIndex; i < endIndex; i += 2 {
		key := vm.stack[i]
		value := vm.stack[i+1]

		hashKey, ok := key.(object.Hashable)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnhashableKey, key.Type())
		}

		hashedPairs[hashKey.HashKey()] = object.HashPair{Key: key, Value: value}
	}

	return &object.Hash{Pairs: hashedPairs}, nil
}

// executeIndexExpression pushes the result of indexing left with index.
func (vm *VM) executeIndexExpression(left, index object.Object) error {
	switch {
	case left.Type() == object.ARRAY_OBJ && index.Type() == object.INTEGER_OBJ:
		return vm.executeArrayIndex(left, index)
	case left.Type() == object.HASH_OBJ:
		return vm.executeHashIndex(left, index)
	default:
		return fmt.Errorf("%w: %s", ErrIndexNotSupported, left.Type())
	}
}

func (vm *VM) executeArrayIndex(array, index object.Object) error {
	arrayObject := array.(*object.Array)
	i := index.(*object.Integer).Value
	max := int64(len(arrayObject.Elements) - 1)

	if i < 0 || i > max {
		return vm.push(object.NullValue)
	}
	return vm.push(arrayObject.Elements[i])
}

func (vm *VM) executeHashIndex(hash, index object.Object) error {
	hashObject := hash.(*object.Hash)

	key, ok := index.(object.Hashable)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnhashableKey, index.Type())
	}

	pair, ok := hashObject.Pairs[key.HashKey()]
	if !ok {
		return vm.push(object.NullValue)
	}
	return vm.push(pair.Value)
}

// executeBangOperator implements `!`: false and null negate to true, true
// negates to false, and any other operand (integers included) is an
// ErrIncompatibleTypes error. This is asymmetric with JumpNotTruthy, which
// accepts integers and treats 0 as falsy — an inherited quirk, not a bug.
func (vm *VM) executeBangOperator() error {
	operand, err := vm.pop()
	if err != nil {
		return err
	}

	switch operand {
	case object.TrueValue:
		return vm.push(object.FalseValue)
	case object.FalseValue:
		return vm.push(object.TrueValue)
	case object.NullValue:
		return vm.push(object.TrueValue)
	default:
		return fmt.Errorf("%w: ! applied to %s", ErrIncompatibleTypes, operand.Type())
	}
}

// executeMinusOperator implements unary `-`, defined only for integers.
func (vm *VM) executeMinusOperator() error {
	operand, err := vm.pop()
	if err != nil {
		return err
	}

	integer, ok := operand.(*object.Integer)
	if !ok {
		return fmt.Errorf("%w: - applied to %s", ErrIncompatibleTypes, operand.Type())
	}

	return vm.push(&object.Integer{Value: -integer.Value})
}

// executeBinaryOperation pops two operands and dispatches to the
// integer/boolean/string handler appropriate to their types and the opcode.
func (vm *VM) executeBinaryOperation(op code.Opcode) error {
	right, err := vm.pop()
	if err != nil {
		return err
	}
	left, err := vm.pop()
	if err != nil {
		return err
	}

	leftType := left.Type()
	rightType := right.Type()

	switch {
	case leftType == object.INTEGER_OBJ && rightType == object.INTEGER_OBJ:
		return vm.executeBinaryIntegerOperation(op, left, right)
	case leftType == object.STRING_OBJ && rightType == object.STRING_OBJ && op == code.OpAdd:
		return vm.executeBinaryStringOperation(left, right)
	case leftType == object.BOOLEAN_OBJ && rightType == object.BOOLEAN_OBJ:
		return vm.executeBinaryBooleanOperation(op, left, right)
	default:
		return fmt.Errorf("%w: %s %s", ErrIncompatibleTypes, leftType, rightType)
	}
}

func (vm *VM) executeBinaryIntegerOperation(op code.Opcode, left, right object.Object) error {
	leftValue := left.(*object.Integer).Value
	rightValue := right.(*object.Integer).Value

	switch op {
	case code.OpAdd:
		return vm.push(&object.Integer{Value: leftValue + rightValue})
	case code.OpSub:
		return vm.push(&object.Integer{Value: leftValue - rightValue})
	case code.OpMul:
		return vm.push(&object.Integer{Value: leftValue * rightValue})
	case code.OpDiv:
		// Division by zero is left to Go's own runtime behavior (a panic),
		// matching original_source's plain `left / right`: the language this
		// VM hosts never specifies a recoverable DivisionByZero error, and
		// none of its test suite exercises the zero-divisor case.
		return vm.push(&object.Integer{Value: leftValue / rightValue})
	case code.OpEqual:
		return vm.push(object.NativeBoolToBooleanObject(leftValue == rightValue))
	case code.OpNotEqual:
		return vm.push(object.NativeBoolToBooleanObject(leftValue != rightValue))
	case code.OpGreaterThan:
		return vm.push(object.NativeBoolToBooleanObject(leftValue > rightValue))
	default:
		return fmt.Errorf("%w: unknown integer operator %d", ErrIncompatibleTypes, op)
	}
}

func (vm *VM) executeBinaryStringOperation(left, right object.Object) error {
	leftValue := left.(*object.String).Value
	rightValue := right.(*object.String).Value
	return vm.push(&object.String{Value: leftValue + rightValue})
}

// executeBinaryBooleanOperation handles Equal/NotEqual/GreaterThan/And/Or
// between two booleans. And/Or are not short-circuiting here: both operands
// are already evaluated and on the stack by the time this opcode runs.
func (vm *VM) executeBinaryBooleanOperation(op code.Opcode, left, right object.Object) error {
	leftValue := left.(*object.Boolean).Value
	rightValue := right.(*object.Boolean).Value

	switch op {
	case code.OpEqual:
		return vm.push(object.NativeBoolToBooleanObject(leftValue == rightValue))
	case code.OpNotEqual:
		return vm.push(object.NativeBoolToBooleanObject(leftValue != rightValue))
	case code.OpGreaterThan:
		return vm.push(object.NativeBoolToBooleanObject(leftValue && !rightValue))
	case code.OpAnd:
		return vm.push(object.NativeBoolToBooleanObject(leftValue && rightValue))
	case code.OpOr:
		return vm.push(object.NativeBoolToBooleanObject(leftValue || rightValue))
	default:
		return fmt.Errorf("%w: unknown boolean operator %d", ErrIncompatibleTypes, op)
	}
}

// isTruthy implements JumpNotTruthy's notion of falsiness: null, false, and
// integer 0 are falsy, everything else is truthy.
func isTruthy(obj object.Object) bool {
	switch obj := obj.(type) {
	case *object.Boolean:
		return obj.Value
	case *object.Null:
		return false
	case *object.Integer:
		return obj.Value != 0
	default:
		return true
	}
}
