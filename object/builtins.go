package object

import (
	"errors"
	"fmt"
)

// ErrWrongArguments is the sentinel a builtin wraps its returned error with
// when it was called with the wrong number of arguments, as opposed to the
// right number of arguments of the wrong type. The vm package checks for it
// with errors.Is to distinguish the two before falling back to a generic
// incompatible-types error.
var ErrWrongArguments = errors.New("wrong number of arguments")

// Builtins is a collection of predefined built-in functions available for use within the language.
//
// Order is part of the public contract: the compiler's symbol table assigns
// each builtin's index by its position in this slice (see
// compiler.New, which calls SymbolTable.DefineBuiltin(i, v.Name) for every
// entry), and the VM's OpGetBuiltin operand indexes directly into it. The
// order below (len, first, last, rest, push, puts) must not change without
// also invalidating every already-compiled bytecode blob that references a
// builtin index.
var Builtins = []struct {
	// The name of the built-in function.
	Name string

	// The definition (and implementation) of the built-in function.
	Builtin *Builtin
}{
	{
		"len",
		&Builtin{Name: "len", Fn: func(args ...Object) (Object, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%w. got=%d, want=1", ErrWrongArguments, len(args))
			}
			switch arg := args[0].(type) {
			case *String:
				return &Integer{Value: int64(len(arg.Value))}, nil

			case *Array:
				return &Integer{Value: int64(len(arg.Elements))}, nil

			default:
				return nil, fmt.Errorf("argument to `len` not supported, got %s", args[0].Type())
			}
		}},
	},
	{
		"first",
		&Builtin{Name: "first", Fn: func(args ...Object) (Object, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%w. got=%d, want=1", ErrWrongArguments, len(args))
			}
			switch arg := args[0].(type) {
			case *Array:
				if len(arg.Elements) > 0 {
					return arg.Elements[0], nil
				}
				return NullValue, nil
			default:
				return nil, fmt.Errorf("argument to `first` not supported, got %s", args[0].Type())
			}
		}},
	},
	{
		"last",
		&Builtin{Name: "last", Fn: func(args ...Object) (Object, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%w. got=%d, want=1", ErrWrongArguments, len(args))
			}
			switch arg := args[0].(type) {
			case *Array:
				length := len(arg.Elements)
				if length > 0 {
					return arg.Elements[length-1], nil
				}
				return NullValue, nil

			default:
				return nil, fmt.Errorf("argument to `last` not supported, got %s", args[0].Type())
			}
		}},
	},
	{
		"rest",
		&Builtin{Name: "rest", Fn: func(args ...Object) (Object, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("%w. got=%d, want=1", ErrWrongArguments, len(args))
			}
			switch arg := args[0].(type) {
			case *Array:
				length := len(arg.Elements)
				if length > 0 {
					newElements := make([]Object, length-1)
					copy(newElements, arg.Elements[1:length])
					return &Array{Elements: newElements}, nil
				}
				return NullValue, nil
			default:
				return nil, fmt.Errorf("argument to `rest` not supported, got %s", args[0].Type())
			}
		}},
	},
	{
		"push",
		&Builtin{Name: "push", Fn: func(args ...Object) (Object, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("%w. got=%d, want=2", ErrWrongArguments, len(args))
			}
			switch arg := args[0].(type) {
			case *Array:
				length := len(arg.Elements)
				newElements := make([]Object, length+1)
				copy(newElements, arg.Elements)
				newElements[length] = args[1]

				return &Array{Elements: newElements}, nil

			default:
				return nil, fmt.Errorf("argument to `push` not supported, got %s", args[0].Type())
			}
		}},
	},
	{
		"puts",
		&Builtin{Name: "puts", Fn: func(args ...Object) (Object, error) {
			for _, arg := range args {
				fmt.Println(arg.Inspect())
			}
			return NullValue, nil
		}},
	},
}

// GetBuiltinByName retrieves a built-in function definition by its name from the predefined [Builtins] collection.
//
// It returns a pointer to the corresponding [Builtin] or nil if the name is not found.
func GetBuiltinByName(name string) *Builtin {
	for _, def := range Builtins {
		if def.Name == name {
			return def.Builtin
		}
	}
	return nil
}
