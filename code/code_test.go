package code

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	tests := []struct {
		op       Opcode
		operands []int
		expected []byte
	}{
		{OpConstant, []int{65534}, []byte{byte(OpConstant), 255, 254, 0}},
		{OpAdd, []int{}, []byte{byte(OpAdd), 0, 0, 0}},
		{OpGetLocal, []int{255}, []byte{byte(OpGetLocal), 255, 0, 0}},
		{OpClosure, []int{65535, 255}, []byte{byte(OpClosure), 255, 255, 255}},
		{OpAnd, []int{}, []byte{byte(OpAnd), 0, 0, 0}},
		{OpOr, []int{}, []byte{byte(OpOr), 0, 0, 0}},
	}

	for _, tt := range tests {
		instruction := Make(tt.op, tt.operands...)
		assert.Len(t, instruction, WordSize)
		assert.Equal(t, tt.expected, instruction)
	}
}

func TestInstructionsString(t *testing.T) {
	instructions := []Instructions{
		Make(OpAdd),
		Make(OpGetLocal, 1),
		Make(OpConstant, 2),
		Make(OpConstant, 65535),
		Make(OpClosure, 65535, 255),
		Make(OpAnd),
		Make(OpOr),
	}

	concatted := Instructions{}
	for _, ins := range instructions {
		concatted = append(concatted, ins...)
	}

	expected := `0000 OpAdd
0004 OpGetLocal 1
0008 OpConstant 2
000c OpConstant 65535
0010 OpClosure 65535 255
0014 OpAnd
0018 OpOr
`

	require.Equal(t, expected, concatted.String())
}

func TestReadOperands(t *testing.T) {
	tests := []struct {
		op        Opcode
		operands  []int
		bytesRead int
	}{
		{OpConstant, []int{65535}, 2},
		{OpGetLocal, []int{255}, 1},
		{OpClosure, []int{65535, 255}, 3},
	}

	for _, tt := range tests {
		instruction := Make(tt.op, tt.operands...)

		def, err := Lookup(byte(tt.op))
		require.NoError(t, err)

		operandsRead, n := ReadOperands(def, Instructions(instruction[1:]))
		require.Equal(t, tt.bytesRead, n)

		for i, want := range tt.operands {
			assert.Equal(t, want, operandsRead[i])
		}
	}
}

func TestLookupUnknownOpcode(t *testing.T) {
	_, err := Lookup(0xFF)
	require.Error(t, err)
}
