package util

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsValidString(t *testing.T) {
	require.True(t, IsValidString("worker-thread-1"))
	require.False(t, IsValidString(""))
	require.False(t, IsValidString("bad\x00name"))
	require.False(t, IsValidString(string([]byte{0xff, 0xfe})))
}

func TestAtomicUpdateMaxUint64(t *testing.T) {
	var store atomic.Uint64
	AtomicUpdateMaxUint64(&store, 5)
	AtomicUpdateMaxUint64(&store, 3)
	AtomicUpdateMaxUint64(&store, 9)
	require.Equal(t, uint64(9), store.Load())
}

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct {
		name  string
		input uint32
		want  uint32
	}{
		{name: "zero", input: 0, want: 1},
		{name: "one", input: 1, want: 1},
		{name: "two", input: 2, want: 2},
		{name: "three", input: 3, want: 4},
		{name: "four", input: 4, want: 4},
		{name: "five", input: 5, want: 8},
		{name: "six", input: 6, want: 8},
		{name: "0x370", input: 0x370, want: 0x400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equalf(t, tt.want, NextPowerOfTwo(tt.input),
				"NextPowerOfTwo() = %v, want %v", NextPowerOfTwo(tt.input), tt.want)
		})
	}
}
