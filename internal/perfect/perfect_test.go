package perfect

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestPerfect(t *testing.T) {
	known := map[int32]bool{6: true, 28: true, 496: true, 8128: true}

	for n := int32(-2); n <= 600; n++ {
		assert.Equal(t, known[n], Perfect(n), "n=%d", n)
	}

	assert.True(t, Perfect(8128))
	assert.False(t, Perfect(8127))
	assert.False(t, Perfect(8129))
}

func TestDivisors(t *testing.T) {
	tests := []struct {
		n    int32
		want []int32
	}{
		{n: -3},
		{n: 0},
		{n: 1},
		{n: 13, want: []int32{1}},
		{n: 6, want: []int32{1, 2, 3}},
		{n: 28, want: []int32{1, 2, 4, 7, 14}},
		{n: 496, want: []int32{1, 2, 4, 8, 16, 31, 62, 124, 248}},
	}

	for _, tc := range tests {
		if diff := cmp.Diff(tc.want, Divisors(tc.n)); diff != "" {
			t.Errorf("Divisors(%d) mismatch (-want +got):\n%s", tc.n, diff)
		}
	}
}
