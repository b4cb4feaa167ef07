// Package perfect implements the divisor-sum predicate shared by every
// worker loop.
package perfect

import "fmt"

// MaxDivisors bounds the number of proper divisors any supported candidate
// may have. The limit is a design ceiling for the configured search range,
// not a property of the mathematics; blowing through it means the deployment
// was configured with a limit the system was never sized for.
const MaxDivisors = 10000

// Perfect reports whether n equals the sum of its proper divisors.
// Nonpositive candidates and 1 are never perfect.
func Perfect(n int32) bool {
	if n <= 1 {
		return false
	}

	var sum int64
	count := 0
	for d := int32(1); d < n; d++ {
		if n%d != 0 {
			continue
		}
		count++
		if count > MaxDivisors {
			panic(fmt.Sprintf("candidate %d has more than %d divisors: limit misconfigured", n, MaxDivisors))
		}
		sum += int64(d)
	}
	return sum == int64(n)
}

// Divisors returns the proper divisors of n in ascending order. It shares
// the MaxDivisors ceiling with Perfect.
func Divisors(n int32) []int32 {
	if n <= 1 {
		return nil
	}

	divs := make([]int32, 0, 16)
	for d := int32(1); d < n; d++ {
		if n%d != 0 {
			continue
		}
		if len(divs) == MaxDivisors {
			panic(fmt.Sprintf("candidate %d has more than %d divisors: limit misconfigured", n, MaxDivisors))
		}
		divs = append(divs, d)
	}
	return divs
}
