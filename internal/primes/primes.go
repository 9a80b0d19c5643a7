package primes

import (
	"math/bits"
	"slices"
	"sync"
)

// DefaultTrialDivisionLimit is the value below which trial division is used.
// Above it the deterministic Miller-Rabin path takes over.
const DefaultTrialDivisionLimit uint64 = 1 << 24

// witnesses make Miller-Rabin deterministic for every n < 2^64.
var witnesses = [...]uint64{2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37}

// MaxIndexedPrime is the largest prime Index reports a position for. The
// table behind it is built once and holds about a million entries.
const MaxIndexedPrime uint64 = 1 << 24

var indexTable = sync.OnceValue(func() []uint32 { return sieve(MaxIndexedPrime) })

// Oracle decides primality. The zero value uses DefaultTrialDivisionLimit.
type Oracle struct {
	TrialDivisionLimit uint64
}

var defaultOracle Oracle

// IsPrime reports whether n is prime using the default oracle.
func IsPrime(n uint64) bool {
	return defaultOracle.IsPrime(n)
}

// Index returns the 1-based position of p in the sequence of primes (2 is 1).
// It reports false for composites and for primes above MaxIndexedPrime.
func Index(p uint64) (uint64, bool) {
	return defaultOracle.Index(p)
}

// Price is the claim price in whole US dollars: the prime itself.
func Price(p uint64) uint64 {
	return p
}

// NextCandidate returns the smallest integer > n worth a primality test:
// 2, 3, then odd numbers only.
func NextCandidate(n uint64) uint64 {
	if n < 2 {
		return 2
	}
	if n == 2 {
		return 3
	}
	if n%2 == 0 {
		return n + 1
	}
	return n + 2
}

func (o Oracle) limit() uint64 {
	if o.TrialDivisionLimit == 0 {
		return DefaultTrialDivisionLimit
	}
	return o.TrialDivisionLimit
}

func (o Oracle) IsPrime(n uint64) bool {
	if n < 2 {
		return false
	}
	if n < o.limit() {
		return trialDivision(n)
	}
	return millerRabin(n)
}

// Index is only meant for display.
func (o Oracle) Index(p uint64) (uint64, bool) {
	if p > MaxIndexedPrime || !o.IsPrime(p) {
		return 0, false
	}
	i, found := slices.BinarySearch(indexTable(), uint32(p))
	if !found {
		return 0, false
	}
	return uint64(i) + 1, true
}

func trialDivision(n uint64) bool {
	if n < 4 {
		return n >= 2
	}
	if n%2 == 0 || n%3 == 0 {
		return false
	}
	for i := uint64(5); i <= n/i; i += 6 {
		if n%i == 0 || n%(i+2) == 0 {
			return false
		}
	}
	return true
}

func millerRabin(n uint64) bool {
	if n < 4 {
		return n >= 2
	}
	if n%2 == 0 {
		return false
	}

	d := n - 1
	r := bits.TrailingZeros64(d)
	d >>= uint(r)

	for _, a := range witnesses {
		if a%n == 0 {
			continue
		}
		x := powMod(a, d, n)
		if x == 1 || x == n-1 {
			continue
		}
		composite := true
		for i := 1; i < r; i++ {
			x = mulMod(x, x, n)
			if x == n-1 {
				composite = false
				break
			}
		}
		if composite {
			return false
		}
	}
	return true
}

// mulMod computes a*b mod m without overflow. a and b must be < m.
func mulMod(a, b, m uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	_, rem := bits.Div64(hi, lo, m)
	return rem
}

func powMod(base, exp, m uint64) uint64 {
	result := uint64(1)
	base %= m
	for exp > 0 {
		if exp&1 == 1 {
			result = mulMod(result, base, m)
		}
		base = mulMod(base, base, m)
		exp >>= 1
	}
	return result
}

// sieve lists the primes <= n using a sieve of Eratosthenes over odd numbers.
func sieve(n uint64) []uint32 {
	if n < 2 {
		return nil
	}
	// bit i covers the odd number 2*i+1.
	composite := make([]uint64, (n/2)/64+1)
	out := []uint32{2}
	for i := uint64(1); 2*i+1 <= n; i++ {
		if composite[i/64]&(1<<(i%64)) != 0 {
			continue
		}
		p := 2*i + 1
		out = append(out, uint32(p))
		for j := p * p; j <= n; j += 2 * p {
			composite[(j/2)/64] |= 1 << ((j / 2) % 64)
		}
	}
	return out
}
