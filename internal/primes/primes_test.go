package primes

import "testing"

func naiveIsPrime(n uint64) bool {
	if n < 2 {
		return false
	}
	for d := uint64(2); d*d <= n; d++ {
		if n%d == 0 {
			return false
		}
	}
	return true
}

func TestIsPrime_MatchesTrialDivisionUpToOneMillion(t *testing.T) {
	t.Parallel()

	const limit = 1_000_000

	// A sieve is the ground truth here; naiveIsPrime spot-checks the sieve.
	composite := make([]bool, limit+1)
	composite[0], composite[1] = true, true
	for i := 2; i*i <= limit; i++ {
		if composite[i] {
			continue
		}
		for j := i * i; j <= limit; j += i {
			composite[j] = true
		}
	}

	trial := Oracle{TrialDivisionLimit: limit + 1}
	mr := Oracle{TrialDivisionLimit: 2}

	for n := uint64(0); n <= limit; n++ {
		want := !composite[n]
		if n%9973 == 0 && naiveIsPrime(n) != want {
			t.Fatalf("sieve disagrees with naive check at %d", n)
		}
		if got := trial.IsPrime(n); got != want {
			t.Fatalf("trial division IsPrime(%d)=%v want %v", n, got, want)
		}
		if got := mr.IsPrime(n); got != want {
			t.Fatalf("miller-rabin IsPrime(%d)=%v want %v", n, got, want)
		}
	}
}

func TestIsPrime_LargeValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n    uint64
		want bool
	}{
		{n: 2305843009213693951, want: true},   // 2^61 - 1
		{n: 18446744073709551557, want: true},  // largest prime below 2^64
		{n: 18446744073709551615, want: false}, // 2^64 - 1
		{n: 3215031751, want: false},           // strong pseudoprime to bases 2,3,5,7
		{n: 3825123056546413051, want: false},  // strong pseudoprime to bases 2..23
		{n: 4294967291, want: true},
		{n: 4294967297, want: false}, // 641 * 6700417
		{n: 1000000007, want: true},
		{n: 561, want: false}, // Carmichael
	}
	for _, tc := range cases {
		if got := IsPrime(tc.n); got != tc.want {
			t.Fatalf("IsPrime(%d)=%v want %v", tc.n, got, tc.want)
		}
	}
}

func TestIndex(t *testing.T) {
	t.Parallel()

	cases := []struct {
		p    uint64
		want uint64
		ok   bool
	}{
		{p: 2, want: 1, ok: true},
		{p: 3, want: 2, ok: true},
		{p: 7, want: 4, ok: true},
		{p: 97, want: 25, ok: true},
		{p: 7919, want: 1000, ok: true},
		{p: 104729, want: 10000, ok: true},
		{p: 1, ok: false},
		{p: 9, ok: false},
		{p: 16777213, want: 1077871, ok: true},
		{p: 16777259, ok: false},
		{p: 18446744073709551557, ok: false},
	}
	for _, tc := range cases {
		got, ok := Index(tc.p)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("Index(%d)=(%d,%v) want (%d,%v)", tc.p, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNextCandidate(t *testing.T) {
	t.Parallel()

	cases := map[uint64]uint64{0: 2, 1: 2, 2: 3, 3: 5, 4: 5, 9: 11, 10: 11}
	for in, want := range cases {
		if got := NextCandidate(in); got != want {
			t.Fatalf("NextCandidate(%d)=%d want %d", in, got, want)
		}
	}
}

func TestPriceEqualsPrime(t *testing.T) {
	t.Parallel()

	for _, p := range []uint64{2, 3, 421, 7919} {
		if Price(p) != p {
			t.Fatalf("Price(%d)=%d", p, Price(p))
		}
	}
}
