package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/theqp/primeclaim/internal/primes"
)

type result struct {
	N        uint64 `json:"n"`
	IsPrime  bool   `json:"isPrime"`
	Index    uint64 `json:"index,omitempty"`
	PriceUSD uint64 `json:"priceUsd,omitempty"`
	Next     uint64 `json:"next,omitempty"`
}

func main() {
	if err := runMain(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("prime-check", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	withIndex := fs.Bool("index", true, "include the 1-based index of primes (O(n))")
	withNext := fs.Bool("next", false, "include the smallest prime greater than n")
	if err := fs.Parse(args); err != nil {
		return err
	}

	inputs := fs.Args()
	if len(inputs) == 0 {
		if stdin == nil {
			return errors.New("numbers are required as arguments or on stdin")
		}
		sc := bufio.NewScanner(stdin)
		for sc.Scan() {
			if v := strings.TrimSpace(sc.Text()); v != "" {
				inputs = append(inputs, v)
			}
		}
		if err := sc.Err(); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}
	if len(inputs) == 0 {
		return errors.New("numbers are required as arguments or on stdin")
	}

	enc := json.NewEncoder(stdout)
	for _, in := range inputs {
		n, err := strconv.ParseUint(strings.TrimSpace(in), 10, 64)
		if err != nil {
			return fmt.Errorf("parse %q: %w", in, err)
		}
		if err := enc.Encode(check(n, *withIndex, *withNext)); err != nil {
			return err
		}
	}
	return nil
}

func check(n uint64, withIndex, withNext bool) result {
	r := result{N: n, IsPrime: primes.IsPrime(n)}
	if r.IsPrime {
		r.PriceUSD = primes.Price(n)
		if withIndex {
			r.Index, _ = primes.Index(n)
		}
	}
	if withNext {
		for c := primes.NextCandidate(n); c > n; c = primes.NextCandidate(c) {
			if primes.IsPrime(c) {
				r.Next = c
				break
			}
		}
	}
	return r
}
