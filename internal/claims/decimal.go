package claims

import (
	"math/big"
	"strings"
)

// maxAmountUSD is the exclusive upper bound of amount_paid NUMERIC(30, 8).
var maxAmountUSD = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(22), nil))

func parseDecimal(v string) (*big.Rat, bool) {
	v = strings.TrimSpace(v)
	if v == "" || strings.ContainsAny(v, "eE/") {
		return nil, false
	}
	r, ok := new(big.Rat).SetString(v)
	if !ok || r.Sign() < 0 || r.Cmp(maxAmountUSD) >= 0 {
		return nil, false
	}
	return r, true
}

// formatUSD renders a sum with cent precision.
func formatUSD(r *big.Rat) string {
	if r == nil {
		return "0.00"
	}
	return r.FloatString(2)
}
