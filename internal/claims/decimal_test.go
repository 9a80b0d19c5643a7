package claims

import (
	"errors"
	"testing"
)

func TestValidateAmount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in string
		ok bool
	}{
		{in: "2.00", ok: true},
		{in: "0", ok: true},
		{in: "9223372036854775783.00", ok: true},
		{in: "9999999999999999999999.99999999", ok: true},
		{in: "10000000000000000000000", ok: false},
		{in: "-1", ok: false},
		{in: "1e3", ok: false},
		{in: "", ok: false},
		{in: "abc", ok: false},
	}
	for _, tc := range cases {
		err := ValidateAmount(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("ValidateAmount(%q): %v", tc.in, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("ValidateAmount(%q): got %v want ErrInvalidInput", tc.in, err)
		}
	}
}
