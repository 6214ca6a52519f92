// Package money provides fixed-point amounts for cryptocurrency payments.
//
// All arithmetic goes through shopspring/decimal; floats never touch a
// payment path. Amounts are normalized to 8 decimal places, which covers
// both BTC satoshis and the precision the marketplace quotes XMR at.
package money

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places every amount is normalized to.
const Scale = 8

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrNegativeAmount  = errors.New("amount must not be negative")
	ErrUnknownCurrency = errors.New("unknown currency")
)

// Amount is a non-negative fixed-point quantity of some cryptocurrency.
// The zero value is zero.
type Amount struct {
	d decimal.Decimal
}

// Parse parses a decimal string into an Amount. Negative values and
// values with more than Scale decimal places are rejected.
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if d.IsNegative() {
		return Amount{}, ErrNegativeAmount
	}
	if d.Exponent() < -Scale {
		return Amount{}, fmt.Errorf("%w: %q exceeds %d decimal places", ErrInvalidAmount, s, Scale)
	}
	return Amount{d: d}, nil
}

// MustParse is Parse for constants in tests and defaults; it panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic("money: " + err.Error())
	}
	return a
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

func (a Amount) Add(b Amount) Amount { return Amount{d: a.d.Add(b.d)} }

// Sub returns a-b, floored at zero. Payment accounting never produces
// negative balances; a reorg that removes more than was credited clamps.
func (a Amount) Sub(b Amount) Amount {
	r := a.d.Sub(b.d)
	if r.IsNegative() {
		return Amount{}
	}
	return Amount{d: r}
}

// MulInt multiplies by a quantity (unit price x order quantity).
func (a Amount) MulInt(n int64) Amount {
	return Amount{d: a.d.Mul(decimal.NewFromInt(n))}
}

// Percent returns pct% of the amount, rounded to Scale. Used for escrow
// fees and overpayment tolerances.
func (a Amount) Percent(pct decimal.Decimal) Amount {
	return Amount{d: a.d.Mul(pct).Div(decimal.NewFromInt(100)).Round(Scale)}
}

// Fraction returns frac of the amount (0 ≤ frac ≤ 1), rounded to Scale.
// Used for dispute splits.
func (a Amount) Fraction(frac decimal.Decimal) Amount {
	return Amount{d: a.d.Mul(frac).Round(Scale)}
}

func (a Amount) Cmp(b Amount) int     { return a.d.Cmp(b.d) }
func (a Amount) Equal(b Amount) bool  { return a.d.Cmp(b.d) == 0 }
func (a Amount) Less(b Amount) bool   { return a.d.Cmp(b.d) < 0 }
func (a Amount) IsZero() bool         { return a.d.IsZero() }
func (a Amount) IsPositive() bool     { return a.d.IsPositive() }

// String renders the amount with exactly Scale decimal places.
func (a Amount) String() string { return a.d.StringFixed(Scale) }

// MarshalJSON renders the amount as a JSON string to avoid any float
// round-trip in clients.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare decimal forms.
func (a *Amount) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Currency describes the payment rules for one supported cryptocurrency.
type Currency struct {
	Code                  string
	RequiredConfirmations int
	// PaymentWindow is how long an allocated destination stays payable.
	PaymentWindow time.Duration
	// OverpayTolerance is the percentage above the expected amount that
	// still finalizes as paid rather than overpaid.
	OverpayTolerance decimal.Decimal
	// AddressPrefix seeds fallback address derivation when the external
	// processor does not hand one back.
	AddressPrefix string
}

// Registry maps currency codes to their payment rules.
type Registry struct {
	currencies map[string]Currency
}

// DefaultRegistry returns the marketplace's supported currencies.
// BTC confirms slowly and gets the longer window; XMR confirms fast.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Currency{
			Code:                  "BTC",
			RequiredConfirmations: 3,
			PaymentWindow:         30 * time.Minute,
			OverpayTolerance:      decimal.NewFromInt(1),
			AddressPrefix:         "bc1q",
		},
		Currency{
			Code:                  "XMR",
			RequiredConfirmations: 1,
			PaymentWindow:         15 * time.Minute,
			OverpayTolerance:      decimal.NewFromInt(1),
			AddressPrefix:         "4",
		},
	)
}

// NewRegistry builds a registry from explicit currency definitions.
func NewRegistry(currencies ...Currency) *Registry {
	r := &Registry{currencies: make(map[string]Currency, len(currencies))}
	for _, c := range currencies {
		r.currencies[c.Code] = c
	}
	return r
}

// Get looks up a currency by code.
func (r *Registry) Get(code string) (Currency, error) {
	c, ok := r.currencies[code]
	if !ok {
		return Currency{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, code)
	}
	return c, nil
}

// Supported reports whether the code is a known currency.
func (r *Registry) Supported(code string) bool {
	_, ok := r.currencies[code]
	return ok
}

// Codes returns the supported currency codes.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.currencies))
	for code := range r.currencies {
		codes = append(codes, code)
	}
	return codes
}

// PaidThreshold returns the ceiling above which a payment counts as
// overpaid: expected plus the currency's tolerance.
func (c Currency) PaidThreshold(expected Amount) Amount {
	return expected.Add(expected.Percent(c.OverpayTolerance))
}
