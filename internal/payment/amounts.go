package payment

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// planPricesCents is the server side price table. Callers never supply a price.
var planPricesCents = map[Plan]int64{
	PlanPro:     2000,
	PlanPremium: 4000,
}

// PriceFor returns the plan price in USD cents
func PriceFor(plan Plan) (int64, error) {
	price, ok := planPricesCents[plan]
	if !ok {
		return 0, fmt.Errorf("%w: plan %q has no price", ErrValidation, plan)
	}
	return price, nil
}

// CentsToBaseUnits converts a USD cent price into base units of a stable asset
// with the given decimals, e.g. 2000 cents at 6 decimals is 20_000_000
func CentsToBaseUnits(cents int64, decimals uint8) (*big.Int, error) {
	if cents < 0 {
		return nil, fmt.Errorf("%w: negative price", ErrValidation)
	}

	amount := big.NewInt(cents)
	if decimals >= 2 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-2)), nil)
		return amount.Mul(amount, scale), nil
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(2-decimals)), nil)
	quo, rem := new(big.Int).QuoRem(amount, divisor, new(big.Int))
	if rem.Sign() != 0 {
		return nil, fmt.Errorf("%w: %d cents is not representable with %d decimals", ErrValidation, cents, decimals)
	}
	return quo, nil
}

// FormatAmount renders base units as a human readable decimal string
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ParseAmount converts a human amount such as "20.5" into base units.
// Amounts with more fractional digits than the asset supports are rejected.
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid amount %q", ErrValidation, s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %q", ErrValidation, s)
	}

	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: amount %q has more than %d decimals", ErrValidation, s, decimals)
	}
	return shifted.BigInt(), nil
}

// ParseBaseUnits parses a base unit integer string as stored in the database
func ParseBaseUnits(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid base unit amount %q", ErrValidation, s)
	}
	return n, nil
}
